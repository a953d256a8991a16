// Package bus implements the per-request streaming bus: bounded fan-out of
// typed events to any number of frontend consumers, plus at most one text
// side-channel feeding the speech stage.
//
// The bus also owns the completion protocol. Construction mints a single
// [CompletionToken]; only the holder of that exact pointer may close the
// stream via [Bus.SignalCompletion]. Closing delivers the terminal sentinel
// to every consumer exactly once — in Go terms, each consumer's receive
// channel is closed — and closes the TTS side-channel as its end-of-stream
// marker.
//
// Cancellation is a bus-level operation ([Bus.Cancel]): the cancelled event
// and the chunk-suppression flag are set atomically, so no streaming chunk
// can be observed after cancelled on any consumer.
//
// Backpressure never blocks a producer on a slow frontend consumer: each
// consumer has a bounded queue that evicts its oldest non-terminal event when
// full. Terminal events ([event.Event.Terminal]) are never evicted, so the
// completion contract stays observable even for a consumer that stalled. The
// TTS side-channel is the one deliberate exception: it blocks the producer
// when full, because the speech stage must observe the exact text_chunk
// multiset the frontend saw, and its consumer is required to drain to EOS.
package bus

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parlance-ai/parlance/pkg/event"
)

// Queue capacity bounds. Capacities below the floor would let a short burst
// of audio frames evict text deltas the client never saw.
const (
	DefaultCapacity = 128
	MinCapacity     = 64
)

// Sentinel errors.
var (
	// ErrCompletionOwnership is returned by SignalCompletion when the caller
	// does not hold the token minted at construction. The bus stays open.
	ErrCompletionOwnership = errors.New("bus: completion signalled without the owning token")

	// ErrBusClosed is returned by registrations arriving after completion.
	ErrBusClosed = errors.New("bus: closed")

	// ErrTTSChannelExists is returned by RegisterTTSChannel when a
	// side-channel was already registered for this bus.
	ErrTTSChannelExists = errors.New("bus: tts channel already registered")

	// ErrTTSAfterText is returned by RegisterTTSChannel once a text_chunk
	// has been sent; a late registration would miss deltas and break tee
	// fidelity.
	ErrTTSAfterText = errors.New("bus: tts channel registered after first text chunk")
)

// CompletionToken proves completion ownership. Identity is pointer equality;
// the struct carries an id only for log correlation.
type CompletionToken struct {
	id string
}

// String returns the token's log id.
func (t *CompletionToken) String() string { return t.id }

// Mode selects the fan-out targets of a send.
type Mode int

const (
	// SendAll delivers to every consumer and tees text to the TTS channel.
	SendAll Mode = iota
	// SendFrontendOnly delivers to every consumer; text_chunk content is
	// still teed so the speech stage observes the same delta sequence the
	// frontend sees.
	SendFrontendOnly
	// SendTTSOnly skips consumers entirely; text_chunk content goes only to
	// the TTS channel.
	SendTTSOnly
)

func (m Mode) String() string {
	switch m {
	case SendAll:
		return "all"
	case SendFrontendOnly:
		return "frontend_only"
	case SendTTSOnly:
		return "tts_only"
	}
	return "unknown"
}

// ConsumerID identifies a registered consumer within one bus.
type ConsumerID int

// Bus is the per-request event fan-out. Safe for concurrent use.
type Bus struct {
	log      *slog.Logger
	capacity int

	mu        sync.Mutex
	token     *CompletionToken
	closed    bool
	cancelled bool
	textSeen  bool
	nextID    ConsumerID
	consumers map[ConsumerID]*queue
	dropped   uint64

	ttsMu   sync.Mutex
	ttsCh   chan<- string
	ttsDone bool
}

// New builds a bus and mints its completion token. There is no accessor for
// the token afterwards; hand it to the single component that may close the
// stream. Capacity 0 means [DefaultCapacity]; values below [MinCapacity] are
// raised to it.
func New(capacity int, log *slog.Logger) (*Bus, *CompletionToken) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	tok := &CompletionToken{id: uuid.NewString()}
	return &Bus{
		log:       log,
		capacity:  capacity,
		token:     tok,
		consumers: make(map[ConsumerID]*queue),
	}, tok
}

// RegisterConsumer adds a consumer and returns its receive channel. The
// channel preserves send order and is closed exactly once as the terminal
// sentinel. Registering on a closed bus returns an already-closed channel.
func (b *Bus) RegisterConsumer() (ConsumerID, <-chan event.Event) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		ch := make(chan event.Event)
		close(ch)
		return id, ch
	}
	q := newQueue(id)
	b.consumers[id] = q
	b.mu.Unlock()
	return id, q.out
}

// Deregister abandons a consumer that will not read any further events. Its
// channel is closed; queued events are discarded.
func (b *Bus) Deregister(id ConsumerID) {
	b.mu.Lock()
	q, ok := b.consumers[id]
	delete(b.consumers, id)
	b.mu.Unlock()
	if ok {
		q.abandon()
	}
}

// RegisterTTSChannel attaches the speech-stage side-channel. At most one per
// bus, and only before the first text_chunk. The bus closes the channel
// exactly once as EOS; the consumer must drain it until then.
func (b *Bus) RegisterTTSChannel(ch chan<- string) error {
	b.mu.Lock()
	closed, textSeen := b.closed, b.textSeen
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if textSeen {
		return ErrTTSAfterText
	}
	b.ttsMu.Lock()
	defer b.ttsMu.Unlock()
	if b.ttsCh != nil || b.ttsDone {
		return ErrTTSChannelExists
	}
	b.ttsCh = ch
	return nil
}

// DeregisterTTSChannel closes the side-channel (EOS) if one is registered
// and not yet closed. Idempotent.
func (b *Bus) DeregisterTTSChannel() {
	b.ttsMu.Lock()
	defer b.ttsMu.Unlock()
	if b.ttsCh != nil && !b.ttsDone {
		close(b.ttsCh)
		b.ttsDone = true
	}
}

// Send fans the event out according to mode. Sends on a closed bus are
// dropped with a warning and never block; sends to full consumer queues
// evict per the drop-oldest policy. For text_chunk events with non-whitespace
// content, the content is also appended to the TTS side-channel.
func (b *Bus) Send(ev event.Event, mode Mode) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Warn("bus: dropped send after close",
			"event_type", string(ev.Type), "mode", mode.String())
		return
	}
	if b.cancelled && streamingChunk(ev.Type) {
		b.mu.Unlock()
		return
	}
	if ev.Type == event.TypeTextChunk {
		b.textSeen = true
	}
	if mode != SendTTSOnly {
		for _, q := range b.consumers {
			if q.push(ev, b.capacity) {
				b.dropped++
				b.log.Debug("bus: evicted oldest queued event",
					"consumer", int(q.id), "incoming", string(ev.Type))
			}
		}
	}
	b.mu.Unlock()

	if ev.Type != event.TypeTextChunk {
		return
	}
	content := ev.Content()
	if strings.TrimSpace(content) == "" {
		return
	}
	b.ttsMu.Lock()
	if b.ttsCh != nil && !b.ttsDone {
		b.ttsCh <- content
	}
	b.ttsMu.Unlock()
}

// Cancel publishes the cancelled event and stops relaying streaming chunks.
// Delivery of cancelled and the suppression flag are set under the same lock,
// so a chunk that loses the race to a cancel can never appear after the
// cancelled event on any consumer. Terminal and status events still flow;
// the completion protocol finishes as usual. Idempotent.
func (b *Bus) Cancel() {
	b.mu.Lock()
	if b.closed || b.cancelled {
		b.mu.Unlock()
		return
	}
	b.cancelled = true
	ev := event.Cancelled()
	for _, q := range b.consumers {
		q.push(ev, b.capacity)
	}
	b.mu.Unlock()
}

// streamingChunk reports whether t is a content delta that must not reach
// consumers after cancellation.
func streamingChunk(t event.Type) bool {
	switch t {
	case event.TypeTextChunk, event.TypeAudioChunk, event.TypeThinkingChunk:
		return true
	}
	return false
}

// SignalCompletion closes the stream. Only the token minted by [New] is
// accepted; a wrong or absent token is rejected with
// [ErrCompletionOwnership] and the bus stays open. Once the bus is closed,
// further calls are no-ops regardless of token.
func (b *Bus) SignalCompletion(tok *CompletionToken) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if tok == nil || tok != b.token {
		b.mu.Unlock()
		got := "<nil>"
		if tok != nil {
			got = tok.id
		}
		b.log.Error("bus: completion rejected, caller does not own the token",
			"presented", got, "expected", b.token.id)
		return ErrCompletionOwnership
	}
	b.closed = true
	for _, q := range b.consumers {
		q.seal()
	}
	b.mu.Unlock()
	b.DeregisterTTSChannel()
	return nil
}

// Closed reports whether completion has been signalled.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Dropped returns the total number of events evicted under backpressure.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// ── Consumer queue ─────────────────────────────────────────────────────────

// queue is one consumer's bounded buffer plus the pump goroutine that moves
// buffered events onto the unbuffered receive channel.
type queue struct {
	id  ConsumerID
	out chan event.Event

	mu        sync.Mutex
	cond      *sync.Cond
	buf       []event.Event
	sealed    bool
	abandoned bool
	quit      chan struct{}
}

func newQueue(id ConsumerID) *queue {
	q := &queue{
		id:   id,
		out:  make(chan event.Event),
		quit: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// push enqueues ev, evicting the oldest non-terminal event when full.
// Terminal events are never evicted and are always enqueued; a non-terminal
// arriving at a queue holding only terminals is dropped instead. Reports
// whether anything was dropped.
func (q *queue) push(ev event.Event, capacity int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed || q.abandoned {
		return false
	}
	dropped := false
	if len(q.buf) >= capacity {
		if i := oldestNonTerminal(q.buf); i >= 0 {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			dropped = true
		} else if !ev.Terminal() {
			return true
		}
	}
	q.buf = append(q.buf, ev)
	q.cond.Signal()
	return dropped
}

// seal stops intake; the pump drains the buffer then closes out.
func (q *queue) seal() {
	q.mu.Lock()
	q.sealed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// abandon stops intake and the pump immediately, discarding queued events.
func (q *queue) abandon() {
	q.mu.Lock()
	if q.abandoned {
		q.mu.Unlock()
		return
	}
	q.abandoned = true
	close(q.quit)
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *queue) pump() {
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.sealed && !q.abandoned {
			q.cond.Wait()
		}
		if q.abandoned || (len(q.buf) == 0 && q.sealed) {
			q.mu.Unlock()
			close(q.out)
			return
		}
		ev := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.quit:
			close(q.out)
			return
		}
	}
}

func oldestNonTerminal(buf []event.Event) int {
	for i, ev := range buf {
		if !ev.Terminal() {
			return i
		}
	}
	return -1
}
