// Package session implements the per-connection supervisor: one Runtime per
// live client connection, racing inbound control messages against the active
// workflow so that cancel, ping, and audio frames preempt in-flight
// generation without losing stream events.
//
// The runtime owns the connection-scoped state the dispatcher must not know
// about: the level-triggered cancel flag, the bounded audio ingest queue, the
// client tool-result channel, keepalive bookkeeping, and temp files recorded
// for uploaded attachments. Each request gets a fresh bus; the runtime mints
// the completion token, hands it to the dispatcher for the duration of the
// workflow, and keeps it so teardown can close a stream whose workflow died.
package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parlance-ai/parlance/internal/bus"
	"github.com/parlance-ai/parlance/internal/engine/dispatch"
	"github.com/parlance-ai/parlance/internal/observe"
	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/pkg/event"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultMaxMissedPings = 3

	// toolResultBuffer bounds how many client tool results can queue ahead
	// of the workflow consuming them.
	toolResultBuffer = 8
)

// Transport is the connection half the runtime drives. Receive blocks until
// the next inbound frame; Send writes one event to the client and must be
// safe for concurrent use (the runtime sends from the forward goroutine and
// the supervisor loop).
type Transport interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, ev event.Event) error
}

// Dispatcher runs one workflow to completion, honoring the completion
// protocol. *dispatch.Dispatcher is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, b *bus.Bus, tok *bus.CompletionToken, client dispatch.Client, req *request.Request)
}

// Runtime supervises a single client connection. Not safe for concurrent
// Run calls; all per-connection state is owned by the Run goroutine.
type Runtime struct {
	transport  Transport
	dispatcher Dispatcher
	sessionID  string
	customerID string

	queueCapacity  int
	pingInterval   time.Duration
	maxMissedPings int

	log     *slog.Logger
	metrics *observe.Metrics

	// missed counts keepalive pings without a pong reply. Loop-owned.
	missed int

	active *workflow // loop-owned; nil when idle

	tempMu    sync.Mutex
	tempFiles []string
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithQueueCapacity sets the audio ingest and bus queue capacity.
// Defaults to bus.DefaultCapacity.
func WithQueueCapacity(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.queueCapacity = n
		}
	}
}

// WithKeepalive sets the server ping interval and how many consecutive
// unanswered pings close the connection. An interval of 0 disables
// keepalive.
func WithKeepalive(interval time.Duration, maxMissed int) Option {
	return func(r *Runtime) {
		r.pingInterval = interval
		if maxMissed > 0 {
			r.maxMissedPings = maxMissed
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// New builds a runtime for one connection. sessionID and customerID stamp
// requests that omit them, so every workflow on this connection persists
// into the session the transport bound at handshake.
func New(transport Transport, d Dispatcher, sessionID, customerID string, opts ...Option) *Runtime {
	r := &Runtime{
		transport:      transport,
		dispatcher:     d,
		sessionID:      sessionID,
		customerID:     customerID,
		queueCapacity:  bus.DefaultCapacity,
		pingInterval:   defaultPingInterval,
		maxMissedPings: defaultMaxMissedPings,
		log:            slog.Default(),
		metrics:        observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// workflow is the state of one in-flight request. It implements
// dispatch.Client for the dispatcher it was started with.
type workflow struct {
	req       *request.Request
	b         *bus.Bus
	token     *bus.CompletionToken
	cancel    context.CancelFunc
	cancelled atomic.Bool

	audio     chan []byte
	audioOpen bool // loop-owned
	tools     chan request.ToolResult

	done    chan struct{} // closed when the dispatcher returns
	flushed chan struct{} // closed when the forward goroutine drains
}

var _ dispatch.Client = (*workflow)(nil)

func (w *workflow) AudioFrames() <-chan []byte             { return w.audio }
func (w *workflow) ToolResults() <-chan request.ToolResult { return w.tools }
func (w *workflow) Cancelled() bool                        { return w.cancelled.Load() }

// Run drives the connection until the client closes the session, the socket
// drops, keepalive gives up, or ctx is cancelled. initial, when non-nil,
// starts a workflow immediately (the payload the transport read during
// handshake).
func (r *Runtime) Run(ctx context.Context, initial *request.Request) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.metrics.ActiveSessions.Add(ctx, 1)
	defer r.metrics.ActiveSessions.Add(ctx, -1)
	defer r.teardown()

	recv := make(chan []byte)
	go r.receiveLoop(ctx, recv)

	if initial != nil {
		r.start(ctx, initial)
	}

	var tick <-chan time.Time
	if r.pingInterval > 0 {
		ticker := time.NewTicker(r.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		// A nil done channel blocks forever, which is exactly the idle case.
		var done chan struct{}
		if r.active != nil {
			done = r.active.done
		}

		select {
		case data, ok := <-recv:
			if !ok {
				r.log.Debug("session: connection closed", "session_id", r.sessionID)
				return nil
			}
			if stop := r.handleFrame(ctx, data); stop {
				return nil
			}

		case <-done:
			r.finishWorkflow()

		case <-tick:
			if r.missed >= r.maxMissedPings {
				r.send(ctx, event.Custom("closing", map[string]any{"reason": "ping_timeout"}))
				r.log.Info("session: keepalive timed out",
					"session_id", r.sessionID, "missed", r.missed)
				return nil
			}
			r.missed++
			r.send(ctx, event.Ping())

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receiveLoop pumps raw inbound frames into out so the supervisor select can
// race them against workflow completion. Closes out when the transport ends.
func (r *Runtime) receiveLoop(ctx context.Context, out chan<- []byte) {
	defer close(out)
	for {
		data, err := r.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Debug("session: receive ended", "session_id", r.sessionID, "error", err)
			}
			return
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame decodes and routes one inbound frame. Returns true when the
// client asked to close the session.
func (r *Runtime) handleFrame(ctx context.Context, data []byte) (stop bool) {
	msg, err := request.ParseClientMessage(data)
	if err != nil {
		r.emit(ctx, event.Error("validation", err.Error()))
		return false
	}

	switch msg.Control {
	case request.ControlNone:
		// A client that saw the previous stream's terminals may send its
		// next request before the loop has reaped the finished workflow.
		r.reapFinished()
		if r.active != nil {
			r.emit(ctx, event.Error("validation", "a request is already in flight"))
			return false
		}
		r.start(ctx, msg.Request)

	case request.ControlCancel:
		r.handleCancel(ctx)

	case request.ControlPing:
		r.send(ctx, event.Pong())

	case request.ControlPong:
		r.missed = 0

	case request.ControlAudio:
		r.pushAudio(msg.Audio)

	case request.ControlRecordingFinished:
		r.closeAudio()

	case request.ControlToolResult:
		r.pushToolResult(*msg.ToolResult)

	case request.ControlCloseSession:
		return true
	}
	return false
}

// start launches a workflow for req: a fresh bus and token, a forward
// goroutine draining the consumer to the transport, and the dispatcher in
// its own goroutine.
func (r *Runtime) start(ctx context.Context, req *request.Request) {
	if req.SessionID == "" {
		req.SessionID = r.sessionID
	}
	if req.CustomerID == "" {
		req.CustomerID = r.customerID
	}

	b, tok := bus.New(r.queueCapacity, r.log)
	_, ch := b.RegisterConsumer()

	wctx, cancel := context.WithCancel(ctx)
	w := &workflow{
		req:       req,
		b:         b,
		token:     tok,
		cancel:    cancel,
		audio:     make(chan []byte, r.queueCapacity),
		audioOpen: true,
		tools:     make(chan request.ToolResult, toolResultBuffer),
		done:      make(chan struct{}),
		flushed:   make(chan struct{}),
	}
	r.active = w

	// Forward on the connection context, not the workflow context: the
	// cancelled tail and terminal events must still reach the client after
	// the workflow context dies.
	go func() {
		defer close(w.flushed)
		for ev := range ch {
			r.metrics.RecordEvent(ctx, string(ev.Type))
			if err := r.transport.Send(ctx, ev); err != nil {
				r.log.Warn("session: event send failed",
					"session_id", r.sessionID, "type", string(ev.Type), "error", err)
			}
		}
	}()

	go func() {
		defer close(w.done)
		r.dispatcher.Dispatch(wctx, b, tok, w, req)
	}()

	r.log.Debug("session: workflow started",
		"session_id", req.SessionID, "request_type", string(req.RequestType))
}

// reapFinished collects the active workflow if its dispatcher has already
// returned, without blocking when it has not.
func (r *Runtime) reapFinished() {
	if w := r.active; w != nil {
		select {
		case <-w.done:
			r.finishWorkflow()
		default:
		}
	}
}

// finishWorkflow runs after the dispatcher returns: make sure the stream is
// closed (no-op when the dispatcher signalled normally), wait for the
// forwarder to drain, and release per-request resources.
func (r *Runtime) finishWorkflow() {
	w := r.active
	if w == nil {
		return
	}
	if err := w.b.SignalCompletion(w.token); err != nil {
		r.log.Error("session: fallback completion rejected",
			"session_id", r.sessionID, "error", err)
	}
	<-w.flushed
	r.release(w)
	r.active = nil
}

// release frees what a finished workflow still holds and accounts for any
// events its bus evicted under backpressure.
func (r *Runtime) release(w *workflow) {
	w.cancel()
	if w.audioOpen {
		close(w.audio)
		w.audioOpen = false
	}
	if n := w.b.Dropped(); n > 0 {
		r.metrics.RecordQueueDrops(context.Background(), int64(n))
		r.log.Warn("session: events dropped under backpressure",
			"session_id", r.sessionID, "dropped", n)
	}
}

// handleCancel sets the level-triggered flag, publishes cancelled as the
// next stream event, and cancels the workflow context. Repeat cancels are
// no-ops; a cancel with no active workflow is acknowledged directly.
func (r *Runtime) handleCancel(ctx context.Context) {
	w := r.active
	if w == nil {
		r.send(ctx, event.Cancelled())
		return
	}
	if w.cancelled.Swap(true) {
		return
	}
	// Bus-level cancel, not a plain send: the bus atomically emits cancelled
	// and stops relaying chunks, so a workflow goroutine past its context
	// poll cannot slip a late text_chunk in behind the cancelled event.
	w.b.Cancel()
	w.cancel()
	r.log.Debug("session: workflow cancelled", "session_id", r.sessionID)
}

// pushAudio appends a frame to the active audio queue. Frames outside an
// audio-consuming workflow are dropped; a full queue evicts the oldest frame
// rather than block the supervisor loop.
func (r *Runtime) pushAudio(frame []byte) {
	w := r.active
	if w == nil || !acceptsAudio(w.req.RequestType) {
		r.log.Warn("session: dropping audio frame, no audio workflow active",
			"session_id", r.sessionID)
		return
	}
	if !w.audioOpen {
		r.log.Warn("session: dropping audio frame after recording finished",
			"session_id", r.sessionID)
		return
	}
	select {
	case w.audio <- frame:
		return
	default:
	}
	select {
	case <-w.audio:
		r.log.Warn("session: audio queue full, evicted oldest frame",
			"session_id", r.sessionID)
	default:
	}
	select {
	case w.audio <- frame:
	default:
		r.log.Warn("session: audio queue full, frame dropped", "session_id", r.sessionID)
	}
}

// closeAudio ends the ingest queue exactly once (RecordingFinished).
func (r *Runtime) closeAudio() {
	w := r.active
	if w == nil || !w.audioOpen {
		return
	}
	close(w.audio)
	w.audioOpen = false
}

// pushToolResult hands a client tool result to the waiting workflow.
func (r *Runtime) pushToolResult(res request.ToolResult) {
	w := r.active
	if w == nil {
		r.log.Warn("session: dropping tool result, no workflow active",
			"session_id", r.sessionID, "tool_call_id", res.ToolCallID)
		return
	}
	select {
	case w.tools <- res:
	default:
		r.log.Warn("session: tool result queue full, dropping",
			"session_id", r.sessionID, "tool_call_id", res.ToolCallID)
	}
}

// emit routes an event through the active stream when one is open, otherwise
// directly to the transport.
func (r *Runtime) emit(ctx context.Context, ev event.Event) {
	if w := r.active; w != nil && !w.b.Closed() {
		w.b.Send(ev, bus.SendAll)
		return
	}
	r.send(ctx, ev)
}

// send writes directly to the transport, bypassing any stream.
func (r *Runtime) send(ctx context.Context, ev event.Event) {
	if err := r.transport.Send(ctx, ev); err != nil {
		r.log.Warn("session: event send failed",
			"session_id", r.sessionID, "type", string(ev.Type), "error", err)
	}
}

// TrackTempFile records a file to delete when the connection ends, e.g. a
// spooled attachment upload.
func (r *Runtime) TrackTempFile(path string) {
	r.tempMu.Lock()
	defer r.tempMu.Unlock()
	r.tempFiles = append(r.tempFiles, path)
}

// teardown releases everything the connection still owns: the in-flight
// workflow (cancelled and awaited, stream closed via the kept token, tail
// flushed) and any tracked temp files.
func (r *Runtime) teardown() {
	if w := r.active; w != nil {
		w.cancel()
		<-w.done
		if err := w.b.SignalCompletion(w.token); err != nil {
			r.log.Error("session: teardown completion rejected",
				"session_id", r.sessionID, "error", err)
		}
		<-w.flushed
		r.release(w)
		r.active = nil
	}

	r.tempMu.Lock()
	files := r.tempFiles
	r.tempFiles = nil
	r.tempMu.Unlock()
	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.log.Debug("session: temp file cleanup failed", "path", path, "error", err)
		}
	}
}

// acceptsAudio reports whether a request type consumes the audio queue.
func acceptsAudio(t request.Type) bool {
	return t == request.TypeAudio || t == request.TypeAudioDirect || t == request.TypeRealtime
}
