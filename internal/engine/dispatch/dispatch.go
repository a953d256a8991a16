// Package dispatch routes one chat request through its workflow and owns the
// request's completion token.
//
// A Dispatcher is built once at startup with the model registry, the live
// provider instances, and the optional persistence, recall, and tool
// subsystems. Each request then runs through [Dispatcher.Dispatch], which
// selects the workflow by request type:
//
//   - text: stream a completion, teeing chunks to the speech orchestrator
//   - audio: transcribe queued frames, then run the text workflow
//   - audio_direct: attach raw audio to an audio-capable text model
//   - tts: synthesize the prompt without text generation
//   - realtime: bridge the audio queue to a speech-to-speech session
//
// Whatever the workflow does, Dispatch guarantees the dual completion
// contract before it signals the bus closed: exactly one terminal for the
// text half (text_completed or text_not_requested) and one for the speech
// half (tts_completed or tts_not_requested), with persistence events and any
// trailing custom events emitted first. Dispatch never panics outward and
// never leaves the bus open.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/parlance-ai/parlance/internal/bus"
	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/engine/speech"
	"github.com/parlance-ai/parlance/internal/observe"
	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/internal/store"
	"github.com/parlance-ai/parlance/pkg/blob"
	"github.com/parlance-ai/parlance/pkg/event"
	"github.com/parlance-ai/parlance/pkg/provider/llm"
	"github.com/parlance-ai/parlance/pkg/provider/realtime"
	"github.com/parlance-ai/parlance/pkg/provider/stt"
	"github.com/parlance-ai/parlance/pkg/provider/tts"
)

const (
	// defaultHistoryLimit is how many prior messages are loaded as context.
	defaultHistoryLimit = 50

	// defaultTurnTimeout is the realtime per-turn inactivity watchdog.
	defaultTurnTimeout = 240 * time.Second

	// maxToolRounds bounds consecutive tool-call rounds in one request.
	maxToolRounds = 8

	// ttsQueueCapacity is the buffer of the bus tee channel; the bus applies
	// backpressure to producers when it fills rather than dropping.
	ttsQueueCapacity = 64

	// defaultRecallLimit is how many memory snippets a recall query returns.
	defaultRecallLimit = 5

	// rememberTimeout bounds the detached exchange-indexing write.
	rememberTimeout = 30 * time.Second
)

// Client is the slice of the session runtime a workflow consumes: the queued
// audio frames and the tool results the client submits while the workflow is
// paused. Cancelled reports the level-triggered cancel flag so teardown can
// distinguish a client cancel from a deadline.
type Client interface {
	// AudioFrames is the bounded inbound audio queue. It is closed exactly
	// once when the client signals recording_finished.
	AudioFrames() <-chan []byte

	// ToolResults delivers client-executed tool outcomes.
	ToolResults() <-chan request.ToolResult

	// Cancelled reports whether the client requested cancellation.
	Cancelled() bool
}

// Recaller retrieves memory snippets relevant to a prompt.
type Recaller interface {
	Recall(ctx context.Context, customerID, query string, limit int) ([]string, error)
}

// Memorizer is the optional write side of a [Recaller]. When the configured
// recaller implements it, finished exchanges are indexed in the background.
type Memorizer interface {
	Remember(ctx context.Context, customerID, sessionID, content string) error
}

// ToolHost executes server-side tools.
type ToolHost interface {
	// Tools lists the definitions offered to the model.
	Tools(ctx context.Context) []llm.ToolDefinition

	// Has reports whether the host can execute name itself. Calls it cannot
	// execute are delegated to the client.
	Has(name string) bool

	// Execute runs a tool with the raw JSON arguments the model produced.
	// content/isError mirror the tool protocol's result shape; a non-nil
	// error means the host itself failed.
	Execute(ctx context.Context, name, arguments string) (content string, isError bool, err error)
}

// Providers bundles the live provider instances keyed by configured name.
type Providers struct {
	Text     map[string]llm.Provider
	TTS      map[string]tts.Provider
	STT      map[string]stt.Provider
	Realtime map[string]realtime.Provider
}

// Dispatcher routes requests to workflows. Safe for concurrent use; one
// instance serves every session.
type Dispatcher struct {
	models    *config.ModelRegistry
	providers Providers

	store  store.Store // nil = persistence disabled
	blobs  blob.Store  // nil = no TTS audio persistence
	recall Recaller    // nil = recall disabled
	tools  ToolHost    // nil = no server-side tools

	historyLimit int
	recallLimit  int
	turnTimeout  time.Duration

	log     *slog.Logger
	metrics *observe.Metrics
}

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithStore enables chat history persistence.
func WithStore(s store.Store) Option {
	return func(d *Dispatcher) { d.store = s }
}

// WithBlobStore enables TTS audio persistence for requests that ask for it.
func WithBlobStore(b blob.Store) Option {
	return func(d *Dispatcher) { d.blobs = b }
}

// WithRecall enables memory recall for requests that ask for it.
func WithRecall(r Recaller) Option {
	return func(d *Dispatcher) { d.recall = r }
}

// WithToolHost enables server-side tool execution.
func WithToolHost(t ToolHost) Option {
	return func(d *Dispatcher) { d.tools = t }
}

// WithHistoryLimit sets how many prior messages load as context. Default 50.
func WithHistoryLimit(n int) Option {
	return func(d *Dispatcher) { d.historyLimit = n }
}

// WithRecallLimit sets how many memory snippets a recall query returns.
// Default 5; non-positive values keep the default.
func WithRecallLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.recallLimit = n
		}
	}
}

// WithTurnTimeout sets the realtime inactivity watchdog. Default 240s.
func WithTurnTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.turnTimeout = t }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a Dispatcher over the given model registry and providers.
func New(models *config.ModelRegistry, providers Providers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		models:       models,
		providers:    providers,
		historyLimit: defaultHistoryLimit,
		recallLimit:  defaultRecallLimit,
		turnTimeout:  defaultTurnTimeout,
		log:          slog.Default(),
		metrics:      observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ─── Dispatch ────────────────────────────────────────────────────────────────

// Dispatch runs req's workflow to completion and closes the bus with tok.
//
// The caller owns the bus and its consumers; Dispatch owns the token. It
// returns only after both completion terminals are on the bus and the
// completion sentinel has been signalled, so callers can treat its return as
// end-of-request. Cancellation arrives through ctx; when the client cancelled
// (client.Cancelled), the runtime has already emitted the cancelled event and
// Dispatch only fills in the missing terminals.
func (d *Dispatcher) Dispatch(ctx context.Context, b *bus.Bus, tok *bus.CompletionToken, client Client, req *request.Request) {
	started := time.Now()
	c := &completion{}

	// Builtin tools read the workflow identity from ctx.
	ctx = request.WithIdentity(ctx, request.Identity{
		CustomerID: req.CustomerID,
		SessionID:  req.SessionID,
	})

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch: workflow panic",
				"request_type", string(req.RequestType), "panic", r,
				"stack", string(debug.Stack()))
			b.Send(event.Error("workflow", "internal error"), bus.SendAll)
		}
		if err := ctx.Err(); err != nil && !client.Cancelled() {
			b.Send(event.Error("workflow", err.Error()), bus.SendAll)
		}
		c.fill(b)
		if err := b.SignalCompletion(tok); err != nil {
			d.log.Error("dispatch: completion rejected", "err", err)
		}

		status := "ok"
		switch {
		case client.Cancelled():
			status = "cancelled"
		case ctx.Err() != nil:
			status = "timeout"
		}
		d.metrics.WorkflowDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(
				observe.Attr("workflow", string(req.RequestType)),
				observe.Attr("status", status),
			))
		d.log.Debug("dispatch: workflow finished",
			"request_type", string(req.RequestType),
			"session_id", req.SessionID,
			"status", status,
			"duration", time.Since(started))
	}()

	b.Send(event.Working(), bus.SendAll)

	switch req.RequestType {
	case request.TypeText:
		d.runText(ctx, b, c, client, req, textInput{prompt: req.Prompt})
	case request.TypeAudio:
		d.runAudio(ctx, b, c, client, req)
	case request.TypeAudioDirect:
		d.runAudioDirect(ctx, b, c, client, req)
	case request.TypeTTS:
		d.runTTS(ctx, b, c, req)
	case request.TypeRealtime:
		d.runRealtime(ctx, b, c, client, req)
	default:
		b.Send(event.Error("validation", fmt.Sprintf("unknown request_type %q", req.RequestType)), bus.SendAll)
	}
}

// ─── Completion tracking ─────────────────────────────────────────────────────

// completion tracks the dual-flag protocol: one terminal per half before the
// bus may close. Workflows mark halves as they emit terminals; fill emits
// whatever is still missing.
type completion struct {
	textDone bool
	ttsDone  bool
}

// text emits ev as the text-half terminal and marks the half done.
func (c *completion) text(b *bus.Bus, ev event.Event) {
	b.Send(ev, bus.SendAll)
	c.textDone = true
}

// tts marks the speech half done after its terminal reached the bus through
// the orchestrator.
func (c *completion) tts() { c.ttsDone = true }

// fill emits the not_requested terminal for every half still open.
func (c *completion) fill(b *bus.Bus) {
	if !c.textDone {
		b.Send(event.TextNotRequested(), bus.SendAll)
		c.textDone = true
	}
	if !c.ttsDone {
		b.Send(event.TTSNotRequested(), bus.SendAll)
		c.ttsDone = true
	}
}

// ─── Speech stage ────────────────────────────────────────────────────────────

// speechRun tracks a concurrently running speech orchestrator.
type speechRun struct {
	b    *bus.Bus
	done chan struct{}
}

// startSpeech launches the TTS orchestrator on a bus-registered tee channel
// when the request asks for it. It returns nil when speech is disabled or
// could not start; the caller's completion fill then reports
// tts_not_requested.
func (d *Dispatcher) startSpeech(ctx context.Context, b *bus.Bus, c *completion, req *request.Request) *speechRun {
	if !req.Settings.TTS.Enabled() {
		return nil
	}

	orch, ok := d.newSpeech(b, req)
	if !ok {
		return nil
	}

	textCh := make(chan string, ttsQueueCapacity)
	if err := b.RegisterTTSChannel(textCh); err != nil {
		d.log.Warn("dispatch: tts channel registration failed", "err", err)
		b.Send(event.Error("tts", err.Error()), bus.SendAll)
		return nil
	}

	run := &speechRun{b: b, done: make(chan struct{})}
	go func() {
		defer close(run.done)
		orch.Run(ctx, textCh)
	}()
	return run
}

// newSpeech resolves the TTS model alias and builds the orchestrator for this
// request. ok is false when resolution fails; the failure is reported as a
// non-terminal error event and the speech half stays not-requested.
func (d *Dispatcher) newSpeech(b *bus.Bus, req *request.Request) (*speech.Orchestrator, bool) {
	entry, err := d.models.ResolveOrDefault(config.KindTTS, req.Settings.TTS.Model)
	if err != nil {
		d.log.Warn("dispatch: tts model resolution failed", "err", err)
		b.Send(event.Error("tts", err.Error()), bus.SendAll)
		return nil, false
	}
	prov, ok := d.providers.TTS[entry.Provider]
	if !ok {
		msg := fmt.Sprintf("tts provider %q not configured", entry.Provider)
		d.log.Warn("dispatch: " + msg)
		b.Send(event.Error("tts", msg), bus.SendAll)
		return nil, false
	}

	voiceID := req.Settings.TTS.Voice
	if voiceID == "" {
		voiceID = entry.Voice
	}
	if voiceID == "" {
		if voices := prov.Capabilities().Voices; len(voices) > 0 {
			voiceID = voices[0].ID
		}
	}

	opts := []speech.Option{
		speech.WithLogger(d.log),
		speech.WithMetrics(d.metrics),
	}
	if req.Settings.TTS.Persist && d.blobs != nil {
		opts = append(opts, speech.WithPersistence(d.blobs, req.SessionID))
	}
	return speech.New(b, prov, tts.Voice{ID: voiceID}, opts...), true
}

// finish closes the tee (EOS to the orchestrator), waits for the speech run
// to publish its terminal, and marks the speech half done. Safe on nil.
func (s *speechRun) finish(c *completion) {
	if s == nil {
		return
	}
	s.b.DeregisterTTSChannel()
	<-s.done
	c.tts()
}

// ─── tts workflow ────────────────────────────────────────────────────────────

// runTTS synthesizes the prompt without any text generation. The text half
// terminates immediately with text_not_requested, then the orchestrator runs
// on a pre-seeded channel as if a single chunk had streamed.
func (d *Dispatcher) runTTS(ctx context.Context, b *bus.Bus, c *completion, req *request.Request) {
	c.text(b, event.TextNotRequested())

	orch, ok := d.newSpeech(b, req)
	if !ok {
		return
	}

	seed := make(chan string, 1)
	seed <- req.Prompt.Text
	close(seed)

	orch.Run(ctx, seed)
	c.tts()
}

// ─── Persistence ─────────────────────────────────────────────────────────────

// persistExchange appends the user prompt and the assistant response to the
// session history, emitting one db_operation_executed per successful append.
// Failures become non-terminal persistence errors; the workflow continues.
func (d *Dispatcher) persistExchange(ctx context.Context, b *bus.Bus, req *request.Request, userText, assistantText string) {
	if d.store == nil {
		return
	}
	sessionID, err := d.store.EnsureSession(ctx, req.CustomerID, req.SessionID)
	if err != nil {
		d.persistError(b, "ensure_session", err)
		return
	}

	type pending struct {
		msg store.Message
		op  string
	}
	msgs := []pending{
		{
			op: "append_user_message",
			msg: store.Message{
				SessionID:       sessionID,
				Role:            store.RoleUser,
				Content:         userText,
				ClientMessageID: req.ClientMessageID,
				Tag:             req.Settings.General.Tag,
				Metadata:        req.Settings.General.Metadata,
			},
		},
		{
			op: "append_assistant_message",
			msg: store.Message{
				SessionID:       sessionID,
				Role:            store.RoleAssistant,
				Content:         assistantText,
				ClientMessageID: assistantClientID(req.ClientMessageID),
				Tag:             req.Settings.General.Tag,
			},
		},
	}

	for _, p := range msgs {
		id, err := d.store.AppendMessage(ctx, p.msg)
		if err != nil {
			d.persistError(b, p.op, err)
			continue
		}
		b.Send(event.DBOperationExecuted(p.op, id), bus.SendAll)
	}
}

// remember indexes the finished exchange when the recaller can write. The
// embedding round-trip runs detached so the stream close never waits on it.
func (d *Dispatcher) remember(ctx context.Context, req *request.Request, userText, assistantText string) {
	mem, ok := d.recall.(Memorizer)
	if !ok {
		return
	}
	snippet := strings.TrimSpace("User: " + userText + "\nAssistant: " + assistantText)
	bg := context.WithoutCancel(ctx)
	go func() {
		bgCtx, cancel := context.WithTimeout(bg, rememberTimeout)
		defer cancel()
		if err := mem.Remember(bgCtx, req.CustomerID, req.SessionID, snippet); err != nil {
			d.log.Warn("dispatch: exchange indexing failed", "err", err)
		}
	}()
}

// persistError reports a store failure without stopping the workflow.
func (d *Dispatcher) persistError(b *bus.Bus, op string, err error) {
	d.log.Error("dispatch: persistence failed", "operation", op, "err", err)
	b.Send(event.Error("persistence", fmt.Sprintf("%s: %v", op, err)), bus.SendAll)
}

// assistantClientID derives a dedup id for the assistant half of an exchange
// so a client retry cannot double-append the response either.
func assistantClientID(clientMessageID string) string {
	if clientMessageID == "" {
		return ""
	}
	return clientMessageID + ":assistant"
}

// isCtxErr reports whether err is the context's own cancellation or deadline.
func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
