package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parlance-ai/parlance/internal/bus"
	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/engine/dispatch"
	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/internal/store"
	"github.com/parlance-ai/parlance/pkg/event"
	"github.com/parlance-ai/parlance/pkg/provider/llm"
	llmmock "github.com/parlance-ai/parlance/pkg/provider/llm/mock"
	"github.com/parlance-ai/parlance/pkg/provider/realtime"
	rtmock "github.com/parlance-ai/parlance/pkg/provider/realtime/mock"
	"github.com/parlance-ai/parlance/pkg/provider/stt"
	sttmock "github.com/parlance-ai/parlance/pkg/provider/stt/mock"
	"github.com/parlance-ai/parlance/pkg/provider/tts"
	ttsmock "github.com/parlance-ai/parlance/pkg/provider/tts/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// client is a scripted dispatch.Client standing in for the session runtime.
type client struct {
	frames    chan []byte
	results   chan request.ToolResult
	cancelled atomic.Bool
}

var _ dispatch.Client = (*client)(nil)

func newClient() *client {
	return &client{
		frames:  make(chan []byte, 32),
		results: make(chan request.ToolResult, 8),
	}
}

func (c *client) AudioFrames() <-chan []byte             { return c.frames }
func (c *client) ToolResults() <-chan request.ToolResult { return c.results }
func (c *client) Cancelled() bool                        { return c.cancelled.Load() }

// cancel mirrors the runtime's cancel handling: the bus emits cancelled and
// stops relaying chunks, the flag flips, then the workflow context is cut.
func (c *client) cancel(b *bus.Bus, stop context.CancelFunc) {
	b.Cancel()
	c.cancelled.Store(true)
	stop()
}

// toolHost is a scripted dispatch.ToolHost.
type toolHost struct {
	defs    []llm.ToolDefinition
	owned   map[string]bool
	execute func(name, args string) (string, bool, error)
}

var _ dispatch.ToolHost = (*toolHost)(nil)

func (h *toolHost) Tools(context.Context) []llm.ToolDefinition { return h.defs }
func (h *toolHost) Has(name string) bool                       { return h.owned[name] }
func (h *toolHost) Execute(_ context.Context, name, args string) (string, bool, error) {
	return h.execute(name, args)
}

// recaller is a scripted dispatch.Recaller.
type recaller struct {
	snippets []string
	err      error
}

func (r *recaller) Recall(context.Context, string, string, int) ([]string, error) {
	return r.snippets, r.err
}

// failStore rejects every append, for exercising persistence degradation.
type failStore struct{ *store.Mem }

func (f *failStore) AppendMessage(context.Context, store.Message) (string, error) {
	return "", errors.New("disk full")
}

func ttsProviders(p tts.Provider) map[string]tts.Provider {
	return map[string]tts.Provider{"mock-tts": p}
}

func sttProviders(p stt.Provider) map[string]stt.Provider {
	return map[string]stt.Provider{"mock-stt": p}
}

func rtProviders(p realtime.Provider) map[string]realtime.Provider {
	return map[string]realtime.Provider{"mock-rt": p}
}

// testModels builds the alias registry the tests dispatch against.
func testModels(t *testing.T) *config.ModelRegistry {
	t.Helper()
	reg, err := config.NewModelRegistry([]config.ModelEntry{
		{Alias: "swift", Kind: config.KindText, Provider: "mock-llm", Model: "swift-1", Default: true, Fallbacks: []string{"sturdy"}},
		{Alias: "sturdy", Kind: config.KindText, Provider: "backup-llm", Model: "sturdy-1"},
		{Alias: "ava", Kind: config.KindTTS, Provider: "mock-tts", Model: "tts-1", Voice: "ava"},
		{Alias: "ears", Kind: config.KindSTT, Provider: "mock-stt", Model: "ears-1"},
		{Alias: "duplex", Kind: config.KindRealtime, Provider: "mock-rt", Model: "rt-1", Voice: "sage"},
	})
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	return reg
}

// sayHiStream scripts the canonical two-chunk reply.
func sayHiStream() func(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return llmmock.ScriptedStream(
		llm.Chunk{Text: "Hi"},
		llm.Chunk{Text: " there."},
		llm.Chunk{FinishReason: llm.FinishStop},
	)
}

func textRequest(prompt string) *request.Request {
	return &request.Request{
		RequestType: request.TypeText,
		Prompt:      request.Prompt{Text: prompt},
		SessionID:   "sess-1",
		CustomerID:  "cust-1",
	}
}

// runDispatch runs one request to completion and returns every event the bus
// delivered to a consumer registered before the workflow started.
func runDispatch(t *testing.T, ctx context.Context, d *dispatch.Dispatcher, b *bus.Bus, tok *bus.CompletionToken, cl dispatch.Client, req *request.Request) []event.Event {
	t.Helper()
	_, ch := b.RegisterConsumer()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Dispatch(ctx, b, tok, cl, req)
	}()

	var out []event.Event
	watchdog := time.After(10 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				<-done
				return out
			}
			out = append(out, ev)
		case <-watchdog:
			t.Fatalf("dispatch did not complete; events so far: %v", types(out))
		}
	}
}

// types maps events to their type strings for order assertions.
func types(evs []event.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Type)
	}
	return out
}

// indexOf returns the position of the first event of type t, or -1.
func indexOf(evs []event.Event, t event.Type) int {
	for i, ev := range evs {
		if ev.Type == t {
			return i
		}
	}
	return -1
}

// countOf returns how many events of type t were delivered.
func countOf(evs []event.Event, t event.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// errorStages collects the stage fields of all error events.
func errorStages(evs []event.Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == event.TypeError {
			stage, _ := ev.Payload["stage"].(string)
			out = append(out, stage)
		}
	}
	return out
}

// requireOrder fails unless the listed types occur exactly once each, in the
// given relative order.
func requireOrder(t *testing.T, evs []event.Event, order ...event.Type) {
	t.Helper()
	last := -1
	for _, want := range order {
		i := indexOf(evs, want)
		if i < 0 {
			t.Fatalf("missing %s in %v", want, types(evs))
		}
		if i <= last {
			t.Fatalf("%s out of order in %v", want, types(evs))
		}
		last = i
	}
}

// ─── TestDispatch_TextOnly ───────────────────────────────────────────────────

// TestDispatch_TextOnly verifies the plain text workflow: working first, both
// chunks in order, text_completed with the full reply, and the speech half
// closed out as not requested.
func TestDispatch_TextOnly(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})
	b, tok := bus.New(0, nil)

	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), textRequest("Say hi"))

	want := []event.Type{
		event.TypeWorking,
		event.TypeTextChunk,
		event.TypeTextChunk,
		event.TypeTextCompleted,
		event.TypeTTSNotRequested,
	}
	if len(evs) != len(want) {
		t.Fatalf("got %v, want %v", types(evs), want)
	}
	for i, ev := range evs {
		if ev.Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
	if got := evs[1].Payload["content"]; got != "Hi" {
		t.Errorf("first chunk = %v, want Hi", got)
	}
	if got := evs[3].Payload["content"]; got != "Hi there." {
		t.Errorf("text_completed content = %v, want full reply", got)
	}
}

// ─── TestDispatch_TextPersistence ────────────────────────────────────────────

// TestDispatch_TextPersistence verifies the exchange lands in the store with
// one db_operation_executed per append, both before text_completed, and that
// replaying the same client_message_id does not double-append.
func TestDispatch_TextPersistence(t *testing.T) {
	t.Parallel()

	mem := store.NewMem()
	prov := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	d := dispatch.New(testModels(t),
		dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}},
		dispatch.WithStore(mem),
	)

	req := textRequest("Say hi")
	req.ClientMessageID = "m-1"

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	requireOrder(t, evs, event.TypeDBOperationExecuted, event.TypeTextCompleted)
	if n := countOf(evs, event.TypeDBOperationExecuted); n != 2 {
		t.Fatalf("db_operation_executed count = %d, want 2", n)
	}
	ops := []string{}
	for _, ev := range evs {
		if ev.Type == event.TypeDBOperationExecuted {
			op, _ := ev.Payload["operation"].(string)
			ops = append(ops, op)
			if id, _ := ev.Payload["record_id"].(string); id == "" {
				t.Error("db_operation_executed without record_id")
			}
		}
	}
	if ops[0] != "append_user_message" || ops[1] != "append_assistant_message" {
		t.Fatalf("operations = %v", ops)
	}

	msgs, err := mem.Messages(context.Background(), "sess-1", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "Say hi" || msgs[1].Content != "Hi there." {
		t.Fatalf("stored messages = %+v", msgs)
	}
	if msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Fatalf("stored roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}

	// Retry with the same client message id: history must not grow. The model
	// sees the prior exchange as context, which is fine.
	b2, tok2 := bus.New(0, nil)
	runDispatch(t, context.Background(), d, b2, tok2, newClient(), req)
	msgs, _ = mem.Messages(context.Background(), "sess-1", 0)
	if len(msgs) != 2 {
		t.Fatalf("replay appended duplicates: %d messages", len(msgs))
	}
}

// ─── TestDispatch_StreamingSpeech ────────────────────────────────────────────

// TestDispatch_StreamingSpeech verifies the concurrent speech stage on a
// duplex provider: chunks are teed as they stream, audio interleaves, and the
// speech lifecycle closes after text_completed with no not_requested fills.
func TestDispatch_StreamingSpeech(t *testing.T) {
	t.Parallel()

	text := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	synth := &ttsmock.StreamProvider{}
	d := dispatch.New(testModels(t), dispatch.Providers{
		Text: map[string]llm.Provider{"mock-llm": text},
		TTS:  ttsProviders(synth),
	})

	req := textRequest("Say hi")
	req.Settings.TTS.AutoExecute = true

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	if n := countOf(evs, event.TypeTextChunk); n != 2 {
		t.Fatalf("text_chunk count = %d, want 2", n)
	}
	if n := countOf(evs, event.TypeAudioChunk); n != 2 {
		t.Fatalf("audio_chunk count = %d, want 2 (one per teed fragment)", n)
	}
	requireOrder(t, evs,
		event.TypeWorking,
		event.TypeTTSStarted,
		event.TypeAudioChunk,
		event.TypeTTSGenerationCompleted,
		event.TypeTTSCompleted,
	)
	requireOrder(t, evs, event.TypeTextCompleted, event.TypeTTSGenerationCompleted)
	if countOf(evs, event.TypeTextNotRequested) != 0 || countOf(evs, event.TypeTTSNotRequested) != 0 {
		t.Fatalf("unexpected not_requested terminal in %v", types(evs))
	}
	if got := evs[indexOf(evs, event.TypeTTSStarted)].Payload["voice"]; got != "ava" {
		t.Errorf("tts_started voice = %v, want ava from the model entry", got)
	}
}

// ─── TestDispatch_BufferedSpeechAfterText ────────────────────────────────────

// TestDispatch_BufferedSpeechAfterText verifies the fallback shape for
// providers without input streaming: the entire text phase finishes first,
// then the speech lifecycle runs in one buffered synthesis.
func TestDispatch_BufferedSpeechAfterText(t *testing.T) {
	t.Parallel()

	text := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	synth := &ttsmock.Provider{}
	d := dispatch.New(testModels(t), dispatch.Providers{
		Text: map[string]llm.Provider{"mock-llm": text},
		TTS:  ttsProviders(synth),
	})

	req := textRequest("Say hi")
	req.Settings.TTS.AutoExecute = true

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	requireOrder(t, evs,
		event.TypeWorking,
		event.TypeTextChunk,
		event.TypeTextCompleted,
		event.TypeTTSStarted,
		event.TypeAudioChunk,
		event.TypeTTSGenerationCompleted,
		event.TypeTTSCompleted,
	)
	if len(synth.BufferedTexts()) != 1 {
		t.Fatalf("buffered synthesis calls = %d, want 1", len(synth.BufferedTexts()))
	}
	if got := synth.BufferedTexts()[0]; got != "Hi there." {
		t.Errorf("synthesized text = %q, want the concatenated reply", got)
	}
}

// ─── TestDispatch_TTSRequest ─────────────────────────────────────────────────

// TestDispatch_TTSRequest verifies the standalone synthesis workflow: the
// text half reports not_requested immediately, then the full speech lifecycle
// runs over the prompt.
func TestDispatch_TTSRequest(t *testing.T) {
	t.Parallel()

	speech := &ttsmock.Provider{}
	d := dispatch.New(testModels(t), dispatch.Providers{TTS: ttsProviders(speech)})

	req := &request.Request{
		RequestType: request.TypeTTS,
		Prompt:      request.Prompt{Text: "Beep boop"},
		SessionID:   "sess-1",
		CustomerID:  "cust-1",
	}
	req.Settings.TTS.AutoExecute = true

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	want := []event.Type{
		event.TypeWorking,
		event.TypeTextNotRequested,
		event.TypeTTSStarted,
		event.TypeAudioChunk,
		event.TypeAudioChunk,
		event.TypeTTSGenerationCompleted,
		event.TypeTTSCompleted,
	}
	if len(evs) != len(want) {
		t.Fatalf("got %v, want %v", types(evs), want)
	}
	for i, ev := range evs {
		if ev.Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
}

// ─── TestDispatch_CancelMidStream ────────────────────────────────────────────

// TestDispatch_CancelMidStream verifies the cancel tail: after the client
// cancels mid-generation the stream stops, no text_completed is emitted, and
// both halves close as not_requested behind the cancelled event.
func TestDispatch_CancelMidStream(t *testing.T) {
	t.Parallel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cl := newClient()
	b, tok := bus.New(0, nil)

	// The stream stays open until the turn context dies; a watcher pulls
	// the cancel trigger once both deltas have reached the bus, so the
	// cancelled event always lands after them.
	prov := &llmmock.Provider{
		StreamCompletionFunc: func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
			out := make(chan llm.Chunk)
			go func() {
				defer close(out)
				out <- llm.Chunk{Text: "Hi"}
				out <- llm.Chunk{Text: " there"}
				<-ctx.Done()
			}()
			return out, nil
		},
	}
	_, watch := b.RegisterConsumer()
	go func() {
		seen := 0
		for ev := range watch {
			if ev.Type == event.TypeTextChunk {
				if seen++; seen == 2 {
					cl.cancel(b, stop)
				}
			}
		}
	}()
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})

	evs := runDispatch(t, ctx, d, b, tok, cl, textRequest("Say hi"))

	want := []event.Type{
		event.TypeWorking,
		event.TypeTextChunk,
		event.TypeTextChunk,
		event.TypeCancelled,
		event.TypeTextNotRequested,
		event.TypeTTSNotRequested,
	}
	if len(evs) != len(want) {
		t.Fatalf("got %v, want %v", types(evs), want)
	}
	for i, ev := range evs {
		if ev.Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
}

// ─── TestDispatch_WorkflowTimeout ────────────────────────────────────────────

// TestDispatch_WorkflowTimeout verifies that a deadline without a client
// cancel surfaces as a workflow error before the terminals fill in.
func TestDispatch_WorkflowTimeout(t *testing.T) {
	t.Parallel()

	ctx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()

	prov := &llmmock.Provider{
		StreamCompletionFunc: func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
			out := make(chan llm.Chunk)
			go func() {
				<-ctx.Done()
				close(out)
			}()
			return out, nil
		},
	}
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, ctx, d, b, tok, newClient(), textRequest("Say hi"))

	requireOrder(t, evs, event.TypeWorking, event.TypeError, event.TypeTextNotRequested, event.TypeTTSNotRequested)
	i := indexOf(evs, event.TypeError)
	if stage := evs[i].Payload["stage"]; stage != "workflow" {
		t.Fatalf("error stage = %v, want workflow", stage)
	}
	if countOf(evs, event.TypeTextCompleted) != 0 {
		t.Error("text_completed after timeout")
	}
}

// ─── TestDispatch_ClientToolRound ────────────────────────────────────────────

// TestDispatch_ClientToolRound verifies the delegated tool flow: the model
// requests a tool the server does not own, the dispatcher announces it and
// pauses, the client's result resumes generation, and the final text spans
// both rounds.
func TestDispatch_ClientToolRound(t *testing.T) {
	t.Parallel()

	var round atomic.Int32
	prov := &llmmock.Provider{
		StreamCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
			if round.Add(1) == 1 {
				return llmmock.ScriptedStream(
					llm.Chunk{Text: "Checking. "},
					llm.Chunk{
						ToolCalls:    []llm.ToolCall{{ID: "call-1", Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
						FinishReason: llm.FinishToolCalls,
					},
				)(ctx, req)
			}
			return llmmock.ScriptedStream(
				llm.Chunk{Text: "Sunny."},
				llm.Chunk{FinishReason: llm.FinishStop},
			)(ctx, req)
		},
	}
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})

	cl := newClient()
	cl.results <- request.ToolResult{ToolCallID: "call-1", Name: "get_weather", Content: "22C"}

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, cl, textRequest("Weather in Oslo?"))

	requireOrder(t, evs,
		event.TypeWorking,
		event.TypeToolStart,
		event.TypeToolResult,
		event.TypeTextCompleted,
	)
	if i := indexOf(evs, event.TypeToolStart); i < indexOf(evs, event.TypeTextChunk) {
		t.Fatalf("tool_start before first text_chunk in %v", types(evs))
	}

	start := evs[indexOf(evs, event.TypeToolStart)]
	if start.Payload["name"] != "get_weather" {
		t.Errorf("tool_start name = %v", start.Payload["name"])
	}
	args, ok := start.Payload["arguments"].(map[string]any)
	if !ok || args["city"] != "Oslo" {
		t.Errorf("tool_start arguments = %v", start.Payload["arguments"])
	}
	res := evs[indexOf(evs, event.TypeToolResult)]
	if res.Payload["content"] != "22C" || res.Payload["is_error"] != false {
		t.Errorf("tool_result payload = %v", res.Payload)
	}

	done := evs[indexOf(evs, event.TypeTextCompleted)]
	if got := done.Payload["content"]; got != "Checking. Sunny." {
		t.Errorf("text_completed content = %v, want both rounds", got)
	}

	// The resumed request must carry the assistant tool call and the result.
	reqs := prov.Recorded()
	if len(reqs) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(reqs))
	}
	msgs := reqs[1].Messages
	last, prev := msgs[len(msgs)-1], msgs[len(msgs)-2]
	if prev.Role != llm.RoleAssistant || len(prev.ToolCalls) != 1 {
		t.Fatalf("second round missing assistant tool call: %+v", prev)
	}
	if last.Role != llm.RoleTool || last.ToolCallID != "call-1" || last.Content != "22C" {
		t.Fatalf("second round missing tool result: %+v", last)
	}
}

// ─── TestDispatch_ServerToolRound ────────────────────────────────────────────

// TestDispatch_ServerToolRound verifies tools the host owns execute inline
// without waiting on the client.
func TestDispatch_ServerToolRound(t *testing.T) {
	t.Parallel()

	var round atomic.Int32
	prov := &llmmock.Provider{
		StreamCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
			if round.Add(1) == 1 {
				return llmmock.ScriptedStream(llm.Chunk{
					ToolCalls:    []llm.ToolCall{{ID: "call-7", Name: "get_time", Arguments: `{}`}},
					FinishReason: llm.FinishToolCalls,
				})(ctx, req)
			}
			return llmmock.ScriptedStream(
				llm.Chunk{Text: "It is noon."},
				llm.Chunk{FinishReason: llm.FinishStop},
			)(ctx, req)
		},
	}
	host := &toolHost{
		defs:  []llm.ToolDefinition{{Name: "get_time", Description: "current time"}},
		owned: map[string]bool{"get_time": true},
		execute: func(name, args string) (string, bool, error) {
			return "12:00", false, nil
		},
	}
	d := dispatch.New(testModels(t),
		dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}},
		dispatch.WithToolHost(host),
	)

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), textRequest("What time is it?"))

	requireOrder(t, evs, event.TypeToolStart, event.TypeToolResult, event.TypeTextCompleted)
	res := evs[indexOf(evs, event.TypeToolResult)]
	if res.Payload["content"] != "12:00" {
		t.Errorf("tool_result content = %v", res.Payload["content"])
	}

	reqs := prov.Recorded()
	if len(reqs) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "get_time" {
		t.Fatalf("first round tools = %+v", reqs[0].Tools)
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleTool || last.Content != "12:00" {
		t.Fatalf("tool message not forwarded: %+v", last)
	}
}

// ─── TestDispatch_ToolLoopBound ──────────────────────────────────────────────

// TestDispatch_ToolLoopBound verifies a model that keeps calling tools is cut
// off after the round limit with a tools-stage error instead of looping
// forever.
func TestDispatch_ToolLoopBound(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{
		StreamCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
			return llmmock.ScriptedStream(llm.Chunk{
				ToolCalls:    []llm.ToolCall{{ID: "loop", Name: "get_time", Arguments: `{}`}},
				FinishReason: llm.FinishToolCalls,
			})(ctx, req)
		},
	}
	host := &toolHost{
		owned:   map[string]bool{"get_time": true},
		execute: func(string, string) (string, bool, error) { return "12:00", false, nil },
	}
	d := dispatch.New(testModels(t),
		dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}},
		dispatch.WithToolHost(host),
	)

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), textRequest("loop"))

	if n := countOf(evs, event.TypeToolStart); n != 8 {
		t.Fatalf("tool_start count = %d, want the round limit", n)
	}
	stages := errorStages(evs)
	if len(stages) != 1 || stages[0] != "tools" {
		t.Fatalf("error stages = %v, want [tools]", stages)
	}
	if countOf(evs, event.TypeTextCompleted) != 0 {
		t.Error("text_completed despite exhausted tool loop")
	}
}

// ─── TestDispatch_FallbackProvider ───────────────────────────────────────────

// TestDispatch_FallbackProvider verifies the fallback chain: when the primary
// model's stream fails to start, the request is served by the configured
// fallback with no client-visible error.
func TestDispatch_FallbackProvider(t *testing.T) {
	t.Parallel()

	flaky := &llmmock.Provider{
		StreamCompletionFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
			return nil, errors.New("connection refused")
		},
	}
	steady := &llmmock.Provider{
		StreamCompletionFunc: llmmock.ScriptedStream(
			llm.Chunk{Text: "Plan B."},
			llm.Chunk{FinishReason: llm.FinishStop},
		),
	}
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{
		"mock-llm":   flaky,
		"backup-llm": steady,
	}})

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), textRequest("Say hi"))

	if len(errorStages(evs)) != 0 {
		t.Fatalf("fallback should be silent, got errors: %v", errorStages(evs))
	}
	i := indexOf(evs, event.TypeTextCompleted)
	if i < 0 || evs[i].Payload["content"] != "Plan B." {
		t.Fatalf("fallback reply missing in %v", types(evs))
	}
	if len(flaky.Recorded()) != 1 || len(steady.Recorded()) != 1 {
		t.Fatalf("call counts: flaky=%d steady=%d", len(flaky.Recorded()), len(steady.Recorded()))
	}
	if got := steady.Recorded()[0].Model; got != "sturdy-1" {
		t.Errorf("fallback model = %q, want sturdy-1", got)
	}
}

// ─── TestDispatch_StreamErrorEvent ───────────────────────────────────────────

// TestDispatch_StreamErrorEvent verifies an in-band provider failure after
// streaming began: the error text never leaks as a chunk, no text_completed
// follows, and the terminals report not_requested.
func TestDispatch_StreamErrorEvent(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{
		StreamCompletionFunc: llmmock.ScriptedStream(
			llm.Chunk{Text: "Half"},
			llm.Chunk{Text: "rate limited", FinishReason: llm.FinishError},
		),
	}
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), textRequest("Say hi"))

	if n := countOf(evs, event.TypeTextChunk); n != 1 {
		t.Fatalf("text_chunk count = %d, want 1", n)
	}
	requireOrder(t, evs, event.TypeTextChunk, event.TypeError, event.TypeTextNotRequested, event.TypeTTSNotRequested)
	errEv := evs[indexOf(evs, event.TypeError)]
	if errEv.Payload["stage"] != "text" || errEv.Payload["message"] != "rate limited" {
		t.Fatalf("error payload = %v", errEv.Payload)
	}
	if countOf(evs, event.TypeTextCompleted) != 0 {
		t.Error("text_completed after stream error")
	}
}

// ─── TestDispatch_RecallInContext ────────────────────────────────────────────

// TestDispatch_RecallInContext verifies recalled memory snippets reach the
// model as a system message when the request opts in.
func TestDispatch_RecallInContext(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	d := dispatch.New(testModels(t),
		dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}},
		dispatch.WithRecall(&recaller{snippets: []string{"User likes tea", "User lives in Oslo"}}),
	)

	req := textRequest("What do I like?")
	req.Settings.General.MemoryRecall = true

	b, tok := bus.New(0, nil)
	runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	msgs := prov.Recorded()[0].Messages
	var memory string
	for _, m := range msgs {
		if m.Role == llm.RoleSystem && strings.Contains(m.Content, "memory") {
			memory = m.Content
		}
	}
	if !strings.Contains(memory, "User likes tea") || !strings.Contains(memory, "User lives in Oslo") {
		t.Fatalf("memory context missing: %q", memory)
	}
	if last := msgs[len(msgs)-1]; last.Role != llm.RoleUser || last.Content != "What do I like?" {
		t.Fatalf("prompt not last: %+v", last)
	}
}

// ─── TestDispatch_HistoryInContext ───────────────────────────────────────────

// TestDispatch_HistoryInContext verifies persisted history precedes the new
// prompt in the model context.
func TestDispatch_HistoryInContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := store.NewMem()
	if _, err := mem.EnsureSession(ctx, "cust-1", "sess-1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	seed := []store.Message{
		{SessionID: "sess-1", Role: store.RoleUser, Content: "Earlier question"},
		{SessionID: "sess-1", Role: store.RoleAssistant, Content: "Earlier answer"},
	}
	for _, m := range seed {
		if _, err := mem.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	prov := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	d := dispatch.New(testModels(t),
		dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}},
		dispatch.WithStore(mem),
	)

	b, tok := bus.New(0, nil)
	runDispatch(t, ctx, d, b, tok, newClient(), textRequest("Follow-up"))

	msgs := prov.Recorded()[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("context length = %d, want history + prompt", len(msgs))
	}
	if msgs[0].Content != "Earlier question" || msgs[1].Content != "Earlier answer" || msgs[2].Content != "Follow-up" {
		t.Fatalf("context order wrong: %+v", msgs)
	}
}

// ─── TestDispatch_AudioTranscribeAndReply ────────────────────────────────────

// TestDispatch_AudioTranscribeAndReply verifies the audio workflow end to
// end: frames stream into STT, partials surface as transcription events, the
// final transcript becomes the prompt, and the text workflow answers it.
func TestDispatch_AudioTranscribeAndReply(t *testing.T) {
	t.Parallel()

	sttProv := &sttmock.Provider{PartialPerFrame: true, FinalText: "turn on the lights"}
	llmProv := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	d := dispatch.New(testModels(t), dispatch.Providers{
		Text: map[string]llm.Provider{"mock-llm": llmProv},
		STT:  sttProviders(sttProv),
	})

	cl := newClient()
	cl.frames <- []byte("tu")
	cl.frames <- []byte("rn")
	close(cl.frames)

	req := &request.Request{
		RequestType: request.TypeAudio,
		SessionID:   "sess-1",
		CustomerID:  "cust-1",
	}
	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, cl, req)

	if n := countOf(evs, event.TypeTranscription); n != 2 {
		t.Fatalf("transcription count = %d, want one per frame", n)
	}
	requireOrder(t, evs, event.TypeWorking, event.TypeTranscriptionComplete, event.TypeTextChunk, event.TypeTextCompleted)
	tc := evs[indexOf(evs, event.TypeTranscriptionComplete)]
	if tc.Payload["content"] != "turn on the lights" {
		t.Fatalf("transcript = %v", tc.Payload["content"])
	}

	prompt := llmProv.Recorded()[0].Messages
	if last := prompt[len(prompt)-1]; last.Content != "turn on the lights" {
		t.Fatalf("prompt = %q, want the transcript", last.Content)
	}
}

// ─── TestDispatch_AudioEmptyTranscript ───────────────────────────────────────

// TestDispatch_AudioEmptyTranscript verifies silence does not reach the
// model: an empty transcript ends the workflow with an stt error.
func TestDispatch_AudioEmptyTranscript(t *testing.T) {
	t.Parallel()

	sttProv := &sttmock.Provider{}
	llmProv := &llmmock.Provider{}
	d := dispatch.New(testModels(t), dispatch.Providers{
		Text: map[string]llm.Provider{"mock-llm": llmProv},
		STT:  sttProviders(sttProv),
	})

	cl := newClient()
	close(cl.frames)

	req := &request.Request{RequestType: request.TypeAudio, SessionID: "sess-1", CustomerID: "cust-1"}
	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, cl, req)

	requireOrder(t, evs, event.TypeTranscriptionComplete, event.TypeError, event.TypeTextNotRequested, event.TypeTTSNotRequested)
	if stages := errorStages(evs); len(stages) != 1 || stages[0] != "stt" {
		t.Fatalf("error stages = %v", stages)
	}
	if len(llmProv.Recorded()) != 0 {
		t.Error("model called despite empty transcript")
	}
}

// ─── TestDispatch_AudioDirect ────────────────────────────────────────────────

// TestDispatch_AudioDirect verifies raw audio reaches an audio-capable model
// without transcription, with the encoding taken from the request settings.
func TestDispatch_AudioDirect(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{
		StreamCompletionFunc: sayHiStream(),
		CapabilitiesFunc: func(string) llm.Capabilities {
			return llm.Capabilities{SupportsStreaming: true, SupportsAudioInput: true}
		},
	}
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})

	cl := newClient()
	cl.frames <- []byte("ab")
	cl.frames <- []byte("cd")
	close(cl.frames)

	req := &request.Request{RequestType: request.TypeAudioDirect, SessionID: "sess-1", CustomerID: "cust-1"}
	req.Settings.Audio.Encoding = "pcm16"

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, cl, req)

	if indexOf(evs, event.TypeTextCompleted) < 0 {
		t.Fatalf("no text_completed in %v", types(evs))
	}
	sent := prov.Recorded()[0]
	if string(sent.Audio) != "abcd" {
		t.Fatalf("audio = %q, want concatenated frames", sent.Audio)
	}
	if sent.AudioFormat != "pcm16" {
		t.Fatalf("audio format = %q", sent.AudioFormat)
	}
}

// ─── TestDispatch_AudioDirectUnsupported ─────────────────────────────────────

// TestDispatch_AudioDirectUnsupported verifies the capability gate: a model
// without audio input rejects the request before any audio is read.
func TestDispatch_AudioDirectUnsupported(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{} // default capabilities: no audio input
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})

	req := &request.Request{RequestType: request.TypeAudioDirect, SessionID: "sess-1", CustomerID: "cust-1"}
	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	if stages := errorStages(evs); len(stages) != 1 || stages[0] != "validation" {
		t.Fatalf("error stages = %v", stages)
	}
	if len(prov.Recorded()) != 0 {
		t.Error("model called despite missing capability")
	}
}

// ─── TestDispatch_RealtimeBridge ─────────────────────────────────────────────

// TestDispatch_RealtimeBridge verifies the speech-to-speech bridge: client
// frames go up, provider audio comes back as audio_chunk events, transcripts
// map to transcription events with a source tag, and closing the session ends
// the workflow with both halves not_requested.
func TestDispatch_RealtimeBridge(t *testing.T) {
	t.Parallel()

	inner := &rtmock.Provider{EchoAudio: true}
	sessCh := make(chan *rtmock.Session, 1)
	outer := &rtmock.Provider{
		ConnectFunc: func(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
			if cfg.Voice != "sage" || cfg.Model != "rt-1" {
				t.Errorf("session config = %+v", cfg)
			}
			h, err := inner.Connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			s := h.(*rtmock.Session)
			sessCh <- s
			return s, nil
		},
	}
	d := dispatch.New(testModels(t), dispatch.Providers{Realtime: rtProviders(outer)})

	cl := newClient()
	cl.frames <- []byte("aa")
	cl.frames <- []byte("bb")
	close(cl.frames)

	req := &request.Request{RequestType: request.TypeRealtime, SessionID: "sess-1", CustomerID: "cust-1"}
	b, tok := bus.New(0, nil)

	// Script the provider side off the bus: play the turn once both frames
	// have echoed back, and close only after the last marker was relayed so
	// nothing buffered in the session is lost.
	_, watch := b.RegisterConsumer()
	go func() {
		sess := <-sessCh
		echoed, customs := 0, 0
		for ev := range watch {
			switch ev.Type {
			case event.TypeAudioChunk:
				if echoed++; echoed == 2 {
					sess.Emit(realtime.SessionEvent{Kind: realtime.EventTurnStarted})
					sess.Emit(realtime.SessionEvent{Kind: realtime.EventInputTranscript, Text: "hello", Final: true})
					sess.Emit(realtime.SessionEvent{Kind: realtime.EventOutputTranscript, Text: "hi", Final: true})
					sess.Emit(realtime.SessionEvent{Kind: realtime.EventTurnCompleted})
				}
			case event.TypeCustom:
				if customs++; customs == 2 {
					sess.Close()
				}
			}
		}
	}()

	evs := runDispatch(t, context.Background(), d, b, tok, cl, req)

	if n := countOf(evs, event.TypeAudioChunk); n != 2 {
		t.Fatalf("audio_chunk count = %d, want both echoed frames", n)
	}
	var sources []string
	for _, ev := range evs {
		if ev.Type == event.TypeTranscriptionComplete {
			s, _ := ev.Payload["source"].(string)
			sources = append(sources, s)
		}
	}
	if len(sources) != 2 || sources[0] != "input" || sources[1] != "output" {
		t.Fatalf("transcript sources = %v", sources)
	}
	if n := countOf(evs, event.TypeCustom); n != 2 {
		t.Fatalf("custom event count = %d, want turn markers", n)
	}
	requireOrder(t, evs, event.TypeWorking, event.TypeTextNotRequested, event.TypeTTSNotRequested)
	if len(errorStages(evs)) != 0 {
		t.Fatalf("unexpected errors: %v", errorStages(evs))
	}
}

// ─── TestDispatch_RealtimeWatchdog ───────────────────────────────────────────

// TestDispatch_RealtimeWatchdog verifies a silent session is torn down by the
// inactivity watchdog instead of hanging.
func TestDispatch_RealtimeWatchdog(t *testing.T) {
	t.Parallel()

	prov := &rtmock.Provider{}
	d := dispatch.New(testModels(t),
		dispatch.Providers{Realtime: rtProviders(prov)},
		dispatch.WithTurnTimeout(60*time.Millisecond),
	)

	// Queue stays open and silent.
	req := &request.Request{RequestType: request.TypeRealtime, SessionID: "sess-1", CustomerID: "cust-1"}
	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	i := indexOf(evs, event.TypeError)
	if i < 0 || evs[i].Payload["stage"] != "realtime" {
		t.Fatalf("no realtime error in %v", types(evs))
	}
	if msg, _ := evs[i].Payload["message"].(string); !strings.Contains(msg, "inactive") {
		t.Errorf("error message = %q", msg)
	}
}

// ─── TestDispatch_PersistenceFailure ─────────────────────────────────────────

// TestDispatch_PersistenceFailure verifies store failures degrade to error
// events without blocking the reply.
func TestDispatch_PersistenceFailure(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	d := dispatch.New(testModels(t),
		dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}},
		dispatch.WithStore(&failStore{store.NewMem()}),
	)

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), textRequest("Say hi"))

	stages := errorStages(evs)
	if len(stages) != 2 || stages[0] != "persistence" || stages[1] != "persistence" {
		t.Fatalf("error stages = %v, want two persistence errors", stages)
	}
	if countOf(evs, event.TypeDBOperationExecuted) != 0 {
		t.Error("db_operation_executed despite failing store")
	}
	if indexOf(evs, event.TypeTextCompleted) < 0 {
		t.Fatalf("reply lost to persistence failure: %v", types(evs))
	}
}

// ─── TestDispatch_SpeechResolutionFailure ────────────────────────────────────

// TestDispatch_SpeechResolutionFailure verifies a bad TTS alias degrades the
// request to text-only: a tts-stage error, a full text reply, and the speech
// half closed as not_requested.
func TestDispatch_SpeechResolutionFailure(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamCompletionFunc: sayHiStream()}
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})

	req := textRequest("Say hi")
	req.Settings.TTS.AutoExecute = true
	req.Settings.TTS.Model = "ghost"

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	if stages := errorStages(evs); len(stages) != 1 || stages[0] != "tts" {
		t.Fatalf("error stages = %v", stages)
	}
	requireOrder(t, evs, event.TypeTextCompleted, event.TypeTTSNotRequested)
	if countOf(evs, event.TypeTTSStarted) != 0 {
		t.Error("tts_started despite resolution failure")
	}
}

// ─── TestDispatch_UnknownRequestType ─────────────────────────────────────────

// TestDispatch_UnknownRequestType verifies an unroutable request still closes
// the bus with both terminals.
func TestDispatch_UnknownRequestType(t *testing.T) {
	t.Parallel()

	d := dispatch.New(testModels(t), dispatch.Providers{})
	req := &request.Request{RequestType: request.Type("carrier_pigeon"), CustomerID: "cust-1"}

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	want := []event.Type{event.TypeWorking, event.TypeError, event.TypeTextNotRequested, event.TypeTTSNotRequested}
	if len(evs) != len(want) {
		t.Fatalf("got %v, want %v", types(evs), want)
	}
	if evs[1].Payload["stage"] != "validation" {
		t.Fatalf("error stage = %v", evs[1].Payload["stage"])
	}
}

// ─── TestDispatch_UnknownModelAlias ──────────────────────────────────────────

// TestDispatch_UnknownModelAlias verifies resolution failures name the
// available aliases so clients can self-correct.
func TestDispatch_UnknownModelAlias(t *testing.T) {
	t.Parallel()

	d := dispatch.New(testModels(t), dispatch.Providers{})
	req := textRequest("Say hi")
	req.Settings.Text.Model = "nope"

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), req)

	i := indexOf(evs, event.TypeError)
	if i < 0 || evs[i].Payload["stage"] != "validation" {
		t.Fatalf("no validation error in %v", types(evs))
	}
	msg, _ := evs[i].Payload["message"].(string)
	if !strings.Contains(msg, "swift") {
		t.Errorf("error does not list available models: %q", msg)
	}
}

// ─── TestDispatch_ThinkingChunks ─────────────────────────────────────────────

// TestDispatch_ThinkingChunks verifies reasoning deltas surface as
// thinking_chunk events without polluting the final text.
func TestDispatch_ThinkingChunks(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{
		StreamCompletionFunc: llmmock.ScriptedStream(
			llm.Chunk{Thinking: "the user greeted me"},
			llm.Chunk{Text: "Hello!"},
			llm.Chunk{FinishReason: llm.FinishStop},
		),
	}
	d := dispatch.New(testModels(t), dispatch.Providers{Text: map[string]llm.Provider{"mock-llm": prov}})

	b, tok := bus.New(0, nil)
	evs := runDispatch(t, context.Background(), d, b, tok, newClient(), textRequest("Hi"))

	requireOrder(t, evs, event.TypeThinkingChunk, event.TypeTextChunk, event.TypeTextCompleted)
	i := indexOf(evs, event.TypeThinkingChunk)
	if evs[i].Payload["content"] != "the user greeted me" {
		t.Errorf("thinking payload = %v", evs[i].Payload)
	}
	done := evs[indexOf(evs, event.TypeTextCompleted)]
	if done.Payload["content"] != "Hello!" {
		t.Errorf("text_completed content = %v, want thinking excluded", done.Payload["content"])
	}
}
