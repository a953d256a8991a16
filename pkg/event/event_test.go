package event

import (
	"encoding/json"
	"testing"
)

func TestCatalogComplete(t *testing.T) {
	all := []Type{
		TypeWebsocketReady, TypeWorking, TypeTextChunk, TypeThinkingChunk,
		TypeToolStart, TypeToolResult, TypeTextCompleted, TypeTextNotRequested,
		TypeTTSStarted, TypeAudioChunk, TypeTTSGenerationCompleted,
		TypeTTSCompleted, TypeTTSNotRequested, TypeTTSFileUploaded,
		TypeTranscription, TypeTranscriptionComplete, TypeDBOperationExecuted,
		TypeCancelled, TypeError, TypePing, TypePong, TypeCustom,
	}
	if len(all) != len(catalog) {
		t.Fatalf("catalog has %d types, test lists %d", len(catalog), len(all))
	}
	for _, typ := range all {
		if !Registered(typ) {
			t.Errorf("type %q not registered", typ)
		}
	}
	if Registered("bogus_event") {
		t.Error("unknown type reported as registered")
	}
}

func TestSerializeRejectsUnregistered(t *testing.T) {
	_, err := Serialize(Event{Type: "made_up"})
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
}

func TestSerializeShape(t *testing.T) {
	ev := New(TypeError, map[string]any{
		"stage":   "tts",
		"message": "boom",
		"code":    502,
	})
	got, err := Serialize(ev)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	want := `{"type":"error","code":502,"message":"boom","stage":"tts"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestSerializeEmptyPayload(t *testing.T) {
	got, err := Serialize(Cancelled())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if string(got) != `{"type":"cancelled"}` {
		t.Errorf("got %s", got)
	}
}

func TestMarshalJSONMatchesSerialize(t *testing.T) {
	ev := TextChunk("hello").WithSession("s-1")
	viaMarshal, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	viaSerialize, _ := Serialize(ev)
	if string(viaMarshal) != string(viaSerialize) {
		t.Errorf("json.Marshal %s != Serialize %s", viaMarshal, viaSerialize)
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		ev       Event
		terminal bool
	}{
		{TextCompleted("hi"), true},
		{TextNotRequested(), true},
		{TTSCompleted(), true},
		{TTSNotRequested(), true},
		{Error("text", "boom"), true},
		{Cancelled(), true},
		{TextChunk("hi"), false},
		{AudioChunk([]byte{1}), false},
		{Working(), false},
		{Ping(), false},
		{TTSGenerationCompleted(3, 42), false},
		{DBOperationExecuted("append_message", "m-1"), false},
		{Custom("tts_error", nil), false},
	}
	for _, tt := range tests {
		if got := tt.ev.Terminal(); got != tt.terminal {
			t.Errorf("%s: Terminal() = %v, want %v", tt.ev.Type, got, tt.terminal)
		}
	}
}

func TestWithCopiesPayload(t *testing.T) {
	base := TextChunk("hi")
	derived := base.WithSession("s-9")
	if _, ok := base.Payload["session_id"]; ok {
		t.Error("With mutated the original payload")
	}
	if derived.Payload["session_id"] != "s-9" {
		t.Error("derived event missing session_id")
	}
	if derived.Content() != "hi" {
		t.Errorf("derived content = %q", derived.Content())
	}
}

func TestCustomMergesEventType(t *testing.T) {
	ev := Custom("tts_error", map[string]any{"message": "synth failed"})
	if ev.Type != TypeCustom {
		t.Fatalf("type = %q", ev.Type)
	}
	if ev.Payload["event_type"] != "tts_error" {
		t.Errorf("event_type = %v", ev.Payload["event_type"])
	}
	if ev.Payload["message"] != "synth failed" {
		t.Errorf("message = %v", ev.Payload["message"])
	}
}

func TestAudioChunkEncodesBase64(t *testing.T) {
	got, err := Serialize(AudioChunk([]byte{0x01, 0x02, 0x03}))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	want := `{"type":"audio_chunk","content":"AQID"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestToolStartPayload(t *testing.T) {
	ev := ToolStart("call-1", "lookup", map[string]any{"q": "x"})
	if ev.Payload["tool_call_id"] != "call-1" || ev.Payload["name"] != "lookup" {
		t.Errorf("unexpected payload %v", ev.Payload)
	}
	args, ok := ev.Payload["arguments"].(map[string]any)
	if !ok || args["q"] != "x" {
		t.Errorf("arguments = %v", ev.Payload["arguments"])
	}
}
