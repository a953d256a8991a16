// Package event defines the typed event envelope that flows from workflows to
// connected clients.
//
// Every message a client observes — text deltas, audio frames, transcriptions,
// lifecycle markers, errors — is an [Event]: a snake_case discriminant plus a
// flat payload. Events are produced by the dispatcher and its concurrent
// stages, fanned out by the streaming bus, and serialized once per transport
// write by [Serialize].
//
// The catalog of discriminants is closed: [Serialize] refuses unregistered
// types so that a typo in a new stage fails loudly in tests instead of
// producing frames no client understands. Payload values are passed through
// [Sanitize] before encoding, so any Go value can ride in a payload without
// risking a serialization panic mid-stream.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"time"
)

// Type is the wire discriminant of an event.
type Type string

// The full event catalog. Clients switch on these strings.
const (
	TypeWebsocketReady         Type = "websocket_ready"
	TypeWorking                Type = "working"
	TypeTextChunk              Type = "text_chunk"
	TypeThinkingChunk          Type = "thinking_chunk"
	TypeToolStart              Type = "tool_start"
	TypeToolResult             Type = "tool_result"
	TypeTextCompleted          Type = "text_completed"
	TypeTextNotRequested       Type = "text_not_requested"
	TypeTTSStarted             Type = "tts_started"
	TypeAudioChunk             Type = "audio_chunk"
	TypeTTSGenerationCompleted Type = "tts_generation_completed"
	TypeTTSCompleted           Type = "tts_completed"
	TypeTTSNotRequested        Type = "tts_not_requested"
	TypeTTSFileUploaded        Type = "tts_file_uploaded"
	TypeTranscription          Type = "transcription"
	TypeTranscriptionComplete  Type = "transcription_complete"
	TypeDBOperationExecuted    Type = "db_operation_executed"
	TypeCancelled              Type = "cancelled"
	TypeError                  Type = "error"
	TypePing                   Type = "ping"
	TypePong                   Type = "pong"
	TypeCustom                 Type = "custom_event"
)

// catalog is the set of types [Serialize] accepts.
var catalog = map[Type]struct{}{
	TypeWebsocketReady:         {},
	TypeWorking:                {},
	TypeTextChunk:              {},
	TypeThinkingChunk:          {},
	TypeToolStart:              {},
	TypeToolResult:             {},
	TypeTextCompleted:          {},
	TypeTextNotRequested:       {},
	TypeTTSStarted:             {},
	TypeAudioChunk:             {},
	TypeTTSGenerationCompleted: {},
	TypeTTSCompleted:           {},
	TypeTTSNotRequested:        {},
	TypeTTSFileUploaded:        {},
	TypeTranscription:          {},
	TypeTranscriptionComplete:  {},
	TypeDBOperationExecuted:    {},
	TypeCancelled:              {},
	TypeError:                  {},
	TypePing:                   {},
	TypePong:                   {},
	TypeCustom:                 {},
}

// Registered reports whether t is part of the event catalog.
func Registered(t Type) bool {
	_, ok := catalog[t]
	return ok
}

// Event is a single typed message bound for a client. The zero value is not
// usable; construct events through [New] or the typed constructors below.
//
// Payload keys appear as top-level JSON keys next to "type", so they must be
// snake_case and must not collide with "type" itself. Event values are
// treated as immutable once built — [Event.With] and friends copy the payload
// rather than mutate it, so an Event may be shared across goroutines freely.
type Event struct {
	Type    Type
	Payload map[string]any
}

var _ json.Marshaler = Event{}

// New builds an event of type t with the given payload. The payload map is
// taken over by the event and must not be mutated afterwards.
func New(t Type, payload map[string]any) Event {
	return Event{Type: t, Payload: payload}
}

// With returns a copy of the event with key set in the payload.
func (e Event) With(key string, value any) Event {
	p := make(map[string]any, len(e.Payload)+1)
	maps.Copy(p, e.Payload)
	p[key] = value
	e.Payload = p
	return e
}

// WithSession returns a copy carrying the session correlation id.
func (e Event) WithSession(sessionID string) Event {
	return e.With("session_id", sessionID)
}

// WithStage returns a copy carrying the pipeline stage that produced it.
func (e Event) WithStage(stage string) Event {
	return e.With("stage", stage)
}

// WithTimestamp returns a copy carrying an RFC 3339 timestamp.
func (e Event) WithTimestamp(t time.Time) Event {
	return e.With("timestamp", t.UTC().Format(time.RFC3339Nano))
}

// Terminal reports whether the event closes one half of the dual completion
// contract or ends the stream outright. Terminal events are never dropped by
// the bus under backpressure.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeTextCompleted, TypeTextNotRequested,
		TypeTTSCompleted, TypeTTSNotRequested,
		TypeError, TypeCancelled:
		return true
	}
	return false
}

// Content returns the payload "content" string, or "" when absent. Used by
// the bus tee and by transports that inspect text deltas.
func (e Event) Content() string {
	s, _ := e.Payload["content"].(string)
	return s
}

// MarshalJSON implements [json.Marshaler] via [Serialize].
func (e Event) MarshalJSON() ([]byte, error) {
	return Serialize(e)
}

// Serialize encodes the event as a flat JSON object: "type" first, then the
// payload keys in sorted order. Payload values pass through [Sanitize], so
// serialization of a registered event cannot fail; the only error case is an
// unregistered type.
func Serialize(e Event) ([]byte, error) {
	if !Registered(e.Type) {
		return nil, fmt.Errorf("event: unregistered type %q", e.Type)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	name, _ := json.Marshal(string(e.Type))
	buf.Write(name)

	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		if k == "type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte(',')
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(Sanitize(e.Payload[k]))
		if err != nil {
			vb, _ = json.Marshal(fmt.Sprintf("<unserializable:%T>", e.Payload[k]))
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ── Constructors ──────────────────────────────────────────────────────────

// WebsocketReady announces the protocol version right after accept. The
// second ready event of the handshake adds the session id via [Event.WithSession].
func WebsocketReady(version string) Event {
	return New(TypeWebsocketReady, map[string]any{"version": version})
}

// Working marks the start of request processing.
func Working() Event {
	return New(TypeWorking, nil)
}

// TextChunk carries one text delta from the generation stream.
func TextChunk(content string) Event {
	return New(TypeTextChunk, map[string]any{"content": content})
}

// ThinkingChunk carries one reasoning delta for providers that expose them.
func ThinkingChunk(content string) Event {
	return New(TypeThinkingChunk, map[string]any{"content": content})
}

// ToolStart announces that a tool call has been requested by the model.
func ToolStart(callID, name string, arguments map[string]any) Event {
	return New(TypeToolStart, map[string]any{
		"tool_call_id": callID,
		"name":         name,
		"arguments":    arguments,
	})
}

// ToolResult carries the outcome of a server-side tool execution.
func ToolResult(callID, name, content string, isError bool) Event {
	return New(TypeToolResult, map[string]any{
		"tool_call_id": callID,
		"name":         name,
		"content":      content,
		"is_error":     isError,
	})
}

// TextCompleted is the terminal event of the text half. content holds the
// full accumulated response text.
func TextCompleted(content string) Event {
	return New(TypeTextCompleted, map[string]any{"content": content})
}

// TextNotRequested is the terminal no-op of the text half.
func TextNotRequested() Event {
	return New(TypeTextNotRequested, nil)
}

// TTSStarted marks the first synthesis activity of the speech stage.
func TTSStarted(voice string) Event {
	return New(TypeTTSStarted, map[string]any{"voice": voice})
}

// AudioChunk carries one synthesized audio frame, base64-encoded.
func AudioChunk(data []byte) Event {
	return New(TypeAudioChunk, map[string]any{"content": data})
}

// TTSGenerationCompleted reports synthesis counters once the provider stream
// ends. It precedes the terminal tts_completed.
func TTSGenerationCompleted(audioChunks, characters int) Event {
	return New(TypeTTSGenerationCompleted, map[string]any{
		"audio_chunks": audioChunks,
		"characters":   characters,
	})
}

// TTSCompleted is the terminal event of the speech half.
func TTSCompleted() Event {
	return New(TypeTTSCompleted, nil)
}

// TTSNotRequested is the terminal no-op of the speech half.
func TTSNotRequested() Event {
	return New(TypeTTSNotRequested, nil)
}

// TTSFileUploaded reports the durable URL of the persisted audio.
func TTSFileUploaded(url string) Event {
	return New(TypeTTSFileUploaded, map[string]any{"url": url})
}

// Transcription carries a partial transcript from the STT stream.
func Transcription(content string) Event {
	return New(TypeTranscription, map[string]any{"content": content})
}

// TranscriptionComplete carries the authoritative transcript after finalize.
func TranscriptionComplete(content string) Event {
	return New(TypeTranscriptionComplete, map[string]any{"content": content})
}

// DBOperationExecuted reports a successful persistence write.
func DBOperationExecuted(operation, recordID string) Event {
	return New(TypeDBOperationExecuted, map[string]any{
		"operation": operation,
		"record_id": recordID,
	})
}

// Cancelled acknowledges a client cancel request.
func Cancelled() Event {
	return New(TypeCancelled, nil)
}

// Error reports a failure scoped to a pipeline stage. Error events are
// terminal for bus delivery purposes but do not by themselves close the
// connection; the session loop decides that per stage.
func Error(stage, message string) Event {
	return New(TypeError, map[string]any{"stage": stage, "message": message})
}

// Ping is the server keepalive probe.
func Ping() Event {
	return New(TypePing, nil)
}

// Pong answers a client ping.
func Pong() Event {
	return New(TypePong, nil)
}

// Custom wraps an extensibility payload under the custom_event discriminant.
// eventType lands in payload key "event_type"; the core treats sub-types as
// opaque.
func Custom(eventType string, payload map[string]any) Event {
	p := make(map[string]any, len(payload)+1)
	maps.Copy(p, payload)
	p["event_type"] = eventType
	return New(TypeCustom, p)
}
