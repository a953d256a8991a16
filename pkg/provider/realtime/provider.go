// Package realtime defines the Provider interface for speech-to-speech
// backends that hold a duplex connection and speak back directly, without a
// separate STT → text → TTS cascade.
//
// A realtime session accepts caller audio frames and emits provider audio
// plus a stream of [SessionEvent] values describing turn lifecycle and
// transcripts. The dispatcher bridges both onto the streaming bus: audio
// frames become audio_chunk events, transcripts become transcription events,
// everything else passes through as custom_event.
//
// Implementations must be safe for concurrent use.
package realtime

import "context"

// SessionConfig configures a new realtime session.
type SessionConfig struct {
	// Model selects the provider's realtime model.
	Model string

	// Voice selects the speaking voice.
	Voice string

	// Instructions is the system-level steering text for the session.
	Instructions string

	// InputFormat and OutputFormat name the audio encodings, e.g. "pcm16".
	InputFormat  string
	OutputFormat string
}

// Event kinds emitted on the session event stream.
const (
	EventTurnStarted      = "turn_started"
	EventTurnCompleted    = "turn_completed"
	EventInputTranscript  = "input_transcript"
	EventOutputTranscript = "output_transcript"
	EventSessionClosed    = "session_closed"
)

// SessionEvent is one provider-side occurrence. Text is set for transcript
// kinds; Payload carries any provider-specific extras.
type SessionEvent struct {
	Kind    string
	Text    string
	Final   bool
	Payload map[string]any
}

// SessionHandle is an open realtime session.
//
// The Audio and Events channels are closed when the session ends. After the
// channels close, Err reports the terminal error, if any. All methods are
// safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one frame of caller audio in the configured input
	// format. Returns an error once the session is closed.
	SendAudio(chunk []byte) error

	// Audio emits provider speech frames in the configured output format.
	Audio() <-chan []byte

	// Events emits turn lifecycle and transcript events.
	Events() <-chan SessionEvent

	// Interrupt cancels the in-flight provider response, if any.
	Interrupt() error

	// Close terminates the session. Safe to call more than once.
	Close() error

	// Err returns the terminal session error, or nil after a clean close.
	Err() error
}

// Provider is the abstraction over any realtime speech backend.
type Provider interface {
	// Name returns the provider instance name used in event metadata and logs.
	Name() string

	// Connect opens a new realtime session.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
