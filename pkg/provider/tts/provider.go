// Package tts defines the Provider interface for text-to-speech backends.
//
// Every provider can synthesize a complete utterance from a finished string
// via SynthesizeBuffered. Providers whose service accepts incremental text
// (ElevenLabs websocket input streaming, for example) additionally implement
// [StreamSynthesizer] and advertise it through
// [Capabilities.SupportsInputStream]; the speech orchestrator then pipes the
// live text-delta queue straight into synthesis instead of waiting for the
// full response.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice identifies a synthesis voice offered by a provider.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// Capabilities describes a provider's audio output and input modes.
type Capabilities struct {
	// AudioFormat names the frame encoding emitted on the audio channel,
	// e.g. "pcm16" or "mp3".
	AudioFormat string

	// SampleRate is the output sample rate in Hz for PCM formats, 0 otherwise.
	SampleRate int

	// SupportsInputStream is true when the provider implements
	// [StreamSynthesizer] over a genuinely incremental service connection.
	SupportsInputStream bool

	// Voices lists the voices this provider accepts, when known statically.
	Voices []Voice
}

// Provider is the abstraction over any TTS backend.
//
// Both synthesis methods return an audio frame channel and an error channel.
// The audio channel is closed when synthesis ends; the error channel carries
// at most one synthesis failure and is closed afterwards (the any-llm
// stream-pair convention). Callers must drain the audio channel to avoid
// blocking provider goroutines. A non-nil error return means the synthesis
// could not start at all.
type Provider interface {
	// Name returns the provider instance name used in event metadata and logs.
	Name() string

	// SynthesizeBuffered synthesizes one complete text into audio frames.
	SynthesizeBuffered(ctx context.Context, text string, voice Voice) (<-chan []byte, <-chan error, error)

	// Capabilities reports the provider's audio format and input modes.
	Capabilities() Capabilities
}

// StreamSynthesizer is the optional extension for providers that accept
// incremental text input. The text channel is produced by the streaming bus
// tee; the implementation must consume it until it is closed (EOS), even
// after a synthesis failure, so the producer is never blocked.
type StreamSynthesizer interface {
	Provider

	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, <-chan error, error)
}
