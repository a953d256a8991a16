// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a streaming transcription service (Deepgram, for
// example). The central abstraction is [SessionHandle]: once opened, a
// session accepts raw audio frames and emits two streams of [Transcript]
// values — low-latency partials for live feedback and authoritative finals
// for the conversation log. Finalize flushes buffered audio so the service
// commits its last result before the channels close.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the input sample rate in Hz (16000 for typical clients).
	SampleRate int

	// Channels is the number of audio channels; 1 for mono client capture.
	Channels int

	// Encoding names the frame encoding, e.g. "linear16".
	Encoding string

	// Language is a BCP-47 tag; empty lets the provider auto-detect.
	Language string

	// Model optionally selects a provider-specific recognition model.
	Model string
}

// Transcript is one recognition result.
type Transcript struct {
	Text       string
	Confidence float64
}

// SessionHandle is an open streaming transcription session.
//
// Callers must call Close when done; failing to do so leaks the provider
// connection. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one frame of raw audio in the configured encoding.
	// Calling SendAudio after Close or Finalize returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim guesses. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed results. The transcript triggered by Finalize
	// arrives here before the channel closes.
	Finals() <-chan Transcript

	// Finalize tells the provider that no more audio is coming and to flush
	// its recognition state. The session remains open for reading until the
	// transcript channels close.
	Finalize() error

	// Close terminates the session and releases resources. Safe to call more
	// than once.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Name returns the provider instance name used in event metadata and logs.
	Name() string

	// StartStream opens a new transcription session ready to accept audio.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
