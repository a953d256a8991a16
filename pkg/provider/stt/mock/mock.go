// Package mock provides an in-memory [stt.Provider] for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parlance-ai/parlance/pkg/provider/stt"
)

// ErrClosed is returned by SendAudio after Close or Finalize.
var ErrClosed = errors.New("mock: session closed")

// Provider opens scripted sessions. PartialPerFrame, when set, emits one
// partial transcript per audio frame containing the frame bytes as text;
// FinalText is emitted on Finalize.
type Provider struct {
	NameFunc        func() string
	StartStreamFunc func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error)

	PartialPerFrame bool
	FinalText       string

	mu       sync.Mutex
	Sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	if p.NameFunc != nil {
		return p.NameFunc()
	}
	return "mock-stt"
}

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if p.StartStreamFunc != nil {
		return p.StartStreamFunc(ctx, cfg)
	}
	s := &Session{
		partialPerFrame: p.PartialPerFrame,
		finalText:       p.FinalText,
		partials:        make(chan stt.Transcript, 16),
		finals:          make(chan stt.Transcript, 4),
	}
	p.mu.Lock()
	p.Sessions = append(p.Sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Session is the scripted [stt.SessionHandle] returned by Provider.
type Session struct {
	partialPerFrame bool
	finalText       string

	mu        sync.Mutex
	closed    bool
	finalized bool
	Frames    [][]byte

	partials chan stt.Transcript
	finals   chan stt.Transcript
}

var _ stt.SessionHandle = (*Session)(nil)

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finalized {
		return ErrClosed
	}
	frame := make([]byte, len(chunk))
	copy(frame, chunk)
	s.Frames = append(s.Frames, frame)
	if s.partialPerFrame {
		s.partials <- stt.Transcript{Text: string(frame), Confidence: 0.5}
	}
	return nil
}

func (s *Session) Partials() <-chan stt.Transcript { return s.partials }
func (s *Session) Finals() <-chan stt.Transcript   { return s.finals }

func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.finalized {
		return nil
	}
	s.finalized = true
	text := s.finalText
	if text == "" {
		for _, f := range s.Frames {
			text += string(f)
		}
	}
	s.finals <- stt.Transcript{Text: text, Confidence: 0.99}
	close(s.partials)
	close(s.finals)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finalized {
		s.finalized = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}
