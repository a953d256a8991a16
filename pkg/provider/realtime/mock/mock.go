// Package mock provides an in-memory [realtime.Provider] for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parlance-ai/parlance/pkg/provider/realtime"
)

// ErrClosed is returned by SendAudio after the session closed.
var ErrClosed = errors.New("mock: session closed")

// Provider opens scripted sessions. EchoAudio makes each received frame come
// back on the session's audio channel, which lets bridge tests assert the
// full round trip.
type Provider struct {
	NameFunc    func() string
	ConnectFunc func(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error)
	EchoAudio   bool

	mu       sync.Mutex
	Sessions []*Session
}

var _ realtime.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	if p.NameFunc != nil {
		return p.NameFunc()
	}
	return "mock-realtime"
}

func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	if p.ConnectFunc != nil {
		return p.ConnectFunc(ctx, cfg)
	}
	s := &Session{
		echo:   p.EchoAudio,
		audio:  make(chan []byte, 32),
		events: make(chan realtime.SessionEvent, 32),
	}
	p.mu.Lock()
	p.Sessions = append(p.Sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Session is the scripted [realtime.SessionHandle] returned by Provider.
type Session struct {
	echo bool

	mu          sync.Mutex
	closed      bool
	err         error
	Frames      [][]byte
	Interrupted bool

	audio  chan []byte
	events chan realtime.SessionEvent
}

var _ realtime.SessionHandle = (*Session)(nil)

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	frame := make([]byte, len(chunk))
	copy(frame, chunk)
	s.Frames = append(s.Frames, frame)
	if s.echo {
		s.audio <- frame
	}
	return nil
}

// Emit injects a provider-side event, as if the service produced it.
func (s *Session) Emit(ev realtime.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func (s *Session) Audio() <-chan []byte                 { return s.audio }
func (s *Session) Events() <-chan realtime.SessionEvent { return s.events }

func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Interrupted = true
	return nil
}

// Fail closes the session carrying a terminal error.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.mu.Unlock()
	s.Close()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.audio)
	close(s.events)
	return nil
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
