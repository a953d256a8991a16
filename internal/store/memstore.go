package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*Mem)(nil)

// Mem is an in-memory [Store] used in tests and when no database is
// configured. History evaporates on restart.
type Mem struct {
	mu       sync.Mutex
	sessions map[string]string // session id -> customer id
	messages []Message
	byClient map[string]string // session id + "\x00" + client msg id -> message id
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		sessions: make(map[string]string),
		byClient: make(map[string]string),
	}
}

// EnsureSession implements [Store].
func (s *Mem) EnsureSession(_ context.Context, customerID, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if owner, ok := s.sessions[sessionID]; ok {
		if owner != customerID {
			return "", fmt.Errorf("%w: session %q", ErrSessionOwnership, sessionID)
		}
		return sessionID, nil
	}
	s.sessions[sessionID] = customerID
	return sessionID, nil
}

// AppendMessage implements [Store].
func (s *Mem) AppendMessage(_ context.Context, msg Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.ClientMessageID != "" {
		key := msg.SessionID + "\x00" + msg.ClientMessageID
		if existing, ok := s.byClient[key]; ok {
			return existing, nil
		}
		s.byClient[key] = msg.ID
	}
	s.messages = append(s.messages, msg)
	return msg.ID, nil
}

// Messages implements [Store].
func (s *Mem) Messages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
