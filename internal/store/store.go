// Package store persists chat sessions and their message history.
//
// Persistence is best-effort from the workflow's point of view: callers
// surface store errors as non-terminal events and keep streaming. Message
// appends are idempotent on (session_id, client_message_id) so client
// retries after network hiccups never duplicate history.
//
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ErrSessionOwnership is returned when a session id exists but belongs to a
// different customer.
var ErrSessionOwnership = errors.New("store: session belongs to another customer")

// Message is one persisted chat message.
type Message struct {
	// ID is the server-assigned message identifier. Empty on insert lets the
	// store mint one.
	ID string

	// SessionID is the owning session.
	SessionID string

	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string

	// ClientMessageID is the client-supplied identifier used for idempotent
	// retries. Empty disables deduplication for this message.
	ClientMessageID string

	// Tag is an optional client-supplied label for grouping sessions.
	Tag string

	// Metadata holds arbitrary request metadata persisted alongside the message.
	Metadata map[string]any

	// CreatedAt is assigned by the store on insert.
	CreatedAt time.Time
}

// Store is the chat history persistence layer.
type Store interface {
	// EnsureSession resolves sessionID to a session owned by customerID,
	// creating one when sessionID is empty or unknown. It returns the
	// effective session id. An existing session owned by another customer
	// returns [ErrSessionOwnership].
	EnsureSession(ctx context.Context, customerID, sessionID string) (string, error)

	// AppendMessage inserts msg and returns its id. When msg.ClientMessageID
	// is set and a message with the same (SessionID, ClientMessageID) already
	// exists, the existing id is returned and nothing is written.
	AppendMessage(ctx context.Context, msg Message) (string, error)

	// Messages returns the most recent limit messages of the session in
	// chronological order. limit <= 0 returns all messages.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}
