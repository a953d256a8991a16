package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

const ddlChat = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id           TEXT         PRIMARY KEY,
    customer_id  TEXT         NOT NULL,
    tag          TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_sessions_customer
    ON chat_sessions (customer_id);

CREATE TABLE IF NOT EXISTS chat_messages (
    id             TEXT         PRIMARY KEY,
    session_id     TEXT         NOT NULL REFERENCES chat_sessions (id) ON DELETE CASCADE,
    role           TEXT         NOT NULL,
    content        TEXT         NOT NULL,
    client_msg_id  TEXT         NOT NULL DEFAULT '',
    tag            TEXT         NOT NULL DEFAULT '',
    metadata       JSONB        NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session
    ON chat_messages (session_id, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_messages_client_id
    ON chat_messages (session_id, client_msg_id) WHERE client_msg_id <> '';
`

// Postgres is a [Store] backed by PostgreSQL. It shares the application's
// connection pool rather than owning one, so it has no Close; the pool's
// owner shuts it down.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres ensures the chat schema exists on pool and returns the store.
// The migration is idempotent and safe to run on every application start.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, ddlChat); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// EnsureSession implements [Store]. The upsert touches updated_at on an
// existing row so RETURNING always yields the owning customer for the
// ownership check.
func (s *Postgres) EnsureSession(ctx context.Context, customerID, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	const q = `
		INSERT INTO chat_sessions (id, customer_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
		RETURNING customer_id`

	var owner string
	if err := s.pool.QueryRow(ctx, q, sessionID, customerID).Scan(&owner); err != nil {
		return "", fmt.Errorf("store: ensure session: %w", err)
	}
	if owner != customerID {
		return "", fmt.Errorf("%w: session %q", ErrSessionOwnership, sessionID)
	}
	return sessionID, nil
}

// AppendMessage implements [Store]. Messages with a client id are inserted
// with ON CONFLICT DO NOTHING against the partial unique index; a retry that
// hits the conflict looks up and returns the already-stored id.
func (s *Postgres) AppendMessage(ctx context.Context, msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	const q = `
		INSERT INTO chat_messages (id, session_id, role, content, client_msg_id, tag, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, client_msg_id) WHERE client_msg_id <> '' DO NOTHING`

	tag, err := s.pool.Exec(ctx, q,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		msg.ClientMessageID,
		msg.Tag,
		msg.Metadata,
	)
	if err != nil {
		return "", fmt.Errorf("store: append message: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return msg.ID, nil
	}

	const lookup = `
		SELECT id FROM chat_messages
		WHERE  session_id = $1 AND client_msg_id = $2`

	var existing string
	if err := s.pool.QueryRow(ctx, lookup, msg.SessionID, msg.ClientMessageID).Scan(&existing); err != nil {
		return "", fmt.Errorf("store: lookup deduplicated message: %w", err)
	}
	return existing, nil
}

// Messages implements [Store]. The query walks the session index backwards
// to honour limit, then the rows are reversed into chronological order.
func (s *Postgres) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := `
		SELECT id, session_id, role, content, client_msg_id, tag, metadata, created_at
		FROM   chat_messages
		WHERE  session_id = $1
		ORDER  BY created_at DESC, id DESC`

	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ClientMessageID, &m.Tag, &m.Metadata, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan rows: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}
