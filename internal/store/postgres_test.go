package store_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlance-ai/parlance/internal/store"
)

// newTestPostgres connects to the database named by PARLANCE_TEST_POSTGRES_DSN
// with a clean chat schema, or skips the test when the variable is not set.
func newTestPostgres(t *testing.T) *store.Postgres {
	t.Helper()
	dsn := os.Getenv("PARLANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLANCE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS chat_messages CASCADE",
		"DROP TABLE IF EXISTS chat_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	s, err := store.NewPostgres(ctx, pool)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	return s
}

func TestPostgres_SessionLifecycle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	id, err := s.EnsureSession(ctx, "cust-1", "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, err := s.EnsureSession(ctx, "cust-1", id); err != nil {
		t.Fatalf("EnsureSession (existing): %v", err)
	}
	if _, err := s.EnsureSession(ctx, "cust-2", id); !errors.Is(err, store.ErrSessionOwnership) {
		t.Errorf("err = %v, want ErrSessionOwnership", err)
	}
}

func TestPostgres_AppendMessageIdempotent(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	sid, err := s.EnsureSession(ctx, "cust-1", "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	first, err := s.AppendMessage(ctx, store.Message{
		SessionID:       sid,
		Role:            store.RoleUser,
		Content:         "hello",
		ClientMessageID: "cm-1",
		Metadata:        map[string]any{"channel": "web"},
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	second, err := s.AppendMessage(ctx, store.Message{
		SessionID:       sid,
		Role:            store.RoleUser,
		Content:         "hello (retry)",
		ClientMessageID: "cm-1",
	})
	if err != nil {
		t.Fatalf("AppendMessage retry: %v", err)
	}
	if second != first {
		t.Errorf("retry minted a new id: %q != %q", second, first)
	}

	msgs, err := s.Messages(ctx, sid, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if msgs[0].Metadata["channel"] != "web" {
		t.Errorf("Metadata = %v, want channel=web", msgs[0].Metadata)
	}
}

func TestPostgres_MessagesLimit(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	sid, err := s.EnsureSession(ctx, "cust-1", "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.AppendMessage(ctx, store.Message{SessionID: sid, Role: store.RoleUser, Content: content}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.Messages(ctx, sid, 2)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("msgs = %+v, want the two most recent in order", msgs)
	}
}
