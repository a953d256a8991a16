// Package pgblob implements [blob.Store] on a Postgres BYTEA table, sharing
// the gateway's existing connection pool. Every replica can serve every
// minted URL, which fsblob cannot guarantee.
package pgblob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlance-ai/parlance/pkg/blob"
)

const ddl = `
CREATE TABLE IF NOT EXISTS blobs (
    key          TEXT PRIMARY KEY,
    content_type TEXT NOT NULL,
    data         BYTEA NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Store persists blobs in the "blobs" table.
type Store struct {
	pool    *pgxpool.Pool
	baseURL string
}

var _ blob.Store = (*Store)(nil)

// New runs the table migration and returns a ready store. publicBaseURL is
// the externally reachable gateway base for minted URLs.
func New(ctx context.Context, pool *pgxpool.Pool, publicBaseURL string) (*Store, error) {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("pgblob: migrate: %w", err)
	}
	return &Store{pool: pool, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("pgblob: empty key")
	}
	const q = `
INSERT INTO blobs (key, content_type, data)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET content_type = $2, data = $3, created_at = now()`
	if _, err := s.pool.Exec(ctx, q, key, contentType, data); err != nil {
		return "", fmt.Errorf("pgblob: put %q: %w", key, err)
	}
	return s.baseURL + "/files/" + key, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	const q = `SELECT data, content_type FROM blobs WHERE key = $1`
	var data []byte
	var ct string
	err := s.pool.QueryRow(ctx, q, key).Scan(&data, &ct)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", blob.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("pgblob: get %q: %w", key, err)
	}
	return data, ct, nil
}
