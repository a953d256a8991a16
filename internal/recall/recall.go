// Package recall gives the gateway long-term memory. Exchanges are embedded
// into a pgvector-indexed table per customer; when a request opts in, the
// snippets closest to the prompt are recalled into the model context.
package recall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/parlance-ai/parlance/pkg/provider/embeddings"
)

// ddlSnippets is the recall schema, parameterized by embedding width. The
// HNSW index makes nearest-neighbour lookups cheap enough to run on every
// opted-in request.
func ddlSnippets(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS recall_snippets (
    id           TEXT         PRIMARY KEY,
    customer_id  TEXT         NOT NULL,
    session_id   TEXT         NOT NULL DEFAULT '',
    content      TEXT         NOT NULL,
    embedding    vector(%d),
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recall_snippets_customer
    ON recall_snippets (customer_id);

CREATE INDEX IF NOT EXISTS idx_recall_snippets_embedding
    ON recall_snippets USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Index is the pgvector-backed snippet store. It shares the application's
// connection pool and is safe for concurrent use.
type Index struct {
	pool  *pgxpool.Pool
	embed embeddings.Provider
	log   *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(ix *Index) { ix.log = log }
}

// New migrates the recall schema for the embedder's vector width and returns
// the index. The migration is idempotent; changing embedding models with
// different dimensions requires dropping the table first.
func New(ctx context.Context, pool *pgxpool.Pool, embed embeddings.Provider, opts ...Option) (*Index, error) {
	if _, err := pool.Exec(ctx, ddlSnippets(embed.Dimensions())); err != nil {
		return nil, fmt.Errorf("recall: migrate: %w", err)
	}
	ix := &Index{pool: pool, embed: embed, log: slog.Default()}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Remember embeds content and stores it under the customer. Whitespace-only
// content is skipped.
func (ix *Index) Remember(ctx context.Context, customerID, sessionID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	vec, err := ix.embed.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("recall: embed snippet: %w", err)
	}

	const q = `
		INSERT INTO recall_snippets (id, customer_id, session_id, content, embedding)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := ix.pool.Exec(ctx, q,
		uuid.NewString(), customerID, sessionID, content, pgvector.NewVector(vec),
	); err != nil {
		return fmt.Errorf("recall: index snippet: %w", err)
	}
	ix.log.Debug("recall: snippet indexed",
		"customer_id", customerID, "session_id", sessionID,
		"model", ix.embed.ModelID(), "characters", len(content))
	return nil
}

// Recall returns the contents of the customer's limit closest snippets to
// query, most similar first.
func (ix *Index) Recall(ctx context.Context, customerID, query string, limit int) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	vec, err := ix.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recall: embed query: %w", err)
	}

	const q = `
		SELECT content
		FROM   recall_snippets
		WHERE  customer_id = $2
		ORDER  BY embedding <=> $1
		LIMIT  $3`

	rows, err := ix.pool.Query(ctx, q, pgvector.NewVector(vec), customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("recall: search: %w", err)
	}
	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var content string
		err := row.Scan(&content)
		return content, err
	})
	if err != nil {
		return nil, fmt.Errorf("recall: scan rows: %w", err)
	}
	return snippets, nil
}
