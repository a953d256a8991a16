// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// The recall layer uses embeddings to index past conversation messages and
// retrieve the ones most relevant to a new prompt. All vectors from a single
// Provider instance share one dimensionality; mixing vectors from different
// models in one similarity computation is a caller bug.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
type Provider interface {
	// Embed computes the vector for a single text. The result has length
	// Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for all texts in one provider call; the
	// i-th result corresponds to texts[i]. On error the whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the provider-specific embedding model identifier.
	ModelID() string
}
