// Package mock provides a deterministic in-memory [embeddings.Provider].
package mock

import (
	"context"
	"hash/fnv"

	"github.com/parlance-ai/parlance/pkg/provider/embeddings"
)

// Provider hashes text into a fixed-size pseudo-embedding, so similarity
// tests get stable, distinct vectors without a network call.
type Provider struct {
	Dims int
	Err  error
}

var _ embeddings.Provider = (*Provider)(nil)

func (p *Provider) dims() int {
	if p.Dims <= 0 {
		return 8
	}
	return p.Dims
}

func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	vec := make([]float32, p.dims())
	h := fnv.New32a()
	for i := range vec {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		vec[i] = float32(h.Sum32()%1000) / 1000
	}
	return vec, nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *Provider) Dimensions() int { return p.dims() }

func (p *Provider) ModelID() string { return "mock-embedder" }
