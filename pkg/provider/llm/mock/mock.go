// Package mock provides a configurable in-memory [llm.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/parlance-ai/parlance/pkg/provider/llm"
)

// Provider is a test double. Each exported *Func field overrides the
// corresponding method; unset fields fall back to benign defaults. Requests
// records every call for assertions.
type Provider struct {
	NameFunc             func() string
	StreamCompletionFunc func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error)
	CompleteFunc         func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error)
	CapabilitiesFunc     func(model string) llm.Capabilities

	mu       sync.Mutex
	Requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) record(req llm.CompletionRequest) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()
}

// Recorded returns a copy of all requests seen so far.
func (p *Provider) Recorded() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.Requests))
	copy(out, p.Requests)
	return out
}

func (p *Provider) Name() string {
	if p.NameFunc != nil {
		return p.NameFunc()
	}
	return "mock"
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.record(req)
	if p.StreamCompletionFunc != nil {
		return p.StreamCompletionFunc(ctx, req)
	}
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{FinishReason: llm.FinishStop}
	close(ch)
	return ch, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	p.record(req)
	if p.CompleteFunc != nil {
		return p.CompleteFunc(ctx, req)
	}
	return &llm.Completion{FinishReason: llm.FinishStop, Model: req.Model}, nil
}

func (p *Provider) Capabilities(model string) llm.Capabilities {
	if p.CapabilitiesFunc != nil {
		return p.CapabilitiesFunc(model)
	}
	return llm.Capabilities{
		SupportsStreaming:   true,
		SupportsToolCalling: true,
		APIStyle:            llm.APIStyleChatCompletions,
	}
}

// ScriptedStream returns a StreamCompletionFunc that replays the given chunks
// in order, honoring context cancellation between sends.
func ScriptedStream(chunks ...llm.Chunk) func(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
		out := make(chan llm.Chunk)
		go func() {
			defer close(out)
			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}
