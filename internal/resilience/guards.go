package resilience

import (
	"context"

	"github.com/parlance-ai/parlance/pkg/provider/embeddings"
	"github.com/parlance-ai/parlance/pkg/provider/llm"
	"github.com/parlance-ai/parlance/pkg/provider/realtime"
	"github.com/parlance-ai/parlance/pkg/provider/stt"
	"github.com/parlance-ai/parlance/pkg/provider/tts"
)

// The guards wrap call entry points only. For streaming providers that means
// the stream start: once a channel pair is handed out, in-band errors belong
// to the turn that owns the stream, not to the breaker.

// GuardText wraps an LLM provider with b. A nil b gets a default breaker
// named after the provider.
func GuardText(p llm.Provider, b *Breaker) llm.Provider {
	if b == nil {
		b = NewBreaker(BreakerConfig{Name: p.Name()})
	}
	return &textGuard{p: p, b: b}
}

type textGuard struct {
	p llm.Provider
	b *Breaker
}

var _ llm.Provider = (*textGuard)(nil)

func (g *textGuard) Name() string { return g.p.Name() }

func (g *textGuard) Capabilities(model string) llm.Capabilities {
	return g.p.Capabilities(model)
}

func (g *textGuard) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var ch <-chan llm.Chunk
	err := g.b.Do(func() error {
		var err error
		ch, err = g.p.StreamCompletion(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (g *textGuard) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	var out *llm.Completion
	err := g.b.Do(func() error {
		var err error
		out, err = g.p.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GuardTTS wraps a TTS provider with b. When p also implements
// [tts.StreamSynthesizer] the returned provider does too, so capability
// detection downstream keeps working.
func GuardTTS(p tts.Provider, b *Breaker) tts.Provider {
	if b == nil {
		b = NewBreaker(BreakerConfig{Name: p.Name()})
	}
	g := &ttsGuard{p: p, b: b}
	if ss, ok := p.(tts.StreamSynthesizer); ok {
		return &streamTTSGuard{ttsGuard: g, ss: ss}
	}
	return g
}

type ttsGuard struct {
	p tts.Provider
	b *Breaker
}

var _ tts.Provider = (*ttsGuard)(nil)

func (g *ttsGuard) Name() string { return g.p.Name() }

func (g *ttsGuard) Capabilities() tts.Capabilities { return g.p.Capabilities() }

func (g *ttsGuard) SynthesizeBuffered(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, <-chan error, error) {
	var (
		audio <-chan []byte
		errs  <-chan error
	)
	err := g.b.Do(func() error {
		var err error
		audio, errs, err = g.p.SynthesizeBuffered(ctx, text, voice)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return audio, errs, nil
}

type streamTTSGuard struct {
	*ttsGuard
	ss tts.StreamSynthesizer
}

var _ tts.StreamSynthesizer = (*streamTTSGuard)(nil)

func (g *streamTTSGuard) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, <-chan error, error) {
	var (
		audio <-chan []byte
		errs  <-chan error
	)
	err := g.b.Do(func() error {
		var err error
		audio, errs, err = g.ss.SynthesizeStream(ctx, text, voice)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return audio, errs, nil
}

// GuardSTT wraps an STT provider with b.
func GuardSTT(p stt.Provider, b *Breaker) stt.Provider {
	if b == nil {
		b = NewBreaker(BreakerConfig{Name: p.Name()})
	}
	return &sttGuard{p: p, b: b}
}

type sttGuard struct {
	p stt.Provider
	b *Breaker
}

var _ stt.Provider = (*sttGuard)(nil)

func (g *sttGuard) Name() string { return g.p.Name() }

func (g *sttGuard) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var h stt.SessionHandle
	err := g.b.Do(func() error {
		var err error
		h, err = g.p.StartStream(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// GuardRealtime wraps a realtime speech provider with b.
func GuardRealtime(p realtime.Provider, b *Breaker) realtime.Provider {
	if b == nil {
		b = NewBreaker(BreakerConfig{Name: p.Name()})
	}
	return &realtimeGuard{p: p, b: b}
}

type realtimeGuard struct {
	p realtime.Provider
	b *Breaker
}

var _ realtime.Provider = (*realtimeGuard)(nil)

func (g *realtimeGuard) Name() string { return g.p.Name() }

func (g *realtimeGuard) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	var h realtime.SessionHandle
	err := g.b.Do(func() error {
		var err error
		h, err = g.p.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// GuardEmbeddings wraps an embedding provider with b.
func GuardEmbeddings(p embeddings.Provider, b *Breaker) embeddings.Provider {
	if b == nil {
		b = NewBreaker(BreakerConfig{Name: p.ModelID()})
	}
	return &embeddingsGuard{p: p, b: b}
}

type embeddingsGuard struct {
	p embeddings.Provider
	b *Breaker
}

var _ embeddings.Provider = (*embeddingsGuard)(nil)

func (g *embeddingsGuard) Dimensions() int { return g.p.Dimensions() }

func (g *embeddingsGuard) ModelID() string { return g.p.ModelID() }

func (g *embeddingsGuard) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := g.b.Do(func() error {
		var err error
		vec, err = g.p.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (g *embeddingsGuard) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := g.b.Do(func() error {
		var err error
		vecs, err = g.p.EmbedBatch(ctx, texts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}
