// Package mock provides configurable in-memory TTS providers for tests.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/parlance-ai/parlance/pkg/provider/tts"
)

// ErrSynthesis is the failure injected by StreamProvider.FailAfter.
var ErrSynthesis = errors.New("mock: synthesis failed")

// Provider is a buffered-only test double. SynthesizeBufferedFunc overrides
// the default behavior of emitting one frame per whitespace-separated word
// (so tests can assert frame counts without real audio).
type Provider struct {
	NameFunc               func() string
	SynthesizeBufferedFunc func(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, <-chan error, error)
	Caps                   tts.Capabilities

	mu    sync.Mutex
	Texts []string
}

var _ tts.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	if p.NameFunc != nil {
		return p.NameFunc()
	}
	return "mock-tts"
}

func (p *Provider) recordText(text string) {
	p.mu.Lock()
	p.Texts = append(p.Texts, text)
	p.mu.Unlock()
}

// BufferedTexts returns a copy of every text passed to SynthesizeBuffered.
func (p *Provider) BufferedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}

func (p *Provider) SynthesizeBuffered(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, <-chan error, error) {
	p.recordText(text)
	if p.SynthesizeBufferedFunc != nil {
		return p.SynthesizeBufferedFunc(ctx, text, voice)
	}
	audio := make(chan []byte, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(audio)
		defer close(errs)
		for _, word := range strings.Fields(text) {
			select {
			case audio <- []byte(word):
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, errs, nil
}

func (p *Provider) Capabilities() tts.Capabilities {
	if p.Caps.AudioFormat == "" {
		return tts.Capabilities{AudioFormat: "pcm16", SampleRate: 16000}
	}
	return p.Caps
}

// StreamProvider is a duplex test double implementing [tts.StreamSynthesizer].
// It emits one audio frame per consumed text fragment, which makes tee
// fidelity directly observable in tests.
type StreamProvider struct {
	Provider

	SynthesizeStreamFunc func(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, <-chan error, error)
	FailAfter            int // emit an error after this many fragments (0 = never)

	mu        sync.Mutex
	Fragments []string
}

var _ tts.StreamSynthesizer = (*StreamProvider)(nil)

// StreamedFragments returns a copy of every text fragment consumed so far.
func (p *StreamProvider) StreamedFragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Fragments))
	copy(out, p.Fragments)
	return out
}

func (p *StreamProvider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, <-chan error, error) {
	if p.SynthesizeStreamFunc != nil {
		return p.SynthesizeStreamFunc(ctx, text, voice)
	}
	audio := make(chan []byte, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(audio)
		defer close(errs)
		n := 0
		failed := false
		for fragment := range text {
			p.mu.Lock()
			p.Fragments = append(p.Fragments, fragment)
			p.mu.Unlock()
			n++
			if failed {
				continue // keep draining to EOS
			}
			if p.FailAfter > 0 && n > p.FailAfter {
				errs <- ErrSynthesis
				failed = true
				continue
			}
			select {
			case audio <- []byte(fragment):
			case <-ctx.Done():
				failed = true
			}
		}
	}()
	return audio, errs, nil
}

func (p *StreamProvider) Capabilities() tts.Capabilities {
	caps := p.Provider.Capabilities()
	caps.SupportsInputStream = true
	return caps
}
