// Package openai provides a buffered TTS provider backed by the OpenAI Audio
// Speech API. The service accepts only complete utterances; the speech
// orchestrator therefore buffers assistant text before calling it.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/parlance-ai/parlance/pkg/provider/tts"
)

const (
	defaultModel = oai.SpeechModelGPT4oMiniTTS
	defaultVoice = "alloy"

	// pcmSampleRate is the fixed output rate of the speech endpoint's PCM
	// format: 24 kHz, 16-bit, mono.
	pcmSampleRate = 24_000

	// frameSize is the read granularity for forwarding response audio.
	frameSize = 4096
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// knownVoices are the voices the speech endpoint accepts.
var knownVoices = []tts.Voice{
	{ID: "alloy", Name: "Alloy"},
	{ID: "ash", Name: "Ash"},
	{ID: "coral", Name: "Coral"},
	{ID: "echo", Name: "Echo"},
	{ID: "fable", Name: "Fable"},
	{ID: "nova", Name: "Nova"},
	{ID: "onyx", Name: "Onyx"},
	{ID: "sage", Name: "Sage"},
	{ID: "shimmer", Name: "Shimmer"},
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	voice   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the speech model (e.g., "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithDefaultVoice sets the voice used when a request does not name one.
func WithDefaultVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements tts.Provider using the OpenAI Audio Speech API.
type Provider struct {
	client oai.Client
	name   string
	model  string
	voice  string
}

// New constructs an OpenAI TTS Provider. name identifies the configured
// instance in logs and event metadata; apiKey must be non-empty.
func New(name, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if name == "" {
		name = "openai-tts"
	}

	cfg := &config{
		model: string(defaultModel),
		voice: defaultVoice,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		name:   name,
		model:  cfg.model,
		voice:  cfg.voice,
	}, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Capabilities implements tts.Provider.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		AudioFormat:         "pcm16",
		SampleRate:          pcmSampleRate,
		SupportsInputStream: false,
		Voices:              knownVoices,
	}
}

// SynthesizeBuffered implements tts.Provider. The response body streams raw
// PCM which is forwarded in fixed-size frames.
func (p *Provider) SynthesizeBuffered(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, <-chan error, error) {
	if text == "" {
		return nil, nil, errors.New("openai tts: text must not be empty")
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.voice
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}

	audioCh := make(chan []byte, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(audioCh)
		defer close(errCh)
		defer resp.Body.Close()

		for {
			frame := make([]byte, frameSize)
			n, err := io.ReadFull(resp.Body, frame)
			if n > 0 {
				select {
				case audioCh <- frame[:n]:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					errCh <- fmt.Errorf("openai tts: read audio: %w", err)
				}
				return
			}
		}
	}()

	return audioCh, errCh, nil
}
