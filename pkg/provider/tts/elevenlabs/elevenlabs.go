// Package elevenlabs provides an ElevenLabs-backed TTS provider. Buffered
// synthesis uses the HTTP streaming endpoint; incremental synthesis uses the
// stream-input WebSocket API, so text fragments are spoken while the text
// source is still producing.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/parlance-ai/parlance/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	httpEndpointFmt  = "https://api.elevenlabs.io/v1/text-to-speech/%s/stream?output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// frameSize is the read granularity for buffered HTTP synthesis.
	frameSize = 4096
)

// Ensure Provider implements both TTS interfaces.
var (
	_ tts.Provider          = (*Provider)(nil)
	_ tts.StreamSynthesizer = (*Provider)(nil)
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithDefaultVoice sets the voice used when a request does not name one.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// Provider implements tts.Provider and tts.StreamSynthesizer backed by the
// ElevenLabs API.
type Provider struct {
	name         string
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	httpClient   *http.Client
}

// New creates an ElevenLabs Provider. name identifies the configured instance
// in logs and event metadata; apiKey must be non-empty.
func New(name, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if name == "" {
		name = "elevenlabs"
	}
	p := &Provider{
		name:         name,
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Capabilities implements tts.Provider.
func (p *Provider) Capabilities() tts.Capabilities {
	format, rate := parseOutputFormat(p.outputFormat)
	return tts.Capabilities{
		AudioFormat:         format,
		SampleRate:          rate,
		SupportsInputStream: true,
	}
}

// buildWSURL constructs the stream-input WebSocket URL for a voice.
func (p *Provider) buildWSURL(voiceID string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, p.model, p.outputFormat)
}

// buildHTTPURL constructs the HTTP streaming endpoint URL for a voice.
func (p *Provider) buildHTTPURL(voiceID string) string {
	return fmt.Sprintf(httpEndpointFmt, voiceID, p.outputFormat)
}

// parseOutputFormat maps an ElevenLabs output_format string to a frame
// encoding name and sample rate, e.g. "pcm_16000" → ("pcm16", 16000).
func parseOutputFormat(outputFormat string) (string, int) {
	parts := strings.Split(outputFormat, "_")
	if len(parts) < 2 {
		return outputFormat, 0
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil {
		return outputFormat, 0
	}
	switch parts[0] {
	case "pcm":
		return "pcm16", rate
	case "ulaw":
		return "ulaw", rate
	default:
		return parts[0], rate
	}
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// SynthesizeStream implements tts.StreamSynthesizer. It opens a WebSocket to
// ElevenLabs, pipes text fragments from the text channel, and emits raw audio
// frames as the service produces them.
//
// The text channel is consumed until it closes, even after a mid-stream
// failure, so the producer never blocks. The audio channel closes when
// synthesis ends; the error channel carries at most one failure.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, <-chan error, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID == "" {
		return nil, nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.buildWSURL(voiceID), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan []byte, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(audioCh)
		defer close(errCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Reader goroutine decodes audio messages until the service closes
		// the stream or ctx is cancelled.
		var readErr error
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
						readErr = err
					}
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Audio == "" {
					if resp.IsFinal {
						return
					}
					continue
				}
				frame, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					continue
				}
				select {
				case audioCh <- frame:
				case <-ctx.Done():
					return
				}
				if resp.IsFinal {
					return
				}
			}
		}()

		// Write text fragments to ElevenLabs. Voice settings ride only on the
		// first fragment.
		vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// Text channel closed — send the EOS flush and wait for
					// the reader to drain the remaining audio.
					flush, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flush)
					<-readDone
					if readErr != nil {
						errCh <- fmt.Errorf("elevenlabs: stream: %w", readErr)
					}
					return
				}
				if fragment == "" {
					continue
				}
				payload := textMessage{Text: fragment, VoiceSettings: vs}
				vs = nil
				msgBytes, _ := json.Marshal(payload)
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					errCh <- fmt.Errorf("elevenlabs: send text: %w", err)
					drainText(text)
					<-readDone
					return
				}
			case <-ctx.Done():
				errCh <- ctx.Err()
				<-readDone
				return
			}
		}
	}()

	return audioCh, errCh, nil
}

// drainText consumes the remaining fragments so the producer never blocks on
// a dead synthesis stream.
func drainText(text <-chan string) {
	for range text {
	}
}

// ---- Buffered HTTP synthesis ----

// synthesizeRequest is the JSON body for the HTTP streaming endpoint.
type synthesizeRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// SynthesizeBuffered implements tts.Provider. It posts the complete text to
// the HTTP streaming endpoint and forwards the response body as audio frames.
func (p *Provider) SynthesizeBuffered(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, <-chan error, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID == "" {
		return nil, nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	if text == "" {
		return nil, nil, errors.New("elevenlabs: text must not be empty")
	}

	body, _ := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: p.model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.buildHTTPURL(voiceID), bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, nil, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
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
					errCh <- fmt.Errorf("elevenlabs: read audio: %w", err)
				}
				return
			}
		}
	}()

	return audioCh, errCh, nil
}
