package elevenlabs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/parlance-ai/parlance/pkg/provider/tts"
)

// ---- Output format parsing ----

func TestParseOutputFormat_PCM(t *testing.T) {
	format, rate := parseOutputFormat("pcm_16000")
	if format != "pcm16" {
		t.Errorf("expected format pcm16, got %q", format)
	}
	if rate != 16000 {
		t.Errorf("expected rate 16000, got %d", rate)
	}
}

func TestParseOutputFormat_PCM24k(t *testing.T) {
	format, rate := parseOutputFormat("pcm_24000")
	if format != "pcm16" {
		t.Errorf("expected format pcm16, got %q", format)
	}
	if rate != 24000 {
		t.Errorf("expected rate 24000, got %d", rate)
	}
}

func TestParseOutputFormat_Ulaw(t *testing.T) {
	format, rate := parseOutputFormat("ulaw_8000")
	if format != "ulaw" {
		t.Errorf("expected format ulaw, got %q", format)
	}
	if rate != 8000 {
		t.Errorf("expected rate 8000, got %d", rate)
	}
}

func TestParseOutputFormat_Unparseable(t *testing.T) {
	format, rate := parseOutputFormat("mp3")
	if format != "mp3" {
		t.Errorf("expected format mp3 passed through, got %q", format)
	}
	if rate != 0 {
		t.Errorf("expected rate 0, got %d", rate)
	}
}

// ---- URL construction ----

func TestBuildWSURL(t *testing.T) {
	p, err := New("voice", "key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url := p.buildWSURL("voice-abc123")
	if !strings.HasPrefix(url, "wss://") {
		t.Errorf("URL should be a WebSocket URL, got: %s", url)
	}
	if !strings.Contains(url, "voice-abc123") {
		t.Errorf("URL should contain voice ID, got: %s", url)
	}
	if !strings.Contains(url, "eleven_multilingual_v2") {
		t.Errorf("URL should contain model ID, got: %s", url)
	}
	if !strings.Contains(url, "pcm_24000") {
		t.Errorf("URL should contain output format, got: %s", url)
	}
}

func TestBuildHTTPURL(t *testing.T) {
	p, err := New("voice", "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url := p.buildHTTPURL("voice-abc123")
	if !strings.HasPrefix(url, "https://") {
		t.Errorf("URL should be an HTTPS URL, got: %s", url)
	}
	if !strings.Contains(url, "voice-abc123") {
		t.Errorf("URL should contain voice ID, got: %s", url)
	}
	if !strings.Contains(url, defaultOutputFmt) {
		t.Errorf("URL should contain output format, got: %s", url)
	}
}

// ---- WebSocket message shapes ----

func TestTextMessage_VoiceSettingsOmitted(t *testing.T) {
	data, err := json.Marshal(textMessage{Text: "Flush"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, exists := raw["voice_settings"]; exists {
		t.Error("voice_settings should be omitted when nil")
	}
}

func TestTextMessage_FlushShape(t *testing.T) {
	// ElevenLabs EOS flush = {"text":""} with no other fields.
	data, err := json.Marshal(textMessage{Text: ""})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"text":""}` {
		t.Errorf("unexpected flush payload: %s", data)
	}
}

func TestBOIMessage_CarriesAPIKey(t *testing.T) {
	data, err := json.Marshal(boiMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      "xi-secret",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["xi_api_key"]) != `"xi-secret"` {
		t.Errorf("expected xi_api_key field, got %s", raw["xi_api_key"])
	}
	if string(raw["text"]) != `" "` {
		t.Errorf("BOI text must be a non-empty placeholder, got %s", raw["text"])
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("voice", "")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("", "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "elevenlabs" {
		t.Errorf("expected name elevenlabs, got %q", p.Name())
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("voice", "key",
		WithModel("eleven_multilingual_v2"),
		WithOutputFormat("pcm_24000"),
		WithDefaultVoice("voice-xyz"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("expected outputFormat 'pcm_24000', got %q", p.outputFormat)
	}
	if p.defaultVoice != "voice-xyz" {
		t.Errorf("expected defaultVoice 'voice-xyz', got %q", p.defaultVoice)
	}
}

// ---- Capabilities ----

func TestCapabilities_ReflectsOutputFormat(t *testing.T) {
	p, err := New("voice", "key", WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := p.Capabilities()
	if caps.AudioFormat != "pcm16" {
		t.Errorf("expected AudioFormat pcm16, got %q", caps.AudioFormat)
	}
	if caps.SampleRate != 24000 {
		t.Errorf("expected SampleRate 24000, got %d", caps.SampleRate)
	}
	if !caps.SupportsInputStream {
		t.Error("expected SupportsInputStream=true")
	}
}

// ---- Request validation ----

func TestSynthesizeStream_MissingVoice(t *testing.T) {
	p, err := New("voice", "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := make(chan string)
	_, _, err = p.SynthesizeStream(context.Background(), text, tts.Voice{})
	if err == nil {
		t.Error("expected error when no voice is configured")
	}
}

func TestSynthesizeBuffered_Validation(t *testing.T) {
	p, err := New("voice", "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := p.SynthesizeBuffered(context.Background(), "hello", tts.Voice{}); err == nil {
		t.Error("expected error when no voice is configured")
	}
	if _, _, err := p.SynthesizeBuffered(context.Background(), "", tts.Voice{ID: "v1"}); err == nil {
		t.Error("expected error for empty text")
	}
}
