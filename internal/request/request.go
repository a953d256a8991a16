// Package request defines the inbound client payloads: the chat request that
// starts a workflow and the small control messages that steer a live
// WebSocket session.
//
// Decoding is strict at the top level — an unknown top-level key rejects the
// whole payload — but lenient inside settings, where unknown keys are
// ignored so older gateways tolerate newer clients.
package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type selects the workflow a request runs.
type Type string

const (
	TypeText        Type = "text"
	TypeAudio       Type = "audio"
	TypeAudioDirect Type = "audio_direct"
	TypeTTS         Type = "tts"
	TypeRealtime    Type = "realtime"
)

// Sentinel errors. Validation failures wrap ErrValidation so transports can
// map them to a validation-stage error event without string matching.
var (
	ErrValidation   = errors.New("request: validation")
	ErrUnknownField = errors.New("request: unknown top-level field")
)

// topLevelFields is the closed set of keys a request payload may carry.
var topLevelFields = map[string]struct{}{
	"request_type":      {},
	"prompt":            {},
	"session_id":        {},
	"customer_id":       {},
	"client_message_id": {},
	"settings":          {},
}

// Part is one element of a multimodal prompt.
type Part struct {
	Type string `json:"type"` // "text", "image_url", "file"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// Prompt accepts either a plain string or an array of typed parts. Text
// always holds the concatenated text content.
type Prompt struct {
	Text  string
	Parts []Part
}

func (p *Prompt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &p.Text)
	case '[':
		if err := json.Unmarshal(b, &p.Parts); err != nil {
			return err
		}
		var sb strings.Builder
		for _, part := range p.Parts {
			if part.Type == "text" {
				sb.WriteString(part.Text)
			}
		}
		p.Text = sb.String()
		return nil
	}
	return fmt.Errorf("%w: prompt must be a string or an array of parts", ErrValidation)
}

// MarshalJSON restores the compact form for logging and replay.
func (p Prompt) MarshalJSON() ([]byte, error) {
	if len(p.Parts) > 0 {
		return json.Marshal(p.Parts)
	}
	return json.Marshal(p.Text)
}

// TextSettings steer the text-generation stage.
type TextSettings struct {
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    int      `json:"max_tokens"`
	DisableTools bool     `json:"disable_tools"`
}

// TTSSettings steer the speech stage.
type TTSSettings struct {
	AutoExecute bool   `json:"tts_auto_execute"`
	Streaming   *bool  `json:"streaming"`
	Model       string `json:"model"`
	Voice       string `json:"voice"`
	Persist     bool   `json:"persist"`
}

// Enabled reports whether the speech orchestrator runs for this request:
// auto-execute must be on and streaming must not be explicitly false.
func (s TTSSettings) Enabled() bool {
	return s.AutoExecute && (s.Streaming == nil || *s.Streaming)
}

// AudioSettings describe inbound audio for the audio workflows.
type AudioSettings struct {
	Model      string `json:"model"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// RealtimeSettings steer the realtime workflow.
type RealtimeSettings struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// GeneralSettings carry cross-cutting request options.
type GeneralSettings struct {
	MemoryRecall bool           `json:"memory_recall"`
	Tag          string         `json:"tag"`
	Metadata     map[string]any `json:"metadata"`
}

// Settings is the per-request settings envelope. Unknown keys at this level
// and below are ignored by design.
type Settings struct {
	Text     TextSettings     `json:"text"`
	Audio    AudioSettings    `json:"audio"`
	TTS      TTSSettings      `json:"tts"`
	Image    map[string]any   `json:"image"`
	Video    map[string]any   `json:"video"`
	Realtime RealtimeSettings `json:"realtime"`
	General  GeneralSettings  `json:"general"`
}

// Request is a fully decoded chat request.
type Request struct {
	RequestType     Type     `json:"request_type"`
	Prompt          Prompt   `json:"prompt"`
	SessionID       string   `json:"session_id"`
	CustomerID      string   `json:"customer_id"`
	ClientMessageID string   `json:"client_message_id"`
	Settings        Settings `json:"settings"`
}

// Decode parses and validates a request payload. Unknown top-level keys are
// rejected; a missing request_type defaults to "text".
func Decode(data []byte) (*Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrValidation, err)
	}
	for k := range raw {
		if _, ok := topLevelFields[k]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownField, k)
		}
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.RequestType == "" {
		req.RequestType = TypeText
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks type-specific requirements.
func (r *Request) Validate() error {
	switch r.RequestType {
	case TypeText, TypeAudio, TypeAudioDirect, TypeTTS, TypeRealtime:
	default:
		return fmt.Errorf("%w: unknown request_type %q", ErrValidation, r.RequestType)
	}
	switch r.RequestType {
	case TypeText, TypeTTS:
		if strings.TrimSpace(r.Prompt.Text) == "" && len(r.Prompt.Parts) == 0 {
			return fmt.Errorf("%w: prompt must not be empty", ErrValidation)
		}
	}
	return nil
}

// ── Control messages ───────────────────────────────────────────────────────

// Control names a session steering message.
type Control string

const (
	ControlNone              Control = ""
	ControlCancel            Control = "cancel"
	ControlPing              Control = "ping"
	ControlPong              Control = "pong"
	ControlAudio             Control = "audio"
	ControlRecordingFinished Control = "recording_finished"
	ControlCloseSession      Control = "close_session"
	ControlToolResult        Control = "tool_result"
)

// controlWords maps squashed (lowercased, underscore-free) spellings to
// canonical controls, so "RecordingFinished" and "recording_finished" both
// parse.
var controlWords = map[string]Control{
	"cancel":            ControlCancel,
	"ping":              ControlPing,
	"pong":              ControlPong,
	"audio":             ControlAudio,
	"recordingfinished": ControlRecordingFinished,
	"closesession":      ControlCloseSession,
	"toolresult":        ControlToolResult,
}

// ToolResult is a client-submitted tool execution outcome, resuming a
// workflow that paused on requires_tool_action.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ClientMessage is one decoded inbound WebSocket frame: either a control
// (Control != ControlNone) or a new Request.
type ClientMessage struct {
	Control    Control
	Request    *Request
	Audio      []byte
	ToolResult *ToolResult
}

// ParseClientMessage decodes an inbound frame. Frames carrying a "type" key
// are controls; everything else is parsed as a new request.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: malformed JSON: %v", ErrValidation, err)
	}
	if probe.Type == "" {
		req, err := Decode(data)
		if err != nil {
			return ClientMessage{}, err
		}
		return ClientMessage{Request: req}, nil
	}

	squashed := strings.ReplaceAll(strings.ToLower(probe.Type), "_", "")
	ctl, ok := controlWords[squashed]
	if !ok {
		return ClientMessage{}, fmt.Errorf("%w: unknown message type %q", ErrValidation, probe.Type)
	}

	switch ctl {
	case ControlAudio:
		var frame struct {
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		raw, err := base64.StdEncoding.DecodeString(frame.Audio)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("%w: audio frame is not valid base64", ErrValidation)
		}
		return ClientMessage{Control: ctl, Audio: raw}, nil
	case ControlToolResult:
		var tr ToolResult
		if err := json.Unmarshal(data, &tr); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if tr.ToolCallID == "" {
			return ClientMessage{}, fmt.Errorf("%w: tool_result requires tool_call_id", ErrValidation)
		}
		return ClientMessage{Control: ctl, ToolResult: &tr}, nil
	}
	return ClientMessage{Control: ctl}, nil
}
