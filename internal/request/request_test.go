package request

import (
	"errors"
	"testing"
)

func TestDecodeDefaultsToText(t *testing.T) {
	req, err := Decode([]byte(`{"prompt": "hello"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.RequestType != TypeText {
		t.Errorf("RequestType = %q, want %q", req.RequestType, TypeText)
	}
	if req.Prompt.Text != "hello" {
		t.Errorf("Prompt.Text = %q, want %q", req.Prompt.Text, "hello")
	}
}

func TestDecodeRejectsUnknownTopLevelField(t *testing.T) {
	_, err := Decode([]byte(`{"prompt": "hi", "promt": "typo"}`))
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("err = %v, want ErrUnknownField", err)
	}
}

func TestDecodeIgnoresUnknownSettingsKeys(t *testing.T) {
	payload := `{
		"prompt": "hi",
		"settings": {
			"text": {"model": "fast", "future_knob": true},
			"haptic": {"rumble": 11}
		}
	}`
	req, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Settings.Text.Model != "fast" {
		t.Errorf("Settings.Text.Model = %q, want %q", req.Settings.Text.Model, "fast")
	}
}

func TestDecodeSettingsSections(t *testing.T) {
	payload := `{
		"request_type": "text",
		"prompt": "tell me a joke",
		"settings": {
			"text": {"model": "m1"},
			"tts": {"tts_auto_execute": true, "voice": "alloy"},
			"general": {"memory_recall": true, "tag": "demo"}
		}
	}`
	req, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Settings.Text.Model != "m1" {
		t.Errorf("Settings.Text.Model = %q, want %q", req.Settings.Text.Model, "m1")
	}
	if !req.Settings.TTS.Enabled() {
		t.Error("Settings.TTS.Enabled() = false, want true")
	}
	if req.Settings.TTS.Voice != "alloy" {
		t.Errorf("Settings.TTS.Voice = %q, want %q", req.Settings.TTS.Voice, "alloy")
	}
	if !req.Settings.General.MemoryRecall || req.Settings.General.Tag != "demo" {
		t.Errorf("Settings.General = %+v, want memory_recall and tag decoded", req.Settings.General)
	}
}

func TestDecodePromptParts(t *testing.T) {
	payload := `{
		"prompt": [
			{"type": "text", "text": "describe "},
			{"type": "image_url", "url": "https://example.com/cat.png"},
			{"type": "text", "text": "this image"}
		]
	}`
	req, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Prompt.Text != "describe this image" {
		t.Errorf("Prompt.Text = %q", req.Prompt.Text)
	}
	if len(req.Prompt.Parts) != 3 {
		t.Fatalf("len(Parts) = %d, want 3", len(req.Prompt.Parts))
	}
	if req.Prompt.Parts[1].URL != "https://example.com/cat.png" {
		t.Errorf("Parts[1].URL = %q", req.Prompt.Parts[1].URL)
	}
}

func TestDecodePromptWrongShape(t *testing.T) {
	_, err := Decode([]byte(`{"prompt": 42}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestValidateEmptyPrompt(t *testing.T) {
	for _, typ := range []string{"text", "tts"} {
		_, err := Decode([]byte(`{"request_type": "` + typ + `", "prompt": "  "}`))
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", typ, err)
		}
	}
	// Audio workflows carry their payload in frames, not the prompt.
	if _, err := Decode([]byte(`{"request_type": "audio"}`)); err != nil {
		t.Errorf("audio with empty prompt: %v", err)
	}
}

func TestValidateUnknownRequestType(t *testing.T) {
	_, err := Decode([]byte(`{"request_type": "telepathy", "prompt": "hi"}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestTTSSettingsEnabled(t *testing.T) {
	on, off := true, false
	cases := []struct {
		name string
		s    TTSSettings
		want bool
	}{
		{"off by default", TTSSettings{}, false},
		{"auto execute", TTSSettings{AutoExecute: true}, true},
		{"streaming nil", TTSSettings{AutoExecute: true, Streaming: nil}, true},
		{"streaming true", TTSSettings{AutoExecute: true, Streaming: &on}, true},
		{"streaming false", TTSSettings{AutoExecute: true, Streaming: &off}, false},
		{"streaming true without auto", TTSSettings{Streaming: &on}, false},
	}
	for _, tc := range cases {
		if got := tc.s.Enabled(); got != tc.want {
			t.Errorf("%s: Enabled() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseControlNormalization(t *testing.T) {
	cases := []struct {
		raw  string
		want Control
	}{
		{"cancel", ControlCancel},
		{"CANCEL", ControlCancel},
		{"ping", ControlPing},
		{"pong", ControlPong},
		{"recording_finished", ControlRecordingFinished},
		{"RecordingFinished", ControlRecordingFinished},
		{"close_session", ControlCloseSession},
		{"CloseSession", ControlCloseSession},
	}
	for _, tc := range cases {
		msg, err := ParseClientMessage([]byte(`{"type": "` + tc.raw + `"}`))
		if err != nil {
			t.Errorf("%q: %v", tc.raw, err)
			continue
		}
		if msg.Control != tc.want {
			t.Errorf("%q: Control = %q, want %q", tc.raw, msg.Control, tc.want)
		}
	}
}

func TestParseUnknownControl(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type": "teleport"}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestParseAudioFrame(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type": "audio", "audio": "AQID"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if msg.Control != ControlAudio {
		t.Fatalf("Control = %q, want audio", msg.Control)
	}
	if string(msg.Audio) != "\x01\x02\x03" {
		t.Errorf("Audio = %v, want [1 2 3]", msg.Audio)
	}
}

func TestParseAudioFrameBadBase64(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type": "audio", "audio": "not base64!!"}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestParseToolResult(t *testing.T) {
	payload := `{"type": "tool_result", "tool_call_id": "call_1", "name": "lookup", "content": "42", "is_error": false}`
	msg, err := ParseClientMessage([]byte(payload))
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if msg.Control != ControlToolResult || msg.ToolResult == nil {
		t.Fatalf("msg = %+v, want tool_result", msg)
	}
	if msg.ToolResult.ToolCallID != "call_1" || msg.ToolResult.Content != "42" {
		t.Errorf("ToolResult = %+v", msg.ToolResult)
	}
}

func TestParseToolResultRequiresCallID(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type": "tool_result", "content": "42"}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestParseRequestThroughClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"prompt": "hello", "session_id": "s1"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if msg.Control != ControlNone || msg.Request == nil {
		t.Fatalf("msg = %+v, want request", msg)
	}
	if msg.Request.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", msg.Request.SessionID)
	}
}
