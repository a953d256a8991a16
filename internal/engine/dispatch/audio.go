package dispatch

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/parlance-ai/parlance/internal/bus"
	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/observe"
	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/pkg/event"
	"github.com/parlance-ai/parlance/pkg/provider/stt"
)

const (
	defaultSampleRate = 16000
	defaultChannels   = 1
	defaultEncoding   = "linear16"

	// defaultDirectAudioFormat is assumed for audio_direct uploads when the
	// client does not name an encoding.
	defaultDirectAudioFormat = "wav"
)

// ─── audio workflow ──────────────────────────────────────────────────────────

// runAudio streams the client's audio queue through speech-to-text, emits
// interim transcription events, then feeds the final transcript into the text
// workflow. The transcript becomes the user prompt for generation and
// persistence.
func (d *Dispatcher) runAudio(ctx context.Context, b *bus.Bus, c *completion, client Client, req *request.Request) {
	entry, err := d.models.ResolveOrDefault(config.KindSTT, req.Settings.Audio.Model)
	if err != nil {
		b.Send(event.Error("validation", err.Error()), bus.SendAll)
		return
	}
	prov, ok := d.providers.STT[entry.Provider]
	if !ok {
		b.Send(event.Error("stt", "stt provider "+entry.Provider+" not configured"), bus.SendAll)
		return
	}

	started := time.Now()
	transcript, ok := d.transcribe(ctx, b, prov, entry, client, req)
	d.metrics.STTDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(observe.Attr("provider", entry.Provider)))
	if !ok {
		return
	}

	b.Send(event.TranscriptionComplete(transcript), bus.SendAll)
	if transcript == "" {
		b.Send(event.Error("stt", "no speech recognized"), bus.SendAll)
		return
	}

	d.runText(ctx, b, c, client, req, textInput{prompt: request.Prompt{Text: transcript}})
}

// transcribe drives one STT stream over the audio queue: forward frames until
// the queue closes, surface partial transcripts as they arrive, and collect
// finals until the provider flushes. ok is false when the stream failed or
// the context ended; failures have already been reported.
func (d *Dispatcher) transcribe(ctx context.Context, b *bus.Bus, prov stt.Provider, entry config.ModelEntry, client Client, req *request.Request) (string, bool) {
	cfg := streamConfig(entry, req.Settings.Audio)

	handle, err := prov.StartStream(ctx, cfg)
	if err != nil {
		d.metrics.RecordProviderError(ctx, entry.Provider, "stt")
		b.Send(event.Error("stt", err.Error()), bus.SendAll)
		return "", false
	}
	defer handle.Close()

	var (
		frames   = client.AudioFrames()
		partials = handle.Partials()
		finals   = handle.Finals()
		parts    []string
	)
	for frames != nil || partials != nil || finals != nil {
		select {
		case frame, open := <-frames:
			if !open {
				frames = nil
				if err := handle.Finalize(); err != nil {
					d.log.Warn("dispatch: stt finalize failed", "provider", entry.Provider, "err", err)
				}
				continue
			}
			if err := handle.SendAudio(frame); err != nil {
				d.metrics.RecordProviderError(ctx, entry.Provider, "stt")
				b.Send(event.Error("stt", err.Error()), bus.SendAll)
				return "", false
			}
		case t, open := <-partials:
			if !open {
				partials = nil
				continue
			}
			b.Send(event.Transcription(t.Text), bus.SendFrontendOnly)
		case t, open := <-finals:
			if !open {
				finals = nil
				continue
			}
			if t.Text != "" {
				parts = append(parts, t.Text)
			}
		case <-ctx.Done():
			return "", false
		}
	}

	d.metrics.RecordProviderRequest(ctx, entry.Provider, "stt", "ok")
	return strings.TrimSpace(strings.Join(parts, " ")), true
}

// streamConfig merges request audio settings over transport defaults.
func streamConfig(entry config.ModelEntry, s request.AudioSettings) stt.StreamConfig {
	cfg := stt.StreamConfig{
		SampleRate: defaultSampleRate,
		Channels:   defaultChannels,
		Encoding:   defaultEncoding,
		Language:   s.Language,
		Model:      entry.Model,
	}
	if s.SampleRate > 0 {
		cfg.SampleRate = s.SampleRate
	}
	if s.Channels > 0 {
		cfg.Channels = s.Channels
	}
	if s.Encoding != "" {
		cfg.Encoding = s.Encoding
	}
	return cfg
}

// ─── audio_direct workflow ───────────────────────────────────────────────────

// runAudioDirect buffers the whole audio queue and hands it to an
// audio-capable text model as raw input, skipping transcription entirely.
func (d *Dispatcher) runAudioDirect(ctx context.Context, b *bus.Bus, c *completion, client Client, req *request.Request) {
	entry, err := d.models.ResolveOrDefault(config.KindText, req.Settings.Text.Model)
	if err != nil {
		b.Send(event.Error("validation", err.Error()), bus.SendAll)
		return
	}
	prov, ok := d.providers.Text[entry.Provider]
	if !ok {
		b.Send(event.Error("validation", "text provider "+entry.Provider+" not configured"), bus.SendAll)
		return
	}
	if !prov.Capabilities(entry.Model).SupportsAudioInput {
		b.Send(event.Error("validation", "model "+entry.Alias+" does not accept audio input"), bus.SendAll)
		return
	}

	audio, ok := bufferAudio(ctx, client.AudioFrames())
	if !ok {
		return
	}
	if len(audio) == 0 {
		b.Send(event.Error("validation", "no audio received"), bus.SendAll)
		return
	}

	format := req.Settings.Audio.Encoding
	if format == "" {
		format = defaultDirectAudioFormat
	}
	d.runText(ctx, b, c, client, req, textInput{
		prompt:      req.Prompt,
		audio:       audio,
		audioFormat: format,
	})
}

// bufferAudio concatenates queued frames until the client finishes the
// recording. ok is false when the context ended first.
func bufferAudio(ctx context.Context, frames <-chan []byte) ([]byte, bool) {
	var buf []byte
	for {
		select {
		case frame, open := <-frames:
			if !open {
				return buf, true
			}
			buf = append(buf, frame...)
		case <-ctx.Done():
			return nil, false
		}
	}
}
