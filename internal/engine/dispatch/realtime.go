package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/parlance-ai/parlance/internal/bus"
	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/observe"
	"github.com/parlance-ai/parlance/internal/request"
	"github.com/parlance-ai/parlance/pkg/event"
	"github.com/parlance-ai/parlance/pkg/provider/realtime"
)

// realtimeAudioFormat is the frame encoding bridged in both directions.
const realtimeAudioFormat = "pcm16"

// ─── realtime workflow ───────────────────────────────────────────────────────

// runRealtime bridges the client's audio queue to a speech-to-speech session:
// inbound frames go up, provider audio and transcripts come back down as bus
// events. The bridge runs until the provider closes the session, the context
// ends, or the inactivity watchdog fires. Realtime requests produce no
// text_completed/tts_completed terminals; both halves report not_requested.
func (d *Dispatcher) runRealtime(ctx context.Context, b *bus.Bus, c *completion, client Client, req *request.Request) {
	entry, err := d.models.ResolveOrDefault(config.KindRealtime, req.Settings.Realtime.Model)
	if err != nil {
		b.Send(event.Error("validation", err.Error()), bus.SendAll)
		return
	}
	prov, ok := d.providers.Realtime[entry.Provider]
	if !ok {
		b.Send(event.Error("realtime", "realtime provider "+entry.Provider+" not configured"), bus.SendAll)
		return
	}

	voice := req.Settings.Realtime.Voice
	if voice == "" {
		voice = entry.Voice
	}
	sess, err := prov.Connect(ctx, realtime.SessionConfig{
		Model:        entry.Model,
		Voice:        voice,
		Instructions: req.Settings.Realtime.Instructions,
		InputFormat:  realtimeAudioFormat,
		OutputFormat: realtimeAudioFormat,
	})
	if err != nil {
		d.metrics.RecordProviderError(ctx, entry.Provider, "realtime")
		b.Send(event.Error("realtime", err.Error()), bus.SendAll)
		return
	}
	defer sess.Close()

	d.bridge(ctx, b, client, sess, entry)
}

// bridge pumps the session until it ends. Any traffic in either direction
// resets the inactivity watchdog; a silent session is torn down rather than
// held open forever.
func (d *Dispatcher) bridge(ctx context.Context, b *bus.Bus, client Client, sess realtime.SessionHandle, entry config.ModelEntry) {
	var (
		frames    = client.AudioFrames()
		turnStart time.Time
	)
	watchdog := time.NewTimer(d.turnTimeout)
	defer watchdog.Stop()

	for {
		// Poll cancellation first so a cancelled session stops relaying
		// even when provider frames are already queued.
		if ctx.Err() != nil {
			return
		}
		select {
		case frame, open := <-frames:
			if !open {
				// Recording finished; keep relaying provider output.
				frames = nil
				continue
			}
			if err := sess.SendAudio(frame); err != nil {
				d.metrics.RecordProviderError(ctx, entry.Provider, "realtime")
				b.Send(event.Error("realtime", err.Error()), bus.SendAll)
				return
			}

		case frame, open := <-sess.Audio():
			if !open {
				d.sessionErr(ctx, b, sess, entry)
				return
			}
			b.Send(event.AudioChunk(frame), bus.SendAll)

		case ev, open := <-sess.Events():
			if !open {
				d.sessionErr(ctx, b, sess, entry)
				return
			}
			switch ev.Kind {
			case realtime.EventTurnStarted:
				turnStart = time.Now()
				b.Send(event.Custom(ev.Kind, ev.Payload), bus.SendAll)
			case realtime.EventTurnCompleted:
				if !turnStart.IsZero() {
					d.metrics.RealtimeDuration.Record(ctx, time.Since(turnStart).Seconds(),
						metric.WithAttributes(observe.Attr("provider", entry.Provider)))
					turnStart = time.Time{}
				}
				b.Send(event.Custom(ev.Kind, ev.Payload), bus.SendAll)
			case realtime.EventInputTranscript:
				b.Send(transcriptEvent(ev, "input"), bus.SendAll)
			case realtime.EventOutputTranscript:
				b.Send(transcriptEvent(ev, "output"), bus.SendAll)
			case realtime.EventSessionClosed:
				d.sessionErr(ctx, b, sess, entry)
				return
			default:
				b.Send(event.Custom(ev.Kind, ev.Payload), bus.SendAll)
			}

		case <-watchdog.C:
			b.Send(event.Error("realtime", "session inactive, closing"), bus.SendAll)
			return

		case <-ctx.Done():
			return
		}
		watchdog.Reset(d.turnTimeout)
	}
}

// sessionErr reports the session's terminal error, if any.
func (d *Dispatcher) sessionErr(ctx context.Context, b *bus.Bus, sess realtime.SessionHandle, entry config.ModelEntry) {
	err := sess.Err()
	if err == nil || isCtxErr(err) {
		d.metrics.RecordProviderRequest(ctx, entry.Provider, "realtime", "ok")
		return
	}
	d.metrics.RecordProviderError(ctx, entry.Provider, "realtime")
	b.Send(event.Error("realtime", err.Error()), bus.SendAll)
}

// transcriptEvent maps a provider transcript onto the transcription events,
// tagged with which side of the conversation it captures.
func transcriptEvent(ev realtime.SessionEvent, source string) event.Event {
	if ev.Final {
		return event.TranscriptionComplete(ev.Text).With("source", source)
	}
	return event.Transcription(ev.Text).With("source", source)
}
