// Package speech runs the text-to-speech half of a chat workflow.
//
// An Orchestrator consumes the text-delta channel teed off the streaming bus
// and turns it into the speech event lifecycle: tts_started, one audio_chunk
// per provider frame, tts_generation_completed with synthesis counters, and
// tts_completed as the terminal — always, even after a provider failure. The
// dispatcher runs Run concurrently with the text stage and treats its return
// as the speech half of the dual completion contract.
//
// Providers that accept incremental input ([tts.StreamSynthesizer] with
// SupportsInputStream) are fed fragment by fragment as the model produces
// them; everything else falls back to buffering the full response before a
// single SynthesizeBuffered call. Either way the orchestrator drains the text
// channel to EOS on every exit path, because the bus tee blocks the event
// producer until the channel is consumed.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/parlance-ai/parlance/internal/bus"
	"github.com/parlance-ai/parlance/internal/observe"
	"github.com/parlance-ai/parlance/pkg/blob"
	"github.com/parlance-ai/parlance/pkg/event"
	"github.com/parlance-ai/parlance/pkg/provider/tts"
)

const (
	// defaultOpenTimeout bounds how long the provider may take to accept a
	// synthesis request before the run is abandoned.
	defaultOpenTimeout = 10 * time.Second

	// defaultGapTimeout bounds the silence between consecutive audio frames
	// once synthesis is underway.
	defaultGapTimeout = 30 * time.Second

	// uploadTimeout bounds the blob store write when persistence is enabled.
	uploadTimeout = 60 * time.Second

	// relayBuf is the buffer depth of the channel between the fragment
	// counter and the provider in the duplex path.
	relayBuf = 16
)

// Orchestrator drives one synthesis run against a single TTS provider and
// publishes the resulting lifecycle on the streaming bus.
//
// An Orchestrator is built per request; it is not reused across runs.
type Orchestrator struct {
	bus      *bus.Bus
	provider tts.Provider
	voice    tts.Voice

	store     blob.Store // nil = persistence disabled
	sessionID string

	openTimeout time.Duration
	gapTimeout  time.Duration

	log     *slog.Logger
	metrics *observe.Metrics
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPersistence enables audio persistence: after a clean run the
// concatenated frames are written to store under tts/<session>/<uuid>.<ext>
// and a tts_file_uploaded event reports the durable URL.
func WithPersistence(store blob.Store, sessionID string) Option {
	return func(o *Orchestrator) {
		o.store = store
		o.sessionID = sessionID
	}
}

// WithOpenTimeout overrides the provider open timeout. Default 10s.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.openTimeout = d }
}

// WithGapTimeout overrides the per-frame receive gap timeout. Default 30s.
func WithGapTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.gapTimeout = d }
}

// New constructs an Orchestrator publishing on b and synthesizing with
// provider and voice. Options are applied after defaults.
func New(b *bus.Bus, provider tts.Provider, voice tts.Voice, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:         b,
		provider:    provider,
		voice:       voice,
		openTimeout: defaultOpenTimeout,
		gapTimeout:  defaultGapTimeout,
		log:         slog.Default(),
		metrics:     observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// result carries the outcome of one synthesis pass back to Run.
type result struct {
	frames     [][]byte // retained only when persistence is enabled
	chunks     int
	characters int
	err        error
}

// Run consumes text until EOS and emits the speech lifecycle on the bus.
//
// Run never returns an error: provider failures surface as a tts_error
// custom event followed by the terminal tts_completed, so the dispatcher's
// completion accounting holds no matter what the provider does. Run returns
// once the terminal (and the optional tts_file_uploaded) has been published.
func (o *Orchestrator) Run(ctx context.Context, text <-chan string) {
	started := time.Now()

	res := o.synthesize(ctx, text)

	status := "ok"
	switch {
	case res.err == nil:
		o.bus.Send(event.TTSGenerationCompleted(res.chunks, res.characters), bus.SendAll)
	case errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded):
		// The runtime and dispatcher report cancellation themselves; the
		// speech half just closes out.
		status = "cancelled"
		o.log.Debug("speech: synthesis cancelled",
			"provider", o.provider.Name(), "err", res.err)
	default:
		status = "error"
		o.log.Warn("speech: synthesis failed",
			"provider", o.provider.Name(), "err", res.err)
		o.metrics.RecordProviderError(ctx, o.provider.Name(), "tts")
		o.bus.Send(event.Custom("tts_error", map[string]any{
			"message": res.err.Error(),
		}).WithStage("tts"), bus.SendAll)
	}

	o.bus.Send(event.TTSCompleted(), bus.SendAll)

	o.metrics.RecordProviderRequest(ctx, o.provider.Name(), "tts", status)
	o.metrics.TTSDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(observe.Attr("provider", o.provider.Name())))

	o.log.Debug("speech: run finished",
		"provider", o.provider.Name(),
		"audio_chunks", res.chunks,
		"characters", res.characters,
		"duration", time.Since(started))

	// Persistence happens after the terminal so playback is never delayed by
	// the upload. The dispatcher waits for Run to return before signalling
	// completion, which keeps tts_file_uploaded inside the event stream.
	if o.store != nil && res.err == nil && res.chunks > 0 {
		o.upload(ctx, res.frames)
	}
}

// synthesize picks the duplex or buffered path based on provider capability.
func (o *Orchestrator) synthesize(ctx context.Context, text <-chan string) result {
	if sp, ok := o.provider.(tts.StreamSynthesizer); ok && o.provider.Capabilities().SupportsInputStream {
		return o.runDuplex(ctx, sp, text)
	}
	return o.runBuffered(ctx, text)
}

// opened carries a provider stream pair out of the open race.
type opened struct {
	audio <-chan []byte
	errs  <-chan error
	err   error
}

// runDuplex feeds text fragments to the provider as they arrive and forwards
// audio frames as they come back, with the send and receive halves running
// under one errgroup.
func (o *Orchestrator) runDuplex(ctx context.Context, sp tts.StreamSynthesizer, text <-chan string) result {
	// The provider gets its own cancel so a receive failure tears the stream
	// down without waiting for the request context.
	provCtx, provCancel := context.WithCancel(ctx)
	defer provCancel()

	// relay sits between the bus tee and the provider so fragments can be
	// counted on the way through.
	relay := make(chan string, relayBuf)

	op, err := o.open(ctx, text, func() opened {
		audio, errs, err := sp.SynthesizeStream(provCtx, relay, o.voice)
		return opened{audio: audio, errs: errs, err: err}
	}, func() { close(relay) })
	if err != nil {
		return result{err: err}
	}
	if op.err != nil {
		close(relay)
		drain(text)
		return result{err: fmt.Errorf("speech: %s: %w", o.provider.Name(), op.err)}
	}

	o.bus.Send(event.TTSStarted(o.voice.ID), bus.SendAll)

	res := result{}
	g, gctx := errgroup.WithContext(ctx)

	// Send half: forward fragments to the provider, counting characters.
	// The text channel is drained unconditionally so the bus tee can never
	// wedge the event producer, even when this half exits early.
	g.Go(func() error {
		defer drain(text)
		defer close(relay)
		for {
			select {
			case s, open := <-text:
				if !open {
					return nil
				}
				res.characters += utf8.RuneCountInString(s)
				select {
				case relay <- s:
				case <-gctx.Done():
					return gctx.Err()
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	// Receive half: pull audio frames until the provider closes the channel,
	// failing the group if the gap between frames exceeds the timeout.
	g.Go(func() error {
		return o.receive(gctx, op, &res)
	})

	if err := g.Wait(); err != nil {
		provCancel()
		reap(op)
		return result{err: err}
	}
	return res
}

// runBuffered drains the full text to EOS, then synthesizes it in one call.
func (o *Orchestrator) runBuffered(ctx context.Context, text <-chan string) result {
	var sb strings.Builder
	for s := range text {
		sb.WriteString(s)
	}
	full := sb.String()

	// Nothing to say: report an empty run without calling the provider.
	if strings.TrimSpace(full) == "" {
		o.bus.Send(event.TTSStarted(o.voice.ID), bus.SendAll)
		return result{}
	}

	res := result{characters: utf8.RuneCountInString(full)}

	op, err := o.open(ctx, nil, func() opened {
		audio, errs, err := o.provider.SynthesizeBuffered(ctx, full, o.voice)
		return opened{audio: audio, errs: errs, err: err}
	}, nil)
	if err != nil {
		return result{err: err}
	}
	if op.err != nil {
		return result{err: fmt.Errorf("speech: %s: %w", o.provider.Name(), op.err)}
	}

	o.bus.Send(event.TTSStarted(o.voice.ID), bus.SendAll)

	if err := o.receive(ctx, op, &res); err != nil {
		reap(op)
		return result{err: err}
	}
	return res
}

// open races the provider's synthesis call against the open timeout. When the
// timeout or the context wins, a reaper goroutine adopts the late stream (and
// the unread text channel, if any) so nothing is left blocked.
func (o *Orchestrator) open(ctx context.Context, text <-chan string, call func() opened, abort func()) (opened, error) {
	openCh := make(chan opened, 1)
	go func() { openCh <- call() }()

	abandon := func() {
		if abort != nil {
			abort()
		}
		go func() {
			if late := <-openCh; late.err == nil {
				reap(late)
			}
			if text != nil {
				drain(text)
			}
		}()
	}

	select {
	case op := <-openCh:
		return op, nil
	case <-time.After(o.openTimeout):
		abandon()
		return opened{}, fmt.Errorf("speech: %s: open timed out after %s", o.provider.Name(), o.openTimeout)
	case <-ctx.Done():
		abandon()
		return opened{}, ctx.Err()
	}
}

// receive forwards audio frames to the bus until the provider closes its
// channel, then collects the trailing error. A gap longer than gapTimeout
// between frames fails the run.
func (o *Orchestrator) receive(ctx context.Context, op opened, res *result) error {
	for {
		// Poll cancellation first: select picks ready cases at random, and a
		// cancelled run must not relay frames the provider already buffered.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case frame, open := <-op.audio:
			if !open {
				if err := <-op.errs; err != nil {
					return fmt.Errorf("speech: %s: %w", o.provider.Name(), err)
				}
				return nil
			}
			res.chunks++
			if o.store != nil {
				res.frames = append(res.frames, frame)
			}
			o.bus.Send(event.AudioChunk(frame), bus.SendAll)
		case <-time.After(o.gapTimeout):
			return fmt.Errorf("speech: %s: no audio frame for %s", o.provider.Name(), o.gapTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// upload concatenates the retained frames and writes them to the blob store,
// publishing tts_file_uploaded with the durable URL. Upload failures are
// logged and swallowed; the synthesis itself already completed.
func (o *Orchestrator) upload(ctx context.Context, frames [][]byte) {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	data := make([]byte, 0, total)
	for _, f := range frames {
		data = append(data, f...)
	}

	ext, contentType := audioFormat(o.provider.Capabilities().AudioFormat)
	key := fmt.Sprintf("tts/%s/%s.%s", o.sessionID, uuid.NewString(), ext)

	putCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	url, err := o.store.Put(putCtx, key, data, contentType)
	if err != nil {
		o.log.Warn("speech: audio persistence failed",
			"key", key, "bytes", total, "err", err)
		return
	}

	o.bus.Send(event.TTSFileUploaded(url), bus.SendAll)
	o.log.Debug("speech: audio persisted", "key", key, "bytes", total, "url", url)
}

// audioFormat maps a provider frame encoding to a file extension and MIME
// content type for persistence.
func audioFormat(format string) (ext, contentType string) {
	switch format {
	case "pcm16":
		return "pcm", "audio/pcm"
	case "mp3":
		return "mp3", "audio/mpeg"
	case "ulaw":
		return "ulaw", "audio/basic"
	default:
		return "bin", "application/octet-stream"
	}
}

// drain consumes a channel to EOS. The bus tee blocks its producer while a
// registered TTS channel is unread, so every exit path must call this.
func drain(text <-chan string) {
	for range text {
	}
}

// reap consumes a provider stream pair to completion in the background so an
// abandoned provider goroutine can wind down.
func reap(op opened) {
	go func() {
		for range op.audio {
		}
		for range op.errs {
		}
	}()
}
