// Package resilience protects provider calls with circuit breakers.
//
// A [Breaker] is a classic three-state breaker (closed → open → half-open)
// that fails fast once a provider instance keeps erroring, so the
// dispatcher's model fallback chain moves on without waiting out another
// timeout. The Guard* constructors wrap the provider interfaces so every
// call entry point (stream start, completion, session open) is covered.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the call while the breaker is open.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probes through; their outcome
	// decides between closing and re-opening.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults above.
type BreakerConfig struct {
	// Name labels the breaker in logs, typically the provider instance name.
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state.
	HalfOpenMax int

	// Logger receives state transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	lastFail time.Time
	probes   int
	probeOK  int
}

// NewBreaker builds a closed breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          log,
	}
}

// Do runs fn unless the breaker is open. A caller-side cancellation
// (context.Canceled) passes through without counting against the provider;
// deadline misses do count, since a hung provider is exactly what the
// breaker is for.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFail) < b.resetTimeout {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeOK = 0
		b.log.Info("resilience: breaker half-open", "name", b.name)
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.onSuccess(probing)
	case errors.Is(err, context.Canceled):
		// Not the provider's failure.
	default:
		b.onFailure(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFail = time.Now()
	if probing {
		b.state = StateOpen
		b.failures = b.maxFailures
		b.log.Warn("resilience: breaker re-opened", "name", b.name)
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.state = StateOpen
		b.log.Warn("resilience: breaker opened",
			"name", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if !probing {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.probeOK++
	if b.probeOK >= b.halfOpenMax {
		b.state = StateClosed
		b.failures = 0
		b.probes = 0
		b.probeOK = 0
		b.log.Info("resilience: breaker closed", "name", b.name)
	}
}

// State reports the effective state: an open breaker whose reset timeout has
// passed reads as half-open even before the next Do performs the transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFail) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.probeOK = 0
}
