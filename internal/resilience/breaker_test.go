package resilience_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parlance-ai/parlance/internal/resilience"
)

var errBoom = errors.New("provider exploded")

// openBreaker returns a breaker driven into the open state.
func openBreaker(t *testing.T, cfg resilience.BreakerConfig) *resilience.Breaker {
	t.Helper()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 1
	}
	b := resilience.NewBreaker(cfg)
	for range cfg.MaxFailures {
		_ = b.Do(func() error { return errBoom })
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("state after %d failures = %s, want open", cfg.MaxFailures, b.State())
	}
	return b
}

// ─── state machine ───────────────────────────────────────────────────────────

// TestBreaker_ClosedPassesThrough verifies a fresh breaker forwards calls and
// returns their errors unchanged.
func TestBreaker_ClosedPassesThrough(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "fresh"})

	if got := b.State(); got != resilience.StateClosed {
		t.Fatalf("initial state = %s, want closed", got)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do(success) = %v", err)
	}
	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("Do(failure) = %v, want errBoom", err)
	}
	if got := b.State(); got != resilience.StateClosed {
		t.Fatalf("state after one failure = %s, want closed", got)
	}
}

// TestBreaker_OpensAfterConsecutiveFailures verifies the failure threshold and
// that an open breaker rejects without invoking the call.
func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:         "flaky",
		MaxFailures:  3,
		ResetTimeout: time.Hour, // keep it open for the whole test
	})

	for i := range 3 {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d = %v", i+1, err)
		}
	}
	if got := b.State(); got != resilience.StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	var called bool
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("Do while open = %v, want ErrOpen", err)
	}
	if called {
		t.Error("call was invoked while the breaker was open")
	}
	if !strings.Contains(err.Error(), "flaky") {
		t.Errorf("error %q does not name the breaker", err)
	}
}

// TestBreaker_SuccessResetsFailureCount verifies the threshold counts
// consecutive failures only.
func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:         "wobbly",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("success = %v", err)
	}
	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })

	if got := b.State(); got != resilience.StateClosed {
		t.Fatalf("state = %s, want closed (failures were not consecutive)", got)
	}
}

// TestBreaker_CancellationNotCounted verifies a caller-cancelled call does not
// move the breaker toward open, while a deadline miss does.
func TestBreaker_CancellationNotCounted(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:         "cancelled",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})

	err := b.Do(func() error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want context.Canceled", err)
	}
	if got := b.State(); got != resilience.StateClosed {
		t.Fatalf("state after cancellation = %s, want closed", got)
	}

	err = b.Do(func() error {
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do = %v, want context.DeadlineExceeded", err)
	}
	if got := b.State(); got != resilience.StateOpen {
		t.Fatalf("state after deadline miss = %s, want open", got)
	}
}

// ─── half-open ───────────────────────────────────────────────────────────────

// TestBreaker_HalfOpenAfterResetTimeout verifies State reports half-open once
// the reset timeout elapses, before any probe runs.
func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	t.Parallel()
	b := openBreaker(t, resilience.BreakerConfig{
		Name:         "resting",
		ResetTimeout: 10 * time.Millisecond,
	})

	time.Sleep(25 * time.Millisecond)
	if got := b.State(); got != resilience.StateHalfOpen {
		t.Fatalf("state after reset timeout = %s, want half-open", got)
	}
}

// TestBreaker_ProbeFailureReopens verifies a single failed probe slams the
// breaker shut again for another full reset timeout.
func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b := openBreaker(t, resilience.BreakerConfig{
		Name:         "reopening",
		ResetTimeout: 100 * time.Millisecond,
		HalfOpenMax:  3,
	})

	time.Sleep(150 * time.Millisecond)

	var called bool
	if err := b.Do(func() error { called = true; return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe = %v, want errBoom", err)
	}
	if !called {
		t.Fatal("probe was not admitted")
	}
	if got := b.State(); got != resilience.StateOpen {
		t.Fatalf("state after failed probe = %s, want open", got)
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("Do right after re-open = %v, want ErrOpen", err)
	}
}

// TestBreaker_ProbeSuccessesClose verifies the breaker closes after HalfOpenMax
// successful probes and then forwards normally.
func TestBreaker_ProbeSuccessesClose(t *testing.T) {
	t.Parallel()
	b := openBreaker(t, resilience.BreakerConfig{
		Name:         "recovering",
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	time.Sleep(25 * time.Millisecond)

	for i := range 2 {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d = %v", i+1, err)
		}
	}
	if got := b.State(); got != resilience.StateClosed {
		t.Fatalf("state after successful probes = %s, want closed", got)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do after close = %v", err)
	}
}

// TestBreaker_ProbeBudget verifies that while probes are in flight, calls
// beyond HalfOpenMax are rejected instead of piling onto a shaky provider.
func TestBreaker_ProbeBudget(t *testing.T) {
	t.Parallel()
	b := openBreaker(t, resilience.BreakerConfig{
		Name:         "budgeted",
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
	})

	time.Sleep(25 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	probeErr := make(chan error, 1)
	go func() {
		probeErr <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	var called atomic.Bool
	if err := b.Do(func() error { called.Store(true); return nil }); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("second call during probe = %v, want ErrOpen", err)
	}
	if called.Load() {
		t.Error("call beyond the probe budget was invoked")
	}

	close(release)
	if err := <-probeErr; err != nil {
		t.Fatalf("probe = %v", err)
	}
	if got := b.State(); got != resilience.StateClosed {
		t.Fatalf("state after probe success = %s, want closed", got)
	}
}

// ─── reset ───────────────────────────────────────────────────────────────────

// TestBreaker_Reset verifies Reset forces the breaker closed immediately.
func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := openBreaker(t, resilience.BreakerConfig{
		Name:         "manual",
		ResetTimeout: time.Hour,
	})

	b.Reset()
	if got := b.State(); got != resilience.StateClosed {
		t.Fatalf("state after Reset = %s, want closed", got)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do after Reset = %v", err)
	}
}
