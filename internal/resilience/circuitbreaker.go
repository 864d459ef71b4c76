// Package resilience guards provider calls with a circuit breaker.
//
// [Breaker] is a three-state breaker (closed, open, half-open). Only upstream
// failures count against it: invalid input, unknown voices and caller
// cancellation say nothing about the vendor's health. While open, calls fail
// fast with an Upstream fault instead of waiting on a vendor that is down.
//
// A call is attempted at most once. Nothing in this package retries.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/pkg/fault"
)

// ErrCircuitOpen is the cause of the fault returned while a breaker rejects
// calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels log lines and metrics (e.g. "dialogue", "speech").
	Name string

	// MaxFailures is the number of consecutive upstream failures that opens
	// the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probesInFlight  int
	probeSuccesses  int
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn once if the breaker admits the call and returns fn's error
// unchanged. A rejected call returns an Upstream fault with status 503 whose
// cause is [ErrCircuitOpen].
func (b *Breaker) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	probe, err := b.admit(op)
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (b *Breaker) admit(op string) (bool, error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, b.rejection(op)
		}
		b.state = StateHalfOpen
		b.probesInFlight = 0
		b.probeSuccesses = 0
	case StateHalfOpen:
		if b.probesInFlight >= b.halfOpenMax {
			b.mu.Unlock()
			return false, b.rejection(op)
		}
	}
	probe := b.state == StateHalfOpen
	if probe {
		b.probesInFlight++
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return probe, nil
}

func (b *Breaker) rejection(op string) error {
	return &fault.Error{
		Kind:    fault.KindUpstream,
		Op:      op,
		Status:  http.StatusServiceUnavailable,
		Message: b.name + " provider is temporarily unavailable",
		Cause:   ErrCircuitOpen,
	}
}

// record updates the breaker with the outcome of an admitted call.
func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	counts := countsAsFailure(err)

	switch {
	case probe && counts:
		b.probesInFlight--
		b.trip()
	case probe:
		b.probesInFlight--
		if err == nil {
			b.probeSuccesses++
			if b.probeSuccesses >= b.halfOpenMax {
				b.state = StateClosed
				b.consecutiveFail = 0
			}
		}
	case counts:
		b.consecutiveFail++
		if b.state == StateClosed && b.consecutiveFail >= b.maxFailures {
			b.trip()
		}
	case err == nil:
		b.consecutiveFail = 0
	}
	to := b.state
	failures := b.consecutiveFail
	b.mu.Unlock()

	if from != to {
		switch to {
		case StateOpen:
			slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", failures)
		case StateClosed:
			slog.Info("circuit breaker closed after successful probe", "name", b.name)
		}
	}
	b.notify(from, to)
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFail = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
	b.mu.Unlock()
	slog.Info("circuit breaker manually reset", "name", b.name)
	b.notify(from, StateClosed)
}

// countsAsFailure reports whether err reflects on the vendor's health.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return fault.KindOf(err) == fault.KindUpstream
}
