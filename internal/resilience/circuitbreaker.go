// Package resilience guards calls to the remote agent with a circuit
// breaker, so a dead backend is reported immediately instead of after a full
// request timeout on every turn.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. A probe
	// failure re-opens the breaker; enough successes close it.
	StateHalfOpen
)

// String returns the lower-case name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects are returned to the caller but reset the failure streak, as
	// they prove the remote end is reachable. Default: every non-nil error
	// except context cancellation.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern. It is
// safe for concurrent use.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(string, State, State)
	now           func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields take
// their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Do runs fn if the breaker admits the call. A rejected call returns an error
// wrapping [ErrCircuitOpen] without invoking fn. A ctx that is already done
// is reported without touching the breaker's counters.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	transitioned := false
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		from, transitioned = cb.state, true
		cb.setStateLocked(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		remaining := cb.resetTimeout - cb.now().Sub(cb.openedAt)
		cb.mu.Unlock()
		return false, fmt.Errorf("%w: %s (retry in %s)", ErrCircuitOpen, cb.name, remaining.Round(time.Second))
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(transitioned, from, StateHalfOpen)
			return false, fmt.Errorf("%w: %s (probing)", ErrCircuitOpen, cb.name)
		}
		cb.probes++
		cb.mu.Unlock()
		cb.notify(transitioned, from, StateHalfOpen)
		return true, nil
	}
	cb.mu.Unlock()
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	failed := cb.isFailure(err)

	switch {
	case failed && probe:
		cb.failures = cb.maxFailures
		cb.setStateLocked(StateOpen)
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name, "err", err)

	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.setStateLocked(StateOpen)
			slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures, "err", err)
		}

	case probe:
		cb.probeWins++
		if cb.probeWins >= cb.halfOpenMax {
			cb.setStateLocked(StateClosed)
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}

	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from != to, from, to)
}

// setStateLocked switches state and resets the per-state counters. cb.mu must
// be held.
func (cb *CircuitBreaker) setStateLocked(s State) {
	cb.state = s
	cb.probes, cb.probeWins = 0, 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) notify(changed bool, from, to State) {
	if changed && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed. The retry affordance uses it so a user
// retry is never rejected by a breaker that tripped on earlier turns.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setStateLocked(StateClosed)
	cb.mu.Unlock()
	if from != StateClosed {
		slog.Info("circuit breaker manually reset", "name", cb.name)
	}
	cb.notify(from != StateClosed, from, StateClosed)
}
