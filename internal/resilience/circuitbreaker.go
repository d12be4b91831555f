// Package resilience guards the live transport handshake.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) that
// stops a session from hammering an endpoint that keeps refusing the
// handshake. [FallbackGroup] chains several endpoints behind per-entry
// breakers, and [LiveFallback] exposes such a group as a [live.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and metrics.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed in the half-open
	// state to close the breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs
	// without the breaker lock held.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
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
	halfOpenCalls   int
	halfOpenOK      int
}

// transition is a state change collected under the lock and reported after
// it is released.
type transition struct {
	from, to State
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Name returns the label the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, t, err := cb.admit()
	cb.notify(t)
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	if err != nil {
		t = cb.recordFailure(probe)
	} else {
		t = cb.recordSuccess(probe)
	}
	cb.mu.Unlock()
	cb.notify(t)
	return err
}

// admit decides whether a call may proceed and whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, t *transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, nil, ErrCircuitOpen
		}
		t = cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenCalls >= cb.halfOpenMax {
			return false, t, ErrCircuitOpen
		}
		cb.halfOpenCalls++
		return true, t, nil
	}
	return false, t, nil
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) *transition {
	if probe {
		if cb.state != StateHalfOpen {
			return nil
		}
		return cb.setState(StateOpen)
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		return cb.setState(StateOpen)
	}
	return nil
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) *transition {
	if !probe {
		cb.consecutiveFail = 0
		return nil
	}
	if cb.state != StateHalfOpen {
		return nil
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMax {
		return cb.setState(StateClosed)
	}
	return nil
}

// setState moves the breaker to s and resets the counters of the new state.
// It must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) *transition {
	from := cb.state
	if from == s {
		return nil
	}
	cb.state = s
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened",
			"name", cb.name, "from", from.String(), "consecutive_failures", cb.consecutiveFail)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open", "name", cb.name)
	case StateClosed:
		cb.consecutiveFail = 0
		slog.Info("circuit breaker closed", "name", cb.name, "from", from.String())
	}
	return &transition{from: from, to: s}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t != nil && cb.onStateChange != nil {
		cb.onStateChange(cb.name, t.from, t.to)
	}
}

// State returns the current [State] of the breaker. An open breaker whose
// reset timeout has elapsed reports [StateHalfOpen]; the transition itself
// happens on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setState(StateClosed)
	cb.consecutiveFail = 0
	cb.mu.Unlock()
	cb.notify(t)
}
