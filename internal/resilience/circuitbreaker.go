// Package resilience keeps calls alive while a provider misbehaves.
//
// A [CircuitBreaker] stops sending work to a backend after repeated failures
// and lets a single probe through once its reset timeout has passed. [Retry]
// re-runs transient failures with jittered backoff. [FallbackGroup] moves a
// stage to the next configured provider when the current one fails; the
// [LLMFallback], [STTFallback] and [TTSFallback] wrappers make a group usable
// wherever a single provider is expected.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] without running the
// call while the breaker is open, or while a half-open probe is in flight.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed.
	StateOpen

	// StateHalfOpen lets one probe call through at a time. HalfOpenMax
	// successful probes close the breaker; a failed probe opens it again.
	StateHalfOpen
)

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, metrics and health output.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes that closes a half-open
	// breaker. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every state change. It runs
	// outside the breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Used by tests.
	Now func() time.Time
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CircuitBreaker guards calls to one provider.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int       // consecutive failures while closed
	openedAt  time.Time // when the breaker last opened
	probing   bool      // a half-open probe is in flight
	successes int       // successful probes since entering half-open
}

// transition is a state change waiting to be reported.
type transition struct {
	from, to State
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker rejects it with [ErrCircuitOpen]. The
// error returned by fn decides the outcome and is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn()
	cb.release(probe, err)
	return err
}

func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	var changes []transition
	defer func() { cb.notify(changes) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		changes = append(changes, cb.setState(StateHalfOpen))
		cb.successes = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) release(probe bool, err error) {
	var changes []transition
	defer func() { cb.notify(changes) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
		if err != nil {
			changes = append(changes, cb.trip())
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			changes = append(changes, cb.setState(StateClosed))
		}
		return
	}

	// A call admitted while closed may finish after another call tripped
	// the breaker. Its result no longer matters.
	if cb.state != StateClosed {
		return
	}
	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures {
		changes = append(changes, cb.trip())
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() transition {
	cb.openedAt = cb.cfg.Now()
	cb.failures = 0
	return cb.setState(StateOpen)
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) transition {
	from := cb.state
	cb.state = to
	return transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	for _, c := range changes {
		if c.from == c.to {
			continue
		}
		if c.to == StateOpen {
			slog.Warn("circuit breaker opened", "breaker", cb.cfg.Name, "from", c.from.String())
		} else {
			slog.Info("circuit breaker state changed", "breaker", cb.cfg.Name, "from", c.from.String(), "to", c.to.String())
		}
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.cfg.Name, c.from, c.to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the change itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// RetryAfter returns how long an open breaker keeps rejecting calls. It is
// zero in every other state.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	return max(0, cb.cfg.ResetTimeout-cb.cfg.Now().Sub(cb.openedAt))
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures, cb.successes, cb.probing = 0, 0, false
	c := cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify([]transition{c})
}
