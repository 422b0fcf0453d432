// Package resilience provides the circuit breaker that guards provider calls.
//
// The breaker never retries. While open it rejects calls with [ErrCircuitOpen]
// so a dead backend costs one error per request instead of one timeout. A
// call that fails because its caller cancelled it (a barge-in, a stopped
// session) counts neither as a failure nor as a success.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects every call until ResetTimeout has passed since the
	// last failure.
	StateOpen
	// StateHalfOpen lets up to HalfOpenMax probe calls through. That many
	// successes close the breaker; one failure opens it again.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Defaults for zero [CircuitBreakerConfig] fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig configures a [CircuitBreaker]. Zero fields take the
// package defaults.
type CircuitBreakerConfig struct {
	// Name labels logs, errors and transition callbacks.
	Name string

	// MaxFailures is the run of consecutive failures that opens a closed
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration

	// HalfOpenMax caps concurrent probes and is the number of successes that
	// closes a half-open breaker.
	HalfOpenMax int

	// OnStateChange runs after each transition, outside the breaker's lock.
	OnStateChange func(name string, from, to State)

	Logger *slog.Logger
	Now    func() time.Time
}

// CircuitBreaker is a closed/open/half-open breaker. It is safe for
// concurrent use.
//
// Every transition starts a new generation. A call records its outcome only
// if the generation it was admitted in is still current, so results from
// before a transition never count toward the state that followed it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int       // consecutive, while closed
	openedAt   time.Time // time of the failure that opened the breaker
	probes     int       // admitted, while half-open
	successes  int       // while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State reports the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.expiredLocked() {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn when the breaker admits the call and returns fn's error.
// A rejected call returns an error wrapping [ErrCircuitOpen], and an already
// cancelled ctx returns ctx.Err(); fn does not run in either case.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.settle(gen, err, err != nil && ctx.Err() != nil)
	return err
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.moveLocked(StateClosed)
	cb.mu.Unlock()
	cb.announce(t)
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	var t transition
	if cb.state == StateOpen && cb.expiredLocked() {
		t = cb.moveLocked(StateHalfOpen)
	}
	gen, err := cb.generation, error(nil)
	switch cb.state {
	case StateOpen:
		err = fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			err = fmt.Errorf("%s: probe limit reached: %w", cb.cfg.Name, ErrCircuitOpen)
		} else {
			cb.probes++
		}
	}
	cb.mu.Unlock()
	cb.announce(t)
	return gen, err
}

func (cb *CircuitBreaker) settle(gen uint64, err error, cancelled bool) {
	cb.mu.Lock()
	var t transition
	if gen == cb.generation {
		switch {
		case cancelled:
			if cb.state == StateHalfOpen {
				cb.probes--
			}
		case err != nil:
			t = cb.failLocked()
		default:
			t = cb.succeedLocked()
		}
	}
	cb.mu.Unlock()
	cb.announce(t)
}

func (cb *CircuitBreaker) failLocked() transition {
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures < cb.cfg.MaxFailures {
			return transition{}
		}
		cb.cfg.Logger.Warn("circuit breaker tripped", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
	case StateHalfOpen:
		cb.cfg.Logger.Warn("circuit breaker probe failed", "name", cb.cfg.Name)
	}
	t := cb.moveLocked(StateOpen)
	cb.openedAt = cb.cfg.Now()
	return t
}

func (cb *CircuitBreaker) succeedLocked() transition {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			return cb.moveLocked(StateClosed)
		}
	}
	return transition{}
}

func (cb *CircuitBreaker) expiredLocked() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

type transition struct {
	from, to State
	changed  bool
}

// moveLocked enters a new generation in state to with cleared counters.
func (cb *CircuitBreaker) moveLocked(to State) transition {
	t := transition{from: cb.state, to: to, changed: cb.state != to}
	cb.state = to
	cb.generation++
	cb.failures, cb.probes, cb.successes = 0, 0, 0
	return t
}

func (cb *CircuitBreaker) announce(t transition) {
	if !t.changed {
		return
	}
	cb.cfg.Logger.Info("circuit breaker state change", "name", cb.cfg.Name, "from", t.from, "to", t.to)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}
