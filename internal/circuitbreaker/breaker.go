// Package circuitbreaker guards the gate's downstream dependencies (policy,
// shadow ledger, audit log, signing material). When a dependency trips its
// breaker the gate fails closed; the breaker keeps the process from hammering
// a dead dependency while it recovers.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the breaker refuses a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies the guarded dependency.
	Name string

	// FailureThreshold trips the breaker open when this many failures
	// accumulate inside Window.
	FailureThreshold int

	// Window is the sliding period over which failures are counted in
	// the closed state.
	Window time.Duration

	// ResetTimeout is how long the breaker stays open before probing
	// the dependency again (half-open).
	ResetTimeout time.Duration

	// CloseSuccesses is the number of consecutive half-open successes
	// required to close the breaker.
	CloseSuccesses int

	// OnStateChange is called whenever the circuit state changes.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns the gate's standard breaker parameters:
// open after 5 failures in 30s, half-open after 60s, close after 3 successes.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		Window:           30 * time.Second,
		ResetTimeout:     60 * time.Second,
		CloseSuccesses:   3,
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// CircuitBreaker implements the circuit breaker pattern for one dependency.
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	failures      []time.Time // failure timestamps inside the window (closed state)
	successStreak int         // consecutive successes in half-open
	openedAt      time.Time
	lastChange    time.Time
}

// New creates a new circuit breaker.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{
		cfg:        cfg,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Name returns the breaker's dependency name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, accounting for open->half-open expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Allow reports whether a request may proceed. It does not execute anything;
// callers pair it with RecordSuccess/RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.currentState(time.Now()) == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Execute runs req under the breaker. An open breaker short-circuits with
// ErrCircuitOpen; otherwise the outcome of req feeds the failure window.
func (cb *CircuitBreaker) Execute(req func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.RecordFailure()
			panic(r)
		}
	}()

	err := req()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// RecordSuccess records a successful dependency call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentState(now) {
	case StateClosed:
		// A success does not clear the window; only time does.
	case StateHalfOpen:
		cb.successStreak++
		if cb.successStreak >= cb.cfg.CloseSuccesses {
			cb.setState(StateClosed, now)
		}
	}
}

// RecordFailure records a failed dependency call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentState(now) {
	case StateClosed:
		cb.pruneWindow(now)
		cb.failures = append(cb.failures, now)
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Any half-open failure re-opens immediately.
		cb.setState(StateOpen, now)
	}
}

// FailureCount returns the number of failures currently inside the window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneWindow(time.Now())
	return len(cb.failures)
}

// currentState must be called with cb.mu held.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.lastChange = now

	switch state {
	case StateOpen:
		cb.openedAt = now
	case StateHalfOpen:
		cb.successStreak = 0
	case StateClosed:
		cb.failures = nil
		cb.successStreak = 0
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// pruneWindow must be called with cb.mu held.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.cfg.Window)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failures = kept
}

// Manager holds one breaker per guarded dependency.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config
}

// NewManager creates a manager that stamps new breakers from defaultCfg.
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for name, creating it if necessary.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb
	return cb
}

// States returns a snapshot of every breaker's state, keyed by name.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.State()
	}
	return out
}
