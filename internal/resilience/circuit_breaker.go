package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker's state (resilience/circuit_breaker.go's
// CircuitState, trimmed to the three states spec.md actually names).
type State int

const (
	StateClosed State = iota
	StateOpen
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

// Config configures a CircuitBreaker. Error-rate/volume/sleep-window
// semantics match resilience/circuit_breaker.go's DefaultConfig; instead of a
// sliding window, success/failure counts accumulate while closed and are
// reset only when the breaker changes state.
type Config struct {
	Name             string
	ErrorThreshold   float64 // fraction of failures among the counted calls that trips the breaker
	VolumeThreshold  int     // minimum requests observed before evaluating ErrorThreshold
	SleepWindow      time.Duration
	HalfOpenRequests int // probes allowed while half-open
}

// DefaultConfig mirrors resilience/circuit_breaker.go's production defaults,
// tuned down for a small worker pool.
func DefaultConfig() *Config {
	return &Config{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 2,
	}
}

// CircuitBreaker implements the closed → open → half-open → closed cycle
// used by the upstream RPC client to shield the orchestrator from a failing
// upstream coordinator (spec §7 "worker_capacity").
type CircuitBreaker struct {
	config *Config

	mu             sync.Mutex
	state          State
	stateChangedAt time.Time

	successes int
	failures  int

	halfOpenInFlight int
	halfOpenAllowed  int
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// CanExecute reports whether a call should be attempted, transitioning
// open → half-open once SleepWindow has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.stateChangedAt) >= cb.config.SleepWindow {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenInFlight = 1
			cb.halfOpenAllowed = cb.config.HalfOpenRequests
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.halfOpenAllowed {
			cb.halfOpenInFlight++
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenAllowed {
			cb.resetLocked()
			cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		cb.successes++
		cb.evaluateLocked()
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.resetLocked()
		cb.transitionLocked(StateOpen)
	case StateClosed:
		cb.failures++
		cb.evaluateLocked()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) evaluateLocked() {
	total := cb.successes + cb.failures
	if total < cb.config.VolumeThreshold {
		return
	}
	if float64(cb.failures)/float64(total) >= cb.config.ErrorThreshold {
		cb.resetLocked()
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) resetLocked() {
	cb.successes = 0
	cb.failures = 0
	cb.halfOpenInFlight = 0
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	cb.state = to
	cb.stateChangedAt = time.Now()
}
