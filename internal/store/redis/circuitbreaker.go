package redis

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state. The values double as the
// redis_circuit_breaker_state gauge reading.
type State int

const (
	StateClosed   State = 0 // writes pass through
	StateOpen     State = 1 // writes rejected until the reset timeout passes
	StateHalfOpen State = 2 // one probe write allowed through
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

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("redis: circuit breaker is open")

// CircuitBreaker opens after maxFailures consecutive failures and rejects all
// calls for resetTimeout. After the timeout exactly one probe call is let
// through: success closes the breaker, failure reopens it.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
	now          func() time.Time

	// OnStateChange is called on every transition while the breaker's lock
	// is held; it must not call back into the breaker.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a circuit breaker.
// maxFailures: consecutive failures before opening (e.g., 5)
// resetTimeout: time to wait before half-open probe (e.g., 10s)
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// Execute runs fn through the circuit breaker.
// Returns ErrCircuitOpen without calling fn while the breaker is open or a
// half-open probe is already in flight.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	if err != nil {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return err
	}

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failures = 0
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// CurrentState returns the current circuit breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
