// Package circuitbreaker stops repeated attempts against a failing upstream.
//
// The breaker starts CLOSED. After MaxFailures consecutive failures it
// turns OPEN and rejects calls with ErrOpen until OpenTimeout has passed.
// It then lets a single probe through (HALF_OPEN): success closes it,
// failure reopens it for another OpenTimeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen         = errors.New("circuit breaker is open")
	ErrProbePending = errors.New("circuit breaker probe already in flight")
)

type Settings struct {
	Name          string
	MaxFailures   int // 0 disables the breaker
	OpenTimeout   time.Duration
	OnStateChange func(name string, from, to State)
	// IsFailure decides which errors count against the upstream. Defaults to err != nil.
	IsFailure func(err error) bool
	now       func() time.Time
}

type CircuitBreaker struct {
	settings Settings

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(st Settings) *CircuitBreaker {
	if st.OpenTimeout <= 0 {
		st.OpenTimeout = 30 * time.Second
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool { return err != nil }
	}
	if st.now == nil {
		st.now = time.Now
	}
	return &CircuitBreaker{settings: st}
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Execute runs fn unless the breaker rejects the call, and records the outcome.
func Execute[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if cb == nil || cb.settings.MaxFailures <= 0 {
		return fn()
	}
	if err := cb.before(); err != nil {
		return zero, err
	}

	result, err := fn()
	cb.after(err)
	return result, err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if cb.probing {
			return ErrProbePending
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.probing = false

	if !cb.settings.IsFailure(err) {
		cb.failures = 0
		if state != StateClosed {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	if state == StateHalfOpen || cb.failures >= cb.settings.MaxFailures {
		cb.openedAt = cb.settings.now()
		cb.setState(StateOpen)
	}
}

// currentState moves OPEN to HALF_OPEN once the timeout elapsed. Caller holds mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.settings.now().Sub(cb.openedAt) >= cb.settings.OpenTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}
