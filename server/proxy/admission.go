package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/migadu/nntpprox/logger"
	"github.com/migadu/nntpprox/nntp"
	"github.com/migadu/nntpprox/pkg/circuitbreaker"
	"github.com/migadu/nntpprox/pkg/metrics"
)

var (
	// ErrCeilingReached rejects a client while every upstream session is bound.
	ErrCeilingReached = errors.New("proxy: upstream session ceiling reached")

	// ErrUpstreamUnavailable rejects a client whose upstream session could
	// not be opened.
	ErrUpstreamUnavailable = errors.New("proxy: upstream session unavailable")
)

// Admission counts bound sessions against a fixed ceiling.
type Admission struct {
	ceiling int64
	bound   atomic.Int64
}

func NewAdmission(ceiling int) *Admission {
	return &Admission{ceiling: int64(ceiling)}
}

// TryAcquire takes a slot if one is free. The returned release gives the
// slot back; calling it more than once has no further effect.
func (a *Admission) TryAcquire() (release func(), ok bool) {
	for {
		n := a.bound.Load()
		if n >= a.ceiling {
			return nil, false
		}
		if a.bound.CompareAndSwap(n, n+1) {
			break
		}
	}

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			a.bound.Add(-1)
		}
	}, true
}

func (a *Admission) Bound() int {
	return int(a.bound.Load())
}

func (a *Admission) Ceiling() int {
	return int(a.ceiling)
}

// SessionPool binds each admitted client to a freshly opened Backend.
type SessionPool struct {
	factory   BackendFactory
	admission *Admission
	breaker   *circuitbreaker.CircuitBreaker
}

// NewSessionPool creates a pool of at most ceiling sessions. breaker may be
// nil.
func NewSessionPool(factory BackendFactory, ceiling int, breaker *circuitbreaker.CircuitBreaker) *SessionPool {
	return &SessionPool{
		factory:   factory,
		admission: NewAdmission(ceiling),
		breaker:   breaker,
	}
}

// Admit reserves a slot and opens its Backend. On failure the slot is
// given back and the error wraps ErrCeilingReached or ErrUpstreamUnavailable.
func (p *SessionPool) Admit(ctx context.Context) (*Session, error) {
	release, ok := p.admission.TryAcquire()
	if !ok {
		metrics.AdmissionsRejected.WithLabelValues("ceiling").Inc()
		return nil, ErrCeilingReached
	}

	backend, err := circuitbreaker.Execute(p.breaker, func() (Backend, error) {
		return p.factory.Open(ctx)
	})
	if err != nil {
		release()
		metrics.AdmissionsRejected.WithLabelValues("upstream").Inc()
		metrics.UpstreamDialFailures.WithLabelValues(dialFailureCause(err)).Inc()
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	metrics.UpstreamSessionsCurrent.Inc()
	return newSession(backend, release), nil
}

func (p *SessionPool) Admission() *Admission {
	return p.admission
}

func dialFailureCause(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrProbePending):
		return "circuit_open"
	case errors.Is(err, nntp.ErrAuthentication):
		return "auth"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "connect"
	}
}

// NewUpstreamBreaker returns a breaker that reports its state to the
// metrics and the log.
func NewUpstreamBreaker(maxFailures int, openTimeout time.Duration) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Settings{
		Name:        "upstream",
		MaxFailures: maxFailures,
		OpenTimeout: openTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.CircuitBreakerState.Set(float64(to))
			logger.Warn("Proxy: Circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})
}
