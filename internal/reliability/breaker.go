package reliability

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("reliability: circuit open")

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	Name         string
	MaxFailures  int           // consecutive failures before opening
	ResetTimeout time.Duration // open duration before probing half-open
}

// CircuitBreaker fails fast once a downstream dependency shows consecutive
// failures, then probes recovery with a single half-open call.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	clock        Clock
	logger       *log.Logger

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	total      int64
	successes  int64
	failedRuns int64
	rejected   int64
}

// BreakerOption customizes a circuit breaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock substitutes the time source.
func WithBreakerClock(c Clock) BreakerOption {
	return func(cb *CircuitBreaker) {
		if c != nil {
			cb.clock = c
		}
	}
}

// WithBreakerLogger assigns a logger for state transitions.
func WithBreakerLogger(logger *log.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = logger }
}

// NewCircuitBreaker constructs a breaker. Zero config fields get defaults
// (5 failures, 30s reset).
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		clock:        systemClock{},
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Allow reports whether a call may proceed. The caller must report the
// outcome via Record. An open breaker transitions to half-open once the
// reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.total++
	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
			cb.setState(StateHalfOpen)
			return nil
		}
		cb.rejected++
		return fmt.Errorf("%w: %s", ErrOpen, cb.name)
	default:
		return fmt.Errorf("reliability: unknown state %q", cb.state)
	}
}

// Record feeds a call outcome back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failedRuns++
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.maxFailures {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
		}
		return
	}

	cb.successes++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

// Do runs fn under breaker protection.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	if next == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	if cb.logger != nil {
		cb.logger.Printf("reliability: breaker %s %s -> %s (failures=%d)", cb.name, prev, next, cb.failures)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// BreakerStats is a point-in-time snapshot of call counters.
type BreakerStats struct {
	Name      string `json:"name"`
	State     State  `json:"state"`
	Total     int64  `json:"total"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
	Rejected  int64  `json:"rejected"`
}

// Stats returns the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:      cb.name,
		State:     cb.state,
		Total:     cb.total,
		Successes: cb.successes,
		Failures:  cb.failedRuns,
		Rejected:  cb.rejected,
	}
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(StateClosed)
}
