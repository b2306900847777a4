package creditgate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a failing dependency.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// CircuitBreakerConfig configures DefaultCircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit (default 5).
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe (default 30s).
	ResetTimeout time.Duration
	// OnStateChange is called on every transition, under the breaker's lock.
	OnStateChange func(state CircuitBreakerState)
}

// DefaultCircuitBreaker opens after consecutive failures and lets a single
// probe through once the reset timeout has passed.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	onStateChange func(state CircuitBreakerState)
	now           func() time.Time
}

// NewDefaultCircuitBreaker creates a breaker from config.
func NewDefaultCircuitBreaker(config CircuitBreakerConfig) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		onStateChange:    config.OnStateChange,
		now:              time.Now,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// advance moves an expired open circuit to half-open.
func (cb *DefaultCircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	switch {
	case err == nil || isBusinessError(err):
		cb.success()
	case ctx.Err() != nil && isContextError(err):
		// The caller gave up; that says nothing about the dependency.
	default:
		cb.failure()
	}
	return err
}

func (cb *DefaultCircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	switch cb.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *DefaultCircuitBreaker) success() {
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(next)
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
