package creditgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDefaultCircuitBreaker(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(s CircuitBreakerState) { lastState = s },
	})
	cb.now = clock.Now
	ctx := context.Background()
	fail := func() error { return errors.New("fail") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit fails fast")

	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)

	// A failed probe reopens immediately.
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())
	err = cb.Execute(ctx, fail)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultCircuitBreaker_BusinessErrorsAreSuccesses(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	ctx := context.Background()

	for _, err := range []error{ErrAccountNotFound, ErrDuplicateRequest, &ValidationError{Field: "x", Reason: "bad"}} {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return err }), err)
		assert.Equal(t, StateClosed, cb.State())
	}
}

func TestDefaultCircuitBreaker_CallerCancellationIsIgnored(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())

	// A timeout the dependency produced on its own still counts.
	err = cb.Execute(context.Background(), func() error { return context.DeadlineExceeded })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultCircuitBreaker_SingleHalfOpenProbe(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.now = clock.Now
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_Concurrency(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 10, ResetTimeout: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(ctx, func() error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	state := cb.State()
	assert.Contains(t, []CircuitBreakerState{StateClosed, StateOpen}, state)
}

func TestCircuitBreakerStorage(t *testing.T) {
	ctx := context.Background()
	inner := &stubStorage{err: errors.New("i/o timeout")}
	s := NewCircuitBreakerStorage(inner, NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}))

	_, err := s.GetAccount(ctx, "user1")
	assert.EqualError(t, err, "i/o timeout")
	_, err = s.GetBudget(ctx)
	assert.EqualError(t, err, "i/o timeout")

	_, err = s.GetAccount(ctx, "user1")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	inner.err = ErrAccountNotFound
	healthy := NewCircuitBreakerStorage(inner, NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1}))
	for i := 0; i < 3; i++ {
		_, err = healthy.GetAccount(ctx, "user1")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	}
}
