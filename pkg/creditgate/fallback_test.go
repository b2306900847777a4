package creditgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStorage struct {
	Storage
	acct   *Account
	budget *GlobalBudget
	err    error
}

func (s *stubStorage) GetAccount(context.Context, string) (*Account, error) {
	return s.acct, s.err
}

func (s *stubStorage) GetBudget(context.Context) (*GlobalBudget, error) {
	return s.budget, s.err
}

type panickingFallback struct{}

func (panickingFallback) ShouldFallback(error) bool { return true }
func (panickingFallback) FallbackAccount(context.Context, string) (*Account, error) {
	panic("boom")
}
func (panickingFallback) FallbackBudget(context.Context) (*GlobalBudget, error) {
	panic("boom")
}

func TestShouldFallback(t *testing.T) {
	s := NewCacheFallbackStrategy(NewLRUCache(10), 0, nil, nil)

	assert.False(t, s.ShouldFallback(nil))
	assert.False(t, s.ShouldFallback(ErrAccountNotFound))
	assert.False(t, s.ShouldFallback(ErrDuplicateRequest))
	assert.True(t, s.ShouldFallback(errors.New("connection refused")))
	assert.True(t, s.ShouldFallback(ErrCircuitOpen))
	assert.True(t, s.ShouldFallback(context.DeadlineExceeded))
}

func TestCacheFallbackStrategy(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	cache := NewLRUCache(10)
	cache.now = clock.Now
	s := NewCacheFallbackStrategy(cache, time.Minute, nil, nil)
	s.now = clock.Now
	ctx := context.Background()

	_, err := s.FallbackAccount(ctx, "user1")
	assert.ErrorIs(t, err, ErrFallbackUnavailable)

	cache.Set(Account{UserID: "user1", CreditsRemaining: 4}, false)
	acct, err := s.FallbackAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 4, acct.CreditsRemaining)

	clock.Advance(2 * time.Minute)
	_, err = s.FallbackAccount(ctx, "user1")
	assert.ErrorIs(t, err, ErrStaleCache)

	// Dirty entries are the newest state there is, whatever their age.
	cache.Set(Account{UserID: "user1", CreditsRemaining: 3}, true)
	clock.Advance(time.Hour)
	acct, err = s.FallbackAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 3, acct.CreditsRemaining)

	// Outage-only accounts are not last-known storage state.
	cache.SetSynthetic(Account{UserID: "ghost", CreditsRemaining: 2})
	_, err = s.FallbackAccount(ctx, "ghost")
	assert.ErrorIs(t, err, ErrFallbackUnavailable)

	_, err = s.FallbackBudget(ctx)
	assert.ErrorIs(t, err, ErrFallbackUnavailable)
}

func TestSecondaryStorageFallbackStrategy(t *testing.T) {
	ctx := context.Background()
	secondary := &stubStorage{
		acct:   &Account{UserID: "user1", CreditsRemaining: 9},
		budget: &GlobalBudget{MonthlyLimitUSD: 50},
	}
	s := NewSecondaryStorageFallbackStrategy(secondary, nil, nil)

	acct, err := s.FallbackAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 9, acct.CreditsRemaining)

	b, err := s.FallbackBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50.0, b.MonthlyLimitUSD)

	secondary.err = errors.New("also down")
	_, err = s.FallbackAccount(ctx, "user1")
	assert.ErrorIs(t, err, ErrFallbackUnavailable)
}

func TestCompositeFallbackStrategy(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(10)
	secondary := &stubStorage{acct: &Account{UserID: "user1", CreditsRemaining: 2}}

	s := NewCompositeFallbackStrategy([]FallbackStrategy{
		panickingFallback{},
		NewCacheFallbackStrategy(cache, 0, nil, nil),
		NewSecondaryStorageFallbackStrategy(secondary, nil, nil),
	}, nil)

	acct, err := s.FallbackAccount(ctx, "user1")
	require.NoError(t, err, "a panicking strategy is skipped")
	assert.Equal(t, 2, acct.CreditsRemaining)

	cache.Set(Account{UserID: "user1", CreditsRemaining: 5}, false)
	acct, err = s.FallbackAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 5, acct.CreditsRemaining, "earlier strategies win")

	empty := NewCompositeFallbackStrategy(nil, nil)
	assert.False(t, empty.ShouldFallback(errors.New("x")))
	_, err = empty.FallbackBudget(ctx)
	assert.ErrorIs(t, err, ErrFallbackUnavailable)
}

func TestCostReporter(t *testing.T) {
	assert.False(t, ReportCost(context.Background(), 1))

	ctx, r := WithCostReporter(context.Background())
	assert.True(t, ReportCost(ctx, 0.25))
	assert.True(t, ReportCost(ctx, -3))
	assert.True(t, ReportCost(ctx, 0.5))
	assert.InDelta(t, 0.75, r.Total(), 1e-9)

	_, ok := DecisionFromContext(ctx)
	assert.False(t, ok)
	ctx = WithDecision(ctx, Decision{Allowed: true, CreditsNeeded: 1})
	d, ok := DecisionFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, d.CreditsNeeded)
}
