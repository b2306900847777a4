// Package storagetest holds the behavior every creditgate.Storage adapter must
// share. Adapter tests call Run with a factory for a clean store.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) creditgate.Storage

// Run executes the shared suite against stores built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("AccountNotFound", func(t *testing.T) { testAccountNotFound(t, newStorage(t)) })
	t.Run("SaveAndGetAccount", func(t *testing.T) { testSaveAndGetAccount(t, newStorage(t)) })
	t.Run("CommitConsumption", func(t *testing.T) { testCommitConsumption(t, newStorage(t)) })
	t.Run("DuplicateRequest", func(t *testing.T) { testDuplicateRequest(t, newStorage(t)) })
	t.Run("BudgetLifecycle", func(t *testing.T) { testBudgetLifecycle(t, newStorage(t)) })
	t.Run("ConcurrentSpend", func(t *testing.T) { testConcurrentSpend(t, newStorage(t)) })
}

// Account returns a populated account with storage-friendly timestamps.
func Account(userID string) *creditgate.Account {
	now := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	expiry := now.AddDate(0, 1, 0)
	return &creditgate.Account{
		UserID:               userID,
		Tier:                 creditgate.TierPlus,
		CreditsRemaining:     87,
		CreditsUsedThisMonth: 13,
		RolloverCredits:      20,
		ExportsRemaining:     29,
		ExportsUsedThisMonth: 1,
		ActiveSetCount:       4,
		GraceUsedThisMonth:   2,
		LastResetAt:          time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		NextResetAt:          time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		SubscriptionExpiry:   &expiry,
		IsActive:             true,
		TierChangedAt:        now.Add(-time.Hour),
		UpdatedAt:            now,
	}
}

// Budget returns a budget record for tests.
func Budget(spent, limit float64) *creditgate.GlobalBudget {
	return &creditgate.GlobalBudget{
		MonthlySpentUSD: spent,
		MonthlyLimitUSD: limit,
		State:           creditgate.StateFor(spent, limit),
		LastResetAt:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		NextResetAt:     time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

// AssertAccountEqual compares accounts field by field, using time.Equal for timestamps.
func AssertAccountEqual(t *testing.T, want, got *creditgate.Account) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.Tier, got.Tier)
	assert.Equal(t, want.CreditsRemaining, got.CreditsRemaining)
	assert.Equal(t, want.CreditsUsedThisMonth, got.CreditsUsedThisMonth)
	assert.Equal(t, want.RolloverCredits, got.RolloverCredits)
	assert.Equal(t, want.ExportsRemaining, got.ExportsRemaining)
	assert.Equal(t, want.ExportsUsedThisMonth, got.ExportsUsedThisMonth)
	assert.Equal(t, want.ActiveSetCount, got.ActiveSetCount)
	assert.Equal(t, want.GraceUsedThisMonth, got.GraceUsedThisMonth)
	assert.Equal(t, want.IsActive, got.IsActive)
	assert.True(t, want.LastResetAt.Equal(got.LastResetAt), "LastResetAt: want %v, got %v", want.LastResetAt, got.LastResetAt)
	assert.True(t, want.NextResetAt.Equal(got.NextResetAt), "NextResetAt: want %v, got %v", want.NextResetAt, got.NextResetAt)
	assert.True(t, want.TierChangedAt.Equal(got.TierChangedAt), "TierChangedAt: want %v, got %v", want.TierChangedAt, got.TierChangedAt)
	if want.SubscriptionExpiry == nil {
		assert.Nil(t, got.SubscriptionExpiry)
	} else if assert.NotNil(t, got.SubscriptionExpiry) {
		assert.True(t, want.SubscriptionExpiry.Equal(*got.SubscriptionExpiry))
	}
}

func testAccountNotFound(t *testing.T, s creditgate.Storage) {
	_, err := s.GetAccount(context.Background(), "nobody")
	assert.ErrorIs(t, err, creditgate.ErrAccountNotFound)

	_, err = s.GetBudget(context.Background())
	assert.ErrorIs(t, err, creditgate.ErrBudgetNotFound)

	rec, err := s.GetConsumptionRecord(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func testSaveAndGetAccount(t *testing.T, s creditgate.Storage) {
	ctx := context.Background()
	want := Account("user-save")
	require.NoError(t, s.SaveAccount(ctx, want))

	got, err := s.GetAccount(ctx, "user-save")
	require.NoError(t, err)
	AssertAccountEqual(t, want, got)

	want.CreditsRemaining = 5
	want.SubscriptionExpiry = nil
	require.NoError(t, s.SaveAccount(ctx, want))
	got, err = s.GetAccount(ctx, "user-save")
	require.NoError(t, err)
	AssertAccountEqual(t, want, got)
}

func testCommitConsumption(t *testing.T, s creditgate.Storage) {
	ctx := context.Background()
	acct := Account("user-commit")
	require.NoError(t, s.SaveAccount(ctx, acct))

	next := *acct
	next.CreditsRemaining--
	next.CreditsUsedThisMonth++
	rec := &creditgate.ConsumptionRecord{
		RequestID:      "req-commit-1",
		UserID:         acct.UserID,
		Action:         creditgate.ActionGeneration,
		CreditsCharged: 1,
		NewActiveSet:   true,
		CostUSD:        0.25,
		PolicyVersion:  creditgate.GracePolicyVersion,
		Timestamp:      acct.UpdatedAt,
	}
	require.NoError(t, s.CommitConsumption(ctx, &next, rec))

	got, err := s.GetAccount(ctx, acct.UserID)
	require.NoError(t, err)
	AssertAccountEqual(t, &next, got)

	stored, err := s.GetConsumptionRecord(ctx, "req-commit-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rec.UserID, stored.UserID)
	assert.Equal(t, rec.Action, stored.Action)
	assert.Equal(t, rec.CreditsCharged, stored.CreditsCharged)
	assert.Equal(t, rec.NewActiveSet, stored.NewActiveSet)
	assert.InDelta(t, rec.CostUSD, stored.CostUSD, 1e-9)
}

func testDuplicateRequest(t *testing.T, s creditgate.Storage) {
	ctx := context.Background()
	acct := Account("user-dup")
	rec := &creditgate.ConsumptionRecord{
		RequestID: "req-dup",
		UserID:    acct.UserID,
		Action:    creditgate.ActionExport,
		Timestamp: acct.UpdatedAt,
	}
	require.NoError(t, s.CommitConsumption(ctx, acct, rec))

	changed := *acct
	changed.CreditsRemaining = 0
	err := s.CommitConsumption(ctx, &changed, rec)
	assert.ErrorIs(t, err, creditgate.ErrDuplicateRequest)

	got, err := s.GetAccount(ctx, acct.UserID)
	require.NoError(t, err)
	assert.Equal(t, acct.CreditsRemaining, got.CreditsRemaining, "duplicate commit must not touch the account")
}

func testBudgetLifecycle(t *testing.T, s creditgate.Storage) {
	ctx := context.Background()

	_, err := s.AddBudgetSpend(ctx, 1)
	assert.ErrorIs(t, err, creditgate.ErrBudgetNotFound)

	require.NoError(t, s.SaveBudget(ctx, Budget(70, 100)))
	b, err := s.AddBudgetSpend(ctx, 11)
	require.NoError(t, err)
	assert.InDelta(t, 81, b.MonthlySpentUSD, 1e-9)
	assert.Equal(t, creditgate.BudgetSavings, b.State)

	b, err = s.AddBudgetSpend(ctx, 19)
	require.NoError(t, err)
	assert.Equal(t, creditgate.BudgetPaused, b.State)

	got, err := s.GetBudget(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100, got.MonthlySpentUSD, 1e-9)
	assert.InDelta(t, 100, got.MonthlyLimitUSD, 1e-9)
	assert.True(t, got.NextResetAt.Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)))
}

func testConcurrentSpend(t *testing.T, s creditgate.Storage) {
	ctx := context.Background()
	require.NoError(t, s.SaveBudget(ctx, Budget(0, 1000)))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddBudgetSpend(ctx, 0.5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetBudget(ctx)
	require.NoError(t, err)
	assert.InDelta(t, workers*0.5, got.MonthlySpentUSD, 1e-9)
}
