package creditgate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

func newLedger() (*creditgate.Ledger, *creditgate.BudgetController) {
	bc := creditgate.NewBudgetController(creditgate.NewGlobalBudget(100, testNow, time.UTC))
	return creditgate.NewLedger(bc, func() time.Time { return testNow }), bc
}

func TestLedger_ApplyRejectsBlockedDecision(t *testing.T) {
	ledger, bc := newLedger()
	acct := account(t, creditgate.TierFree)

	_, _, err := ledger.Apply(acct, creditgate.Decision{Allowed: false}, creditgate.GenerationRequest{}, 1)
	assert.ErrorIs(t, err, creditgate.ErrNotAdmitted)
	assert.Zero(t, bc.Snapshot().MonthlySpentUSD)
}

func TestLedger_ApplyFreeSample(t *testing.T) {
	ledger, bc := newLedger()
	acct := account(t, creditgate.TierFree)
	acct.CreditsRemaining = 0

	d := newEngine().Decide(acct, bc.Snapshot(), creditgate.GenerationRequest{}).Decision
	require.Equal(t, creditgate.GraceFreeSample, d.Grace)

	next, budget, err := ledger.Apply(acct, d, creditgate.GenerationRequest{}, 0.02)
	require.NoError(t, err)
	assert.Equal(t, 0, next.CreditsRemaining)
	assert.Equal(t, 0, next.CreditsUsedThisMonth)
	assert.Equal(t, 1, next.GraceUsedThisMonth)
	assert.Equal(t, 1, next.ActiveSetCount)
	assert.InDelta(t, 0.02, budget.MonthlySpentUSD, 1e-9)
}

func TestLedger_ApplyRecreate(t *testing.T) {
	ledger, _ := newLedger()
	acct := account(t, creditgate.TierPlus)
	req := creditgate.GenerationRequest{IsRecreateOfFailedAttempt: true}

	d := newEngine().Decide(acct, normalBudget(), req).Decision
	next, _, err := ledger.Apply(acct, d, req, 0)
	require.NoError(t, err)
	assert.Equal(t, acct.CreditsRemaining, next.CreditsRemaining)
	assert.Equal(t, acct.ActiveSetCount, next.ActiveSetCount)
}

func TestLedger_ApplyInsufficientCredits(t *testing.T) {
	ledger, bc := newLedger()
	acct := account(t, creditgate.TierPlus)
	acct.CreditsRemaining = 0

	// A decision made against a stale balance.
	d := creditgate.Decision{Allowed: true, CreditsNeeded: 1}
	got, _, err := ledger.Apply(acct, d, creditgate.GenerationRequest{}, 0.5)
	assert.ErrorIs(t, err, creditgate.ErrInsufficientCredits)
	assert.Equal(t, acct, got)
	assert.Zero(t, bc.Snapshot().MonthlySpentUSD)
}

func TestLedger_ApplyExport(t *testing.T) {
	ledger, _ := newLedger()
	acct := account(t, creditgate.TierFree)

	d := newEngine().DecideExport(acct, normalBudget(), creditgate.ExportRequest{}).Decision
	next, _, err := ledger.ApplyExport(acct, d, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, next.ExportsRemaining)
	assert.Equal(t, 1, next.ExportsUsedThisMonth)

	failOpen := creditgate.Decision{Allowed: true, Grace: creditgate.GraceFailOpen}
	next, _, err = ledger.ApplyExport(next, failOpen, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, next.ExportsRemaining)
	assert.Equal(t, 1, next.GraceUsedThisMonth)
}

func TestCycleBoundaries(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	dec := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), creditgate.NextCycleBoundary(dec, time.UTC))
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), creditgate.CycleStart(dec, nil))

	// 02:00 UTC on April 1st is still March 31st in New York.
	early := time.Date(2025, 4, 1, 2, 0, 0, 0, time.UTC)
	assert.True(t, creditgate.NextCycleBoundary(early, ny).Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, ny)))
	assert.True(t, creditgate.CycleStart(early, ny).Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, ny)))
}
