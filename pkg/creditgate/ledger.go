package creditgate

import (
	"fmt"
	"time"
)

// Ledger applies admitted decisions to accounts and forwards realized cost to
// the budget controller. It is not idempotent; request dedupe happens where
// the result is persisted.
type Ledger struct {
	budget *BudgetController
	now    func() time.Time
}

// NewLedger creates a ledger that records spend on budget.
func NewLedger(budget *BudgetController, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{budget: budget, now: now}
}

// Apply commits an allowed generation: debit the decided credits, count a
// graced admission, register a new set, and record the cost.
func (l *Ledger) Apply(acct Account, d Decision, req GenerationRequest, costUSD float64) (Account, GlobalBudget, error) {
	if !d.Allowed {
		return acct, l.budget.Snapshot(), ErrNotAdmitted
	}
	now := l.now()

	next, err := acct.ConsumeCredits(d.CreditsNeeded, now)
	if err != nil {
		return acct, l.budget.Snapshot(), fmt.Errorf("apply generation for %s: %w", acct.UserID, err)
	}
	if d.Grace != GraceNone {
		next.GraceUsedThisMonth++
	}
	if d.NewActiveSet && !req.IsRecreateOfFailedAttempt {
		next = next.IncrementActiveSetCount(now)
	}

	budget, err := l.budget.RecordSpend(costUSD)
	if err != nil {
		return acct, budget, fmt.Errorf("apply generation for %s: %w", acct.UserID, err)
	}
	return next, budget, nil
}

// ApplyExport commits an allowed export.
func (l *Ledger) ApplyExport(acct Account, d Decision, costUSD float64) (Account, GlobalBudget, error) {
	if !d.Allowed {
		return acct, l.budget.Snapshot(), ErrNotAdmitted
	}
	now := l.now()

	next := acct
	if d.Grace == GraceNone {
		var err error
		next, err = acct.ConsumeExport(now)
		if err != nil {
			return acct, l.budget.Snapshot(), fmt.Errorf("apply export for %s: %w", acct.UserID, err)
		}
	} else {
		next.GraceUsedThisMonth++
		next.UpdatedAt = now
	}

	budget, err := l.budget.RecordSpend(costUSD)
	if err != nil {
		return acct, budget, fmt.Errorf("apply export for %s: %w", acct.UserID, err)
	}
	return next, budget, nil
}
