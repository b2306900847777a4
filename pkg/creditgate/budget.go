package creditgate

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// BudgetState is the systemwide degradation stage.
type BudgetState string

const (
	BudgetNormal  BudgetState = "normal"
	BudgetSavings BudgetState = "savings"
	BudgetPaused  BudgetState = "paused"
)

const (
	// SavingsThreshold is the spent/limit ratio that enters savings.
	SavingsThreshold = 0.80
	// PausedThreshold is the spent/limit ratio that pauses generation.
	PausedThreshold = 1.00
)

// StateFor derives the budget state from spend and limit.
func StateFor(spentUSD, limitUSD float64) BudgetState {
	if limitUSD <= 0 {
		return BudgetPaused
	}
	ratio := spentUSD / limitUSD
	switch {
	case ratio >= PausedThreshold:
		return BudgetPaused
	case ratio >= SavingsThreshold:
		return BudgetSavings
	default:
		return BudgetNormal
	}
}

// GlobalBudget is the systemwide monthly spend record.
type GlobalBudget struct {
	MonthlySpentUSD float64     `json:"monthly_spent_usd"`
	MonthlyLimitUSD float64     `json:"monthly_limit_usd"`
	State           BudgetState `json:"state"`
	LastResetAt     time.Time   `json:"last_reset_at"`
	NextResetAt     time.Time   `json:"next_reset_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// NewGlobalBudget returns an empty budget for the cycle containing now.
func NewGlobalBudget(limitUSD float64, now time.Time, loc *time.Location) GlobalBudget {
	return GlobalBudget{
		MonthlyLimitUSD: limitUSD,
		State:           StateFor(0, limitUSD),
		LastResetAt:     now,
		NextResetAt:     NextCycleBoundary(now, loc),
		UpdatedAt:       now,
	}
}

// Ratio is spent over limit.
func (b GlobalBudget) Ratio() float64 {
	if b.MonthlyLimitUSD <= 0 {
		return 1
	}
	return b.MonthlySpentUSD / b.MonthlyLimitUSD
}

func (b GlobalBudget) withSpend(costUSD float64, now time.Time) GlobalBudget {
	b.MonthlySpentUSD += costUSD
	b.State = StateFor(b.MonthlySpentUSD, b.MonthlyLimitUSD)
	b.UpdatedAt = now
	return b
}

func (b GlobalBudget) reset(now time.Time, loc *time.Location) (GlobalBudget, bool) {
	if !cycleDue(b.NextResetAt, now) {
		return b, false
	}
	b.MonthlySpentUSD = 0
	b.State = StateFor(0, b.MonthlyLimitUSD)
	b.LastResetAt = now
	b.NextResetAt = NextCycleBoundary(now, loc)
	b.UpdatedAt = now
	return b, true
}

// BudgetObserver is told about state transitions. Calls happen outside the
// controller's lock, in transition order per controller. Observers must not
// mutate the controller they observe.
type BudgetObserver interface {
	OnBudgetStateChange(from, to BudgetState, budget GlobalBudget)
}

// BudgetObserverFunc adapts a function to BudgetObserver.
type BudgetObserverFunc func(from, to BudgetState, budget GlobalBudget)

func (f BudgetObserverFunc) OnBudgetStateChange(from, to BudgetState, budget GlobalBudget) {
	f(from, to, budget)
}

// BudgetController owns the in-process GlobalBudget. All mutations are
// serialized; it performs no I/O.
type BudgetController struct {
	mu     sync.Mutex
	budget GlobalBudget
	loc    *time.Location
	now    func() time.Time

	notifyMu sync.Mutex
	observer BudgetObserver
}

// BudgetOption configures a BudgetController.
type BudgetOption func(*BudgetController)

// WithBudgetObserver registers the threshold-crossing observer.
func WithBudgetObserver(o BudgetObserver) BudgetOption {
	return func(c *BudgetController) { c.observer = o }
}

// WithBudgetClock overrides time.Now.
func WithBudgetClock(now func() time.Time) BudgetOption {
	return func(c *BudgetController) { c.now = now }
}

// WithBudgetLocation sets the tenant time zone for cycle boundaries.
func WithBudgetLocation(loc *time.Location) BudgetOption {
	return func(c *BudgetController) { c.loc = loc }
}

// NewBudgetController returns a controller seeded with initial.
func NewBudgetController(initial GlobalBudget, opts ...BudgetOption) *BudgetController {
	c := &BudgetController{
		budget: initial,
		loc:    time.UTC,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.budget.State = StateFor(c.budget.MonthlySpentUSD, c.budget.MonthlyLimitUSD)
	return c
}

// Snapshot returns the current budget.
func (c *BudgetController) Snapshot() GlobalBudget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget
}

// RecordSpend adds realized cost.
func (c *BudgetController) RecordSpend(costUSD float64) (GlobalBudget, error) {
	if costUSD < 0 || math.IsNaN(costUSD) || math.IsInf(costUSD, 0) {
		return c.Snapshot(), fmt.Errorf("%w: cost %v", ErrInvalidAmount, costUSD)
	}
	return c.mutate(func(b GlobalBudget, now time.Time) GlobalBudget {
		return b.withSpend(costUSD, now)
	}), nil
}

// ResetIfDue zeroes spend once per cycle boundary.
func (c *BudgetController) ResetIfDue() (GlobalBudget, bool) {
	var reset bool
	b := c.mutate(func(b GlobalBudget, now time.Time) GlobalBudget {
		var next GlobalBudget
		next, reset = b.reset(now, c.loc)
		return next
	})
	return b, reset
}

// SetLimit changes the monthly limit and recomputes the state.
func (c *BudgetController) SetLimit(limitUSD float64) (GlobalBudget, error) {
	if limitUSD <= 0 || math.IsNaN(limitUSD) || math.IsInf(limitUSD, 0) {
		return c.Snapshot(), fmt.Errorf("%w: limit %v", ErrInvalidAmount, limitUSD)
	}
	return c.mutate(func(b GlobalBudget, now time.Time) GlobalBudget {
		b.MonthlyLimitUSD = limitUSD
		b.State = StateFor(b.MonthlySpentUSD, limitUSD)
		b.UpdatedAt = now
		return b
	}), nil
}

// Reconcile folds in a record persisted by another process. A later cycle
// replaces ours; within the same cycle the larger spend wins.
func (c *BudgetController) Reconcile(remote GlobalBudget) GlobalBudget {
	return c.mutate(func(b GlobalBudget, _ time.Time) GlobalBudget {
		switch {
		case remote.NextResetAt.After(b.NextResetAt):
			b = remote
		case remote.NextResetAt.Equal(b.NextResetAt) && remote.MonthlySpentUSD > b.MonthlySpentUSD:
			b.MonthlySpentUSD = remote.MonthlySpentUSD
			b.UpdatedAt = remote.UpdatedAt
		}
		b.State = StateFor(b.MonthlySpentUSD, b.MonthlyLimitUSD)
		return b
	})
}

// mutate applies fn under the lock and notifies the observer after releasing it.
func (c *BudgetController) mutate(fn func(GlobalBudget, time.Time) GlobalBudget) GlobalBudget {
	// notifyMu keeps observer calls in transition order without holding mu.
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	before := c.budget.State
	c.budget = fn(c.budget, c.now())
	after := c.budget
	c.mu.Unlock()

	if c.observer != nil && before != after.State {
		c.observer.OnBudgetStateChange(before, after.State, after)
	}
	return after
}
