package creditgate

import (
	"fmt"
	"time"
)

// Account is one user's quota standing for the current cycle. Operations are
// value-typed: each returns the next state and leaves the receiver untouched.
type Account struct {
	UserID string `json:"user_id"`
	Tier   Tier   `json:"tier"`

	CreditsRemaining     int `json:"credits_remaining"`
	CreditsUsedThisMonth int `json:"credits_used_this_month"`
	// RolloverCredits is the part of CreditsRemaining carried from the previous cycle.
	RolloverCredits int `json:"rollover_credits"`

	ExportsRemaining     int `json:"exports_remaining"`
	ExportsUsedThisMonth int `json:"exports_used_this_month"`

	ActiveSetCount int `json:"active_set_count"`

	// GraceUsedThisMonth counts admissions that went through without a debit.
	GraceUsedThisMonth int `json:"grace_used_this_month"`

	LastResetAt time.Time `json:"last_reset_at"`
	NextResetAt time.Time `json:"next_reset_at"`

	SubscriptionExpiry *time.Time `json:"subscription_expiry,omitempty"`
	IsActive           bool       `json:"is_active"`

	// TierChangedAt orders purchase events; older events are ignored.
	TierChangedAt time.Time `json:"tier_changed_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewAccount creates the default account for userID on the given tier row.
func NewAccount(userID string, cfg TierConfig, now time.Time, loc *time.Location) Account {
	return Account{
		UserID:           userID,
		Tier:             cfg.Tier,
		CreditsRemaining: cfg.MonthlyCredits,
		ExportsRemaining: cfg.MonthlyExports,
		LastResetAt:      now,
		NextResetAt:      NextCycleBoundary(now, loc),
		IsActive:         true,
		UpdatedAt:        now,
	}
}

// ApplyTierChange moves the account to cfg's tier with an immediate full grant
// of the new tier's monthly credits. Rollover survives only if the new tier
// has rollover. Downgrades grant the same way; nothing is clawed back.
func (a Account) ApplyTierChange(cfg TierConfig, expiry *time.Time, now time.Time) Account {
	rollover := 0
	if cfg.HasRollover {
		rollover = min(a.RolloverCredits, cfg.RolloverLimit)
	}
	a.Tier = cfg.Tier
	a.RolloverCredits = rollover
	a.CreditsRemaining = cfg.MonthlyCredits + rollover
	a.ExportsRemaining = cfg.MonthlyExports
	a.SubscriptionExpiry = copyTime(expiry)
	a.IsActive = true
	a.TierChangedAt = now
	a.UpdatedAt = now
	return a
}

// WithSubscriptionExpiry replaces the expiry and leaves balances alone.
func (a Account) WithSubscriptionExpiry(expiry *time.Time, now time.Time) Account {
	a.SubscriptionExpiry = copyTime(expiry)
	a.UpdatedAt = now
	return a
}

// ConsumeCredits debits n credits.
func (a Account) ConsumeCredits(n int, now time.Time) (Account, error) {
	if n < 0 {
		return a, fmt.Errorf("%w: credits %d", ErrInvalidAmount, n)
	}
	if n > a.CreditsRemaining {
		return a, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, n, a.CreditsRemaining)
	}
	a.CreditsRemaining -= n
	a.CreditsUsedThisMonth += n
	a.RolloverCredits = min(a.RolloverCredits, a.CreditsRemaining)
	a.UpdatedAt = now
	return a, nil
}

// ConsumeExport debits one export.
func (a Account) ConsumeExport(now time.Time) (Account, error) {
	if a.ExportsRemaining < 1 {
		return a, ErrInsufficientExports
	}
	a.ExportsRemaining--
	a.ExportsUsedThisMonth++
	a.UpdatedAt = now
	return a, nil
}

// IncrementActiveSetCount records a newly created set.
func (a Account) IncrementActiveSetCount(now time.Time) Account {
	a.ActiveSetCount++
	a.UpdatedAt = now
	return a
}

// DecrementActiveSetCount records an archived or deleted set.
func (a Account) DecrementActiveSetCount(now time.Time) (Account, error) {
	if a.ActiveSetCount == 0 {
		return a, ErrNoActiveSets
	}
	a.ActiveSetCount--
	a.UpdatedAt = now
	return a, nil
}

// ResetDue reports whether the account's cycle ended at or before now.
func (a Account) ResetDue(now time.Time) bool {
	return cycleDue(a.NextResetAt, now)
}

// ResetForNewCycle starts a new cycle when one is due. Rollover is
// min(CreditsRemaining, RolloverLimit) for tiers with rollover, else zero.
// ActiveSetCount is untouched. Missed boundaries collapse into one reset, and
// a clock that moved backwards never resets. The second return value reports
// whether a reset happened.
func (a Account) ResetForNewCycle(cfg TierConfig, now time.Time, loc *time.Location) (Account, bool) {
	if !a.ResetDue(now) {
		return a, false
	}
	rollover := 0
	if cfg.HasRollover {
		rollover = min(a.CreditsRemaining, cfg.RolloverLimit)
	}
	a.Tier = cfg.Tier
	a.RolloverCredits = rollover
	a.CreditsRemaining = cfg.MonthlyCredits + rollover
	a.CreditsUsedThisMonth = 0
	a.ExportsRemaining = cfg.MonthlyExports
	a.ExportsUsedThisMonth = 0
	a.GraceUsedThisMonth = 0
	a.LastResetAt = now
	a.NextResetAt = NextCycleBoundary(now, loc)
	a.UpdatedAt = now
	return a, true
}

// SubscriptionLapsed reports whether a paid subscription has expired by now.
func (a Account) SubscriptionLapsed(now time.Time) bool {
	return a.SubscriptionExpiry != nil && !now.Before(*a.SubscriptionExpiry)
}

// Lapse moves an expired subscription onto the default tier row. Balances
// are left for the next reset to recompute.
func (a Account) Lapse(cfg TierConfig, now time.Time) Account {
	a.Tier = cfg.Tier
	a.SubscriptionExpiry = nil
	a.TierChangedAt = now
	a.UpdatedAt = now
	return a
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
