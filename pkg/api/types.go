package api

import (
	"time"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// AccountResponse represents the complete quota standing for a user
type AccountResponse struct {
	UserID  string          `json:"user_id"`
	Tier    creditgate.Tier `json:"tier"`
	Status  string          `json:"status"` // "active", "expired", "default"
	ResetAt time.Time       `json:"reset_at"`

	// SubscriptionExpiry is set for paid tiers with a known end date
	SubscriptionExpiry *time.Time `json:"subscription_expiry,omitempty"`

	Credits    CreditUsage             `json:"credits"`
	Exports    Usage                   `json:"exports"`
	ActiveSets Usage                   `json:"active_sets"`
	Output     creditgate.OutputCounts `json:"output_per_credit"`

	// Degraded is set while the budget is in savings or paused
	Degraded bool `json:"degraded"`
}

// Usage represents a counted allowance
type Usage struct {
	Limit     int `json:"limit"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// CreditUsage represents the credit balance with its rollover part
type CreditUsage struct {
	Usage
	Rollover      int `json:"rollover"`
	GraceUsed     int `json:"grace_used"`
	RolloverLimit int `json:"rollover_limit,omitempty"`
}

// BudgetResponse represents the systemwide budget
type BudgetResponse struct {
	State    creditgate.BudgetState `json:"state"`
	SpentUSD float64                `json:"spent_usd"`
	LimitUSD float64                `json:"limit_usd"`
	Ratio    float64                `json:"ratio"`
	ResetAt  time.Time              `json:"reset_at"`
}

// NewBudgetResponse converts a budget snapshot.
func NewBudgetResponse(b creditgate.GlobalBudget) BudgetResponse {
	return BudgetResponse{
		State:    b.State,
		SpentUSD: b.MonthlySpentUSD,
		LimitUSD: b.MonthlyLimitUSD,
		Ratio:    b.Ratio(),
		ResetAt:  b.NextResetAt,
	}
}

// PreviewResponse is a decision computed without applying it
type PreviewResponse struct {
	Decision creditgate.Decision `json:"decision"`
	Degraded bool                `json:"degraded"`
}
