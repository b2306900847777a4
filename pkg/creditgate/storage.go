package creditgate

import (
	"context"
	"time"
)

// Storage defines the interface for account and budget persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetAccount retrieves a user's account.
	// Returns ErrAccountNotFound when the user has none.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// SaveAccount stores a user's account, replacing any previous one.
	SaveAccount(ctx context.Context, acct *Account) error

	// CommitConsumption atomically stores the account and its consumption
	// record. Returns ErrDuplicateRequest, without touching the account, when
	// rec.RequestID was already committed.
	CommitConsumption(ctx context.Context, acct *Account, rec *ConsumptionRecord) error

	// GetConsumptionRecord retrieves a record by request id.
	// Returns nil if no record found (not an error).
	GetConsumptionRecord(ctx context.Context, requestID string) (*ConsumptionRecord, error)

	// GetBudget retrieves the global budget.
	// Returns ErrBudgetNotFound before the first save.
	GetBudget(ctx context.Context) (*GlobalBudget, error)

	// SaveBudget stores the global budget.
	SaveBudget(ctx context.Context, budget *GlobalBudget) error

	// AddBudgetSpend atomically adds cost to the persisted budget and returns
	// the updated record. Returns ErrBudgetNotFound before the first save.
	AddBudgetSpend(ctx context.Context, costUSD float64) (*GlobalBudget, error)
}

// TimeSource lets a storage engine supply the clock, keeping cycle boundaries
// consistent across instances with skewed clocks.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// ConsumptionRecord is the persisted trace of one applied request.
type ConsumptionRecord struct {
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id"`
	Action         Action    `json:"action"`
	CreditsCharged int       `json:"credits_charged"`
	Grace          GraceKind `json:"grace,omitempty"`
	NewActiveSet   bool      `json:"new_active_set"`
	CostUSD        float64   `json:"cost_usd"`
	Degraded       bool      `json:"degraded"`
	PolicyVersion  string    `json:"policy_version"`
	Timestamp      time.Time `json:"timestamp"`
}
