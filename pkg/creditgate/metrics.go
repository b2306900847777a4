package creditgate

import "time"

// Metrics defines the interface for tracking admission decisions, budget
// movement and storage health.
type Metrics interface {
	// RecordDecision records the outcome of an admission decision.
	// check names the check that decided it ("" when every check passed).
	RecordDecision(tier Tier, check Check, allowed bool, grace GraceKind)

	// RecordDecisionDuration records how long a decide call took.
	RecordDecisionDuration(action Action, duration time.Duration)

	// RecordDegraded records a degraded-mode event
	// ("fail_open", "storage_read", "storage_write").
	RecordDegraded(reason string)

	// RecordSpend records realized cost forwarded to the budget.
	RecordSpend(costUSD float64)

	// RecordBudget records the current budget state and spend ratio.
	RecordBudget(state BudgetState, ratio float64)

	// RecordReset records a cycle reset ("account" or "budget").
	RecordReset(scope string)

	// RecordCacheHit records a hit in the account cache.
	RecordCacheHit()

	// RecordCacheMiss records a miss in the account cache.
	RecordCacheMiss()

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(Tier, Check, bool, GraceKind)         {}
func (n *NoopMetrics) RecordDecisionDuration(Action, time.Duration)        {}
func (n *NoopMetrics) RecordDegraded(string)                               {}
func (n *NoopMetrics) RecordSpend(float64)                                 {}
func (n *NoopMetrics) RecordBudget(BudgetState, float64)                   {}
func (n *NoopMetrics) RecordReset(string)                                  {}
func (n *NoopMetrics) RecordCacheHit()                                     {}
func (n *NoopMetrics) RecordCacheMiss()                                    {}
func (n *NoopMetrics) RecordStorageOperation(string, time.Duration, error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(string)              {}
