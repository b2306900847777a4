package creditgate

import "context"

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.GetAccount(ctx, userID)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) SaveAccount(ctx context.Context, acct *Account) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SaveAccount(ctx, acct)
	})
}

func (s *CircuitBreakerStorage) CommitConsumption(ctx context.Context, acct *Account, rec *ConsumptionRecord) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CommitConsumption(ctx, acct, rec)
	})
}

func (s *CircuitBreakerStorage) GetConsumptionRecord(ctx context.Context, requestID string) (*ConsumptionRecord, error) {
	var rec *ConsumptionRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetConsumptionRecord(ctx, requestID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) GetBudget(ctx context.Context) (*GlobalBudget, error) {
	var b *GlobalBudget
	err := s.cb.Execute(ctx, func() error {
		var e error
		b, e = s.storage.GetBudget(ctx)
		return e
	})
	return b, err
}

func (s *CircuitBreakerStorage) SaveBudget(ctx context.Context, budget *GlobalBudget) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SaveBudget(ctx, budget)
	})
}

func (s *CircuitBreakerStorage) AddBudgetSpend(ctx context.Context, costUSD float64) (*GlobalBudget, error) {
	var b *GlobalBudget
	err := s.cb.Execute(ctx, func() error {
		var e error
		b, e = s.storage.AddBudgetSpend(ctx, costUSD)
		return e
	})
	return b, err
}
