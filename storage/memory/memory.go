// Package memory provides an in-memory implementation of the creditgate.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// Storage implements creditgate.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	accounts map[string]*creditgate.Account
	records  map[string]*creditgate.ConsumptionRecord
	budget   *creditgate.GlobalBudget
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts: make(map[string]*creditgate.Account),
		records:  make(map[string]*creditgate.ConsumptionRecord),
	}
}

// GetAccount implements creditgate.Storage
func (s *Storage) GetAccount(_ context.Context, userID string) (*creditgate.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, creditgate.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// SaveAccount implements creditgate.Storage
func (s *Storage) SaveAccount(_ context.Context, acct *creditgate.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.UserID] = copyAccount(acct)
	return nil
}

// CommitConsumption implements creditgate.Storage
func (s *Storage) CommitConsumption(_ context.Context, acct *creditgate.Account, rec *creditgate.ConsumptionRecord) error {
	if acct == nil || acct.UserID == "" || rec == nil || rec.RequestID == "" {
		return fmt.Errorf("invalid consumption")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.RequestID]; exists {
		return creditgate.ErrDuplicateRequest
	}
	recCopy := *rec
	s.records[rec.RequestID] = &recCopy
	s.accounts[acct.UserID] = copyAccount(acct)
	return nil
}

// GetConsumptionRecord implements creditgate.Storage
func (s *Storage) GetConsumptionRecord(_ context.Context, requestID string) (*creditgate.ConsumptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[requestID]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

// GetBudget implements creditgate.Storage
func (s *Storage) GetBudget(_ context.Context) (*creditgate.GlobalBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.budget == nil {
		return nil, creditgate.ErrBudgetNotFound
	}
	b := *s.budget
	return &b, nil
}

// SaveBudget implements creditgate.Storage
func (s *Storage) SaveBudget(_ context.Context, budget *creditgate.GlobalBudget) error {
	if budget == nil {
		return fmt.Errorf("invalid budget")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := *budget
	s.budget = &b
	return nil
}

// AddBudgetSpend implements creditgate.Storage
func (s *Storage) AddBudgetSpend(_ context.Context, costUSD float64) (*creditgate.GlobalBudget, error) {
	if costUSD < 0 {
		return nil, creditgate.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.budget == nil {
		return nil, creditgate.ErrBudgetNotFound
	}
	s.budget.MonthlySpentUSD += costUSD
	s.budget.State = creditgate.StateFor(s.budget.MonthlySpentUSD, s.budget.MonthlyLimitUSD)
	s.budget.UpdatedAt = time.Now().UTC()
	b := *s.budget
	return &b, nil
}

// Records returns every stored consumption record for userID.
func (s *Storage) Records(userID string) []creditgate.ConsumptionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []creditgate.ConsumptionRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*creditgate.Account)
	s.records = make(map[string]*creditgate.ConsumptionRecord)
	s.budget = nil
}

func copyAccount(acct *creditgate.Account) *creditgate.Account {
	out := *acct
	if acct.SubscriptionExpiry != nil {
		exp := *acct.SubscriptionExpiry
		out.SubscriptionExpiry = &exp
	}
	return &out
}
