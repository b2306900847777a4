// Package tiered provides a Hot/Cold tiered storage adapter that pairs fast
// storage (Hot, e.g. Redis) with durable storage (Cold, e.g. Postgres) and
// picks a data strategy per operation.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) that enforces dedupe and spend
	Hot creditgate.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore), the source of truth
	Cold creditgate.Storage

	// AsyncSync makes consumption commits and budget spend reach Cold from a
	// background worker. If false, Cold is written inline (slower but safer).
	AsyncSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Cold sync fails.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture:
// - Read-Through: accounts, budget, consumption records (Hot → Cold → fill Hot)
// - Write-Through: SaveAccount, SaveBudget (Cold → Hot)
// - Hot-Primary: CommitConsumption, AddBudgetSpend (Hot atomic, then Cold)
type Storage struct {
	hot  creditgate.Storage
	cold creditgate.Storage
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncSync {
		s.startWorker()
	}
	return s, nil
}

// Close drains pending Cold writes and stops the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncSync {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background sync loop. Jobs run sequentially so Cold
// sees commits in the order Hot accepted them.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// syncCold runs job inline or hands it to the worker.
func (s *Storage) syncCold(job func() error) {
	if !s.conf.AsyncSync {
		s.report(job())
		return
	}
	select {
	case s.syncQueue <- job:
	default:
		s.report(errors.New("sync queue full, dropping cold write"))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetAccount implements creditgate.Storage with read-through strategy.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*creditgate.Account, error) {
	acct, err := s.hot.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}

	acct, err = s.cold.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	_ = s.hot.SaveAccount(ctx, acct) //nolint:errcheck // Cache fill - errors are non-critical
	return acct, nil
}

// GetBudget implements creditgate.Storage with read-through strategy.
func (s *Storage) GetBudget(ctx context.Context) (*creditgate.GlobalBudget, error) {
	b, err := s.hot.GetBudget(ctx)
	if err == nil {
		return b, nil
	}

	b, err = s.cold.GetBudget(ctx)
	if err != nil {
		return nil, err
	}

	_ = s.hot.SaveBudget(ctx, b) //nolint:errcheck // Cache fill - errors are non-critical
	return b, nil
}

// GetConsumptionRecord implements creditgate.Storage with read-through strategy.
// Hot is checked first because commits reach Cold asynchronously.
func (s *Storage) GetConsumptionRecord(ctx context.Context, requestID string) (*creditgate.ConsumptionRecord, error) {
	rec, err := s.hot.GetConsumptionRecord(ctx, requestID)
	if err == nil && rec != nil {
		return rec, nil
	}
	return s.cold.GetConsumptionRecord(ctx, requestID)
}

// --- Strategy: Write-Through (Cold → Hot) ---

// SaveAccount implements creditgate.Storage with write-through strategy.
func (s *Storage) SaveAccount(ctx context.Context, acct *creditgate.Account) error {
	if err := s.cold.SaveAccount(ctx, acct); err != nil {
		return err
	}
	_ = s.hot.SaveAccount(ctx, acct) //nolint:errcheck // Best effort - Cold is source of truth
	return nil
}

// SaveBudget implements creditgate.Storage with write-through strategy.
func (s *Storage) SaveBudget(ctx context.Context, budget *creditgate.GlobalBudget) error {
	if err := s.cold.SaveBudget(ctx, budget); err != nil {
		return err
	}
	_ = s.hot.SaveBudget(ctx, budget) //nolint:errcheck // Best effort - Cold is source of truth
	return nil
}

// --- Strategy: Hot-Primary ---

// CommitConsumption implements creditgate.Storage. Hot enforces request
// dedupe; Cold receives the same commit afterwards.
func (s *Storage) CommitConsumption(ctx context.Context, acct *creditgate.Account, rec *creditgate.ConsumptionRecord) error {
	if err := s.hot.CommitConsumption(ctx, acct, rec); err != nil {
		return err
	}

	acctClone := *acct
	if acct.SubscriptionExpiry != nil {
		expiry := *acct.SubscriptionExpiry
		acctClone.SubscriptionExpiry = &expiry
	}
	recClone := *rec
	s.syncCold(func() error {
		err := s.cold.CommitConsumption(context.Background(), &acctClone, &recClone)
		if errors.Is(err, creditgate.ErrDuplicateRequest) {
			// Already durable, e.g. after a Hot restart lost the record.
			return nil
		}
		return err
	})
	return nil
}

// AddBudgetSpend implements creditgate.Storage. Hot is seeded from Cold when
// it has no budget yet.
func (s *Storage) AddBudgetSpend(ctx context.Context, costUSD float64) (*creditgate.GlobalBudget, error) {
	b, err := s.hot.AddBudgetSpend(ctx, costUSD)
	if errors.Is(err, creditgate.ErrBudgetNotFound) {
		cold, coldErr := s.cold.GetBudget(ctx)
		if coldErr != nil {
			return nil, coldErr
		}
		if err := s.hot.SaveBudget(ctx, cold); err != nil {
			return nil, err
		}
		b, err = s.hot.AddBudgetSpend(ctx, costUSD)
	}
	if err != nil {
		return nil, err
	}

	s.syncCold(func() error {
		_, err := s.cold.AddBudgetSpend(context.Background(), costUSD)
		return err
	})
	return b, nil
}

// --- TimeSource Support ---

// Now prefers the Hot store clock, then Cold, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.hot.(creditgate.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.cold.(creditgate.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}
