package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/creditgate/internal/config"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// NewService builds the admission service from cfg over an opened backend.
func NewService(ctx context.Context, cfg config.Config, store *Storage, logger creditgate.Logger, metrics creditgate.Metrics) (*creditgate.Service, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("tier catalog: %w", err)
	}

	svcCfg := creditgate.Config{
		Catalog:          catalog,
		Location:         cfg.Location(),
		MonthlyBudgetUSD: cfg.Budget.MonthlyLimitUSD,
		GraceBands:       cfg.Grace.Bands,
		GracePolicy:      cfg.Grace.Policy,
		StorageTimeout:   time.Duration(cfg.Storage.TimeoutMs) * time.Millisecond,
		CacheSize:        cfg.Resilience.CacheSize,
		CacheTTL:         config.Seconds(cfg.Resilience.CacheTTLSec),
		MaxStaleness:     config.Seconds(cfg.Resilience.MaxStalenessSec),
		BudgetObserver: creditgate.BudgetObserverFunc(func(from, to creditgate.BudgetState, b creditgate.GlobalBudget) {
			logger.Warn("budget state changed",
				creditgate.Field{Key: "from", Value: from},
				creditgate.Field{Key: "to", Value: to},
				creditgate.Field{Key: "spentUsd", Value: b.MonthlySpentUSD},
				creditgate.Field{Key: "limitUsd", Value: b.MonthlyLimitUSD},
			)
		}),
		Logger:  logger,
		Metrics: metrics,
	}
	if cfg.Resilience.BreakerEnabled {
		svcCfg.CircuitBreaker = &creditgate.CircuitBreakerConfig{
			FailureThreshold: cfg.Resilience.BreakerThreshold,
			ResetTimeout:     config.Seconds(cfg.Resilience.BreakerResetSec),
		}
	}
	if ts, ok := store.Storage.(creditgate.TimeSource); ok {
		svcCfg.TimeSource = ts
	}

	return creditgate.NewService(ctx, store, svcCfg)
}
