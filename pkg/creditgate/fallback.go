package creditgate

import (
	"context"
	"fmt"
	"time"
)

// FallbackStrategy supplies account and budget state when primary storage fails.
type FallbackStrategy interface {
	// ShouldFallback determines if err warrants fallback.
	ShouldFallback(err error) bool

	// FallbackAccount returns a last-known account for userID.
	FallbackAccount(ctx context.Context, userID string) (*Account, error)

	// FallbackBudget returns a last-known budget.
	FallbackBudget(ctx context.Context) (*GlobalBudget, error)
}

// shouldFallback is shared by the strategies: any backend failure qualifies,
// data answers such as "not found" never do.
func shouldFallback(err error) bool {
	return err != nil && !isBusinessError(err)
}

// CacheFallbackStrategy falls back to the account cache.
type CacheFallbackStrategy struct {
	cache        AccountCache
	maxStaleness time.Duration
	metrics      Metrics
	logger       Logger
	now          func() time.Time
}

// NewCacheFallbackStrategy creates a cache fallback. maxStaleness of zero
// accepts entries of any age.
func NewCacheFallbackStrategy(cache AccountCache, maxStaleness time.Duration, metrics Metrics, logger Logger) *CacheFallbackStrategy {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &CacheFallbackStrategy{
		cache:        cache,
		maxStaleness: maxStaleness,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *CacheFallbackStrategy) ShouldFallback(err error) bool {
	return shouldFallback(err)
}

func (s *CacheFallbackStrategy) FallbackAccount(_ context.Context, userID string) (*Account, error) {
	if s.cache == nil {
		return nil, ErrFallbackUnavailable
	}
	cached, ok := s.cache.Get(userID)
	if !ok || cached.Synthetic {
		return nil, ErrFallbackUnavailable
	}
	if s.maxStaleness > 0 && !cached.Dirty {
		if age := s.now().Sub(cached.CachedAt); age > s.maxStaleness {
			s.logger.Warn("cache too stale for fallback",
				Field{"userId", userID},
				Field{"age", age},
				Field{"maxStaleness", s.maxStaleness},
			)
			return nil, ErrStaleCache
		}
	}

	s.metrics.RecordDegraded("fallback_cache")
	s.logger.Info("using cached account for fallback", Field{"userId", userID})
	acct := cached.Account
	return &acct, nil
}

// FallbackBudget is not served from the account cache; the budget controller
// already holds the last-known budget.
func (s *CacheFallbackStrategy) FallbackBudget(context.Context) (*GlobalBudget, error) {
	return nil, ErrFallbackUnavailable
}

// SecondaryStorageFallbackStrategy falls back to a secondary storage.
type SecondaryStorageFallbackStrategy struct {
	secondary Storage
	metrics   Metrics
	logger    Logger
}

// NewSecondaryStorageFallbackStrategy creates a secondary storage fallback.
func NewSecondaryStorageFallbackStrategy(secondary Storage, metrics Metrics, logger Logger) *SecondaryStorageFallbackStrategy {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &SecondaryStorageFallbackStrategy{secondary: secondary, metrics: metrics, logger: logger}
}

func (s *SecondaryStorageFallbackStrategy) ShouldFallback(err error) bool {
	return shouldFallback(err)
}

func (s *SecondaryStorageFallbackStrategy) FallbackAccount(ctx context.Context, userID string) (*Account, error) {
	if s.secondary == nil {
		return nil, ErrFallbackUnavailable
	}
	acct, err := s.secondary.GetAccount(ctx, userID)
	if err != nil {
		s.logger.Warn("secondary storage failed to get account",
			Field{"userId", userID},
			Field{"error", err},
		)
		return nil, fmt.Errorf("%w: %v", ErrFallbackUnavailable, err)
	}
	s.metrics.RecordDegraded("fallback_secondary")
	s.logger.Info("using secondary storage for fallback", Field{"userId", userID})
	return acct, nil
}

func (s *SecondaryStorageFallbackStrategy) FallbackBudget(ctx context.Context) (*GlobalBudget, error) {
	if s.secondary == nil {
		return nil, ErrFallbackUnavailable
	}
	b, err := s.secondary.GetBudget(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFallbackUnavailable, err)
	}
	s.metrics.RecordDegraded("fallback_secondary")
	return b, nil
}

// CompositeFallbackStrategy tries strategies in order.
type CompositeFallbackStrategy struct {
	strategies []FallbackStrategy
	logger     Logger
}

// NewCompositeFallbackStrategy creates a composite over strategies.
func NewCompositeFallbackStrategy(strategies []FallbackStrategy, logger Logger) *CompositeFallbackStrategy {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &CompositeFallbackStrategy{strategies: strategies, logger: logger}
}

// ShouldFallback uses the first strategy's rule.
func (s *CompositeFallbackStrategy) ShouldFallback(err error) bool {
	if len(s.strategies) == 0 {
		return false
	}
	return s.strategies[0].ShouldFallback(err)
}

func (s *CompositeFallbackStrategy) FallbackAccount(ctx context.Context, userID string) (*Account, error) {
	return firstFallback(s, func(f FallbackStrategy) (*Account, error) {
		return f.FallbackAccount(ctx, userID)
	})
}

func (s *CompositeFallbackStrategy) FallbackBudget(ctx context.Context) (*GlobalBudget, error) {
	return firstFallback(s, func(f FallbackStrategy) (*GlobalBudget, error) {
		return f.FallbackBudget(ctx)
	})
}

func firstFallback[T any](s *CompositeFallbackStrategy, get func(FallbackStrategy) (*T, error)) (*T, error) {
	lastErr := ErrFallbackUnavailable
	for i, strategy := range s.strategies {
		var v *T
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic in fallback strategy",
						Field{"strategy", i},
						Field{"panic", r},
					)
					err = ErrFallbackUnavailable
				}
			}()
			v, err = get(strategy)
		}()
		if err == nil && v != nil {
			return v, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return nil, lastErr
}
