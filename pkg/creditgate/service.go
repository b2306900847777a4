package creditgate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config configures a Service. Zero values get defaults in NewService.
type Config struct {
	// Catalog is the tier table (default DefaultCatalog()).
	Catalog *Catalog

	// Location is the tenant time zone for cycle boundaries (default UTC).
	Location *time.Location

	// MonthlyBudgetUSD is the systemwide monthly limit. When set it overrides
	// the persisted limit at startup.
	MonthlyBudgetUSD float64

	// GraceBands and GracePolicy default to DefaultGraceBands and DefaultGracePolicy.
	GraceBands  *GraceBands
	GracePolicy *GracePolicy

	// StorageTimeout bounds every storage call (default 2s).
	StorageTimeout time.Duration

	// CacheSize bounds the account cache (default 10000).
	CacheSize int
	// CacheTTL is how long a clean cached account is served without a storage
	// read (default 30s).
	CacheTTL time.Duration
	// MaxStaleness bounds the age of a cached account used as a fallback.
	// Zero accepts any age.
	MaxStaleness time.Duration

	// CircuitBreaker wraps storage in a breaker when set.
	CircuitBreaker *CircuitBreakerConfig

	// Fallback is consulted after the account cache when storage fails.
	Fallback FallbackStrategy

	// BudgetObserver is told about budget state transitions.
	BudgetObserver BudgetObserver

	// TimeSource supplies the clock from the storage engine when set.
	TimeSource TimeSource

	// SweepConcurrency bounds parallel account resets in ResetDue (default 8).
	SweepConcurrency int

	Logger  Logger
	Metrics Metrics

	// Now overrides time.Now. Ignored when TimeSource is set.
	Now func() time.Time
}

// GenerationFunc performs an admitted generation and returns its realized
// cost. Cost reported together with an error is still recorded against the
// budget, but the account is not debited.
type GenerationFunc func(ctx context.Context, d Decision) (costUSD float64, err error)

// ExportFunc performs an admitted export and returns its realized cost.
type ExportFunc func(ctx context.Context, d Decision) (costUSD float64, err error)

// Result is what Generate and Export return.
type Result struct {
	Decision Decision
	Account  Account
	Budget   GlobalBudget

	// Degraded is set when the decision or the account state came from a
	// fallback path.
	Degraded bool

	// Applied is set when the action ran and the ledger committed it.
	Applied bool
}

// Service orchestrates admission: it serializes work per account, loads and
// resets state, asks the engine, runs the action, and applies the result.
type Service struct {
	storage  Storage
	catalog  *Catalog
	engine   *Engine
	ledger   *Ledger
	budget   *BudgetController
	cache    AccountCache
	fallback FallbackStrategy
	locks    *keyedMutex
	config   Config
	logger   Logger
	metrics  Metrics
	now      func() time.Time

	spendMu      sync.Mutex
	pendingSpend float64
}

// loaded is an account plus where it came from.
type loaded struct {
	acct     Account
	degraded bool

	// synthetic accounts were built from tier defaults because neither
	// storage nor any fallback had the user; they are never persisted.
	synthetic bool
}

// NewService creates a service over storage. It loads (or seeds) the global
// budget before returning.
func NewService(ctx context.Context, storage Storage, config Config) (*Service, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.MonthlyBudgetUSD < 0 || math.IsNaN(config.MonthlyBudgetUSD) {
		return nil, fmt.Errorf("%w: monthly budget %v", ErrInvalidAmount, config.MonthlyBudgetUSD)
	}
	if config.GraceBands == nil {
		bands := DefaultGraceBands()
		config.GraceBands = &bands
	}
	if config.GracePolicy == nil {
		policy := DefaultGracePolicy()
		config.GracePolicy = &policy
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = 2 * time.Second
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Second
	}
	if config.SweepConcurrency <= 0 {
		config.SweepConcurrency = 8
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Service{
		catalog: config.Catalog,
		locks:   newKeyedMutex(),
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
	if config.TimeSource != nil {
		s.now = s.storageClock(config.TimeSource)
	}

	s.storage = storage
	if config.CircuitBreaker != nil {
		cbConfig := *config.CircuitBreaker
		userHook := cbConfig.OnStateChange
		cbConfig.OnStateChange = func(state CircuitBreakerState) {
			s.metrics.RecordCircuitBreakerStateChange(string(state))
			s.logger.Warn("storage circuit breaker changed state", Field{"state", state})
			if userHook != nil {
				userHook(state)
			}
		}
		s.storage = NewCircuitBreakerStorage(storage, NewDefaultCircuitBreaker(cbConfig))
	}

	cache := NewLRUCache(config.CacheSize)
	cache.now = config.Now
	s.cache = cache
	cacheFallback := NewCacheFallbackStrategy(cache, config.MaxStaleness, s.metrics, s.logger)
	cacheFallback.now = config.Now
	strategies := []FallbackStrategy{cacheFallback}
	if config.Fallback != nil {
		strategies = append(strategies, config.Fallback)
	}
	s.fallback = NewCompositeFallbackStrategy(strategies, s.logger)

	initial, err := s.loadBudget(ctx)
	if err != nil {
		return nil, err
	}
	s.budget = NewBudgetController(initial,
		WithBudgetClock(s.now),
		WithBudgetLocation(config.Location),
		WithBudgetObserver(BudgetObserverFunc(s.onBudgetStateChange)),
	)
	s.engine = NewEngine(config.Catalog, *config.GraceBands, *config.GracePolicy)
	s.ledger = NewLedger(s.budget, s.now)
	s.metrics.RecordBudget(initial.State, initial.Ratio())
	return s, nil
}

func (s *Service) loadBudget(ctx context.Context) (GlobalBudget, error) {
	var remote *GlobalBudget
	err := s.call(ctx, "get_budget", func(ctx context.Context) error {
		var e error
		remote, e = s.storage.GetBudget(ctx)
		return e
	})

	now := s.now()
	switch {
	case err == nil:
		b := *remote
		if s.config.MonthlyBudgetUSD > 0 && b.MonthlyLimitUSD != s.config.MonthlyBudgetUSD {
			b.MonthlyLimitUSD = s.config.MonthlyBudgetUSD
			b.State = StateFor(b.MonthlySpentUSD, b.MonthlyLimitUSD)
			b.UpdatedAt = now
			s.saveBudget(ctx, b)
		}
		return b, nil

	case errors.Is(err, ErrBudgetNotFound):
		if s.config.MonthlyBudgetUSD <= 0 {
			return GlobalBudget{}, fmt.Errorf("%w: no persisted budget and no monthly limit configured", ErrInvalidAmount)
		}
		b := NewGlobalBudget(s.config.MonthlyBudgetUSD, now, s.config.Location)
		s.saveBudget(ctx, b)
		return b, nil

	default:
		s.logger.Warn("budget unavailable at startup, running degraded", Field{"error", err})
		s.metrics.RecordDegraded("storage_read")
		if fb, ferr := s.fallback.FallbackBudget(ctx); ferr == nil {
			return *fb, nil
		}
		if s.config.MonthlyBudgetUSD <= 0 {
			return GlobalBudget{}, fmt.Errorf("load budget: %w", err)
		}
		return NewGlobalBudget(s.config.MonthlyBudgetUSD, now, s.config.Location), nil
	}
}

// Catalog returns the tier table.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Budget returns the in-process global budget.
func (s *Service) Budget() GlobalBudget {
	return s.budget.Snapshot()
}

// Decide previews the admission decision for req without applying it.
func (s *Service) Decide(ctx context.Context, userID string, req GenerationRequest) (Outcome, error) {
	if err := validateUser(userID); err != nil {
		return Outcome{}, err
	}
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.resetBudgetIfDue(ctx)
	l := s.loadCurrent(ctx, userID)
	out := s.decide(l, req)
	out.Degraded = out.Degraded || l.degraded
	return out, nil
}

// Generate admits, runs and applies one generation. A blocked request is a
// result, not an error. requestID, when set, makes retries of the same
// request fail with ErrDuplicateRequest once it has been applied.
func (s *Service) Generate(ctx context.Context, userID, requestID string, req GenerationRequest, action GenerationFunc) (*Result, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	if s.alreadyApplied(ctx, requestID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	s.resetBudgetIfDue(ctx)
	l := s.loadCurrent(ctx, userID)
	out := s.decide(l, req)
	res := &Result{
		Decision: out.Decision,
		Degraded: out.Degraded || l.degraded,
		Account:  l.acct,
		Budget:   s.budget.Snapshot(),
	}
	if !out.Decision.Allowed {
		return res, nil
	}

	cost, err := s.run(ctx, out.Decision, action)
	if err != nil {
		s.recordCost(ctx, cost)
		res.Budget = s.budget.Snapshot()
		return res, fmt.Errorf("generation for %s: %w", userID, err)
	}

	next, budget, err := s.ledger.Apply(l.acct, out.Decision, req, cost)
	if err != nil {
		return res, err
	}
	s.afterSpend(ctx, cost)

	rec := &ConsumptionRecord{
		RequestID:      recordID(requestID),
		UserID:         userID,
		Action:         ActionGeneration,
		CreditsCharged: out.Decision.CreditsNeeded,
		Grace:          out.Decision.Grace,
		NewActiveSet:   out.Decision.NewActiveSet,
		CostUSD:        cost,
		Degraded:       res.Degraded,
		PolicyVersion:  out.Decision.PolicyVersion,
		Timestamp:      next.UpdatedAt,
	}
	if err := s.commit(ctx, l, next, rec); err != nil {
		return res, err
	}

	res.Applied = true
	res.Account = next
	res.Budget = budget
	return res, nil
}

// Export admits, runs and applies one export.
func (s *Service) Export(ctx context.Context, userID, requestID string, req ExportRequest, action ExportFunc) (*Result, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	if s.alreadyApplied(ctx, requestID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	s.resetBudgetIfDue(ctx)
	l := s.loadCurrent(ctx, userID)

	start := time.Now()
	out := s.engine.DecideExport(l.acct, s.budget.Snapshot(), req)
	s.observe(ActionExport, l.acct, out, start)

	res := &Result{
		Decision: out.Decision,
		Degraded: out.Degraded || l.degraded,
		Account:  l.acct,
		Budget:   s.budget.Snapshot(),
	}
	if !out.Decision.Allowed {
		return res, nil
	}

	cost, err := s.run(ctx, out.Decision, action)
	if err != nil {
		s.recordCost(ctx, cost)
		res.Budget = s.budget.Snapshot()
		return res, fmt.Errorf("export for %s: %w", userID, err)
	}

	next, budget, err := s.ledger.ApplyExport(l.acct, out.Decision, cost)
	if err != nil {
		return res, err
	}
	s.afterSpend(ctx, cost)

	rec := &ConsumptionRecord{
		RequestID:     recordID(requestID),
		UserID:        userID,
		Action:        ActionExport,
		Grace:         out.Decision.Grace,
		CostUSD:       cost,
		Degraded:      res.Degraded,
		PolicyVersion: out.Decision.PolicyVersion,
		Timestamp:     next.UpdatedAt,
	}
	if err := s.commit(ctx, l, next, rec); err != nil {
		return res, err
	}

	res.Applied = true
	res.Account = next
	res.Budget = budget
	return res, nil
}

// ApplyTierChange moves userID to tier. Unlike user actions, tier changes are
// not applied in degraded mode: the error lets the purchase source retry.
func (s *Service) ApplyTierChange(ctx context.Context, userID string, tier Tier, expiry *time.Time) (Account, error) {
	return s.applyTierChange(ctx, userID, tier, expiry, time.Time{})
}

// ApplyTierChangeAt applies a tier change that a purchase source observed at
// eventTime. Events that are not newer than the account's last tier change
// are ignored with ErrStaleTierChange, so redelivered or reordered events
// cannot roll a purchase back.
func (s *Service) ApplyTierChangeAt(ctx context.Context, userID string, tier Tier, expiry *time.Time, eventTime time.Time) (Account, error) {
	if eventTime.IsZero() {
		return Account{}, &ValidationError{Field: "event_time", Reason: "is required"}
	}
	return s.applyTierChange(ctx, userID, tier, expiry, eventTime.UTC())
}

func (s *Service) applyTierChange(ctx context.Context, userID string, tier Tier, expiry *time.Time, eventTime time.Time) (Account, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, err
	}
	cfg, ok := s.catalog.Lookup(tier)
	if !ok {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	l := s.loadCurrent(ctx, userID)
	if l.synthetic {
		return Account{}, fmt.Errorf("tier change for %s: %w", userID, ErrStorageUnavailable)
	}
	if !eventTime.IsZero() && !eventTime.After(l.acct.TierChangedAt) {
		return l.acct, fmt.Errorf("tier change for %s at %s: %w", userID, eventTime.Format(time.RFC3339), ErrStaleTierChange)
	}
	next := l.acct.ApplyTierChange(cfg, expiry, s.now())
	if !eventTime.IsZero() {
		next.TierChangedAt = eventTime
	}

	err := s.call(ctx, "save_account", func(ctx context.Context) error {
		return s.storage.SaveAccount(ctx, &next)
	})
	if err != nil {
		return Account{}, fmt.Errorf("tier change for %s: %w", userID, err)
	}
	s.cache.Set(next, false)
	s.logger.Info("tier changed",
		Field{"userId", userID},
		Field{"from", l.acct.Tier},
		Field{"to", tier},
		Field{"creditsRemaining", next.CreditsRemaining},
	)
	return next, nil
}

// UpdateSubscriptionExpiry records a renewed or changed expiry for userID
// without a tier change, so no credits are granted. eventTime orders it
// against tier changes the same way ApplyTierChangeAt does.
func (s *Service) UpdateSubscriptionExpiry(ctx context.Context, userID string, expiry *time.Time, eventTime time.Time) (Account, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	eventTime = eventTime.UTC()
	l := s.loadCurrent(ctx, userID)
	if l.synthetic {
		return Account{}, fmt.Errorf("expiry update for %s: %w", userID, ErrStorageUnavailable)
	}
	if !eventTime.IsZero() && !eventTime.After(l.acct.TierChangedAt) {
		return l.acct, fmt.Errorf("expiry update for %s at %s: %w", userID, eventTime.Format(time.RFC3339), ErrStaleTierChange)
	}
	next := l.acct.WithSubscriptionExpiry(expiry, s.now())
	if !eventTime.IsZero() {
		next.TierChangedAt = eventTime
	}

	err := s.call(ctx, "save_account", func(ctx context.Context) error {
		return s.storage.SaveAccount(ctx, &next)
	})
	if err != nil {
		return Account{}, fmt.Errorf("expiry update for %s: %w", userID, err)
	}
	s.cache.Set(next, false)
	return next, nil
}

// ArchiveSet records that userID archived or deleted one set.
func (s *Service) ArchiveSet(ctx context.Context, userID string) (Account, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	l := s.loadCurrent(ctx, userID)
	next, err := l.acct.DecrementActiveSetCount(s.now())
	if err != nil {
		return l.acct, err
	}
	if err := s.commit(ctx, l, next, nil); err != nil {
		return l.acct, err
	}
	return next, nil
}

// Account returns userID's current account, resetting it first when a cycle
// boundary has passed.
func (s *Service) Account(ctx context.Context, userID string) (Account, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.loadCurrent(ctx, userID).acct, nil
}

// OutputCounts returns per-credit output for userID under the current budget state.
func (s *Service) OutputCounts(ctx context.Context, userID string) (OutputCounts, error) {
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return OutputCounts{}, err
	}
	return s.catalog.OutputCounts(acct.Tier, s.budget.Snapshot().State), nil
}

// RecordSpend adds realized cost reported outside a Generate call.
func (s *Service) RecordSpend(ctx context.Context, costUSD float64) (GlobalBudget, error) {
	if _, err := s.budget.RecordSpend(costUSD); err != nil {
		return s.budget.Snapshot(), err
	}
	s.afterSpend(ctx, costUSD)
	return s.budget.Snapshot(), nil
}

// SetBudgetLimit changes the systemwide monthly limit.
func (s *Service) SetBudgetLimit(ctx context.Context, limitUSD float64) (GlobalBudget, error) {
	b, err := s.budget.SetLimit(limitUSD)
	if err != nil {
		return b, err
	}
	s.saveBudget(ctx, b)
	return b, nil
}

// ResetDue resets the budget when its cycle ended, flushes spend and accounts
// left unsaved by storage failures, and resets every in-memory account whose
// cycle ended. Accounts not in memory reset on their next use.
func (s *Service) ResetDue(ctx context.Context) error {
	s.resetBudgetIfDue(ctx)
	s.afterSpend(ctx, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.SweepConcurrency)
	for _, userID := range s.cache.Keys() {
		g.Go(func() error {
			return s.sweepAccount(gctx, userID)
		})
	}
	return g.Wait()
}

func (s *Service) sweepAccount(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	cached, ok := s.cache.Get(userID)
	if !ok || cached.Synthetic {
		return nil
	}
	l := loaded{acct: cached.Account}
	reset := s.ensureCurrent(&l)
	if !reset && !cached.Dirty {
		return nil
	}
	if err := s.commit(ctx, l, l.acct, nil); err != nil {
		s.logger.Warn("account sweep failed", Field{"userId", userID}, Field{"error", err})
	}
	return nil
}

// loadCurrent loads userID and applies any due reset, persisting it.
func (s *Service) loadCurrent(ctx context.Context, userID string) loaded {
	l := s.loadAccount(ctx, userID)
	before := l.acct
	if s.ensureCurrent(&l) {
		if err := s.commit(ctx, loaded{acct: before, synthetic: l.synthetic}, l.acct, nil); err != nil {
			s.logger.Warn("saving reset account failed", Field{"userId", userID}, Field{"error", err})
		}
	}
	return l
}

func (s *Service) loadAccount(ctx context.Context, userID string) loaded {
	cached, inCache := s.cache.Get(userID)
	if inCache && !cached.Synthetic &&
		(cached.Dirty || s.now().Sub(cached.CachedAt) < s.config.CacheTTL) {
		s.metrics.RecordCacheHit()
		return loaded{acct: cached.Account}
	}
	s.metrics.RecordCacheMiss()
	synthetic := inCache && cached.Synthetic

	var acct *Account
	err := s.call(ctx, "get_account", func(ctx context.Context) error {
		var e error
		acct, e = s.storage.GetAccount(ctx, userID)
		return e
	})
	switch {
	case err == nil:
		if synthetic {
			s.logger.Warn("storage is back, dropping outage-only account state", Field{"userId", userID})
		}
		s.cache.Set(*acct, false)
		return loaded{acct: *acct}

	case errors.Is(err, ErrAccountNotFound):
		// A user first seen during an outage keeps what it used meanwhile.
		fresh := NewAccount(userID, s.catalog.ConfigFor(s.catalog.DefaultTier()), s.now(), s.config.Location)
		if synthetic {
			fresh = cached.Account
		}
		if cerr := s.commit(ctx, loaded{}, fresh, nil); cerr != nil {
			s.logger.Warn("saving new account failed", Field{"userId", userID}, Field{"error", cerr})
		}
		return loaded{acct: fresh}
	}

	s.logger.Warn("account storage unavailable, using last-known state",
		Field{"userId", userID},
		Field{"error", err},
	)
	s.metrics.RecordDegraded("storage_read")
	if s.fallback.ShouldFallback(err) {
		if fb, ferr := s.fallback.FallbackAccount(ctx, userID); ferr == nil {
			return loaded{acct: *fb, degraded: true}
		}
	}
	if synthetic {
		return loaded{acct: cached.Account, degraded: true, synthetic: true}
	}
	fresh := NewAccount(userID, s.catalog.ConfigFor(s.catalog.DefaultTier()), s.now(), s.config.Location)
	return loaded{acct: fresh, degraded: true, synthetic: true}
}

// ensureCurrent moves accounts off tiers missing from the catalog, lapses
// expired subscriptions and resets a finished cycle. It reports whether the
// account changed.
func (s *Service) ensureCurrent(l *loaded) bool {
	now := s.now()
	changed := false
	if _, ok := s.catalog.Lookup(l.acct.Tier); !ok {
		def := s.catalog.DefaultTier()
		s.logger.Warn("account tier not in catalog, using default tier",
			Field{"userId", l.acct.UserID},
			Field{"tier", l.acct.Tier},
			Field{"defaultTier", def},
		)
		l.acct.Tier = def
		l.acct.UpdatedAt = now
		changed = true
	}
	if !l.acct.ResetDue(now) {
		return changed
	}
	acct := l.acct
	if acct.SubscriptionLapsed(now) {
		def := s.catalog.ConfigFor(s.catalog.DefaultTier())
		s.logger.Info("subscription lapsed", Field{"userId", acct.UserID}, Field{"tier", acct.Tier})
		acct = acct.Lapse(def, now)
	}
	next, reset := acct.ResetForNewCycle(s.catalog.ConfigFor(acct.Tier), now, s.config.Location)
	if !reset {
		return changed
	}
	s.metrics.RecordReset("account")
	s.logger.Debug("account cycle reset",
		Field{"userId", next.UserID},
		Field{"creditsRemaining", next.CreditsRemaining},
		Field{"rolloverCredits", next.RolloverCredits},
		Field{"nextResetAt", next.NextResetAt},
	)
	l.acct = next
	return true
}

func (s *Service) resetBudgetIfDue(ctx context.Context) {
	b, reset := s.budget.ResetIfDue()
	if !reset {
		return
	}
	s.spendMu.Lock()
	s.pendingSpend = 0
	s.spendMu.Unlock()

	s.metrics.RecordReset("budget")
	s.metrics.RecordBudget(b.State, b.Ratio())
	s.logger.Info("global budget reset", Field{"nextResetAt", b.NextResetAt})
	s.saveBudget(ctx, b)
}

func (s *Service) decide(l loaded, req GenerationRequest) Outcome {
	start := time.Now()
	out := s.engine.Decide(l.acct, s.budget.Snapshot(), req)
	s.observe(ActionGeneration, l.acct, out, start)
	return out
}

func (s *Service) observe(action Action, acct Account, out Outcome, start time.Time) {
	d := out.Decision
	s.metrics.RecordDecisionDuration(action, time.Since(start))
	s.metrics.RecordDecision(acct.Tier, d.Check, d.Allowed, d.Grace)
	if out.Degraded {
		s.metrics.RecordDegraded("fail_open")
		s.logger.Error("admission check failed",
			Field{"userId", acct.UserID},
			Field{"action", action},
			Field{"allowed", d.Allowed},
			Field{"error", out.Err},
		)
		return
	}
	if !d.Allowed {
		s.logger.Info("request blocked",
			Field{"userId", acct.UserID},
			Field{"action", action},
			Field{"check", d.Check},
			Field{"reason", d.Reason},
		)
		return
	}
	s.logger.Debug("request admitted",
		Field{"userId", acct.UserID},
		Field{"action", action},
		Field{"grace", d.Grace},
		Field{"warnings", len(d.Warnings)},
	)
}

func (s *Service) run(ctx context.Context, d Decision, action func(context.Context, Decision) (float64, error)) (float64, error) {
	if action == nil {
		return 0, nil
	}
	cost, err := action(ctx, d)
	if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		s.logger.Warn("ignoring invalid reported cost", Field{"cost", cost})
		cost = 0
	}
	return cost, err
}

// recordCost records the cost of a failed action against the budget only.
func (s *Service) recordCost(ctx context.Context, cost float64) {
	if cost <= 0 {
		return
	}
	if _, err := s.budget.RecordSpend(cost); err != nil {
		return
	}
	s.afterSpend(ctx, cost)
}

// afterSpend pushes spend already recorded in the controller to storage and
// folds the persisted total back in. Spend that cannot be persisted is kept
// and retried with the next call.
func (s *Service) afterSpend(ctx context.Context, cost float64) {
	if cost > 0 {
		s.metrics.RecordSpend(cost)
	}

	s.spendMu.Lock()
	amount := cost + s.pendingSpend
	s.pendingSpend = 0
	s.spendMu.Unlock()
	if amount <= 0 {
		return
	}

	var remote *GlobalBudget
	err := s.call(ctx, "add_budget_spend", func(ctx context.Context) error {
		var e error
		remote, e = s.storage.AddBudgetSpend(ctx, amount)
		return e
	})
	switch {
	case err == nil:
		b := s.budget.Reconcile(*remote)
		s.metrics.RecordBudget(b.State, b.Ratio())
	case errors.Is(err, ErrBudgetNotFound):
		s.saveBudget(ctx, s.budget.Snapshot())
	default:
		s.spendMu.Lock()
		s.pendingSpend += amount
		s.spendMu.Unlock()
		s.metrics.RecordDegraded("storage_write")
		s.logger.Warn("persisting spend failed, keeping it in memory",
			Field{"amount", amount},
			Field{"error", err},
		)
	}
}

func (s *Service) saveBudget(ctx context.Context, b GlobalBudget) {
	err := s.call(ctx, "save_budget", func(ctx context.Context) error {
		return s.storage.SaveBudget(ctx, &b)
	})
	if err != nil {
		s.metrics.RecordDegraded("storage_write")
		s.logger.Warn("saving budget failed", Field{"error", err})
	}
}

// commit persists next. With a record it goes through CommitConsumption so
// the record and the account land together. Storage failures keep next in
// the cache as dirty; only ErrDuplicateRequest is returned.
func (s *Service) commit(ctx context.Context, l loaded, next Account, rec *ConsumptionRecord) error {
	if l.synthetic {
		s.cache.SetSynthetic(next)
		s.logger.Warn("account state not persisted while storage is unavailable", Field{"userId", next.UserID})
		return nil
	}

	var err error
	if rec != nil {
		err = s.call(ctx, "commit_consumption", func(ctx context.Context) error {
			return s.storage.CommitConsumption(ctx, &next, rec)
		})
	} else {
		err = s.call(ctx, "save_account", func(ctx context.Context) error {
			return s.storage.SaveAccount(ctx, &next)
		})
	}

	switch {
	case err == nil:
		s.cache.Set(next, false)
		return nil
	case errors.Is(err, ErrDuplicateRequest):
		s.cache.Invalidate(next.UserID)
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, rec.RequestID)
	default:
		s.cache.Set(next, true)
		s.metrics.RecordDegraded("storage_write")
		s.logger.Warn("saving account failed, keeping it in memory",
			Field{"userId", next.UserID},
			Field{"error", err},
		)
		return nil
	}
}

// alreadyApplied reports whether requestID has a committed record. Lookup
// failures admit the request; CommitConsumption still dedupes.
func (s *Service) alreadyApplied(ctx context.Context, requestID string) bool {
	if requestID == "" {
		return false
	}
	var rec *ConsumptionRecord
	err := s.call(ctx, "get_consumption_record", func(ctx context.Context) error {
		var e error
		rec, e = s.storage.GetConsumptionRecord(ctx, requestID)
		return e
	})
	if err != nil {
		s.logger.Warn("request dedupe lookup failed", Field{"requestId", requestID}, Field{"error", err})
		return false
	}
	return rec != nil
}

// call runs one storage operation under the storage timeout.
func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
	defer cancel()
	start := time.Now()
	err := fn(sctx)
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
	return err
}

func (s *Service) storageClock(ts TimeSource) func() time.Time {
	return func() time.Time {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.StorageTimeout)
		defer cancel()
		t, err := ts.Now(ctx)
		if err != nil {
			s.logger.Debug("storage clock unavailable, using local clock", Field{"error", err})
			return time.Now()
		}
		return t
	}
}

func (s *Service) onBudgetStateChange(from, to BudgetState, b GlobalBudget) {
	s.metrics.RecordBudget(to, b.Ratio())
	s.logger.Warn("global budget state changed",
		Field{"from", from},
		Field{"to", to},
		Field{"spentUsd", b.MonthlySpentUSD},
		Field{"limitUsd", b.MonthlyLimitUSD},
	)
	if s.config.BudgetObserver != nil {
		s.config.BudgetObserver.OnBudgetStateChange(from, to, b)
	}
}

// recordID keeps caller request ids and mints one for anonymous requests so
// every applied request leaves a record.
func recordID(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return uuid.NewString()
}

func validateUser(userID string) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}
	return nil
}
