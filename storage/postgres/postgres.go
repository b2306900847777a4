// Package postgres provides a PostgreSQL implementation of the creditgate.Storage interface.
// Consumption commits run in a single transaction and budget spend is a
// single atomic UPDATE, so concurrent instances never lose an increment.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

//go:embed schema.sql
var schema string

// Storage implements creditgate.Storage and creditgate.TimeSource using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the tables on startup when they are missing
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // How long consumption records are kept for dedupe

	// Logger reports background cleanup failures (default: no-op)
	Logger creditgate.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		RecordTTL:       35 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &creditgate.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			cancel()
			pool.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RecordTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the accounts, consumption_records and global_budget tables.
// It is safe to run repeatedly.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close stops the cleanup goroutine and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	s.pool.Close()
}

const accountColumns = `user_id, tier, credits_remaining, credits_used_this_month, rollover_credits,
	exports_remaining, exports_used_this_month, active_set_count, grace_used_this_month,
	last_reset_at, next_reset_at, subscription_expiry, is_active, tier_changed_at, updated_at`

const upsertAccount = `INSERT INTO accounts (` + accountColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (user_id) DO UPDATE SET
		tier = EXCLUDED.tier,
		credits_remaining = EXCLUDED.credits_remaining,
		credits_used_this_month = EXCLUDED.credits_used_this_month,
		rollover_credits = EXCLUDED.rollover_credits,
		exports_remaining = EXCLUDED.exports_remaining,
		exports_used_this_month = EXCLUDED.exports_used_this_month,
		active_set_count = EXCLUDED.active_set_count,
		grace_used_this_month = EXCLUDED.grace_used_this_month,
		last_reset_at = EXCLUDED.last_reset_at,
		next_reset_at = EXCLUDED.next_reset_at,
		subscription_expiry = EXCLUDED.subscription_expiry,
		is_active = EXCLUDED.is_active,
		tier_changed_at = EXCLUDED.tier_changed_at,
		updated_at = EXCLUDED.updated_at`

// GetAccount implements creditgate.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*creditgate.Account, error) {
	var acct creditgate.Account
	var tier string
	err := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID).Scan(
		&acct.UserID,
		&tier,
		&acct.CreditsRemaining,
		&acct.CreditsUsedThisMonth,
		&acct.RolloverCredits,
		&acct.ExportsRemaining,
		&acct.ExportsUsedThisMonth,
		&acct.ActiveSetCount,
		&acct.GraceUsedThisMonth,
		&acct.LastResetAt,
		&acct.NextResetAt,
		&acct.SubscriptionExpiry,
		&acct.IsActive,
		&acct.TierChangedAt,
		&acct.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, creditgate.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	acct.Tier = creditgate.Tier(tier)
	acct.LastResetAt = acct.LastResetAt.UTC()
	acct.NextResetAt = acct.NextResetAt.UTC()
	acct.TierChangedAt = acct.TierChangedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	if acct.SubscriptionExpiry != nil {
		expiry := acct.SubscriptionExpiry.UTC()
		acct.SubscriptionExpiry = &expiry
	}
	return &acct, nil
}

// SaveAccount implements creditgate.Storage
func (s *Storage) SaveAccount(ctx context.Context, acct *creditgate.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	if _, err := s.pool.Exec(ctx, upsertAccount, accountArgs(acct)...); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// CommitConsumption implements creditgate.Storage
func (s *Storage) CommitConsumption(ctx context.Context, acct *creditgate.Account, rec *creditgate.ConsumptionRecord) error {
	if acct == nil || acct.UserID == "" || rec == nil || rec.RequestID == "" {
		return fmt.Errorf("invalid consumption")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var expiresAt *time.Time
	if s.config.RecordTTL > 0 {
		t := rec.Timestamp.Add(s.config.RecordTTL).UTC()
		expiresAt = &t
	}

	// The primary key on request_id makes the insert the dedupe check.
	tag, err := tx.Exec(ctx,
		`INSERT INTO consumption_records
				(request_id, user_id, action, credits_charged, grace, new_active_set,
				 cost_usd, degraded, policy_version, timestamp, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.UserID, string(rec.Action), rec.CreditsCharged, string(rec.Grace),
		rec.NewActiveSet, rec.CostUSD, rec.Degraded, rec.PolicyVersion, rec.Timestamp.UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert consumption record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return creditgate.ErrDuplicateRequest
	}

	if _, err := tx.Exec(ctx, upsertAccount, accountArgs(acct)...); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetConsumptionRecord implements creditgate.Storage
func (s *Storage) GetConsumptionRecord(ctx context.Context, requestID string) (*creditgate.ConsumptionRecord, error) {
	if requestID == "" {
		return nil, nil
	}

	var rec creditgate.ConsumptionRecord
	var action, grace string
	err := s.pool.QueryRow(ctx,
		`SELECT request_id, user_id, action, credits_charged, grace, new_active_set,
				cost_usd, degraded, policy_version, timestamp
			FROM consumption_records
			WHERE request_id = $1`,
		requestID).Scan(
		&rec.RequestID,
		&rec.UserID,
		&action,
		&rec.CreditsCharged,
		&grace,
		&rec.NewActiveSet,
		&rec.CostUSD,
		&rec.Degraded,
		&rec.PolicyVersion,
		&rec.Timestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No record found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumption record: %w", err)
	}

	rec.Action = creditgate.Action(action)
	rec.Grace = creditgate.GraceKind(grace)
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

const budgetColumns = `spent_usd, limit_usd, last_reset_at, next_reset_at, updated_at`

// GetBudget implements creditgate.Storage
func (s *Storage) GetBudget(ctx context.Context) (*creditgate.GlobalBudget, error) {
	b, err := scanBudget(s.pool.QueryRow(ctx, `SELECT `+budgetColumns+` FROM global_budget WHERE id = 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, creditgate.ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return b, nil
}

// SaveBudget implements creditgate.Storage
func (s *Storage) SaveBudget(ctx context.Context, budget *creditgate.GlobalBudget) error {
	if budget == nil {
		return fmt.Errorf("invalid budget")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO global_budget (id, `+budgetColumns+`)
			VALUES (1, $1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				spent_usd = EXCLUDED.spent_usd,
				limit_usd = EXCLUDED.limit_usd,
				last_reset_at = EXCLUDED.last_reset_at,
				next_reset_at = EXCLUDED.next_reset_at,
				updated_at = EXCLUDED.updated_at`,
		budget.MonthlySpentUSD, budget.MonthlyLimitUSD,
		budget.LastResetAt.UTC(), budget.NextResetAt.UTC(), budget.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save budget: %w", err)
	}
	return nil
}

// AddBudgetSpend implements creditgate.Storage
func (s *Storage) AddBudgetSpend(ctx context.Context, costUSD float64) (*creditgate.GlobalBudget, error) {
	if costUSD < 0 {
		return nil, creditgate.ErrInvalidAmount
	}
	b, err := scanBudget(s.pool.QueryRow(ctx,
		`UPDATE global_budget
			SET spent_usd = spent_usd + $1, updated_at = $2
			WHERE id = 1
			RETURNING `+budgetColumns,
		costUSD, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, creditgate.ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add budget spend: %w", err)
	}
	return b, nil
}

// Now implements creditgate.TimeSource using the database clock.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var t time.Time
	if err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("failed to get server time: %w", err)
	}
	return t.UTC(), nil
}

// startCleanup runs periodic cleanup of expired records until ctx is canceled
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Warn("consumption record cleanup failed", creditgate.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes consumption records past their dedupe window
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM consumption_records WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup consumption records: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func accountArgs(acct *creditgate.Account) []any {
	var expiry *time.Time
	if acct.SubscriptionExpiry != nil {
		t := acct.SubscriptionExpiry.UTC()
		expiry = &t
	}
	return []any{
		acct.UserID,
		string(acct.Tier),
		acct.CreditsRemaining,
		acct.CreditsUsedThisMonth,
		acct.RolloverCredits,
		acct.ExportsRemaining,
		acct.ExportsUsedThisMonth,
		acct.ActiveSetCount,
		acct.GraceUsedThisMonth,
		acct.LastResetAt.UTC(),
		acct.NextResetAt.UTC(),
		expiry,
		acct.IsActive,
		acct.TierChangedAt.UTC(),
		acct.UpdatedAt.UTC(),
	}
}

func scanBudget(row pgx.Row) (*creditgate.GlobalBudget, error) {
	var b creditgate.GlobalBudget
	if err := row.Scan(&b.MonthlySpentUSD, &b.MonthlyLimitUSD, &b.LastResetAt, &b.NextResetAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.LastResetAt = b.LastResetAt.UTC()
	b.NextResetAt = b.NextResetAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	b.State = creditgate.StateFor(b.MonthlySpentUSD, b.MonthlyLimitUSD)
	return &b, nil
}
