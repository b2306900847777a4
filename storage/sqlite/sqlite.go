// Package sqlite provides a SQLite implementation of the creditgate.Storage
// interface for single-node deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

const createTables = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	credits_remaining INTEGER NOT NULL,
	credits_used_this_month INTEGER NOT NULL,
	rollover_credits INTEGER NOT NULL,
	exports_remaining INTEGER NOT NULL,
	exports_used_this_month INTEGER NOT NULL,
	active_set_count INTEGER NOT NULL,
	grace_used_this_month INTEGER NOT NULL,
	last_reset_at INTEGER NOT NULL,
	next_reset_at INTEGER NOT NULL,
	subscription_expiry INTEGER,
	is_active INTEGER NOT NULL,
	tier_changed_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS consumption_records (
	request_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	action TEXT NOT NULL,
	credits_charged INTEGER NOT NULL,
	grace TEXT NOT NULL,
	new_active_set INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	degraded INTEGER NOT NULL,
	policy_version TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consumption_records_timestamp ON consumption_records(timestamp);
CREATE TABLE IF NOT EXISTS global_budget (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	spent_usd REAL NOT NULL,
	limit_usd REAL NOT NULL,
	last_reset_at INTEGER NOT NULL,
	next_reset_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Storage implements creditgate.Storage on a SQLite database file.
// Timestamps are stored as UTC unix nanoseconds.
type Storage struct {
	db        *sql.DB
	recordTTL time.Duration
}

// Config holds SQLite storage configuration.
type Config struct {
	// Path is the database file, or ":memory:" (required)
	Path string

	// RecordTTL is how long consumption records are kept for request dedupe
	// before Cleanup removes them (0 = keep forever)
	RecordTTL time.Duration
}

// New opens the database at config.Path and creates the tables.
func New(config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", config.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}

	return &Storage{db: db, recordTTL: config.RecordTTL}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

const accountColumns = `user_id, tier, credits_remaining, credits_used_this_month, rollover_credits,
	exports_remaining, exports_used_this_month, active_set_count, grace_used_this_month,
	last_reset_at, next_reset_at, subscription_expiry, is_active, tier_changed_at, updated_at`

const upsertAccount = `INSERT OR REPLACE INTO accounts (` + accountColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// GetAccount implements creditgate.Storage.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*creditgate.Account, error) {
	var (
		acct                                 creditgate.Account
		tier                                 string
		lastReset, nextReset, changed, saved int64
		expiry                               sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`, userID,
	).Scan(
		&acct.UserID, &tier,
		&acct.CreditsRemaining, &acct.CreditsUsedThisMonth, &acct.RolloverCredits,
		&acct.ExportsRemaining, &acct.ExportsUsedThisMonth,
		&acct.ActiveSetCount, &acct.GraceUsedThisMonth,
		&lastReset, &nextReset, &expiry, &acct.IsActive, &changed, &saved,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, creditgate.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	acct.Tier = creditgate.Tier(tier)
	acct.LastResetAt = fromNanos(lastReset)
	acct.NextResetAt = fromNanos(nextReset)
	acct.TierChangedAt = fromNanos(changed)
	acct.UpdatedAt = fromNanos(saved)
	if expiry.Valid {
		t := fromNanos(expiry.Int64)
		acct.SubscriptionExpiry = &t
	}
	return &acct, nil
}

// SaveAccount implements creditgate.Storage.
func (s *Storage) SaveAccount(ctx context.Context, acct *creditgate.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	if _, err := s.db.ExecContext(ctx, upsertAccount, accountArgs(acct)...); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// CommitConsumption implements creditgate.Storage.
func (s *Storage) CommitConsumption(ctx context.Context, acct *creditgate.Account, rec *creditgate.ConsumptionRecord) error {
	if acct == nil || acct.UserID == "" || rec == nil || rec.RequestID == "" {
		return fmt.Errorf("invalid consumption")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	res, err := tx.ExecContext(ctx,
		`INSERT INTO consumption_records
			(request_id, user_id, action, credits_charged, grace, new_active_set, cost_usd, degraded, policy_version, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		rec.RequestID, rec.UserID, string(rec.Action), rec.CreditsCharged, string(rec.Grace),
		rec.NewActiveSet, rec.CostUSD, rec.Degraded, rec.PolicyVersion, toNanos(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert consumption record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert consumption record: %w", err)
	}
	if n == 0 {
		return creditgate.ErrDuplicateRequest
	}

	if _, err := tx.ExecContext(ctx, upsertAccount, accountArgs(acct)...); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consumption: %w", err)
	}
	return nil
}

// GetConsumptionRecord implements creditgate.Storage.
func (s *Storage) GetConsumptionRecord(ctx context.Context, requestID string) (*creditgate.ConsumptionRecord, error) {
	var (
		rec           creditgate.ConsumptionRecord
		action, grace string
		ts            int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, user_id, action, credits_charged, grace, new_active_set, cost_usd, degraded, policy_version, timestamp
		 FROM consumption_records WHERE request_id = ?`, requestID,
	).Scan(
		&rec.RequestID, &rec.UserID, &action, &rec.CreditsCharged, &grace,
		&rec.NewActiveSet, &rec.CostUSD, &rec.Degraded, &rec.PolicyVersion, &ts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consumption record: %w", err)
	}

	rec.Action = creditgate.Action(action)
	rec.Grace = creditgate.GraceKind(grace)
	rec.Timestamp = fromNanos(ts)
	return &rec, nil
}

const budgetColumns = `spent_usd, limit_usd, last_reset_at, next_reset_at, updated_at`

// GetBudget implements creditgate.Storage.
func (s *Storage) GetBudget(ctx context.Context) (*creditgate.GlobalBudget, error) {
	b, err := scanBudget(s.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM global_budget WHERE id = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, creditgate.ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

// SaveBudget implements creditgate.Storage.
func (s *Storage) SaveBudget(ctx context.Context, budget *creditgate.GlobalBudget) error {
	if budget == nil {
		return fmt.Errorf("invalid budget")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO global_budget (id, `+budgetColumns+`) VALUES (1, ?, ?, ?, ?, ?)`,
		budget.MonthlySpentUSD, budget.MonthlyLimitUSD,
		toNanos(budget.LastResetAt), toNanos(budget.NextResetAt), toNanos(budget.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save budget: %w", err)
	}
	return nil
}

// AddBudgetSpend implements creditgate.Storage.
func (s *Storage) AddBudgetSpend(ctx context.Context, costUSD float64) (*creditgate.GlobalBudget, error) {
	if costUSD < 0 {
		return nil, creditgate.ErrInvalidAmount
	}
	b, err := scanBudget(s.db.QueryRowContext(ctx,
		`UPDATE global_budget SET spent_usd = spent_usd + ?, updated_at = ? WHERE id = 1 RETURNING `+budgetColumns,
		costUSD, toNanos(time.Now()),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, creditgate.ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("add budget spend: %w", err)
	}
	return b, nil
}

// Cleanup removes consumption records older than RecordTTL and reports how
// many were deleted.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.recordTTL <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM consumption_records WHERE timestamp < ?`, toNanos(time.Now().Add(-s.recordTTL)))
	if err != nil {
		return 0, fmt.Errorf("cleanup consumption records: %w", err)
	}
	return res.RowsAffected()
}

func accountArgs(acct *creditgate.Account) []any {
	var expiry sql.NullInt64
	if acct.SubscriptionExpiry != nil {
		expiry = sql.NullInt64{Int64: toNanos(*acct.SubscriptionExpiry), Valid: true}
	}
	return []any{
		acct.UserID, string(acct.Tier),
		acct.CreditsRemaining, acct.CreditsUsedThisMonth, acct.RolloverCredits,
		acct.ExportsRemaining, acct.ExportsUsedThisMonth,
		acct.ActiveSetCount, acct.GraceUsedThisMonth,
		toNanos(acct.LastResetAt), toNanos(acct.NextResetAt), expiry,
		acct.IsActive, toNanos(acct.TierChangedAt), toNanos(acct.UpdatedAt),
	}
}

func scanBudget(row *sql.Row) (*creditgate.GlobalBudget, error) {
	var b creditgate.GlobalBudget
	var lastReset, nextReset, updated int64
	if err := row.Scan(&b.MonthlySpentUSD, &b.MonthlyLimitUSD, &lastReset, &nextReset, &updated); err != nil {
		return nil, err
	}
	b.LastResetAt = fromNanos(lastReset)
	b.NextResetAt = fromNanos(nextReset)
	b.UpdatedAt = fromNanos(updated)
	b.State = creditgate.StateFor(b.MonthlySpentUSD, b.MonthlyLimitUSD)
	return &b, nil
}

// toNanos maps the zero time to 0, which UnixNano cannot represent.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
