// Package redis provides a Redis implementation of the creditgate.Storage interface.
// This implementation uses atomic operations via Lua scripts for transaction safety.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// Storage implements creditgate.Storage and creditgate.TimeSource using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "creditgate:").
	// On Redis Cluster, wrap it in a hash tag ("{creditgate}:") so the
	// scripts' keys share a slot.
	KeyPrefix string

	// RecordTTL is how long consumption records are kept for request
	// dedupe (0 = no expiration)
	RecordTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "creditgate:",
		RecordTTL: 35 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "creditgate:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Store the record and the account together, unless the record exists.
	s.scripts["commit"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local accountKey = KEYS[2]
		local recordData = ARGV[1]
		local accountData = ARGV[2]
		local recordTTL = tonumber(ARGV[3])

		if redis.call('EXISTS', recordKey) == 1 then
			return 'duplicate'
		end

		redis.call('SET', recordKey, recordData)
		if recordTTL > 0 then
			redis.call('EXPIRE', recordKey, recordTTL)
		end
		redis.call('SET', accountKey, accountData)
		return 'ok'
	`)

	// Add spend to an existing budget and return the whole hash.
	s.scripts["addSpend"] = redis.NewScript(`
		local budgetKey = KEYS[1]
		local cost = ARGV[1]
		local updatedAt = ARGV[2]

		if redis.call('EXISTS', budgetKey) == 0 then
			return false
		end

		redis.call('HINCRBYFLOAT', budgetKey, 'spent', cost)
		redis.call('HSET', budgetKey, 'updated_at', updatedAt)
		return redis.call('HGETALL', budgetKey)
	`)
}

// GetAccount implements creditgate.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*creditgate.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, creditgate.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var acct creditgate.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acct, nil
}

// SaveAccount implements creditgate.Storage
func (s *Storage) SaveAccount(ctx context.Context, acct *creditgate.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.client.Set(ctx, s.accountKey(acct.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// CommitConsumption implements creditgate.Storage
func (s *Storage) CommitConsumption(ctx context.Context, acct *creditgate.Account, rec *creditgate.ConsumptionRecord) error {
	if acct == nil || acct.UserID == "" || rec == nil || rec.RequestID == "" {
		return fmt.Errorf("invalid consumption")
	}
	accountData, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	recordData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal consumption record: %w", err)
	}

	keys := []string{s.recordKey(rec.RequestID), s.accountKey(acct.UserID)}
	status, err := s.scripts["commit"].Run(ctx, s.client, keys,
		string(recordData),
		string(accountData),
		int64(s.config.RecordTTL.Seconds()),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to commit consumption: %w", err)
	}
	if status == "duplicate" {
		return creditgate.ErrDuplicateRequest
	}
	return nil
}

// GetConsumptionRecord implements creditgate.Storage
func (s *Storage) GetConsumptionRecord(ctx context.Context, requestID string) (*creditgate.ConsumptionRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumption record: %w", err)
	}

	var rec creditgate.ConsumptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumption record: %w", err)
	}
	return &rec, nil
}

// GetBudget implements creditgate.Storage
func (s *Storage) GetBudget(ctx context.Context) (*creditgate.GlobalBudget, error) {
	fields, err := s.client.HGetAll(ctx, s.budgetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	if len(fields) == 0 {
		return nil, creditgate.ErrBudgetNotFound
	}
	return parseBudget(fields)
}

// SaveBudget implements creditgate.Storage
func (s *Storage) SaveBudget(ctx context.Context, budget *creditgate.GlobalBudget) error {
	if budget == nil {
		return fmt.Errorf("invalid budget")
	}
	err := s.client.HSet(ctx, s.budgetKey(),
		"spent", strconv.FormatFloat(budget.MonthlySpentUSD, 'f', -1, 64),
		"limit", strconv.FormatFloat(budget.MonthlyLimitUSD, 'f', -1, 64),
		"last_reset_at", formatTime(budget.LastResetAt),
		"next_reset_at", formatTime(budget.NextResetAt),
		"updated_at", formatTime(budget.UpdatedAt),
	).Err()
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
	result, err := s.scripts["addSpend"].Run(ctx, s.client, []string{s.budgetKey()},
		strconv.FormatFloat(costUSD, 'f', -1, 64),
		formatTime(time.Now().UTC()),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, creditgate.ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add budget spend: %w", err)
	}

	fields := make(map[string]string, len(result)/2)
	for i := 0; i+1 < len(result); i += 2 {
		fields[result[i]] = result[i+1]
	}
	return parseBudget(fields)
}

// Now implements creditgate.TimeSource using the Redis server clock.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get server time: %w", err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) accountKey(userID string) string {
	return s.config.KeyPrefix + "account:" + userID
}

func (s *Storage) recordKey(requestID string) string {
	return s.config.KeyPrefix + "record:" + requestID
}

func (s *Storage) budgetKey() string {
	return s.config.KeyPrefix + "budget"
}

func parseBudget(fields map[string]string) (*creditgate.GlobalBudget, error) {
	var b creditgate.GlobalBudget
	var err error
	if b.MonthlySpentUSD, err = strconv.ParseFloat(fields["spent"], 64); err != nil {
		return nil, fmt.Errorf("failed to parse budget spend: %w", err)
	}
	if b.MonthlyLimitUSD, err = strconv.ParseFloat(fields["limit"], 64); err != nil {
		return nil, fmt.Errorf("failed to parse budget limit: %w", err)
	}
	if b.LastResetAt, err = parseTime(fields["last_reset_at"]); err != nil {
		return nil, err
	}
	if b.NextResetAt, err = parseTime(fields["next_reset_at"]); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	b.State = creditgate.StateFor(b.MonthlySpentUSD, b.MonthlyLimitUSD)
	return &b, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse budget time %q: %w", v, err)
	}
	return t, nil
}
