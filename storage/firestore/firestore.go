// Package firestore provides a Firestore implementation of the creditgate.Storage interface.
// Consumption commits and budget spend run inside Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

const budgetDocID = "global"

// Storage implements creditgate.Storage and creditgate.TimeSource using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	accountsCollection     string
	consumptionsCollection string
	budgetCollection       string
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection is the Firestore collection for user accounts
	// Default: "creditgate_accounts"
	AccountsCollection string

	// ConsumptionsCollection holds one document per applied request id
	// Default: "creditgate_consumptions"
	ConsumptionsCollection string

	// BudgetCollection holds the single global budget document
	// Default: "creditgate_budget"
	BudgetCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "creditgate_accounts"
	}
	if config.ConsumptionsCollection == "" {
		config.ConsumptionsCollection = "creditgate_consumptions"
	}
	if config.BudgetCollection == "" {
		config.BudgetCollection = "creditgate_budget"
	}

	return &Storage{
		client:                 client,
		accountsCollection:     config.AccountsCollection,
		consumptionsCollection: config.ConsumptionsCollection,
		budgetCollection:       config.BudgetCollection,
	}, nil
}

// GetAccount implements creditgate.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*creditgate.Account, error) {
	snap, err := s.accountDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, creditgate.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, creditgate.ErrAccountNotFound
	}
	return accountFromData(userID, snap.Data()), nil
}

// SaveAccount implements creditgate.Storage
func (s *Storage) SaveAccount(ctx context.Context, acct *creditgate.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	// A full Set, not a merge, so a cleared expiry is removed.
	if _, err := s.accountDoc(acct.UserID).Set(ctx, accountData(acct)); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// CommitConsumption implements creditgate.Storage
func (s *Storage) CommitConsumption(ctx context.Context, acct *creditgate.Account, rec *creditgate.ConsumptionRecord) error {
	if acct == nil || acct.UserID == "" || rec == nil || rec.RequestID == "" {
		return fmt.Errorf("invalid consumption")
	}

	recordRef := s.client.Collection(s.consumptionsCollection).Doc(rec.RequestID)
	accountRef := s.accountDoc(acct.UserID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(recordRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			return creditgate.ErrDuplicateRequest
		}

		if err := tx.Create(recordRef, recordData(rec)); err != nil {
			return err
		}
		return tx.Set(accountRef, accountData(acct))
	})
	if errors.Is(err, creditgate.ErrDuplicateRequest) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to commit consumption: %w", err)
	}
	return nil
}

// GetConsumptionRecord implements creditgate.Storage
func (s *Storage) GetConsumptionRecord(ctx context.Context, requestID string) (*creditgate.ConsumptionRecord, error) {
	if requestID == "" {
		return nil, nil
	}

	snap, err := s.client.Collection(s.consumptionsCollection).Doc(requestID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No record found is not an error
		}
		return nil, fmt.Errorf("failed to get consumption record: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &creditgate.ConsumptionRecord{
		RequestID:      requestID,
		UserID:         getString(data, "userId"),
		Action:         creditgate.Action(getString(data, "action")),
		CreditsCharged: getInt(data, "creditsCharged"),
		Grace:          creditgate.GraceKind(getString(data, "grace")),
		NewActiveSet:   getBool(data, "newActiveSet"),
		CostUSD:        getFloat(data, "costUsd"),
		Degraded:       getBool(data, "degraded"),
		PolicyVersion:  getString(data, "policyVersion"),
		Timestamp:      getTime(data, "timestamp"),
	}, nil
}

// GetBudget implements creditgate.Storage
func (s *Storage) GetBudget(ctx context.Context) (*creditgate.GlobalBudget, error) {
	snap, err := s.budgetDoc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, creditgate.ErrBudgetNotFound
		}
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	if !snap.Exists() {
		return nil, creditgate.ErrBudgetNotFound
	}
	return budgetFromData(snap.Data()), nil
}

// SaveBudget implements creditgate.Storage
func (s *Storage) SaveBudget(ctx context.Context, budget *creditgate.GlobalBudget) error {
	if budget == nil {
		return fmt.Errorf("invalid budget")
	}
	_, err := s.budgetDoc().Set(ctx, map[string]interface{}{
		"spentUsd":    budget.MonthlySpentUSD,
		"limitUsd":    budget.MonthlyLimitUSD,
		"lastResetAt": budget.LastResetAt.UTC(),
		"nextResetAt": budget.NextResetAt.UTC(),
		"updatedAt":   budget.UpdatedAt.UTC(),
	})
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

	doc := s.budgetDoc()
	var updated *creditgate.GlobalBudget
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return creditgate.ErrBudgetNotFound
		}
		if err != nil {
			return err
		}

		b := budgetFromData(snap.Data())
		b.MonthlySpentUSD += costUSD
		b.UpdatedAt = time.Now().UTC()
		b.State = creditgate.StateFor(b.MonthlySpentUSD, b.MonthlyLimitUSD)
		updated = b

		return tx.Update(doc, []firestore.Update{
			{Path: "spentUsd", Value: b.MonthlySpentUSD},
			{Path: "updatedAt", Value: b.UpdatedAt},
		})
	})
	if errors.Is(err, creditgate.ErrBudgetNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add budget spend: %w", err)
	}
	return updated, nil
}

// Now implements creditgate.TimeSource. It writes a server timestamp and
// returns the commit time Firestore assigned to it.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	wr, err := s.client.Collection(s.budgetCollection).Doc("clock").Set(ctx, map[string]interface{}{
		"now": firestore.ServerTimestamp,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get server time: %w", err)
	}
	return wr.UpdateTime.UTC(), nil
}

func (s *Storage) accountDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCollection).Doc(userID)
}

func (s *Storage) budgetDoc() *firestore.DocumentRef {
	return s.client.Collection(s.budgetCollection).Doc(budgetDocID)
}

func accountData(acct *creditgate.Account) map[string]interface{} {
	data := map[string]interface{}{
		"tier":                 string(acct.Tier),
		"creditsRemaining":     acct.CreditsRemaining,
		"creditsUsedThisMonth": acct.CreditsUsedThisMonth,
		"rolloverCredits":      acct.RolloverCredits,
		"exportsRemaining":     acct.ExportsRemaining,
		"exportsUsedThisMonth": acct.ExportsUsedThisMonth,
		"activeSetCount":       acct.ActiveSetCount,
		"graceUsedThisMonth":   acct.GraceUsedThisMonth,
		"lastResetAt":          acct.LastResetAt.UTC(),
		"nextResetAt":          acct.NextResetAt.UTC(),
		"isActive":             acct.IsActive,
		"tierChangedAt":        acct.TierChangedAt.UTC(),
		"updatedAt":            acct.UpdatedAt.UTC(),
	}
	if acct.SubscriptionExpiry != nil {
		data["subscriptionExpiry"] = acct.SubscriptionExpiry.UTC()
	}
	return data
}

func accountFromData(userID string, data map[string]interface{}) *creditgate.Account {
	acct := &creditgate.Account{
		UserID:               userID,
		Tier:                 creditgate.Tier(getString(data, "tier")),
		CreditsRemaining:     getInt(data, "creditsRemaining"),
		CreditsUsedThisMonth: getInt(data, "creditsUsedThisMonth"),
		RolloverCredits:      getInt(data, "rolloverCredits"),
		ExportsRemaining:     getInt(data, "exportsRemaining"),
		ExportsUsedThisMonth: getInt(data, "exportsUsedThisMonth"),
		ActiveSetCount:       getInt(data, "activeSetCount"),
		GraceUsedThisMonth:   getInt(data, "graceUsedThisMonth"),
		LastResetAt:          getTime(data, "lastResetAt"),
		NextResetAt:          getTime(data, "nextResetAt"),
		IsActive:             getBool(data, "isActive"),
		TierChangedAt:        getTime(data, "tierChangedAt"),
		UpdatedAt:            getTime(data, "updatedAt"),
	}
	if expiry := getTime(data, "subscriptionExpiry"); !expiry.IsZero() {
		acct.SubscriptionExpiry = &expiry
	}
	return acct
}

func recordData(rec *creditgate.ConsumptionRecord) map[string]interface{} {
	return map[string]interface{}{
		"userId":         rec.UserID,
		"action":         string(rec.Action),
		"creditsCharged": rec.CreditsCharged,
		"grace":          string(rec.Grace),
		"newActiveSet":   rec.NewActiveSet,
		"costUsd":        rec.CostUSD,
		"degraded":       rec.Degraded,
		"policyVersion":  rec.PolicyVersion,
		"timestamp":      rec.Timestamp.UTC(),
	}
}

func budgetFromData(data map[string]interface{}) *creditgate.GlobalBudget {
	b := &creditgate.GlobalBudget{
		MonthlySpentUSD: getFloat(data, "spentUsd"),
		MonthlyLimitUSD: getFloat(data, "limitUsd"),
		LastResetAt:     getTime(data, "lastResetAt"),
		NextResetAt:     getTime(data, "nextResetAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}
	b.State = creditgate.StateFor(b.MonthlySpentUSD, b.MonthlyLimitUSD)
	return b
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
