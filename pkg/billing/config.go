package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// TierChanger is the part of *creditgate.Service that billing providers drive.
type TierChanger interface {
	Catalog() *creditgate.Catalog
	Account(ctx context.Context, userID string) (creditgate.Account, error)
	ApplyTierChangeAt(ctx context.Context, userID string, tier creditgate.Tier, expiry *time.Time, eventTime time.Time) (creditgate.Account, error)
	UpdateSubscriptionExpiry(ctx context.Context, userID string, expiry *time.Time, eventTime time.Time) (creditgate.Account, error)
}

// WebhookCallback is invoked after a tier change from a webhook was applied.
// A returned error fails the webhook so the provider redelivers it; the
// redelivery is then skipped as stale and the callback is not invoked again.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// Config defines the standard configuration all providers should accept
type Config struct {
	// Service receives tier changes (required). Usually a *creditgate.Service.
	Service TierChanger

	// TierMapping maps provider price/product IDs to creditgate tiers.
	// For example: map[string]creditgate.Tier{"price_plus_monthly": creditgate.TierPlus}
	// Reserved keys:
	//   - "*" or "default": Maps unknown prices to this tier instead of the
	//     catalog's default tier
	TierMapping map[string]creditgate.Tier

	// WebhookCallback is called after each applied tier change (optional)
	WebhookCallback WebhookCallback

	// WebhookRateLimit is the number of webhook requests allowed per minute
	// per client IP. Default: 100
	WebhookRateLimit int

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger records webhook processing (optional)
	Logger creditgate.Logger
}
