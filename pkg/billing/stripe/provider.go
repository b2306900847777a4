// Package stripe applies Stripe subscription webhooks as creditgate tier changes.
package stripe

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/creditgate/pkg/billing"
	"github.com/mihaimyh/creditgate/pkg/billing/internal"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

const (
	providerName           = "stripe"
	defaultTierKeyWildcard = "*"
	defaultTierKeyDefault  = "default"
	maxWebhookBodyBytes    = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Service, TierMapping, etc.)

	// StripeWebhookSecret is the endpoint signing secret ("whsec_...")
	StripeWebhookSecret string

	// Tier Weights (Optional)
	// Maps tier -> priority weight (higher = better). A subscription with
	// several priced items grants the heaviest tier.
	// If nil, paid tiers weigh more than free ones, then by monthly credits.
	TierWeights map[creditgate.Tier]int
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	service       billing.TierChanger
	config        Config
	rateLimiter   *internal.RateLimiter
	tierMapping   map[string]creditgate.Tier // Price/Product ID -> Tier
	tierWeights   map[creditgate.Tier]int    // Tier -> Weight (for priority)
	defaultTier   creditgate.Tier
	webhookSecret string
	metrics       billing.Metrics
	logger        creditgate.Logger
	callback      billing.WebhookCallback
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Service == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", billing.ErrProviderNotConfigured)
	}
	catalog := config.Service.Catalog()

	tierMapping := make(map[string]creditgate.Tier, len(config.TierMapping))
	for k, tier := range config.TierMapping {
		if _, ok := catalog.Lookup(tier); !ok {
			return nil, fmt.Errorf("%w: %q mapped from %q", billing.ErrTierNotConfigured, tier, k)
		}
		tierMapping[strings.ToLower(strings.TrimSpace(k))] = tier
	}

	defaultTier := catalog.DefaultTier()
	if tier, ok := tierMapping[defaultTierKeyWildcard]; ok {
		defaultTier = tier
	} else if tier, ok := tierMapping[defaultTierKeyDefault]; ok {
		defaultTier = tier
	}

	tierWeights := make(map[creditgate.Tier]int)
	if config.TierWeights != nil {
		for tier, weight := range config.TierWeights {
			tierWeights[tier] = weight
		}
	} else {
		for _, tier := range catalog.Tiers() {
			cfg := catalog.ConfigFor(tier)
			weight := cfg.MonthlyCredits
			if cfg.Paid {
				weight += 1 << 20
			}
			tierWeights[tier] = weight
		}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &creditgate.NoopLogger{}
	}

	return &Provider{
		service:       config.Service,
		config:        config,
		rateLimiter:   internal.NewRateLimiter(config.WebhookRateLimit),
		tierMapping:   tierMapping,
		tierWeights:   tierWeights,
		defaultTier:   defaultTier,
		webhookSecret: secret,
		metrics:       metrics,
		logger:        logger,
		callback:      config.WebhookCallback,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// DefaultTier returns the tier for unknown prices and ended subscriptions
func (p *Provider) DefaultTier() creditgate.Tier {
	return p.defaultTier
}

// MapPriceToTier maps a Stripe Price ID or Product ID to a creditgate tier
func (p *Provider) MapPriceToTier(priceID string) creditgate.Tier {
	if priceID == "" {
		return p.defaultTier
	}
	if tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]; ok {
		return tier
	}
	return p.defaultTier
}

// TierWeight returns the weight for a given tier
func (p *Provider) TierWeight(tier creditgate.Tier) int {
	return p.tierWeights[tier]
}
