package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/creditgate/pkg/billing"
	"github.com/mihaimyh/creditgate/pkg/billing/internal"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

var (
	// errSkipped marks an event that was valid but changed nothing.
	errSkipped = errors.New("event skipped")
	// errPaymentWarning marks a failed payment on a still active subscription.
	errPaymentWarning = errors.New("payment failed")
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		p.logger.Warn("stripe webhook rejected", creditgate.Field{Key: "error", Value: err})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	err = p.processWebhookEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	switch {
	case errors.Is(err, errSkipped):
		p.metrics.RecordWebhookEvent(providerName, eventType, "skipped")
	case errors.Is(err, errPaymentWarning):
		p.metrics.RecordWebhookEvent(providerName, eventType, "warning")
	case errors.Is(err, billing.ErrInvalidWebhookPayload), errors.Is(err, billing.ErrUserNotFound):
		// Redelivery cannot fix the payload; acknowledge it so Stripe stops retrying.
		p.logger.Warn("stripe webhook ignored",
			creditgate.Field{Key: "eventId", Value: event.ID},
			creditgate.Field{Key: "eventType", Value: eventType},
			creditgate.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
	case err != nil:
		p.logger.Error("stripe webhook failed",
			creditgate.Field{Key: "eventId", Value: event.ID},
			creditgate.Field{Key: "eventType", Value: eventType},
			creditgate.Field{Key: "error", Value: err},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	default:
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// processWebhookEvent processes a webhook event. Ordering uses the event's
// creation time, so redelivered and out-of-order events are skipped.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTimestamp := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.resumed":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		tier, expiresAt := p.extractTierFromSubscription(sub)
		return p.applyTier(ctx, event, sub, tier, expiresAt, eventTimestamp)

	case "customer.subscription.deleted", "customer.subscription.paused":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		return p.applyTier(ctx, event, sub, p.defaultTier, nil, eventTimestamp)

	case "invoice.payment_failed":
		// The subscription stays active until Stripe ends it.
		return errPaymentWarning

	default:
		return errSkipped
	}
}

func (p *Provider) applyTier(
	ctx context.Context, event *stripe.Event, sub *stripe.Subscription,
	tier creditgate.Tier, expiresAt *time.Time, eventTimestamp time.Time,
) error {
	userID, err := extractUserIDFromSubscription(sub)
	if err != nil {
		return err
	}

	previous, err := p.service.Account(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	// Same-tier events (renewals, metadata, payment method) only move the
	// expiry; a tier change would grant a fresh month of credits.
	if previous.Tier == tier {
		_, err := p.service.UpdateSubscriptionExpiry(ctx, userID, expiresAt, eventTimestamp)
		if err != nil && !errors.Is(err, creditgate.ErrStaleTierChange) {
			return fmt.Errorf("failed to update subscription expiry: %w", err)
		}
		p.logger.Debug("stripe event did not change tier",
			creditgate.Field{Key: "eventId", Value: event.ID},
			creditgate.Field{Key: "userId", Value: userID},
			creditgate.Field{Key: "tier", Value: tier},
		)
		return errSkipped
	}

	acct, err := p.service.ApplyTierChangeAt(ctx, userID, tier, expiresAt, eventTimestamp)
	if errors.Is(err, creditgate.ErrStaleTierChange) {
		p.logger.Debug("stale stripe event skipped",
			creditgate.Field{Key: "eventId", Value: event.ID},
			creditgate.Field{Key: "userId", Value: userID},
		)
		return errSkipped
	}
	if err != nil {
		return fmt.Errorf("failed to apply tier change: %w", err)
	}

	if previous.Tier != acct.Tier {
		p.metrics.RecordTierChange(providerName, string(previous.Tier), string(acct.Tier))
	}

	if p.callback == nil {
		return nil
	}
	return p.callback(ctx, billing.WebhookEvent{
		UserID:           userID,
		PreviousTier:     previous.Tier,
		NewTier:          acct.Tier,
		Provider:         providerName,
		EventType:        string(event.Type),
		EventTimestamp:   eventTimestamp,
		ExpiresAt:        acct.SubscriptionExpiry,
		CreditsRemaining: acct.CreditsRemaining,
		Metadata:         sub.Metadata,
	})
}

func decodeSubscription(event *stripe.Event) (*stripe.Subscription, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return &sub, nil
}

// extractUserIDFromSubscription reads user_id from subscription or expanded
// customer metadata.
func extractUserIDFromSubscription(sub *stripe.Subscription) (string, error) {
	if userID := sub.Metadata["user_id"]; userID != "" {
		return userID, nil
	}
	if sub.Customer != nil {
		if userID := sub.Customer.Metadata["user_id"]; userID != "" {
			return userID, nil
		}
	}
	return "", fmt.Errorf("%w: metadata.user_id missing on subscription %s", billing.ErrUserNotFound, sub.ID)
}

// extractTierFromSubscription picks the heaviest mapped tier among the
// subscription's items. Inactive subscriptions map to the default tier.
func (p *Provider) extractTierFromSubscription(sub *stripe.Subscription) (creditgate.Tier, *time.Time) {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
	default:
		return p.defaultTier, nil
	}
	if sub.Items == nil {
		return p.defaultTier, nil
	}

	best := p.defaultTier
	maxWeight := -1
	var periodEnd int64
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier := p.MapPriceToTier(item.Price.ID)
		if item.Price.Product != nil && tier == p.defaultTier {
			tier = p.MapPriceToTier(item.Price.Product.ID)
		}
		if weight := p.TierWeight(tier); weight > maxWeight {
			maxWeight = weight
			best = tier
			periodEnd = item.CurrentPeriodEnd
		}
	}

	if best == p.defaultTier || periodEnd == 0 {
		return best, nil
	}
	expiresAt := time.Unix(periodEnd, 0).UTC()
	return best, &expiresAt
}
