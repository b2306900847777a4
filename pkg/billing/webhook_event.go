package billing

import (
	"time"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// WebhookEvent contains information about a successful webhook processing event.
// This event is passed to the WebhookCallback after the tier change has been
// successfully stored.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousTier is the tier before the webhook update
	PreviousTier creditgate.Tier

	// NewTier is the tier after the webhook update
	NewTier creditgate.Tier

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.created", "customer.subscription.deleted", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// ExpiresAt is when the paid period ends (nil for the default tier)
	ExpiresAt *time.Time

	// CreditsRemaining is the balance after the change
	CreditsRemaining int

	// Metadata contains provider-specific additional data
	// Stripe: the subscription metadata
	Metadata map[string]string
}
