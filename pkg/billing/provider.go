package billing

import "net/http"

// Provider is the generic interface that any billing backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and tier changes internally.
	WebhookHandler() http.Handler
}
