package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is returned when an event carries no user id
	ErrUserNotFound = errors.New("user not found in billing event")

	// ErrTierNotConfigured is returned when TierMapping names a tier the
	// catalog does not have
	ErrTierNotConfigured = errors.New("tier not configured in catalog")
)
