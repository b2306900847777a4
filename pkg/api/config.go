package api

import (
	"net/http"
	"time"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// UserIDExtractor returns the authenticated user for a request, or "".
type UserIDExtractor func(*http.Request) string

// Config holds configuration for the read API handler
type Config struct {
	// Service is the admission service instance (required)
	Service *creditgate.Service

	// GetUserID extracts the user ID (required). Requests without one get 401.
	GetUserID UserIDExtractor

	// OnError replaces the default JSON error body.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger records internal failures
	Logger creditgate.Logger

	// Now is used to classify subscriptions as active or expired. Default: time.Now
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch {
	case c.Service == nil:
		return &creditgate.ValidationError{Field: "Service", Reason: "required"}
	case c.GetUserID == nil:
		return &creditgate.ValidationError{Field: "GetUserID", Reason: "required"}
	}
	return nil
}

// NewHandler creates a read API handler.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = &creditgate.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{config: config}, nil
}

// FromHeader reads the user ID from a header set by an upstream auth proxy.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext reads a string user ID stored in the request context under key.
func FromContext(key any) UserIDExtractor {
	return func(r *http.Request) string {
		userID, _ := r.Context().Value(key).(string)
		return userID
	}
}
