// Package gin provides Gin middleware for credit and budget admission.
// The rest of the handler chain runs as the admitted action.
package gin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/creditgate/middleware/internal/admit"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// GenerationRequestExtractor builds the admission input from a Gin context
type GenerationRequestExtractor func(c *gongin.Context) (creditgate.GenerationRequest, error)

// RequestIDExtractor extracts the dedupe key from a Gin context
// Return empty string if no request id is available
type RequestIDExtractor func(c *gongin.Context) string

// StatusCodes maps refusals to HTTP status codes
type StatusCodes = admit.StatusCodes

// Header names set on admitted responses.
const (
	HeaderWarning = admit.HeaderWarning
	HeaderGrace   = admit.HeaderGrace
)

// Config holds middleware configuration
type Config struct {
	// Service is the admission service instance (required)
	Service *creditgate.Service

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Action selects Generate or Export
	// Default: creditgate.ActionGeneration
	Action creditgate.Action

	// GetRequest builds the generation request
	// Default: a plain one-credit generation
	GetRequest GenerationRequestExtractor

	// GetRequestID extracts the dedupe key (optional)
	// If nil, defaults to extracting from X-Request-ID header
	GetRequestID RequestIDExtractor

	// StatusCodes for refusals (default: 429 for quota, 503 for budget)
	StatusCodes StatusCodes

	// OnBlocked is called when the request is refused
	// If nil, uses default response: JSON with the decision
	OnBlocked func(c *gongin.Context, d creditgate.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when admission fails before the handler ran
	// If nil, returns 400, 409 or 500 depending on the error
	OnError func(c *gongin.Context, err error)

	// OnAdmitted is called before the handler runs.
	// It should ONLY set headers; the handler writes the response.
	// If nil, warning and grace headers are added.
	OnAdmitted func(c *gongin.Context, d creditgate.Decision)
}

// Middleware creates a Gin middleware that admits requests through the service
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Service == nil {
		panic("creditgate/gin: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("creditgate/gin: Config.GetUserID is required")
	}

	if cfg.Action == "" {
		cfg.Action = creditgate.ActionGeneration
	}
	if cfg.GetRequest == nil {
		cfg.GetRequest = FixedRequest(creditgate.GenerationRequest{})
	}
	if cfg.GetRequestID == nil {
		cfg.GetRequestID = RequestIDFromHeader("X-Request-ID")
	}
	if cfg.OnAdmitted == nil {
		cfg.OnAdmitted = defaultAdmitted
	}
	codes := cfg.StatusCodes.WithDefaults()

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		params := admit.Params{
			Service:   cfg.Service,
			Action:    cfg.Action,
			UserID:    userID,
			RequestID: cfg.GetRequestID(c),
		}
		if cfg.Action == creditgate.ActionGeneration {
			req, err := cfg.GetRequest(c)
			if err != nil {
				handleError(cfg, c, &creditgate.ValidationError{Field: "body", Reason: err.Error()})
				return
			}
			params.Generation = req
		}

		out := admit.Run(c.Request.Context(), params, func(ctx context.Context, d creditgate.Decision) (int, error) {
			c.Request = c.Request.WithContext(ctx)
			cfg.OnAdmitted(c, d)
			c.Next()
			if err := c.Errors.Last(); err != nil {
				return c.Writer.Status(), err
			}
			return c.Writer.Status(), nil
		})

		switch {
		case out.Served:
			return
		case out.Err != nil:
			handleError(cfg, c, out.Err)
		case out.Blocked():
			if cfg.OnBlocked != nil {
				cfg.OnBlocked(c, out.Result.Decision)
			} else {
				c.JSON(codes.Blocked(out.Result.Decision), admit.BlockedBody(out.Result.Decision))
			}
			c.Abort()
		}
	}
}

func handleError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		c.JSON(admit.ErrorStatus(err), admit.ErrorBody(err))
	}
	c.Abort()
}

func defaultAdmitted(c *gongin.Context, d creditgate.Decision) {
	for k, v := range admit.Headers(d) {
		c.Header(k, v)
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In admission middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for the generation request

// FixedRequest returns a GenerationRequestExtractor that always returns req
func FixedRequest(req creditgate.GenerationRequest) GenerationRequestExtractor {
	return func(*gongin.Context) (creditgate.GenerationRequest, error) {
		return req, nil
	}
}

// FromJSONBody decodes a creditgate.GenerationRequest from the JSON body and
// restores the body for the handler
func FromJSONBody() GenerationRequestExtractor {
	return func(c *gongin.Context) (creditgate.GenerationRequest, error) {
		var req creditgate.GenerationRequest
		body, err := c.GetRawData()
		if err != nil {
			return req, err
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) == 0 {
			return req, nil
		}
		err = json.Unmarshal(body, &req)
		return req, err
	}
}

// DynamicRequest returns a GenerationRequestExtractor backed by a function
func DynamicRequest(f func(*gongin.Context) creditgate.GenerationRequest) GenerationRequestExtractor {
	return func(c *gongin.Context) (creditgate.GenerationRequest, error) {
		return f(c), nil
	}
}

// Convenience extractors for Request ID

// RequestIDFromHeader returns a RequestIDExtractor that gets the key from a header
func RequestIDFromHeader(headerName string) RequestIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// RequestIDFromContext returns a RequestIDExtractor that gets the key from context values
func RequestIDFromContext(key string) RequestIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
