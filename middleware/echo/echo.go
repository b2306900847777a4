// Package echo provides Echo middleware for credit and budget admission.
// The next handler runs as the admitted action.
package echo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/creditgate/middleware/internal/admit"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// GenerationRequestExtractor builds the admission input from an Echo context
type GenerationRequestExtractor func(c echo.Context) (creditgate.GenerationRequest, error)

// RequestIDExtractor extracts the dedupe key from an Echo context
// Return empty string if no request id is available
type RequestIDExtractor func(c echo.Context) string

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
	OnBlocked func(c echo.Context, d creditgate.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when admission fails before the handler ran
	// If nil, returns 400, 409 or 500 depending on the error
	OnError func(c echo.Context, err error) error

	// OnAdmitted is called before the handler runs.
	//
	// IMPORTANT: This function should ONLY set headers (c.Response().Header().Set).
	// Do NOT write to the response body or status code, as this will interfere
	// with the actual request handler that runs after it.
	// If nil, warning and grace headers are added.
	OnAdmitted func(c echo.Context, d creditgate.Decision)
}

// Middleware creates an Echo middleware that admits requests through the service
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("creditgate/echo: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("creditgate/echo: Config.GetUserID is required")
	}

	// Set defaults
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
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
					return handleError(cfg, c, &creditgate.ValidationError{Field: "body", Reason: err.Error()})
				}
				params.Generation = req
			}

			out := admit.Run(c.Request().Context(), params, func(ctx context.Context, d creditgate.Decision) (int, error) {
				c.SetRequest(c.Request().WithContext(ctx))
				cfg.OnAdmitted(c, d)
				err := next(c)
				return c.Response().Status, err
			})

			switch {
			case out.Served:
				return out.HandlerErr
			case out.Err != nil:
				return handleError(cfg, c, out.Err)
			case out.Blocked():
				if cfg.OnBlocked != nil {
					return cfg.OnBlocked(c, out.Result.Decision)
				}
				return c.JSON(codes.Blocked(out.Result.Decision), admit.BlockedBody(out.Result.Decision))
			}
			return nil
		}
	}
}

func handleError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.JSON(admit.ErrorStatus(err), admit.ErrorBody(err))
}

func defaultAdmitted(c echo.Context, d creditgate.Decision) {
	for k, v := range admit.Headers(d) {
		c.Response().Header().Set(k, v)
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In admission middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for the generation request

// FixedRequest returns a GenerationRequestExtractor that always returns req
func FixedRequest(req creditgate.GenerationRequest) GenerationRequestExtractor {
	return func(echo.Context) (creditgate.GenerationRequest, error) {
		return req, nil
	}
}

// FromJSONBody decodes a creditgate.GenerationRequest from the JSON body and
// restores the body for the handler
func FromJSONBody() GenerationRequestExtractor {
	return func(c echo.Context) (creditgate.GenerationRequest, error) {
		var req creditgate.GenerationRequest
		r := c.Request()
		if r.Body == nil {
			return req, nil
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return req, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) == 0 {
			return req, nil
		}
		err = json.Unmarshal(body, &req)
		return req, err
	}
}

// DynamicRequest returns a GenerationRequestExtractor backed by a function
func DynamicRequest(f func(echo.Context) creditgate.GenerationRequest) GenerationRequestExtractor {
	return func(c echo.Context) (creditgate.GenerationRequest, error) {
		return f(c), nil
	}
}

// Convenience extractors for Request ID

// RequestIDFromHeader returns a RequestIDExtractor that gets the key from a header
func RequestIDFromHeader(headerName string) RequestIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// RequestIDFromContext returns a RequestIDExtractor that gets the key from context values
func RequestIDFromContext(key string) RequestIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}
