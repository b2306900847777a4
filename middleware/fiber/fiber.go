// Package fiber provides Fiber middleware for credit and budget admission.
// The rest of the handler chain runs as the admitted action.
package fiber

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/creditgate/middleware/internal/admit"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// GenerationRequestExtractor builds the admission input from a Fiber context
type GenerationRequestExtractor func(c *fiber.Ctx) (creditgate.GenerationRequest, error)

// RequestIDExtractor extracts the dedupe key from a Fiber context
// Return empty string if no request id is available
type RequestIDExtractor func(c *fiber.Ctx) string

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
	OnBlocked func(c *fiber.Ctx, d creditgate.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when admission fails before the handler ran
	// If nil, returns 400, 409 or 500 depending on the error
	OnError func(c *fiber.Ctx, err error) error

	// OnAdmitted is called before the handler runs.
	//
	// IMPORTANT: This function should ONLY set headers (c.Set).
	// Do NOT write to the response body or status code.
	// If nil, warning and grace headers are added.
	OnAdmitted func(c *fiber.Ctx, d creditgate.Decision)
}

// Middleware creates a Fiber middleware that admits requests through the service
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("creditgate/fiber: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("creditgate/fiber: Config.GetUserID is required")
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

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
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

		out := admit.Run(c.UserContext(), params, func(ctx context.Context, d creditgate.Decision) (int, error) {
			c.SetUserContext(ctx)
			cfg.OnAdmitted(c, d)
			err := c.Next()
			return handlerStatus(c, err), err
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
			return c.Status(codes.Blocked(out.Result.Decision)).JSON(admit.BlockedBody(out.Result.Decision))
		}
		return nil
	}
}

// handlerStatus is the status the response will carry. A returned error is
// written by the app's error handler after the middleware returns.
func handlerStatus(c *fiber.Ctx, err error) int {
	if err == nil {
		return c.Response().StatusCode()
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

func handleError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return c.Status(admit.ErrorStatus(err)).JSON(admit.ErrorBody(err))
}

func defaultAdmitted(c *fiber.Ctx, d creditgate.Decision) {
	for k, v := range admit.Headers(d) {
		c.Set(k, v)
	}
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In admission middleware config:
//	GetUserID: fiber.FromLocals("UserID")
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for the generation request

// FixedRequest returns a GenerationRequestExtractor that always returns req
func FixedRequest(req creditgate.GenerationRequest) GenerationRequestExtractor {
	return func(*fiber.Ctx) (creditgate.GenerationRequest, error) {
		return req, nil
	}
}

// FromJSONBody decodes a creditgate.GenerationRequest from the JSON body.
// Fiber keeps the body readable for the handler.
func FromJSONBody() GenerationRequestExtractor {
	return func(c *fiber.Ctx) (creditgate.GenerationRequest, error) {
		var req creditgate.GenerationRequest
		body := c.Body()
		if len(body) == 0 {
			return req, nil
		}
		err := json.Unmarshal(body, &req)
		return req, err
	}
}

// DynamicRequest returns a GenerationRequestExtractor backed by a function
func DynamicRequest(f func(*fiber.Ctx) creditgate.GenerationRequest) GenerationRequestExtractor {
	return func(c *fiber.Ctx) (creditgate.GenerationRequest, error) {
		return f(c), nil
	}
}

// Convenience extractors for Request ID

// RequestIDFromHeader returns a RequestIDExtractor that gets the key from a header
func RequestIDFromHeader(headerName string) RequestIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// RequestIDFromLocals returns a RequestIDExtractor that gets the key from Fiber locals
func RequestIDFromLocals(key string) RequestIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}
