// Package http provides net/http middleware for credit and budget admission.
// The wrapped handler runs as the admitted action: it is charged only when it
// answers with a non-5xx status, and the USD it reports through
// creditgate.ReportCost is added to the global budget.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/mihaimyh/creditgate/middleware/internal/admit"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// GenerationRequestExtractor builds the admission input from the request
type GenerationRequestExtractor func(r *http.Request) (creditgate.GenerationRequest, error)

// RequestIDExtractor returns the request id used for dedupe
// Return empty string to skip dedupe
type RequestIDExtractor func(r *http.Request) string

// StatusCodes maps refusals to HTTP status codes
type StatusCodes = admit.StatusCodes

// Headers set on admitted responses
const (
	HeaderWarning = admit.HeaderWarning
	HeaderGrace   = admit.HeaderGrace
)

// Config holds middleware configuration
type Config struct {
	// Service is the admission service instance (required)
	Service *creditgate.Service

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Action selects Generate or Export
	// Default: creditgate.ActionGeneration
	Action creditgate.Action

	// GetRequest builds the generation request
	// Default: a plain one-credit generation
	GetRequest GenerationRequestExtractor

	// GetRequestID extracts the dedupe key
	// Default: X-Request-ID header
	GetRequestID RequestIDExtractor

	// StatusCodes for refusals (default: 429 for quota, 503 for budget)
	StatusCodes StatusCodes

	// OnBlocked is called when the request is refused
	// If nil, writes the decision as JSON with the matching status code
	OnBlocked func(w http.ResponseWriter, r *http.Request, d creditgate.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when admission fails before the handler ran
	// If nil, returns 400, 409 or 500 depending on the error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits requests through the service
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Service == nil {
		panic("creditgate/http: Config.Service is required")
	}
	if config.GetUserID == nil {
		panic("creditgate/http: Config.GetUserID is required")
	}
	if config.Action == "" {
		config.Action = creditgate.ActionGeneration
	}
	if config.GetRequest == nil {
		config.GetRequest = FixedRequest(creditgate.GenerationRequest{})
	}
	if config.GetRequestID == nil {
		config.GetRequestID = RequestIDFromHeader("X-Request-ID")
	}
	codes := config.StatusCodes.WithDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
				}
				return
			}

			params := admit.Params{
				Service:   config.Service,
				Action:    config.Action,
				UserID:    userID,
				RequestID: config.GetRequestID(r),
			}
			if config.Action == creditgate.ActionGeneration {
				req, err := config.GetRequest(r)
				if err != nil {
					handleError(config, w, r, &creditgate.ValidationError{Field: "body", Reason: err.Error()})
					return
				}
				params.Generation = req
			}

			out := admit.Run(r.Context(), params, func(ctx context.Context, d creditgate.Decision) (int, error) {
				for k, v := range admit.Headers(d) {
					w.Header().Set(k, v)
				}
				sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(sw, r.WithContext(ctx))
				return sw.status, nil
			})

			switch {
			case out.Served:
				return
			case out.Err != nil:
				handleError(config, w, r, out.Err)
			case out.Blocked():
				if config.OnBlocked != nil {
					config.OnBlocked(w, r, out.Result.Decision)
				} else {
					writeJSON(w, codes.Blocked(out.Result.Decision), admit.BlockedBody(out.Result.Decision))
				}
			}
		})
	}
}

// HandlerFunc is Middleware for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	writeJSON(w, admit.ErrorStatus(err), admit.ErrorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // client went away
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b) //nolint:wrapcheck // delegating to underlying ResponseWriter
}

// Common extractors for convenience

// FixedRequest returns a GenerationRequestExtractor that always returns req
func FixedRequest(req creditgate.GenerationRequest) GenerationRequestExtractor {
	return func(*http.Request) (creditgate.GenerationRequest, error) {
		return req, nil
	}
}

// FromJSONBody decodes a creditgate.GenerationRequest from the JSON body.
// The body is restored for the next handler.
func FromJSONBody() GenerationRequestExtractor {
	return func(r *http.Request) (creditgate.GenerationRequest, error) {
		var req creditgate.GenerationRequest
		body, err := peekBody(r)
		if err != nil || len(body) == 0 {
			return req, err
		}
		err = json.Unmarshal(body, &req)
		return req, err
	}
}

// SourceFromBody counts the characters of a plain-text body as the source
func SourceFromBody() GenerationRequestExtractor {
	return func(r *http.Request) (creditgate.GenerationRequest, error) {
		body, err := peekBody(r)
		if err != nil {
			return creditgate.GenerationRequest{}, err
		}
		return creditgate.GenerationRequest{SourceCharCount: utf8.RuneCount(body)}, nil
	}
}

// SourceFromJSONField counts the characters of a string field in a JSON body
// as the source. A missing field is an error.
func SourceFromJSONField(field string) GenerationRequestExtractor {
	return func(r *http.Request) (creditgate.GenerationRequest, error) {
		body, err := peekBody(r)
		if err != nil {
			return creditgate.GenerationRequest{}, err
		}
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(body, &payload); err != nil {
			return creditgate.GenerationRequest{}, err
		}
		raw, ok := payload[field]
		if !ok {
			return creditgate.GenerationRequest{}, fmt.Errorf("field %q not found", field)
		}
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return creditgate.GenerationRequest{}, fmt.Errorf("field %q: %w", field, err)
		}
		return creditgate.GenerationRequest{SourceCharCount: utf8.RuneCountInString(text)}, nil
	}
}

func peekBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "creditgate:userID"
)

// FromContext returns a UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// RequestIDFromHeader returns a RequestIDExtractor that reads a header
func RequestIDFromHeader(headerName string) RequestIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
