// Package admit holds the request flow shared by the framework middlewares:
// the wrapped handler runs as the admitted action, and its reported cost and
// response status decide what the ledger records.
package admit

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// ErrHandlerFailed is returned for a handler that answered with a 5xx status.
// The failed generation costs no credit.
var ErrHandlerFailed = errors.New("handler failed")

// Header names set on admitted responses.
const (
	HeaderWarning = "X-Creditgate-Warning"
	HeaderGrace   = "X-Creditgate-Grace"
)

// Params describes one admission.
type Params struct {
	Service   *creditgate.Service
	Action    creditgate.Action
	UserID    string
	RequestID string

	Generation creditgate.GenerationRequest
	Export     creditgate.ExportRequest
}

// ServeFunc runs the wrapped handler with a context that carries the
// decision and a cost reporter. It returns the response status and any error
// the framework handler produced.
type ServeFunc func(ctx context.Context, d creditgate.Decision) (status int, err error)

// Outcome is what the middleware acts on after admission.
type Outcome struct {
	Result *creditgate.Result

	// Served is set once the handler ran; the response then belongs to it.
	Served bool

	// HandlerErr is the error the handler itself returned, if any.
	HandlerErr error

	// Err is the admission error, nil for blocked requests.
	Err error
}

// Blocked reports a request that was refused without running the handler.
func (o Outcome) Blocked() bool {
	return !o.Served && o.Err == nil && o.Result != nil && !o.Result.Decision.Allowed
}

// Run admits p and, when allowed, calls serve.
func Run(ctx context.Context, p Params, serve ServeFunc) Outcome {
	var out Outcome
	action := func(ctx context.Context, d creditgate.Decision) (float64, error) {
		ctx = creditgate.WithDecision(ctx, d)
		ctx, reporter := creditgate.WithCostReporter(ctx)

		status, err := serve(ctx, d)
		out.Served = true
		out.HandlerErr = err
		if err == nil && status >= http.StatusInternalServerError {
			err = ErrHandlerFailed
		}
		return reporter.Total(), err
	}

	if p.Action == creditgate.ActionExport {
		out.Result, out.Err = p.Service.Export(ctx, p.UserID, p.RequestID, p.Export, action)
	} else {
		out.Result, out.Err = p.Service.Generate(ctx, p.UserID, p.RequestID, p.Generation, action)
	}
	return out
}

// StatusCodes maps a refusal to an HTTP status.
type StatusCodes struct {
	// Quota is used for personal quota blocks. Default: 429
	Quota int
	// Budget is used for systemwide budget pauses. Default: 503
	Budget int
}

// WithDefaults fills unset codes.
func (s StatusCodes) WithDefaults() StatusCodes {
	if s.Quota == 0 {
		s.Quota = http.StatusTooManyRequests
	}
	if s.Budget == 0 {
		s.Budget = http.StatusServiceUnavailable
	}
	return s
}

// Blocked returns the status for a refused decision.
func (s StatusCodes) Blocked(d creditgate.Decision) int {
	switch d.Block {
	case creditgate.BlockQuota:
		return s.Quota
	case creditgate.BlockBudget:
		return s.Budget
	default:
		return http.StatusServiceUnavailable
	}
}

// ErrorStatus maps an admission error to an HTTP status.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, creditgate.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, creditgate.ErrDuplicateRequest):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// BlockedBody is the default JSON body for a refused request.
func BlockedBody(d creditgate.Decision) map[string]any {
	return map[string]any{
		"error":    d.Reason,
		"decision": d,
	}
}

// ErrorBody is the default JSON body for an admission error. Internal errors
// are not echoed to the client.
func ErrorBody(err error) map[string]any {
	switch ErrorStatus(err) {
	case http.StatusBadRequest:
		return map[string]any{"error": err.Error()}
	case http.StatusConflict:
		return map[string]any{"error": "Duplicate request"}
	default:
		return map[string]any{"error": "Internal Server Error"}
	}
}

// Headers returns the informational headers for an admitted decision.
func Headers(d creditgate.Decision) map[string]string {
	h := make(map[string]string, 2)
	if len(d.Warnings) > 0 {
		h[HeaderWarning] = strings.Join(d.Warnings, "; ")
	}
	if d.Grace != creditgate.GraceNone {
		h[HeaderGrace] = string(d.Grace)
	}
	return h
}
