package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

const (
	statusActive  = "active"
	statusExpired = "expired"
	statusDefault = "default"
	maxUserIDLen  = 255
	maxBodyBytes  = 1 << 16
)

// Handler provides HTTP endpoints for account and budget inspection
type Handler struct {
	config Config
}

// GetAccount returns a JSON view of the user's current standing. Reading an
// account applies a due cycle reset first.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	svc := h.config.Service
	acct, err := svc.Account(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, fmt.Errorf("failed to get account: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, h.accountResponse(acct))
}

// ArchiveSet records that the user archived or deleted one set, freeing a
// working-set slot. It answers with the updated standing.
func (h *Handler) ArchiveSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	acct, err := h.config.Service.ArchiveSet(r.Context(), userID)
	if errors.Is(err, creditgate.ErrNoActiveSets) {
		h.handleError(w, r, err, http.StatusConflict)
		return
	}
	if err != nil {
		h.internalError(w, r, fmt.Errorf("failed to archive set: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, h.accountResponse(acct))
}

func (h *Handler) accountResponse(acct creditgate.Account) AccountResponse {
	svc := h.config.Service
	budget := svc.Budget()
	catalog := svc.Catalog()
	cfg := catalog.ConfigFor(acct.Tier)

	resp := AccountResponse{
		UserID:             acct.UserID,
		Tier:               acct.Tier,
		Status:             accountStatus(catalog, acct, h.config.Now().UTC()),
		ResetAt:            acct.NextResetAt,
		SubscriptionExpiry: acct.SubscriptionExpiry,
		Credits: CreditUsage{
			Usage: Usage{
				Limit:     cfg.MonthlyCredits,
				Used:      acct.CreditsUsedThisMonth,
				Remaining: acct.CreditsRemaining,
			},
			Rollover:  acct.RolloverCredits,
			GraceUsed: acct.GraceUsedThisMonth,
		},
		Exports: Usage{
			Limit:     cfg.MonthlyExports,
			Used:      acct.ExportsUsedThisMonth,
			Remaining: acct.ExportsRemaining,
		},
		ActiveSets: Usage{
			Limit:     cfg.ActiveSetLimit,
			Used:      acct.ActiveSetCount,
			Remaining: max(cfg.ActiveSetLimit-acct.ActiveSetCount, 0),
		},
		Output:   catalog.OutputCounts(acct.Tier, budget.State),
		Degraded: budget.State != creditgate.BudgetNormal,
	}
	if cfg.HasRollover {
		resp.Credits.RolloverLimit = cfg.RolloverLimit
	}
	return resp
}

// GetBudget returns the systemwide budget state. It does not identify a user.
func (h *Handler) GetBudget(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewBudgetResponse(h.config.Service.Budget()))
}

// PreviewGeneration decides a creditgate.GenerationRequest read from the JSON
// body without running or charging it.
func (h *Handler) PreviewGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req creditgate.GenerationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	out, err := h.config.Service.Decide(r.Context(), userID, req)
	if errors.Is(err, creditgate.ErrValidation) {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.internalError(w, r, fmt.Errorf("failed to preview decision: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{Decision: out.Decision, Degraded: out.Degraded})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func accountStatus(catalog *creditgate.Catalog, acct creditgate.Account, now time.Time) string {
	if acct.Tier == catalog.DefaultTier() {
		return statusDefault
	}
	if acct.SubscriptionExpiry != nil && acct.SubscriptionExpiry.Before(now) {
		return statusExpired
	}
	return statusActive
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.config.Logger.Error("api request failed", creditgate.Field{Key: "path", Value: r.URL.Path}, creditgate.Field{Key: "error", Value: err})
	h.handleError(w, r, err, http.StatusInternalServerError)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	msg := err.Error()
	if statusCode >= http.StatusInternalServerError {
		msg = "Internal Server Error"
	}
	writeJSON(w, statusCode, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Response already started; an encoding error cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}
