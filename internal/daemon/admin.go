package daemon

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/creditgate/pkg/api"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

const maxAdminBodyBytes = 16 * 1024

type spendRequest struct {
	CostUSD float64 `json:"cost_usd"`
}

type limitRequest struct {
	LimitUSD float64 `json:"limit_usd"`
}

type tierRequest struct {
	UserID    string          `json:"user_id"`
	Tier      creditgate.Tier `json:"tier"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

type adminHandler struct {
	service *creditgate.Service
	logger  creditgate.Logger
}

// requireToken rejects requests without "Authorization: Bearer <token>".
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recordSpend adds usage cost reported outside an admitted request.
func (h *adminHandler) recordSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	budget, err := h.service.RecordSpend(r.Context(), req.CostUSD)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewBudgetResponse(budget))
}

func (h *adminHandler) setLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	budget, err := h.service.SetBudgetLimit(r.Context(), req.LimitUSD)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("budget limit changed", creditgate.Field{Key: "limitUsd", Value: req.LimitUSD})
	writeJSON(w, http.StatusOK, api.NewBudgetResponse(budget))
}

// changeTier applies a manual tier change, for support and for purchase
// sources without a webhook provider.
func (h *adminHandler) changeTier(w http.ResponseWriter, r *http.Request) {
	var req tierRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acct, err := h.service.ApplyTierChange(r.Context(), req.UserID, req.Tier, req.ExpiresAt)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *adminHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, creditgate.ErrValidation),
		errors.Is(err, creditgate.ErrInvalidAmount),
		errors.Is(err, creditgate.ErrInvalidTier):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("admin request failed", creditgate.Field{Key: "error", Value: err})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}
