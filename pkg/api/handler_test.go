package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
	"github.com/mihaimyh/creditgate/storage/memory"
)

const (
	testUserID  = "user123"
	testUserID2 = "test-user"
)

// Helper to create a test service over memory storage
func newTestService(t *testing.T) (*creditgate.Service, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	svc, err := creditgate.NewService(context.Background(), storage, creditgate.Config{MonthlyBudgetUSD: 200})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return svc, storage
}

func newTestHandler(t *testing.T, svc *creditgate.Service) *Handler {
	t.Helper()
	h, err := NewHandler(Config{Service: svc, GetUserID: FromHeader("X-User-ID")})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return h
}

func getAccount(t *testing.T, h *Handler, userID string) (*httptest.ResponseRecorder, AccountResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h.GetAccount(w, req)

	var resp AccountResponse
	if w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, resp
}

func TestNewHandler_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("Expected error for missing service")
	}
	if _, err := NewHandler(Config{Service: svc}); err == nil {
		t.Error("Expected error for missing GetUserID")
	}
}

func TestHandler_GetAccount_NewUser(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)

	w, resp := getAccount(t, h, testUserID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}
	if resp.UserID != testUserID {
		t.Errorf("Expected user %s, got %s", testUserID, resp.UserID)
	}
	if resp.Tier != creditgate.TierFree {
		t.Errorf("Expected tier free, got %s", resp.Tier)
	}
	if resp.Status != statusDefault {
		t.Errorf("Expected status %s, got %s", statusDefault, resp.Status)
	}
	if resp.Credits.Limit != 10 || resp.Credits.Remaining != 10 || resp.Credits.Used != 0 {
		t.Errorf("Unexpected credits %+v", resp.Credits)
	}
	if resp.Exports.Limit != 3 || resp.Exports.Remaining != 3 {
		t.Errorf("Unexpected exports %+v", resp.Exports)
	}
	if resp.ActiveSets.Limit != 5 || resp.ActiveSets.Remaining != 5 {
		t.Errorf("Unexpected active sets %+v", resp.ActiveSets)
	}
	if resp.Output.Flashcards != 20 || resp.Output.Quiz != 10 {
		t.Errorf("Unexpected output counts %+v", resp.Output)
	}
	if resp.ResetAt.IsZero() {
		t.Error("Expected reset time")
	}
	if resp.Degraded {
		t.Error("Expected normal budget")
	}
}

func TestHandler_GetAccount_AfterGeneration(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)
	ctx := context.Background()

	expiry := time.Now().UTC().AddDate(0, 1, 0)
	if _, err := svc.ApplyTierChange(ctx, testUserID, creditgate.TierPlus, &expiry); err != nil {
		t.Fatalf("Failed to apply tier change: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Generate(ctx, testUserID, "", creditgate.GenerationRequest{SourceCharCount: 500}, nil); err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
	}

	w, resp := getAccount(t, h, testUserID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp.Status != statusActive {
		t.Errorf("Expected status %s, got %s", statusActive, resp.Status)
	}
	if resp.SubscriptionExpiry == nil {
		t.Error("Expected subscription expiry")
	}
	if resp.Credits.Limit != 100 || resp.Credits.Used != 3 || resp.Credits.Remaining != 97 {
		t.Errorf("Unexpected credits %+v", resp.Credits)
	}
	if resp.Credits.RolloverLimit != 25 {
		t.Errorf("Expected rollover limit 25, got %d", resp.Credits.RolloverLimit)
	}
	if resp.ActiveSets.Used != 3 || resp.ActiveSets.Remaining != 47 {
		t.Errorf("Unexpected active sets %+v", resp.ActiveSets)
	}
}

func TestHandler_GetAccount_ExpiredSubscription(t *testing.T) {
	svc, storage := newTestService(t)
	h := newTestHandler(t, svc)

	now := time.Now().UTC()
	acct := creditgate.NewAccount(testUserID2, svc.Catalog().ConfigFor(creditgate.TierPro), now, time.UTC)
	expired := now.Add(-time.Hour)
	acct.SubscriptionExpiry = &expired
	if err := storage.SaveAccount(context.Background(), &acct); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}

	w, resp := getAccount(t, h, testUserID2)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	// The tier holds until the next reset.
	if resp.Tier != creditgate.TierPro {
		t.Errorf("Expected tier pro, got %s", resp.Tier)
	}
	if resp.Status != statusExpired {
		t.Errorf("Expected status %s, got %s", statusExpired, resp.Status)
	}
}

func TestHandler_GetAccount_SavingsScaling(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)

	if _, err := svc.RecordSpend(context.Background(), 170); err != nil {
		t.Fatalf("Failed to record spend: %v", err)
	}

	_, resp := getAccount(t, h, testUserID)
	if !resp.Degraded {
		t.Error("Expected degraded flag in savings mode")
	}
	if resp.Output.Flashcards != 10 || resp.Output.Quiz != 5 {
		t.Errorf("Expected degraded output counts, got %+v", resp.Output)
	}
}

func TestHandler_GetAccount_Unauthorized(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)

	w, _ := getAccount(t, h, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestHandler_GetAccount_UserIDTooLong(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)

	w, _ := getAccount(t, h, strings.Repeat("u", maxUserIDLen+1))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_CustomErrorHandler(t *testing.T) {
	svc, _ := newTestService(t)
	var got error
	h, err := NewHandler(Config{
		Service:   svc,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	w, _ := getAccount(t, h, "")
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected custom status, got %d", w.Code)
	}
	if got == nil {
		t.Error("Expected OnError to receive the error")
	}
}

func TestHandler_FromContext(t *testing.T) {
	type ctxKey string
	key := ctxKey("uid")
	svc, _ := newTestService(t)
	h, err := NewHandler(Config{Service: svc, GetUserID: FromContext(key)})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
	req = req.WithContext(context.WithValue(req.Context(), key, testUserID))
	w := httptest.NewRecorder()
	h.GetAccount(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestHandler_GetBudget(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)

	if _, err := svc.RecordSpend(context.Background(), 50); err != nil {
		t.Fatalf("Failed to record spend: %v", err)
	}

	w := httptest.NewRecorder()
	h.GetBudget(w, httptest.NewRequest(http.MethodGet, "/api/v1/budget", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp BudgetResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.State != creditgate.BudgetNormal {
		t.Errorf("Expected normal state, got %s", resp.State)
	}
	if resp.SpentUSD != 50 || resp.LimitUSD != 200 {
		t.Errorf("Unexpected spend %v of %v", resp.SpentUSD, resp.LimitUSD)
	}
	if resp.Ratio != 0.25 {
		t.Errorf("Expected ratio 0.25, got %v", resp.Ratio)
	}
}

func TestHandler_PreviewGeneration(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantAllow  bool
		wantCheck  creditgate.Check
	}{
		{name: "allowed", body: `{"source_char_count": 1000}`, wantStatus: http.StatusOK, wantAllow: true},
		{name: "paste too long", body: `{"source_char_count": 30000}`, wantStatus: http.StatusOK, wantCheck: creditgate.CheckPaste},
		{name: "media too long", body: `{"media_duration_minutes": 40}`, wantStatus: http.StatusOK, wantCheck: creditgate.CheckMedia},
		{name: "negative count", body: `{"source_char_count": -1}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/preview", strings.NewReader(tt.body))
			req.Header.Set("X-User-ID", testUserID)
			w := httptest.NewRecorder()
			h.PreviewGeneration(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if w.Code != http.StatusOK {
				return
			}
			var resp PreviewResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Decision.Allowed != tt.wantAllow {
				t.Errorf("Expected allowed=%v, got %v", tt.wantAllow, resp.Decision.Allowed)
			}
			if resp.Decision.Check != tt.wantCheck {
				t.Errorf("Expected check %q, got %q", tt.wantCheck, resp.Decision.Check)
			}
		})
	}

	// Previews never charge.
	acct, err := svc.Account(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("Failed to get account: %v", err)
	}
	if acct.CreditsRemaining != 10 {
		t.Errorf("Expected 10 credits after previews, got %d", acct.CreditsRemaining)
	}
}

func TestHandler_InternalErrorIsNotEchoed(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)

	w := httptest.NewRecorder()
	h.handleError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("dial tcp: secret-host"), http.StatusInternalServerError)
	if strings.Contains(w.Body.String(), "secret-host") {
		t.Errorf("Internal error leaked: %s", w.Body.String())
	}
}

func TestHandler_ArchiveSet(t *testing.T) {
	svc, _ := newTestService(t)
	h := newTestHandler(t, svc)

	archive := func(method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/sets/archive", nil)
		req.Header.Set("X-User-ID", testUserID)
		w := httptest.NewRecorder()
		h.ArchiveSet(w, req)
		return w
	}

	if w := archive(http.MethodPost); w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409 with no active sets, got %d", w.Code)
	}
	if w := archive(http.MethodGet); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}

	if _, err := svc.Generate(context.Background(), testUserID, "", creditgate.GenerationRequest{SourceCharCount: 100}, nil); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	w := archive(http.MethodPost)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp AccountResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ActiveSets.Used != 0 || resp.ActiveSets.Remaining != 5 {
		t.Errorf("Unexpected active sets %+v", resp.ActiveSets)
	}
	if resp.Credits.Remaining != 9 {
		t.Errorf("Expected archiving to keep the debit, got %d credits", resp.Credits.Remaining)
	}
}
