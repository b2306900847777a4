package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/creditgate/pkg/billing"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

type recordingMetrics struct {
	billing.NoopMetrics
	mu          sync.Mutex
	events      []string
	errors      []string
	tierChanges []string
}

func (m *recordingMetrics) RecordWebhookEvent(_, eventType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType+":"+status)
}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errorType)
}

func (m *recordingMetrics) RecordTierChange(_, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tierChanges = append(m.tierChanges, from+"->"+to)
}

type subscriptionItem struct {
	priceID   string
	periodEnd int64
}

func subscriptionObject(userID, status string, items ...subscriptionItem) map[string]interface{} {
	data := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		data = append(data, map[string]interface{}{
			"id":                 "si_" + string(rune('a'+i)),
			"object":             "subscription_item",
			"current_period_end": item.periodEnd,
			"price": map[string]interface{}{
				"id":      item.priceID,
				"object":  "price",
				"product": "prod_unmapped",
			},
		})
	}
	metadata := map[string]string{}
	if userID != "" {
		metadata["user_id"] = userID
	}
	return map[string]interface{}{
		"id":       "sub_123",
		"object":   "subscription",
		"status":   status,
		"customer": "cus_123",
		"metadata": metadata,
		"items": map[string]interface{}{
			"object": "list",
			"data":   data,
		},
	}
}

func eventPayload(t *testing.T, eventType string, created time.Time, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_" + eventType,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return payload
}

func sendWebhook(t *testing.T, p *Provider, payload []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	p.handleWebhook(w, req)
	return w
}

func TestWebhook_SubscriptionCreatedUpgradesTier(t *testing.T) {
	svc := newTestService(t)
	metrics := &recordingMetrics{}
	var got []billing.WebhookEvent
	p := newTestProvider(t, svc, func(c *Config) {
		c.Metrics = metrics
		c.WebhookCallback = func(_ context.Context, ev billing.WebhookEvent) error {
			got = append(got, ev)
			return nil
		}
	})

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second).UTC()
	sub := subscriptionObject(testUserID, "active", subscriptionItem{testPricePlus, periodEnd.Unix()})
	w := sendWebhook(t, p, eventPayload(t, "customer.subscription.created", time.Now(), sub), testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	acct, err := svc.Account(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("Failed to get account: %v", err)
	}
	if acct.Tier != creditgate.TierPlus {
		t.Errorf("Expected tier plus, got %s", acct.Tier)
	}
	if acct.CreditsRemaining != 100 {
		t.Errorf("Expected 100 credits, got %d", acct.CreditsRemaining)
	}
	if acct.SubscriptionExpiry == nil || !acct.SubscriptionExpiry.Equal(periodEnd) {
		t.Errorf("Expected expiry %v, got %v", periodEnd, acct.SubscriptionExpiry)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 callback, got %d", len(got))
	}
	if got[0].PreviousTier != creditgate.TierFree || got[0].NewTier != creditgate.TierPlus {
		t.Errorf("Unexpected callback tiers: %s -> %s", got[0].PreviousTier, got[0].NewTier)
	}
	if got[0].Metadata["user_id"] != testUserID {
		t.Errorf("Expected metadata to carry user_id, got %v", got[0].Metadata)
	}
	if len(metrics.tierChanges) != 1 || metrics.tierChanges[0] != "free->plus" {
		t.Errorf("Unexpected tier change metrics: %v", metrics.tierChanges)
	}
}

func TestWebhook_HighestWeightItemWins(t *testing.T) {
	svc := newTestService(t)
	p := newTestProvider(t, svc, nil)

	end := time.Now().Add(24 * time.Hour).Unix()
	sub := subscriptionObject(testUserID, "trialing",
		subscriptionItem{testPricePlus, end},
		subscriptionItem{testPricePro, end},
		subscriptionItem{"price_addon", end},
	)
	w := sendWebhook(t, p, eventPayload(t, "customer.subscription.updated", time.Now(), sub), testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	acct, _ := svc.Account(context.Background(), testUserID)
	if acct.Tier != creditgate.TierPro {
		t.Errorf("Expected tier pro, got %s", acct.Tier)
	}
}

func TestWebhook_InactiveAndDeletedDowngrade(t *testing.T) {
	svc := newTestService(t)
	p := newTestProvider(t, svc, nil)
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour).Unix()
	base := time.Now().Add(-time.Hour)

	sub := subscriptionObject(testUserID, "active", subscriptionItem{testPricePro, end})
	if w := sendWebhook(t, p, eventPayload(t, "customer.subscription.created", base, sub), testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	pastDue := subscriptionObject(testUserID, "past_due", subscriptionItem{testPricePro, end})
	if w := sendWebhook(t, p, eventPayload(t, "customer.subscription.updated", base.Add(time.Minute), pastDue), testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	acct, _ := svc.Account(ctx, testUserID)
	if acct.Tier != creditgate.TierFree {
		t.Errorf("Expected past_due subscription to map to free, got %s", acct.Tier)
	}

	again := subscriptionObject(testUserID, "active", subscriptionItem{testPricePlus, end})
	if w := sendWebhook(t, p, eventPayload(t, "customer.subscription.updated", base.Add(2*time.Minute), again), testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w := sendWebhook(t, p, eventPayload(t, "customer.subscription.deleted", base.Add(3*time.Minute), again), testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	acct, _ = svc.Account(ctx, testUserID)
	if acct.Tier != creditgate.TierFree {
		t.Errorf("Expected deleted subscription to map to free, got %s", acct.Tier)
	}
	if acct.SubscriptionExpiry != nil {
		t.Errorf("Expected no expiry after deletion, got %v", acct.SubscriptionExpiry)
	}
}

func TestWebhook_StaleEventIsSkipped(t *testing.T) {
	svc := newTestService(t)
	metrics := &recordingMetrics{}
	callbacks := 0
	p := newTestProvider(t, svc, func(c *Config) {
		c.Metrics = metrics
		c.WebhookCallback = func(context.Context, billing.WebhookEvent) error {
			callbacks++
			return nil
		}
	})
	end := time.Now().Add(24 * time.Hour).Unix()
	now := time.Now()

	newer := subscriptionObject(testUserID, "active", subscriptionItem{testPricePro, end})
	if w := sendWebhook(t, p, eventPayload(t, "customer.subscription.updated", now, newer), testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	// Delivered late: the deletion happened before the upgrade.
	older := subscriptionObject(testUserID, "canceled")
	w := sendWebhook(t, p, eventPayload(t, "customer.subscription.deleted", now.Add(-time.Minute), older), testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for stale event, got %d", w.Code)
	}

	acct, _ := svc.Account(context.Background(), testUserID)
	if acct.Tier != creditgate.TierPro {
		t.Errorf("Expected stale deletion to be ignored, got tier %s", acct.Tier)
	}
	if callbacks != 1 {
		t.Errorf("Expected 1 callback, got %d", callbacks)
	}
	last := metrics.events[len(metrics.events)-1]
	if last != "customer.subscription.deleted:skipped" {
		t.Errorf("Expected skipped metric, got %s", last)
	}
}

func TestWebhook_SameTierUpdateKeepsCredits(t *testing.T) {
	svc := newTestService(t)
	metrics := &recordingMetrics{}
	callbacks := 0
	p := newTestProvider(t, svc, func(c *Config) {
		c.Metrics = metrics
		c.WebhookCallback = func(context.Context, billing.WebhookEvent) error {
			callbacks++
			return nil
		}
	})
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	firstEnd := time.Now().Add(24 * time.Hour).Truncate(time.Second).UTC()

	sub := subscriptionObject(testUserID, "active", subscriptionItem{testPricePlus, firstEnd.Unix()})
	if w := sendWebhook(t, p, eventPayload(t, "customer.subscription.created", base, sub), testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	for i := 0; i < 40; i++ {
		res, err := svc.Generate(ctx, testUserID, "", creditgate.GenerationRequest{SourceCharCount: 500},
			func(context.Context, creditgate.Decision) (float64, error) { return 0, nil })
		if err != nil || !res.Applied {
			t.Fatalf("Generation %d not applied: %v", i, err)
		}
	}

	renewedEnd := firstEnd.AddDate(0, 1, 0)
	renewed := subscriptionObject(testUserID, "active", subscriptionItem{testPricePlus, renewedEnd.Unix()})
	w := sendWebhook(t, p, eventPayload(t, "customer.subscription.updated", base.Add(time.Minute), renewed), testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	acct, err := svc.Account(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to get account: %v", err)
	}
	if acct.Tier != creditgate.TierPlus {
		t.Errorf("Expected tier plus, got %s", acct.Tier)
	}
	if acct.CreditsRemaining != 60 {
		t.Errorf("Expected same-tier update to keep 60 credits, got %d", acct.CreditsRemaining)
	}
	if acct.SubscriptionExpiry == nil || !acct.SubscriptionExpiry.Equal(renewedEnd) {
		t.Errorf("Expected expiry %v, got %v", renewedEnd, acct.SubscriptionExpiry)
	}
	if callbacks != 1 {
		t.Errorf("Expected 1 callback, got %d", callbacks)
	}
	if len(metrics.tierChanges) != 1 {
		t.Errorf("Expected 1 tier change, got %v", metrics.tierChanges)
	}
	last := metrics.events[len(metrics.events)-1]
	if last != "customer.subscription.updated:skipped" {
		t.Errorf("Expected skipped metric, got %s", last)
	}

	// A late same-tier event must not roll the expiry back.
	late := subscriptionObject(testUserID, "active", subscriptionItem{testPricePlus, firstEnd.Unix()})
	if w := sendWebhook(t, p, eventPayload(t, "customer.subscription.resumed", base.Add(30*time.Second), late), testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	acct, _ = svc.Account(ctx, testUserID)
	if acct.SubscriptionExpiry == nil || !acct.SubscriptionExpiry.Equal(renewedEnd) {
		t.Errorf("Expected stale event to keep expiry %v, got %v", renewedEnd, acct.SubscriptionExpiry)
	}
}

func TestWebhook_SignatureAndMethod(t *testing.T) {
	metrics := &recordingMetrics{}
	p := newTestProvider(t, newTestService(t), func(c *Config) { c.Metrics = metrics })
	sub := subscriptionObject(testUserID, "active", subscriptionItem{testPricePlus, 0})
	payload := eventPayload(t, "customer.subscription.created", time.Now(), sub)

	w := sendWebhook(t, p, payload, "whsec_wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
	if len(metrics.errors) != 1 || metrics.errors[0] != "auth_failed" {
		t.Errorf("Expected auth_failed metric, got %v", metrics.errors)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	w = httptest.NewRecorder()
	p.handleWebhook(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without signature, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	w = httptest.NewRecorder()
	p.handleWebhook(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected security headers on every response")
	}
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	p := newTestProvider(t, newTestService(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(make([]byte, maxWebhookBodyBytes+1)))
	w := httptest.NewRecorder()
	p.handleWebhook(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", w.Code)
	}
}

func TestWebhook_MissingUserIDIsAcknowledged(t *testing.T) {
	metrics := &recordingMetrics{}
	p := newTestProvider(t, newTestService(t), func(c *Config) { c.Metrics = metrics })

	sub := subscriptionObject("", "active", subscriptionItem{testPricePlus, 0})
	w := sendWebhook(t, p, eventPayload(t, "customer.subscription.created", time.Now(), sub), testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if len(metrics.errors) != 1 || metrics.errors[0] != "invalid_payload" {
		t.Errorf("Expected invalid_payload metric, got %v", metrics.errors)
	}
}

func TestWebhook_CallbackErrorFails(t *testing.T) {
	svc := newTestService(t)
	p := newTestProvider(t, svc, func(c *Config) {
		c.WebhookCallback = func(context.Context, billing.WebhookEvent) error {
			return errors.New("downstream unavailable")
		}
	})

	sub := subscriptionObject(testUserID, "active", subscriptionItem{testPricePlus, 0})
	w := sendWebhook(t, p, eventPayload(t, "customer.subscription.created", time.Now(), sub), testWebhookSecret)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}

	// The tier change itself was stored.
	acct, _ := svc.Account(context.Background(), testUserID)
	if acct.Tier != creditgate.TierPlus {
		t.Errorf("Expected tier plus, got %s", acct.Tier)
	}
}

func TestWebhook_PaymentFailedAndUnknownEvents(t *testing.T) {
	metrics := &recordingMetrics{}
	p := newTestProvider(t, newTestService(t), func(c *Config) { c.Metrics = metrics })

	invoice := map[string]interface{}{"id": "in_123", "object": "invoice"}
	if w := sendWebhook(t, p, eventPayload(t, "invoice.payment_failed", time.Now(), invoice), testWebhookSecret); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w := sendWebhook(t, p, eventPayload(t, "charge.succeeded", time.Now(), invoice), testWebhookSecret); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	want := []string{"invoice.payment_failed:warning", "charge.succeeded:skipped"}
	if len(metrics.events) != len(want) {
		t.Fatalf("Expected %v, got %v", want, metrics.events)
	}
	for i := range want {
		if metrics.events[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], metrics.events[i])
		}
	}
}
