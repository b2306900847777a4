package prommetrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_WebhookEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	m.RecordWebhookEvent("stripe", "customer.subscription.deleted", "skipped")

	if got := testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("stripe", "customer.subscription.updated", "success")); got != 2 {
		t.Errorf("Expected 2 success events, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("stripe", "customer.subscription.deleted", "skipped")); got != 1 {
		t.Errorf("Expected 1 skipped event, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastWebhookTimestamp.WithLabelValues("stripe")); got < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Errorf("Expected recent last webhook timestamp, got %v", got)
	}
}

func TestMetrics_ErrorsAndTierChanges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordTierChange("stripe", "free", "plus")
	m.RecordWebhookProcessingDuration("stripe", "customer.subscription.created", 20*time.Millisecond)

	expected := `
# HELP test_billing_tier_changes_total Tier changes applied from purchase events.
# TYPE test_billing_tier_changes_total counter
test_billing_tier_changes_total{from_tier="free",provider="stripe",to_tier="plus"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_billing_tier_changes_total"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")); got != 1 {
		t.Errorf("Expected 1 auth error, got %v", got)
	}
	if n := testutil.CollectAndCount(m.webhookProcessingDuration); n != 1 {
		t.Errorf("Expected 1 histogram series, got %d", n)
	}
}
