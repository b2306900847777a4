package creditgate

import (
	"context"
	"math"
	"sync"
)

type costReporterKey struct{}
type decisionKey struct{}

// CostReporter accumulates realized cost reported by a request handler.
type CostReporter struct {
	mu  sync.Mutex
	usd float64
}

// Add records cost. Negative and non-finite values are ignored.
func (r *CostReporter) Add(usd float64) {
	if usd <= 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return
	}
	r.mu.Lock()
	r.usd += usd
	r.mu.Unlock()
}

// Total returns the accumulated cost.
func (r *CostReporter) Total() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usd
}

// WithCostReporter returns a context carrying a fresh reporter.
func WithCostReporter(ctx context.Context) (context.Context, *CostReporter) {
	r := &CostReporter{}
	return context.WithValue(ctx, costReporterKey{}, r), r
}

// ReportCost adds cost to the reporter in ctx. It returns false when ctx
// carries none.
func ReportCost(ctx context.Context, usd float64) bool {
	r, ok := ctx.Value(costReporterKey{}).(*CostReporter)
	if !ok {
		return false
	}
	r.Add(usd)
	return true
}

// WithDecision stores the admission decision in ctx for downstream handlers.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the decision stored by WithDecision.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}
