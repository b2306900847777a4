package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// Metrics implements creditgate.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	decisionDuration           *prometheus.HistogramVec
	degradedTotal              *prometheus.CounterVec
	spendUSDTotal              prometheus.Counter
	spendUSD                   prometheus.Histogram
	budgetState                *prometheus.GaugeVec
	budgetRatio                prometheus.Gauge
	resetsTotal                *prometheus.CounterVec
	cacheHitsTotal             prometheus.Counter
	cacheMissesTotal           prometheus.Counter
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var budgetStates = []creditgate.BudgetState{creditgate.BudgetNormal, creditgate.BudgetSavings, creditgate.BudgetPaused}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Total number of admission decisions.",
		}, []string{"tier", "check", "allowed", "grace"}),

		decisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_decision_duration_seconds",
			Help:      "Latency of admission decisions.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}, []string{"action"}),

		degradedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Total number of degraded-mode events.",
		}, []string{"reason"}),

		spendUSDTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Total realized cost recorded against the budget.",
		}),

		spendUSD: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "spend_usd",
			Help:      "Distribution of realized cost per request.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		budgetState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_state",
			Help:      "Current global budget state (1 for the active state).",
		}, []string{"state"}),

		budgetRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spent_ratio",
			Help:      "Monthly spend over the monthly limit.",
		}),

		resetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_resets_total",
			Help:      "Total number of cycle resets.",
		}, []string{"scope"}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of account cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of account cache misses.",
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordDecision(tier creditgate.Tier, check creditgate.Check, allowed bool, grace creditgate.GraceKind) {
	m.decisionsTotal.WithLabelValues(string(tier), string(check), strconv.FormatBool(allowed), string(grace)).Inc()
}

func (m *Metrics) RecordDecisionDuration(action creditgate.Action, duration time.Duration) {
	m.decisionDuration.WithLabelValues(string(action)).Observe(duration.Seconds())
}

func (m *Metrics) RecordDegraded(reason string) {
	m.degradedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSpend(costUSD float64) {
	if costUSD <= 0 {
		return
	}
	m.spendUSDTotal.Add(costUSD)
	m.spendUSD.Observe(costUSD)
}

func (m *Metrics) RecordBudget(state creditgate.BudgetState, ratio float64) {
	for _, s := range budgetStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.budgetState.WithLabelValues(string(s)).Set(v)
	}
	m.budgetRatio.Set(ratio)
}

func (m *Metrics) RecordReset(scope string) {
	m.resetsTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
