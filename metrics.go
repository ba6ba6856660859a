package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsLabelPolicy  = "policy"
	metricsLabelOutcome = "outcome"
)

// Outcome label values.
const (
	MetricsOutcomeAllowed     = "allowed"
	MetricsOutcomeThrottled   = "throttled"
	MetricsOutcomeDenyListed  = "deny_listed"
	MetricsOutcomeAllowListed = "allow_listed"
	MetricsOutcomeFailedOpen  = "failed_open"
)

// MetricsCollector represents collector of metrics for throttling decisions.
type MetricsCollector struct {
	Decisions    *prometheus.CounterVec
	FailOpens    prometheus.Counter
	StoreLatency prometheus.Histogram
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_decisions_total",
		Help:      "Number of throttling decisions by policy and outcome.",
	}, []string{metricsLabelPolicy, metricsLabelOutcome})

	failOpens := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_fail_opens_total",
		Help:      "Number of requests admitted because the shared store was unreachable.",
	})

	storeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rate_limit_store_roundtrip_seconds",
		Help:      "Latency of shared store round trips performed for throttling checks.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	return &MetricsCollector{
		Decisions:    decisions,
		FailOpens:    failOpens,
		StoreLatency: storeLatency,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics
// if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.Decisions,
		mc.FailOpens,
		mc.StoreLatency,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.Decisions)
	prometheus.Unregister(mc.FailOpens)
	prometheus.Unregister(mc.StoreLatency)
}

// ObserveDecision is a nil-safe helper to record one decision.
func (mc *MetricsCollector) ObserveDecision(policy, outcome string) {
	if mc == nil {
		return
	}
	mc.Decisions.With(prometheus.Labels{metricsLabelPolicy: policy, metricsLabelOutcome: outcome}).Inc()
}

// ObserveStoreRoundTrip is a nil-safe helper to record one store round trip.
func (mc *MetricsCollector) ObserveStoreRoundTrip(elapsed time.Duration) {
	if mc == nil {
		return
	}
	mc.StoreLatency.Observe(elapsed.Seconds())
}

// ObserveFailOpen is a nil-safe helper to record one fail-open admission.
func (mc *MetricsCollector) ObserveFailOpen() {
	if mc == nil {
		return
	}
	mc.FailOpens.Inc()
}
