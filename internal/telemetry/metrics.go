package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "auth_gateway"

var (
	// DecisionsTotal counts authorization verdicts by status code and the step that produced them.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of authorization decisions by verdict code and deciding step",
		},
		[]string{"code", "step"},
	)

	// DecisionDuration measures end-to-end decision latency.
	DecisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Authorization decision latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"code"},
	)

	// ResolverLookupsTotal counts channel/access lookups by kind, answering source and result.
	ResolverLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_lookups_total",
			Help:      "Total number of resolver lookups by kind, source and result",
		},
		[]string{"kind", "source", "result"}, // source: cache, store, remote; result: hit, miss, error
	)

	// SSOExchangesTotal counts SSO protocol steps by provider and result.
	SSOExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sso_exchanges_total",
			Help:      "Total number of SSO exchange steps by provider, step and result",
		},
		[]string{"provider", "step", "result"}, // step: code, token, userinfo, verify, refresh
	)

	// AnomalyReportsTotal counts anomaly notifications by outcome.
	AnomalyReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_reports_total",
			Help:      "Total number of unresolved-channel anomaly reports by result",
		},
		[]string{"result"}, // sent, geo_failed, notify_failed
	)

	telemetryExporterFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_export_failures_total",
			Help:      "Number of telemetry exporter initialization failures by exporter protocol",
		},
		[]string{"exporter"},
	)
)

// RecordDecision records a verdict and its latency.
func RecordDecision(code int, step string, duration time.Duration) {
	label := strconv.Itoa(code)
	DecisionsTotal.WithLabelValues(label, step).Inc()
	DecisionDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordLookup records a resolver lookup outcome.
func RecordLookup(kind, source, result string) {
	ResolverLookupsTotal.WithLabelValues(kind, source, result).Inc()
}

// RecordSSOStep records one SSO exchange step.
func RecordSSOStep(provider, step string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	SSOExchangesTotal.WithLabelValues(provider, step, result).Inc()
}

// RecordAnomalyReport records the outcome of an anomaly notification.
func RecordAnomalyReport(result string) {
	AnomalyReportsTotal.WithLabelValues(result).Inc()
}

func recordExporterFailure(exporter string) {
	if exporter == "" {
		exporter = "grpc"
	}
	telemetryExporterFailures.WithLabelValues(exporter).Inc()
}

// TelemetryExporterFailures exposes the exporter failure counter for tests and dashboards.
func TelemetryExporterFailures() *prometheus.CounterVec {
	return telemetryExporterFailures
}
