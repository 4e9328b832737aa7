package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

func TestRecordDecision(t *testing.T) {
	before := getCounterValue(DecisionsTotal.WithLabelValues("405", "method"))
	RecordDecision(405, "method", 3*time.Millisecond)
	after := getCounterValue(DecisionsTotal.WithLabelValues("405", "method"))
	if after != before+1 {
		t.Errorf("expected decisions counter to increment, before=%f after=%f", before, after)
	}
}

func TestRecordSSOStep(t *testing.T) {
	before := getCounterValue(SSOExchangesTotal.WithLabelValues("wechat", "token", "failure"))
	RecordSSOStep("wechat", "token", false)
	after := getCounterValue(SSOExchangesTotal.WithLabelValues("wechat", "token", "failure"))
	if after <= before {
		t.Errorf("expected failure counter to increment, before=%f after=%f", before, after)
	}
}

func TestRecordLookupAndAnomaly(t *testing.T) {
	before := getCounterValue(ResolverLookupsTotal.WithLabelValues("channel", "cache", "hit"))
	RecordLookup("channel", "cache", "hit")
	if got := getCounterValue(ResolverLookupsTotal.WithLabelValues("channel", "cache", "hit")); got != before+1 {
		t.Errorf("expected lookup counter %f, got %f", before+1, got)
	}

	before = getCounterValue(AnomalyReportsTotal.WithLabelValues("sent"))
	RecordAnomalyReport("sent")
	if got := getCounterValue(AnomalyReportsTotal.WithLabelValues("sent")); got != before+1 {
		t.Errorf("expected anomaly counter %f, got %f", before+1, got)
	}
}

func TestInitTracing_EmptyEndpointDegrades(t *testing.T) {
	before := getCounterValue(TelemetryExporterFailures().WithLabelValues("degraded"))

	provider, err := InitTracing(context.Background(), TraceConfig{ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !provider.Fallback() {
		t.Error("expected degraded provider for empty endpoint")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of degraded provider should be a no-op: %v", err)
	}
	if got := getCounterValue(TelemetryExporterFailures().WithLabelValues("degraded")); got != before+1 {
		t.Errorf("expected degraded failure counter to increment")
	}
}

func TestBuildClient_UnsupportedProtocol(t *testing.T) {
	if _, err := buildClient(TraceConfig{Endpoint: "localhost:4317", Protocol: "udp"}); err == nil {
		t.Error("expected error for unsupported protocol")
	}
}
