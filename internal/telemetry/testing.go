package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fyrsmithlabs/mcptel/pkg/config"
)

// TestManager wires a Manager to in-memory span and metric collection.
type TestManager struct {
	*Manager

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

// NewTestManager builds a Manager with in-memory exporters for tests.
// The config has both subsystems enabled and no network exporter.
func NewTestManager(tb testing.TB, mutate func(*config.Telemetry)) *TestManager {
	tb.Helper()

	cfg := config.NewDefault()
	cfg.ServerName = "test-server"
	cfg.ServerVersion = "0.0.1"
	if mutate != nil {
		mutate(cfg)
	}

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	m, err := NewManager(context.Background(), cfg,
		WithSpanProcessor(recorder),
		WithMetricReader(reader),
	)
	if err != nil {
		tb.Fatalf("build test manager: %v", err)
	}
	tb.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	return &TestManager{Manager: m, SpanRecorder: recorder, MetricReader: reader}
}

// Spans returns all ended spans.
func (t *TestManager) Spans() []sdktrace.ReadOnlySpan {
	return t.SpanRecorder.Ended()
}

// SpanByName returns the first ended span with the given name, or nil.
func (t *TestManager) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, span := range t.Spans() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// Collect drains current metric state from the manual reader.
func (t *TestManager) Collect(tb testing.TB) metricdata.ResourceMetrics {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.MetricReader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}
	return rm
}

// MetricByName searches collected metrics for an instrument by name.
func MetricByName(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}
