package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is a Telemetry backed by a ManualReader and a span
// recorder.
type TestTelemetry struct {
	*Telemetry
	Reader *sdkmetric.ManualReader
	Spans  *tracetest.SpanRecorder
}

// NewTestTelemetry creates telemetry that records metrics and spans in
// memory.
func NewTestTelemetry() *TestTelemetry {
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	t := &Telemetry{
		config:        &Config{Enabled: true, ServiceName: "temple-bridge-test", SampleRate: 1},
		meterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(spans),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		),
	}
	t.healthy.Store(true)
	return &TestTelemetry{Telemetry: t, Reader: reader, Spans: spans}
}

// EndedSpan returns the first finished span called name.
func (t *TestTelemetry) EndedSpan(tb testing.TB, name string) sdktrace.ReadOnlySpan {
	tb.Helper()
	for _, s := range t.Spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	tb.Fatalf("no ended span named %q", name)
	return nil
}

// Collect gathers the current metric state.
func (t *TestTelemetry) Collect(tb testing.TB) metricdata.ResourceMetrics {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.Reader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}
	return rm
}

// CounterValue sums the int64 counter named name over data points whose
// attributes include every pair in attrs.
func (t *TestTelemetry) CounterValue(tb testing.TB, name string, attrs ...attribute.KeyValue) int64 {
	tb.Helper()
	var total int64
	for _, sm := range t.Collect(tb).ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				tb.Fatalf("metric %q is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if hasAttributes(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// HistogramCount returns the number of recordings of the float64
// histogram named name.
func (t *TestTelemetry) HistogramCount(tb testing.TB, name string) uint64 {
	tb.Helper()
	var count uint64
	for _, sm := range t.Collect(tb).ScopeMetrics {
		for _, m := range sm.Metrics {
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok && m.Name == name {
				for _, dp := range h.DataPoints {
					count += dp.Count
				}
			}
		}
	}
	return count
}

func hasAttributes(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}
