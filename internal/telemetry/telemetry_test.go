package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/templetwo/temple-bridge/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), &Config{}, nil)
	require.NoError(t, err)

	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true}, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledHTTP(t *testing.T) {
	cfg := &Config{
		Enabled:        true,
		Endpoint:       "http://localhost:4318",
		Protocol:       "http",
		Insecure:       true,
		ServiceName:    "temple-bridge",
		ExportInterval: time.Hour,
	}
	tel, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"local insecure", Config{Enabled: true, Endpoint: "localhost:4317", ServiceName: "s", Insecure: true, ExportInterval: time.Second}, false},
		{"loopback ipv6", Config{Enabled: true, Endpoint: "[::1]:4317", ServiceName: "s", Insecure: true, ExportInterval: time.Second}, false},
		{"remote insecure", Config{Enabled: true, Endpoint: "otel.example.com:4317", ServiceName: "s", Insecure: true, ExportInterval: time.Second}, true},
		{"remote tls", Config{Enabled: true, Endpoint: "https://otel.example.com", ServiceName: "s", ExportInterval: time.Second}, false},
		{"no endpoint", Config{Enabled: true, ServiceName: "s", ExportInterval: time.Second}, true},
		{"no interval", Config{Enabled: true, Endpoint: "localhost:4317", ServiceName: "s"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:        true,
		Endpoint:       "localhost:4317",
		Protocol:       "GRPC",
		ServiceName:    "temple-bridge",
		ExportInterval: config.Duration(30 * time.Second),
	}, "1.2.3")
	assert.Equal(t, "grpc", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 30*time.Second, cfg.ExportInterval)
}

func TestTestTelemetry_CounterValue(t *testing.T) {
	tel := NewTestTelemetry()
	counter, err := tel.Meter("test").Int64Counter("calls")
	require.NoError(t, err)

	ctx := context.Background()
	counter.Add(ctx, 2, metricAttrs("a"))
	counter.Add(ctx, 3, metricAttrs("b"))

	assert.EqualValues(t, 5, tel.CounterValue(t, "calls"))
	assert.EqualValues(t, 2, tel.CounterValue(t, "calls", attribute.String("tool", "a")))
	assert.EqualValues(t, 0, tel.CounterValue(t, "missing"))
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		_ = tel.Meter("test")
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.True(t, tel.Health().Degraded)
}

func metricAttrs(tool string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("tool", tool))
}

func TestNew_UnsupportedProtocolDegrades(t *testing.T) {
	tel, err := New(context.Background(), &Config{
		Enabled:        true,
		Endpoint:       "localhost:4318",
		Protocol:       "carrier-pigeon",
		ServiceName:    "temple-bridge",
		ExportInterval: time.Hour,
	}, nil)
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	assert.NotNil(t, tel.Meter("test"))
}

func TestNewResource_InstanceID(t *testing.T) {
	res := newResource(&Config{ServiceName: "temple-bridge", ServiceVersion: "1.2.3", InstanceID: "session-7"})
	got := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "temple-bridge", got["service.name"])
	assert.Equal(t, "1.2.3", got["service.version"])
	assert.Equal(t, "session-7", got["service.instance.id"])

	res = newResource(&Config{ServiceName: "temple-bridge"})
	_, ok := res.Set().Value("service.instance.id")
	assert.False(t, ok)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318/"))
	assert.Equal(t, "localhost:4317", stripScheme("grpc://localhost:4317"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()
	ctx, parent := tel.Tracer("test").Start(context.Background(), "parent")
	_, child := tel.Tracer("test").Start(ctx, "child")
	child.End()
	parent.End()

	got := tel.EndedSpan(t, "child")
	assert.Equal(t, tel.EndedSpan(t, "parent").SpanContext().SpanID(), got.Parent().SpanID())
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTracer_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), &Config{}, nil)
	require.NoError(t, err)
	_, span := tel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.False(t, span.SpanContext().IsSampled())

	var nilTel *Telemetry
	assert.NotNil(t, nilTel.Tracer("test"))
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestConfig_ValidateSampleRate(t *testing.T) {
	cfg := Config{Enabled: true, Endpoint: "localhost:4317", ServiceName: "s", ExportInterval: time.Second, SampleRate: 1.5}
	assert.ErrorContains(t, cfg.Validate(), "sample_rate")
}
