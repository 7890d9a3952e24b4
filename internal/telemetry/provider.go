package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// newResource identifies this bridge process. It is not merged with
// resource.Default, whose schema URL may differ.
func newResource(cfg *Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.InstanceID))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// protocol builds the OTLP exporters for one wire protocol.
type protocol struct {
	metrics func(ctx context.Context, endpoint string, insecure bool) (sdkmetric.Exporter, error)
	traces  func(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error)
}

var (
	httpProtocol = protocol{metrics: newHTTPMetricExporter, traces: newHTTPSpanExporter}
	grpcProtocol = protocol{metrics: newGRPCMetricExporter, traces: newGRPCSpanExporter}

	protocols = map[string]protocol{
		"":     httpProtocol,
		"http": httpProtocol,
		"grpc": grpcProtocol,
	}
)

func lookupProtocol(name string) (protocol, error) {
	p, ok := protocols[name]
	if !ok {
		return protocol{}, fmt.Errorf("unsupported telemetry protocol %q", name)
	}
	return p, nil
}

// cumulative pins temporality so an inherited
// OTEL_EXPORTER_OTLP_METRICS_TEMPORALITY_PREFERENCE cannot switch it.
func cumulative(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func newHTTPMetricExporter(ctx context.Context, endpoint string, insecure bool) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithTemporalitySelector(cumulative),
	}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}

func newGRPCMetricExporter(ctx context.Context, endpoint string, insecure bool) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func newHTTPSpanExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func newGRPCSpanExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// newMeterProvider wires the metric exporter for cfg.Protocol to a
// periodic reader.
func newMeterProvider(ctx context.Context, cfg *Config) (*sdkmetric.MeterProvider, error) {
	p, err := lookupProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	exporter, err := p.metrics(ctx, stripScheme(cfg.Endpoint), cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("creating %s metric exporter: %w", cfg.Protocol, err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(newResource(cfg)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval))),
	), nil
}

// newTracerProvider wires the span exporter for cfg.Protocol to a batcher.
func newTracerProvider(ctx context.Context, cfg *Config) (*sdktrace.TracerProvider, error) {
	p, err := lookupProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	exporter, err := p.traces(ctx, stripScheme(cfg.Endpoint), cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("creating %s trace exporter: %w", cfg.Protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(cfg)),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	), nil
}

// newSampler honours a parent's decision and samples roots at rate.
func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// stripScheme reduces an endpoint URL to the host:port the exporters take.
func stripScheme(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	return strings.TrimSuffix(endpoint, "/")
}
