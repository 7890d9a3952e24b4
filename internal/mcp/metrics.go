package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/templetwo/temple-bridge/internal/action"
	"github.com/templetwo/temple-bridge/internal/audit"
	"github.com/templetwo/temple-bridge/internal/derive"
	"github.com/templetwo/temple-bridge/internal/executor"
	"github.com/templetwo/temple-bridge/internal/governance"
	"github.com/templetwo/temple-bridge/internal/proposal"
	"github.com/templetwo/temple-bridge/internal/spiral"
)

const instrumentationName = "github.com/templetwo/temple-bridge/internal/mcp"

// Metrics holds the tool instruments.
type Metrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics creates tool instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.invocations, err = m.meter.Int64Counter(
		"temple_bridge.mcp.tool.invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"temple_bridge.mcp.tool.duration_seconds",
		metric.WithDescription("Duration of MCP tool invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 60.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"temple_bridge.mcp.tool.errors_total",
		metric.WithDescription("Total number of MCP tool errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"temple_bridge.mcp.tool.active_requests",
		metric.WithDescription("Number of MCP tool requests in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// RecordInvocation records one finished tool call. phase is the spiral
// phase the call moved the session into.
func (m *Metrics) RecordInvocation(ctx context.Context, tool spiral.ToolName, phase spiral.Phase, d time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("tool", string(tool)),
		attribute.String("phase", phase.String()),
	}
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", string(tool))))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", string(tool)),
			attribute.String("reason", categorizeError(err))))
	}
}

// IncrementActive increments the in-flight counter.
func (m *Metrics) IncrementActive(ctx context.Context, tool spiral.ToolName) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", string(tool))))
	}
}

// DecrementActive decrements the in-flight counter.
func (m *Metrics) DecrementActive(ctx context.Context, tool spiral.ToolName) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", string(tool))))
	}
}

// categorizeError maps an error to a low-cardinality reason.
func categorizeError(err error) string {
	var partial *executor.PartialExecutionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audit.ErrWriteFailure):
		return "audit_failure"
	case errors.Is(err, action.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, action.ErrPathEscape):
		return "path_escape"
	case errors.Is(err, action.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, action.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, proposal.ErrNotFound), errors.Is(err, action.ErrNotFound):
		return "not_found"
	case errors.Is(err, proposal.ErrAlreadyDecided):
		return "already_decided"
	case errors.Is(err, proposal.ErrConflicting):
		return "conflict"
	case errors.Is(err, proposal.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, governance.ErrSnapshotDrift):
		return "snapshot_drift"
	case errors.Is(err, derive.ErrDirectoryUnreadable):
		return "unreadable"
	case errors.As(err, &partial):
		return "partial_execution"
	case errors.Is(err, errInvalidArgument):
		return "validation_error"
	default:
		return "internal_error"
	}
}
