package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/templetwo/temple-bridge/internal/action"
	"github.com/templetwo/temple-bridge/internal/audit"
	"github.com/templetwo/temple-bridge/internal/executor"
	"github.com/templetwo/temple-bridge/internal/governance"
	"github.com/templetwo/temple-bridge/internal/proposal"
	"github.com/templetwo/temple-bridge/internal/spiral"
	"github.com/templetwo/temple-bridge/internal/telemetry"
)

func TestMetrics_RecordInvocation(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	m := NewMetrics(tt.Meter(instrumentationName), zap.NewNop())
	ctx := context.Background()

	m.RecordInvocation(ctx, spiral.ToolReadFile, spiral.FirstOrderObservation, 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, spiral.ToolReadFile, spiral.FirstOrderObservation, 50*time.Millisecond, action.ErrPathEscape)

	assert.EqualValues(t, 2, tt.CounterValue(t, "temple_bridge.mcp.tool.invocations_total",
		attribute.String("tool", "btb_read_file"),
		attribute.String("phase", "First-Order Observation")))
	assert.EqualValues(t, 1, tt.CounterValue(t, "temple_bridge.mcp.tool.errors_total",
		attribute.String("reason", "path_escape")))
	assert.EqualValues(t, 2, tt.HistogramCount(t, "temple_bridge.mcp.tool.duration_seconds"))
}

func TestMetrics_ActiveRequests(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	m := NewMetrics(tt.Meter(instrumentationName), nil)
	ctx := context.Background()

	m.IncrementActive(ctx, spiral.ToolExecuteCommand)
	m.IncrementActive(ctx, spiral.ToolExecuteCommand)
	m.DecrementActive(ctx, spiral.ToolExecuteCommand)

	assert.EqualValues(t, 1, tt.CounterValue(t, "temple_bridge.mcp.tool.active_requests"))
}

func TestMetrics_NilMeterUsesGlobal(t *testing.T) {
	m := NewMetrics(nil, nil)
	m.RecordInvocation(context.Background(), spiral.ToolJourney, spiral.Initialization, time.Millisecond, nil)
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("record: %w", audit.ErrWriteFailure), "audit_failure"},
		{action.ErrPermissionDenied, "permission_denied"},
		{action.ErrPathEscape, "path_escape"},
		{action.ErrRateLimited, "rate_limited"},
		{action.ErrTimeout, "timeout"},
		{proposal.ErrNotFound, "not_found"},
		{action.ErrNotFound, "not_found"},
		{proposal.ErrAlreadyDecided, "already_decided"},
		{proposal.ErrConflicting, "conflict"},
		{proposal.ErrInvalidState, "invalid_state"},
		{governance.ErrSnapshotDrift, "snapshot_drift"},
		{&executor.PartialExecutionError{Report: &executor.Report{FirstErr: errors.New("boom")}}, "partial_execution"},
		{fmt.Errorf("%w: empty", errInvalidArgument), "validation_error"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err), "%v", tt.err)
	}
}
