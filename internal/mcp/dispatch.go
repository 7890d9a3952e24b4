package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/templetwo/temple-bridge/internal/logging"
	"github.com/templetwo/temple-bridge/internal/spiral"
)

// errInvalidArgument marks arguments that passed schema validation but are
// still unusable.
var errInvalidArgument = errors.New("invalid argument")

// handlerFunc runs a tool after its call has been journaled and returns
// the text shown to the client.
type handlerFunc[In any] func(ctx context.Context, in In) (string, error)

// addTool registers a tool from the closed catalog. The go-sdk infers the
// input schema from In and rejects malformed arguments before the handler
// runs. Every accepted call is recorded by the tracker first; when the
// journal write fails the handler is never invoked.
//
// Handlers receive a context carrying the session, request and tool for
// logging, the server logger, and the tool span.
func addTool[In any](s *Server, name spiral.ToolName, run handlerFunc[In]) {
	meta, ok := Lookup(name)
	if !ok {
		panic(fmt.Sprintf("mcp: tool %s is not in the catalog", name))
	}
	if s.registered[name] {
		panic(fmt.Sprintf("mcp: tool %s registered twice", name))
	}
	s.registered[name] = true

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        string(name),
		Description: meta.Description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		ctx = logging.WithSessionID(ctx, s.tracker.SessionID())
		ctx = logging.WithRequestID(ctx, uuid.NewString())
		ctx = logging.WithTool(ctx, string(name))
		ctx = logging.WithLogger(ctx, s.logger)
		ctx, span := s.tracer.Start(ctx, "mcp.tool "+string(name),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("tool", string(name)),
				attribute.String("session.id", s.tracker.SessionID())))

		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		phase := s.tracker.Current()
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, name)
			s.metrics.RecordInvocation(ctx, name, phase, time.Since(start), toolErr)
			span.SetAttributes(attribute.String("phase", phase.String()))
			if toolErr != nil {
				span.RecordError(toolErr)
				span.SetStatus(codes.Error, categorizeError(toolErr))
			}
			span.End()
		}()

		s.logger.Trace(ctx, "tool arguments", zap.Any("arguments", in))

		phase, toolErr = s.tracker.RecordCall(ctx, name)
		if toolErr != nil {
			return nil, nil, toolErr
		}

		text, err := run(ctx, in)
		phase = s.tracker.Settle(name)
		if err != nil {
			toolErr = err
			s.logger.Info(ctx, "tool failed",
				zap.String("reason", categorizeError(err)),
				zap.Error(err))
			return nil, nil, err
		}
		s.logger.Debug(ctx, "tool completed", zap.Duration("duration", time.Since(start)))
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil, nil
	})
}

// decide journals a governance decision. It runs after the decision has
// taken effect, so it ignores cancellation of the calling request.
func (s *Server) decide(ctx context.Context, tool spiral.ToolName, proposalID, decision, detail string) error {
	if proposalID != "" {
		ctx = logging.WithProposalID(ctx, proposalID)
	}
	if err := s.tracker.Decision(context.WithoutCancel(ctx), tool, proposalID, decision, detail); err != nil {
		s.logger.Error(ctx, "decision not journaled",
			zap.String("decision", decision),
			zap.Error(err))
		return fmt.Errorf("journal %s decision for %s: %w", decision, proposalID, err)
	}
	s.logger.Info(ctx, "decision journaled", zap.String("decision", decision))
	return nil
}
