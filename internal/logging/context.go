package logging

import (
	"context"

	"go.uber.org/zap"
)

type sessionCtxKey struct{}
type requestCtxKey struct{}
type toolCtxKey struct{}
type proposalCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if v := SessionIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("session.id", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	if v := stringFrom(ctx, toolCtxKey{}); v != "" {
		fields = append(fields, zap.String("tool", v))
	}
	if v := ProposalIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("proposal.id", v))
	}
	return fields
}

func stringFrom(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds the session ID to ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext returns the session ID in ctx, if any.
func SessionIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, sessionCtxKey{})
}

// WithRequestID adds a request ID to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request ID in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestCtxKey{})
}

// WithTool adds the name of the tool being served to ctx.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, toolCtxKey{}, tool)
}

// WithProposalID adds a proposal ID to ctx.
func WithProposalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, proposalCtxKey{}, id)
}

// ProposalIDFromContext returns the proposal ID in ctx, if any.
func ProposalIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, proposalCtxKey{})
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
