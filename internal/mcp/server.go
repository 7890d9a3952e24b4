package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/templetwo/temple-bridge/internal/action"
	"github.com/templetwo/temple-bridge/internal/governance"
	"github.com/templetwo/temple-bridge/internal/guidance"
	"github.com/templetwo/temple-bridge/internal/logging"
	"github.com/templetwo/temple-bridge/internal/spiral"
)

// Server is the MCP front of the bridge.
type Server struct {
	mcp     *mcp.Server
	engine  *governance.Engine
	runner  *action.Runner
	library *guidance.Library
	tracker *spiral.Tracker
	metrics *Metrics
	config  *Config
	logger  *logging.Logger
	tracer  trace.Tracer

	registered map[spiral.ToolName]bool
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "temple-bridge").
	Name string

	// Version is the server version reported to clients and in
	// temple://config/paths.
	Version string

	// Logger for structured logging. Must write to stderr when serving
	// over stdio.
	Logger *logging.Logger

	// Meter for tool metrics. Nil uses the global meter provider.
	Meter metric.Meter

	// Tracer opens one span per tool call. Nil disables tracing.
	Tracer trace.Tracer
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "temple-bridge",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// Deps are the components the tools act on.
type Deps struct {
	Engine  *governance.Engine
	Runner  *action.Runner
	Library *guidance.Library
	Tracker *spiral.Tracker
}

// NewServer creates the server and registers every tool and resource.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Engine == nil {
		return nil, errors.New("governance engine is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("action runner is required")
	}
	if deps.Library == nil {
		return nil, errors.New("guidance library is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("spiral tracker is required")
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		engine:  deps.Engine,
		runner:  deps.Runner,
		library: deps.Library,
		tracker: deps.Tracker,
		metrics: NewMetrics(cfg.Meter, cfg.Logger.Underlying()),
		config:  cfg,
		logger:  cfg.Logger,
		tracer:  tracer,

		registered: make(map[spiral.ToolName]bool),
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	s.registerResources()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	ctx = logging.WithSessionID(ctx, s.tracker.SessionID())
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on t. Used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// registerTools registers every tool in spiral.Tools. A tool without a
// handler is a programming error.
func (s *Server) registerTools() error {
	s.registerActionTools()
	s.registerGuidanceTools()
	s.registerGovernanceTools()

	for _, name := range spiral.Tools() {
		if _, ok := s.registered[name]; !ok {
			return fmt.Errorf("tool %s has no handler", name)
		}
	}
	return nil
}
