package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/templetwo/temple-bridge/internal/action"
	"github.com/templetwo/temple-bridge/internal/audit"
	"github.com/templetwo/temple-bridge/internal/config"
	"github.com/templetwo/temple-bridge/internal/deliberate"
	"github.com/templetwo/temple-bridge/internal/derive"
	"github.com/templetwo/temple-bridge/internal/governance"
	"github.com/templetwo/temple-bridge/internal/guidance"
	"github.com/templetwo/temple-bridge/internal/logging"
	"github.com/templetwo/temple-bridge/internal/mcp"
	"github.com/templetwo/temple-bridge/internal/secrets"
	"github.com/templetwo/temple-bridge/internal/spiral"
	"github.com/templetwo/temple-bridge/internal/telemetry"
)

const meterName = "github.com/templetwo/temple-bridge"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Long: `Run the MCP server on stdio.

Stdout carries the protocol, so all logging goes to stderr. When
server.metrics_addr is set, Prometheus metrics are served on /metrics.

Examples:
  # Serve with repositories from the environment
  TEMPLE_BASICS_PATH=~/src/basics TEMPLE_THRESHOLD_PATH=~/src/threshold temple-bridge serve

  # Serve with an explicit config file
  temple-bridge serve --config ~/.config/temple-bridge/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireRepositories(); err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	logger.Info(ctx, "Starting temple-bridge",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.String("basics", cfg.Paths.Basics),
		zap.String("threshold", cfg.Paths.Threshold))

	sessionID := uuid.NewString()
	telCfg := telemetry.FromSettings(cfg.Telemetry, version)
	telCfg.InstanceID = sessionID
	tel, err := telemetry.New(ctx, telCfg, zl.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	journal, err := openJournal(cfg, zl)
	if err != nil {
		return err
	}
	defer journal.Close()

	opts := engineOptions(cfg, prometheus.DefaultRegisterer, zl.Named("governance"))
	opts.Tracer = tel.Tracer(meterName)
	engine, err := governance.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to open governance engine: %w", err)
	}
	defer engine.Close()

	scrubber, err := secrets.New()
	if err != nil {
		return fmt.Errorf("failed to build secret scrubber: %w", err)
	}
	runner, err := action.New(action.Config{
		Root:           cfg.Paths.Basics,
		Allowlist:      cfg.Commands.Allowlist,
		Timeout:        cfg.Commands.Timeout.Duration(),
		RatePerMinute:  cfg.Commands.RatePerMinute,
		MaxOutputBytes: cfg.Commands.MaxOutputBytes,
		MaxReadBytes:   cfg.Commands.MaxReadBytes,
	}, scrubber, zl.Named("action"))
	if err != nil {
		return fmt.Errorf("failed to open basics repository: %w", err)
	}
	library, err := guidance.NewLibrary(cfg.Paths.Threshold, zl.Named("guidance"))
	if err != nil {
		return fmt.Errorf("failed to open threshold repository: %w", err)
	}

	tracker := spiral.NewTracker(sessionID, journal, zl.Named("spiral"))
	srv, err := mcp.NewServer(&mcp.Config{
		Name:    cfg.Server.Name,
		Version: version,
		Logger:  logger.Named("mcp"),
		Meter:   tel.Meter(meterName),
		Tracer:  tel.Tracer(meterName),
	}, mcp.Deps{
		Engine:  engine,
		Runner:  runner,
		Library: library,
		Tracker: tracker,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	return serve(ctx, srv, cfg.Server.MetricsAddr, metricsRouter(tel, zl.Named("http")), cfg.Server.ShutdownTimeout.Duration(), zl)
}

// initLogger builds the stderr logger from the logging section.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg)
}

func openJournal(cfg *config.Config, logger *zap.Logger) (*audit.Journal, error) {
	opts := []audit.Option{audit.WithLogger(logger.Named("audit"))}
	if cfg.Audit.NoSync {
		opts = append(opts, audit.WithoutSync())
	}
	journal, err := audit.Open(cfg.Audit.JournalPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}
	return journal, nil
}

// engineOptions maps the detection, deliberation, store and watch sections
// onto governance options.
func engineOptions(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) governance.Options {
	opts := governance.DefaultOptions()
	opts.StorePath = cfg.Store.Path
	opts.Thresholds = derive.Thresholds{
		MaxFiles:     cfg.Detection.MaxFiles,
		MaxDiversity: cfg.Detection.MaxDiversity,
	}
	opts.Plan = derive.PlanOptions{
		SubdivideAbove:  cfg.Detection.SubdivideAbove,
		MergeDuplicates: cfg.Detection.MergeDuplicates,
		PruneEmptyDirs:  cfg.Detection.PruneEmptyDirs,
	}
	opts.Policy = deliberate.Policy{
		MinReversibility: cfg.Deliberation.MinReversibility,
		Weights: deliberate.Weights{
			Merge:     cfg.Deliberation.MergeWeight,
			Overwrite: cfg.Deliberation.OverwriteWeight,
			Delete:    cfg.Deliberation.DeleteWeight,
		},
	}
	if cfg.Detection.IgnoreFiles != nil {
		opts.IgnoreFiles = cfg.Detection.IgnoreFiles
	}
	if cfg.Detection.Exclude != nil {
		opts.Exclude = cfg.Detection.Exclude
	}
	opts.Watch = cfg.Watch.Enabled
	if d := cfg.Watch.Debounce.Duration(); d > 0 {
		opts.WatchDebounce = d
	}
	opts.Registerer = reg
	opts.Logger = logger
	return opts
}

// runner is the part of the MCP server serve drives.
type runner interface {
	Run(ctx context.Context) error
}

// serve runs the MCP server and, when addr is set, an HTTP listener for
// handler. The listener stops when the MCP session ends.
func serve(ctx context.Context, srv runner, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return srv.Run(gctx)
	})

	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		httpSrv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

		g.Go(func() error {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("temple-bridge stopped", zap.Error(err))
	return err
}

// metricsRouter serves Prometheus metrics and the telemetry health status.
func metricsRouter(tel *telemetry.Telemetry, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)))
			return err
		}
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		status := tel.Health()
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	})
	return e
}
