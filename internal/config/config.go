// Package config loads the bridge configuration from a YAML file and
// TEMPLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Config holds the complete server configuration.
type Config struct {
	Paths        PathsConfig        `koanf:"paths"`
	Server       ServerConfig       `koanf:"server"`
	Audit        AuditConfig        `koanf:"audit"`
	Store        StoreConfig        `koanf:"store"`
	Detection    DetectionConfig    `koanf:"detection"`
	Deliberation DeliberationConfig `koanf:"deliberation"`
	Commands     CommandsConfig     `koanf:"commands"`
	Watch        WatchConfig        `koanf:"watch"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// PathsConfig locates the two repositories the server bridges.
type PathsConfig struct {
	// Basics is the action repository: commands run and files are read here.
	Basics string `koanf:"basics"`
	// Threshold is the guidance repository consulted for protocol documents.
	Threshold string `koanf:"threshold"`
	// Data holds the journal and the proposal database.
	Data string `koanf:"data"`
}

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Name            string   `koanf:"name"`
	MetricsAddr     string   `koanf:"metrics_addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// AuditConfig holds journal settings.
type AuditConfig struct {
	JournalPath string `koanf:"journal_path"`
	// NoSync skips fsync after each append. Never set in production.
	NoSync bool `koanf:"no_sync"`
}

// StoreConfig holds proposal store settings.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// DetectionConfig holds the reorganization ceilings and plan options.
type DetectionConfig struct {
	MaxFiles        int      `koanf:"max_files"`
	MaxDiversity    float64  `koanf:"max_diversity"`
	SubdivideAbove  int      `koanf:"subdivide_above"`
	MergeDuplicates bool     `koanf:"merge_duplicates"`
	PruneEmptyDirs  bool     `koanf:"prune_empty_dirs"`
	IgnoreFiles     []string `koanf:"ignore_files"`
	Exclude         []string `koanf:"exclude"`
}

// DeliberationConfig holds the policy gate.
type DeliberationConfig struct {
	MinReversibility float64 `koanf:"min_reversibility"`
	MergeWeight      float64 `koanf:"merge_weight"`
	OverwriteWeight  float64 `koanf:"overwrite_weight"`
	DeleteWeight     float64 `koanf:"delete_weight"`
}

// CommandsConfig holds the command allowlist and limits.
type CommandsConfig struct {
	Allowlist      []string `koanf:"allowlist"`
	Timeout        Duration `koanf:"timeout"`
	RatePerMinute  int      `koanf:"rate_per_minute"`
	MaxOutputBytes int      `koanf:"max_output_bytes"`
	MaxReadBytes   int64    `koanf:"max_read_bytes"`
}

// WatchConfig controls the drift watcher.
type WatchConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Debounce Duration `koanf:"debounce"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls OTLP metric and trace export.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	ExportInterval Duration `koanf:"export_interval"`
	// SampleRate is the fraction of tool calls traced, in [0, 1].
	SampleRate float64 `koanf:"sample_rate"`
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	for name, p := range map[string]string{"paths.basics": c.Paths.Basics, "paths.threshold": c.Paths.Threshold} {
		if p != "" && !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", name, p))
		}
	}
	if c.Detection.MaxFiles <= 0 {
		errs = append(errs, fmt.Errorf("detection.max_files must be > 0, got %d", c.Detection.MaxFiles))
	}
	if c.Detection.MaxDiversity <= 0 || c.Detection.MaxDiversity > 1 {
		errs = append(errs, fmt.Errorf("detection.max_diversity must be in (0,1], got %v", c.Detection.MaxDiversity))
	}
	if c.Detection.SubdivideAbove < 0 {
		errs = append(errs, fmt.Errorf("detection.subdivide_above must be >= 0, got %d", c.Detection.SubdivideAbove))
	}
	if c.Deliberation.MinReversibility < 0 || c.Deliberation.MinReversibility > 1 {
		errs = append(errs, fmt.Errorf("deliberation.min_reversibility must be in [0,1], got %v", c.Deliberation.MinReversibility))
	}
	for name, w := range map[string]float64{
		"merge_weight":     c.Deliberation.MergeWeight,
		"overwrite_weight": c.Deliberation.OverwriteWeight,
		"delete_weight":    c.Deliberation.DeleteWeight,
	} {
		if w <= 0 || w >= 1 {
			errs = append(errs, fmt.Errorf("deliberation.%s must be in (0,1), got %v", name, w))
		}
	}
	if len(c.Commands.Allowlist) == 0 {
		errs = append(errs, errors.New("commands.allowlist must not be empty"))
	}
	if c.Commands.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("commands.timeout must be > 0"))
	}
	if c.Commands.RatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("commands.rate_per_minute must be >= 0, got %d", c.Commands.RatePerMinute))
	}
	switch strings.ToLower(c.Telemetry.Protocol) {
	case "", "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol must be http or grpc, got %q", c.Telemetry.Protocol))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be in [0, 1], got %v", c.Telemetry.SampleRate))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	return errors.Join(errs...)
}

// RequireRepositories reports an error unless both repository paths are
// set. Only the serve command needs them.
func (c *Config) RequireRepositories() error {
	if c.Paths.Basics == "" {
		return errors.New("paths.basics is required (TEMPLE_BASICS_PATH)")
	}
	if c.Paths.Threshold == "" {
		return errors.New("paths.threshold is required (TEMPLE_THRESHOLD_PATH)")
	}
	return nil
}
