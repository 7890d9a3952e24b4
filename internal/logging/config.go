package logging

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/templetwo/temple-bridge/internal/secrets"
)

// Config controls encoding, volume and redaction of log output.
type Config struct {
	Level  zapcore.Level
	Format string

	// Caller adds the calling file and line to each entry.
	Caller bool
	// StacktraceLevel attaches a stack trace at and above this level.
	StacktraceLevel zapcore.Level

	Sampling  SamplingConfig
	Fields    map[string]string
	Redaction RedactionConfig
}

// SamplingConfig limits repeated entries below Error. Within each Tick the
// first Initial entries with the same message are kept, then one in every
// Thereafter.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig controls what never reaches the log.
type RedactionConfig struct {
	Enabled bool
	// Keys are field names whose values are always replaced.
	Keys []string
	// Rules detect secrets inside string values. The secrets package
	// defaults apply when empty.
	Rules []secrets.Rule
}

// NewDefaultConfig returns the configuration used by the server.
func NewDefaultConfig() *Config {
	return &Config{
		Level:           zapcore.InfoLevel,
		Format:          "json",
		Caller:          true,
		StacktraceLevel: zapcore.ErrorLevel,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Fields: map[string]string{"service": "temple-bridge"},
		Redaction: RedactionConfig{
			Enabled: true,
			Keys: []string{
				"password", "secret", "token", "api_key",
				"authorization", "credential", "private_key",
			},
		},
	}
}

// FromSettings builds a Config from the level and format strings of the
// server configuration file.
func FromSettings(level, format string) (*Config, error) {
	cfg := NewDefaultConfig()
	if level != "" {
		l, err := LevelFromString(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = l
	}
	if format != "" {
		cfg.Format = format
	}
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, fmt.Errorf("format must be json or console, got %q", c.Format))
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		errs = append(errs, errors.New("sampling tick must be > 0 when sampling is enabled"))
	}
	if c.Redaction.Enabled && len(c.Redaction.Rules) > 0 {
		if _, err := secrets.New(secrets.WithRules(c.Redaction.Rules...)); err != nil {
			errs = append(errs, fmt.Errorf("redaction rules: %w", err))
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("static field %q must have a non-empty key and value", k))
		}
	}
	return errors.Join(errs...)
}
