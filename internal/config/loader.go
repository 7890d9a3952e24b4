package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	envPrefix         = "TEMPLE_"
	appDir            = "temple-bridge"
)

// defaults is loaded before the config file so booleans that default to
// true can still be switched off by the file or the environment.
const defaults = `
server:
  name: temple-bridge
  shutdown_timeout: 10s
detection:
  max_files: 2000
  max_diversity: 0.35
  subdivide_above: 100
  ignore_files: [".gitignore", ".templeignore"]
  exclude: [".git"]
deliberation:
  min_reversibility: 0.8
  merge_weight: 0.10
  overwrite_weight: 0.20
  delete_weight: 0.05
commands:
  allowlist: [pytest, python, python3, ls, cat, grep, find, "git status", "git log", "git diff", "pip list", which]
  timeout: 60s
  rate_per_minute: 30
  max_output_bytes: 65536
  max_read_bytes: 1048576
watch:
  enabled: true
  debounce: 500ms
logging:
  level: info
  format: json
telemetry:
  protocol: http
  service_name: temple-bridge
  export_interval: 30s
  sample_rate: 1.0
`

// legacyEnv maps the variable names the bridge has always read onto
// their config keys.
var legacyEnv = map[string]string{
	"TEMPLE_BASICS_PATH":    "paths.basics",
	"TEMPLE_THRESHOLD_PATH": "paths.threshold",
}

// LoadWithFile loads configuration from a YAML file, then overrides it
// with TEMPLE_* environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (TEMPLE_DETECTION_MAX_FILES, TEMPLE_BASICS_PATH, ...)
//  2. YAML config file (~/.config/temple-bridge/config.yaml)
//  3. Built-in defaults
//
// The file must live under ~/.config/temple-bridge/ or /etc/temple-bridge/,
// have 0600 or 0400 permissions and be at most 1MB. A missing file is not
// an error.
//
// Environment variables split on the first underscore after the prefix:
//
//	TEMPLE_DETECTION_MAX_FILES -> detection.max_files
//	TEMPLE_LOGGING_LEVEL       -> logging.level
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		// Validate through the open descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath) // #nosec G304 -- path validated above
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps TEMPLE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	if key, ok := legacyEnv[s]; ok {
		return key
	}
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// ConfigDir returns ~/.config/temple-bridge.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", appDir), nil
}

// validateConfigPath checks that path resolves into an allowed directory.
// It runs even if the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	userDir, err := ConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{userDir, filepath.Join("/etc", appDir)} {
		if strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/%s/ or /etc/%s/", appDir, appDir)
}

// validateConfigFileProperties checks permissions and size of an opened
// config file.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills derived values and expands ~ in paths.
func applyDefaults(cfg *Config) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	cfg.Paths.Basics = expandHome(cfg.Paths.Basics, home)
	cfg.Paths.Threshold = expandHome(cfg.Paths.Threshold, home)
	if cfg.Paths.Data == "" {
		cfg.Paths.Data = filepath.Join(home, ".local", "state", appDir)
	}
	cfg.Paths.Data = expandHome(cfg.Paths.Data, home)

	if cfg.Audit.JournalPath == "" {
		cfg.Audit.JournalPath = filepath.Join(cfg.Paths.Data, "journal.jsonl")
	}
	cfg.Audit.JournalPath = expandHome(cfg.Audit.JournalPath, home)
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Paths.Data, "proposals.db")
	}
	cfg.Store.Path = expandHome(cfg.Store.Path, home)

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Commands.Timeout == 0 {
		cfg.Commands.Timeout = Duration(60 * time.Second)
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.Server.Name
	}
	return nil
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
