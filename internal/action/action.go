// Package action runs allowlisted commands and reads files inside the
// basics repository.
//
// Every path an agent supplies is resolved against the repository root,
// symlinks included, and rejected with ErrPathEscape if it lands outside.
// Output is scrubbed of secrets before it is returned.
package action

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/templetwo/temple-bridge/internal/secrets"
)

var (
	// ErrPermissionDenied indicates a command outside the allowlist.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPathEscape indicates a path that resolves outside the repository.
	ErrPathEscape = errors.New("path escapes repository root")

	// ErrNotFound indicates a missing file or directory.
	ErrNotFound = errors.New("not found")

	// ErrWrongKind indicates a file where a directory was expected or the
	// reverse.
	ErrWrongKind = errors.New("wrong file kind")

	// ErrTooLarge indicates a file above the read limit.
	ErrTooLarge = errors.New("file too large")

	// ErrRateLimited indicates the command rate limit was exceeded.
	ErrRateLimited = errors.New("command rate limit exceeded")

	// ErrTimeout indicates a command was killed at its deadline.
	ErrTimeout = errors.New("command timed out")
)

// Config configures a Runner.
type Config struct {
	Root           string
	Allowlist      []string
	Timeout        time.Duration
	RatePerMinute  int
	MaxOutputBytes int
	MaxReadBytes   int64
}

// Runner executes actions in one repository.
type Runner struct {
	root      string
	allowlist []string
	timeout   time.Duration
	maxOutput int
	maxRead   int64
	limiter   *rate.Limiter
	scrubber  *secrets.Scrubber
	logger    *zap.Logger
}

// New creates a Runner rooted at cfg.Root, which must be an existing
// directory. A zero RatePerMinute disables rate limiting.
func New(cfg Config, scrubber *secrets.Scrubber, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve repository root: %w", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, fmt.Errorf("repository not found at %s: %w", cfg.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("repository not found at %s: %w", cfg.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root %s: %w", cfg.Root, ErrWrongKind)
	}

	r := &Runner{
		root:      root,
		allowlist: normalizeAllowlist(cfg.Allowlist),
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutputBytes,
		maxRead:   cfg.MaxReadBytes,
		scrubber:  scrubber,
		logger:    logger,
	}
	if r.timeout <= 0 {
		r.timeout = 60 * time.Second
	}
	if cfg.RatePerMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	return r, nil
}

// Root returns the resolved repository root.
func (r *Runner) Root() string { return r.root }

// Allowlist returns the allowed command prefixes.
func (r *Runner) Allowlist() []string {
	out := make([]string, len(r.allowlist))
	copy(out, r.allowlist)
	return out
}

// Resolve maps rel onto an absolute path inside the root. Existing paths
// are resolved through symlinks before the containment check.
func (r *Runner) Resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	var p string
	if filepath.IsAbs(rel) {
		p = filepath.Clean(rel)
	} else {
		p = filepath.Join(r.root, rel)
	}
	p = resolveExisting(p)
	if !within(r.root, p) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return p, nil
}

// resolveExisting follows symlinks in the longest existing prefix of p so
// a missing file below a symlinked directory is still checked.
func resolveExisting(p string) string {
	rest := ""
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func normalizeAllowlist(list []string) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			out = append(out, p)
		}
	}
	return out
}
