package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// CommandResult is the outcome of a command that ran to completion.
type CommandResult struct {
	Command    string        `json:"command"`
	WorkingDir string        `json:"working_dir"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Format renders the result as labelled sections.
func (c *CommandResult) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== COMMAND ===\n%s\n\n", c.Command)
	fmt.Fprintf(&b, "=== WORKING DIR ===\n%s\n\n", c.WorkingDir)
	fmt.Fprintf(&b, "=== EXIT CODE ===\n%d\n\n", c.ExitCode)
	if c.Stdout != "" {
		fmt.Fprintf(&b, "=== STDOUT ===\n%s\n\n", c.Stdout)
	}
	if c.Stderr != "" {
		fmt.Fprintf(&b, "=== STDERR ===\n%s\n\n", c.Stderr)
	}
	if c.Truncated {
		b.WriteString("=== NOTE ===\noutput truncated\n\n")
	}
	return b.String()
}

// Allowed reports whether command starts with an allowlisted prefix on a
// word boundary: "git status -s" matches "git status", "lsof" does not
// match "ls".
func (r *Runner) Allowed(command string) bool {
	normalized := strings.Join(strings.Fields(command), " ")
	for _, prefix := range r.allowlist {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") {
			return true
		}
	}
	return false
}

// Execute runs command in workingDir (relative to the root). The command
// is split into arguments and executed directly, never through a shell. A
// non-zero exit status is reported in the result, not as an error.
func (r *Runner) Execute(ctx context.Context, command, workingDir string) (*CommandResult, error) {
	if !r.Allowed(command) {
		return nil, fmt.Errorf("%w: command %q not in allowlist %v", ErrPermissionDenied, command, r.allowlist)
	}
	args, err := SplitArgs(command)
	if err != nil {
		return nil, err
	}
	dir, err := r.Resolve(workingDir)
	if err != nil {
		return nil, err
	}
	if err := requireDir(dir, workingDir); err != nil {
		return nil, err
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return nil, ErrRateLimited
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// #nosec G204 -- args[0] is checked against the allowlist above.
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("executing command", zap.String("command", command), zap.String("dir", dir))
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &CommandResult{Command: command, WorkingDir: dir, Duration: duration}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run %s: %w", args[0], runErr)
	}

	var truncOut, truncErr bool
	result.Stdout, truncOut = r.capOutput(stdout.String())
	result.Stderr, truncErr = r.capOutput(stderr.String())
	result.Truncated = truncOut || truncErr
	result.Stdout = r.scrubber.String(result.Stdout)
	result.Stderr = r.scrubber.String(result.Stderr)

	r.logger.Debug("command finished",
		zap.String("command", command),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", duration))
	return result, nil
}

func (r *Runner) capOutput(s string) (string, bool) {
	if r.maxOutput <= 0 || len(s) <= r.maxOutput {
		return s, false
	}
	return s[:r.maxOutput], true
}

// SplitArgs splits a command line into arguments with POSIX shell quoting
// rules. Shell operators are not special; they become literal arguments.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}
