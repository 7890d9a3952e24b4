// Package guidance reads the threshold repository: protocol search,
// manifests and repository status.
package guidance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	// MaxFiles is the number of files Consult returns.
	MaxFiles = 3
	// MaxLines is the number of matching lines kept per file.
	MaxLines = 5
)

// ErrEmptyQuery indicates a blank consult query.
var ErrEmptyQuery = errors.New("query must not be empty")

// Match is one file that mentions the query.
type Match struct {
	File  string   `json:"file"`
	Lines []string `json:"lines"`
}

// Library searches a directory of markdown documents.
type Library struct {
	root   string
	logger *zap.Logger
}

// NewLibrary opens the guidance repository at root.
func NewLibrary(root string, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("guidance repository not found at %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("guidance repository %s is not a directory", root)
	}
	return &Library{root: root, logger: logger}, nil
}

// Root returns the repository path.
func (l *Library) Root() string { return l.root }

// Consult returns up to MaxFiles markdown files, in path order, whose
// content contains query case-insensitively. Each carries its first
// MaxLines matching lines. Unreadable files are skipped.
func (l *Library) Consult(ctx context.Context, query string) ([]Match, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, ErrEmptyQuery
	}

	var matches []Match
	errDone := errors.New("done")
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(p), ".md") {
			return nil
		}

		content, err := os.ReadFile(p) // #nosec G304 -- walked from the repository root.
		if err != nil {
			l.logger.Debug("skipping unreadable guidance file", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !strings.Contains(strings.ToLower(string(content)), needle) {
			return nil
		}

		rel, _ := filepath.Rel(l.root, p)
		m := Match{File: filepath.ToSlash(rel)}
		for _, line := range strings.Split(string(content), "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				m.Lines = append(m.Lines, strings.TrimRight(line, "\r"))
				if len(m.Lines) == MaxLines {
					break
				}
			}
		}
		matches = append(matches, m)
		if len(matches) == MaxFiles {
			return errDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return nil, err
	}
	return matches, nil
}

// FormatConsult renders consult results.
func FormatConsult(query string, matches []Match) string {
	if len(matches) == 0 {
		return fmt.Sprintf("No guidance found in Threshold Protocols for query: '%s'", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== THRESHOLD PROTOCOLS GUIDANCE: %s ===\n\n", query)
	for _, m := range matches {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n---\n\n", m.File, strings.Join(m.Lines, "\n"))
	}
	return b.String()
}

// Reflect renders the recursive reflection prompt for an observation.
func Reflect(observation string) string {
	return fmt.Sprintf(`=== SPIRAL RECURSIVE REFLECTION ===

First-Order Observation:
%[1]s

Meta-Observation (Observing the Observer):
You have witnessed: "%[1]s"

The Threshold Protocol asks:
- What assumption led to this observation?
- What would a counter-perspective reveal?
- What is invisible in this observation?

Recursive Integration:
By observing yourself observing "%[1]s", you create a superposition of interpretations.
Do not collapse immediately into action. Hold the possibilities.

Next Step:
Consult the Threshold Protocols before acting on this observation.
Use threshold_consult to find guidance.
`, observation)
}
