// Package ignore excludes paths from directory snapshots using gitignore
// rules, as implemented by go-git. The last matching rule wins. A path
// under an excluded directory is excluded whatever later rules say.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Load reads the named ignore files in root and compiles their rules
// followed by extra. Missing files are skipped. The ignore files
// themselves are always excluded, and extra rules are applied last so an
// ignore file cannot re-include them.
func Load(root string, files []string, extra ...string) (*Matcher, error) {
	var lines []string
	for _, name := range files {
		got, err := ReadFile(filepath.Join(root, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, got...)
	}
	lines = append(lines, files...)
	lines = append(lines, extra...)
	return NewMatcher(lines), nil
}

// ReadFile returns the rule lines of one ignore file, without blanks and
// comments.
func ReadFile(name string) ([]string, error) {
	f, err := os.Open(name) // #nosec G304 -- ignore files live inside the scanned tree.
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return lines, nil
}

// Matcher reports whether slash-separated relative paths are excluded.
// A nil Matcher excludes nothing.
type Matcher struct {
	patterns []gitignore.Pattern
	matcher  gitignore.Matcher
}

// NewMatcher compiles rules in gitignore syntax. Patterns such as
// ".git/**" or "*.cache" work unchanged.
func NewMatcher(lines []string) *Matcher {
	m := &Matcher{}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m.patterns = append(m.patterns, gitignore.ParsePattern(line, nil))
	}
	m.matcher = gitignore.NewMatcher(m.patterns)
	return m
}

// Match reports whether rel, relative to the root, is excluded. isDir
// says whether rel itself names a directory.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || len(m.patterns) == 0 || rel == "" || rel == "." {
		return false
	}
	segments := strings.Split(rel, "/")
	for i := 1; i <= len(segments); i++ {
		if m.matcher.Match(segments[:i], i < len(segments) || isDir) {
			return true
		}
	}
	return false
}
