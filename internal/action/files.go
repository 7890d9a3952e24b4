package action

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

func requireDir(p, rel string) error {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: directory %s", ErrNotFound, rel)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrWrongKind, rel)
	}
	return nil
}

// ReadFile returns the scrubbed content of rel.
func (r *Runner) ReadFile(rel string) (string, error) {
	p, err := r.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, rel)
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a file", ErrWrongKind, rel)
	}
	if r.maxRead > 0 && info.Size() > r.maxRead {
		return "", fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, rel, info.Size(), r.maxRead)
	}

	f, err := os.Open(p) // #nosec G304 -- resolved inside the root.
	if err != nil {
		return "", fmt.Errorf("could not read file: %w", err)
	}
	defer f.Close()
	limit := r.maxRead
	if limit <= 0 {
		limit = info.Size()
	}
	content, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", fmt.Errorf("could not read file: %w", err)
	}

	r.logger.Debug("read file", zap.String("path", p), zap.Int("bytes", len(content)))
	return r.scrubber.String(string(content)), nil
}

// ListDirectory returns the entries of rel sorted by name.
func (r *Runner) ListDirectory(rel string) ([]Entry, error) {
	p, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if err := requireDir(p, rel); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("could not list directory: %w", err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		e := Entry{Name: item.Name(), IsDir: item.IsDir()}
		if !e.IsDir {
			if info, err := item.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// FormatFile renders file content under a header.
func FormatFile(rel, content string) string {
	return fmt.Sprintf("=== FILE: %s ===\n\n%s", rel, content)
}

// FormatListing renders a directory listing, directories marked with a
// trailing slash and files with their size.
func FormatListing(rel string, entries []Entry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		if e.IsDir {
			lines[i] = e.Name + "/"
		} else {
			lines[i] = fmt.Sprintf("%s (%d bytes)", e.Name, e.Size)
		}
	}
	return fmt.Sprintf("=== DIRECTORY: %s ===\n\n%s", filepath.ToSlash(rel), strings.Join(lines, "\n"))
}
