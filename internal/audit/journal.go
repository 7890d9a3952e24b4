// Package audit provides the append-only journal of tool calls and
// governance decisions.
//
// The journal is a JSONL file: one object per line, appended in call order
// and synced to disk before Append returns. Readers may tail it while the
// server is running.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrWriteFailure indicates an entry could not be persisted. Callers must
	// treat it as fatal for the current call.
	ErrWriteFailure = errors.New("audit write failure")

	// ErrSequence indicates a call entry whose number does not follow the
	// previous call entry of the session.
	ErrSequence = errors.New("audit call number out of sequence")
)

// Kind distinguishes tool-call records from governance decision records.
type Kind string

const (
	KindCall     Kind = "call"
	KindDecision Kind = "decision"
)

// Entry is a single journal record. Entries are never modified once written.
type Entry struct {
	Timestamp       time.Time `json:"timestamp"`
	Phase           string    `json:"phase"`
	Tool            string    `json:"tool"`
	CallNumber      int       `json:"call_number"`
	ReflectionDepth int       `json:"reflection_depth"`

	SessionID  string `json:"session_id,omitempty"`
	Kind       Kind   `json:"kind,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// IsCall reports whether the entry records a tool invocation.
func (e Entry) IsCall() bool {
	return e.Kind == "" || e.Kind == KindCall
}

// Journal appends entries to a JSONL file.
type Journal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	sync     bool
	lastCall int
	count    int
	logger   *zap.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithoutSync disables fsync after each append. Only useful in tests that
// write large volumes.
func WithoutSync() Option {
	return func(j *Journal) { j.sync = false }
}

// WithLogger sets the journal logger.
func WithLogger(logger *zap.Logger) Option {
	return func(j *Journal) { j.logger = logger }
}

// Open opens (or creates) the journal at path for appending. A newly opened
// journal starts a new session: the next call entry must carry number 1.
func Open(path string, opts ...Option) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	// #nosec G304 -- journal path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{
		path:   path,
		file:   f,
		sync:   true,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Len returns the number of entries appended by this Journal instance.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Append writes e and syncs it to disk. Any failure is reported wrapped in
// ErrWriteFailure and nothing is considered recorded.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("%w: journal closed", ErrWriteFailure)
	}
	if e.Kind == "" {
		e.Kind = KindCall
	}
	if e.IsCall() && e.CallNumber != j.lastCall+1 {
		return fmt.Errorf("%w: %w: got %d, want %d", ErrWriteFailure, ErrSequence, e.CallNumber, j.lastCall+1)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	encoded, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal entry: %v", ErrWriteFailure, err)
	}
	encoded = append(encoded, '\n')

	if _, err := j.file.Write(encoded); err != nil {
		return fmt.Errorf("%w: append: %v", ErrWriteFailure, err)
	}
	if j.sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %v", ErrWriteFailure, err)
		}
	}

	if e.IsCall() {
		j.lastCall = e.CallNumber
	}
	j.count++
	j.logger.Debug("journal entry appended",
		zap.String("tool", e.Tool),
		zap.String("kind", string(e.Kind)),
		zap.Int("call_number", e.CallNumber))
	return nil
}

// Close flushes and closes the journal. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	syncErr := j.file.Sync()
	closeErr := j.file.Close()
	j.file = nil
	if syncErr != nil {
		return fmt.Errorf("sync journal: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close journal: %w", closeErr)
	}
	return nil
}

// ReadAll returns every entry in the journal file in append order.
func ReadAll(path string) ([]Entry, error) {
	// #nosec G304 -- journal path comes from operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

// Tail returns the last n entries of the journal file.
func Tail(path string, n int) ([]Entry, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}
