// Package watch flags pending proposals whose source tree changes on disk.
//
// fsnotify is not recursive, so every directory below a watched root is
// added individually, including directories created later. Events are
// debounced per proposal: a burst of writes yields one Event.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrClosed indicates use of a closed Watcher.
var ErrClosed = errors.New("watcher closed")

// Event reports that a proposal's source tree changed.
type Event struct {
	ProposalID string    `json:"proposal_id"`
	Path       string    `json:"path"`
	At         time.Time `json:"at"`
}

// Watcher maps filesystem events to proposal IDs.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
	events   chan Event

	mu     sync.Mutex
	roots  map[string]string // proposal ID -> root
	dirs   map[string]int    // watched dir -> number of proposals using it
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher. Call Start to begin delivering events.
func New(debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}
	return &Watcher{
		fs:       fw,
		debounce: debounce,
		logger:   logger,
		events:   make(chan Event, 16),
		roots:    make(map[string]string),
		dirs:     make(map[string]int),
		stop:     make(chan struct{}),
	}, nil
}

// Events delivers debounced change events. It is closed by Close.
func (w *Watcher) Events() <-chan Event { return w.events }

// Watch starts watching root on behalf of proposalID. excluded directories
// (for example the proposal's own target) are not watched.
func (w *Watcher) Watch(proposalID, root string, excluded ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.roots[proposalID]; ok {
		return nil
	}

	skip := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		skip[filepath.Clean(e)] = true
	}
	var added []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skip[p] || (p != root && d.Name() == ".git") {
			return filepath.SkipDir
		}
		if err := w.addDir(p); err != nil {
			return err
		}
		added = append(added, p)
		return nil
	})
	if err != nil {
		for _, p := range added {
			w.removeDir(p)
		}
		return fmt.Errorf("watch %s: %w", root, err)
	}

	w.roots[proposalID] = filepath.Clean(root)
	w.logger.Debug("watching proposal source", zap.String("proposal_id", proposalID), zap.Int("dirs", len(added)))
	return nil
}

// Unwatch stops watching for proposalID.
func (w *Watcher) Unwatch(proposalID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	root, ok := w.roots[proposalID]
	if !ok {
		return
	}
	delete(w.roots, proposalID)
	for dir := range w.dirs {
		if dir == root || under(root, dir) {
			w.removeDir(dir)
		}
	}
}

// Watching returns the number of watched proposals.
func (w *Watcher) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.roots)
}

func (w *Watcher) addDir(p string) error {
	if w.dirs[p] == 0 {
		if err := w.fs.Add(p); err != nil {
			return err
		}
	}
	w.dirs[p]++
	return nil
}

func (w *Watcher) removeDir(p string) {
	w.dirs[p]--
	if w.dirs[p] <= 0 {
		delete(w.dirs, p)
		_ = w.fs.Remove(p)
	}
}

// Start runs the event loop until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
}

func (w *Watcher) loop(ctx context.Context) {
	pending := make(map[string]Event)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			for _, id := range w.handle(ev) {
				pending[id] = Event{ProposalID: id, Path: ev.Name, At: time.Now().UTC()}
			}
			if len(pending) > 0 && timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		case <-fire:
			timer, fire = nil, nil
			for id, ev := range pending {
				select {
				case w.events <- ev:
				case <-w.stop:
					return
				case <-ctx.Done():
					return
				}
				delete(pending, id)
			}
		}
	}
}

// handle returns the proposals affected by ev and follows new directories.
func (w *Watcher) handle(ev fsnotify.Event) []string {
	if ev.Op == fsnotify.Chmod {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var ids []string
	for id, root := range w.roots {
		if ev.Name == root || under(root, ev.Name) {
			ids = append(ids, id)
		}
	}
	if ev.Op.Has(fsnotify.Create) && len(ids) > 0 {
		if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addDir(ev.Name); err != nil {
				w.logger.Debug("could not watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
		}
	}
	return ids
}

// Close stops the loop and releases the underlying watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	err := w.fs.Close()
	w.wg.Wait()
	close(w.events)
	return err
}

func under(root, p string) bool {
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
