package derive

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/templetwo/temple-bridge/internal/ignore"
)

// ErrDirectoryUnreadable indicates the source tree could not be enumerated.
var ErrDirectoryUnreadable = errors.New("directory unreadable")

// snapshotKey separates snapshot digests from every other keyed hash the
// server computes.
var snapshotKey = blake3.Sum256([]byte("temple-bridge/derive/snapshot/v1"))

// File is a regular file observed in a snapshot.
type File struct {
	// Path is slash-separated and relative to the snapshot root.
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// Content is the hex BLAKE3 hash of the file content, set only when the
	// snapshot was taken with HashContent.
	Content string `json:"content,omitempty"`
}

// Depth returns the number of directories between the root and the file.
func (f File) Depth() int {
	return strings.Count(f.Path, "/")
}

// Snapshot is a read-only view of a source tree at one point in time.
type Snapshot struct {
	Root      string    `json:"root"`
	TargetDir string    `json:"target_dir"`
	Files     []File    `json:"files"`
	TakenAt   time.Time `json:"taken_at"`

	// Existing holds paths already present under the target directory,
	// relative to it.
	Existing map[string]bool `json:"-"`

	// Prunable lists directories (relative, deepest first) whose every
	// entry is a regular file in Files or another prunable directory.
	Prunable []string `json:"-"`

	// Digest identifies the tree content: paths, sizes and modification
	// times of every file.
	Digest string `json:"digest"`
}

// SnapshotOptions configures TakeSnapshot.
type SnapshotOptions struct {
	// TargetDir is excluded from the walk and listed in Existing.
	TargetDir string
	// Exclude filters paths relative to the root.
	Exclude *ignore.Matcher
	// HashContent records a content hash for every file.
	HashContent bool
}

// TakeSnapshot walks root and records every regular file that is not
// excluded. Symlinks and other special files are skipped and keep their
// parent directory from being pruned.
func TakeSnapshot(ctx context.Context, root string, opts SnapshotOptions) (*Snapshot, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDirectoryUnreadable, root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnreadable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDirectoryUnreadable, absRoot)
	}

	target := opts.TargetDir
	if target == "" {
		target = filepath.Join(absRoot, DefaultTargetName)
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("%w: target %s: %v", ErrDirectoryUnreadable, opts.TargetDir, err)
	}

	snap := &Snapshot{
		Root:      absRoot,
		TargetDir: target,
		TakenAt:   time.Now().UTC(),
		Existing:  make(map[string]bool),
	}

	// dirty marks directories that hold something the plan will not move.
	dirty := map[string]bool{}
	var dirs []string
	markDirty := func(rel string) {
		for d := path.Dir(rel); ; d = path.Dir(d) {
			dirty[d] = true
			if d == "." {
				return
			}
		}
	}

	walkErr := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == absRoot {
			return nil
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if p == target {
				markDirty(rel)
				return filepath.SkipDir
			}
			if opts.Exclude.Match(rel, true) {
				markDirty(rel)
				return filepath.SkipDir
			}
			dirs = append(dirs, rel)
			return nil
		}
		if !d.Type().IsRegular() || opts.Exclude.Match(rel, false) {
			markDirty(rel)
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		f := File{Path: rel, Size: fi.Size(), ModTime: fi.ModTime().UTC()}
		if opts.HashContent {
			sum, err := hashFile(p)
			if err != nil {
				return err
			}
			f.Content = sum
		}
		snap.Files = append(snap.Files, f)
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return nil, walkErr
		}
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnreadable, walkErr)
	}

	if err := snap.scanTarget(); err != nil {
		return nil, err
	}

	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })
	for _, d := range dirs {
		if !dirty[d] {
			snap.Prunable = append(snap.Prunable, d)
		}
	}
	sort.Slice(snap.Prunable, func(i, j int) bool {
		di, dj := strings.Count(snap.Prunable[i], "/"), strings.Count(snap.Prunable[j], "/")
		if di != dj {
			return di > dj
		}
		return snap.Prunable[i] > snap.Prunable[j]
	})
	snap.Digest = digest(snap.Files)
	return snap, nil
}

func (s *Snapshot) scanTarget() error {
	err := filepath.WalkDir(s.TargetDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == s.TargetDir {
			return nil
		}
		rel, err := filepath.Rel(s.TargetDir, p)
		if err != nil {
			return err
		}
		s.Existing[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: target: %v", ErrDirectoryUnreadable, err)
	}
	return nil
}

// Abs returns the absolute path of a snapshot-relative path.
func (s *Snapshot) Abs(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(rel))
}

func digest(files []File) string {
	h, err := blake3.NewKeyed(snapshotKey[:])
	if err != nil {
		panic("derive: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var num [8]byte
	for _, f := range files {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(num[:], uint64(f.Size))
		h.Write(num[:])
		binary.BigEndian.PutUint64(num[:], uint64(f.ModTime.UnixNano()))
		h.Write(num[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashFile(p string) (string, error) {
	// #nosec G304 -- p comes from walking the operator-chosen source tree.
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
