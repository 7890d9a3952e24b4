package derive

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultTargetName is the directory created under the source when no
// target is given.
const DefaultTargetName = "organized"

// OpKind is the kind of a planned filesystem operation.
type OpKind string

const (
	// OpMove renames a file to a fresh destination.
	OpMove OpKind = "move"
	// OpMerge folds a file into a destination already holding identical
	// content, removing the source.
	OpMerge OpKind = "merge"
	// OpOverwrite replaces a file that already exists at the destination.
	OpOverwrite OpKind = "overwrite"
	// OpDelete removes an empty source directory.
	OpDelete OpKind = "delete"
)

// OpKinds lists every operation kind.
func OpKinds() []OpKind {
	return []OpKind{OpMove, OpMerge, OpOverwrite, OpDelete}
}

// Destructive reports whether the kind loses information when applied.
func (k OpKind) Destructive() bool { return k != OpMove }

// Operation is one step of a reorganization. Paths are absolute.
type Operation struct {
	Kind        OpKind `json:"kind"`
	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
}

// Bucket is a proposed directory under the target.
type Bucket struct {
	Name  string `json:"name"`
	Files int    `json:"files"`
}

// Schema is the discovered structure and the operations that realize it.
type Schema struct {
	SourceDir  string      `json:"source_dir"`
	TargetDir  string      `json:"target_dir"`
	Buckets    []Bucket    `json:"buckets"`
	Operations []Operation `json:"operations"`
}

// Canonical returns the byte form used for content addressing. Buckets and
// operations are already in deterministic order.
func (s *Schema) Canonical() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		panic("derive: schema is not serializable: " + err.Error())
	}
	return b
}

// Counts returns the number of operations per kind.
func (s *Schema) Counts() map[OpKind]int {
	counts := make(map[OpKind]int, len(OpKinds()))
	for _, op := range s.Operations {
		counts[op.Kind]++
	}
	return counts
}

// Paths returns every path the schema reads or writes, sorted.
func (s *Schema) Paths() []string {
	seen := make(map[string]bool, 2*len(s.Operations))
	for _, op := range s.Operations {
		seen[op.Source] = true
		if op.Destination != "" {
			seen[op.Destination] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Without returns a copy of the schema minus the operation at index i.
func (s *Schema) Without(i int) *Schema {
	c := *s
	c.Operations = make([]Operation, 0, len(s.Operations)-1)
	c.Operations = append(c.Operations, s.Operations[:i]...)
	c.Operations = append(c.Operations, s.Operations[i+1:]...)
	return &c
}

// Structure renders bucket names with their file counts.
func (s *Schema) Structure() map[string]int {
	out := make(map[string]int, len(s.Buckets))
	for _, b := range s.Buckets {
		out[b.Name] = b.Files
	}
	return out
}

// PlanOptions tunes schema derivation.
type PlanOptions struct {
	// SubdivideAbove splits a type bucket by naming pattern once it holds
	// more files than this. Zero disables subdivision.
	SubdivideAbove int
	// MergeDuplicates folds files with identical content into one
	// destination. Requires a snapshot taken with HashContent.
	MergeDuplicates bool
	// PruneEmptyDirs removes source directories left empty by the plan.
	PruneEmptyDirs bool
}

// DefaultPlanOptions returns the plan options used when none are configured.
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{SubdivideAbove: 100}
}

// Plan derives the schema for snap. The result depends only on the
// snapshot and options.
func Plan(snap *Snapshot, opts PlanOptions) *Schema {
	schema := &Schema{SourceDir: snap.Root, TargetDir: snap.TargetDir}

	byType := make(map[string][]File)
	for _, f := range snap.Files {
		ext := Extension(f.Path)
		byType[ext] = append(byType[ext], f)
	}

	assigned := make(map[string]File, len(snap.Files))
	bucketOf := make(map[string]string, len(snap.Files))
	counts := make(map[string]int)
	for ext, files := range byType {
		for _, f := range files {
			bucket := ext
			if opts.SubdivideAbove > 0 && len(files) > opts.SubdivideAbove {
				bucket = ext + "/" + subBucket(f.Path)
			}
			bucketOf[f.Path] = bucket
			counts[bucket]++
		}
	}

	for _, f := range snap.Files {
		bucket := bucketOf[f.Path]
		rel := bucket + "/" + path.Base(f.Path)
		kind := OpMove

		prev, taken := assigned[rel]
		switch {
		case taken && opts.MergeDuplicates && f.Content != "" && f.Content == prev.Content:
			kind = OpMerge
		case taken:
			rel = freeName(assigned, bucket, flatten(f.Path))
		}
		if kind == OpMove {
			if snap.Existing[rel] {
				kind = OpOverwrite
			}
			assigned[rel] = f
		}

		schema.Operations = append(schema.Operations, Operation{
			Kind:        kind,
			Source:      snap.Abs(f.Path),
			Destination: filepath.Join(snap.TargetDir, filepath.FromSlash(rel)),
		})
	}

	if opts.PruneEmptyDirs && len(schema.Operations) > 0 {
		for _, d := range snap.Prunable {
			schema.Operations = append(schema.Operations, Operation{
				Kind:   OpDelete,
				Source: snap.Abs(d),
			})
		}
	}

	names := make([]string, 0, len(counts))
	for name, n := range counts {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		schema.Buckets = append(schema.Buckets, Bucket{Name: name, Files: counts[name]})
	}
	return schema
}

func subBucket(p string) string {
	pattern := strings.Trim(strings.ReplaceAll(NamePattern(p), "#", ""), " .")
	if pattern == "" {
		return "misc"
	}
	return pattern
}

// freeName returns bucket/name, suffixed with -2, -3, ... until unused.
func freeName(assigned map[string]File, bucket, name string) string {
	rel := bucket + "/" + name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		if _, taken := assigned[rel]; !taken {
			return rel
		}
		rel = fmt.Sprintf("%s/%s-%d%s", bucket, stem, i, ext)
	}
}

// flatten turns "a/b/c.txt" into "a_b_c.txt".
func flatten(p string) string {
	return strings.ReplaceAll(p, "/", "_")
}
