// Package proposal holds reorganization proposals keyed by a
// content-derived identifier and enforces their status lifecycle:
// pending -> approved -> executed, or pending -> rejected.
package proposal

import (
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/templetwo/temple-bridge/internal/derive"
)

var (
	// ErrNotFound indicates no proposal has the given identifier.
	ErrNotFound = errors.New("proposal not found")

	// ErrAlreadyDecided indicates the proposal left pending already.
	ErrAlreadyDecided = errors.New("proposal already decided")

	// ErrConflicting indicates the schema touches paths covered by another
	// pending proposal.
	ErrConflicting = errors.New("conflicting proposal")

	// ErrInvalidState indicates an operation that the proposal's current
	// status does not permit.
	ErrInvalidState = errors.New("invalid proposal state")
)

// IDPrefix starts every proposal identifier.
const IDPrefix = "tp_"

var idKey = blake3.Sum256([]byte("temple-bridge/proposal/id/v1"))

// Status is the lifecycle state of a proposal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted:
		return true
	}
	return false
}

// Decided reports whether the proposal has left pending.
func (s Status) Decided() bool { return s != StatusPending }

// CanTransition reports whether from -> to is an edge of the lifecycle.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusExecuted
	}
	return false
}

// ExecutionSummary is the outcome of applying an approved proposal.
type ExecutionSummary struct {
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Total      int       `json:"total"`
	FirstError string    `json:"first_error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Complete reports whether every operation was applied.
func (e *ExecutionSummary) Complete() bool {
	return e != nil && e.Failed == 0 && e.Completed == e.Total
}

// Proposal is a candidate reorganization. Only Status and the decision
// fields change after creation.
type Proposal struct {
	ID             string         `json:"id"`
	SourceDir      string         `json:"source_dir"`
	TargetDir      string         `json:"target_dir"`
	Schema         *derive.Schema `json:"schema"`
	SnapshotDigest string         `json:"snapshot_digest"`
	Metrics        derive.Metrics `json:"metrics"`
	Reversibility  float64        `json:"reversibility"`
	Dissent        []string       `json:"dissent,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`

	DecidedAt *time.Time        `json:"decided_at,omitempty"`
	Approver  string            `json:"approver,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Execution *ExecutionSummary `json:"execution,omitempty"`
}

// Paths returns every path the proposal's schema touches.
func (p *Proposal) Paths() []string {
	if p.Schema == nil {
		return nil
	}
	return p.Schema.Paths()
}

// ID derives the identifier for a schema planned over a snapshot of
// sourceDir. The same (normalized source, snapshot digest, schema) triple
// always yields the same identifier, so a tree that changed after a
// proposal was rejected gets a fresh one.
func ID(sourceDir, snapshotDigest string, schema *derive.Schema) string {
	h, err := blake3.NewKeyed(idKey[:])
	if err != nil {
		panic("proposal: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write([]byte(NormalizeDir(sourceDir)))
	h.Write([]byte{0})
	h.Write([]byte(snapshotDigest))
	h.Write([]byte{0})
	h.Write(schema.Canonical())
	sum := h.Sum(nil)
	return IDPrefix + hex.EncodeToString(sum[:16])
}

// ValidID reports whether id has the shape of a proposal identifier.
func ValidID(id string) bool {
	if !strings.HasPrefix(id, IDPrefix) || len(id) != len(IDPrefix)+32 {
		return false
	}
	_, err := hex.DecodeString(id[len(IDPrefix):])
	return err == nil
}

// NormalizeDir returns the absolute, cleaned form of dir.
func NormalizeDir(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// Conflicts returns the paths of a that equal, contain or are contained by
// a path of b.
func Conflicts(a, b []string) []string {
	exact := make(map[string]bool, len(b))
	ancestors := make(map[string]bool)
	for _, p := range b {
		exact[p] = true
		for _, d := range parents(p) {
			ancestors[d] = true
		}
	}

	var out []string
	for _, p := range a {
		if exact[p] || ancestors[p] {
			out = append(out, p)
			continue
		}
		for _, d := range parents(p) {
			if exact[d] {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// parents lists the ancestors of p, nearest first, excluding the
// filesystem root.
func parents(p string) []string {
	var out []string
	for d := filepath.Dir(p); d != p && d != "." && d != string(filepath.Separator); d = filepath.Dir(d) {
		out = append(out, d)
		p = d
	}
	return out
}
