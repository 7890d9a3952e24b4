// Package deliberate scores a reorganization schema for reversibility and
// applies the policy gate.
package deliberate

import (
	"fmt"
	"sort"

	"github.com/templetwo/temple-bridge/internal/derive"
)

// Weights are the reversibility penalties per operation kind, each in
// [0,1). Moves are always free.
type Weights struct {
	Merge     float64 `koanf:"merge" json:"merge"`
	Overwrite float64 `koanf:"overwrite" json:"overwrite"`
	Delete    float64 `koanf:"delete" json:"delete"`
}

// DefaultWeights returns the penalties used when none are configured.
func DefaultWeights() Weights {
	return Weights{Merge: 0.10, Overwrite: 0.20, Delete: 0.05}
}

// Validate checks that every weight lies in [0,1).
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"merge": w.Merge, "overwrite": w.Overwrite, "delete": w.Delete} {
		if v < 0 || v >= 1 {
			return fmt.Errorf("weight %s must be in [0,1), got %v", name, v)
		}
	}
	return nil
}

func (w Weights) of(k derive.OpKind) float64 {
	switch k {
	case derive.OpMerge:
		return w.Merge
	case derive.OpOverwrite:
		return w.Overwrite
	case derive.OpDelete:
		return w.Delete
	default:
		return 0
	}
}

// Policy is the gate a schema must pass to be approvable.
type Policy struct {
	MinReversibility float64
	Weights          Weights
}

// DefaultPolicy returns the gate used when none is configured.
func DefaultPolicy() Policy {
	return Policy{MinReversibility: 0.8, Weights: DefaultWeights()}
}

// Decision is the outcome of deliberation. Dissent is kept even when the
// plan is approved so the minority view survives in the record.
type Decision struct {
	ApprovedByPolicy bool     `json:"approved_by_policy"`
	Reversibility    float64  `json:"reversibility"`
	Dissent          []string `json:"dissent,omitempty"`
}

// Deliberator evaluates schemas against a policy.
type Deliberator struct {
	policy Policy
}

// New creates a deliberator.
func New(p Policy) *Deliberator {
	return &Deliberator{policy: p}
}

// Policy returns the policy in force.
func (d *Deliberator) Policy() Policy { return d.policy }

// Score returns the product of (1 - weight) over every operation. Each
// factor is in (0,1] so removing an operation never lowers the score.
func (d *Deliberator) Score(s *derive.Schema) float64 {
	score := 1.0
	for _, op := range s.Operations {
		score *= 1 - d.policy.Weights.of(op.Kind)
	}
	return score
}

// Evaluate scores s and applies the gate.
func (d *Deliberator) Evaluate(s *derive.Schema) Decision {
	score := d.Score(s)
	dec := Decision{
		Reversibility:    score,
		ApprovedByPolicy: score >= d.policy.MinReversibility,
	}

	counts := s.Counts()
	kinds := make([]derive.OpKind, 0, len(counts))
	for k := range counts {
		if k.Destructive() {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		dec.Dissent = append(dec.Dissent, dissentFor(k, counts[k]))
	}

	if !dec.ApprovedByPolicy {
		dec.Dissent = append(dec.Dissent, fmt.Sprintf(
			"reversibility %.3f is below the required %.3f; the plan is recorded but cannot be approved",
			score, d.policy.MinReversibility))
	}
	if len(s.Operations) > 0 && len(kinds) == 0 {
		dec.Dissent = append(dec.Dissent, "alternative: leave the tree as is; every move can be undone but paths referenced elsewhere will break")
	}
	return dec
}

func dissentFor(k derive.OpKind, n int) string {
	switch k {
	case derive.OpMerge:
		return fmt.Sprintf("%d merge(s) fold duplicate files into one destination; the original locations are lost", n)
	case derive.OpOverwrite:
		return fmt.Sprintf("%d overwrite(s) replace files already present in the target", n)
	case derive.OpDelete:
		return fmt.Sprintf("%d delete(s) remove directories emptied by the plan", n)
	default:
		return fmt.Sprintf("%d %s operation(s)", n, k)
	}
}
