package deliberate

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templetwo/temple-bridge/internal/derive"
)

func schemaOf(kinds ...derive.OpKind) *derive.Schema {
	s := &derive.Schema{SourceDir: "/src", TargetDir: "/src/organized"}
	for i, k := range kinds {
		s.Operations = append(s.Operations, derive.Operation{
			Kind:        k,
			Source:      fmt.Sprintf("/src/f%d", i),
			Destination: fmt.Sprintf("/src/organized/f%d", i),
		})
	}
	return s
}

func TestScore_PureMovesAreFullyReversible(t *testing.T) {
	d := New(DefaultPolicy())
	assert.Equal(t, 1.0, d.Score(schemaOf(derive.OpMove, derive.OpMove, derive.OpMove)))
	assert.Equal(t, 1.0, d.Score(schemaOf()))
}

func TestScore_DestructiveOperationsLowerTheScore(t *testing.T) {
	d := New(DefaultPolicy())
	for _, k := range []derive.OpKind{derive.OpMerge, derive.OpOverwrite, derive.OpDelete} {
		t.Run(string(k), func(t *testing.T) {
			assert.Less(t, d.Score(schemaOf(derive.OpMove, k)), 1.0)
		})
	}
	assert.InDelta(t, 0.9*0.8*0.95, d.Score(schemaOf(derive.OpMerge, derive.OpOverwrite, derive.OpDelete)), 1e-9)
}

func TestScore_BoundedAndMonotone(t *testing.T) {
	d := New(DefaultPolicy())
	rng := rand.New(rand.NewSource(7))
	kinds := derive.OpKinds()

	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(40)
		ops := make([]derive.OpKind, n)
		for i := range ops {
			ops[i] = kinds[rng.Intn(len(kinds))]
		}
		s := schemaOf(ops...)
		score := d.Score(s)
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 1.0)

		for i, op := range s.Operations {
			if !op.Kind.Destructive() {
				continue
			}
			require.GreaterOrEqual(t, d.Score(s.Without(i)), score,
				"removing %s at %d lowered the score", op.Kind, i)
		}
	}
}

func TestEvaluate_Gate(t *testing.T) {
	d := New(Policy{MinReversibility: 0.75, Weights: DefaultWeights()})

	ok := d.Evaluate(schemaOf(derive.OpMove, derive.OpOverwrite))
	assert.True(t, ok.ApprovedByPolicy)
	assert.InDelta(t, 0.8, ok.Reversibility, 1e-9)
	require.Len(t, ok.Dissent, 1)
	assert.Contains(t, ok.Dissent[0], "overwrite")

	failing := d.Evaluate(schemaOf(derive.OpOverwrite, derive.OpOverwrite, derive.OpMerge))
	assert.False(t, failing.ApprovedByPolicy)
	assert.Len(t, failing.Dissent, 3)
	assert.Contains(t, failing.Dissent[2], "below the required")
}

func TestEvaluate_MovesOnlyStillRecordAnAlternative(t *testing.T) {
	d := New(DefaultPolicy())
	dec := d.Evaluate(schemaOf(derive.OpMove))
	assert.True(t, dec.ApprovedByPolicy)
	require.Len(t, dec.Dissent, 1)
	assert.Contains(t, dec.Dissent[0], "alternative")
}

func TestWeights_Validate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())
	assert.Error(t, Weights{Merge: 1}.Validate())
	assert.Error(t, Weights{Delete: -0.1}.Validate())
}
