package spiral

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templetwo/temple-bridge/internal/audit"
)

type memoryRecorder struct {
	entries []audit.Entry
	fail    error
}

func (m *memoryRecorder) Append(_ context.Context, e audit.Entry) error {
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestNext_TransitionTable(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		tool ToolName
		want Phase
	}{
		{"read observes", Initialization, ToolReadFile, FirstOrderObservation},
		{"list observes", Execution, ToolListDirectory, FirstOrderObservation},
		{"status observes", ActionSynthesis, ToolDeriveStatus, FirstOrderObservation},
		{"consult integrates", FirstOrderObservation, ToolConsult, RecursiveIntegration},
		{"consult from anywhere", Initialization, ToolConsult, RecursiveIntegration},
		{"reflect counters", RecursiveIntegration, ToolReflect, CounterPerspectives},
		{"derive synthesizes", CounterPerspectives, ToolDeriveGoverned, ActionSynthesis},
		{"approve executes", ActionSynthesis, ToolDeriveApprove, Execution},
		{"command after reflection", CounterPerspectives, ToolExecuteCommand, Execution},
		{"command after synthesis", ActionSynthesis, ToolExecuteCommand, Execution},
		{"command without reflection", FirstOrderObservation, ToolExecuteCommand, FirstOrderObservation},
		{"journey integrates", MetaReflection, ToolJourney, Integration},
		{"journey checks coherence", Integration, ToolJourney, CoherenceCheck},
		{"journey elsewhere", Execution, ToolJourney, Execution},
		{"reject unchanged", ActionSynthesis, ToolDeriveReject, ActionSynthesis},
		{"unknown tool unchanged", RecursiveIntegration, ToolName("nope"), RecursiveIntegration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Next(State{Phase: tt.from, CallNumber: 4}, tt.tool)
			assert.Equal(t, tt.want, got.Phase)
			assert.Equal(t, 5, got.CallNumber)
		})
	}
}

func TestNext_ReflectionDepthOnlyOnReflect(t *testing.T) {
	s := State{}
	for _, tool := range Tools() {
		n := Next(s, tool)
		if tool == ToolReflect {
			assert.Equal(t, 1, n.ReflectionDepth, tool)
		} else {
			assert.Equal(t, 0, n.ReflectionDepth, tool)
		}
	}
}

func TestSettled(t *testing.T) {
	assert.Equal(t, MetaReflection, Settled(State{Phase: Execution}, ToolExecuteCommand).Phase)
	assert.Equal(t, Execution, Settled(State{Phase: Execution}, ToolDeriveApprove).Phase)
	assert.Equal(t, FirstOrderObservation, Settled(State{Phase: FirstOrderObservation}, ToolExecuteCommand).Phase)
}

func TestTracker_InitialPhase(t *testing.T) {
	tr := NewTracker("s", nil, nil)
	assert.Equal(t, Initialization, tr.Current())
	assert.Equal(t, 0, tr.State().CallNumber)
}

func TestTracker_RecordCallJournalsPostTransitionPhase(t *testing.T) {
	rec := &memoryRecorder{}
	tr := NewTracker("session-1", rec, nil)
	ctx := context.Background()

	phase, err := tr.RecordCall(ctx, ToolReadFile)
	require.NoError(t, err)
	assert.Equal(t, FirstOrderObservation, phase)

	_, err = tr.RecordCall(ctx, ToolReflect)
	require.NoError(t, err)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, "First-Order Observation", rec.entries[0].Phase)
	assert.Equal(t, 1, rec.entries[0].CallNumber)
	assert.Equal(t, "Counter-Perspectives", rec.entries[1].Phase)
	assert.Equal(t, 2, rec.entries[1].CallNumber)
	assert.Equal(t, 1, rec.entries[1].ReflectionDepth)
	assert.Equal(t, "session-1", rec.entries[1].SessionID)
}

func TestTracker_FailedAppendLeavesStateUntouched(t *testing.T) {
	rec := &memoryRecorder{}
	tr := NewTracker("s", rec, nil)
	ctx := context.Background()

	_, err := tr.RecordCall(ctx, ToolReadFile)
	require.NoError(t, err)

	rec.fail = audit.ErrWriteFailure
	phase, err := tr.RecordCall(ctx, ToolReflect)
	require.Error(t, err)
	require.True(t, errors.Is(err, audit.ErrWriteFailure))
	assert.Equal(t, FirstOrderObservation, phase)
	assert.Equal(t, State{Phase: FirstOrderObservation, CallNumber: 1}, tr.State())

	rec.fail = nil
	_, err = tr.RecordCall(ctx, ToolReflect)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.entries[len(rec.entries)-1].CallNumber)
}

func TestTracker_ReplayIsDeterministic(t *testing.T) {
	sequences := [][]ToolName{
		{ToolReadFile, ToolConsult, ToolReflect, ToolExecuteCommand, ToolJourney, ToolJourney},
		{ToolReflect, ToolReflect, ToolDeriveGoverned, ToolDeriveApprove, ToolDeriveStatus},
		{ToolExecuteCommand, ToolListDirectory, ToolReflect, ToolDeriveReject, ToolReflect},
	}
	run := func(seq []ToolName) State {
		tr := NewTracker("replay", &memoryRecorder{}, nil)
		for _, tool := range seq {
			_, err := tr.RecordCall(context.Background(), tool)
			require.NoError(t, err)
			tr.Settle(tool)
		}
		return tr.State()
	}
	for _, seq := range sequences {
		first := run(seq)
		second := run(seq)
		assert.Equal(t, first, second)
	}
}

func TestTracker_CommandCycleReachesMetaReflection(t *testing.T) {
	tr := NewTracker("s", &memoryRecorder{}, nil)
	ctx := context.Background()

	for _, tool := range []ToolName{ToolReflect, ToolExecuteCommand} {
		_, err := tr.RecordCall(ctx, tool)
		require.NoError(t, err)
	}
	assert.Equal(t, Execution, tr.Current())
	assert.Equal(t, MetaReflection, tr.Settle(ToolExecuteCommand))

	_, err := tr.RecordCall(ctx, ToolJourney)
	require.NoError(t, err)
	assert.Equal(t, Integration, tr.Current())
}

func TestTracker_DecisionUsesLatestCallNumber(t *testing.T) {
	rec := &memoryRecorder{}
	tr := NewTracker("s", rec, nil)
	ctx := context.Background()

	_, err := tr.RecordCall(ctx, ToolDeriveGoverned)
	require.NoError(t, err)
	require.NoError(t, tr.Decision(ctx, ToolDeriveGoverned, "tp_1", "pending", "3 operations"))

	require.Len(t, rec.entries, 2)
	d := rec.entries[1]
	assert.Equal(t, audit.KindDecision, d.Kind)
	assert.Equal(t, 1, d.CallNumber)
	assert.Equal(t, "tp_1", d.ProposalID)
}

func TestTracker_WithJournal(t *testing.T) {
	j, err := audit.Open(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)
	defer j.Close()

	tr := NewTracker("s", j, nil)
	for _, tool := range []ToolName{ToolReadFile, ToolConsult, ToolReflect} {
		_, err := tr.RecordCall(context.Background(), tool)
		require.NoError(t, err)
	}

	entries, err := audit.ReadAll(j.Path())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.CallNumber)
	}
}

func TestTracker_SummaryShowsLastFiveTransitions(t *testing.T) {
	tr := NewTracker("s", nil, nil)
	ctx := context.Background()
	for _, tool := range []ToolName{ToolReadFile, ToolConsult, ToolReflect, ToolDeriveGoverned, ToolDeriveApprove, ToolReadFile, ToolConsult} {
		_, err := tr.RecordCall(ctx, tool)
		require.NoError(t, err)
	}
	summary := tr.Summary()
	assert.Contains(t, summary, "Current Phase: Recursive Integration")
	assert.Contains(t, summary, "Tool Calls Made: 7")
	assert.Contains(t, summary, "Reflection Depth: 1")
	assert.NotContains(t, summary, "Initialization -> First-Order Observation")
}

func TestPhase_TextRoundTrip(t *testing.T) {
	for _, p := range Phases() {
		text, err := p.MarshalText()
		require.NoError(t, err)
		var back Phase
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
	}
	assert.Len(t, Phases(), 9)
	_, err := ParsePhase("Enlightenment")
	require.Error(t, err)
}

func TestParseTool(t *testing.T) {
	tool, ok := ParseTool("spiral_reflect")
	require.True(t, ok)
	assert.Equal(t, ToolReflect, tool)

	_, ok = ParseTool("rm_rf")
	assert.False(t, ok)
	assert.False(t, ToolName("rm_rf").Valid())
}
