package governance

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/templetwo/temple-bridge/internal/derive"
	"github.com/templetwo/temple-bridge/internal/executor"
	"github.com/templetwo/temple-bridge/internal/proposal"
	"github.com/templetwo/temple-bridge/internal/telemetry"
)

func newEngine(t *testing.T, mutate func(*Options)) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.StorePath = filepath.Join(t.TempDir(), "proposals.db")
	opts.Registerer = prometheus.NewRegistry()
	if mutate != nil {
		mutate(&opts)
	}
	e, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeFile(t *testing.T, p string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(filepath.Base(p)), 0o644))
}

// uniformTree writes n files of five types at the root, all sharing one
// naming pattern.
func uniformTree(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	exts := []string{"txt", "md", "csv", "json", "log"}
	for i := 0; i < n; i++ {
		writeFile(t, filepath.Join(root, fmt.Sprintf("report_%04d.%s", i, exts[i%len(exts)])))
	}
	return root
}

var prefixes = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel", "india", "juliet",
	"kilo", "lima", "mike", "november", "oscar", "papa", "quebec", "romeo", "sierra", "tango",
}

// scatteredTree writes n files spanning 50 extensions, five depths and
// twenty naming patterns.
func scatteredTree(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < n; i++ {
		dir := root
		for d := 0; d < i%5; d++ {
			dir = filepath.Join(dir, fmt.Sprintf("level%d", d))
		}
		name := fmt.Sprintf("%s_%04d.ext%02d", prefixes[i%len(prefixes)], i, i%50)
		writeFile(t, filepath.Join(dir, name))
	}
	return root
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	require.NoError(t, filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	}))
	return n
}

func TestDryRun_UniformTreeNeedsNoAction(t *testing.T) {
	e := newEngine(t, nil)
	root := uniformTree(t, 1000)

	ev, err := e.DryRun(context.Background(), root, "")
	require.NoError(t, err)
	assert.Equal(t, derive.NoActionNeeded, ev.Result.Verdict)
	assert.Equal(t, 1000, ev.Result.Metrics.FileCount)
	assert.Less(t, ev.Result.Metrics.Diversity, 0.35)
	assert.Nil(t, ev.Decision)
	assert.Empty(t, ev.ProposalID)

	out, err := e.Request(context.Background(), root, "")
	require.NoError(t, err)
	assert.Nil(t, out.Proposal)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.requests.WithLabelValues(outcomeNoAction)))
}

func TestScatteredTree_RequestApproveExecute(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 500, MaxDiversity: 0.35}
	})
	ctx := context.Background()
	root := scatteredTree(t, 1000)

	ev, err := e.DryRun(ctx, root, "")
	require.NoError(t, err)
	require.Equal(t, derive.Candidate, ev.Result.Verdict)
	assert.Greater(t, ev.Result.Metrics.Diversity, 0.35)
	require.NotNil(t, ev.Result.Schema)
	assert.NotEmpty(t, ev.Result.Schema.Operations)
	require.NotNil(t, ev.Decision)
	assert.True(t, ev.Decision.ApprovedByPolicy)
	assert.Equal(t, 1.0, ev.Decision.Reversibility)

	out, err := e.Request(ctx, root, "")
	require.NoError(t, err)
	require.NotNil(t, out.Proposal)
	assert.True(t, out.Created)
	assert.Equal(t, ev.ProposalID, out.Proposal.ID)
	assert.Equal(t, proposal.StatusPending, out.Proposal.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.pending))

	res, err := e.Approve(ctx, out.Proposal.ID, "witness")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, res.Proposal.Status)
	assert.Equal(t, "witness", res.Proposal.Approver)
	assert.True(t, res.Report.Complete())
	require.NotNil(t, res.Proposal.Execution)
	assert.Equal(t, 1000, res.Proposal.Execution.Completed)

	assert.Equal(t, 1000, countFiles(t, filepath.Join(root, derive.DefaultTargetName)))
	assert.Equal(t, 1000, countFiles(t, root))

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.executions.WithLabelValues("complete")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(e.metrics.operations.WithLabelValues(string(derive.OpMove), "ok")))
}

func TestRequest_OverlappingPendingProposalConflicts(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)

	first, err := e.Request(ctx, root, "")
	require.NoError(t, err)
	require.NotNil(t, first.Proposal)

	writeFile(t, filepath.Join(root, "zulu_9999.ext07"))
	_, err = e.Request(ctx, root, "")
	require.ErrorIs(t, err, proposal.ErrConflicting)

	all, err := e.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.Proposal.ID, all[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.requests.WithLabelValues(outcomeConflict)))
}

func TestRequest_IsIdempotent(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)

	first, err := e.Request(ctx, root, "")
	require.NoError(t, err)
	second, err := e.Request(ctx, root, "")
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Proposal.ID, second.Proposal.ID)

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, status, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.pending))
}

func TestDryRun_NeverPersists(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)

	for i := 0; i < 3; i++ {
		ev, err := e.DryRun(ctx, root, "")
		require.NoError(t, err)
		require.True(t, ev.Result.IsCandidate())
	}
	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestApprove_UnknownProposal(t *testing.T) {
	e := newEngine(t, nil)
	ctx := context.Background()

	_, err := e.Approve(ctx, "tp_0123456789abcdef0123456789abcdef", "witness")
	require.ErrorIs(t, err, proposal.ErrNotFound)

	all, err := e.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApprove_DecidedProposalTouchesNothing(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)

	out, err := e.Request(ctx, root, "")
	require.NoError(t, err)
	rejected, err := e.Reject(ctx, out.Proposal.ID, "witness", "not today")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusRejected, rejected.Status)
	assert.Equal(t, "not today", rejected.Reason)

	_, err = e.Approve(ctx, out.Proposal.ID, "witness")
	require.ErrorIs(t, err, proposal.ErrAlreadyDecided)
	_, err = e.Reject(ctx, out.Proposal.ID, "witness", "again")
	require.ErrorIs(t, err, proposal.ErrAlreadyDecided)

	_, statErr := os.Stat(filepath.Join(root, derive.DefaultTargetName))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 100, countFiles(t, root))

	status, err := e.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, proposal.StatusRejected, status[0].Status)
}

func TestApprove_SourceDriftRejects(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)

	out, err := e.Request(ctx, root, "")
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "late_arrival.txt"))
	_, err = e.Approve(ctx, out.Proposal.ID, "witness")
	require.ErrorIs(t, err, ErrSnapshotDrift)

	got, err := e.Get(ctx, out.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusRejected, got.Status)
	assert.Contains(t, got.Reason, "changed")

	_, statErr := os.Stat(filepath.Join(root, derive.DefaultTargetName))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.decisions.WithLabelValues("drift")))
}

func TestApprove_DriftedTreeCanBeRequestedAgain(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)

	first, err := e.Request(ctx, root, "")
	require.NoError(t, err)

	touched := filepath.Join(root, "alpha_0000.ext00")
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(touched, later, later))

	_, err = e.Approve(ctx, first.Proposal.ID, "witness")
	require.ErrorIs(t, err, ErrSnapshotDrift)

	second, err := e.Request(ctx, root, "")
	require.NoError(t, err)
	require.NotNil(t, second.Proposal)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Proposal.ID, second.Proposal.ID)
	assert.Equal(t, proposal.StatusPending, second.Proposal.Status)

	res, err := e.Approve(ctx, second.Proposal.ID, "witness")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, res.Proposal.Status)
	assert.Equal(t, 100, countFiles(t, filepath.Join(root, derive.DefaultTargetName)))

	old, err := e.Get(ctx, first.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusRejected, old.Status)
}

// cancelOnceExists reports cancellation as soon as path exists.
type cancelOnceExists struct {
	context.Context
	path string
}

func (c cancelOnceExists) Err() error {
	if _, err := os.Stat(c.path); err == nil {
		return context.Canceled
	}
	return c.Context.Err()
}

func TestApprove_CancelledMidExecutionStillRecordsExecuted(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
	})
	root := scatteredTree(t, 100)

	out, err := e.Request(context.Background(), root, "")
	require.NoError(t, err)

	ctx := cancelOnceExists{Context: context.Background(), path: filepath.Join(root, derive.DefaultTargetName)}
	res, err := e.Approve(ctx, out.Proposal.ID, "witness")
	var partial *executor.PartialExecutionError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Len(t, res.Report.Completed, 1)

	got, err := e.Get(context.Background(), out.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, got.Status)
	require.NotNil(t, got.Execution)
	assert.Equal(t, 1, got.Execution.Completed)
	assert.Contains(t, got.Execution.FirstError, "canceled")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.executions.WithLabelValues("partial")))
}

func TestRequest_PolicyGateStoresRejected(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
		o.Plan.PruneEmptyDirs = true
		o.Policy.MinReversibility = 0.99
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)

	out, err := e.Request(ctx, root, "")
	require.NoError(t, err)
	require.NotNil(t, out.Proposal)
	assert.Equal(t, proposal.StatusRejected, out.Proposal.Status)
	assert.Equal(t, "policy", out.Proposal.Approver)
	assert.Less(t, out.Proposal.Reversibility, 0.99)
	assert.NotEmpty(t, out.Proposal.Dissent)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.pending))

	_, err = e.Approve(ctx, out.Proposal.ID, "witness")
	require.ErrorIs(t, err, proposal.ErrAlreadyDecided)
	assert.Equal(t, 100, countFiles(t, root))
}

func TestRequest_UnreadableSource(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Request(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	require.ErrorIs(t, err, derive.ErrDirectoryUnreadable)
}

func TestRequest_IgnoreFilesExcludePaths(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)
	writeFile(t, filepath.Join(root, "keep", "pinned.txt"))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".templeignore"), []byte("keep/\n"), 0o644))

	ev, err := e.DryRun(ctx, root, "")
	require.NoError(t, err)
	require.True(t, ev.Result.IsCandidate())
	for _, p := range ev.Result.Schema.Paths() {
		assert.NotContains(t, p, "pinned.txt")
		assert.NotContains(t, p, ".templeignore")
	}
}

func TestOpen_PendingSurvivesRestart(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "proposals.db")
	root := scatteredTree(t, 100)
	ctx := context.Background()
	open := func() *Engine {
		opts := DefaultOptions()
		opts.StorePath = storePath
		opts.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
		opts.Registerer = prometheus.NewRegistry()
		e, err := Open(ctx, opts)
		require.NoError(t, err)
		return e
	}

	first := open()
	out, err := first.Request(ctx, root, "")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := open()
	defer second.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(second.metrics.pending))
	ids, total, err := second.PendingIDs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{out.Proposal.ID}, ids)

	res, err := second.Approve(ctx, out.Proposal.ID, "witness")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, res.Proposal.Status)
}

func TestWatch_FlagsDrift(t *testing.T) {
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
		o.Watch = true
		o.WatchDebounce = 20 * time.Millisecond
	})
	ctx := context.Background()
	root := scatteredTree(t, 100)

	out, err := e.Request(ctx, root, "")
	require.NoError(t, err)
	assert.False(t, e.DriftSuspected(out.Proposal.ID))

	writeFile(t, filepath.Join(root, "level0", "intruder.txt"))
	assert.Eventually(t, func() bool { return e.DriftSuspected(out.Proposal.ID) },
		2*time.Second, 10*time.Millisecond)

	_, err = e.Reject(ctx, out.Proposal.ID, "witness", "drifted")
	require.NoError(t, err)
	assert.False(t, e.DriftSuspected(out.Proposal.ID))
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.StorePath = filepath.Join(t.TempDir(), "p.db")
	opts.Policy.Weights.Delete = 1.5
	_, err = Open(context.Background(), opts)
	assert.Error(t, err)
}

func TestApprove_TracesWorkflowSteps(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	e := newEngine(t, func(o *Options) {
		o.Thresholds = derive.Thresholds{MaxFiles: 50, MaxDiversity: 0.35}
		o.Tracer = tel.Tracer("governance-test")
	})
	ctx := context.Background()
	root := scatteredTree(t, 60)

	out, err := e.Request(ctx, root, "")
	require.NoError(t, err)
	_, err = e.Approve(ctx, out.Proposal.ID, "witness")
	require.NoError(t, err)

	request := tel.EndedSpan(t, "governance.Request")
	approve := tel.EndedSpan(t, "governance.Approve")
	children := map[string][]string{}
	for _, s := range tel.Spans.Ended() {
		switch s.Parent().SpanID() {
		case request.SpanContext().SpanID():
			children["request"] = append(children["request"], s.Name())
		case approve.SpanContext().SpanID():
			children["approve"] = append(children["approve"], s.Name())
		}
	}
	assert.ElementsMatch(t, []string{
		"governance.snapshot", "governance.analyze", "governance.deliberate", "proposal.create",
	}, children["request"])
	assert.ElementsMatch(t, []string{
		"governance.snapshot", "proposal.transition", "executor.apply", "proposal.transition",
	}, children["approve"])

	apply := tel.EndedSpan(t, "executor.apply")
	assert.Contains(t, apply.Attributes(), attribute.Int("completed", 60))
}
