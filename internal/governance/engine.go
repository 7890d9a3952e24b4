// Package governance runs the propose, deliberate, approve and execute
// workflow for filesystem reorganizations.
//
// The Engine is the single owner of proposal state for the process. It is
// created by Open and released by Close; tool handlers receive it
// explicitly.
package governance

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/templetwo/temple-bridge/internal/deliberate"
	"github.com/templetwo/temple-bridge/internal/derive"
	"github.com/templetwo/temple-bridge/internal/executor"
	"github.com/templetwo/temple-bridge/internal/ignore"
	"github.com/templetwo/temple-bridge/internal/proposal"
	"github.com/templetwo/temple-bridge/internal/watch"
)

// ErrSnapshotDrift indicates the source tree changed between request and
// approval. The proposal is rejected; requesting the changed tree again
// yields a new proposal.
var ErrSnapshotDrift = errors.New("source tree changed since the proposal was made")

// Options configures an Engine.
type Options struct {
	StorePath   string
	Thresholds  derive.Thresholds
	Plan        derive.PlanOptions
	Policy      deliberate.Policy
	IgnoreFiles []string
	Exclude     []string
	HashContent bool

	Watch         bool
	WatchDebounce time.Duration

	Registerer prometheus.Registerer
	Logger     *zap.Logger
	// Tracer receives one span per workflow step. Nil disables tracing.
	Tracer trace.Tracer
}

// DefaultOptions returns options with the package defaults and no store
// path.
func DefaultOptions() Options {
	return Options{
		Thresholds:    derive.DefaultThresholds(),
		Plan:          derive.DefaultPlanOptions(),
		Policy:        deliberate.DefaultPolicy(),
		IgnoreFiles:   []string{".gitignore", ".templeignore"},
		Exclude:       []string{".git"},
		WatchDebounce: 500 * time.Millisecond,
	}
}

// Engine coordinates detection, deliberation, the proposal store and the
// executor.
type Engine struct {
	mu sync.Mutex

	opts        Options
	store       *proposal.Store
	detector    *derive.Detector
	deliberator *deliberate.Deliberator
	executor    *executor.Executor
	metrics     *metrics
	logger      *zap.Logger
	tracer      trace.Tracer

	watcher *watch.Watcher
	driftMu sync.Mutex
	drift   map[string]watch.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open creates an Engine, opening the proposal store and, when enabled,
// re-arming the drift watcher for proposals still pending from a previous
// run.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if err := opts.Policy.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("deliberation weights: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	store, err := proposal.OpenStore(opts.StorePath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:        opts,
		store:       store,
		detector:    derive.NewDetector(opts.Thresholds, opts.Plan),
		deliberator: deliberate.New(opts.Policy),
		executor:    executor.New(logger.Named("executor")),
		metrics:     m,
		logger:      logger,
		tracer:      tracer,
		drift:       make(map[string]watch.Event),
	}

	pending, err := store.List(ctx, proposal.StatusPending)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	m.pending.Set(float64(len(pending)))

	if opts.Watch {
		if err := e.startWatcher(ctx, pending); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	logger.Info("governance engine ready", zap.Int("pending", len(pending)), zap.Bool("watch", opts.Watch))
	return e, nil
}

func (e *Engine) startWatcher(ctx context.Context, pending []*proposal.Proposal) error {
	w, err := watch.New(e.opts.WatchDebounce, e.logger.Named("watch"))
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.watcher = w
	e.cancel = cancel
	w.Start(runCtx)

	for _, p := range pending {
		if err := w.Watch(p.ID, p.SourceDir, p.TargetDir); err != nil {
			e.logger.Warn("cannot watch pending proposal", zap.String("proposal_id", p.ID), zap.Error(err))
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for ev := range w.Events() {
			e.driftMu.Lock()
			e.drift[ev.ProposalID] = ev
			e.driftMu.Unlock()
			e.logger.Info("pending proposal source changed",
				zap.String("proposal_id", ev.ProposalID),
				zap.String("path", ev.Path))
		}
	}()
	return nil
}

// Close stops the watcher and closes the store.
func (e *Engine) Close() error {
	var errs []error
	if e.watcher != nil {
		e.cancel()
		errs = append(errs, e.watcher.Close())
		e.wg.Wait()
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}

// Policy returns the deliberation policy in force.
func (e *Engine) Policy() deliberate.Policy { return e.deliberator.Policy() }

// Evaluation is the read-only analysis of a source tree.
type Evaluation struct {
	SourceDir      string               `json:"source_dir"`
	TargetDir      string               `json:"target_dir"`
	Result         derive.Result        `json:"result"`
	Decision       *deliberate.Decision `json:"decision,omitempty"`
	SnapshotDigest string               `json:"snapshot_digest"`
	// ProposalID is the identifier Request would assign.
	ProposalID string `json:"proposal_id,omitempty"`
}

// DryRun analyzes source without persisting anything. An empty target
// means <source>/organized.
func (e *Engine) DryRun(ctx context.Context, source, target string) (ev *Evaluation, err error) {
	ctx, span := e.startSpan(ctx, "governance.DryRun")
	defer func() { endSpan(span, err) }()

	ev, _, err = e.evaluate(ctx, source, target)
	return ev, err
}

// startSpan opens a child span of whatever span ctx carries.
func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err, if any, and ends span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) snapshot(ctx context.Context, source, target string) (snap *derive.Snapshot, err error) {
	ctx, span := e.startSpan(ctx, "governance.snapshot", attribute.String("source_dir", source))
	defer func() {
		if snap != nil {
			span.SetAttributes(attribute.Int("files", len(snap.Files)))
		}
		endSpan(span, err)
	}()

	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", derive.ErrDirectoryUnreadable, err)
	}
	exclude, err := ignore.Load(abs, e.opts.IgnoreFiles, e.opts.Exclude...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", derive.ErrDirectoryUnreadable, err)
	}
	return derive.TakeSnapshot(ctx, abs, derive.SnapshotOptions{
		TargetDir:   target,
		Exclude:     exclude,
		HashContent: e.opts.HashContent || e.opts.Plan.MergeDuplicates,
	})
}

func (e *Engine) evaluate(ctx context.Context, source, target string) (*Evaluation, *derive.Snapshot, error) {
	snap, err := e.snapshot(ctx, source, target)
	if err != nil {
		return nil, nil, err
	}
	_, span := e.startSpan(ctx, "governance.analyze")
	res := e.detector.Analyze(snap)
	span.SetAttributes(attribute.String("verdict", string(res.Verdict)))
	span.End()

	ev := &Evaluation{
		SourceDir:      snap.Root,
		TargetDir:      snap.TargetDir,
		Result:         res,
		SnapshotDigest: snap.Digest,
	}
	if res.IsCandidate() {
		_, dspan := e.startSpan(ctx, "governance.deliberate",
			attribute.Int("operations", len(res.Schema.Operations)))
		d := e.deliberator.Evaluate(res.Schema)
		dspan.SetAttributes(
			attribute.Float64("reversibility", d.Reversibility),
			attribute.Bool("approved_by_policy", d.ApprovedByPolicy))
		dspan.End()
		ev.Decision = &d
		ev.ProposalID = proposal.ID(snap.Root, snap.Digest, res.Schema)
	}
	return ev, snap, nil
}

// RequestOutcome is the result of Request. Proposal is nil when no action
// is needed.
type RequestOutcome struct {
	Evaluation *Evaluation        `json:"evaluation"`
	Proposal   *proposal.Proposal `json:"proposal,omitempty"`
	// Created is false when an identical proposal already existed.
	Created bool `json:"created"`
}

// Request records a proposal for source. The same unchanged tree always
// yields the same proposal, which is returned rather than duplicated. A
// schema touching a path of another pending proposal fails with
// proposal.ErrConflicting. A schema that fails the policy gate is stored
// as rejected, with its dissent.
func (e *Engine) Request(ctx context.Context, source, target string) (_ *RequestOutcome, err error) {
	ctx, span := e.startSpan(ctx, "governance.Request")
	defer func() { endSpan(span, err) }()

	ev, _, err := e.evaluate(ctx, source, target)
	if err != nil {
		e.metrics.requests.WithLabelValues(outcomeError).Inc()
		return nil, err
	}
	out := &RequestOutcome{Evaluation: ev}
	if !ev.Result.IsCandidate() {
		e.metrics.requests.WithLabelValues(outcomeNoAction).Inc()
		return out, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, err := e.store.Get(ctx, ev.ProposalID); err == nil {
		e.metrics.requests.WithLabelValues(outcomeDuplicate).Inc()
		out.Proposal = existing
		return out, nil
	} else if !errors.Is(err, proposal.ErrNotFound) {
		return nil, err
	}

	p := &proposal.Proposal{
		ID:             ev.ProposalID,
		SourceDir:      ev.SourceDir,
		TargetDir:      ev.TargetDir,
		Schema:         ev.Result.Schema,
		SnapshotDigest: ev.SnapshotDigest,
		Metrics:        ev.Result.Metrics,
		Reversibility:  ev.Decision.Reversibility,
		Dissent:        ev.Decision.Dissent,
		Status:         proposal.StatusPending,
	}

	if ev.Decision.ApprovedByPolicy {
		pending, err := e.store.List(ctx, proposal.StatusPending)
		if err != nil {
			return nil, err
		}
		paths := p.Paths()
		for _, other := range pending {
			if overlap := proposal.Conflicts(paths, other.Paths()); len(overlap) > 0 {
				e.metrics.requests.WithLabelValues(outcomeConflict).Inc()
				return nil, fmt.Errorf("%w: %d paths overlap pending proposal %s (first: %s)",
					proposal.ErrConflicting, len(overlap), other.ID, overlap[0])
			}
		}
	} else {
		now := time.Now().UTC()
		p.Status = proposal.StatusRejected
		p.DecidedAt = &now
		p.Approver = "policy"
		p.Reason = fmt.Sprintf("reversibility %.3f below minimum %.3f",
			ev.Decision.Reversibility, e.deliberator.Policy().MinReversibility)
	}

	createCtx, createSpan := e.startSpan(ctx, "proposal.create", attribute.String("proposal_id", p.ID))
	stored, created, err := e.store.Create(createCtx, p)
	createSpan.SetAttributes(attribute.Bool("created", created))
	endSpan(createSpan, err)
	if err != nil {
		e.metrics.requests.WithLabelValues(outcomeError).Inc()
		return nil, err
	}
	out.Proposal, out.Created = stored, created

	if stored.Status == proposal.StatusPending {
		e.metrics.requests.WithLabelValues(outcomePending).Inc()
		e.metrics.pending.Inc()
		if e.watcher != nil {
			if err := e.watcher.Watch(stored.ID, stored.SourceDir, stored.TargetDir); err != nil {
				e.logger.Warn("cannot watch proposal source", zap.String("proposal_id", stored.ID), zap.Error(err))
			}
		}
	} else {
		e.metrics.requests.WithLabelValues(outcomeGated).Inc()
	}

	e.logger.Info("proposal recorded",
		zap.String("proposal_id", stored.ID),
		zap.String("status", string(stored.Status)),
		zap.Int("operations", len(stored.Schema.Operations)),
		zap.Float64("reversibility", stored.Reversibility))
	return out, nil
}

// Status returns every proposal that has not been executed: pending ones
// and rejected ones, oldest first.
func (e *Engine) Status(ctx context.Context) ([]*proposal.Proposal, error) {
	return e.store.List(ctx, proposal.StatusPending, proposal.StatusRejected)
}

// List returns proposals with the given statuses, or all of them.
func (e *Engine) List(ctx context.Context, statuses ...proposal.Status) ([]*proposal.Proposal, error) {
	return e.store.List(ctx, statuses...)
}

// Get returns one proposal.
func (e *Engine) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	return e.store.Get(ctx, id)
}

// DriftSuspected reports whether the watcher saw the proposal's source
// change. Approve re-checks the snapshot regardless.
func (e *Engine) DriftSuspected(id string) bool {
	e.driftMu.Lock()
	defer e.driftMu.Unlock()
	_, ok := e.drift[id]
	return ok
}

// ApproveOutcome is the result of a successful approval.
type ApproveOutcome struct {
	Proposal *proposal.Proposal `json:"proposal"`
	Report   *executor.Report   `json:"report"`
}

// Approve moves a pending proposal to approved, applies it and records it
// as executed. The source tree is re-snapshotted first; if it changed the
// proposal is rejected and ErrSnapshotDrift returned. When execution stops
// early the outcome is returned together with an
// *executor.PartialExecutionError; the proposal is executed either way.
// Cancelling ctx stops execution between operations but never leaves the
// proposal approved.
func (e *Engine) Approve(ctx context.Context, id, approver string) (_ *ApproveOutcome, err error) {
	ctx, span := e.startSpan(ctx, "governance.Approve", attribute.String("proposal_id", id))
	defer func() { endSpan(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Decided() {
		return nil, fmt.Errorf("%w: %s is %s", proposal.ErrAlreadyDecided, id, p.Status)
	}

	// Bookkeeping after this point must land even if the caller gives up.
	bookCtx := context.WithoutCancel(ctx)

	if reason, drifted := e.checkDrift(ctx, p); drifted {
		if _, err := e.transition(bookCtx, id, proposal.StatusRejected, proposal.Decision{Approver: approver, Reason: reason}); err != nil {
			return nil, err
		}
		e.settle(id)
		e.metrics.decisions.WithLabelValues("drift").Inc()
		return nil, fmt.Errorf("%w: %s: %s", ErrSnapshotDrift, id, reason)
	}

	approved, err := e.transition(bookCtx, id, proposal.StatusApproved, proposal.Decision{Approver: approver})
	if err != nil {
		return nil, err
	}
	e.settle(id)
	e.metrics.decisions.WithLabelValues("approved").Inc()

	applyCtx, applySpan := e.startSpan(ctx, "executor.apply",
		attribute.Int("operations", len(approved.Schema.Operations)))
	report, err := e.executor.Apply(applyCtx, approved)
	if err == nil {
		applySpan.SetAttributes(
			attribute.Int("completed", len(report.Completed)),
			attribute.Int("failed", len(report.Failed)))
		err = report.FirstErr
	}
	endSpan(applySpan, err)
	if report == nil {
		return nil, err
	}
	e.countOperations(report)

	executed, err := e.transition(bookCtx, id, proposal.StatusExecuted, proposal.Decision{
		Execution: report.Summary(time.Now().UTC()),
	})
	if err != nil {
		return nil, err
	}

	result := "complete"
	if !report.Complete() {
		result = "partial"
	}
	e.metrics.executions.WithLabelValues(result).Inc()
	e.logger.Info("proposal executed",
		zap.String("proposal_id", id),
		zap.String("approver", approver),
		zap.String("result", result))

	return &ApproveOutcome{Proposal: executed, Report: report}, report.Err()
}

// transition changes a proposal's status inside its own span.
func (e *Engine) transition(ctx context.Context, id string, to proposal.Status, d proposal.Decision) (_ *proposal.Proposal, err error) {
	ctx, span := e.startSpan(ctx, "proposal.transition",
		attribute.String("proposal_id", id),
		attribute.String("to", string(to)))
	defer func() { endSpan(span, err) }()
	return e.store.Transition(ctx, id, to, d)
}

// checkDrift compares a fresh snapshot with the proposal's.
func (e *Engine) checkDrift(ctx context.Context, p *proposal.Proposal) (string, bool) {
	snap, err := e.snapshot(ctx, p.SourceDir, p.TargetDir)
	if err != nil {
		return fmt.Sprintf("source no longer readable: %v", err), true
	}
	if snap.Digest != p.SnapshotDigest {
		return "source tree changed since the proposal was made", true
	}
	return "", false
}

// Reject moves a pending proposal to rejected.
func (e *Engine) Reject(ctx context.Context, id, approver, reason string) (_ *proposal.Proposal, err error) {
	ctx, span := e.startSpan(ctx, "governance.Reject", attribute.String("proposal_id", id))
	defer func() { endSpan(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.transition(ctx, id, proposal.StatusRejected, proposal.Decision{Approver: approver, Reason: reason})
	if err != nil {
		return nil, err
	}
	e.settle(id)
	e.metrics.decisions.WithLabelValues("rejected").Inc()
	e.logger.Info("proposal rejected", zap.String("proposal_id", id), zap.String("approver", approver))
	return p, nil
}

// settle forgets watch state for a proposal that left pending.
func (e *Engine) settle(id string) {
	e.metrics.pending.Dec()
	if e.watcher != nil {
		e.watcher.Unwatch(id)
	}
	e.driftMu.Lock()
	delete(e.drift, id)
	e.driftMu.Unlock()
}

func (e *Engine) countOperations(r *executor.Report) {
	for _, item := range r.Completed {
		e.metrics.operations.WithLabelValues(string(item.Operation.Kind), "ok").Inc()
	}
	for _, item := range r.Failed {
		e.metrics.operations.WithLabelValues(string(item.Operation.Kind), "failed").Inc()
	}
}

// PendingIDs returns up to limit pending proposal identifiers, oldest
// first.
func (e *Engine) PendingIDs(ctx context.Context, limit int) ([]string, int, error) {
	pending, err := e.store.List(ctx, proposal.StatusPending)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]string, 0, min(limit, len(pending)))
	for _, p := range pending {
		if len(ids) == limit {
			break
		}
		ids = append(ids, p.ID)
	}
	return ids, len(pending), nil
}
