package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/templetwo/temple-bridge/internal/derive"
	"github.com/templetwo/temple-bridge/internal/executor"
	"github.com/templetwo/temple-bridge/internal/governance"
	"github.com/templetwo/temple-bridge/internal/logging"
	"github.com/templetwo/temple-bridge/internal/proposal"
	"github.com/templetwo/temple-bridge/internal/spiral"
)

// Decision labels written to the journal.
const (
	decisionNoAction  = "no_action_needed"
	decisionPending   = "pending"
	decisionGated     = "rejected_by_policy"
	decisionExecuted  = "executed"
	decisionPartial   = "executed_partial"
	decisionDrift     = "rejected_drift"
	decisionRejected  = "rejected"
	defaultApproverID = "mcp_operator"
	listedPendingIDs  = 5
)

type deriveGovernedInput struct {
	SourceDir string `json:"source_dir" jsonschema:"directory to analyze, absolute or relative to the basics repository root"`
	TargetDir string `json:"target_dir,omitempty" jsonschema:"destination for organized files (default: <source_dir>/organized)"`
	DryRun    *bool  `json:"dry_run,omitempty" jsonschema:"analyze only and store nothing (default: true)"`
}

type deriveApproveInput struct {
	ProposalHash string `json:"proposal_hash" jsonschema:"proposal hash returned by btb_derive_governed"`
	ApproverID   string `json:"approver_id,omitempty" jsonschema:"identifier recorded in the audit trail (default: mcp_operator)"`
}

type deriveRejectInput struct {
	ProposalHash string `json:"proposal_hash" jsonschema:"proposal hash returned by btb_derive_governed"`
	Reason       string `json:"reason,omitempty" jsonschema:"why the proposal is rejected"`
	ApproverID   string `json:"approver_id,omitempty" jsonschema:"identifier recorded in the audit trail (default: mcp_operator)"`
}

type deriveStatusInput struct{}

type proposalView struct {
	ProposalHash      string                `json:"proposal_hash"`
	SourceDir         string                `json:"source_dir"`
	TargetDir         string                `json:"target_dir"`
	FileCount         int                   `json:"file_count"`
	ProposedStructure map[string]int        `json:"proposed_structure"`
	Operations        map[derive.OpKind]int `json:"operations"`
	Reversibility     float64               `json:"reversibility_score"`
	ApprovedByPolicy  bool                  `json:"approved_by_policy"`
	Dissent           []string              `json:"dissent,omitempty"`
}

type governedResponse struct {
	Status              string         `json:"status"`
	DryRun              bool           `json:"dry_run"`
	Verdict             derive.Verdict `json:"verdict"`
	Metrics             derive.Metrics `json:"metrics"`
	Reasons             []string       `json:"reasons,omitempty"`
	Proposal            *proposalView  `json:"proposal,omitempty"`
	Created             *bool          `json:"created,omitempty"`
	ApprovalRequired    bool           `json:"approval_required"`
	ApprovalInstruction string         `json:"approval_instruction,omitempty"`
	Phase               string         `json:"phase"`
}

type approveResponse struct {
	Status      string    `json:"status"`
	Executed    bool      `json:"executed"`
	Complete    bool      `json:"complete"`
	FilesMoved  int       `json:"files_moved"`
	Completed   int       `json:"operations_completed"`
	Failed      int       `json:"operations_failed"`
	Total       int       `json:"operations_total"`
	FirstError  string    `json:"first_error,omitempty"`
	ApprovedBy  string    `json:"approved_by"`
	FinalTarget string    `json:"final_target"`
	ExecutedAt  time.Time `json:"executed_at"`
}

type statusEntry struct {
	ProposalHash   string     `json:"proposal_hash"`
	Status         string     `json:"status"`
	SourceDir      string     `json:"source_dir"`
	TargetDir      string     `json:"target_dir"`
	Operations     int        `json:"operations"`
	Reversibility  float64    `json:"reversibility_score"`
	CreatedAt      time.Time  `json:"timestamp"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	DriftSuspected bool       `json:"drift_suspected,omitempty"`
}

type statusResponse struct {
	PendingCount  int           `json:"pending_count"`
	RejectedCount int           `json:"rejected_count"`
	Proposals     []statusEntry `json:"proposals"`
	Message       string        `json:"message,omitempty"`
}

func (s *Server) registerGovernanceTools() {
	addTool(s, spiral.ToolDeriveGoverned, s.deriveGoverned)
	addTool(s, spiral.ToolDeriveApprove, s.deriveApprove)
	addTool(s, spiral.ToolDeriveReject, s.deriveReject)
	addTool(s, spiral.ToolDeriveStatus, s.deriveStatus)
}

// resolveDir maps a relative path into the basics repository. Absolute
// paths are used as given.
func (s *Server) resolveDir(dir string) (string, error) {
	if dir == "" || filepath.IsAbs(dir) {
		return dir, nil
	}
	return s.runner.Resolve(dir)
}

func (s *Server) deriveGoverned(ctx context.Context, in deriveGovernedInput) (string, error) {
	if in.SourceDir == "" {
		return "", fmt.Errorf("%w: source_dir must not be empty", errInvalidArgument)
	}
	source, err := s.resolveDir(in.SourceDir)
	if err != nil {
		return "", err
	}
	target, err := s.resolveDir(in.TargetDir)
	if err != nil {
		return "", err
	}
	dryRun := in.DryRun == nil || *in.DryRun

	resp := governedResponse{DryRun: dryRun}
	var ev *governance.Evaluation
	var out *governance.RequestOutcome
	if dryRun {
		ev, err = s.engine.DryRun(ctx, source, target)
	} else {
		out, err = s.engine.Request(ctx, source, target)
		if out != nil {
			ev = out.Evaluation
		}
	}
	if err != nil {
		return "", err
	}

	resp.Verdict = ev.Result.Verdict
	resp.Metrics = ev.Result.Metrics
	resp.Reasons = ev.Result.Reasons
	resp.Phase = s.tracker.Current().String()
	if ev.Result.IsCandidate() {
		resp.Proposal = &proposalView{
			ProposalHash:      ev.ProposalID,
			SourceDir:         ev.SourceDir,
			TargetDir:         ev.TargetDir,
			FileCount:         ev.Result.Metrics.FileCount,
			ProposedStructure: ev.Result.Schema.Structure(),
			Operations:        ev.Result.Schema.Counts(),
			Reversibility:     ev.Decision.Reversibility,
			ApprovedByPolicy:  ev.Decision.ApprovedByPolicy,
			Dissent:           ev.Decision.Dissent,
		}
	}

	switch {
	case !ev.Result.IsCandidate():
		resp.Status = decisionNoAction
	case dryRun:
		resp.Status = "simulated"
	default:
		p := out.Proposal
		resp.Created = &out.Created
		resp.Status = string(p.Status)
		if p.Status == proposal.StatusPending {
			resp.ApprovalRequired = true
			resp.ApprovalInstruction = fmt.Sprintf("Call btb_derive_approve('%s') to proceed with execution", p.ID)
		}
	}

	if !dryRun {
		decision, detail := decisionNoAction, strings.Join(ev.Result.Reasons, "; ")
		if out.Proposal != nil {
			decision = decisionPending
			detail = fmt.Sprintf("%d operations, reversibility %.3f", len(out.Proposal.Schema.Operations), out.Proposal.Reversibility)
			if out.Proposal.Status == proposal.StatusRejected {
				decision = decisionGated
				detail = out.Proposal.Reason
			}
		}
		if out.Created || out.Proposal == nil {
			if err := s.decide(ctx, spiral.ToolDeriveGoverned, resp.proposalID(), decision, detail); err != nil {
				return "", err
			}
		}
	}
	return render(resp)
}

func (r governedResponse) proposalID() string {
	if r.Proposal == nil {
		return ""
	}
	return r.Proposal.ProposalHash
}

func (s *Server) deriveApprove(ctx context.Context, in deriveApproveInput) (string, error) {
	if !proposal.ValidID(in.ProposalHash) {
		return "", fmt.Errorf("%w: proposal_hash %q is not a proposal identifier", errInvalidArgument, in.ProposalHash)
	}
	approver := in.ApproverID
	if approver == "" {
		approver = defaultApproverID
	}
	ctx = logging.WithProposalID(ctx, in.ProposalHash)
	logging.FromContext(ctx).Info(ctx, "approving proposal", zap.String("approver", approver))

	res, err := s.engine.Approve(ctx, in.ProposalHash, approver)
	var partial *executor.PartialExecutionError
	switch {
	case errors.Is(err, proposal.ErrNotFound):
		return "", s.notFound(ctx, in.ProposalHash, err)
	case errors.Is(err, governance.ErrSnapshotDrift):
		if jerr := s.decide(ctx, spiral.ToolDeriveApprove, in.ProposalHash, decisionDrift, err.Error()); jerr != nil {
			return "", errors.Join(err, jerr)
		}
		return "", err
	case err != nil && !errors.As(err, &partial):
		return "", err
	}

	summary := res.Proposal.Execution
	resp := approveResponse{
		Status:      string(res.Proposal.Status),
		Executed:    true,
		Complete:    res.Report.Complete(),
		FilesMoved:  filesMoved(res.Report),
		Completed:   summary.Completed,
		Failed:      summary.Failed,
		Total:       summary.Total,
		FirstError:  summary.FirstError,
		ApprovedBy:  approver,
		FinalTarget: res.Proposal.TargetDir,
		ExecutedAt:  summary.ExecutedAt,
	}
	decision := decisionExecuted
	if !resp.Complete {
		decision = decisionPartial
	}
	detail := fmt.Sprintf("approved by %s: %d of %d operations", approver, summary.Completed, summary.Total)
	if err := s.decide(ctx, spiral.ToolDeriveApprove, in.ProposalHash, decision, detail); err != nil {
		return "", err
	}
	return render(resp)
}

func filesMoved(r *executor.Report) int {
	n := 0
	for _, item := range r.Completed {
		if k := item.Operation.Kind; k == derive.OpMove || k == derive.OpOverwrite {
			n++
		}
	}
	return n
}

// notFound lists a few pending identifiers so the caller can correct the
// hash.
func (s *Server) notFound(ctx context.Context, id string, cause error) error {
	ids, total, err := s.engine.PendingIDs(ctx, listedPendingIDs)
	if err != nil {
		return errors.Join(cause, err)
	}
	available := "none"
	if len(ids) > 0 {
		available = strings.Join(ids, ", ")
	}
	return fmt.Errorf("%w; pending_count: %d; available_hashes: %s; run btb_derive_governed with dry_run=false first",
		cause, total, available)
}

func (s *Server) deriveReject(ctx context.Context, in deriveRejectInput) (string, error) {
	if !proposal.ValidID(in.ProposalHash) {
		return "", fmt.Errorf("%w: proposal_hash %q is not a proposal identifier", errInvalidArgument, in.ProposalHash)
	}
	approver := in.ApproverID
	if approver == "" {
		approver = defaultApproverID
	}
	ctx = logging.WithProposalID(ctx, in.ProposalHash)
	logging.FromContext(ctx).Info(ctx, "rejecting proposal", zap.String("approver", approver))
	p, err := s.engine.Reject(ctx, in.ProposalHash, approver, in.Reason)
	if errors.Is(err, proposal.ErrNotFound) {
		return "", s.notFound(ctx, in.ProposalHash, err)
	}
	if err != nil {
		return "", err
	}
	if err := s.decide(ctx, spiral.ToolDeriveReject, p.ID, decisionRejected, in.Reason); err != nil {
		return "", err
	}
	return render(toStatusEntry(p, false))
}

func (s *Server) deriveStatus(ctx context.Context, _ deriveStatusInput) (string, error) {
	proposals, err := s.engine.Status(ctx)
	if err != nil {
		return "", err
	}
	resp := statusResponse{Proposals: make([]statusEntry, 0, len(proposals))}
	for _, p := range proposals {
		switch p.Status {
		case proposal.StatusPending:
			resp.PendingCount++
		case proposal.StatusRejected:
			resp.RejectedCount++
		}
		resp.Proposals = append(resp.Proposals, toStatusEntry(p, s.engine.DriftSuspected(p.ID)))
	}
	if resp.PendingCount == 0 {
		resp.Message = "No pending derive operations"
	}
	return render(resp)
}

func toStatusEntry(p *proposal.Proposal, drift bool) statusEntry {
	e := statusEntry{
		ProposalHash:   p.ID,
		Status:         string(p.Status),
		SourceDir:      p.SourceDir,
		TargetDir:      p.TargetDir,
		Reversibility:  p.Reversibility,
		CreatedAt:      p.CreatedAt,
		DecidedAt:      p.DecidedAt,
		Reason:         p.Reason,
		DriftSuspected: drift,
	}
	if p.Schema != nil {
		e.Operations = len(p.Schema.Operations)
	}
	return e
}

func render(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return string(b), nil
}
