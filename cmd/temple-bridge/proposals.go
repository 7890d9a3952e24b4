package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/templetwo/temple-bridge/internal/config"
	"github.com/templetwo/temple-bridge/internal/executor"
	"github.com/templetwo/temple-bridge/internal/governance"
	"github.com/templetwo/temple-bridge/internal/proposal"
	"github.com/templetwo/temple-bridge/internal/spiral"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var (
	propStorePath string
	propOutput    string
	propStatuses  []string
	propApprover  string
	propReason    string
)

var proposalsCmd = &cobra.Command{
	Use:     "proposals",
	Aliases: []string{"proposal"},
	Short:   "Inspect and decide reorganization proposals",
	Long: `Inspect and decide reorganization proposals outside the agent session.

Approving from here runs the same drift check and executor as the
btb_derive_approve tool. Decisions are appended to the audit journal.`,
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	Long: `List proposals, oldest first.

Examples:
  # Everything awaiting a decision
  temple-bridge proposals list --status pending

  # All proposals as YAML
  temple-bridge proposals list -o yaml`,
	Args: cobra.NoArgs,
	RunE: runProposalsList,
}

var proposalsShowCmd = &cobra.Command{
	Use:   "show <proposal-id>",
	Short: "Show one proposal with its operations",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsShow,
}

var proposalsApproveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve and execute a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsApprove,
}

var proposalsRejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsReject,
}

func init() {
	proposalsCmd.PersistentFlags().StringVar(&propStorePath, "store", "", "proposal database (defaults to store.path)")
	proposalsCmd.PersistentFlags().StringVarP(&propOutput, "output", "o", outputTable, "output format: table, json or yaml")

	proposalsListCmd.Flags().StringSliceVar(&propStatuses, "status", nil, "filter by status (pending, approved, rejected, executed)")
	proposalsApproveCmd.Flags().StringVar(&propApprover, "approver", defaultApprover(), "identity recorded as approver")
	proposalsRejectCmd.Flags().StringVar(&propApprover, "approver", defaultApprover(), "identity recorded as approver")
	proposalsRejectCmd.Flags().StringVar(&propReason, "reason", "", "reason recorded with the rejection")

	proposalsCmd.AddCommand(proposalsListCmd)
	proposalsCmd.AddCommand(proposalsShowCmd)
	proposalsCmd.AddCommand(proposalsApproveCmd)
	proposalsCmd.AddCommand(proposalsRejectCmd)
}

func defaultApprover() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

// proposalView is the serialized form of a proposal for operators.
type proposalView struct {
	ID            string          `json:"id" yaml:"id"`
	Status        proposal.Status `json:"status" yaml:"status"`
	SourceDir     string          `json:"source_dir" yaml:"source_dir"`
	TargetDir     string          `json:"target_dir" yaml:"target_dir"`
	Operations    int             `json:"operations" yaml:"operations"`
	FileCount     int             `json:"file_count" yaml:"file_count"`
	Diversity     float64         `json:"diversity" yaml:"diversity"`
	Reversibility float64         `json:"reversibility" yaml:"reversibility"`
	CreatedAt     time.Time       `json:"created_at" yaml:"created_at"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty" yaml:"decided_at,omitempty"`
	Approver      string          `json:"approver,omitempty" yaml:"approver,omitempty"`
	Reason        string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	Execution     *executionView  `json:"execution,omitempty" yaml:"execution,omitempty"`
}

type executionView struct {
	Completed  int       `json:"completed" yaml:"completed"`
	Failed     int       `json:"failed" yaml:"failed"`
	Total      int       `json:"total" yaml:"total"`
	FirstError string    `json:"first_error,omitempty" yaml:"first_error,omitempty"`
	ExecutedAt time.Time `json:"executed_at" yaml:"executed_at"`
}

type operationView struct {
	Kind        string `json:"kind" yaml:"kind"`
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

type proposalDetail struct {
	proposalView `yaml:",inline"`
	Dissent      []string        `json:"dissent,omitempty" yaml:"dissent,omitempty"`
	Ops          []operationView `json:"operation_list" yaml:"operation_list"`
}

func viewOf(p *proposal.Proposal) proposalView {
	v := proposalView{
		ID:            p.ID,
		Status:        p.Status,
		SourceDir:     p.SourceDir,
		TargetDir:     p.TargetDir,
		FileCount:     p.Metrics.FileCount,
		Diversity:     p.Metrics.Diversity,
		Reversibility: p.Reversibility,
		CreatedAt:     p.CreatedAt,
		DecidedAt:     p.DecidedAt,
		Approver:      p.Approver,
		Reason:        p.Reason,
	}
	if p.Schema != nil {
		v.Operations = len(p.Schema.Operations)
	}
	if e := p.Execution; e != nil {
		v.Execution = &executionView{
			Completed:  e.Completed,
			Failed:     e.Failed,
			Total:      e.Total,
			FirstError: e.FirstError,
			ExecutedAt: e.ExecutedAt,
		}
	}
	return v
}

func detailOf(p *proposal.Proposal) proposalDetail {
	d := proposalDetail{proposalView: viewOf(p), Dissent: p.Dissent}
	if p.Schema != nil {
		for _, op := range p.Schema.Operations {
			d.Ops = append(d.Ops, operationView{Kind: string(op.Kind), Source: op.Source, Destination: op.Destination})
		}
	}
	return d
}

func parseStatuses(raw []string) ([]proposal.Status, error) {
	out := make([]proposal.Status, 0, len(raw))
	for _, r := range raw {
		s := proposal.Status(strings.ToLower(strings.TrimSpace(r)))
		if !s.Valid() {
			return nil, fmt.Errorf("unknown status %q", r)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// loadCLIConfig loads the config file unless every path the command needs
// was given as a flag.
func loadCLIConfig(haveOverrides bool) (*config.Config, error) {
	if haveOverrides {
		return nil, nil
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore() (*proposal.Store, error) {
	cfg, err := loadCLIConfig(propStorePath != "")
	if err != nil {
		return nil, err
	}
	path := propStorePath
	if path == "" {
		path = cfg.Store.Path
	}
	return proposal.OpenStore(path)
}

func runProposalsList(cmd *cobra.Command, _ []string) error {
	if err := validateOutput(propOutput); err != nil {
		return err
	}
	statuses, err := parseStatuses(propStatuses)
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	proposals, err := store.List(cmd.Context(), statuses...)
	if err != nil {
		return err
	}
	views := make([]proposalView, 0, len(proposals))
	for _, p := range proposals {
		views = append(views, viewOf(p))
	}

	out := cmd.OutOrStdout()
	switch propOutput {
	case outputJSON:
		return writeJSON(out, views)
	case outputYAML:
		return writeYAML(out, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "No proposals found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tOPS\tREVERSIBILITY\tCREATED\tSOURCE")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.3f\t%s\t%s\n",
			v.ID, v.Status, v.Operations, v.Reversibility, v.CreatedAt.Local().Format(time.DateTime), v.SourceDir)
	}
	return tw.Flush()
}

func runProposalsShow(cmd *cobra.Command, args []string) error {
	if err := validateOutput(propOutput); err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeDetail(cmd.OutOrStdout(), detailOf(p))
}

func writeDetail(out io.Writer, d proposalDetail) error {
	switch propOutput {
	case outputJSON:
		return writeJSON(out, d)
	case outputYAML:
		return writeYAML(out, d)
	}
	fmt.Fprintf(out, "Proposal:      %s\n", d.ID)
	fmt.Fprintf(out, "Status:        %s\n", d.Status)
	fmt.Fprintf(out, "Source:        %s\n", d.SourceDir)
	fmt.Fprintf(out, "Target:        %s\n", d.TargetDir)
	fmt.Fprintf(out, "Files:         %d (diversity %.3f)\n", d.FileCount, d.Diversity)
	fmt.Fprintf(out, "Reversibility: %.3f\n", d.Reversibility)
	fmt.Fprintf(out, "Created:       %s\n", d.CreatedAt.Local().Format(time.DateTime))
	if d.DecidedAt != nil {
		fmt.Fprintf(out, "Decided:       %s by %s\n", d.DecidedAt.Local().Format(time.DateTime), d.Approver)
	}
	if d.Reason != "" {
		fmt.Fprintf(out, "Reason:        %s\n", d.Reason)
	}
	if e := d.Execution; e != nil {
		fmt.Fprintf(out, "Execution:     %d/%d completed, %d failed\n", e.Completed, e.Total, e.Failed)
		if e.FirstError != "" {
			fmt.Fprintf(out, "First error:   %s\n", e.FirstError)
		}
	}
	for _, line := range d.Dissent {
		fmt.Fprintf(out, "Dissent:       %s\n", line)
	}
	fmt.Fprintf(out, "\nOperations (%d):\n", len(d.Ops))
	for _, op := range d.Ops {
		if op.Destination == "" {
			fmt.Fprintf(out, "  %-9s %s\n", op.Kind, op.Source)
			continue
		}
		fmt.Fprintf(out, "  %-9s %s -> %s\n", op.Kind, op.Source, op.Destination)
	}
	return nil
}

// decisionSession opens the engine and a journal tracker for a one-shot
// operator decision.
type decisionSession struct {
	engine  *governance.Engine
	tracker *spiral.Tracker
	logger  *zap.Logger
	closers []func() error
}

func openDecisionSession(ctx context.Context) (*decisionSession, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if propStorePath != "" {
		cfg.Store.Path = propStorePath
	}
	logger, err := initLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := logger.Underlying()

	journal, err := openJournal(cfg, zl)
	if err != nil {
		return nil, err
	}
	opts := engineOptions(cfg, prometheus.NewRegistry(), zl.Named("governance"))
	opts.Watch = false
	engine, err := governance.Open(ctx, opts)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("failed to open governance engine: %w", err)
	}
	return &decisionSession{
		engine:  engine,
		tracker: spiral.NewTracker("cli-"+uuid.NewString(), journal, zl.Named("spiral")),
		logger:  zl,
		closers: []func() error{engine.Close, journal.Close, func() error { _ = logger.Sync(); return nil }},
	}, nil
}

func (s *decisionSession) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func runProposalsApprove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := validateOutput(propOutput); err != nil {
		return err
	}
	s, err := openDecisionSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.tracker.RecordCall(ctx, spiral.ToolDeriveApprove); err != nil {
		return err
	}

	id := args[0]
	outcome, err := s.engine.Approve(ctx, id, propApprover)
	var partial *executor.PartialExecutionError
	switch {
	case errors.Is(err, governance.ErrSnapshotDrift):
		return errors.Join(err, s.journal(ctx, spiral.ToolDeriveApprove, id, "rejected_drift", err.Error()))
	case errors.As(err, &partial):
		err = errors.Join(err, s.journal(ctx, spiral.ToolDeriveApprove, id, "executed_partial", err.Error()))
	case err != nil:
		return err
	default:
		err = s.journal(ctx, spiral.ToolDeriveApprove, id, "executed", "approved by "+propApprover)
	}

	if writeErr := writeDetail(cmd.OutOrStdout(), detailOf(outcome.Proposal)); writeErr != nil {
		return errors.Join(err, writeErr)
	}
	return err
}

func runProposalsReject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := validateOutput(propOutput); err != nil {
		return err
	}
	s, err := openDecisionSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.tracker.RecordCall(ctx, spiral.ToolDeriveReject); err != nil {
		return err
	}

	p, err := s.engine.Reject(ctx, args[0], propApprover, propReason)
	if err != nil {
		return err
	}
	journalErr := s.journal(ctx, spiral.ToolDeriveReject, p.ID, "rejected", propReason)
	if err := writeDetail(cmd.OutOrStdout(), detailOf(p)); err != nil {
		return errors.Join(journalErr, err)
	}
	return journalErr
}

// journal records a decision. The outcome is still printed when it fails,
// but the command exits with the error.
func (s *decisionSession) journal(ctx context.Context, tool spiral.ToolName, id, decision, detail string) error {
	err := s.tracker.Decision(context.WithoutCancel(ctx), tool, id, decision, detail)
	if err != nil {
		s.logger.Error("failed to journal decision", zap.String("proposal_id", id), zap.Error(err))
	}
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
