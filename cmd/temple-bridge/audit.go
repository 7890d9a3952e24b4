package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/templetwo/temple-bridge/internal/audit"
	"github.com/templetwo/temple-bridge/internal/config"
)

var (
	auditJournalPath string
	auditLines       int
	auditOutputJSON  bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit journal",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent journal entries",
	Long: `Show the most recent journal entries, oldest first.

Examples:
  # Last 20 entries
  temple-bridge audit tail

  # Last 100 entries as JSON lines
  temple-bridge audit tail -n 100 --json`,
	Args: cobra.NoArgs,
	RunE: runAuditTail,
}

func init() {
	auditCmd.PersistentFlags().StringVar(&auditJournalPath, "journal", "", "journal file (defaults to audit.journal_path)")
	auditTailCmd.Flags().IntVarP(&auditLines, "lines", "n", 20, "number of entries to show (0 for all)")
	auditTailCmd.Flags().BoolVar(&auditOutputJSON, "json", false, "output entries as JSON lines")
	auditCmd.AddCommand(auditTailCmd)
}

func runAuditTail(cmd *cobra.Command, _ []string) error {
	path := auditJournalPath
	if path == "" {
		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Audit.JournalPath
	}

	entries, err := audit.Tail(path, auditLines)
	if err != nil {
		return err
	}
	if auditOutputJSON {
		return writeEntriesJSON(cmd.OutOrStdout(), entries)
	}
	return writeEntriesTable(cmd.OutOrStdout(), entries)
}

func writeEntriesJSON(w io.Writer, entries []audit.Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func writeEntriesTable(w io.Writer, entries []audit.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No journal entries.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tCALL\tPHASE\tTOOL\tDETAIL")
	for _, e := range entries {
		kind := e.Kind
		if kind == "" {
			kind = audit.KindCall
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), kind, e.CallNumber, e.Phase, e.Tool, entryDetail(e))
	}
	return tw.Flush()
}

func entryDetail(e audit.Entry) string {
	if e.IsCall() {
		return fmt.Sprintf("depth=%d", e.ReflectionDepth)
	}
	detail := e.Decision + " " + e.ProposalID
	if e.Detail != "" {
		detail += ": " + truncate(e.Detail, 60)
	}
	return detail
}

// truncate shortens s to at most maxLen bytes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
