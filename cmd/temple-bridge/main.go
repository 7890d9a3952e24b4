// Package main implements the temple-bridge binary: the MCP server and the
// operator commands that inspect its journal and proposals.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location.
	configPath string

	// Build information, set via ldflags.
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "temple-bridge",
	Short: "Governed MCP bridge between an action repository and a guidance repository",
	Long: `temple-bridge serves the Model Context Protocol over stdio. It runs
allowlisted commands in the basics repository, consults the threshold
repository for guidance and gates filesystem reorganization behind an
explicit approval step. Every tool call is journaled before it runs.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/temple-bridge/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "temple-bridge %s\n", version)
	fmt.Fprintf(w, "  commit: %s\n", gitCommit)
	fmt.Fprintf(w, "  built:  %s\n", buildDate)
}
