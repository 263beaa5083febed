package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/qafila/cmd/qafila/commands"
	"github.com/teranos/qafila/logger"
)

var rootCmd = &cobra.Command{
	Use:   "qafila",
	Short: "qafila - content sync job orchestration",
	Long: `qafila - Multi-stage content sync with pausable, resumable jobs.

Syncs upstream content catalogs and prayer timetables into a local store
through staged pipelines with per-item checkpoints. A daemon runs the work;
the CLI enqueues, inspects, and controls it over the shared database.

Examples:
  qafila serve                              # Run the daemon
  qafila jobs enqueue catalog-sync          # Queue a sync
  qafila jobs ls --status running           # Inspect the ledger
  qafila jobs pause <id>                    # Pause at the next item boundary
  qafila schedule add catalog-sync "0 3 * * *"`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// serve reconfigures logging from its config; every other command
		// just needs the human-readable default.
		if cmd.Name() == "serve" {
			return nil
		}
		return logger.Initialize(false)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "",
		"Path to a qafila.toml (defaults + QAFILA_* env vars when omitted)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
