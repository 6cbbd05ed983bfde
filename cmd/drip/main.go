package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagecrm/drip/cmd/drip/commands"
	"github.com/sagecrm/drip/logger"
)

var rootCmd = &cobra.Command{
	Use:   "drip",
	Short: "drip - lead-engagement workflow automation engine",
	Long: `drip - workflow automation engine for lead engagement.

drip runs the durable job queue, polling dispatcher and reminder sweeps
behind a lead-engagement CRM: welcome sequences, meeting reminders over
email and SMS, and stale-lead follow-ups.

Available commands:
  serve  - Run the engine daemon (dispatcher + sweep scheduler)
  jobs   - Inspect and manage workflow jobs
  db     - Database operations (stats, migrations)

Examples:
  drip serve                        # Run the engine in foreground
  drip jobs ls --status pending     # List pending jobs
  drip jobs enqueue --lead L1 --type follow_up --step send_follow_up --in 1h
  drip db stats                     # Show queue and reminder statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().String("database", "", "Path to the SQLite database (overrides config)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
