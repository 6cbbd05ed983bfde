package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sagecrm/drip/config"
	"github.com/sagecrm/drip/workflow"
)

// DbCmd groups database operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database operations",
	Long: `Database operations for the engine.

Examples:
  drip db stats     # Show queue and reminder statistics
  drip db migrate   # Apply pending schema migrations`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and reminder statistics",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// openDatabase migrates as part of opening.
		database, err := openDatabase(cmd, cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Println("Migrations applied")
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	store := workflow.NewStore(database)
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path: %s\n\n", cfg.Database.Path)

	fmt.Println("Workflow jobs:")
	total := 0
	for _, status := range []workflow.Status{
		workflow.StatusPending, workflow.StatusRunning,
		workflow.StatusCompleted, workflow.StatusFailed,
	} {
		fmt.Printf("  %-10s %d\n", status, counts[status])
		total += counts[status]
	}
	fmt.Printf("  %-10s %d\n\n", "total", total)

	var meetings, unsent24h, leads, notifications int
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM meetings`).Scan(&meetings); err != nil {
		return err
	}
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM meetings WHERE reminder_24h_sent = 0`).Scan(&unsent24h); err != nil {
		return err
	}
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leads`).Scan(&leads); err != nil {
		return err
	}
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_log`).Scan(&notifications); err != nil {
		return err
	}

	fmt.Println("Reminders:")
	fmt.Printf("  meetings             %d\n", meetings)
	fmt.Printf("  24h reminder unsent  %d\n", unsent24h)
	fmt.Printf("  leads                %d\n", leads)
	fmt.Printf("  notifications logged %d\n", notifications)
	return nil
}
