package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagecrm/drip/config"
	"github.com/sagecrm/drip/workflow"
)

// JobsCmd groups workflow job operations.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage workflow jobs",
	Long: `Inspect and manage workflow jobs in the durable queue.

Examples:
  drip jobs ls                          # List recent jobs
  drip jobs ls --status pending         # List pending jobs
  drip jobs status <job-id>             # Show one job in detail
  drip jobs enqueue --lead L1 --type follow_up --step send_follow_up --in 1h
  drip jobs cleanup --older-than 720h   # Delete old terminal rows`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List workflow jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return withStore(cmd, func(ctx context.Context, store *workflow.Store) error {
			var status *workflow.Status
			if statusFilter != "" {
				s := workflow.Status(statusFilter)
				status = &s
			}

			jobs, err := store.ListJobs(ctx, status, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found")
				return nil
			}

			fmt.Printf("%-36s  %-22s  %-18s  %-9s  %s\n", "ID", "TYPE", "STEP", "STATUS", "SCHEDULED")
			for _, job := range jobs {
				fmt.Printf("%-36s  %-22s  %-18s  %-9s  %s\n",
					job.ID, job.Type, job.StepName, job.Status,
					job.ScheduledAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show details of a workflow job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *workflow.Store) error {
			job, err := store.GetJob(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("ID:           %s\n", job.ID)
			fmt.Printf("Lead:         %s\n", job.LeadID)
			fmt.Printf("Type:         %s\n", job.Type)
			fmt.Printf("Step:         %s\n", job.StepName)
			fmt.Printf("Status:       %s\n", job.Status)
			fmt.Printf("Scheduled:    %s\n", job.ScheduledAt.Local().Format(time.RFC3339))
			fmt.Printf("Retry count:  %d\n", job.RetryCount)
			if job.LastError != "" {
				fmt.Printf("Last error:   %s\n", job.LastError)
			}
			if job.Meta.IsRecurring() {
				fmt.Printf("Recurring:    every %s\n", job.Meta.Interval())
			}
			fmt.Printf("Created:      %s\n", job.CreatedAt.Local().Format(time.RFC3339))
			fmt.Printf("Updated:      %s\n", job.UpdatedAt.Local().Format(time.RFC3339))
			return nil
		})
	},
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a workflow job",
	Long: `Enqueue a new pending job.

Examples:
  drip jobs enqueue --lead L1 --type follow_up --step send_follow_up --in 1h
  drip jobs enqueue --lead L1 --type reminder_sequence --step send_reminder \
      --in 30m --recurring --interval 30 --email lead@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		leadID, _ := cmd.Flags().GetString("lead")
		workflowType, _ := cmd.Flags().GetString("type")
		stepName, _ := cmd.Flags().GetString("step")
		in, _ := cmd.Flags().GetDuration("in")
		recurring, _ := cmd.Flags().GetBool("recurring")
		interval, _ := cmd.Flags().GetInt("interval")
		email, _ := cmd.Flags().GetString("email")
		templateID, _ := cmd.Flags().GetString("template")

		meta := workflow.Meta{
			Recurring:       recurring,
			IntervalMinutes: interval,
			TemplateID:      templateID,
		}
		if email != "" {
			meta.Extra = map[string]string{"email": email}
		}

		job, err := workflow.NewJob(leadID, workflow.Type(workflowType), stepName,
			time.Now().UTC().Add(in), meta)
		if err != nil {
			return err
		}

		return withStore(cmd, func(ctx context.Context, store *workflow.Store) error {
			if err := store.Enqueue(ctx, job); err != nil {
				return err
			}
			fmt.Printf("Enqueued job %s (%s/%s) scheduled at %s\n",
				job.ID, job.Type, job.StepName,
				job.ScheduledAt.Local().Format(time.RFC3339))
			return nil
		})
	},
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old completed and failed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return withStore(cmd, func(ctx context.Context, store *workflow.Store) error {
			removed, err := store.CleanupOldJobs(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d terminal jobs older than %s\n", removed, olderThan)
			return nil
		})
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed)")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	jobsEnqueueCmd.Flags().String("lead", "", "Lead ID the job belongs to")
	jobsEnqueueCmd.Flags().String("type", "", "Workflow type (initial_engagement, reminder_sequence, meeting_monitor, follow_up, scheduling_automation)")
	jobsEnqueueCmd.Flags().String("step", "", "Step name within the workflow")
	jobsEnqueueCmd.Flags().Duration("in", 0, "Schedule the job this far from now (e.g. 30m, 1h)")
	jobsEnqueueCmd.Flags().Bool("recurring", false, "Re-enqueue the job after each successful run")
	jobsEnqueueCmd.Flags().Int("interval", 0, "Recurrence interval in minutes")
	jobsEnqueueCmd.Flags().String("email", "", "Recipient email stored in job metadata")
	jobsEnqueueCmd.Flags().String("template", "", "Template ID stored in job metadata")

	jobsCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "Delete terminal rows older than this")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsEnqueueCmd)
	JobsCmd.AddCommand(jobsCleanupCmd)
}

// withStore loads config, opens the database and hands a job store to fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *workflow.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(cmd.Context(), workflow.NewStore(database))
}
