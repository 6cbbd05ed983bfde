package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sagecrm/drip/config"
	"github.com/sagecrm/drip/logger"
	"github.com/sagecrm/drip/notify"
	"github.com/sagecrm/drip/sweep"
	"github.com/sagecrm/drip/workflow"
)

// ServeCmd runs the engine daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine daemon",
	Long: `Run the workflow engine in foreground mode.

The daemon will:
- Poll the job queue and dispatch due jobs to step handlers
- Run the daily and hourly reminder sweeps on their cron schedules
- Clean up old terminal job rows on the daily schedule
- Serve Prometheus metrics on /metrics
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	database, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue side: store, retrier, handlers, dispatcher.
	store := workflow.NewStore(database)
	retrier := workflow.NewRetrier(workflow.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		Multiplier: cfg.Retry.Multiplier,
		MaxDelay:   time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
	}, logger.Logger)

	notifyLog := notify.NewLogStore(database)
	dedup := notify.NewDedupGuard(notifyLog,
		time.Duration(cfg.Notify.DedupWindowHours)*time.Hour, logger.Logger)
	email := notify.NewLogEmailSender(logger.Logger)
	sms := notify.NewLogSMSSender(logger.Logger)

	registry := workflow.NewRegistry()
	registerStepHandlers(registry, email, sms, notifyLog, dedup)

	dispatcher := workflow.NewDispatcherWithContext(ctx, store, retrier, registry, workflow.DispatcherConfig{
		TickInterval: time.Duration(cfg.Dispatcher.TickIntervalSeconds) * time.Second,
		BatchSize:    cfg.Dispatcher.BatchSize,
		Concurrency:  cfg.Dispatcher.Concurrency,
	}, logger.Logger)
	dispatcher.Start()

	// Sweep side: stores, sweeper, cron schedules.
	meetings := sweep.NewMeetingStore(database, notifyLog)
	leads := sweep.NewLeadStore(database, notifyLog)
	sweeper := sweep.NewSweeper(meetings, leads, dedup, email, sms, sweep.Config{
		DailySpec:         cfg.Sweep.DailyCron,
		HourlySpec:        cfg.Sweep.HourlyCron,
		StaleAfter:        time.Duration(cfg.Sweep.StaleLeadDays) * 24 * time.Hour,
		SendRatePerMinute: cfg.Notify.SendRatePerMinute,
	}, logger.Logger)

	scheduler := sweep.NewCronScheduler(logger.Logger)
	if err := sweeper.Register(ctx, scheduler); err != nil {
		return err
	}

	// Retention rides the daily schedule. retention_days = 0 disables
	// cleanup entirely; scheduling it would delete every terminal row.
	if cfg.Dispatcher.RetentionDays > 0 {
		retention := time.Duration(cfg.Dispatcher.RetentionDays) * 24 * time.Hour
		if err := scheduler.AddSchedule(cfg.Sweep.DailyCron, "job-retention", func() {
			removed, err := store.CleanupOldJobs(ctx, retention)
			if err != nil {
				logger.Logger.Errorw("Job cleanup failed", "error", err)
				return
			}
			if removed > 0 {
				logger.Logger.Infow("Cleaned up old jobs", "removed", removed)
			}
		}); err != nil {
			return err
		}
	} else {
		logger.Logger.Infow("Job retention disabled", "retention_days", cfg.Dispatcher.RetentionDays)
	}
	scheduler.Start()

	var metricsSrv *http.Server
	if cfg.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Logger.Errorw("Metrics listener failed", "error", err)
			}
		}()
	}

	logger.Logger.Infow("Engine started",
		"database", cfg.Database.Path,
		"tick_interval_seconds", cfg.Dispatcher.TickIntervalSeconds,
		"daily_cron", cfg.Sweep.DailyCron,
		"hourly_cron", cfg.Sweep.HourlyCron,
		"metrics_port", cfg.Metrics.Port)
	fmt.Println("drip engine started, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nshutting down...")

	// Stop components in reverse order of startup.
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	scheduler.Stop()
	dispatcher.Stop()
	cancel()

	fmt.Println("drip engine stopped")
	return nil
}
