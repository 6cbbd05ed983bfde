package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "drip.db")

	// Dispatcher defaults
	v.SetDefault("dispatcher.tick_interval_seconds", 5)
	v.SetDefault("dispatcher.batch_size", 50)
	v.SetDefault("dispatcher.concurrency", 5)
	v.SetDefault("dispatcher.retention_days", 30)

	// Retry defaults: min(base * multiplier^(attempt-1), cap)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay_ms", 10000)

	// Sweep defaults
	v.SetDefault("sweep.daily_cron", "0 9 * * *")  // every day at 09:00
	v.SetDefault("sweep.hourly_cron", "0 * * * *") // top of every hour
	v.SetDefault("sweep.stale_lead_days", 7)

	// Notify defaults
	v.SetDefault("notify.dedup_window_hours", 48)
	v.SetDefault("notify.send_rate_per_minute", 60.0)

	// Metrics defaults
	v.SetDefault("metrics.port", 9190)
}
