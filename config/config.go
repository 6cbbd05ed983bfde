// Package config defines the drip engine configuration.
package config

// Config represents the core drip configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DispatcherConfig configures the polling job dispatcher
type DispatcherConfig struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"` // How often to poll for due jobs (default: 5)
	BatchSize           int `mapstructure:"batch_size"`            // Max due jobs fetched per tick (default: 50)
	Concurrency         int `mapstructure:"concurrency"`           // Jobs processed concurrently within a tick (default: 5)
	RetentionDays       int `mapstructure:"retention_days"`        // Terminal rows older than this are deleted; 0 disables cleanup (default: 30)
}

// RetryConfig configures the storage retry engine
type RetryConfig struct {
	MaxRetries  int     `mapstructure:"max_retries"`   // Attempts for transient failures (default: 3)
	BaseDelayMS int     `mapstructure:"base_delay_ms"` // Delay before first retry (default: 1000)
	Multiplier  float64 `mapstructure:"multiplier"`    // Backoff growth factor (default: 2.0)
	MaxDelayMS  int     `mapstructure:"max_delay_ms"`  // Delay cap (default: 10000)
}

// SweepConfig configures the reminder sweep schedules.
// Cron expressions use the standard 5-field form.
type SweepConfig struct {
	DailyCron     string `mapstructure:"daily_cron"`      // 24h-out reminders + stale-lead follow-ups (default: "0 9 * * *")
	HourlyCron    string `mapstructure:"hourly_cron"`     // 1h-out reminders (default: "0 * * * *")
	StaleLeadDays int    `mapstructure:"stale_lead_days"` // Days without contact before a follow-up (default: 7)
}

// NotifyConfig configures notification dedup and outbound pacing
type NotifyConfig struct {
	DedupWindowHours  int     `mapstructure:"dedup_window_hours"`   // Repeat-suppression window (default: 48)
	SendRatePerMinute float64 `mapstructure:"send_rate_per_minute"` // Outbound email/SMS rate limit (default: 60)
}

// MetricsConfig configures the Prometheus metrics endpoint
type MetricsConfig struct {
	Port int `mapstructure:"port"` // 0 disables the /metrics listener (default: 9190)
}
