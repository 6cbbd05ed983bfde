package config

import "github.com/sagecrm/drip/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Dispatcher.TickIntervalSeconds <= 0 {
		return errors.Newf("dispatcher.tick_interval_seconds must be > 0, got %d", c.Dispatcher.TickIntervalSeconds)
	}
	if c.Dispatcher.BatchSize <= 0 {
		return errors.Newf("dispatcher.batch_size must be > 0, got %d", c.Dispatcher.BatchSize)
	}
	if c.Dispatcher.Concurrency <= 0 {
		return errors.Newf("dispatcher.concurrency must be > 0, got %d", c.Dispatcher.Concurrency)
	}
	if c.Dispatcher.RetentionDays < 0 {
		return errors.Newf("dispatcher.retention_days must be >= 0, got %d", c.Dispatcher.RetentionDays)
	}

	if c.Retry.MaxRetries < 0 {
		return errors.Newf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Multiplier < 1 {
		return errors.Newf("retry.multiplier must be >= 1, got %f", c.Retry.Multiplier)
	}
	if c.Retry.BaseDelayMS < 0 || c.Retry.MaxDelayMS < 0 {
		return errors.New("retry delays must be >= 0")
	}

	if c.Sweep.DailyCron == "" || c.Sweep.HourlyCron == "" {
		return errors.New("sweep cron expressions cannot be empty")
	}
	if c.Sweep.StaleLeadDays <= 0 {
		return errors.Newf("sweep.stale_lead_days must be > 0, got %d", c.Sweep.StaleLeadDays)
	}

	if c.Notify.DedupWindowHours < 0 {
		return errors.Newf("notify.dedup_window_hours must be >= 0, got %d", c.Notify.DedupWindowHours)
	}
	if c.Notify.SendRatePerMinute <= 0 {
		return errors.Newf("notify.send_rate_per_minute must be > 0, got %f", c.Notify.SendRatePerMinute)
	}

	if c.Metrics.Port < 0 {
		return errors.Newf("metrics.port must be >= 0, got %d", c.Metrics.Port)
	}

	return nil
}
