package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sagecrm/drip/errors"
)

// transientSubstrings classify errors by message when no typed check
// matches. Lowercased before matching.
var transientSubstrings = []string{
	"connection",
	"timeout",
	"network",
	"deadlock",
	"serialization",
	"lock wait timeout",
	"too many connections",
	"no such host",
	"database is locked",
	"database table is locked",
}

// IsTransient reports whether an error is likely to succeed on retry:
// lock contention, network hiccups, timeouts. Fatal domain errors
// (validation, unknown step) are never transient regardless of message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsFatal(err) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range transientSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// RetryConfig tunes the storage retry engine.
type RetryConfig struct {
	MaxRetries int           // attempts for transient failures
	BaseDelay  time.Duration // delay before the first retry
	Multiplier float64       // backoff growth factor
	MaxDelay   time.Duration // delay cap
}

// DefaultRetryConfig returns the production retry settings:
// 3 attempts, 1s base delay doubling per attempt, capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   10 * time.Second,
	}
}

// Retrier wraps transient-prone operations (storage, mostly) with
// classification and exponential backoff. Non-transient errors propagate
// on first occurrence; transient errors are retried up to MaxRetries
// with delay = min(BaseDelay * Multiplier^(attempt-1), MaxDelay).
type Retrier struct {
	cfg    RetryConfig
	logger *zap.SugaredLogger

	// sleep is swapped out by tests to avoid wall-clock waits
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retry engine with the given settings.
func NewRetrier(cfg RetryConfig, logger *zap.SugaredLogger) *Retrier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Retrier{
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Do runs fn, retrying transient failures with backoff. op names the
// operation for logs and the attempt history attached on exhaustion.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	var history []string

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !IsTransient(err) {
			return err
		}

		lastErr = err
		history = append(history, fmt.Sprintf("attempt %d: %s", attempt, err.Error()))

		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.delayFor(attempt)
		r.logger.Warnw("Transient failure, retrying",
			"op", op,
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"delay", delay,
			"error", err)

		if err := r.sleep(ctx, delay); err != nil {
			return errors.Wrapf(err, "%s: cancelled while waiting to retry", op)
		}
	}

	err := errors.Wrapf(lastErr, "%s: retries exhausted after %d attempts", op, r.cfg.MaxRetries)
	for _, h := range history {
		err = errors.WithDetail(err, h)
	}
	return err
}

// DoTx runs fn inside a transaction, rolling back and retrying the whole
// transaction on a transient failure. Commit errors are classified the
// same way as statement errors.
func (r *Retrier) DoTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	return r.Do(ctx, op, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "%s: begin transaction", op)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "%s: commit transaction", op)
		}
		return nil
	})
}

// delayFor computes min(BaseDelay * Multiplier^(attempt-1), MaxDelay).
func (r *Retrier) delayFor(attempt int) time.Duration {
	delay := time.Duration(float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1)))
	if r.cfg.MaxDelay > 0 && delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	return delay
}

// sleepContext waits for d, returning early if the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
