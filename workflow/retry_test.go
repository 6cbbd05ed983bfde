package workflow

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecrm/drip/errors"
	driptest "github.com/sagecrm/drip/internal/testing"
	"github.com/sagecrm/drip/logger"
)

// newFakeSleepRetrier returns a retrier whose waits are recorded instead
// of slept.
func newFakeSleepRetrier(cfg RetryConfig) (*Retrier, *[]time.Duration) {
	r := NewRetrier(cfg, logger.NewTestLogger())
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return r, &delays
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite locked wrapped", errors.Wrap(sqlite3.Error{Code: sqlite3.ErrLocked}, "query failed"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"deadlock message", errors.New("Deadlock found when trying to get lock"), true},
		{"plain failure", errors.New("column not found"), false},
		{"validation never transient", errors.NewValidationError("bad timeout value"), false},
		{"unknown step never transient", errors.Wrap(errors.ErrUnknownStep, "network issue aside"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	r, delays := newFakeSleepRetrier(DefaultRetryConfig())

	calls := 0
	err := r.Do(context.Background(), "flaky op", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, *delays, 2)
	assert.Equal(t, 1*time.Second, (*delays)[0])
	assert.Equal(t, 2*time.Second, (*delays)[1])
	assert.LessOrEqual(t, (*delays)[0], (*delays)[1], "delays never decrease")
}

func TestDoNonTransientReturnsImmediately(t *testing.T) {
	r, delays := newFakeSleepRetrier(DefaultRetryConfig())

	calls := 0
	fatal := errors.NewValidationError("lead id cannot be empty")
	err := r.Do(context.Background(), "insert", func() error {
		calls++
		return fatal
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDoExhaustionKeepsAttemptHistory(t *testing.T) {
	r, _ := newFakeSleepRetrier(DefaultRetryConfig())

	calls := 0
	err := r.Do(context.Background(), "stubborn op", func() error {
		calls++
		return errors.New("connection reset by peer")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "retries exhausted after 3 attempts")

	details := strings.Join(errors.GetAllDetails(err), "\n")
	assert.Contains(t, details, "attempt 1")
	assert.Contains(t, details, "attempt 3")
}

func TestDelayIsCapped(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxRetries: 10,
		BaseDelay:  time.Second,
		Multiplier: 2.0,
		MaxDelay:   10 * time.Second,
	}, logger.NewTestLogger())

	assert.Equal(t, time.Second, r.delayFor(1))
	assert.Equal(t, 8*time.Second, r.delayFor(4))
	assert.Equal(t, 10*time.Second, r.delayFor(5), "2^4 = 16s capped at 10s")
	assert.Equal(t, 10*time.Second, r.delayFor(9))
}

func TestDoAbortsWaitOnCancel(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Hour, // would hang without cancellation
		Multiplier: 2.0,
	}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, "cancelled op", func() error {
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDoTxCommits(t *testing.T) {
	conn := driptest.CreateTestDB(t)
	r, _ := newFakeSleepRetrier(DefaultRetryConfig())
	ctx := context.Background()

	err := r.DoTx(ctx, conn, "insert lead", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO leads (id, email, created_at, updated_at)
			VALUES ('lead-1', 'a@example.com', ?, ?)`,
			time.Now().UTC(), time.Now().UTC())
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM leads`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDoTxRollsBackOnFailure(t *testing.T) {
	conn := driptest.CreateTestDB(t)
	r, _ := newFakeSleepRetrier(DefaultRetryConfig())
	ctx := context.Background()

	err := r.DoTx(ctx, conn, "insert lead", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leads (id, email, created_at, updated_at)
			VALUES ('lead-1', 'a@example.com', ?, ?)`,
			time.Now().UTC(), time.Now().UTC()); err != nil {
			return err
		}
		return errors.New("bad data")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM leads`).Scan(&count))
	assert.Zero(t, count, "transaction rolled back")
}
