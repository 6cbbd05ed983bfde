package workflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/sagecrm/drip/errors"
)

// MaxOrphanedJobsToRecover caps how many stuck running rows a single
// startup pass resets, so recovery after a crash cannot flood the first
// ticks.
const MaxOrphanedJobsToRecover = 1000

// Store is the job store: the sole source of truth for what must run and
// when. All status transitions on the hot path are conditional updates so
// that two dispatchers racing on the same row have exactly one winner.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new pending job. Returns ErrDuplicateJob when a
// pending or running job already exists for the same (lead, workflow
// type, step) scheduled for the same occasion.
func (s *Store) Enqueue(ctx context.Context, job *Job) error {
	metaJSON, err := MarshalMeta(job.Meta)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin enqueue transaction")
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM workflow_jobs
			WHERE lead_id = ?
			  AND workflow_type = ?
			  AND step_name = ?
			  AND scheduled_at = ?
			  AND status IN ('pending', 'running')
		)`,
		job.LeadID, job.Type, job.StepName, job.ScheduledAt,
	).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "failed to check for duplicate job")
	}
	if exists {
		return errors.Wrapf(errors.ErrDuplicateJob,
			"lead %s already has %s/%s scheduled at %s",
			job.LeadID, job.Type, job.StepName, job.ScheduledAt.Format(time.RFC3339))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_jobs (
			id, lead_id, workflow_type, step_name, status,
			scheduled_at, metadata, retry_count, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.LeadID, job.Type, job.StepName, job.Status,
		job.ScheduledAt, metaJSON, job.RetryCount,
		sql.NullString{String: job.LastError, Valid: job.LastError != ""},
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue job")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit enqueue")
	}
	return nil
}

// FetchDue returns pending jobs with scheduled_at <= now, oldest schedule
// first with FIFO tie-break on created_at, capped at limit.
func (s *Store) FetchDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+standardJobColumns()+`
		FROM workflow_jobs
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, created_at ASC
		LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch due jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "due jobs")
}

// MarkRunning attempts the pending -> running transition with a
// conditional update. Returns false when another dispatcher won the
// race; callers must not execute the handler in that case.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark job %s running", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return affected == 1, nil
}

// MarkCompleted transitions a running job to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = 'completed', updated_at = ?
		WHERE id = ? AND status = 'running'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s completed", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.Newf("job %s is not running, cannot complete", id)
	}
	return nil
}

// MarkFailed transitions a running job to failed, recording the error
// and bumping the retry count.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = 'failed', last_error = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		msg, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s failed", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.Newf("job %s is not running, cannot fail", id)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	args := &jobScanArgs{}

	err := s.db.QueryRowContext(ctx, `
		SELECT `+standardJobColumns()+`
		FROM workflow_jobs WHERE id = ?`, id,
	).Scan(jobScanTargets(&job, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}

	if err := processJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status *Status, limit int) ([]*Job, error) {
	var rows *sql.Rows
	var err error

	base := `SELECT ` + standardJobColumns() + ` FROM workflow_jobs`
	if status != nil {
		rows, err = s.db.QueryContext(ctx,
			base+` WHERE status = ? ORDER BY created_at DESC LIMIT ?`, *status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			base+` ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListByLead returns the full execution history for a lead, oldest first.
func (s *Store) ListByLead(ctx context.Context, leadID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+standardJobColumns()+`
		FROM workflow_jobs
		WHERE lead_id = ?
		ORDER BY created_at ASC`,
		leadID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs for lead %s", leadID)
	}
	defer rows.Close()

	return scanJobs(rows, "lead jobs")
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflow_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// RecoverOrphanedJobs resets jobs stuck in running back to pending. A
// crash or hard kill leaves claimed rows in running, where no future
// FetchDue can see them; dispatcher startup runs this before the first
// tick. Capped at MaxOrphanedJobsToRecover per pass.
func (s *Store) RecoverOrphanedJobs(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_jobs
		SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM workflow_jobs
			WHERE status = ?
			ORDER BY scheduled_at
			LIMIT ?
		)`,
		StatusPending, time.Now().UTC(), StatusRunning, MaxOrphanedJobsToRecover,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// CleanupOldJobs removes terminal rows older than the specified duration.
// This is the only path that deletes job rows.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// scanJobs is a helper that scans multiple jobs from query rows.
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}
