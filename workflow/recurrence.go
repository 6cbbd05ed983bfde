package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sagecrm/drip/errors"
)

// RecurrenceManager reschedules recurring steps by insertion: the next
// run of a completed recurring job is a new row with the same lead,
// workflow type, step and metadata, preserving a complete execution
// history instead of mutating a single row in place.
type RecurrenceManager struct {
	store  *Store
	logger *zap.SugaredLogger
}

// NewRecurrenceManager creates a recurrence manager over the job store.
func NewRecurrenceManager(store *Store, logger *zap.SugaredLogger) *RecurrenceManager {
	return &RecurrenceManager{store: store, logger: logger}
}

// ScheduleNext enqueues the next occurrence of a recurring job that just
// completed at completedAt. Non-recurring jobs are a no-op. A duplicate
// next occurrence (already enqueued by another path) is absorbed.
func (m *RecurrenceManager) ScheduleNext(ctx context.Context, job *Job, completedAt time.Time) (*Job, error) {
	if !job.Meta.IsRecurring() {
		return nil, nil
	}

	next, err := NewJob(job.LeadID, job.Type, job.StepName, completedAt.Add(job.Meta.Interval()), job.Meta)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build next occurrence of job %s", job.ID)
	}

	if err := m.store.Enqueue(ctx, next); err != nil {
		if errors.Is(err, errors.ErrDuplicateJob) {
			m.logger.Debugw("Next occurrence already scheduled",
				"job_id", job.ID,
				"lead_id", job.LeadID,
				"step", job.StepName)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to schedule next occurrence of job %s", job.ID)
	}

	m.logger.Infow("Scheduled next occurrence",
		"job_id", job.ID,
		"next_job_id", next.ID,
		"lead_id", job.LeadID,
		"step", job.StepName,
		"interval_minutes", job.Meta.IntervalMinutes,
		"next_run_at", next.ScheduledAt.Format(time.RFC3339))

	return next, nil
}
