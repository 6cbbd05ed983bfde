package workflow

import (
	"database/sql"

	"github.com/sagecrm/drip/errors"
)

// jobScanArgs holds the nullable columns scanned from a workflow_jobs row.
type jobScanArgs struct {
	MetaJSON  sql.NullString
	LastError sql.NullString
}

// jobScanTargets returns scan destinations for the job and its nullable
// columns, in the order of standardJobColumns.
func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.LeadID,
		&job.Type,
		&job.StepName,
		&job.Status,
		&job.ScheduledAt,
		&args.MetaJSON,
		&job.RetryCount,
		&args.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

// processJobScanArgs populates the job from scanned nullable columns.
func processJobScanArgs(job *Job, args *jobScanArgs) error {
	if args.MetaJSON.Valid {
		meta, err := UnmarshalMeta(args.MetaJSON.String)
		if err != nil {
			return errors.Wrapf(err, "failed to unmarshal metadata for job %s", job.ID)
		}
		job.Meta = meta
	}
	if args.LastError.Valid {
		job.LastError = args.LastError.String
	}
	return nil
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	return processJobScanArgs(job, args)
}

// standardJobColumns returns the standard column list for job SELECT queries
func standardJobColumns() string {
	return `id, lead_id, workflow_type, step_name, status,
		scheduled_at, metadata, retry_count, last_error,
		created_at, updated_at`
}
