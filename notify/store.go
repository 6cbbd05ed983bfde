package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/sagecrm/drip/errors"
)

// Record is one row of the append-only notification audit trail.
// Never mutated after insert.
type Record struct {
	ID           int64      `json:"id"`
	EntityID     string     `json:"entity_id"`
	Kind         string     `json:"kind"`
	Method       Method     `json:"delivery_method"`
	Status       string     `json:"status"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	SentAt       time.Time  `json:"sent_at"`
}

// Record statuses.
const (
	StatusSent    = "sent"
	StatusSkipped = "skipped"
	StatusMissed  = "missed"
)

// LogStore persists notification records.
type LogStore struct {
	db *sql.DB
}

// NewLogStore creates a notification log store
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// Append inserts a notification record. Exposed for callers outside a
// transaction; AppendTx is the in-transaction variant used when the
// record must land atomically with a sent-flag update.
func (s *LogStore) Append(ctx context.Context, rec *Record) error {
	return appendRecord(ctx, s.db, rec)
}

// AppendTx inserts a notification record inside an existing transaction.
func (s *LogStore) AppendTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	return appendRecord(ctx, tx, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func appendRecord(ctx context.Context, db execer, rec *Record) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO notification_log (entity_id, kind, delivery_method, status, scheduled_for, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EntityID, rec.Kind, rec.Method, rec.Status, rec.ScheduledFor, rec.SentAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append notification record")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get notification record id")
	}
	rec.ID = id
	return nil
}

// FindRecent returns the most recent record for (entityID, kind) sent
// within the given window, or nil if none exists.
func (s *LogStore) FindRecent(ctx context.Context, entityID, kind string, within time.Duration) (*Record, error) {
	cutoff := time.Now().UTC().Add(-within)

	var rec Record
	var scheduledFor sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, kind, delivery_method, status, scheduled_for, sent_at
		FROM notification_log
		WHERE entity_id = ? AND kind = ? AND status = ? AND sent_at > ?
		ORDER BY sent_at DESC
		LIMIT 1`,
		entityID, kind, StatusSent, cutoff,
	).Scan(&rec.ID, &rec.EntityID, &rec.Kind, &rec.Method, &rec.Status, &scheduledFor, &rec.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // no recent notification - not an error
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find recent notification")
	}

	if scheduledFor.Valid {
		rec.ScheduledFor = &scheduledFor.Time
	}
	return &rec, nil
}

// ListByEntity returns all records for an entity, newest first.
func (s *LogStore) ListByEntity(ctx context.Context, entityID string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, kind, delivery_method, status, scheduled_for, sent_at
		FROM notification_log
		WHERE entity_id = ?
		ORDER BY sent_at DESC
		LIMIT ?`,
		entityID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var scheduledFor sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Kind, &rec.Method, &rec.Status, &scheduledFor, &rec.SentAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification record")
		}
		if scheduledFor.Valid {
			rec.ScheduledFor = &scheduledFor.Time
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating notifications")
	}
	return records, nil
}
