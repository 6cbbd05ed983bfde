package sweep

import (
	"context"
	"database/sql"
	"time"

	"github.com/sagecrm/drip/errors"
	"github.com/sagecrm/drip/notify"
)

// LeadStore provides the stale-lead query and follow-up marker for the
// daily stale-lead sweep.
type LeadStore struct {
	db  *sql.DB
	log *notify.LogStore
}

// NewLeadStore creates a lead store.
func NewLeadStore(db *sql.DB, log *notify.LogStore) *LeadStore {
	return &LeadStore{db: db, log: log}
}

// Create inserts a lead row.
func (s *LeadStore) Create(ctx context.Context, l *Lead) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, email, phone, last_contact_at, last_follow_up_sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Email, l.Phone, l.LastContactAt, l.LastFollowUpSentAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create lead %s", l.ID)
	}
	return nil
}

// Get retrieves a lead by ID.
func (s *LeadStore) Get(ctx context.Context, id string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, phone, last_contact_at, last_follow_up_sent_at, created_at, updated_at
		FROM leads WHERE id = ?`, id)

	l, err := scanLeadRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "lead %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get lead %s", id)
	}
	return l, nil
}

// RecordContact stamps last_contact_at, which resets the stale clock
// and re-arms the follow-up marker.
func (s *LeadStore) RecordContact(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE leads SET last_contact_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record contact for lead %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "lead %s", id)
	}
	return nil
}

// FindStale returns leads whose last contact is older than the cutoff
// and that have not received a follow-up since that contact. A lead
// with no recorded contact is never stale; there is nothing to follow
// up on.
func (s *LeadStore) FindStale(ctx context.Context, now time.Time, staleAfter time.Duration) ([]*Lead, error) {
	cutoff := now.Add(-staleAfter)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, phone, last_contact_at, last_follow_up_sent_at, created_at, updated_at
		FROM leads
		WHERE last_contact_at IS NOT NULL
		  AND last_contact_at < ?
		  AND (last_follow_up_sent_at IS NULL OR last_follow_up_sent_at < last_contact_at)
		ORDER BY last_contact_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stale leads")
	}
	defer rows.Close()

	var leads []*Lead
	for rows.Next() {
		l, err := scanLeadRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan lead")
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating leads")
	}
	return leads, nil
}

// MarkFollowUpSent stamps last_follow_up_sent_at and appends the
// notification record in one transaction. Guarded so a follow-up
// already sent since the last contact makes a second writer lose with
// ErrAlreadySent.
func (s *LeadStore) MarkFollowUpSent(ctx context.Context, leadID string, rec *notify.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE leads SET last_follow_up_sent_at = ?, updated_at = ?
		WHERE id = ?
		  AND (last_follow_up_sent_at IS NULL OR last_follow_up_sent_at < last_contact_at)`,
		now, now, leadID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark follow-up for lead %s", leadID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrAlreadySent, "follow-up for lead %s", leadID)
	}

	if rec.SentAt.IsZero() {
		rec.SentAt = now
	}
	if err := s.log.AppendTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit follow-up transaction")
	}
	return nil
}

func scanLeadRow(row rowScanner) (*Lead, error) {
	var l Lead
	var phone sql.NullString
	var lastContact, lastFollowUp sql.NullTime

	err := row.Scan(&l.ID, &l.Email, &phone, &lastContact, &lastFollowUp, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	l.Phone = phone.String
	if lastContact.Valid {
		l.LastContactAt = &lastContact.Time
	}
	if lastFollowUp.Valid {
		l.LastFollowUpSentAt = &lastFollowUp.Time
	}
	return &l, nil
}
