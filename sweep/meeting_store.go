package sweep

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sagecrm/drip/errors"
	"github.com/sagecrm/drip/notify"
)

// MeetingStore provides the window queries and sent-flag transitions
// for meeting reminders.
type MeetingStore struct {
	db  *sql.DB
	log *notify.LogStore
}

// NewMeetingStore creates a meeting store. The notification log is
// required so flag transitions and audit records commit together.
func NewMeetingStore(db *sql.DB, log *notify.LogStore) *MeetingStore {
	return &MeetingStore{db: db, log: log}
}

const meetingColumns = `id, lead_id, email, phone, starts_at,
	reminder_24h_sent, reminder_24h_sent_at,
	reminder_1h_sent, reminder_1h_sent_at,
	sms_24h_sent, sms_24h_sent_at,
	sms_1h_sent, sms_1h_sent_at,
	created_at, updated_at`

// Create inserts a meeting row.
func (s *MeetingStore) Create(ctx context.Context, m *Meeting) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meetings (id, lead_id, email, phone, starts_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.LeadID, m.Email, m.Phone, m.StartsAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create meeting %s", m.ID)
	}
	return nil
}

// Get retrieves a meeting by ID.
func (s *MeetingStore) Get(ctx context.Context, id string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM meetings WHERE id = ?`, meetingColumns), id)

	m, err := scanMeetingRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "meeting %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get meeting %s", id)
	}
	return m, nil
}

// FindDue returns meetings starting inside [from, to) whose sent flag
// for the given kind is still unset.
func (s *MeetingStore) FindDue(ctx context.Context, kind ReminderKind, from, to time.Time) ([]*Meeting, error) {
	if !kind.IsValid() {
		return nil, errors.Newf("unknown reminder kind: %s", kind)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM meetings
		WHERE %s = 0 AND starts_at >= ? AND starts_at < ?
		ORDER BY starts_at ASC`,
		meetingColumns, kind.flagColumn())

	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query due meetings for %s", kind)
	}
	defer rows.Close()

	return scanMeetings(rows)
}

// FindMissed returns meetings whose start time has already passed with
// the flag for the given kind still unset. The reminder can no longer
// be delivered usefully; callers log and record the miss.
func (s *MeetingStore) FindMissed(ctx context.Context, kind ReminderKind, now time.Time) ([]*Meeting, error) {
	if !kind.IsValid() {
		return nil, errors.Newf("unknown reminder kind: %s", kind)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM meetings
		WHERE %s = 0 AND starts_at <= ?
		ORDER BY starts_at ASC`,
		meetingColumns, kind.flagColumn())

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query missed meetings for %s", kind)
	}
	defer rows.Close()

	return scanMeetings(rows)
}

// MarkReminderSent flips the sent flag for the kind and appends the
// notification record in a single transaction. The update is guarded by
// the flag still being unset, so a second writer loses and gets
// ErrAlreadySent.
func (s *MeetingStore) MarkReminderSent(ctx context.Context, meetingID string, kind ReminderKind, rec *notify.Record) error {
	return s.markReminder(ctx, meetingID, kind, rec)
}

// MarkReminderMissed sets the flag with a "missed" audit record so an
// expired window is counted once, not rediscovered every sweep.
func (s *MeetingStore) MarkReminderMissed(ctx context.Context, meetingID string, kind ReminderKind) error {
	return s.markReminder(ctx, meetingID, kind, &notify.Record{
		EntityID: meetingID,
		Kind:     string(kind),
		Method:   kind.Method(),
		Status:   notify.StatusMissed,
	})
}

func (s *MeetingStore) markReminder(ctx context.Context, meetingID string, kind ReminderKind, rec *notify.Record) error {
	if !kind.IsValid() {
		return errors.Newf("unknown reminder kind: %s", kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE meetings SET %s = 1, %s = ?, updated_at = ?
		WHERE id = ? AND %s = 0`,
		kind.flagColumn(), kind.sentAtColumn(), kind.flagColumn())

	result, err := tx.ExecContext(ctx, query, now, now, meetingID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark %s for meeting %s", kind, meetingID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrAlreadySent, "%s for meeting %s", kind, meetingID)
	}

	if rec.SentAt.IsZero() {
		rec.SentAt = now
	}
	if err := s.log.AppendTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit reminder transaction")
	}
	return nil
}

func scanMeetings(rows *sql.Rows) ([]*Meeting, error) {
	var meetings []*Meeting
	for rows.Next() {
		m, err := scanMeetingRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan meeting")
		}
		meetings = append(meetings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating meetings")
	}
	return meetings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeetingRow(row rowScanner) (*Meeting, error) {
	var m Meeting
	var phone sql.NullString
	var r24At, r1At, s24At, s1At sql.NullTime

	err := row.Scan(
		&m.ID, &m.LeadID, &m.Email, &phone, &m.StartsAt,
		&m.Reminder24hSent, &r24At,
		&m.Reminder1hSent, &r1At,
		&m.SMS24hSent, &s24At,
		&m.SMS1hSent, &s1At,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Phone = phone.String
	if r24At.Valid {
		m.Reminder24hSentAt = &r24At.Time
	}
	if r1At.Valid {
		m.Reminder1hSentAt = &r1At.Time
	}
	if s24At.Valid {
		m.SMS24hSentAt = &s24At.Time
	}
	if s1At.Valid {
		m.SMS1hSentAt = &s1At.Time
	}
	return &m, nil
}
