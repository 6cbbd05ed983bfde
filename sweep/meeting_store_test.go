package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecrm/drip/errors"
	driptest "github.com/sagecrm/drip/internal/testing"
	"github.com/sagecrm/drip/notify"
)

func newTestMeetingStore(t *testing.T) (*MeetingStore, *notify.LogStore) {
	t.Helper()
	db := driptest.CreateTestDB(t)
	log := notify.NewLogStore(db)
	return NewMeetingStore(db, log), log
}

func createMeeting(t *testing.T, store *MeetingStore, startsAt time.Time) *Meeting {
	t.Helper()
	m := &Meeting{
		ID:       uuid.NewString(),
		LeadID:   uuid.NewString(),
		Email:    "lead@example.com",
		Phone:    "+15550100",
		StartsAt: startsAt,
	}
	require.NoError(t, store.Create(context.Background(), m))
	return m
}

func TestFindDueMatchesWindow(t *testing.T) {
	store, _ := newTestMeetingStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inWindow := createMeeting(t, store, now.Add(24*time.Hour+time.Minute))
	createMeeting(t, store, now.Add(26*time.Hour))  // past the window
	createMeeting(t, store, now.Add(23*time.Hour)) // before the window

	due, err := store.FindDue(ctx, Kind24hEmail, now.Add(24*time.Hour), now.Add(25*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, inWindow.ID, due[0].ID)
}

func TestFindDueExcludesSentFlag(t *testing.T) {
	store, _ := newTestMeetingStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m := createMeeting(t, store, now.Add(24*time.Hour+time.Minute))
	require.NoError(t, store.MarkReminderSent(ctx, m.ID, Kind24hEmail, &notify.Record{
		EntityID: m.ID,
		Kind:     string(Kind24hEmail),
		Method:   notify.MethodEmail,
		Status:   notify.StatusSent,
	}))

	due, err := store.FindDue(ctx, Kind24hEmail, now.Add(24*time.Hour), now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	// The SMS flag for the same window is independent.
	due, err = store.FindDue(ctx, Kind24hSMS, now.Add(24*time.Hour), now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMarkReminderSentSetsFlagAndLogsAtomically(t *testing.T) {
	store, log := newTestMeetingStore(t)
	ctx := context.Background()

	m := createMeeting(t, store, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, store.MarkReminderSent(ctx, m.ID, Kind1hEmail, &notify.Record{
		EntityID: m.ID,
		Kind:     string(Kind1hEmail),
		Method:   notify.MethodEmail,
		Status:   notify.StatusSent,
	}))

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Reminder1hSent)
	require.NotNil(t, got.Reminder1hSentAt)

	records, err := log.ListByEntity(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, notify.StatusSent, records[0].Status)
}

func TestMarkReminderSentSecondWriterLoses(t *testing.T) {
	store, _ := newTestMeetingStore(t)
	ctx := context.Background()

	m := createMeeting(t, store, time.Now().UTC().Add(24*time.Hour))
	rec := func() *notify.Record {
		return &notify.Record{
			EntityID: m.ID,
			Kind:     string(Kind24hEmail),
			Method:   notify.MethodEmail,
			Status:   notify.StatusSent,
		}
	}

	require.NoError(t, store.MarkReminderSent(ctx, m.ID, Kind24hEmail, rec()))

	err := store.MarkReminderSent(ctx, m.ID, Kind24hEmail, rec())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadySent))
}

func TestFindMissedReturnsExpiredUnsent(t *testing.T) {
	store, _ := newTestMeetingStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := createMeeting(t, store, now.Add(-time.Hour))
	createMeeting(t, store, now.Add(24*time.Hour))

	missed, err := store.FindMissed(ctx, Kind24hEmail, now)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, past.ID, missed[0].ID)

	require.NoError(t, store.MarkReminderMissed(ctx, past.ID, Kind24hEmail))

	missed, err = store.FindMissed(ctx, Kind24hEmail, now)
	require.NoError(t, err)
	assert.Empty(t, missed, "a recorded miss is not rediscovered")
}

func TestFindDueRejectsUnknownKind(t *testing.T) {
	store, _ := newTestMeetingStore(t)

	_, err := store.FindDue(context.Background(), ReminderKind("bogus"), time.Now(), time.Now())
	require.Error(t, err)
}
