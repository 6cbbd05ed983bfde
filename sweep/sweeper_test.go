package sweep

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecrm/drip/errors"
	driptest "github.com/sagecrm/drip/internal/testing"
	"github.com/sagecrm/drip/logger"
	"github.com/sagecrm/drip/notify"
)

type fakeEmailSender struct {
	mu    sync.Mutex
	sends []string // recipient per call
	fail  map[string]bool
}

func (f *fakeEmailSender) Send(ctx context.Context, to, templateID string, data map[string]string) (notify.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to] {
		return notify.SendResult{}, errors.New("smtp connection refused")
	}
	f.sends = append(f.sends, to)
	return notify.SendResult{Success: true, MessageID: uuid.NewString()}, nil
}

func (f *fakeEmailSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeSMSSender struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeSMSSender) Send(ctx context.Context, to, body string) (notify.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, to)
	return notify.SendResult{Success: true, MessageID: uuid.NewString()}, nil
}

// manualScheduler lets tests fire registered schedules directly.
type manualScheduler struct {
	fns map[string]func()
}

func (m *manualScheduler) AddSchedule(spec, name string, fn func()) error {
	if m.fns == nil {
		m.fns = make(map[string]func())
	}
	m.fns[name] = fn
	return nil
}
func (m *manualScheduler) Start() {}
func (m *manualScheduler) Stop()  {}

type sweeperFixture struct {
	sweeper  *Sweeper
	db       *sql.DB
	meetings *MeetingStore
	leads    *LeadStore
	log      *notify.LogStore
	email    *fakeEmailSender
	sms      *fakeSMSSender
	now      time.Time
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	db := driptest.CreateTestDB(t)
	log := notify.NewLogStore(db)
	meetings := NewMeetingStore(db, log)
	leads := NewLeadStore(db, log)
	dedup := notify.NewDedupGuard(log, 48*time.Hour, logger.NewTestLogger())
	email := &fakeEmailSender{fail: make(map[string]bool)}
	sms := &fakeSMSSender{}

	cfg := DefaultConfig()
	cfg.SendRatePerMinute = 600000 // keep the limiter out of test timing

	sw := NewSweeper(meetings, leads, dedup, email, sms, cfg, logger.NewTestLogger())
	now := time.Now().UTC()
	sw.now = func() time.Time { return now }

	return &sweeperFixture{sweeper: sw, db: db, meetings: meetings, leads: leads, log: log, email: email, sms: sms, now: now}
}

func (fx *sweeperFixture) createMeeting(t *testing.T, email string, startsAt time.Time) *Meeting {
	t.Helper()
	m := &Meeting{
		ID:       uuid.NewString(),
		LeadID:   uuid.NewString(),
		Email:    email,
		Phone:    "+15550100",
		StartsAt: startsAt,
	}
	require.NoError(t, fx.meetings.Create(context.Background(), m))
	return m
}

func TestSweepSendsAndSetsFlag(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()

	// Starts one minute into the daily window.
	m := fx.createMeeting(t, "a@example.com", fx.now.Add(24*time.Hour+time.Minute))

	fx.sweeper.SweepMeetings(ctx, Kind24hEmail)

	assert.Equal(t, 1, fx.email.count())
	got, err := fx.meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Reminder24hSent)

	// Immediate re-run of the same sweep must skip the meeting.
	fx.sweeper.SweepMeetings(ctx, Kind24hEmail)
	assert.Equal(t, 1, fx.email.count())
}

func TestSweepSkipsAlreadySentFlag(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()

	m := fx.createMeeting(t, "a@example.com", fx.now.Add(24*time.Hour+time.Minute))
	require.NoError(t, fx.meetings.MarkReminderSent(ctx, m.ID, Kind24hEmail, &notify.Record{
		EntityID: m.ID,
		Kind:     string(Kind24hEmail),
		Method:   notify.MethodEmail,
		Status:   notify.StatusSent,
	}))

	fx.sweeper.SweepMeetings(ctx, Kind24hEmail)
	assert.Zero(t, fx.email.count())
}

func TestSweepContinuesAfterEntityFailure(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()

	bad := fx.createMeeting(t, "bad@example.com", fx.now.Add(24*time.Hour+time.Minute))
	good := fx.createMeeting(t, "good@example.com", fx.now.Add(24*time.Hour+2*time.Minute))
	fx.email.fail["bad@example.com"] = true

	fx.sweeper.SweepMeetings(ctx, Kind24hEmail)

	gotBad, err := fx.meetings.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.False(t, gotBad.Reminder24hSent, "failed send leaves the flag unset")

	gotGood, err := fx.meetings.Get(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, gotGood.Reminder24hSent)

	// Next sweep retries the failed one.
	fx.email.fail["bad@example.com"] = false
	fx.sweeper.SweepMeetings(ctx, Kind24hEmail)
	gotBad, err = fx.meetings.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.True(t, gotBad.Reminder24hSent)
}

func TestHourlySweepUsesSMS(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()

	m := fx.createMeeting(t, "a@example.com", fx.now.Add(time.Hour+time.Minute))

	fx.sweeper.SweepMeetings(ctx, Kind1hSMS)

	assert.Len(t, fx.sms.sends, 1)
	got, err := fx.meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.SMS1hSent)
	assert.False(t, got.Reminder1hSent, "email flag untouched")
}

func TestSweepRecordsMissedWindow(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()

	m := fx.createMeeting(t, "a@example.com", fx.now.Add(-time.Hour))

	fx.sweeper.SweepMeetings(ctx, Kind24hEmail)

	assert.Zero(t, fx.email.count(), "expired window is not sent")
	records, err := fx.log.ListByEntity(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, notify.StatusMissed, records[0].Status)

	// The miss is recorded once, not on every sweep.
	fx.sweeper.SweepMeetings(ctx, Kind24hEmail)
	records, err = fx.log.ListByEntity(ctx, m.ID, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStaleLeadSweep(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()

	staleContact := fx.now.Add(-8 * 24 * time.Hour)
	stale := &Lead{ID: uuid.NewString(), Email: "stale@example.com", LastContactAt: &staleContact}
	require.NoError(t, fx.leads.Create(ctx, stale))

	freshContact := fx.now.Add(-time.Hour)
	fresh := &Lead{ID: uuid.NewString(), Email: "fresh@example.com", LastContactAt: &freshContact}
	require.NoError(t, fx.leads.Create(ctx, fresh))

	never := &Lead{ID: uuid.NewString(), Email: "never@example.com"}
	require.NoError(t, fx.leads.Create(ctx, never))

	fx.sweeper.SweepStaleLeads(ctx)

	require.Equal(t, 1, fx.email.count())
	assert.Equal(t, "stale@example.com", fx.email.sends[0])

	got, err := fx.leads.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFollowUpSentAt)

	// Re-running the sweep does not follow up again.
	fx.sweeper.SweepStaleLeads(ctx)
	assert.Equal(t, 1, fx.email.count())
}

func TestStaleLeadFollowUpReArmsAfterContact(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()

	staleContact := fx.now.Add(-8 * 24 * time.Hour)
	lead := &Lead{ID: uuid.NewString(), Email: "stale@example.com", LastContactAt: &staleContact}
	require.NoError(t, fx.leads.Create(ctx, lead))

	fx.sweeper.SweepStaleLeads(ctx)
	require.Equal(t, 1, fx.email.count())

	// Simulate time passing: the follow-up went out ten days ago, a
	// fresh contact happened after it, and that contact has itself gone
	// stale. The lead is eligible again and outside the dedup window.
	_, err := fx.db.Exec(`UPDATE leads SET last_follow_up_sent_at = ?, last_contact_at = ? WHERE id = ?`,
		fx.now.Add(-10*24*time.Hour), fx.now.Add(-9*24*time.Hour), lead.ID)
	require.NoError(t, err)
	_, err = fx.db.Exec(`UPDATE notification_log SET sent_at = ? WHERE entity_id = ?`,
		fx.now.Add(-10*24*time.Hour), lead.ID)
	require.NoError(t, err)

	fx.sweeper.SweepStaleLeads(ctx)
	assert.Equal(t, 2, fx.email.count())
}

func TestRegisterWiresSchedules(t *testing.T) {
	fx := newSweeperFixture(t)
	ctx := context.Background()
	sched := &manualScheduler{}

	require.NoError(t, fx.sweeper.Register(ctx, sched))
	require.Contains(t, sched.fns, "daily")
	require.Contains(t, sched.fns, "hourly")

	fx.createMeeting(t, "a@example.com", fx.now.Add(time.Hour+time.Minute))
	sched.fns["hourly"]()
	assert.Len(t, fx.sms.sends, 1)
	assert.Equal(t, 1, fx.email.count())
}

func TestCronSchedulerRejectsBadSpec(t *testing.T) {
	s := NewCronScheduler(logger.NewTestLogger())
	err := s.AddSchedule("not a cron spec", "bad", func() {})
	require.Error(t, err)
}
