package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sagecrm/drip/errors"
	"github.com/sagecrm/drip/metrics"
	"github.com/sagecrm/drip/notify"
)

// Config controls sweep cadence, window shapes and outbound pacing.
type Config struct {
	DailySpec  string // cron spec for the daily sweeps
	HourlySpec string // cron spec for the hourly sweeps

	DailyWindowSpan  time.Duration // width of the 24h-reminder window
	HourlyWindowSpan time.Duration // width of the 1h-reminder window

	StaleAfter time.Duration // contact age that makes a lead stale

	SendRatePerMinute float64 // outbound notifications per minute
}

// DefaultConfig returns production sweep settings: daily sweeps at
// 09:00, hourly sweeps on the hour.
func DefaultConfig() Config {
	return Config{
		DailySpec:         "0 9 * * *",
		HourlySpec:        "0 * * * *",
		DailyWindowSpan:   time.Hour,
		HourlyWindowSpan:  30 * time.Minute,
		StaleAfter:        7 * 24 * time.Hour,
		SendRatePerMinute: 60,
	}
}

// Sweeper runs the reminder sweeps: window query, per-entity send,
// sent-flag transition. Entities are processed sequentially; a failure
// on one entity is logged and the sweep continues. A failed send leaves
// the flag unset so the next sweep retries it.
type Sweeper struct {
	meetings *MeetingStore
	leads    *LeadStore
	dedup    *notify.DedupGuard
	email    notify.EmailSender
	sms      notify.SMSSender

	cfg     Config
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	// now is swapped in tests to pin the window edges.
	now func() time.Time
}

// NewSweeper wires a sweeper over the stores and senders.
func NewSweeper(meetings *MeetingStore, leads *LeadStore, dedup *notify.DedupGuard,
	email notify.EmailSender, sms notify.SMSSender, cfg Config, logger *zap.SugaredLogger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	perSecond := cfg.SendRatePerMinute / 60
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Sweeper{
		meetings: meetings,
		leads:    leads,
		dedup:    dedup,
		email:    email,
		sms:      sms,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:   logger.Named("sweep"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches the daily and hourly sweeps to the scheduler. The
// schedules are independent; ordering across them is not defined.
func (s *Sweeper) Register(ctx context.Context, sched Scheduler) error {
	if err := sched.AddSchedule(s.cfg.DailySpec, "daily", func() { s.RunDailySweeps(ctx) }); err != nil {
		return err
	}
	return sched.AddSchedule(s.cfg.HourlySpec, "hourly", func() { s.RunHourlySweeps(ctx) })
}

// RunDailySweeps runs the 24h email and SMS reminder sweeps and the
// stale-lead follow-up sweep.
func (s *Sweeper) RunDailySweeps(ctx context.Context) {
	s.SweepMeetings(ctx, Kind24hEmail)
	s.SweepMeetings(ctx, Kind24hSMS)
	s.SweepStaleLeads(ctx)
}

// RunHourlySweeps runs the 1h email and SMS reminder sweeps.
func (s *Sweeper) RunHourlySweeps(ctx context.Context) {
	s.SweepMeetings(ctx, Kind1hEmail)
	s.SweepMeetings(ctx, Kind1hSMS)
}

// SweepMeetings runs one reminder sweep for the given kind: finds
// meetings inside the kind's window with the flag unset, sends to each,
// then records any windows that expired unsent.
func (s *Sweeper) SweepMeetings(ctx context.Context, kind ReminderKind) {
	now := s.now()
	from := now.Add(kind.Lead())
	to := from.Add(s.windowSpan(kind))

	due, err := s.meetings.FindDue(ctx, kind, from, to)
	if err != nil {
		s.logger.Errorw("sweep query failed", "kind", kind, "error", err)
		return
	}

	sent, failed := 0, 0
	for _, m := range due {
		if err := s.sendMeetingReminder(ctx, m, kind); err != nil {
			failed++
			metrics.ReminderFailures.WithLabelValues(string(kind)).Inc()
			s.logger.Errorw("reminder send failed",
				"kind", kind, "meeting_id", m.ID, "lead_id", m.LeadID, "error", err)
			continue
		}
		sent++
	}

	s.recordMissed(ctx, kind, now)

	if len(due) > 0 {
		s.logger.Infow("sweep complete",
			"kind", kind, "due", len(due), "sent", sent, "failed", failed)
	}
}

func (s *Sweeper) windowSpan(kind ReminderKind) time.Duration {
	switch kind {
	case Kind1hEmail, Kind1hSMS:
		if s.cfg.HourlyWindowSpan > 0 {
			return s.cfg.HourlyWindowSpan
		}
		return 30 * time.Minute
	default:
		if s.cfg.DailyWindowSpan > 0 {
			return s.cfg.DailyWindowSpan
		}
		return time.Hour
	}
}

func (s *Sweeper) sendMeetingReminder(ctx context.Context, m *Meeting, kind ReminderKind) error {
	ok, err := s.dedup.ShouldSend(ctx, m.ID, string(kind))
	if err != nil {
		return err
	}
	if !ok {
		return s.dedup.RecordSkip(ctx, m.ID, string(kind), kind.Method())
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait aborted")
	}

	var result notify.SendResult
	switch kind.Method() {
	case notify.MethodSMS:
		if m.Phone == "" {
			return errors.Newf("meeting %s has no phone number", m.ID)
		}
		result, err = s.sms.Send(ctx, m.Phone, smsBody(m, kind))
	default:
		result, err = s.email.Send(ctx, m.Email, string(kind), map[string]string{
			"meeting_id": m.ID,
			"lead_id":    m.LeadID,
			"starts_at":  m.StartsAt.Format(time.RFC3339),
		})
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return errors.Newf("provider rejected send: %s", result.Error)
	}

	startsAt := m.StartsAt
	err = s.meetings.MarkReminderSent(ctx, m.ID, kind, &notify.Record{
		EntityID:     m.ID,
		Kind:         string(kind),
		Method:       kind.Method(),
		Status:       notify.StatusSent,
		ScheduledFor: &startsAt,
	})
	if errors.Is(err, errors.ErrAlreadySent) {
		// Lost the flag race to a concurrent sweep. The send already
		// went out, so just note it.
		s.logger.Debugw("flag already set", "kind", kind, "meeting_id", m.ID)
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RemindersSent.WithLabelValues(string(kind), string(kind.Method())).Inc()
	s.logger.Infow("reminder sent",
		"kind", kind, "meeting_id", m.ID, "lead_id", m.LeadID, "starts_at", m.StartsAt)
	return nil
}

// recordMissed surfaces reminders whose window expired with the flag
// still unset. The reminder is not recovered, only made observable.
func (s *Sweeper) recordMissed(ctx context.Context, kind ReminderKind, now time.Time) {
	missed, err := s.meetings.FindMissed(ctx, kind, now)
	if err != nil {
		s.logger.Errorw("missed-window query failed", "kind", kind, "error", err)
		return
	}
	for _, m := range missed {
		metrics.RemindersMissed.WithLabelValues(string(kind)).Inc()
		s.logger.Warnw("reminder window expired unsent",
			"kind", kind, "meeting_id", m.ID, "lead_id", m.LeadID, "starts_at", m.StartsAt)
		if err := s.meetings.MarkReminderMissed(ctx, m.ID, kind); err != nil && !errors.Is(err, errors.ErrAlreadySent) {
			s.logger.Errorw("failed to record missed reminder",
				"kind", kind, "meeting_id", m.ID, "error", err)
		}
	}
}

// SweepStaleLeads sends a follow-up email to every lead whose last
// contact is older than the configured threshold and that has not been
// followed up since.
func (s *Sweeper) SweepStaleLeads(ctx context.Context) {
	now := s.now()
	stale, err := s.leads.FindStale(ctx, now, s.cfg.StaleAfter)
	if err != nil {
		s.logger.Errorw("stale-lead query failed", "error", err)
		return
	}

	sent, failed := 0, 0
	for _, l := range stale {
		if err := s.sendFollowUp(ctx, l); err != nil {
			failed++
			metrics.ReminderFailures.WithLabelValues(string(KindStaleLead)).Inc()
			s.logger.Errorw("follow-up send failed", "lead_id", l.ID, "error", err)
			continue
		}
		sent++
	}

	if len(stale) > 0 {
		s.logger.Infow("stale-lead sweep complete",
			"stale", len(stale), "sent", sent, "failed", failed)
	}
}

func (s *Sweeper) sendFollowUp(ctx context.Context, l *Lead) error {
	ok, err := s.dedup.ShouldSend(ctx, l.ID, string(KindStaleLead))
	if err != nil {
		return err
	}
	if !ok {
		return s.dedup.RecordSkip(ctx, l.ID, string(KindStaleLead), notify.MethodEmail)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait aborted")
	}

	data := map[string]string{"lead_id": l.ID}
	if l.LastContactAt != nil {
		data["last_contact_at"] = l.LastContactAt.Format(time.RFC3339)
	}
	result, err := s.email.Send(ctx, l.Email, string(KindStaleLead), data)
	if err != nil {
		return err
	}
	if !result.Success {
		return errors.Newf("provider rejected send: %s", result.Error)
	}

	err = s.leads.MarkFollowUpSent(ctx, l.ID, &notify.Record{
		EntityID: l.ID,
		Kind:     string(KindStaleLead),
		Method:   notify.MethodEmail,
		Status:   notify.StatusSent,
	})
	if errors.Is(err, errors.ErrAlreadySent) {
		s.logger.Debugw("follow-up already marked", "lead_id", l.ID)
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RemindersSent.WithLabelValues(string(KindStaleLead), string(notify.MethodEmail)).Inc()
	s.logger.Infow("follow-up sent", "lead_id", l.ID)
	return nil
}

func smsBody(m *Meeting, kind ReminderKind) string {
	when := m.StartsAt.Format("Mon Jan 2 15:04 MST")
	switch kind {
	case Kind1hSMS:
		return fmt.Sprintf("Reminder: your meeting starts in about an hour, at %s.", when)
	default:
		return fmt.Sprintf("Reminder: you have a meeting tomorrow at %s.", when)
	}
}
