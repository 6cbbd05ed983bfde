package commands

import (
	"context"

	"github.com/sagecrm/drip/errors"
	"github.com/sagecrm/drip/logger"
	"github.com/sagecrm/drip/notify"
	"github.com/sagecrm/drip/workflow"
)

// stepHandlers holds the built-in queue-path handlers. Each one sends
// through the notification senders with the dedup guard in front, and
// records the send in the notification log. Recipient contact details
// ride in the job metadata since the CRM layer owns the lead records.
type stepHandlers struct {
	email notify.EmailSender
	sms   notify.SMSSender
	log   *notify.LogStore
	dedup *notify.DedupGuard
}

func registerStepHandlers(registry *workflow.Registry, email notify.EmailSender,
	sms notify.SMSSender, log *notify.LogStore, dedup *notify.DedupGuard) {
	h := &stepHandlers{email: email, sms: sms, log: log, dedup: dedup}

	registry.Register(workflow.TypeInitialEngagement, "send_welcome",
		workflow.HandlerFunc(h.sendTemplatedEmail("welcome")))
	registry.Register(workflow.TypeReminderSequence, "send_reminder",
		workflow.HandlerFunc(h.sendTemplatedEmail("reminder")))
	registry.Register(workflow.TypeFollowUp, "send_follow_up",
		workflow.HandlerFunc(h.sendTemplatedEmail("follow_up")))
	registry.Register(workflow.TypeSchedulingAutomation, "send_booking_link",
		workflow.HandlerFunc(h.sendTemplatedEmail("booking_link")))
	registry.Register(workflow.TypeMeetingMonitor, "check_meeting",
		workflow.HandlerFunc(h.checkMeeting))
}

// sendTemplatedEmail builds a handler that emails the lead using the
// job's template, falling back to defaultTemplate. The notification
// kind is the step name unless the metadata names a reminder kind.
func (h *stepHandlers) sendTemplatedEmail(defaultTemplate string) func(ctx context.Context, job *workflow.Job) error {
	return func(ctx context.Context, job *workflow.Job) error {
		to := job.Meta.Extra["email"]
		if to == "" {
			return errors.NewValidationError("job %s has no recipient email in metadata", job.ID)
		}

		kind := job.Meta.ReminderKind
		if kind == "" {
			kind = job.StepName
		}

		ok, err := h.dedup.ShouldSend(ctx, job.LeadID, kind)
		if err != nil {
			return err
		}
		if !ok {
			return h.dedup.RecordSkip(ctx, job.LeadID, kind, notify.MethodEmail)
		}

		templateID := job.Meta.TemplateID
		if templateID == "" {
			templateID = defaultTemplate
		}

		result, err := h.email.Send(ctx, to, templateID, map[string]string{
			"lead_id": job.LeadID,
			"step":    job.StepName,
		})
		if err != nil {
			return err
		}
		if !result.Success {
			return errors.Newf("provider rejected send: %s", result.Error)
		}

		return h.log.Append(ctx, &notify.Record{
			EntityID: job.LeadID,
			Kind:     kind,
			Method:   notify.MethodEmail,
			Status:   notify.StatusSent,
		})
	}
}

// checkMeeting is the meeting-monitor step. It only observes; meeting
// reminders themselves go out through the sweep schedules.
func (h *stepHandlers) checkMeeting(ctx context.Context, job *workflow.Job) error {
	meetingID := job.Meta.Extra["meeting_id"]
	if meetingID == "" {
		return errors.NewValidationError("job %s has no meeting_id in metadata", job.ID)
	}
	logger.Logger.Infow("Meeting check",
		"job_id", job.ID,
		"lead_id", job.LeadID,
		"meeting_id", meetingID)
	return nil
}
