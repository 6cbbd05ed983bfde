// Package sweep implements the cron-driven reminder sweeps: window
// queries over meetings and leads, per-entity sent-flag stores, and the
// sweeper that drives outbound reminders through the notification
// senders. Sweeps are independent of the job queue; the sent flag on
// each row is the single arbiter of "already sent".
package sweep

import (
	"time"

	"github.com/sagecrm/drip/notify"
)

// ReminderKind identifies one sweep-driven reminder. The kind doubles
// as the notification-log kind string for dedup and auditing.
type ReminderKind string

const (
	Kind24hEmail  ReminderKind = "meeting_reminder_24h"
	Kind1hEmail   ReminderKind = "meeting_reminder_1h"
	Kind24hSMS    ReminderKind = "meeting_sms_24h"
	Kind1hSMS     ReminderKind = "meeting_sms_1h"
	KindStaleLead ReminderKind = "stale_lead_follow_up"
)

// IsValid reports whether the kind is a known meeting reminder kind.
func (k ReminderKind) IsValid() bool {
	switch k {
	case Kind24hEmail, Kind1hEmail, Kind24hSMS, Kind1hSMS:
		return true
	}
	return false
}

// Method returns the delivery method this kind goes out on.
func (k ReminderKind) Method() notify.Method {
	switch k {
	case Kind24hSMS, Kind1hSMS:
		return notify.MethodSMS
	default:
		return notify.MethodEmail
	}
}

// Lead returns how far before the meeting start this reminder fires.
func (k ReminderKind) Lead() time.Duration {
	switch k {
	case Kind24hEmail, Kind24hSMS:
		return 24 * time.Hour
	case Kind1hEmail, Kind1hSMS:
		return time.Hour
	}
	return 0
}

// flagColumn maps a kind to its sent-flag column. The switch is the
// whitelist that keeps the column name out of caller control.
func (k ReminderKind) flagColumn() string {
	switch k {
	case Kind24hEmail:
		return "reminder_24h_sent"
	case Kind1hEmail:
		return "reminder_1h_sent"
	case Kind24hSMS:
		return "sms_24h_sent"
	case Kind1hSMS:
		return "sms_1h_sent"
	}
	return ""
}

func (k ReminderKind) sentAtColumn() string {
	col := k.flagColumn()
	if col == "" {
		return ""
	}
	return col + "_at"
}

// Meeting is a reminderable entity swept by the meeting-reminder
// schedules. The CRM layer owns creation; the engine only reads windows
// and flips sent flags.
type Meeting struct {
	ID     string `json:"id"`
	LeadID string `json:"lead_id"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`

	StartsAt time.Time `json:"starts_at"`

	Reminder24hSent   bool       `json:"reminder_24h_sent"`
	Reminder24hSentAt *time.Time `json:"reminder_24h_sent_at,omitempty"`
	Reminder1hSent    bool       `json:"reminder_1h_sent"`
	Reminder1hSentAt  *time.Time `json:"reminder_1h_sent_at,omitempty"`
	SMS24hSent        bool       `json:"sms_24h_sent"`
	SMS24hSentAt      *time.Time `json:"sms_24h_sent_at,omitempty"`
	SMS1hSent         bool       `json:"sms_1h_sent"`
	SMS1hSentAt       *time.Time `json:"sms_1h_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReminderSent reports whether the flag for the given kind is set.
func (m *Meeting) ReminderSent(kind ReminderKind) bool {
	switch kind {
	case Kind24hEmail:
		return m.Reminder24hSent
	case Kind1hEmail:
		return m.Reminder1hSent
	case Kind24hSMS:
		return m.SMS24hSent
	case Kind1hSMS:
		return m.SMS1hSent
	}
	return false
}

// Lead carries the stale-lead follow-up marker swept daily.
type Lead struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`

	LastContactAt      *time.Time `json:"last_contact_at,omitempty"`
	LastFollowUpSentAt *time.Time `json:"last_follow_up_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
