// Package workflow implements the durable automation job queue: the job
// model and store, the retrying storage layer, the step handler registry,
// the polling dispatcher and recurrence by insertion.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sagecrm/drip/errors"
)

// Type categorizes a multi-step automation sequence
type Type string

const (
	TypeInitialEngagement    Type = "initial_engagement"
	TypeReminderSequence     Type = "reminder_sequence"
	TypeMeetingMonitor       Type = "meeting_monitor"
	TypeFollowUp             Type = "follow_up"
	TypeSchedulingAutomation Type = "scheduling_automation"
)

// IsValidType returns true if the string is a known workflow type
func IsValidType(s string) bool {
	switch Type(s) {
	case TypeInitialEngagement, TypeReminderSequence, TypeMeetingMonitor,
		TypeFollowUp, TypeSchedulingAutomation:
		return true
	default:
		return false
	}
}

// Status represents the current state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if the status is final. Terminal rows are
// immutable; a recurring step's next run is a new row.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Meta carries typed per-job metadata. Stored as JSON in the metadata
// column; the recurring flag and interval drive recurrence by insertion.
type Meta struct {
	Recurring       bool              `json:"recurring,omitempty"`
	IntervalMinutes int               `json:"interval_minutes,omitempty"`
	ReminderKind    string            `json:"reminder_kind,omitempty"`
	TemplateID      string            `json:"template_id,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Interval returns the recurrence interval as a duration.
func (m Meta) Interval() time.Duration {
	return time.Duration(m.IntervalMinutes) * time.Minute
}

// IsRecurring reports whether a completed job should schedule a next occurrence.
func (m Meta) IsRecurring() bool {
	return m.Recurring && m.IntervalMinutes > 0
}

// MarshalMeta converts Meta to a JSON string for storage
func MarshalMeta(m Meta) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal job metadata")
	}
	return string(data), nil
}

// UnmarshalMeta converts a JSON string to Meta
func UnmarshalMeta(data string) (Meta, error) {
	var m Meta
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return m, errors.Wrap(err, "failed to unmarshal job metadata")
	}
	return m, nil
}

// Job represents one scheduled unit of automation work tied to a lead
// and a named step.
type Job struct {
	ID          string    `json:"id"`
	LeadID      string    `json:"lead_id"`
	Type        Type      `json:"workflow_type"`
	StepName    string    `json:"step_name"`
	Status      Status    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Meta        Meta      `json:"metadata,omitempty"`
	RetryCount  int       `json:"retry_count,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewJob creates a pending job for the given lead, workflow type and step.
func NewJob(leadID string, workflowType Type, stepName string, scheduledAt time.Time, meta Meta) (*Job, error) {
	if leadID == "" {
		return nil, errors.NewValidationError("lead id cannot be empty")
	}
	if !IsValidType(string(workflowType)) {
		return nil, errors.NewValidationError("unknown workflow type %q", workflowType)
	}
	if stepName == "" {
		return nil, errors.NewValidationError("step name cannot be empty")
	}
	if scheduledAt.IsZero() {
		return nil, errors.NewValidationError("scheduled time cannot be zero")
	}

	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		Type:        workflowType,
		StepName:    stepName,
		Status:      StatusPending,
		ScheduledAt: scheduledAt.UTC(),
		Meta:        meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IsDue reports whether the job should be picked up at the given time.
func (j *Job) IsDue(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledAt.After(now)
}
