// Package notify defines the outbound notification contracts, the
// append-only notification audit log and the dedup guard.
package notify

import "context"

// Method is the delivery channel of a notification.
type Method string

const (
	MethodEmail Method = "email"
	MethodSMS   Method = "sms"
)

// SendResult reports a provider send outcome. Exactly-once delivery to
// the provider is out of scope; providers may double-send on network
// ambiguity.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"` // provider message id / SMS sid
	Error     string `json:"error,omitempty"`
}

// EmailSender sends a templated email. Implemented by the excluded
// SMTP client wrapper.
type EmailSender interface {
	Send(ctx context.Context, to, templateID string, data map[string]string) (SendResult, error)
}

// SMSSender sends a text message. Implemented by the excluded Twilio
// client wrapper.
type SMSSender interface {
	Send(ctx context.Context, to, body string) (SendResult, error)
}
