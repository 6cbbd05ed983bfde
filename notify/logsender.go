package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogEmailSender is a dry-run EmailSender that logs instead of
// delivering. Used by the daemon until a real provider is wired in, and
// by local development.
type LogEmailSender struct {
	logger *zap.SugaredLogger
}

// NewLogEmailSender creates a logging email sender.
func NewLogEmailSender(logger *zap.SugaredLogger) *LogEmailSender {
	return &LogEmailSender{logger: logger.Named("email")}
}

// Send implements EmailSender.
func (s *LogEmailSender) Send(ctx context.Context, to, templateID string, data map[string]string) (SendResult, error) {
	id := uuid.NewString()
	s.logger.Infow("email (dry run)",
		"to", to,
		"template_id", templateID,
		"data", data,
		"message_id", id,
	)
	return SendResult{Success: true, MessageID: id}, nil
}

// LogSMSSender is the SMS counterpart of LogEmailSender.
type LogSMSSender struct {
	logger *zap.SugaredLogger
}

// NewLogSMSSender creates a logging SMS sender.
func NewLogSMSSender(logger *zap.SugaredLogger) *LogSMSSender {
	return &LogSMSSender{logger: logger.Named("sms")}
}

// Send implements SMSSender.
func (s *LogSMSSender) Send(ctx context.Context, to, body string) (SendResult, error) {
	id := uuid.NewString()
	s.logger.Infow("sms (dry run)",
		"to", to,
		"body", body,
		"message_id", id,
	)
	return SendResult{Success: true, MessageID: id}, nil
}
