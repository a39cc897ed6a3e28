package email

import (
	"context"

	"go.uber.org/zap"
)

// LogSender logs messages instead of delivering them. It is the fallback
// when SMTP is not configured, which is the norm for local development —
// reset and verification links show up in the service log.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender backed by the given logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and reports success.
func (l *LogSender) Send(_ context.Context, to, subject, body string) error {
	l.logger.Info("email (logged, not delivered)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
