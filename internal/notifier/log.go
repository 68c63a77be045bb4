package notifier

import (
	"context"

	"github.com/rs/zerolog"
)

// LogTransport writes messages to the log instead of delivering them.
// It stands in for SMTP when no relay is configured.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With().Str("transport", "log").Logger()}
}

func (l *LogTransport) Name() string { return "log" }

func (l *LogTransport) Send(_ context.Context, msg Message) error {
	l.logger.Info().
		Str("alert", msg.AlertID).
		Str("notification_id", msg.ID).
		Strs("to", msg.Addresses).
		Str("subject", msg.Subject).
		Str("body", msg.Body).
		Msg("Would send notification (smtp not configured)")
	return nil
}
