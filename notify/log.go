package notify

import (
	"context"
	"log/slog"

	"github.com/peerproof/referral-registry/interfaces"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(_ context.Context, n interfaces.Notification) error {
	attrs := []any{
		"eventID", n.EventID,
		"kind", n.Kind,
		"id", n.RecordID,
		"referrer", n.Referrer,
		"referee", n.Referee,
		"status", n.Status,
	}
	if n.Reason != "" {
		attrs = append(attrs, "reason", n.Reason)
	}
	s.log.Info("registry event", attrs...)
	return nil
}

func (s *LogSink) Name() string {
	return "log"
}
