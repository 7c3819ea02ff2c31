package dispatch

import (
	"context"

	"github.com/huntwire-systems/huntwire/internal/incident"
	"github.com/huntwire-systems/huntwire/internal/logging"
)

// LogSink writes notifications to the structured log. Used when no broker
// is configured so incident activity is still observable.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(log *logging.Logger) *LogSink {
	return &LogSink{log: log}
}

// Name identifies the sink in logs and metrics.
func (s *LogSink) Name() string {
	return "log"
}

// Deliver logs the notification. Never fails.
func (s *LogSink) Deliver(_ context.Context, n incident.Notification) error {
	s.log.Info("incident notification",
		logging.Component("dispatch"),
		logging.IncidentID(n.Incident.ID),
		"kind", n.Kind,
		"severity", string(n.Incident.Severity),
		"title", n.Incident.Title,
		"version", n.Incident.Version)
	return nil
}
