package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/huntwire-systems/huntwire/internal/incident"
	"github.com/huntwire-systems/huntwire/internal/messaging"
)

// notificationPayload is the wire form published to the incident subjects.
// Consumers dedupe on incident_id + version since delivery is
// at-least-once.
type notificationPayload struct {
	Kind     string      `json:"kind"`
	Incident interface{} `json:"incident"`
}

// NATSSink publishes incident notifications on the message bus, routed by
// notification kind.
type NATSSink struct {
	publisher messaging.Publisher
}

// NewNATSSink creates a sink over an established publisher.
func NewNATSSink(publisher messaging.Publisher) *NATSSink {
	return &NATSSink{publisher: publisher}
}

// Name identifies the sink in logs and metrics.
func (s *NATSSink) Name() string {
	return "nats"
}

// Deliver publishes the notification to its lifecycle subject.
func (s *NATSSink) Deliver(ctx context.Context, n incident.Notification) error {
	data, err := json.Marshal(notificationPayload{Kind: n.Kind, Incident: n.Incident})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := messaging.SubjectIncidentsUpdated
	switch n.Kind {
	case "created":
		subject = messaging.SubjectIncidentsCreated
	case "escalated":
		subject = messaging.SubjectIncidentsEscalated
	}
	return s.publisher.Publish(ctx, subject, data)
}

// NewNATSDeadLetter returns a DeadLetterFunc publishing exhausted
// notifications to the dead-letter subject. Publish failures here are
// swallowed; the dead-letter queue is best effort by definition.
func NewNATSDeadLetter(publisher messaging.Publisher) DeadLetterFunc {
	return func(ctx context.Context, sink string, n incident.Notification) {
		data, err := json.Marshal(struct {
			Sink string `json:"sink"`
			notificationPayload
		}{Sink: sink, notificationPayload: notificationPayload{Kind: n.Kind, Incident: n.Incident}})
		if err != nil {
			return
		}
		_ = publisher.Publish(ctx, messaging.SubjectIncidentsDeadLetter, data)
	}
}
