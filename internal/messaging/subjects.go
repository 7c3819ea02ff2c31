package messaging

// Subject constants for the HuntWire message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// Raw event intake - producers publish raw payloads with a source type
	SubjectEventsRaw = "huntwire.events.raw"

	// Incident lifecycle subjects - consumed by notification sinks.
	// Delivery is at-least-once; sinks dedupe by incident_id + version.
	SubjectIncidentsCreated   = "huntwire.incidents.created"
	SubjectIncidentsUpdated   = "huntwire.incidents.updated"
	SubjectIncidentsEscalated = "huntwire.incidents.escalated"

	// Dead-letter subject for incidents that exhausted dispatch retries
	SubjectIncidentsDeadLetter = "huntwire.incidents.deadletter"

	// Operator alert subject for detector fault-rate threshold breaches
	SubjectOperatorDetectorFaults = "huntwire.operator.detector_faults"
)

// Queue group names for load-balanced consumers.
const (
	QueueIngestWorkers = "huntwire-ingest-workers"
)
