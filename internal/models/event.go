// Package models defines the canonical data types flowing through the engine:
// security events, detections, attack chains and incidents.
package models

import "time"

// Source identifies the telemetry domain an event originated from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceEndpoint    Source = "endpoint"
	SourceIdentity    Source = "identity"
	SourceApplication Source = "application"
	SourceEmail       Source = "email"
)

// IsValid checks if the source is a known telemetry domain.
func (s Source) IsValid() bool {
	switch s {
	case SourceNetwork, SourceEndpoint, SourceIdentity, SourceApplication, SourceEmail:
		return true
	default:
		return false
	}
}

// Entity roles used as keys in SecurityEvent.Entities.
const (
	EntityHost    = "host"
	EntityUser    = "user"
	EntityProcess = "process"
	EntitySession = "session"
	EntityIP      = "ip"
	EntityDomain  = "domain"
)

// SecurityEvent is the canonical, immutable unit of input produced by the
// normalizer. Timestamp is the producer-asserted event time; IngestedAt is
// when the engine accepted the event. Both are retained because clock skew
// between producers matters for correlation.
type SecurityEvent struct {
	ID         string                 `json:"id"` // UUIDv7, monotonic-sortable
	Timestamp  time.Time              `json:"timestamp"`
	IngestedAt time.Time              `json:"ingested_at"`
	Source     Source                 `json:"source"`
	Entities   map[string]string      `json:"entities"` // role -> entity id
	Attributes map[string]interface{} `json:"attributes"`
	Raw        []byte                 `json:"raw,omitempty"` // opaque original payload for forensic replay
}

// Entity returns the identifier for a given role, or "" if absent.
func (e *SecurityEvent) Entity(role string) string {
	return e.Entities[role]
}

// EntityKeys returns the set of "role:id" pairs for the event, used as
// correlation keys.
func (e *SecurityEvent) EntityKeys() []string {
	keys := make([]string, 0, len(e.Entities))
	for role, id := range e.Entities {
		if id != "" {
			keys = append(keys, role+":"+id)
		}
	}
	return keys
}
