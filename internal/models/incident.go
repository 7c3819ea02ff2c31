package models

import "time"

// IncidentStatus tracks the lifecycle of an incident. Resolved and
// false_positive are terminal; incidents are never deleted so their entities
// stay queryable for recurrence detection.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusAcknowledged  IncidentStatus = "acknowledged"
	StatusContained     IncidentStatus = "contained"
	StatusResolved      IncidentStatus = "resolved"
	StatusFalsePositive IncidentStatus = "false_positive"
)

// IsValid checks if the status is a known lifecycle state.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusContained, StatusResolved, StatusFalsePositive:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s IncidentStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// validTransitions maps each status to its allowed successors.
var validTransitions = map[IncidentStatus][]IncidentStatus{
	StatusOpen:         {StatusAcknowledged, StatusContained, StatusResolved, StatusFalsePositive},
	StatusAcknowledged: {StatusContained, StatusResolved, StatusFalsePositive},
	StatusContained:    {StatusResolved, StatusFalsePositive},
}

// CanTransitionTo reports whether a status change is allowed.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TimelineEntry is an append-only record of a status change or annotation.
type TimelineEntry struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	Action  string    `json:"action"` // e.g. "created", "acknowledged", "merged_chain", "escalated"
	Details string    `json:"details,omitempty"`
}

// Incident is the actionable, human/automation-facing record produced by the
// incident manager. Only the manager mutates Status and Timeline.
type Incident struct {
	ID              string          `json:"id"`
	Status          IncidentStatus  `json:"status"`
	Title           string          `json:"title"`
	SourceChainRefs []string        `json:"source_chain_refs"`
	Entities        []string        `json:"entities"`
	Techniques      []string        `json:"techniques"`
	Severity        Severity        `json:"severity"`
	Assignee        string          `json:"assignee,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUpdatedAt   time.Time       `json:"last_updated_at"`
	Timeline        []TimelineEntry `json:"timeline"`
	Version         int             `json:"version"` // bumped on every timeline append, for sink dedupe
}

// SharesEntity reports whether the incident references the given entity key.
func (i *Incident) SharesEntity(entityKey string) bool {
	for _, e := range i.Entities {
		if e == entityKey {
			return true
		}
	}
	return false
}

// SharesTechnique reports whether the incident references the given
// technique key.
func (i *Incident) SharesTechnique(technique string) bool {
	for _, t := range i.Techniques {
		if t == technique {
			return true
		}
	}
	return false
}
