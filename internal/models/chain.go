package models

import "time"

// AttackChain is a correlator-produced aggregate: a time-bounded,
// entity-linked sequence of detections representing a candidate multi-stage
// attack. A chain of length 1 is valid and simply carries lower
// correlation confidence.
type AttackChain struct {
	ID                    string      `json:"id"`
	PivotEntity           string      `json:"pivot_entity"` // "role:id" the window was keyed on
	DetectionRefs         []string    `json:"detection_refs"`
	Detections            []Detection `json:"detections"` // ordered by event time
	Entities              []string    `json:"entities"`   // union of member entity keys
	TacticSequence        []string    `json:"tactic_sequence"`
	WindowStart           time.Time   `json:"window_start"`
	WindowEnd             time.Time   `json:"window_end"`
	CorrelationConfidence float64     `json:"correlation_confidence"`
	Degraded              bool        `json:"degraded,omitempty"` // closed early after state corruption
	CreatedAt             time.Time   `json:"created_at"`
}

// MaxSeverity returns the highest severity among member detections.
func (c *AttackChain) MaxSeverity() Severity {
	max := SeverityLow
	for i := range c.Detections {
		max = MaxSeverity(max, c.Detections[i].Severity)
	}
	return max
}

// Techniques returns the distinct technique keys observed in the chain.
func (c *AttackChain) Techniques() []string {
	seen := make(map[string]bool, len(c.Detections))
	keys := make([]string, 0, len(c.Detections))
	for i := range c.Detections {
		k := c.Detections[i].Technique.Key()
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// SharesEntity reports whether the chain references the given entity key.
func (c *AttackChain) SharesEntity(entityKey string) bool {
	for _, e := range c.Entities {
		if e == entityKey {
			return true
		}
	}
	return false
}
