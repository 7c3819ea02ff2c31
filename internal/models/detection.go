package models

import "time"

// Severity levels for detections and incidents.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// IsValid checks if the severity is a known level.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the numeric ordering of the severity (higher is worse).
// Unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// DetectorType classifies the detection strategy.
type DetectorType string

const (
	DetectorTypeSignature  DetectorType = "signature"
	DetectorTypeRule       DetectorType = "rule"
	DetectorTypeBehavioral DetectorType = "behavioral"
	DetectorTypeAnomaly    DetectorType = "anomaly"
	DetectorTypeML         DetectorType = "ml"
	DetectorTypeDerived    DetectorType = "derived" // synthesized by the correlator
)

// Technique is a MITRE ATT&CK style taxonomy tag describing the stage and
// method of an attack step.
type Technique struct {
	Tactic string `json:"tactic"` // e.g. "credential-access"
	ID     string `json:"id"`     // e.g. "T1110"
	Name   string `json:"name,omitempty"`
}

// Key returns a stable identifier for dedupe and pattern matching. The
// technique ID wins when present, otherwise the tactic name.
func (t Technique) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Tactic
}

// Detection is the output of one detector on one event or event window.
// Confidence and Severity are independently settable: a high-confidence
// low-severity detection is valid, and vice versa.
type Detection struct {
	ID              string            `json:"id"`
	DetectorID      string            `json:"detector_id"`
	DetectorVersion string            `json:"detector_version,omitempty"`
	DetectorType    DetectorType      `json:"detector_type"`
	EventRefs       []string          `json:"event_refs"` // ordered SecurityEvent IDs, at least one
	Technique       Technique         `json:"technique"`
	Confidence      float64           `json:"confidence"` // 0..1
	Severity        Severity          `json:"severity"`
	Entities        map[string]string `json:"entities"`
	Timestamp       time.Time         `json:"timestamp"`  // event time the detection refers to
	CreatedAt       time.Time         `json:"created_at"` // when the detector emitted it
	Summary         string            `json:"summary,omitempty"`
	LateArrival     bool              `json:"late_arrival,omitempty"`
	Enrichment      *Enrichment       `json:"enrichment,omitempty"`
}

// Enrichment carries contextual intelligence attached by the scorer.
// Partial is set when one or more provider lookups timed out; partial
// enrichment is representable state, not an error.
type Enrichment struct {
	AssetCriticality string             `json:"asset_criticality,omitempty"`
	Reputation       map[string]string  `json:"reputation,omitempty"` // entity key -> verdict
	Modifiers        map[string]float64 `json:"modifiers,omitempty"`  // applied confidence adjustments
	Partial          bool               `json:"partial,omitempty"`
}

// DedupeKey identifies near-identical detections: the same detector firing
// the same technique on the same event set must not be recorded twice.
func (d *Detection) DedupeKey() string {
	key := d.DetectorID + "|" + d.Technique.Key()
	for _, ref := range d.EventRefs {
		key += "|" + ref
	}
	return key
}

// EntityKeys returns the "role:id" pairs carried by the detection.
func (d *Detection) EntityKeys() []string {
	keys := make([]string, 0, len(d.Entities))
	for role, id := range d.Entities {
		if id != "" {
			keys = append(keys, role+":"+id)
		}
	}
	return keys
}

// SharesEntity reports whether two detections reference at least one common
// entity identifier.
func (d *Detection) SharesEntity(other *Detection) bool {
	for role, id := range d.Entities {
		if id != "" && other.Entities[role] == id {
			return true
		}
	}
	// Cross-role matches count too: the same host may appear as "host" in an
	// endpoint event and as "ip" in a network event's entity map.
	for _, id := range d.Entities {
		if id == "" {
			continue
		}
		for _, otherID := range other.Entities {
			if otherID == id {
				return true
			}
		}
	}
	return false
}
