package detector

import (
	"context"
	"sync/atomic"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// SignatureDetector evaluates a rule database of deterministic boolean
// predicates against each event. The rule database is hot-swappable via
// atomic pointer; evaluation never observes a partially updated set.
type SignatureDetector struct {
	meta  Metadata
	rules atomic.Pointer[RuleSet]
}

// NewSignatureDetector creates a signature detector over the given rules.
func NewSignatureDetector(rules *RuleSet) *SignatureDetector {
	d := &SignatureDetector{
		meta: Metadata{
			ID:      "signature",
			Version: "1.0.0",
			Type:    models.DetectorTypeSignature,
		},
	}
	if rules == nil {
		rules = &RuleSet{}
	}
	d.rules.Store(rules)
	return d
}

// Meta returns the detector identity.
func (d *SignatureDetector) Meta() Metadata {
	return d.meta
}

// SetRules swaps the active rule database.
func (d *SignatureDetector) SetRules(rules *RuleSet) {
	if rules != nil {
		d.rules.Store(rules)
	}
}

// Detect evaluates every in-scope rule against the event. Matching rules
// emit their declared severity and confidence verbatim.
func (d *SignatureDetector) Detect(_ context.Context, event *models.SecurityEvent, _ *Context) ([]models.Detection, error) {
	rules := d.rules.Load()

	var detections []models.Detection
	for i := range rules.Rules {
		rule := &rules.Rules[i]
		if !rule.appliesTo(event) || !rule.Match.Evaluate(event) {
			continue
		}
		detections = append(detections, models.Detection{
			EventRefs: []string{event.ID},
			Technique: models.Technique{
				Tactic: rule.Tactic,
				ID:     rule.TechniqueID,
				Name:   rule.Name,
			},
			Confidence: rule.Confidence,
			Severity:   rule.Severity,
			Entities:   event.Entities,
			Timestamp:  event.Timestamp,
			Summary:    "rule " + rule.ID + " matched",
		})
	}
	return detections, nil
}
