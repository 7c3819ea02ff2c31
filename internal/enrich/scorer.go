package enrich

import (
	"context"
	"strings"
	"time"

	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/metrics"
	"github.com/huntwire-systems/huntwire/internal/models"
)

// Confidence modifiers applied per reputation verdict. Recorded on the
// detection so scoring stays reproducible.
const (
	modifierMalicious  = 0.2
	modifierSuspicious = 0.1
	modifierAllowlist  = -0.3
)

// AuditRecorder receives detections suppressed at the confidence floor so
// they stay available for tuning even though they never reach correlation.
type AuditRecorder interface {
	RecordSuppressedDetection(ctx context.Context, detection *models.Detection, reason string) error
}

// Config tunes the scorer.
type Config struct {
	LookupTimeout   time.Duration
	ConfidenceFloor float64
	DedupeWindow    time.Duration
}

// Scorer deduplicates detections, attaches intelligence context and
// recomputes confidence.
type Scorer struct {
	log       *logging.Logger
	cfg       Config
	providers []IntelligenceProvider
	audit     AuditRecorder
}

// NewScorer creates a scorer. audit may be nil; suppressions are then only
// logged.
func NewScorer(log *logging.Logger, cfg Config, audit AuditRecorder, providers ...IntelligenceProvider) *Scorer {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 500 * time.Millisecond
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Minute
	}
	return &Scorer{
		log:       log,
		cfg:       cfg,
		providers: providers,
		audit:     audit,
	}
}

// Enrich consolidates near-identical detections, attaches context and
// recomputes confidence. Detections falling below the confidence floor are
// dropped and audited; everything else passes through enriched.
func (s *Scorer) Enrich(ctx context.Context, detections []models.Detection) []models.Detection {
	consolidated := s.consolidate(detections)

	out := make([]models.Detection, 0, len(consolidated))
	for i := range consolidated {
		d := &consolidated[i]
		s.applyContext(ctx, d)

		if d.Confidence < s.cfg.ConfidenceFloor {
			metrics.DetectionsSuppressed.Inc()
			s.log.Info("detection suppressed at confidence floor",
				logging.DetectorID(d.DetectorID),
				logging.Technique(d.Technique.Key()),
				logging.Component("enrich"))
			if s.audit != nil {
				_ = s.audit.RecordSuppressedDetection(ctx, d, "below_confidence_floor")
			}
			continue
		}
		out = append(out, *d)
	}
	return out
}

// consolidate merges near-identical detections: same detector, same
// technique, same primary entity, timestamps within the dedupe window. The
// highest-confidence instance survives with event refs merged in.
func (s *Scorer) consolidate(detections []models.Detection) []models.Detection {
	type slot struct{ index int }
	kept := make([]models.Detection, 0, len(detections))
	byKey := make(map[string]slot, len(detections))

	for i := range detections {
		d := detections[i]
		key := d.DetectorID + "|" + d.Technique.Key() + "|" + firstEntity(&d)

		existing, ok := byKey[key]
		if !ok {
			byKey[key] = slot{index: len(kept)}
			kept = append(kept, d)
			continue
		}

		prev := &kept[existing.index]
		gap := d.Timestamp.Sub(prev.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap > s.cfg.DedupeWindow {
			// Far apart in time: treat as distinct activity.
			byKey[key] = slot{index: len(kept)}
			kept = append(kept, d)
			continue
		}

		merged := mergeRefs(prev.EventRefs, d.EventRefs)
		if d.Confidence > prev.Confidence {
			d.EventRefs = merged
			*prev = d
		} else {
			prev.EventRefs = merged
		}
	}
	return kept
}

// applyContext looks up reputation for each entity and folds the modifiers
// into the detection's confidence. Timeouts degrade to partial enrichment.
func (s *Scorer) applyContext(ctx context.Context, d *models.Detection) {
	enrichment := &models.Enrichment{
		Reputation: make(map[string]string),
		Modifiers:  make(map[string]float64),
	}

	for role, id := range d.Entities {
		if id == "" {
			continue
		}
		result, ok := s.lookup(ctx, role, id)
		if !ok {
			enrichment.Partial = true
			continue
		}
		if result.Verdict != VerdictNoData {
			enrichment.Reputation[role+":"+id] = string(result.Verdict)
		}
		if crit := result.AssetCriticality; crit != "" {
			if rankCriticality(crit) > rankCriticality(enrichment.AssetCriticality) {
				enrichment.AssetCriticality = crit
			}
		}

		switch result.Verdict {
		case VerdictMalicious:
			enrichment.Modifiers[role+":"+id] = modifierMalicious
		case VerdictSuspicious:
			enrichment.Modifiers[role+":"+id] = modifierSuspicious
		case VerdictAllowlist:
			enrichment.Modifiers[role+":"+id] = modifierAllowlist
		}
	}

	for _, m := range enrichment.Modifiers {
		d.Confidence += m
	}
	d.Confidence = clamp01(d.Confidence)

	// Crown-jewel assets escalate severity one level.
	if rankCriticality(enrichment.AssetCriticality) >= rankCriticality("crown_jewel") {
		d.Severity = bumpSeverity(d.Severity)
	}

	d.Enrichment = enrichment
}

// lookup queries providers in order until one returns data. The second
// return is false when every provider timed out or failed.
func (s *Scorer) lookup(ctx context.Context, entityType, entityID string) (ReputationResult, bool) {
	answered := false
	best := ReputationResult{Verdict: VerdictNoData}

	for _, provider := range s.providers {
		lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
		result, err := provider.Lookup(lookupCtx, entityType, entityID)
		cancel()

		if err != nil {
			if lookupCtx.Err() != nil {
				metrics.EnrichmentTimeouts.WithLabelValues(provider.Name()).Inc()
			}
			continue
		}
		answered = true
		if result.Verdict != VerdictNoData {
			return result, true
		}
		if result.AssetCriticality != "" {
			best = result
		}
	}
	return best, answered
}

func firstEntity(d *models.Detection) string {
	keys := d.EntityKeys()
	if len(keys) == 0 {
		return ""
	}
	// Deterministic choice independent of map iteration order.
	min := keys[0]
	for _, k := range keys[1:] {
		if strings.Compare(k, min) < 0 {
			min = k
		}
	}
	return min
}

func mergeRefs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, ref := range append(append([]string{}, a...), b...) {
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

func rankCriticality(c string) int {
	switch c {
	case "crown_jewel":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

func bumpSeverity(s models.Severity) models.Severity {
	switch s {
	case models.SeverityLow:
		return models.SeverityMedium
	case models.SeverityMedium:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
