package detector

import (
	"context"
	"sync/atomic"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// Scorer is the black-box contract for anomaly and ML models: score an
// event in [0,1], higher meaning more anomalous. Keeping the model behind
// this single function enables hot-swap and retraining without touching the
// pipeline.
type Scorer interface {
	Score(ctx context.Context, event *models.SecurityEvent, dctx *Context) (float64, error)
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(ctx context.Context, event *models.SecurityEvent, dctx *Context) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, event *models.SecurityEvent, dctx *Context) (float64, error) {
	return f(ctx, event, dctx)
}

// AttributeScorer reads a precomputed score from an event attribute, for
// deployments where an upstream model annotates events before ingestion.
// Events without the attribute score zero.
func AttributeScorer(field string) Scorer {
	return ScorerFunc(func(_ context.Context, event *models.SecurityEvent, _ *Context) (float64, error) {
		v, ok := event.Attributes[field].(float64)
		if !ok {
			return 0, nil
		}
		if v < 0 {
			return 0, nil
		}
		if v > 1 {
			return 1, nil
		}
		return v, nil
	})
}

// AnomalyDetector wraps a scoring function and emits a detection when the
// score crosses the configured threshold.
type AnomalyDetector struct {
	meta      Metadata
	threshold float64
	scorer    atomic.Pointer[Scorer]
}

// NewAnomalyDetector creates an anomaly detector around the given scorer.
func NewAnomalyDetector(id string, threshold float64, scorer Scorer) *AnomalyDetector {
	d := &AnomalyDetector{
		meta: Metadata{
			ID:      id,
			Version: "1.0.0",
			Type:    models.DetectorTypeAnomaly,
		},
		threshold: threshold,
	}
	d.scorer.Store(&scorer)
	return d
}

// Meta returns the detector identity.
func (d *AnomalyDetector) Meta() Metadata {
	return d.meta
}

// SwapScorer replaces the model without interrupting the pipeline.
func (d *AnomalyDetector) SwapScorer(scorer Scorer) {
	d.scorer.Store(&scorer)
}

// Detect scores the event and emits a single detection when the score
// reaches the threshold. Confidence is the score itself.
func (d *AnomalyDetector) Detect(ctx context.Context, event *models.SecurityEvent, dctx *Context) ([]models.Detection, error) {
	scorer := *d.scorer.Load()

	score, err := scorer.Score(ctx, event, dctx)
	if err != nil {
		return nil, err
	}
	if score < d.threshold {
		return nil, nil
	}

	severity := models.SeverityLow
	if score >= 0.9 {
		severity = models.SeverityMedium
	}

	return []models.Detection{{
		EventRefs:  []string{event.ID},
		Technique:  models.Technique{Tactic: "anomalous-behavior"},
		Confidence: score,
		Severity:   severity,
		Entities:   event.Entities,
		Timestamp:  event.Timestamp,
		Summary:    "anomaly score above threshold",
	}}, nil
}
