package detector

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/huntwire-systems/huntwire/internal/models"
	"github.com/huntwire-systems/huntwire/internal/state"
)

// TrackedField pairs a numeric event attribute with the technique a
// deviation on it indicates.
type TrackedField struct {
	Field     string
	Technique models.Technique
}

// defaultTechniques maps well-known tracked fields to attack techniques.
var defaultTechniques = map[string]models.Technique{
	"login_failures": {Tactic: "credential-access", ID: "T1110", Name: "Brute Force"},
	"bytes_out":      {Tactic: "exfiltration", ID: "T1048", Name: "Exfiltration Over Alternative Protocol"},
	"request_rate":   {Tactic: "impact", ID: "T1498", Name: "Network Denial of Service"},
}

// TrackedFieldsFor builds tracked fields from configured attribute names,
// falling back to a generic anomalous-behavior technique.
func TrackedFieldsFor(fields []string) []TrackedField {
	out := make([]TrackedField, 0, len(fields))
	for _, f := range fields {
		tech, ok := defaultTechniques[f]
		if !ok {
			tech = models.Technique{Tactic: "anomalous-behavior"}
		}
		out = append(out, TrackedField{Field: f, Technique: tech})
	}
	return out
}

// BehavioralConfig tunes the baseline detector.
type BehavioralConfig struct {
	Alpha        float64 // EWMA smoothing factor
	SigmaFactor  float64 // deviations beyond this many sigmas flag
	MinSamples   int     // observations before the baseline is trusted
	Fields       []TrackedField
	BaselineTTL  time.Duration // persistence TTL window
	PersistState bool
}

// BehavioralDetector maintains per-entity exponentially weighted moving
// statistics and flags events whose tracked attributes deviate beyond the
// configured number of standard deviations. Baseline update and evaluation
// are atomic per entity: concurrent events for the same entity serialize on
// the entity's shard lock.
type BehavioralDetector struct {
	meta    Metadata
	cfg     BehavioralConfig
	persist *state.Manager

	shards [behavioralShards]struct {
		mu        sync.Mutex
		baselines map[string]*state.Baseline // entityKey|field -> baseline
	}
}

const behavioralShards = 32

// NewBehavioralDetector creates a behavioral detector. persist may be nil;
// baselines then live only in memory.
func NewBehavioralDetector(cfg BehavioralConfig, persist *state.Manager) *BehavioralDetector {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.2
	}
	if cfg.SigmaFactor <= 0 {
		cfg.SigmaFactor = 3.0
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.BaselineTTL <= 0 {
		cfg.BaselineTTL = time.Hour
	}

	d := &BehavioralDetector{
		meta: Metadata{
			ID:      "behavioral",
			Version: "1.0.0",
			Type:    models.DetectorTypeBehavioral,
		},
		cfg:     cfg,
		persist: persist,
	}
	for i := range d.shards {
		d.shards[i].baselines = make(map[string]*state.Baseline)
	}
	return d
}

// Meta returns the detector identity.
func (d *BehavioralDetector) Meta() Metadata {
	return d.meta
}

// Detect evaluates each tracked attribute of the event against the
// per-entity baseline, updating the baseline in the same critical section.
func (d *BehavioralDetector) Detect(ctx context.Context, event *models.SecurityEvent, _ *Context) ([]models.Detection, error) {
	entityKey := primaryEntity(event)
	if entityKey == "" {
		return nil, nil
	}

	var detections []models.Detection
	for _, tracked := range d.cfg.Fields {
		value, ok := toFloat(event.Attributes[tracked.Field])
		if !ok {
			continue
		}

		deviation, flagged := d.observe(ctx, entityKey, tracked.Field, value)
		if !flagged {
			continue
		}

		detections = append(detections, models.Detection{
			EventRefs:  []string{event.ID},
			Technique:  tracked.Technique,
			Confidence: deviationConfidence(deviation, d.cfg.SigmaFactor),
			Severity:   deviationSeverity(deviation, d.cfg.SigmaFactor),
			Entities:   event.Entities,
			Timestamp:  event.Timestamp,
			Summary:    tracked.Field + " deviates from baseline",
		})
	}
	return detections, nil
}

// observe updates the EWMA baseline for one entity/field pair and returns
// the deviation in sigmas for the observed value against the prior baseline.
func (d *BehavioralDetector) observe(ctx context.Context, entityKey, field string, value float64) (float64, bool) {
	shard := &d.shards[shardFor(entityKey)]
	key := entityKey + "|" + field

	shard.mu.Lock()
	defer shard.mu.Unlock()

	baseline, ok := shard.baselines[key]
	if !ok {
		baseline = d.loadPersisted(ctx, entityKey, field)
		shard.baselines[key] = baseline
	}

	// Evaluate against the baseline before folding the new sample in, so a
	// burst cannot mask itself.
	var deviation float64
	flagged := false
	if baseline.Count >= int64(d.cfg.MinSamples) {
		stddev := math.Sqrt(baseline.Variance)
		if stddev > 0 {
			deviation = math.Abs(value-baseline.Mean) / stddev
			flagged = deviation > d.cfg.SigmaFactor
		} else if value != baseline.Mean {
			// Constant history: any change is maximally surprising.
			deviation = d.cfg.SigmaFactor * 2
			flagged = true
		}
	}

	if baseline.Count == 0 {
		// First sample seeds the mean; folding it into a zero baseline
		// would inflate variance for the whole warm-up.
		baseline.Mean = value
		baseline.Variance = 0
	} else {
		diff := value - baseline.Mean
		incr := d.cfg.Alpha * diff
		baseline.Mean += incr
		baseline.Variance = (1 - d.cfg.Alpha) * (baseline.Variance + diff*incr)
	}
	baseline.Count++
	baseline.LastUpdated = time.Now().Unix()

	if d.cfg.PersistState && d.persist != nil && d.persist.IsEnabled() {
		// Best effort; a failed snapshot only costs warm-up after restart.
		_ = d.persist.PutBaseline(ctx, d.meta.ID, entityKey, field, baseline, d.cfg.BaselineTTL)
	}

	return deviation, flagged
}

func (d *BehavioralDetector) loadPersisted(ctx context.Context, entityKey, field string) *state.Baseline {
	if d.cfg.PersistState && d.persist != nil && d.persist.IsEnabled() {
		if b, err := d.persist.GetBaseline(ctx, d.meta.ID, entityKey, field); err == nil {
			return b
		}
	}
	return &state.Baseline{}
}

// primaryEntity picks the entity a baseline is keyed on, preferring user
// over host over IP.
func primaryEntity(event *models.SecurityEvent) string {
	for _, role := range []string{models.EntityUser, models.EntityHost, models.EntityIP} {
		if id := event.Entity(role); id != "" {
			return role + ":" + id
		}
	}
	keys := event.EntityKeys()
	if len(keys) == 0 {
		return ""
	}
	// No preferred role present: take the lexicographic minimum so the
	// same entity map always yields the same baseline key.
	min := keys[0]
	for _, k := range keys[1:] {
		if k < min {
			min = k
		}
	}
	return min
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % behavioralShards)
}

// deviationConfidence maps sigmas-over-threshold to a confidence in
// [0.5, 0.95]. Deterministic so tests can assert exact values.
func deviationConfidence(deviation, sigmaFactor float64) float64 {
	excess := (deviation - sigmaFactor) / sigmaFactor
	conf := 0.5 + 0.3*excess
	if conf > 0.95 {
		conf = 0.95
	}
	if conf < 0.5 {
		conf = 0.5
	}
	return conf
}

func deviationSeverity(deviation, sigmaFactor float64) models.Severity {
	if deviation > sigmaFactor*2 {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}
