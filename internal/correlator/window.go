package correlator

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// WindowState is the lifecycle of a correlation window.
type WindowState string

const (
	StateOpen     WindowState = "open"
	StateExtended WindowState = "extended"
	StateClosed   WindowState = "closed"
)

// Config holds the correlation thresholds. A snapshot is captured per
// window operation so a hot reload never tears a single decision.
type Config struct {
	MaxGap            time.Duration
	ExtendThreshold   time.Duration
	ExtendBy          time.Duration
	MaxWindowDuration time.Duration
	ReorderDelay      time.Duration
	ReopenGrace       time.Duration

	PatternWeight  float64
	TemporalWeight float64
	EntityWeight   float64

	BurstCount  int
	BurstWindow time.Duration
}

// window is the per-pivot-entity state machine accumulating detections
// until closure. Owned exclusively by one shard worker; no internal
// locking.
type window struct {
	id          string
	pivotEntity string
	state       WindowState

	detections []models.Detection
	entities   map[string]bool
	seedSet    map[string]bool // entity set of the seed detection, for overlap scoring

	windowStart  time.Time // earliest member event time
	lastEvent    time.Time // latest member event time
	openedAt     time.Time // wall-clock open, anchors the max duration cap
	deadline     time.Time // wall-clock close deadline
	lastActivity time.Time // wall-clock last absorption
	closedAt     time.Time // wall-clock close, for the reopen grace

	burstFired bool
	degraded   bool
}

// newWindow seeds a window from its first detection.
func newWindow(pivot string, d models.Detection, now time.Time, cfg Config) *window {
	w := &window{
		id:           uuid.Must(uuid.NewV7()).String(),
		pivotEntity:  pivot,
		state:        StateOpen,
		entities:     make(map[string]bool),
		seedSet:      make(map[string]bool),
		windowStart:  d.Timestamp,
		lastEvent:    d.Timestamp,
		openedAt:     now,
		deadline:     now.Add(cfg.MaxGap),
		lastActivity: now,
	}
	for _, key := range d.EntityKeys() {
		w.entities[key] = true
		w.seedSet[key] = true
	}
	w.detections = append(w.detections, d)
	return w
}

// matches decides whether a detection belongs in this window. Any one of
// the three strategies admits it: temporal proximity plus either entity
// overlap or a valid pattern continuation.
func (w *window) matches(d *models.Detection, cfg Config, library *PatternLibrary) bool {
	// Temporal: within maxGap of the window's most recent member.
	gap := d.Timestamp.Sub(w.lastEvent)
	if gap < 0 {
		gap = -gap
	}
	if gap > cfg.MaxGap {
		return false
	}

	// Spatial: shares at least one entity identifier with the window.
	for _, key := range d.EntityKeys() {
		if w.entities[key] {
			return true
		}
	}

	// Pattern: a valid next step in a known tactic sequence still counts
	// without exact key overlap, as long as the pivot identifier appears
	// under any role (the pivot host may surface as an ip entity in a
	// network detection).
	if library.IsNextStep(w.tacticSequence(), d.Technique.Tactic) {
		_, pivotID := splitEntityKey(w.pivotEntity)
		for _, id := range d.Entities {
			if id != "" && id == pivotID {
				return true
			}
		}
	}
	return false
}

// absorb adds a matching detection, extending the deadline when it lands
// near the boundary. Total window span never exceeds MaxWindowDuration.
func (w *window) absorb(d models.Detection, now time.Time, cfg Config) {
	w.detections = append(w.detections, d)
	// Keep members ordered by event time; late arrivals insert backwards.
	sort.SliceStable(w.detections, func(i, j int) bool {
		return w.detections[i].Timestamp.Before(w.detections[j].Timestamp)
	})

	for _, key := range d.EntityKeys() {
		w.entities[key] = true
	}
	if d.Timestamp.After(w.lastEvent) {
		w.lastEvent = d.Timestamp
	}
	if d.Timestamp.Before(w.windowStart) {
		w.windowStart = d.Timestamp
	}
	w.lastActivity = now

	hardStop := w.openedAt.Add(cfg.MaxWindowDuration)

	newDeadline := now.Add(cfg.MaxGap)
	if w.deadline.Sub(now) <= cfg.ExtendThreshold {
		// Near-boundary arrival pushes the deadline out further.
		w.state = StateExtended
		newDeadline = w.deadline.Add(cfg.ExtendBy)
	}
	if newDeadline.After(hardStop) {
		newDeadline = hardStop
	}
	if newDeadline.After(w.deadline) {
		w.deadline = newDeadline
	}
}

// shouldClose reports whether the close timer has fired.
func (w *window) shouldClose(now time.Time, cfg Config) bool {
	if now.Sub(w.lastActivity) > cfg.MaxGap {
		return true
	}
	if !w.openedAt.IsZero() && now.Sub(w.openedAt) >= cfg.MaxWindowDuration {
		return true
	}
	return !now.Before(w.deadline)
}

// tacticSequence returns the ordered tactics observed so far.
func (w *window) tacticSequence() []string {
	seq := make([]string, 0, len(w.detections))
	for i := range w.detections {
		if t := w.detections[i].Technique.Tactic; t != "" {
			seq = append(seq, t)
		}
	}
	return seq
}

// toChain converts the window into an attack chain. Even single-detection
// windows produce a chain; it simply carries lower confidence.
func (w *window) toChain(now time.Time, cfg Config, library *PatternLibrary) *models.AttackChain {
	refs := make([]string, len(w.detections))
	for i := range w.detections {
		refs[i] = w.detections[i].ID
	}

	entities := make([]string, 0, len(w.entities))
	for key := range w.entities {
		entities = append(entities, key)
	}
	sort.Strings(entities)

	chain := &models.AttackChain{
		ID:                    uuid.Must(uuid.NewV7()).String(),
		PivotEntity:           w.pivotEntity,
		DetectionRefs:         refs,
		Detections:            append([]models.Detection(nil), w.detections...),
		Entities:              entities,
		TacticSequence:        w.tacticSequence(),
		WindowStart:           w.windowStart,
		WindowEnd:             w.lastEvent,
		CorrelationConfidence: w.confidence(cfg, library),
		Degraded:              w.degraded,
		CreatedAt:             now,
	}
	return chain
}

// confidence is the normalized weighted sum of pattern coverage, temporal
// clustering density and entity overlap. Deterministic given window
// contents so results stay reproducible for testing.
func (w *window) confidence(cfg Config, library *PatternLibrary) float64 {
	patternScore := library.MatchFraction(w.tacticSequence())
	temporalScore := w.temporalDensity(cfg)
	entityScore := w.entityOverlap()

	total := cfg.PatternWeight + cfg.TemporalWeight + cfg.EntityWeight
	if total <= 0 {
		return 0
	}
	score := (cfg.PatternWeight*patternScore +
		cfg.TemporalWeight*temporalScore +
		cfg.EntityWeight*entityScore) / total
	if score > 1 {
		score = 1
	}
	return score
}

// temporalDensity scores how tightly members cluster relative to maxGap.
// A single detection has no clustering signal and scores 0.
func (w *window) temporalDensity(cfg Config) float64 {
	if len(w.detections) < 2 || cfg.MaxGap <= 0 {
		return 0
	}
	var totalGap time.Duration
	for i := 1; i < len(w.detections); i++ {
		totalGap += w.detections[i].Timestamp.Sub(w.detections[i-1].Timestamp)
	}
	avgGap := totalGap / time.Duration(len(w.detections)-1)
	density := 1 - float64(avgGap)/float64(cfg.MaxGap)
	if density < 0 {
		density = 0
	}
	return density
}

// entityOverlap averages each member's overlap with the seed entity set.
func (w *window) entityOverlap() float64 {
	if len(w.detections) == 0 || len(w.seedSet) == 0 {
		return 0
	}
	var sum float64
	for i := range w.detections {
		keys := w.detections[i].EntityKeys()
		if len(keys) == 0 {
			continue
		}
		shared := 0
		for _, key := range keys {
			if w.seedSet[key] {
				shared++
			}
		}
		sum += float64(shared) / float64(len(keys))
	}
	return sum / float64(len(w.detections))
}
