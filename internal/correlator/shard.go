package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/metrics"
	"github.com/huntwire-systems/huntwire/internal/models"
	"github.com/huntwire-systems/huntwire/internal/state"
)

// pendingDetection is a reorder-buffer entry: the detection plus its
// wall-clock arrival, which gates admission.
type pendingDetection struct {
	detection models.Detection
	arrivedAt time.Time
}

// windowPayload is the serialized window content persisted per mutation.
type windowPayload struct {
	WindowStart time.Time          `json:"window_start"`
	LastEvent   time.Time          `json:"last_event"`
	OpenedAt    time.Time          `json:"opened_at"`
	Detections  []models.Detection `json:"detections"`
}

// shard owns the correlation windows for a subset of pivot entities. All
// mutation happens on the shard's worker goroutine, so detections sharing
// an entity are serialized by construction while shards run in parallel.
type shard struct {
	log     *logging.Logger
	cfg     func() Config
	library func() *PatternLibrary
	persist *state.Manager
	out     chan<- *models.AttackChain

	windows   map[string]*window // pivot -> OPEN/EXTENDED window
	closed    map[string]*window // pivot -> CLOSED window inside the reopen grace
	pending   []pendingDetection // reorder buffer, sorted by event time
	highWater time.Time          // newest admitted event timestamp
	bursts    map[string][]time.Time
	paused    bool
}

func newShard(log *logging.Logger, cfg func() Config, library func() *PatternLibrary, persist *state.Manager, out chan<- *models.AttackChain) *shard {
	return &shard{
		log:     log,
		cfg:     cfg,
		library: library,
		persist: persist,
		out:     out,
		windows: make(map[string]*window),
		closed:  make(map[string]*window),
		bursts:  make(map[string][]time.Time),
	}
}

// enqueue places a detection into the reorder buffer. Admission happens on
// tick once the bounded reorder delay has elapsed, tolerating out-of-order
// arrival from network jitter.
func (s *shard) enqueue(d models.Detection, now time.Time) {
	entry := pendingDetection{detection: d, arrivedAt: now}
	idx := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].detection.Timestamp.After(d.Timestamp)
	})
	s.pending = append(s.pending, pendingDetection{})
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = entry
}

// tick advances the shard: retries a paused state store, admits matured
// detections, closes expired windows and hands off chains whose reopen
// grace has elapsed.
func (s *shard) tick(ctx context.Context, now time.Time) {
	cfg := s.cfg()

	if s.paused {
		if err := s.persist.Ping(ctx); err != nil {
			return // correlation stays paused; detections keep queueing
		}
		s.paused = false
		s.log.Info("window state store recovered, resuming correlation",
			logging.Component("correlator"))
	}

	// Admit matured detections in event-time order.
	admitted := 0
	for _, entry := range s.pending {
		if now.Sub(entry.arrivedAt) < cfg.ReorderDelay {
			break
		}
		s.admit(ctx, entry.detection, now, cfg)
		admitted++
	}
	s.pending = s.pending[admitted:]

	// Close windows whose timer fired.
	for pivot, w := range s.windows {
		if w.shouldClose(now, cfg) {
			s.closeWindow(ctx, pivot, w, now)
		}
	}

	// Hand off closed windows once the reopen grace has elapsed.
	for pivot, w := range s.closed {
		if now.Sub(w.closedAt) >= cfg.ReopenGrace {
			delete(s.closed, pivot)
			s.emit(ctx, w, now, cfg)
		}
	}
}

// admit runs window-matching for one detection.
func (s *shard) admit(ctx context.Context, d models.Detection, now time.Time, cfg Config) {
	if s.paused {
		// Re-buffer: correlation is paused until the state store returns.
		s.pending = append([]pendingDetection{{detection: d, arrivedAt: now}}, s.pending...)
		return
	}

	// Arrivals behind the already-admitted high-water mark missed the
	// reorder buffer; they still correlate but are flagged.
	if !s.highWater.IsZero() && d.Timestamp.Before(s.highWater.Add(-cfg.ReorderDelay)) {
		d.LateArrival = true
		metrics.LateArrivals.Inc()
	}
	if d.Timestamp.After(s.highWater) {
		s.highWater = d.Timestamp
	}

	s.trackBurst(ctx, &d, now, cfg)

	// A late arrival may retroactively reopen a just-closed window within
	// the grace period - the one exception to CLOSED being terminal.
	if d.LateArrival {
		for pivot, w := range s.closed {
			if w.matches(&d, cfg, s.library()) {
				delete(s.closed, pivot)
				w.state = StateOpen
				w.closedAt = time.Time{}
				s.windows[pivot] = w
				metrics.WindowsOpen.Inc()
				break
			}
		}
	}

	// Absorb into the first open window the detection matches.
	for _, w := range s.windows {
		if w.matches(&d, cfg, s.library()) {
			w.absorb(d, now, cfg)
			s.persistWindow(ctx, w, cfg)
			return
		}
	}

	// No match: the detection seeds a new window on its primary entity.
	pivot := primaryEntityOf(&d)
	if pivot == "" {
		return
	}
	if existing, ok := s.windows[pivot]; ok {
		// A same-pivot window the detection cannot join is stale in event
		// time. Close it out rather than losing it to the new seed.
		if prev, ok := s.closed[pivot]; ok {
			delete(s.closed, pivot)
			s.emit(ctx, prev, now, cfg)
		}
		s.closeWindow(ctx, pivot, existing, now)
	}
	if restored := s.restoreWindow(ctx, pivot, now, cfg); restored != nil {
		if restored.matches(&d, cfg, s.library()) {
			restored.absorb(d, now, cfg)
			s.persistWindow(ctx, restored, cfg)
			return
		}
	}

	w := newWindow(pivot, d, now, cfg)
	s.windows[pivot] = w
	metrics.WindowsOpen.Inc()
	s.persistWindow(ctx, w, cfg)
}

// trackBurst feeds the statistical correlation rule: unusually many
// detections for one entity in a short span synthesize a derived detection
// that joins the same window-matching flow.
func (s *shard) trackBurst(ctx context.Context, d *models.Detection, now time.Time, cfg Config) {
	if cfg.BurstCount <= 0 || d.DetectorType == models.DetectorTypeDerived {
		return
	}

	for _, key := range d.EntityKeys() {
		times := append(s.bursts[key], d.Timestamp)
		cutoff := d.Timestamp.Add(-cfg.BurstWindow)
		start := 0
		for start < len(times) && times[start].Before(cutoff) {
			start++
		}
		times = times[start:]

		if len(times) >= cfg.BurstCount {
			s.bursts[key] = nil
			derived := s.synthesizeBurst(key, d, len(times))
			s.admit(ctx, derived, now, cfg)
		} else {
			s.bursts[key] = times
		}
	}
}

func (s *shard) synthesizeBurst(entityKey string, last *models.Detection, count int) models.Detection {
	role, id := splitEntityKey(entityKey)
	return models.Detection{
		ID:           newDetectionID(),
		DetectorID:   "correlator.rate",
		DetectorType: models.DetectorTypeDerived,
		EventRefs:    last.EventRefs,
		Technique:    models.Technique{Tactic: "suspicious-volume"},
		Confidence:   0.6,
		Severity:     models.SeverityMedium,
		Entities:     map[string]string{role: id},
		Timestamp:    last.Timestamp,
		CreatedAt:    time.Now().UTC(),
		Summary:      fmt.Sprintf("%d detections for %s inside burst window", count, entityKey),
	}
}

// closeWindow transitions a window to CLOSED and parks it for the reopen
// grace period before handoff.
func (s *shard) closeWindow(ctx context.Context, pivot string, w *window, now time.Time) {
	w.state = StateClosed
	w.closedAt = now
	delete(s.windows, pivot)
	s.closed[pivot] = w
	metrics.WindowsOpen.Dec()

	if s.persist.IsEnabled() {
		_ = s.persist.DeleteWindow(ctx, pivot)
	}
}

// emit converts a window to an attack chain and hands it downstream.
func (s *shard) emit(ctx context.Context, w *window, now time.Time, cfg Config) {
	chain := w.toChain(now, cfg, s.library())
	outcome := "closed"
	if chain.Degraded {
		outcome = "degraded"
	}
	metrics.ChainsTotal.WithLabelValues(outcome).Inc()

	select {
	case s.out <- chain:
	case <-ctx.Done():
	}
}

// persistWindow snapshots window state. A write failure pauses the shard
// rather than risking corrupted correlation output.
func (s *shard) persistWindow(ctx context.Context, w *window, cfg Config) {
	if !s.persist.IsEnabled() {
		return
	}

	payload, err := json.Marshal(windowPayload{
		WindowStart: w.windowStart,
		LastEvent:   w.lastEvent,
		OpenedAt:    w.openedAt,
		Detections:  w.detections,
	})
	if err != nil {
		return
	}

	snapshot := &state.WindowSnapshot{
		WindowID:     w.id,
		PivotEntity:  w.pivotEntity,
		State:        string(w.state),
		Payload:      payload,
		LastActivity: w.lastActivity.Unix(),
	}
	if err := s.persist.PutWindow(ctx, snapshot, cfg.MaxWindowDuration*2); err != nil {
		s.paused = true
		s.log.Error("window state store unavailable, pausing correlation",
			logging.Component("correlator"),
			logging.WindowID(w.id),
			logging.Error(err))
	}
}

// restoreWindow rebuilds a window from a persisted snapshot. A corrupt
// snapshot is fatal for that entity's window only: it is discarded and
// correlation continues fresh.
func (s *shard) restoreWindow(ctx context.Context, pivot string, now time.Time, cfg Config) *window {
	if !s.persist.IsEnabled() {
		return nil
	}

	snapshot, err := s.persist.GetWindow(ctx, pivot)
	if err != nil || snapshot == nil {
		return nil
	}

	var payload windowPayload
	if err := json.Unmarshal(snapshot.Payload, &payload); err != nil || len(payload.Detections) == 0 {
		s.log.Error("corrupt window snapshot, discarding",
			logging.Component("correlator"),
			logging.Entity(pivot))
		_ = s.persist.DeleteWindow(ctx, pivot)
		return nil
	}

	w := newWindow(pivot, payload.Detections[0], now, cfg)
	w.id = snapshot.WindowID
	w.windowStart = payload.WindowStart
	w.openedAt = payload.OpenedAt
	for _, d := range payload.Detections[1:] {
		w.absorb(d, now, cfg)
	}
	s.windows[pivot] = w
	metrics.WindowsOpen.Inc()
	return w
}

// drain closes every window immediately, used at shutdown so accumulated
// state still produces chains.
func (s *shard) drain(ctx context.Context, now time.Time) {
	cfg := s.cfg()
	for pivot, w := range s.windows {
		s.closeWindow(ctx, pivot, w, now)
	}
	for pivot, w := range s.closed {
		delete(s.closed, pivot)
		s.emit(ctx, w, now, cfg)
	}
}
