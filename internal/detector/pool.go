package detector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/metrics"
	"github.com/huntwire-systems/huntwire/internal/models"
)

// PoolConfig bounds the pool's queues and invocation behavior.
type PoolConfig struct {
	Workers            int
	QueueSize          int
	InvocationTimeout  time.Duration
	FaultRateThreshold float64
	DedupeTTL          time.Duration
}

// OperatorAlertFunc is invoked when a detector's fault rate crosses the
// configured threshold. Implementations must not block.
type OperatorAlertFunc func(detectorID string, faultRate float64)

// Pool fans events out to detectors, each behind its own bounded queue and
// worker group. A detector erroring, panicking or timing out on one event
// never blocks other detectors or subsequent events.
type Pool struct {
	log    *logging.Logger
	cfg    PoolConfig
	window *EventWindow
	out    chan<- models.Detection
	alert  OperatorAlertFunc

	groups []*group
	seen   *dedupeCache

	disabled atomic.Pointer[map[string]bool]

	wg sync.WaitGroup
}

// group is one detector with its queue and fault counters.
type group struct {
	detector    Detector
	queue       chan *models.SecurityEvent
	invocations atomic.Uint64
	faults      atomic.Uint64
	alerted     atomic.Bool
}

// NewPool creates a detector pool writing detections to out.
func NewPool(log *logging.Logger, cfg PoolConfig, window *EventWindow, out chan<- models.Detection, alert OperatorAlertFunc, detectors ...Detector) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}

	p := &Pool{
		log:    log,
		cfg:    cfg,
		window: window,
		out:    out,
		alert:  alert,
		seen:   newDedupeCache(cfg.DedupeTTL),
	}
	empty := map[string]bool{}
	p.disabled.Store(&empty)

	for _, d := range detectors {
		p.groups = append(p.groups, &group{
			detector: d,
			queue:    make(chan *models.SecurityEvent, cfg.QueueSize),
		})
		metrics.QueueCapacity.WithLabelValues("detector:" + d.Meta().ID).Set(float64(cfg.QueueSize))
	}

	return p
}

// SetDisabled swaps the set of disabled detector IDs. Hot-reload safe.
func (p *Pool) SetDisabled(ids []string) {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	p.disabled.Store(&m)
}

// Submit fans an event out to every in-scope, enabled detector. The event
// is added to the shared rolling window first so detectors observe it in
// their context. A full detector queue drops the event for that detector
// only, recorded as backpressure.
func (p *Pool) Submit(event *models.SecurityEvent) {
	p.window.Add(event)

	disabled := *p.disabled.Load()
	for _, g := range p.groups {
		meta := g.detector.Meta()
		if disabled[meta.ID] || !meta.Scope.Matches(event) {
			continue
		}
		select {
		case g.queue <- event:
			metrics.QueueDepth.WithLabelValues("detector:" + meta.ID).Set(float64(len(g.queue)))
		default:
			metrics.QueueFull.WithLabelValues("detector:" + meta.ID).Inc()
		}
	}
}

// Run starts the worker groups and blocks until ctx is cancelled and all
// queues have drained.
func (p *Pool) Run(ctx context.Context) {
	for _, g := range p.groups {
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, g)
		}
	}

	p.wg.Add(1)
	go p.faultMonitor(ctx)

	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, g *group) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-g.queue:
			p.invoke(ctx, g, event)
		}
	}
}

// invoke runs one detector on one event with timeout and panic containment.
func (p *Pool) invoke(ctx context.Context, g *group, event *models.SecurityEvent) {
	meta := g.detector.Meta()
	g.invocations.Add(1)

	invokeCtx, cancel := context.WithTimeout(ctx, p.cfg.InvocationTimeout)
	defer cancel()

	start := time.Now()
	detections, err := p.safeDetect(invokeCtx, g, event)
	metrics.DetectorDuration.WithLabelValues(meta.ID).Observe(time.Since(start).Seconds())

	if err != nil {
		g.faults.Add(1)
		kind := "error"
		if invokeCtx.Err() != nil {
			kind = "timeout"
		}
		metrics.DetectorFaults.WithLabelValues(meta.ID, kind).Inc()
		p.log.Warn("detector fault",
			logging.DetectorID(meta.ID),
			logging.EventID(event.ID),
			logging.Error(err))
		return
	}

	for i := range detections {
		p.emit(&detections[i], meta, event)
	}
}

// safeDetect contains panics from a single detector invocation.
func (p *Pool) safeDetect(ctx context.Context, g *group, event *models.SecurityEvent) (detections []models.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DetectorFaults.WithLabelValues(g.detector.Meta().ID, "panic").Inc()
			err = fmt.Errorf("detector panicked: %v", r)
		}
	}()

	dctx := p.window.Context(event.Timestamp)
	return g.detector.Detect(ctx, event, dctx)
}

// emit stamps, dedupes and forwards one detection. Re-ingesting the same
// event must not create duplicate detections: dedupe is keyed by
// detector + event refs + technique.
func (p *Pool) emit(d *models.Detection, meta Metadata, event *models.SecurityEvent) {
	if d.ID == "" {
		d.ID = uuid.Must(uuid.NewV7()).String()
	}
	if d.DetectorID == "" {
		d.DetectorID = meta.ID
	}
	if d.DetectorVersion == "" {
		d.DetectorVersion = meta.Version
	}
	if d.DetectorType == "" {
		d.DetectorType = meta.Type
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = event.Timestamp
	}
	if len(d.EventRefs) == 0 {
		d.EventRefs = []string{event.ID}
	}
	if d.Entities == nil {
		d.Entities = event.Entities
	}

	if !p.seen.add(d.DedupeKey(), d.CreatedAt) {
		return
	}

	metrics.DetectionsTotal.WithLabelValues(d.DetectorID, string(d.Severity)).Inc()
	p.out <- *d
}

// faultMonitor periodically checks per-detector fault rates and alerts
// operators once per breach episode.
func (p *Pool) faultMonitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, g := range p.groups {
				invocations := g.invocations.Swap(0)
				faults := g.faults.Swap(0)
				if invocations == 0 {
					continue
				}
				rate := float64(faults) / float64(invocations)
				if rate > p.cfg.FaultRateThreshold {
					if g.alerted.CompareAndSwap(false, true) && p.alert != nil {
						p.alert(g.detector.Meta().ID, rate)
					}
				} else {
					g.alerted.Store(false)
				}
			}
			p.window.Sweep(time.Now().UTC())
		}
	}
}

// dedupeCache is a TTL'd set of detection dedupe keys.
type dedupeCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	return &dedupeCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// add records the key, returning false if it was already present and fresh.
func (c *dedupeCache) add(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.entries[key] = now

	// Opportunistic sweep keeps the map bounded without a dedicated timer.
	if len(c.entries)%1024 == 0 {
		for k, at := range c.entries {
			if now.Sub(at) >= c.ttl {
				delete(c.entries, k)
			}
		}
	}
	return true
}
