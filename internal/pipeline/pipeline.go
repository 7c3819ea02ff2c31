// Package pipeline wires the processing stages together: normalization,
// detection, enrichment, correlation, incident management and dispatch.
// Every stage boundary is a bounded channel; a saturated stage pushes back
// instead of growing memory.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huntwire-systems/huntwire/internal/correlator"
	"github.com/huntwire-systems/huntwire/internal/detector"
	"github.com/huntwire-systems/huntwire/internal/dispatch"
	"github.com/huntwire-systems/huntwire/internal/enrich"
	"github.com/huntwire-systems/huntwire/internal/incident"
	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/metrics"
	"github.com/huntwire-systems/huntwire/internal/models"
	"github.com/huntwire-systems/huntwire/internal/normalizer"
	"github.com/huntwire-systems/huntwire/internal/repository"
)

// ErrQueueFull signals backpressure to producers. HTTP ingestion maps it
// to 503 so callers retry with their own policy.
var ErrQueueFull = errors.New("ingest queue full")

// enrichment batches trade a little latency for dedupe effectiveness.
const (
	enrichBatchSize  = 64
	enrichBatchDelay = 250 * time.Millisecond
)

// Buffers bound the stage queues.
type Buffers struct {
	Events     int
	Detections int
}

// Pipeline owns the stage goroutines and the channels between them.
type Pipeline struct {
	log        *logging.Logger
	registry   *normalizer.Registry
	pool       *detector.Pool
	scorer     *enrich.Scorer
	correlator *correlator.Correlator
	manager    *incident.Manager
	dispatcher *dispatch.Dispatcher
	repo       repository.Repository

	events     chan *models.SecurityEvent
	detections chan models.Detection

	wg sync.WaitGroup
}

// New assembles a pipeline from its stages. The detections channel must be
// the same one the detector pool writes to.
func New(
	log *logging.Logger,
	buffers Buffers,
	registry *normalizer.Registry,
	pool *detector.Pool,
	detections chan models.Detection,
	scorer *enrich.Scorer,
	corr *correlator.Correlator,
	manager *incident.Manager,
	dispatcher *dispatch.Dispatcher,
	repo repository.Repository,
) *Pipeline {
	if buffers.Events <= 0 {
		buffers.Events = 4096
	}

	p := &Pipeline{
		log:        log,
		registry:   registry,
		pool:       pool,
		scorer:     scorer,
		correlator: corr,
		manager:    manager,
		dispatcher: dispatcher,
		repo:       repo,
		events:     make(chan *models.SecurityEvent, buffers.Events),
		detections: detections,
	}
	metrics.QueueCapacity.WithLabelValues("events").Set(float64(buffers.Events))
	metrics.QueueCapacity.WithLabelValues("detections").Set(float64(cap(detections)))
	return p
}

// IngestRaw normalizes a raw payload and submits the resulting event.
// Normalization failures are dropped with a metric; queue saturation
// returns ErrQueueFull.
func (p *Pipeline) IngestRaw(ctx context.Context, envelope *normalizer.RawEnvelope) (*models.SecurityEvent, error) {
	event, err := p.registry.Normalize(ctx, envelope)
	if err != nil {
		var nerr *normalizer.NormalizationError
		reason := "unknown"
		if errors.As(err, &nerr) {
			reason = string(nerr.Reason)
		}
		metrics.NormalizationErrors.WithLabelValues(envelope.SourceType, reason).Inc()
		return nil, err
	}

	if err := p.SubmitEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

// SubmitEvent places a normalized event on the intake queue without
// blocking.
func (p *Pipeline) SubmitEvent(event *models.SecurityEvent) error {
	select {
	case p.events <- event:
		metrics.EventsTotal.WithLabelValues(string(event.Source), "accepted").Inc()
		metrics.QueueDepth.WithLabelValues("events").Set(float64(len(p.events)))
		return nil
	default:
		metrics.EventsTotal.WithLabelValues(string(event.Source), "rejected").Inc()
		metrics.QueueFull.WithLabelValues("events").Inc()
		return ErrQueueFull
	}
}

// Run starts every stage and blocks until ctx is cancelled and the stages
// have wound down.
func (p *Pipeline) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pool.Run(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.correlator.Run(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.manager.Run(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatcher.Run(ctx, p.manager.Notifications())
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.feedDetectors(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.enrichLoop(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.chainLoop(ctx)
	}()

	p.wg.Wait()
}

// feedDetectors moves events from the intake queue into the detector pool.
func (p *Pipeline) feedDetectors(ctx context.Context) {
	for {
		select {
		case event := <-p.events:
			metrics.QueueDepth.WithLabelValues("events").Set(float64(len(p.events)))
			p.pool.Submit(event)
		case <-ctx.Done():
			return
		}
	}
}

// enrichLoop batches detections for enrichment, then forwards survivors to
// the correlator. Batching within a small delay lets the consolidation
// pass see near-identical detections together.
func (p *Pipeline) enrichLoop(ctx context.Context) {
	batch := make([]models.Detection, 0, enrichBatchSize)
	timer := time.NewTimer(enrichBatchDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		enriched := p.scorer.Enrich(ctx, batch)
		for i := range enriched {
			if err := p.correlator.Submit(ctx, enriched[i]); err != nil {
				return
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case d := <-p.detections:
			metrics.QueueDepth.WithLabelValues("detections").Set(float64(len(p.detections)))
			batch = append(batch, d)
			if len(batch) >= enrichBatchSize {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(enrichBatchDelay)
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// chainLoop persists completed chains and feeds them to the incident
// manager. Runs until the correlator closes its output at shutdown so
// drained windows still land.
func (p *Pipeline) chainLoop(ctx context.Context) {
	for chain := range p.correlator.Chains() {
		p.handleChain(ctx, chain)
	}
}

func (p *Pipeline) handleChain(ctx context.Context, chain *models.AttackChain) {
	// Chains drained at shutdown arrive after ctx is cancelled; give their
	// persistence a fresh deadline so they are not lost.
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := p.repo.SaveChain(saveCtx, chain); err != nil {
		p.log.Error("failed to persist attack chain",
			logging.Component("pipeline"),
			logging.ChainID(chain.ID),
			logging.Error(err))
	}

	decision, err := p.manager.Ingest(ctx, chain)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("incident decision failed",
				logging.Component("pipeline"),
				logging.ChainID(chain.ID),
				logging.Error(err))
		}
		return
	}
	p.log.Debug("chain processed",
		logging.Component("pipeline"),
		logging.ChainID(chain.ID),
		"decision", string(decision.Action))
}
