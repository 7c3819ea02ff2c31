// Package dispatch delivers incident notifications to external sinks with
// bounded retry. A sink that keeps failing sends the notification to the
// dead-letter queue instead of blocking the pipeline.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/huntwire-systems/huntwire/internal/incident"
	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/metrics"
	"github.com/huntwire-systems/huntwire/internal/models"
)

// Sink delivers one notification to an external consumer.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n incident.Notification) error
}

// DeadLetterFunc receives notifications that exhausted their retries.
type DeadLetterFunc func(ctx context.Context, sink string, n incident.Notification)

// Config tunes delivery behavior. Hot-reloadable via SetConfig.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	MinSeverity    models.Severity
}

// Dispatcher fans incident notifications out to its sinks.
type Dispatcher struct {
	log        *logging.Logger
	cfg        atomic.Pointer[Config]
	sinks      []Sink
	deadLetter DeadLetterFunc
}

// NewDispatcher creates a dispatcher. deadLetter may be nil; exhausted
// notifications are then only counted and logged.
func NewDispatcher(log *logging.Logger, cfg Config, deadLetter DeadLetterFunc, sinks ...Sink) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	d := &Dispatcher{
		log:        log,
		sinks:      sinks,
		deadLetter: deadLetter,
	}
	d.cfg.Store(&cfg)
	return d
}

// SetConfig swaps the delivery settings.
func (d *Dispatcher) SetConfig(cfg Config) {
	d.cfg.Store(&cfg)
}

// Run consumes notifications until the channel closes or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, notifications <-chan incident.Notification) {
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return
			}
			d.dispatch(ctx, n)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, n incident.Notification) {
	cfg := *d.cfg.Load()

	// Escalations always go out; everything else respects the severity
	// routing threshold.
	if n.Kind != "escalated" && n.Incident.Severity.Rank() < cfg.MinSeverity.Rank() {
		return
	}

	for _, sink := range d.sinks {
		d.deliverWithRetry(ctx, sink, n, cfg)
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, sink Sink, n incident.Notification, cfg Config) {
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		deliverCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := sink.Deliver(deliverCtx, n)
		cancel()

		if err == nil {
			metrics.DispatchAttempts.WithLabelValues(sink.Name(), "success").Inc()
			return
		}

		metrics.DispatchAttempts.WithLabelValues(sink.Name(), "failure").Inc()
		d.log.Warn("notification delivery failed",
			logging.Component("dispatch"),
			logging.IncidentID(n.Incident.ID),
			"sink", sink.Name(),
			"attempt", attempt,
			logging.Error(err))

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	metrics.DispatchDeadLetters.WithLabelValues(sink.Name()).Inc()
	d.log.Error("notification dead-lettered after exhausting retries",
		logging.Component("dispatch"),
		logging.IncidentID(n.Incident.ID),
		"sink", sink.Name())
	if d.deadLetter != nil {
		d.deadLetter(ctx, sink.Name(), n)
	}
}
