package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_events_total",
			Help: "Total number of events accepted by the pipeline",
		},
		[]string{"source", "status"},
	)

	NormalizationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_normalization_errors_total",
			Help: "Total number of events dropped by the normalizer",
		},
		[]string{"source", "reason"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "huntwire_queue_depth",
			Help: "Current depth of a pipeline stage queue",
		},
		[]string{"stage"},
	)

	QueueCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "huntwire_queue_capacity",
			Help: "Maximum capacity of a pipeline stage queue",
		},
		[]string{"stage"},
	)

	QueueFull = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_queue_full_total",
			Help: "Total number of submissions rejected with backpressure",
		},
		[]string{"stage"},
	)

	// Detector metrics
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_detections_total",
			Help: "Total number of detections emitted",
		},
		[]string{"detector", "severity"},
	)

	DetectorFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_detector_faults_total",
			Help: "Total number of isolated detector faults (errors, panics, timeouts)",
		},
		[]string{"detector", "kind"},
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huntwire_detector_duration_seconds",
			Help:    "Duration of detector invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	// Enrichment metrics
	EnrichmentTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_enrichment_timeouts_total",
			Help: "Total number of intelligence lookups that timed out",
		},
		[]string{"provider"},
	)

	DetectionsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huntwire_detections_suppressed_total",
			Help: "Total number of detections dropped at the confidence floor",
		},
	)

	// Correlator metrics
	WindowsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huntwire_correlation_windows_open",
			Help: "Number of currently open correlation windows",
		},
	)

	ChainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_attack_chains_total",
			Help: "Total number of attack chains produced",
		},
		[]string{"outcome"}, // closed, degraded
	)

	LateArrivals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huntwire_late_arrivals_total",
			Help: "Total number of detections admitted after the reorder buffer window",
		},
	)

	// Incident metrics
	IncidentDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_incident_decisions_total",
			Help: "Total number of incident manager decisions",
		},
		[]string{"decision"}, // create_new, merge, discard
	)

	// Dispatch metrics
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_dispatch_attempts_total",
			Help: "Total number of notification dispatch attempts",
		},
		[]string{"sink", "status"},
	)

	DispatchDeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huntwire_dispatch_dead_letters_total",
			Help: "Total number of incidents routed to the dead-letter queue",
		},
		[]string{"sink"},
	)
)
