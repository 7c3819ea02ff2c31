package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/huntwire-systems/huntwire/internal/config"
	"github.com/huntwire-systems/huntwire/internal/correlator"
	"github.com/huntwire-systems/huntwire/internal/detector"
	"github.com/huntwire-systems/huntwire/internal/dispatch"
	"github.com/huntwire-systems/huntwire/internal/enrich"
	"github.com/huntwire-systems/huntwire/internal/handlers"
	"github.com/huntwire-systems/huntwire/internal/incident"
	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/messaging"
	natsclient "github.com/huntwire-systems/huntwire/internal/messaging/nats"
	"github.com/huntwire-systems/huntwire/internal/models"
	"github.com/huntwire-systems/huntwire/internal/normalizer"
	"github.com/huntwire-systems/huntwire/internal/pipeline"
	"github.com/huntwire-systems/huntwire/internal/repository"
	"github.com/huntwire-systems/huntwire/internal/server"
	"github.com/huntwire-systems/huntwire/internal/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection engine",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs correlation state, behavioral baselines and the intel
	// cache. Optional: the engine runs fully in memory without it.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts.MaxRetries = cfg.Redis.MaxRetries
		opts.PoolSize = cfg.Redis.PoolSize
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}
	stateMgr := state.NewManager(redisClient, cfg.Redis.Enabled)

	// Repository
	var repo repository.Repository
	if cfg.Database.Enabled {
		connString := cfg.Database.Postgres.ConnString()
		logger.Info("running database migrations")
		if err := repository.Migrate(connString, "file://migrations"); err != nil {
			return err
		}
		repo, err = repository.NewPostgresRepository(ctx, connString)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
	} else {
		repo = repository.NewMemoryRepository()
	}
	defer repo.Close()

	// Message bus
	var natsClient *natsclient.Client
	if cfg.NATS.Enabled {
		nc := natsclient.DefaultConfig()
		nc.URL = cfg.NATS.URL
		nc.Name = cfg.NATS.Name
		natsClient, err = natsclient.NewClient(nc)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Drain()
	}

	// Detectors
	rules := detector.DefaultRuleSet()
	if cfg.Detectors.RulesPath != "" {
		rules, err = detector.LoadRuleSet(cfg.Detectors.RulesPath)
		if err != nil {
			return err
		}
	}
	signature := detector.NewSignatureDetector(rules)
	behavioral := detector.NewBehavioralDetector(detector.BehavioralConfig{
		Alpha:        cfg.Detectors.Behavioral.Alpha,
		SigmaFactor:  cfg.Detectors.Behavioral.SigmaFactor,
		MinSamples:   cfg.Detectors.Behavioral.MinSamples,
		Fields:       detector.TrackedFieldsFor(cfg.Detectors.Behavioral.TrackedFields),
		PersistState: cfg.Detectors.Behavioral.PersistRedis,
	}, stateMgr)
	anomaly := detector.NewAnomalyDetector("anomaly", cfg.Detectors.Anomaly.Threshold,
		detector.AttributeScorer("anomaly_score"))

	window := detector.NewEventWindow(cfg.Detectors.ContextWindow, cfg.Detectors.ContextMaxEvents)
	detections := make(chan models.Detection, cfg.Queue.DetectionBuffer)

	alert := func(detectorID string, faultRate float64) {
		logger.Error("detector fault rate above threshold",
			logging.DetectorID(detectorID),
			"fault_rate", faultRate)
		if natsClient != nil {
			payload, _ := json.Marshal(map[string]interface{}{
				"detector_id": detectorID,
				"fault_rate":  faultRate,
				"at":          time.Now().UTC(),
			})
			_ = natsClient.Publish(context.Background(), messaging.SubjectOperatorDetectorFaults, payload)
		}
	}

	pool := detector.NewPool(logger, detector.PoolConfig{
		Workers:            cfg.Detectors.Workers,
		QueueSize:          cfg.Queue.DetectorBuffer,
		InvocationTimeout:  cfg.Detectors.InvocationTimeout,
		FaultRateThreshold: cfg.Detectors.FaultRateThreshold,
	}, window, detections, alert, signature, behavioral, anomaly)
	pool.SetDisabled(cfg.Detectors.Disabled)

	// Enrichment
	var provider enrich.IntelligenceProvider = enrich.NewStaticProvider(nil, nil, nil)
	if cfg.Enrich.IntelPath != "" {
		provider, err = enrich.LoadStaticProvider(cfg.Enrich.IntelPath)
		if err != nil {
			return err
		}
	}
	if redisClient != nil {
		provider = enrich.NewCachedProvider(provider, redisClient, cfg.Enrich.CacheTTL)
	}
	scorer := enrich.NewScorer(logger, enrich.Config{
		LookupTimeout:   cfg.Enrich.LookupTimeout,
		ConfidenceFloor: cfg.Enrich.ConfidenceFloor,
		DedupeWindow:    cfg.Enrich.DedupeWindow,
	}, repo, provider)

	// Correlator
	library := correlator.DefaultPatternLibrary()
	if cfg.Correlator.PatternsPath != "" {
		library, err = correlator.LoadPatternLibrary(cfg.Correlator.PatternsPath)
		if err != nil {
			return err
		}
	}
	corr := correlator.New(logger, correlatorConfig(cfg), cfg.Correlator.Shards,
		library, stateMgr, cfg.Queue.ChainBuffer)

	// Incident manager and dispatch
	manager := incident.NewManager(logger, incidentConfig(cfg), repo, cfg.Queue.IncidentBuffer)

	var sinks []dispatch.Sink
	var deadLetter dispatch.DeadLetterFunc
	if natsClient != nil {
		sinks = append(sinks, dispatch.NewNATSSink(natsClient))
		deadLetter = dispatch.NewNATSDeadLetter(natsClient)
	} else {
		sinks = append(sinks, dispatch.NewLogSink(logger))
	}
	dispatcher := dispatch.NewDispatcher(logger, dispatchConfig(cfg), deadLetter, sinks...)

	// Pipeline
	p := pipeline.New(logger,
		pipeline.Buffers{Events: cfg.Queue.EventBuffer, Detections: cfg.Queue.DetectionBuffer},
		normalizer.Defaults(), pool, detections, scorer, corr, manager, dispatcher, repo)

	// Raw event intake from the bus, load-balanced across engine instances.
	if natsClient != nil {
		_, err = natsClient.QueueSubscribe(messaging.SubjectEventsRaw, messaging.QueueIngestWorkers,
			func(msgCtx context.Context, msg *messaging.Message) error {
				var envelope normalizer.RawEnvelope
				if err := json.Unmarshal(msg.Data, &envelope); err != nil {
					logger.Warn("malformed bus envelope", logging.Error(err))
					return nil
				}
				if envelope.ReceivedAt.IsZero() {
					envelope.ReceivedAt = time.Now().UTC()
				}
				_, err := p.IngestRaw(msgCtx, &envelope)
				return err
			})
		if err != nil {
			return fmt.Errorf("failed to subscribe to raw events: %w", err)
		}
	}

	// Hot reload of thresholds, detector toggles, rules and patterns.
	store := config.NewStore(cfg, cfgFile)
	store.OnSwap(func(next *config.Config) {
		pool.SetDisabled(next.Detectors.Disabled)
		corr.SetConfig(correlatorConfig(next))
		manager.SetConfig(incidentConfig(next))
		dispatcher.SetConfig(dispatchConfig(next))

		if next.Detectors.RulesPath != "" {
			if rs, err := detector.LoadRuleSet(next.Detectors.RulesPath); err != nil {
				logger.Error("rule reload failed, keeping previous", logging.Error(err))
			} else {
				signature.SetRules(rs)
			}
		}
		if next.Correlator.PatternsPath != "" {
			if lib, err := correlator.LoadPatternLibrary(next.Correlator.PatternsPath); err != nil {
				logger.Error("pattern reload failed, keeping previous", logging.Error(err))
			} else {
				corr.SetLibrary(lib)
			}
		}
		logger.Info("configuration reloaded")
	})
	if cfgFile != "" {
		if err := store.Watch(func(err error) {
			logger.Error("config reload error", logging.Error(err))
		}); err != nil {
			logger.Warn("config watching disabled", logging.Error(err))
		}
	}

	// Start the pipeline.
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		p.Run(pipeCtx)
	}()

	// HTTP server
	handler := handlers.NewHandler(logger, p, manager, repo)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", logging.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", logging.Error(err))
	}

	// Stop intake first, then let the stages drain.
	pipeCancel()
	select {
	case <-pipeDone:
	case <-time.After(15 * time.Second):
		logger.Warn("pipeline drain timed out")
	}

	logger.Info("engine stopped")
	return nil
}

func correlatorConfig(cfg *config.Config) correlator.Config {
	return correlator.Config{
		MaxGap:            cfg.Correlator.MaxGap,
		ExtendThreshold:   cfg.Correlator.ExtendThreshold,
		ExtendBy:          cfg.Correlator.ExtendBy,
		MaxWindowDuration: cfg.Correlator.MaxWindowDuration,
		ReorderDelay:      cfg.Correlator.ReorderDelay,
		ReopenGrace:       cfg.Correlator.ReopenGrace,
		PatternWeight:     cfg.Correlator.PatternWeight,
		TemporalWeight:    cfg.Correlator.TemporalWeight,
		EntityWeight:      cfg.Correlator.EntityWeight,
		BurstCount:        cfg.Correlator.BurstCount,
		BurstWindow:       cfg.Correlator.BurstWindow,
	}
}

func incidentConfig(cfg *config.Config) incident.Config {
	return incident.Config{
		MinSeverity:   models.Severity(cfg.Incident.MinSeverity),
		MinConfidence: cfg.Incident.MinConfidence,
		RecencyWindow: cfg.Incident.RecencyWindow,
	}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		MaxBackoff:     cfg.Dispatch.MaxBackoff,
		Timeout:        cfg.Dispatch.Timeout,
		MinSeverity:    models.Severity(cfg.Dispatch.MinSeverity),
	}
}
