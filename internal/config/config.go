package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine. Component sections are
// flat structs composed at startup; the correlation thresholds and detector
// toggles are hot-reloadable through Store.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Detectors  DetectorsConfig  `mapstructure:"detectors"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Correlator CorrelatorConfig `mapstructure:"correlator"`
	Incident   IncidentConfig   `mapstructure:"incident"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig holds log level and format
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QueueConfig bounds the pipeline stage queues
type QueueConfig struct {
	EventBuffer     int `mapstructure:"event_buffer"`
	DetectionBuffer int `mapstructure:"detection_buffer"`
	ChainBuffer     int `mapstructure:"chain_buffer"`
	IncidentBuffer  int `mapstructure:"incident_buffer"`
	DetectorBuffer  int `mapstructure:"detector_buffer"` // per-detector queue
}

// DetectorsConfig holds the detector pool configuration
type DetectorsConfig struct {
	Workers            int           `mapstructure:"workers"` // workers per detector group
	InvocationTimeout  time.Duration `mapstructure:"invocation_timeout"`
	FaultRateThreshold float64       `mapstructure:"fault_rate_threshold"` // faults/invocation ratio that alerts operators
	ContextWindow      time.Duration `mapstructure:"context_window"`       // rolling per-entity event window age
	ContextMaxEvents   int           `mapstructure:"context_max_events"`
	Disabled           []string      `mapstructure:"disabled"` // detector IDs, hot-reloadable
	RulesPath          string        `mapstructure:"rules_path"`

	Behavioral BehavioralConfig `mapstructure:"behavioral"`
	Anomaly    AnomalyConfig    `mapstructure:"anomaly"`
}

// BehavioralConfig tunes the behavioral baseline detector
type BehavioralConfig struct {
	Alpha         float64  `mapstructure:"alpha"`          // EWMA smoothing factor
	SigmaFactor   float64  `mapstructure:"sigma_factor"`   // deviations beyond this many sigmas flag
	MinSamples    int      `mapstructure:"min_samples"`    // observations before the baseline is trusted
	PersistRedis  bool     `mapstructure:"persist_redis"`  // snapshot baselines through the state manager
	TrackedFields []string `mapstructure:"tracked_fields"` // numeric attributes to baseline
}

// AnomalyConfig tunes the anomaly scoring detector
type AnomalyConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// EnrichConfig tunes the threat scorer and enricher
type EnrichConfig struct {
	LookupTimeout   time.Duration `mapstructure:"lookup_timeout"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	DedupeWindow    time.Duration `mapstructure:"dedupe_window"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	IntelPath       string        `mapstructure:"intel_path"` // static intel tables (YAML)
}

// CorrelatorConfig holds the correlation window thresholds. All durations
// are hot-reloadable.
type CorrelatorConfig struct {
	MaxGap            time.Duration `mapstructure:"max_gap"`
	ExtendThreshold   time.Duration `mapstructure:"extend_threshold"`
	ExtendBy          time.Duration `mapstructure:"extend_by"`
	MaxWindowDuration time.Duration `mapstructure:"max_window_duration"`
	ReorderDelay      time.Duration `mapstructure:"reorder_delay"`
	ReopenGrace       time.Duration `mapstructure:"reopen_grace"`
	Shards            int           `mapstructure:"shards"`
	PatternsPath      string        `mapstructure:"patterns_path"`

	// Correlation confidence weights; normalized at use
	PatternWeight  float64 `mapstructure:"pattern_weight"`
	TemporalWeight float64 `mapstructure:"temporal_weight"`
	EntityWeight   float64 `mapstructure:"entity_weight"`

	// Rate-burst synthesis: many low-severity detections for one entity in
	// a short span produce a derived detection
	BurstCount  int           `mapstructure:"burst_count"`
	BurstWindow time.Duration `mapstructure:"burst_window"`
}

// IncidentConfig tunes incident promotion and merging
type IncidentConfig struct {
	MinSeverity   string        `mapstructure:"min_severity"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	RecencyWindow time.Duration `mapstructure:"recency_window"`
}

// DispatchConfig tunes notification delivery
type DispatchConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MinSeverity    string        `mapstructure:"min_severity"`
}

// RedisConfig holds Redis configuration for state management
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a pgx connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("queue.event_buffer", 4096)
	v.SetDefault("queue.detection_buffer", 2048)
	v.SetDefault("queue.chain_buffer", 512)
	v.SetDefault("queue.incident_buffer", 256)
	v.SetDefault("queue.detector_buffer", 1024)

	v.SetDefault("detectors.workers", 4)
	v.SetDefault("detectors.invocation_timeout", "2s")
	v.SetDefault("detectors.fault_rate_threshold", 0.25)
	v.SetDefault("detectors.context_window", "10m")
	v.SetDefault("detectors.context_max_events", 256)
	v.SetDefault("detectors.behavioral.alpha", 0.2)
	v.SetDefault("detectors.behavioral.sigma_factor", 3.0)
	v.SetDefault("detectors.behavioral.min_samples", 10)
	v.SetDefault("detectors.behavioral.persist_redis", false)
	v.SetDefault("detectors.behavioral.tracked_fields", []string{"bytes_out", "login_failures", "request_rate"})
	v.SetDefault("detectors.anomaly.threshold", 0.8)

	v.SetDefault("enrich.lookup_timeout", "500ms")
	v.SetDefault("enrich.confidence_floor", 0.1)
	v.SetDefault("enrich.dedupe_window", "60s")
	v.SetDefault("enrich.cache_ttl", "15m")

	v.SetDefault("correlator.max_gap", "5m")
	v.SetDefault("correlator.extend_threshold", "1m")
	v.SetDefault("correlator.extend_by", "2m")
	v.SetDefault("correlator.max_window_duration", "30m")
	v.SetDefault("correlator.reorder_delay", "3s")
	v.SetDefault("correlator.reopen_grace", "30s")
	v.SetDefault("correlator.shards", 16)
	v.SetDefault("correlator.pattern_weight", 0.4)
	v.SetDefault("correlator.temporal_weight", 0.3)
	v.SetDefault("correlator.entity_weight", 0.3)
	v.SetDefault("correlator.burst_count", 20)
	v.SetDefault("correlator.burst_window", "30s")

	v.SetDefault("incident.min_severity", "medium")
	v.SetDefault("incident.min_confidence", 0.3)
	v.SetDefault("incident.recency_window", "1h")

	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.initial_backoff", "1s")
	v.SetDefault("dispatch.max_backoff", "30s")
	v.SetDefault("dispatch.timeout", "5s")
	v.SetDefault("dispatch.min_severity", "low")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "huntwire")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "huntwire")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.name", "huntwire-engine")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Environment variables override file config
	v.SetEnvPrefix("HUNTWIRE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return v
}
