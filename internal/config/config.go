// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/dispatcher"
	"github.com/JakeFAU/gigcrawler/internal/harness"
	"github.com/JakeFAU/gigcrawler/internal/health"
	"github.com/JakeFAU/gigcrawler/internal/optimizer"
	"github.com/JakeFAU/gigcrawler/internal/platform"
	"github.com/JakeFAU/gigcrawler/internal/storage/gcs"
	"github.com/JakeFAU/gigcrawler/internal/storage/local"
	"github.com/JakeFAU/gigcrawler/internal/storage/postgres"
)

// EnvPrefix is prepended to environment overrides, e.g. GIGCRAWLER_SERVER_PORT.
const EnvPrefix = "GIGCRAWLER"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Auth      AuthConfig             `mapstructure:"auth"`
	Logging   LoggingConfig          `mapstructure:"logging"`
	Storage   StorageConfig          `mapstructure:"storage"`
	DB        DBConfig               `mapstructure:"db"`
	Archive   ArchiveConfig          `mapstructure:"archive"`
	PubSub    PubSubConfig           `mapstructure:"pubsub"`
	Events    EventsConfig           `mapstructure:"events"`
	Queue     QueueConfig            `mapstructure:"queue"`
	Health    HealthConfig           `mapstructure:"health"`
	Pool      dispatcher.Config      `mapstructure:"pool"`
	Worker    WorkerConfig           `mapstructure:"worker"`
	Optimizer optimizer.Config       `mapstructure:"optimizer"`
	Platforms []platform.Config      `mapstructure:"platforms"`
	Baseline  harness.BaselineConfig `mapstructure:"baseline"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects the job, error and project store backend.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	ErrorLogCapacity int    `mapstructure:"error_log_capacity"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string          `mapstructure:"dsn"`
	MaxConns        int32           `mapstructure:"max_conns"`
	MinConns        int32           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration   `mapstructure:"max_conn_lifetime"`
	Tables          postgres.Tables `mapstructure:"tables"`
	Migrate         bool            `mapstructure:"migrate"`
}

// Postgres returns the pool settings.
func (d DBConfig) Postgres() postgres.Config {
	return postgres.Config{
		DSN:             d.DSN,
		MaxConns:        d.MaxConns,
		MinConns:        d.MinConns,
		MaxConnLifetime: d.MaxConnLifetime,
	}
}

// ArchiveConfig selects where raw scrape batches are archived.
type ArchiveConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// PubSubConfig holds lifecycle event publishing settings.
type PubSubConfig struct {
	Backend        string `mapstructure:"backend"`
	ProjectID      string `mapstructure:"project_id"`
	CompletedTopic string `mapstructure:"completed_topic"`
	FailedTopic    string `mapstructure:"failed_topic"`
}

// EventsConfig tunes the buffered job event hub in front of the publisher.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
}

// QueueConfig tunes retries and lease expiry.
type QueueConfig struct {
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	LeaseTimeout       time.Duration `mapstructure:"lease_timeout"`
}

// Backoff returns the retry backoff policy.
func (q QueueConfig) Backoff() crawler.BackoffPolicy {
	return crawler.BackoffPolicy{Base: q.BackoffBase, Max: q.BackoffMax, Multiplier: q.BackoffMultiplier}
}

// HealthConfig tunes the platform circuit breaker.
type HealthConfig struct {
	DegradedThreshold int           `mapstructure:"degraded_threshold"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	DegradedErrorRate float64       `mapstructure:"degraded_error_rate"`
	Smoothing         float64       `mapstructure:"smoothing"`
	BlockBase         time.Duration `mapstructure:"block_base"`
	BlockMax          time.Duration `mapstructure:"block_max"`
}

// Monitor converts the settings to a health.Config.
func (h HealthConfig) Monitor() health.Config {
	return health.Config{
		DegradedThreshold: h.DegradedThreshold,
		FailureThreshold:  h.FailureThreshold,
		DegradedErrorRate: h.DegradedErrorRate,
		Smoothing:         h.Smoothing,
		BlockBackoff:      crawler.BackoffPolicy{Base: h.BlockBase, Max: h.BlockMax, Multiplier: 2},
	}
}

// WorkerConfig tunes each worker's loop.
type WorkerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	DefaultMaxResults int           `mapstructure:"default_max_results"`
	CleanupAgeHours   int           `mapstructure:"cleanup_age_hours"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	pool := dispatcher.DefaultConfig()
	mon := health.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.error_log_capacity", 10000)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("db.tables.jobs", postgres.DefaultJobsTable)
	v.SetDefault("db.tables.errors", postgres.DefaultErrorsTable)
	v.SetDefault("db.tables.projects", postgres.DefaultProjectsTable)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.local.base_dir", "data/archive")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "")
	v.SetDefault("pubsub.backend", BackendNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.completed_topic", "gigcrawler-jobs-completed")
	v.SetDefault("pubsub.failed_topic", "gigcrawler-jobs-failed")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", "500ms")
	v.SetDefault("events.sink_timeout", "10s")
	v.SetDefault("events.log_enabled", false)
	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.backoff_base", crawler.DefaultJobBackoff.Base.String())
	v.SetDefault("queue.backoff_max", crawler.DefaultJobBackoff.Max.String())
	v.SetDefault("queue.backoff_multiplier", crawler.DefaultJobBackoff.Multiplier)
	v.SetDefault("queue.lease_timeout", "30m")
	v.SetDefault("health.degraded_threshold", mon.DegradedThreshold)
	v.SetDefault("health.failure_threshold", mon.FailureThreshold)
	v.SetDefault("health.degraded_error_rate", mon.DegradedErrorRate)
	v.SetDefault("health.smoothing", mon.Smoothing)
	v.SetDefault("health.block_base", mon.BlockBackoff.Base.String())
	v.SetDefault("health.block_max", mon.BlockBackoff.Max.String())
	v.SetDefault("pool.min_workers", pool.MinWorkers)
	v.SetDefault("pool.max_workers", pool.MaxWorkers)
	v.SetDefault("pool.target_jobs_per_worker", pool.TargetJobsPerWorker)
	v.SetDefault("pool.scale_up_threshold", pool.ScaleUpThreshold)
	v.SetDefault("pool.scale_down_threshold", pool.ScaleDownThreshold)
	v.SetDefault("pool.scale_interval", pool.ScaleInterval.String())
	v.SetDefault("pool.cooldown", pool.Cooldown.String())
	v.SetDefault("pool.id_prefix", pool.IDPrefix)
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.default_max_results", 50)
	v.SetDefault("worker.cleanup_age_hours", 24)
	v.SetDefault("optimizer.max_parallel_platforms", 4)
	v.SetDefault("optimizer.default_max_results", 50)
	v.SetDefault("baseline.iterations", 10)
	v.SetDefault("baseline.max_results", 20)
	v.SetDefault("baseline.search_terms", []string{"golang", "python", "web scraping"})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is %s", BackendPostgres)
		}
	default:
		return fmt.Errorf("storage.backend must be %s or %s, got %q", BackendMemory, BackendPostgres, c.Storage.Backend)
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set when archive.backend is %s", BackendLocal)
		}
	case BackendGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket must be set when archive.backend is %s", BackendGCS)
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.PubSub.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub.backend is %s", BackendPubSub)
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not supported", c.PubSub.Backend)
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("queue.default_max_attempts must be > 0")
	}
	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("queue.lease_timeout must be > 0")
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	return validatePlatforms(c.Platforms)
}

func validatePlatforms(platforms []platform.Config) error {
	if len(platforms) == 0 {
		return errors.New("at least one platform must be configured")
	}
	seen := make(map[string]struct{}, len(platforms))
	for i, p := range platforms {
		if p.Name == "" {
			return fmt.Errorf("platforms[%d].name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("platform %s configured twice", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("platforms[%d].base_url is required", i)
		}
		if p.Selectors.Item == "" {
			return fmt.Errorf("platforms[%d].selectors.item is required", i)
		}
	}
	return nil
}
