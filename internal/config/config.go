// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	DB          DBConfig          `mapstructure:"db"`
	Redis       RedisConfig       `mapstructure:"redis"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Platforms   PlatformsConfig   `mapstructure:"platforms"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AdminKey       string        `mapstructure:"admin_key"`
}

// AdmissionConfig governs credential validation and its counters.
type AdmissionConfig struct {
	MinSecretLength   int           `mapstructure:"min_secret_length"`
	SecretPrefixLen   int           `mapstructure:"secret_prefix_len"`
	AttemptLimit      int           `mapstructure:"attempt_limit"`
	AttemptWindow     time.Duration `mapstructure:"attempt_window"`
	RateWindow        time.Duration `mapstructure:"rate_window"`
	WindowMaxEntries  int           `mapstructure:"window_max_entries"`
	WindowSweepEvery  time.Duration `mapstructure:"window_sweep_every"`
	CredentialCacheTTL time.Duration `mapstructure:"credential_cache_ttl"`
	DefaultRateLimit  int           `mapstructure:"default_rate_limit"`
}

// QueueConfig bounds the job queue and its retained history.
type QueueConfig struct {
	MaxDepth         int `mapstructure:"max_depth"`
	HistoryCompleted int `mapstructure:"history_completed"`
	HistoryFailed    int `mapstructure:"history_failed"`
}

// WorkerConfig governs the worker pool and per-job retry behavior.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	DequeueJobs    int           `mapstructure:"dequeue_jobs"`
	DequeueWindow  time.Duration `mapstructure:"dequeue_window"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffDelay   time.Duration `mapstructure:"backoff_delay"`
	ScrapeTimeout  time.Duration `mapstructure:"scrape_timeout"`
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`
}

// ScraperConfig points at the external extractor service.
type ScraperConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig selects the shared window backend for multi-instance limits.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for publish-subscribe delivery.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// PlatformsConfig lists administratively disabled platforms.
type PlatformsConfig struct {
	Disabled []string `mapstructure:"disabled"`
}

// MaintenanceConfig is the startup value of the maintenance flag.
type MaintenanceConfig struct {
	Active bool   `mapstructure:"active"`
	Scope  string `mapstructure:"scope"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHQ")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", time.Minute)
	v.SetDefault("admission.min_secret_length", 24)
	v.SetDefault("admission.secret_prefix_len", 8)
	v.SetDefault("admission.attempt_limit", 10)
	v.SetDefault("admission.attempt_window", time.Minute)
	v.SetDefault("admission.rate_window", time.Minute)
	v.SetDefault("admission.window_max_entries", 10000)
	v.SetDefault("admission.window_sweep_every", 30*time.Second)
	v.SetDefault("admission.credential_cache_ttl", 30*time.Second)
	v.SetDefault("admission.default_rate_limit", 10)
	v.SetDefault("queue.max_depth", 100)
	v.SetDefault("queue.history_completed", 50)
	v.SetDefault("queue.history_failed", 50)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.dequeue_jobs", 30)
	v.SetDefault("worker.dequeue_window", time.Minute)
	v.SetDefault("worker.grace_period", 30*time.Second)
	v.SetDefault("worker.max_attempts", 2)
	v.SetDefault("worker.backoff_delay", time.Second)
	v.SetDefault("worker.scrape_timeout", 60*time.Second)
	v.SetDefault("worker.deliver_timeout", 30*time.Second)
	v.SetDefault("scraper.timeout", 60*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("maintenance.active", false)
	v.SetDefault("maintenance.scope", "full")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Admission.MinSecretLength <= c.Admission.SecretPrefixLen {
		return fmt.Errorf("admission.min_secret_length must exceed admission.secret_prefix_len")
	}
	if c.Admission.AttemptLimit <= 0 {
		return fmt.Errorf("admission.attempt_limit must be > 0")
	}
	if c.Queue.MaxDepth <= 0 {
		return fmt.Errorf("queue.max_depth must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	// A missing deliver timeout has previously produced jobs stuck in
	// "processing" forever; refuse to start without one.
	if c.Worker.DeliverTimeout <= 0 {
		return fmt.Errorf("worker.deliver_timeout must be > 0")
	}
	if c.Worker.ScrapeTimeout <= 0 {
		return fmt.Errorf("worker.scrape_timeout must be > 0")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is enabled")
	}
	return nil
}
