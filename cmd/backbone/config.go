package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/backbone"
	"github.com/xraph/backbone/admissions"
)

// Config is the process configuration. It is read from a YAML file and
// then overridden by BACKBONE_* environment variables.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Store      StoreConfig      `yaml:"store"`
	AMQP       AMQPConfig       `yaml:"amqp"`
	Admissions AdmissionsConfig `yaml:"admissions"`
	Backbone   BackboneConfig   `yaml:"backbone"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "memory", "redis", "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the connection string of the sqlite and postgres drivers.
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AMQPConfig configures the broker connection. An empty URL runs the
// process without a broker.
type AMQPConfig struct {
	URL         string `yaml:"url"`
	Concurrency int    `yaml:"concurrency"`
	Prefetch    int    `yaml:"prefetch"`
	// Consume lists the channels whose primary queues feed the inbox.
	Consume []string `yaml:"consume"`
}

// AdmissionsConfig points at the application-owning service. An empty
// base URL disables the saga.
type AdmissionsConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// BackboneConfig mirrors backbone.Config.
type BackboneConfig struct {
	Namespace       string          `yaml:"namespace"`
	Channels        []string        `yaml:"channels"`
	MaxRetries      int             `yaml:"max_retries"`
	RetryBackoff    time.Duration   `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration   `yaml:"max_retry_backoff"`
	RetryTTLs       []time.Duration `yaml:"retry_ttls"`
	DLQRetention    time.Duration   `yaml:"dlq_retention"`
	KeyTTL          time.Duration   `yaml:"key_ttl"`
	LeaseTimeout    time.Duration   `yaml:"lease_timeout"`
	RequireSchema   bool            `yaml:"require_schema"`
	SchemaCacheTTL  time.Duration   `yaml:"schema_cache_ttl"`
	RetryInterval   time.Duration   `yaml:"retry_interval"`
	RetryBatchSize  int             `yaml:"retry_batch_size"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
	Retention       time.Duration   `yaml:"retention"`
}

// NotifyConfig configures notification routing.
type NotifyConfig struct {
	Source   string            `yaml:"source"`
	Default  string            `yaml:"default"`
	Routes   map[string]string `yaml:"routes"`
	Priority int               `yaml:"priority"`
}

// defaultConfig returns the process defaults, seeded from backbone.DefaultConfig.
func defaultConfig() Config {
	def := backbone.DefaultConfig()
	return Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		Store:           StoreConfig{Driver: "memory"},
		AMQP:            AMQPConfig{Concurrency: 4, Prefetch: 10},
		Admissions:      AdmissionsConfig{Timeout: admissions.DefaultTimeout},
		Backbone: BackboneConfig{
			Namespace:       def.Topology.Namespace,
			Channels:        def.Topology.Channels,
			MaxRetries:      def.MaxRetries,
			RetryBackoff:    def.RetryBackoff,
			RetryTTLs:       def.Topology.RetryTTLs[:],
			DLQRetention:    def.Topology.DLQRetention,
			KeyTTL:          def.KeyTTL,
			LeaseTimeout:    def.LeaseTimeout,
			SchemaCacheTTL:  def.SchemaCacheTTL,
			RetryInterval:   def.RetryInterval,
			RetryBatchSize:  def.RetryBatchSize,
			CleanupInterval: def.CleanupInterval,
			Retention:       def.Retention,
		},
	}
}

// loadConfig reads path (when non-empty) over the defaults and applies
// environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from BACKBONE_* variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []string
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = d
		}
	}

	str("BACKBONE_HTTP_ADDR", &cfg.HTTPAddr)
	str("BACKBONE_LOG_LEVEL", &cfg.LogLevel)
	duration("BACKBONE_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	str("BACKBONE_STORE_DRIVER", &cfg.Store.Driver)
	str("BACKBONE_STORE_DSN", &cfg.Store.DSN)
	str("BACKBONE_REDIS_ADDR", &cfg.Store.RedisAddr)
	str("BACKBONE_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	integer("BACKBONE_REDIS_DB", &cfg.Store.RedisDB)

	str("BACKBONE_AMQP_URL", &cfg.AMQP.URL)
	integer("BACKBONE_AMQP_CONCURRENCY", &cfg.AMQP.Concurrency)
	integer("BACKBONE_AMQP_PREFETCH", &cfg.AMQP.Prefetch)
	if v := getenv("BACKBONE_AMQP_CONSUME"); v != "" {
		cfg.AMQP.Consume = splitList(v)
	}

	str("BACKBONE_ADMISSIONS_URL", &cfg.Admissions.BaseURL)
	str("BACKBONE_ADMISSIONS_TOKEN", &cfg.Admissions.Token)
	duration("BACKBONE_ADMISSIONS_TIMEOUT", &cfg.Admissions.Timeout)

	str("BACKBONE_NAMESPACE", &cfg.Backbone.Namespace)
	if v := getenv("BACKBONE_CHANNELS"); v != "" {
		cfg.Backbone.Channels = splitList(v)
	}
	integer("BACKBONE_MAX_RETRIES", &cfg.Backbone.MaxRetries)
	if v := getenv("BACKBONE_REQUIRE_SCHEMA"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, "BACKBONE_REQUIRE_SCHEMA")
		} else {
			cfg.Backbone.RequireSchema = b
		}
	}
	duration("BACKBONE_RETRY_INTERVAL", &cfg.Backbone.RetryInterval)
	duration("BACKBONE_LEASE_TIMEOUT", &cfg.Backbone.LeaseTimeout)
	duration("BACKBONE_RETENTION", &cfg.Backbone.Retention)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, ", "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// logLevel maps the configured level name to a slog.Level.
func (c Config) logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// backboneConfig converts the backbone and notify sections.
func (c Config) backboneConfig() backbone.Config {
	bc := c.Backbone
	cfg := backbone.DefaultConfig()

	cfg.MaxRetries = bc.MaxRetries
	cfg.RetryBackoff = bc.RetryBackoff
	cfg.MaxRetryBackoff = bc.MaxRetryBackoff
	cfg.KeyTTL = bc.KeyTTL
	cfg.LeaseTimeout = bc.LeaseTimeout
	cfg.RequireSchema = bc.RequireSchema
	cfg.SchemaCacheTTL = bc.SchemaCacheTTL
	cfg.RetryInterval = bc.RetryInterval
	cfg.RetryBatchSize = bc.RetryBatchSize
	cfg.CleanupInterval = bc.CleanupInterval
	cfg.Retention = bc.Retention

	cfg.Topology.Namespace = bc.Namespace
	cfg.Topology.Channels = bc.Channels
	cfg.Topology.DLQRetention = bc.DLQRetention
	for i := range cfg.Topology.RetryTTLs {
		if i < len(bc.RetryTTLs) {
			cfg.Topology.RetryTTLs[i] = bc.RetryTTLs[i]
		}
	}

	cfg.Notify.Source = c.Notify.Source
	cfg.Notify.Default = c.Notify.Default
	cfg.Notify.Routes = c.Notify.Routes
	cfg.Notify.Priority = c.Notify.Priority

	return cfg
}
