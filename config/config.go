// Package config loads the limitkit server configuration and limit
// definitions from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/limitkit/store"
)

// Config is the root configuration of a limitkit server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Tuning  TuningConfig  `yaml:"tuning"`

	// LimitsFile is the YAML file holding limit definitions.
	LimitsFile string `yaml:"limits_file"`

	// WatchLimits reloads LimitsFile when it changes.
	WatchLimits bool `yaml:"watch_limits"`

	// PurgeSchedule is a cron expression driving the purge of expired
	// in-memory counters (default: "@every 1m").
	PurgeSchedule string `yaml:"purge_schedule" validate:"required"`

	// LogLevel is one of debug, info, warn, error (default: info).
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address string `yaml:"address" validate:"required"`

	// APIKey, when set, is required on mutating routes.
	APIKey string `yaml:"api_key"`

	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gt=0"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig selects and configures the counter backend.
type StorageConfig struct {
	Kind  string      `yaml:"kind" validate:"oneof=memory redis"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	URL          string        `yaml:"url" validate:"required_if=Enabled true"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	Prefix       string        `yaml:"prefix"`
	PoolSize     int           `yaml:"pool_size" validate:"gte=0"`
	MinIdleConns int           `yaml:"min_idle_conns" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout" validate:"gte=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`

	// Enabled is derived from StorageConfig.Kind; it is not read from YAML.
	Enabled bool `yaml:"-"`
}

// TuningConfig holds the deployment constants of the storage layer.
type TuningConfig struct {
	// FlushPeriod is how often a write-back cache would flush (default: 1s).
	FlushPeriod time.Duration `yaml:"flush_period" validate:"gt=0"`

	// BatchSize bounds the keys per bulk delete (default: 100).
	BatchSize int `yaml:"batch_size" validate:"gt=0"`

	// MaxCachedCounters bounds a write-back cache (default: 10000).
	MaxCachedCounters int `yaml:"max_cached_counters" validate:"gt=0"`

	// ResponseTimeout bounds a single storage round trip (default: 350ms).
	ResponseTimeout time.Duration `yaml:"response_timeout" validate:"gt=0"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = "memory"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "limitkit:"
	}

	if cfg.Tuning.FlushPeriod == 0 {
		cfg.Tuning.FlushPeriod = time.Second
	}
	if cfg.Tuning.BatchSize == 0 {
		cfg.Tuning.BatchSize = store.DefaultBatchSize
	}
	if cfg.Tuning.MaxCachedCounters == 0 {
		cfg.Tuning.MaxCachedCounters = 10000
	}
	if cfg.Tuning.ResponseTimeout == 0 {
		cfg.Tuning.ResponseTimeout = store.DefaultResponseTimeout
	}

	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = "@every 1m"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	cfg.Storage.Redis.Enabled = cfg.Storage.Kind == "redis"
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RedisStoreConfig converts the redis section into a store.RedisConfig.
func (c *Config) RedisStoreConfig() store.RedisConfig {
	r := c.Storage.Redis
	return store.RedisConfig{
		URL:             r.URL,
		Password:        r.Password,
		DB:              r.DB,
		Prefix:          r.Prefix,
		PoolSize:        r.PoolSize,
		MinIdleConns:    r.MinIdleConns,
		DialTimeout:     r.DialTimeout,
		ReadTimeout:     r.ReadTimeout,
		WriteTimeout:    r.WriteTimeout,
		ResponseTimeout: c.Tuning.ResponseTimeout,
		BatchSize:       c.Tuning.BatchSize,
	}
}
