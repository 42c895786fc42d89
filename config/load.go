package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, applies defaults and
// LIMITKIT_* environment overrides, then validates the result. An empty
// path yields the defaults plus environment overrides.
//
// Environment variables follow LIMITKIT_SECTION_FIELD, for example
// LIMITKIT_SERVER_ADDRESS or LIMITKIT_STORAGE_REDIS_URL, and always take
// precedence over the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"LIMITKIT_SERVER_ADDRESS":         &cfg.Server.Address,
		"LIMITKIT_SERVER_API_KEY":         &cfg.Server.APIKey,
		"LIMITKIT_STORAGE_KIND":           &cfg.Storage.Kind,
		"LIMITKIT_STORAGE_REDIS_URL":      &cfg.Storage.Redis.URL,
		"LIMITKIT_STORAGE_REDIS_PASSWORD": &cfg.Storage.Redis.Password,
		"LIMITKIT_STORAGE_REDIS_PREFIX":   &cfg.Storage.Redis.Prefix,
		"LIMITKIT_LIMITS_FILE":            &cfg.LimitsFile,
		"LIMITKIT_PURGE_SCHEDULE":         &cfg.PurgeSchedule,
		"LIMITKIT_LOG_LEVEL":              &cfg.LogLevel,
	}
	for name, dst := range strs {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"LIMITKIT_STORAGE_REDIS_DB":        &cfg.Storage.Redis.DB,
		"LIMITKIT_STORAGE_REDIS_POOL_SIZE": &cfg.Storage.Redis.PoolSize,
		"LIMITKIT_TUNING_BATCH_SIZE":       &cfg.Tuning.BatchSize,
	}
	for name, dst := range ints {
		if val := os.Getenv(name); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = i
		}
	}

	durations := map[string]*time.Duration{
		"LIMITKIT_TUNING_RESPONSE_TIMEOUT": &cfg.Tuning.ResponseTimeout,
		"LIMITKIT_TUNING_FLUSH_PERIOD":     &cfg.Tuning.FlushPeriod,
	}
	for name, dst := range durations {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}

	if val := os.Getenv("LIMITKIT_SERVER_MAX_BODY_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid LIMITKIT_SERVER_MAX_BODY_BYTES: %w", err)
		}
		cfg.Server.MaxBodyBytes = n
	}
	if val := os.Getenv("LIMITKIT_WATCH_LIMITS"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid LIMITKIT_WATCH_LIMITS: %w", err)
		}
		cfg.WatchLimits = b
	}
	return nil
}
