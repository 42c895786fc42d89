package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("Server.Address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.Storage.Kind != "memory" {
		t.Errorf("Storage.Kind = %q, want memory", cfg.Storage.Kind)
	}
	if cfg.Tuning.FlushPeriod != time.Second {
		t.Errorf("Tuning.FlushPeriod = %v, want 1s", cfg.Tuning.FlushPeriod)
	}
	if cfg.Tuning.BatchSize != 100 {
		t.Errorf("Tuning.BatchSize = %d, want 100", cfg.Tuning.BatchSize)
	}
	if cfg.Tuning.MaxCachedCounters != 10000 {
		t.Errorf("Tuning.MaxCachedCounters = %d, want 10000", cfg.Tuning.MaxCachedCounters)
	}
	if cfg.Tuning.ResponseTimeout != 350*time.Millisecond {
		t.Errorf("Tuning.ResponseTimeout = %v, want 350ms", cfg.Tuning.ResponseTimeout)
	}
	if cfg.PurgeSchedule != "@every 1m" {
		t.Errorf("PurgeSchedule = %q, want @every 1m", cfg.PurgeSchedule)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  address: "127.0.0.1:9000"
  api_key: secret
storage:
  kind: redis
  redis:
    url: "localhost:6379"
    db: 2
tuning:
  response_timeout: 500ms
  batch_size: 50
limits_file: limits.yaml
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != "127.0.0.1:9000" || cfg.Server.APIKey != "secret" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Storage.Kind != "redis" || cfg.Storage.Redis.DB != 2 {
		t.Errorf("Storage = %+v", cfg.Storage)
	}

	rc := cfg.RedisStoreConfig()
	if rc.URL != "localhost:6379" || rc.ResponseTimeout != 500*time.Millisecond || rc.BatchSize != 50 {
		t.Errorf("RedisStoreConfig() = %+v", rc)
	}
	if rc.Prefix != "limitkit:" {
		t.Errorf("RedisStoreConfig().Prefix = %q, want default", rc.Prefix)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  address: \":1234\"\n")

	t.Setenv("LIMITKIT_SERVER_ADDRESS", ":5678")
	t.Setenv("LIMITKIT_TUNING_RESPONSE_TIMEOUT", "1s")
	t.Setenv("LIMITKIT_TUNING_BATCH_SIZE", "25")
	t.Setenv("LIMITKIT_WATCH_LIMITS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != ":5678" {
		t.Errorf("Server.Address = %q, want the environment value", cfg.Server.Address)
	}
	if cfg.Tuning.ResponseTimeout != time.Second || cfg.Tuning.BatchSize != 25 || !cfg.WatchLimits {
		t.Errorf("overrides not applied: %+v, watch=%v", cfg.Tuning, cfg.WatchLimits)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{name: "bad yaml", content: "server: [", wantErr: "parse"},
		{name: "unknown storage", content: "storage:\n  kind: etcd\n", wantErr: "Kind"},
		{name: "redis without url", content: "storage:\n  kind: redis\n", wantErr: "URL"},
		{name: "bad log level", content: "log_level: loud\n", wantErr: "LogLevel"},
		{name: "negative batch", content: "tuning:\n  batch_size: -1\n", wantErr: "BatchSize"},
		{name: "bad env duration", content: "", env: map[string]string{"LIMITKIT_TUNING_FLUSH_PERIOD": "soon"}, wantErr: "LIMITKIT_TUNING_FLUSH_PERIOD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, "config.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}
