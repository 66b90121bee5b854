package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scheduler:
  concurrency: 20
  chunk_size: 250
  task_timeout_seconds: 90
domain:
  max_in_flight: 4
  cooldown_seconds: 1.5
resources:
  cpu_percent_limit: 70
  memory_percent_limit: 75
  critical_margin: 15
retry:
  max_attempts: 5
  base_delay_ms: 100
  max_delay_ms: 10000
checkpoint:
  dir: /tmp/urlsieve-state
  flush_every: 64
qa:
  enabled: true
  recheck_percentage: 0.05
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Scheduler.Concurrency != 20 || cfg.Scheduler.ChunkSize != 250 {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.Domain.MaxInFlight != 4 {
		t.Fatalf("expected domain cap 4, got %d", cfg.Domain.MaxInFlight)
	}
	if got := cfg.Cooldown(); got != 1500*time.Millisecond {
		t.Fatalf("expected cooldown 1.5s, got %v", got)
	}
	if got := cfg.TaskTimeout(); got != 90*time.Second {
		t.Fatalf("expected task timeout 90s, got %v", got)
	}
	if cfg.Resources.CriticalMargin != 15 {
		t.Fatalf("expected critical margin 15, got %v", cfg.Resources.CriticalMargin)
	}
	if !cfg.QA.Enabled || cfg.QA.RecheckPercentage != 0.05 {
		t.Fatalf("expected qa overrides to apply: %+v", cfg.QA)
	}
	// Unset sections keep their defaults.
	if cfg.Checkpoint.FlushIntervalS != 2 {
		t.Fatalf("expected default flush interval, got %d", cfg.Checkpoint.FlushIntervalS)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Concurrency != 10 || cfg.Scheduler.ChunkSize != 100 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Domain.MaxInFlight != 2 || cfg.Domain.CooldownSeconds != 3.0 {
		t.Fatalf("unexpected domain defaults: %+v", cfg.Domain)
	}
	if cfg.Resources.CPUPercentLimit != 80 || cfg.Resources.MemoryPercentLimit != 80 {
		t.Fatalf("unexpected resource defaults: %+v", cfg.Resources)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
}

func TestValidateAcceptsPublisherProviders(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, provider := range []string{"", "noop", "memory"} {
		cfg.PubSub.Provider = provider
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate() with provider %q: %v", provider, err)
		}
	}
	cfg.PubSub.Provider = "gcp"
	cfg.PubSub.ProjectID = "demo"
	cfg.PubSub.TopicName = "events"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with gcp provider: %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	valid, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Scheduler.Concurrency = 0 },
			wantSub: "scheduler.concurrency",
		},
		{
			name:    "zero domain cap",
			mutate:  func(c *Config) { c.Domain.MaxInFlight = 0 },
			wantSub: "domain.max_in_flight",
		},
		{
			name:    "cpu limit out of range",
			mutate:  func(c *Config) { c.Resources.CPUPercentLimit = 101 },
			wantSub: "cpu_percent_limit",
		},
		{
			name:    "backoff inversion",
			mutate:  func(c *Config) { c.Retry.MaxDelayMs = c.Retry.BaseDelayMs - 1 },
			wantSub: "retry delays",
		},
		{
			name:    "missing checkpoint dir",
			mutate:  func(c *Config) { c.Checkpoint.Dir = "" },
			wantSub: "checkpoint.dir",
		},
		{
			name:    "auth without key",
			mutate:  func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" },
			wantSub: "auth.api_key",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.DB.Provider = "postgres"; c.DB.DSN = "" },
			wantSub: "db.dsn",
		},
		{
			name:    "gcp publisher without project",
			mutate:  func(c *Config) { c.PubSub.Provider = "gcp"; c.PubSub.TopicName = "events" },
			wantSub: "pubsub.project_id",
		},
		{
			name:    "unknown publisher provider",
			mutate:  func(c *Config) { c.PubSub.Provider = "kafka" },
			wantSub: "pubsub.provider",
		},
		{
			name:    "recheck percentage out of range",
			mutate:  func(c *Config) { c.QA.RecheckPercentage = 1.5 },
			wantSub: "recheck_percentage",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("expected error containing %q, got %v", tc.wantSub, err)
			}
		})
	}
}
