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
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Domain     DomainConfig     `mapstructure:"domain"`
	Resources  ResourcesConfig  `mapstructure:"resources"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	QA         QAConfig         `mapstructure:"qa"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs the batch scheduling engine.
type SchedulerConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	ChunkSize         int `mapstructure:"chunk_size"`
	TaskTimeoutSec    int `mapstructure:"task_timeout_seconds"`
	DrainPollMs       int `mapstructure:"drain_poll_ms"`
	PressurePauseMs   int `mapstructure:"pressure_pause_ms"`
	AdmitRetryFloorMs int `mapstructure:"admit_retry_floor_ms"`
}

// DomainConfig bounds per-destination courtesy limits.
type DomainConfig struct {
	MaxInFlight     int     `mapstructure:"max_in_flight"`
	CooldownSeconds float64 `mapstructure:"cooldown_seconds"`
}

// ResourcesConfig sets the pressure thresholds for admission shedding.
type ResourcesConfig struct {
	CPUPercentLimit    float64 `mapstructure:"cpu_percent_limit"`
	MemoryPercentLimit float64 `mapstructure:"memory_percent_limit"`
	CriticalMargin     float64 `mapstructure:"critical_margin"`
	SampleIntervalSec  int     `mapstructure:"sample_interval_seconds"`
}

// RetryConfig shapes the backoff schedule for retryable failures.
type RetryConfig struct {
	MaxAttempts   int  `mapstructure:"max_attempts"`
	BaseDelayMs   int  `mapstructure:"base_delay_ms"`
	MaxDelayMs    int  `mapstructure:"max_delay_ms"`
	ShedDelayMs   int  `mapstructure:"shed_delay_ms"`
	JitterEnabled bool `mapstructure:"jitter"`
}

// CheckpointConfig controls durability cadence for batch progress.
type CheckpointConfig struct {
	Dir            string `mapstructure:"dir"`
	FlushEvery     int    `mapstructure:"flush_every"`
	FlushIntervalS int    `mapstructure:"flush_interval_seconds"`
}

// FetchConfig configures the built-in fetch collaborator.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// DBConfig controls access to the relational report store.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// QAConfig tunes the sampling re-checker.
type QAConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RecheckPercentage float64 `mapstructure:"recheck_percentage"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("URLSIEVE")
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
	v.SetDefault("scheduler.concurrency", 10)
	v.SetDefault("scheduler.chunk_size", 100)
	v.SetDefault("scheduler.task_timeout_seconds", 60)
	v.SetDefault("scheduler.drain_poll_ms", 50)
	v.SetDefault("scheduler.pressure_pause_ms", 500)
	v.SetDefault("scheduler.admit_retry_floor_ms", 250)
	v.SetDefault("domain.max_in_flight", 2)
	v.SetDefault("domain.cooldown_seconds", 3.0)
	v.SetDefault("resources.cpu_percent_limit", 80.0)
	v.SetDefault("resources.memory_percent_limit", 80.0)
	v.SetDefault("resources.critical_margin", 10.0)
	v.SetDefault("resources.sample_interval_seconds", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.shed_delay_ms", 1000)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("checkpoint.dir", "data/batch_state")
	v.SetDefault("checkpoint.flush_every", 32)
	v.SetDefault("checkpoint.flush_interval_seconds", 2)
	v.SetDefault("fetch.user_agent", "urlsieve-bot/0.1")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("db.provider", "noop")
	v.SetDefault("pubsub.provider", "noop")
	v.SetDefault("qa.enabled", false)
	v.SetDefault("qa.recheck_percentage", 0.01)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.ChunkSize <= 0 {
		return fmt.Errorf("scheduler.chunk_size must be > 0")
	}
	if c.Domain.MaxInFlight <= 0 {
		return fmt.Errorf("domain.max_in_flight must be > 0")
	}
	if c.Domain.CooldownSeconds < 0 {
		return fmt.Errorf("domain.cooldown_seconds must be >= 0")
	}
	if c.Resources.CPUPercentLimit <= 0 || c.Resources.CPUPercentLimit > 100 {
		return fmt.Errorf("resources.cpu_percent_limit must be in (0, 100]")
	}
	if c.Resources.MemoryPercentLimit <= 0 || c.Resources.MemoryPercentLimit > 100 {
		return fmt.Errorf("resources.memory_percent_limit must be in (0, 100]")
	}
	if c.Resources.CriticalMargin < 0 {
		return fmt.Errorf("resources.critical_margin must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelayMs <= 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir must be set")
	}
	if c.Checkpoint.FlushEvery <= 0 {
		return fmt.Errorf("checkpoint.flush_every must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	switch c.PubSub.Provider {
	case "", "noop", "memory":
	case "gcp":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub.provider is gcp")
		}
	default:
		return fmt.Errorf("pubsub.provider must be one of noop, memory, gcp")
	}
	if c.QA.RecheckPercentage < 0 || c.QA.RecheckPercentage > 1 {
		return fmt.Errorf("qa.recheck_percentage must be in [0, 1]")
	}
	return nil
}

// TaskTimeout converts the scheduler timeout into a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Scheduler.TaskTimeoutSec) * time.Second
}

// Cooldown converts the per-destination cooldown into a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Domain.CooldownSeconds * float64(time.Second))
}

// SampleInterval converts the resource sampling cadence into a duration.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(c.Resources.SampleIntervalSec) * time.Second
}
