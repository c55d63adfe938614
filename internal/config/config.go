// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. The
// orchestrator takes no required command-line flags; everything here comes
// from the config file or HARVESTER_* environment variables.
type Config struct {
	Run      RunConfig      `mapstructure:"run"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Backlog  BacklogConfig  `mapstructure:"backlog"`
	Sources  []SourceConfig `mapstructure:"sources"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RunConfig governs the outer batch loop.
type RunConfig struct {
	IdleSleepSeconds   int  `mapstructure:"idle_sleep_seconds"`
	SettleDelaySeconds int  `mapstructure:"settle_delay_seconds"`
	BatchMode          bool `mapstructure:"batch_mode"`
}

// PoolConfig describes the fixed sandbox container pool.
type PoolConfig struct {
	Prefix      string `mapstructure:"prefix"`
	Size        int    `mapstructure:"size"`
	Image       string `mapstructure:"image"`
	RemoveStale bool   `mapstructure:"remove_stale"`
}

// DispatchConfig controls the throttle, exec timeout, and retry policy.
type DispatchConfig struct {
	IntervalMs        int `mapstructure:"interval_ms"`
	ExecTimeoutSec    int `mapstructure:"exec_timeout_seconds"`
	Retries           int `mapstructure:"retries"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
}

// BacklogConfig controls access to the relational backlog.
type BacklogConfig struct {
	DSN       string `mapstructure:"dsn"`
	BatchSize int    `mapstructure:"batch_size"`
	MaxConns  int32  `mapstructure:"max_conns"`
	MinConns  int32  `mapstructure:"min_conns"`
}

// SourceConfig binds one backlog table to the domain its rows belong to.
type SourceConfig struct {
	Name   string `mapstructure:"name"`
	Table  string `mapstructure:"table"`
	Domain string `mapstructure:"domain"`
}

// StorageConfig sets the shared container-visible root and the durable
// artifact tree.
type StorageConfig struct {
	SharedRoot    string `mapstructure:"shared_root"`
	ContainerRoot string `mapstructure:"container_root"`
	DurableRoot   string `mapstructure:"durable_root"`
	OwnerUID      int    `mapstructure:"owner_uid"`
	OwnerGID      int    `mapstructure:"owner_gid"`
}

// PubSubConfig holds metadata for completion-event notifications. Both fields
// empty disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("run.idle_sleep_seconds", 600)
	v.SetDefault("run.settle_delay_seconds", 60)
	v.SetDefault("run.batch_mode", false)
	v.SetDefault("pool.prefix", "news_traffic")
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.image", "tracelab/trace-spider:latest")
	v.SetDefault("pool.remove_stale", false)
	v.SetDefault("dispatch.interval_ms", 1000)
	v.SetDefault("dispatch.exec_timeout_seconds", 6000)
	v.SetDefault("dispatch.retries", 5)
	v.SetDefault("dispatch.retry_delay_seconds", 5)
	v.SetDefault("backlog.batch_size", 10000)
	v.SetDefault("backlog.max_conns", 4)
	v.SetDefault("storage.container_root", "/app")
	v.SetDefault("storage.owner_uid", 1002)
	v.SetDefault("storage.owner_gid", 1002)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Pool.Prefix == "" {
		return fmt.Errorf("pool.prefix is required")
	}
	if c.Pool.Image == "" {
		return fmt.Errorf("pool.image is required")
	}
	if c.Dispatch.IntervalMs < 0 {
		return fmt.Errorf("dispatch.interval_ms must be >= 0")
	}
	if c.Dispatch.ExecTimeoutSec <= 0 {
		return fmt.Errorf("dispatch.exec_timeout_seconds must be > 0")
	}
	if c.Dispatch.Retries < 0 {
		return fmt.Errorf("dispatch.retries must be >= 0")
	}
	if c.Backlog.DSN == "" {
		return fmt.Errorf("backlog.dsn is required")
	}
	if c.Backlog.BatchSize <= 0 {
		return fmt.Errorf("backlog.batch_size must be > 0")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for i, src := range c.Sources {
		if src.Name == "" || src.Table == "" || src.Domain == "" {
			return fmt.Errorf("sources[%d]: name, table, and domain are all required", i)
		}
	}
	if c.Storage.SharedRoot == "" {
		return fmt.Errorf("storage.shared_root is required")
	}
	if c.Storage.DurableRoot == "" {
		return fmt.Errorf("storage.durable_root is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// DispatchInterval returns the throttle spacing as a duration.
func (c Config) DispatchInterval() time.Duration {
	return time.Duration(c.Dispatch.IntervalMs) * time.Millisecond
}

// ExecTimeout returns the sandbox exec deadline as a duration.
func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.Dispatch.ExecTimeoutSec) * time.Second
}

// RetryDelay returns the fixed inter-attempt delay as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Dispatch.RetryDelaySeconds) * time.Second
}

// IdleSleep returns the pause between empty backlog polls as a duration.
func (c Config) IdleSleep() time.Duration {
	return time.Duration(c.Run.IdleSleepSeconds) * time.Second
}

// SettleDelay returns the post-drain pause before container teardown.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Run.SettleDelaySeconds) * time.Second
}
