// Package config loads runtime configuration from YAML. Every knob has a
// default suitable for local development, so an empty document is valid.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"playbooks.ai/playbooks/runtime/executor/retry"
)

type (
	// Config is the runtime configuration.
	Config struct {
		// Namespace partitions durable state (checkpoints, streams) between
		// deployments.
		Namespace string `yaml:"namespace"`
		// AgentWaitTimeout is the progressive wait window for agents blocked
		// on a peer.
		AgentWaitTimeout time.Duration `yaml:"agent_wait_timeout"`
		// RollingTimeout is the meeting collector's rolling flush window.
		RollingTimeout time.Duration `yaml:"rolling_timeout"`
		// MaxBatchWait caps how long a meeting batch can buffer.
		MaxBatchWait time.Duration `yaml:"max_batch_wait"`
		// CloseGrace bounds event bus drain on shutdown.
		CloseGrace time.Duration `yaml:"close_grace"`
		// ShutdownGrace bounds cooperative agent shutdown.
		ShutdownGrace time.Duration `yaml:"shutdown_grace"`
		// InboxCap bounds each agent inbox; zero means unbounded.
		InboxCap int `yaml:"inbox_cap"`
		// ArtifactThreshold is the variable size above which values are
		// promoted to artifacts; zero selects the built-in default.
		ArtifactThreshold int `yaml:"artifact_threshold"`
		// Retry is the executor retry policy.
		Retry RetryConfig `yaml:"retry"`
		// Stream configures the optional Pulse event sink.
		Stream StreamConfig `yaml:"stream"`
	}

	// RetryConfig mirrors retry.Config in YAML-friendly form.
	RetryConfig struct {
		// MaxAttempts includes the initial attempt; 0 or 1 disables retries.
		MaxAttempts int `yaml:"max_attempts"`
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration `yaml:"max_backoff"`
		// BackoffMultiplier grows the delay after each retry.
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		// Jitter adds proportional randomness to each delay.
		Jitter float64 `yaml:"jitter"`
	}

	// StreamConfig configures the Pulse event sink.
	StreamConfig struct {
		// Enabled turns the sink on.
		Enabled bool `yaml:"enabled"`
		// RedisAddr is the Redis address backing Pulse streams.
		RedisAddr string `yaml:"redis_addr"`
		// RedisPassword authenticates against Redis when set.
		RedisPassword string `yaml:"redis_password"`
		// MaxLen bounds each stream; zero selects the Pulse default.
		MaxLen int `yaml:"max_len"`
	}
)

// Default returns the configuration used when no document is supplied.
func Default() Config {
	rc := retry.DefaultConfig()
	return Config{
		Namespace:        "playbooks",
		AgentWaitTimeout: 5 * time.Second,
		RollingTimeout:   time.Second,
		MaxBatchWait:     5 * time.Second,
		CloseGrace:       5 * time.Second,
		ShutdownGrace:    10 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:       rc.MaxAttempts,
			InitialBackoff:    rc.InitialBackoff,
			MaxBackoff:        rc.MaxBackoff,
			BackoffMultiplier: rc.BackoffMultiplier,
			Jitter:            rc.Jitter,
		},
		Stream: StreamConfig{
			RedisAddr: "localhost:6379",
		},
	}
}

// Load reads and parses the YAML file at path. A missing file returns the
// defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document over the defaults and validates the result.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RetryPolicy converts the YAML retry block to the retry package's form.
func (c Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts:       c.Retry.MaxAttempts,
		InitialBackoff:    c.Retry.InitialBackoff,
		MaxBackoff:        c.Retry.MaxBackoff,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		Jitter:            c.Retry.Jitter,
	}
}

func (c Config) validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("config: namespace is required")
	}
	if c.AgentWaitTimeout <= 0 {
		return fmt.Errorf("config: agent_wait_timeout must be positive")
	}
	if c.RollingTimeout <= 0 {
		return fmt.Errorf("config: rolling_timeout must be positive")
	}
	if c.MaxBatchWait < c.RollingTimeout {
		return fmt.Errorf("config: max_batch_wait must be at least rolling_timeout")
	}
	if c.InboxCap < 0 {
		return fmt.Errorf("config: inbox_cap must not be negative")
	}
	if c.Stream.Enabled && c.Stream.RedisAddr == "" {
		return fmt.Errorf("config: stream.redis_addr is required when the stream sink is enabled")
	}
	return nil
}
