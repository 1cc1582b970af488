// Package config loads and validates the dispatcher's typed, environment-
// layered settings (spec.md §4.8).
package config

import (
	"fmt"
	"os"
)

// HostConfig describes one executor or LLM endpoint the router may dispatch
// to.
type HostConfig struct {
	Name               string   `mapstructure:"name"`
	URL                string   `mapstructure:"url"`
	Model              string   `mapstructure:"model"`
	Capabilities       []string `mapstructure:"capabilities"`
	Priority           int      `mapstructure:"priority"`
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
}

// RetryConfig shapes the backoff algorithm in internal/breaker.
type RetryConfig struct {
	MaxAttempts     int     `mapstructure:"max_attempts"`
	InitialDelayMS  int     `mapstructure:"initial_delay_ms"`
	MaxDelayMS      int     `mapstructure:"max_delay_ms"`
	ExponentialBase float64 `mapstructure:"exponential_base"`
	Jitter          bool    `mapstructure:"jitter"`
}

// BreakerConfig shapes the per-host circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownMinutes  int `mapstructure:"cooldown_minutes"`
}

// ObservabilityConfig wires structured events and the metrics endpoint.
type ObservabilityConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	LogDir        string `mapstructure:"log_dir"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	MetricsPort   int    `mapstructure:"metrics_port"`
}

// CloudConfig wires the cloud-inference fallback used when the in-fleet
// candidates and their breakers are exhausted.
type CloudConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Endpoint       string   `mapstructure:"endpoint"`
	CredentialEnv  string   `mapstructure:"credential_env"`
	InferenceTypes []string `mapstructure:"inference_types"`
}

// RedisConfig is optional: when set, the dispatcher fans structured events
// out to a Redis pub/sub channel so read-only observers can tail ledger
// activity without touching the single-writer ledger file (spec.md §1
// requires "safe coexistence with read-only observers").
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// Config is the full, validated dispatcher configuration.
type Config struct {
	DataDir                string              `mapstructure:"data_dir"`
	Concurrency            map[string]int      `mapstructure:"concurrency"`
	Retry                  RetryConfig         `mapstructure:"retry"`
	Breaker                BreakerConfig       `mapstructure:"breaker"`
	Hosts                  []HostConfig        `mapstructure:"hosts"`
	Observability          ObservabilityConfig `mapstructure:"observability"`
	PollIntervalSeconds    int                 `mapstructure:"poll_interval_seconds"`
	ShutdownTimeoutSeconds int                 `mapstructure:"shutdown_timeout_seconds"`
	Cloud                  CloudConfig         `mapstructure:"cloud"`
	Redis                  RedisConfig         `mapstructure:"redis"`
}

// Default returns the built-in defaults named throughout spec.md §4.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialDelayMS:  500,
			MaxDelayMS:      5000,
			ExponentialBase: 2.0,
			Jitter:          true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			CooldownMinutes:  5,
		},
		Observability: ObservabilityConfig{
			Enabled:       true,
			LogDir:        "./logs",
			EnableMetrics: true,
			MetricsPort:   9090,
		},
		PollIntervalSeconds:    2,
		ShutdownTimeoutSeconds: 60,
		Cloud: CloudConfig{
			InferenceTypes: []string{"code-generation", "text-processing", "reasoning", "summarize", "general"},
		},
	}
}

// Validate enforces the startup-failure conditions listed in spec.md §4.8.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("config: zero hosts configured")
	}
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Name == "" || h.URL == "" {
			return fmt.Errorf("config: host entry missing name or url: %+v", h)
		}
		if seen[h.Name] {
			return fmt.Errorf("config: duplicate host name %q", h.Name)
		}
		seen[h.Name] = true
		if h.TimeoutSeconds <= 0 {
			return fmt.Errorf("config: host %q timeout_seconds must be > 0", h.Name)
		}
		if h.RateLimitPerMinute < 0 {
			return fmt.Errorf("config: host %q rate_limit_per_minute must be >= 0", h.Name)
		}
	}

	for host, limit := range c.Concurrency {
		if limit < 1 || limit > 16 {
			return fmt.Errorf("config: concurrency.%s must be 1-16, got %d", host, limit)
		}
	}

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("config: retry.max_attempts must be 1-10, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelayMS <= 0 || c.Retry.MaxDelayMS <= 0 {
		return fmt.Errorf("config: retry delay values must be > 0")
	}
	if c.Retry.InitialDelayMS > c.Retry.MaxDelayMS {
		return fmt.Errorf("config: retry.initial_delay_ms must be <= retry.max_delay_ms")
	}
	if c.Retry.ExponentialBase <= 1.0 {
		return fmt.Errorf("config: retry.exponential_base must be > 1.0")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.CooldownMinutes < 1 {
		return fmt.Errorf("config: breaker.cooldown_minutes must be >= 1")
	}

	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: poll_interval_seconds must be > 0")
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: shutdown_timeout_seconds must be > 0")
	}

	if c.Cloud.Enabled {
		if c.Cloud.Endpoint == "" {
			return fmt.Errorf("config: cloud.enabled requires cloud.endpoint")
		}
		if c.Cloud.CredentialEnv == "" {
			return fmt.Errorf("config: cloud.enabled requires cloud.credential_env")
		}
		if os.Getenv(c.Cloud.CredentialEnv) == "" {
			return fmt.Errorf("config: cloud fallback enabled without credential (env %q unset)", c.Cloud.CredentialEnv)
		}
	}

	if c.Observability.EnableMetrics && (c.Observability.MetricsPort <= 0 || c.Observability.MetricsPort > 65535) {
		return fmt.Errorf("config: observability.metrics_port out of range")
	}

	return nil
}

// IsCloudEligible reports whether task type t may fall back to the cloud
// endpoint. The qualifying set is configuration-defined per spec.md §9.
func (c *Config) IsCloudEligible(taskType string) bool {
	for _, t := range c.Cloud.InferenceTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
