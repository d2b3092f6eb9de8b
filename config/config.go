// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the hub.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Hub       HubConfig       `yaml:"hub" toml:"hub"`
	Compat    CompatConfig    `yaml:"compat" toml:"compat"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
}

// ServerConfig holds listener and telemetry configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ControlAddr     string        `yaml:"control_addr" toml:"control_addr"`
	WSAddr          string        `yaml:"ws_addr" toml:"ws_addr"`
	WSPath          string        `yaml:"ws_path" toml:"ws_path"`
	HealthAddr      string        `yaml:"health_addr" toml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr" toml:"metrics_addr"` // OTLP gRPC endpoint
	MaxBodySize     int64         `yaml:"max_body_size" toml:"max_body_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ControlEnabled  bool          `yaml:"control_enabled" toml:"control_enabled"`
	H2CEnabled      bool          `yaml:"h2c_enabled" toml:"h2c_enabled"`
	WSEnabled       bool          `yaml:"ws_enabled" toml:"ws_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled" toml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled" toml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name" toml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version" toml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled" toml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled" toml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate" toml:"otel_trace_sample_rate"` // 0.0 to 1.0

	// OTLP transport. An empty CA file with insecure off uses the system roots.
	OtelInsecure       bool              `yaml:"otel_insecure" toml:"otel_insecure"`
	OtelTLSCAFile      string            `yaml:"otel_tls_ca_file" toml:"otel_tls_ca_file"`
	OtelHeaders        map[string]string `yaml:"otel_headers" toml:"otel_headers"`
	OtelExportInterval time.Duration     `yaml:"otel_export_interval" toml:"otel_export_interval"`
}

// HubConfig holds fan-out queue and stream settings.
type HubConfig struct {
	ID                string        `yaml:"id" toml:"id"`
	QueueCapacity     uint64        `yaml:"queue_capacity" toml:"queue_capacity"`
	QueueMaxAge       time.Duration `yaml:"queue_max_age" toml:"queue_max_age"` // 0 disables age eviction
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	ClockResolution   time.Duration `yaml:"clock_resolution" toml:"clock_resolution"`
	DefaultGroup      string        `yaml:"default_group" toml:"default_group"`
}

// CompatConfig holds legacy protocol mapping settings.
type CompatConfig struct {
	// DefaultZone is assigned to V1 routes, which carry no zone.
	DefaultZone uint32 `yaml:"default_zone" toml:"default_zone"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" toml:"format"` // text, json
	File       string `yaml:"file" toml:"file"`     // empty logs to stdout
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// RateLimitConfig holds request rate limits.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	Stream  LimitConfig `yaml:"stream" toml:"stream"`   // stream opens per client IP
	Publish LimitConfig `yaml:"publish" toml:"publish"` // publishes per instance
	Control LimitConfig `yaml:"control" toml:"control"` // control requests per client IP

	CleanupInterval time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// LimitConfig is one token bucket.
type LimitConfig struct {
	Enabled bool    `yaml:"enabled" toml:"enabled"`
	Rate    float64 `yaml:"rate" toml:"rate"`   // events per second per key
	Burst   int     `yaml:"burst" toml:"burst"` // burst allowance
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled" toml:"enabled"`
	QueueSize       int               `yaml:"queue_size" toml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy" toml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers" toml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults" toml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints" toml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout" toml:"timeout"`
	Retry          RetryConfig          `yaml:"retry" toml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" toml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" toml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" toml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name          string            `yaml:"name" toml:"name"`
	URL           string            `yaml:"url" toml:"url"`
	Events        []string          `yaml:"events" toml:"events"`                 // Event type filter (empty = all)
	TargetFilters []string          `yaml:"target_filters" toml:"target_filters"` // Glob filters on instance/target (empty = all)
	Headers       map[string]string `yaml:"headers" toml:"headers"`
	Timeout       time.Duration     `yaml:"timeout,omitempty" toml:"timeout,omitempty"` // Override default
	Retry         *RetryConfig      `yaml:"retry,omitempty" toml:"retry,omitempty"`     // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8090",
			ControlAddr:     "127.0.0.1:8091",
			ControlEnabled:  true,
			WSAddr:          ":8093",
			WSPath:          "/ws",
			WSEnabled:       false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			MaxBodySize:     4 * 1024 * 1024,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "fluxhub",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelInsecure:        true,
			OtelExportInterval:  10 * time.Second,
		},
		Hub: HubConfig{
			ID:                "hub-1",
			QueueCapacity:     1000,
			QueueMaxAge:       30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			PollInterval:      10 * time.Millisecond,
			ClockResolution:   500 * time.Millisecond,
			DefaultGroup:      "default",
		},
		Compat: CompatConfig{
			DefaultZone: 0,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			Stream:          LimitConfig{Enabled: true, Rate: 100.0 / 60.0, Burst: 20},
			Publish:         LimitConfig{Enabled: true, Rate: 100, Burst: 50},
			Control:         LimitConfig{Enabled: false, Rate: 1000, Burst: 200},
			CleanupInterval: 5 * time.Minute,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if isTOML(filename) {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func isTOML(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".toml")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.ControlEnabled && c.Server.ControlAddr == "" {
		return fmt.Errorf("server.control_addr required when control is enabled")
	}
	if c.Server.WSEnabled {
		if c.Server.WSAddr == "" {
			return fmt.Errorf("server.ws_addr required when websocket is enabled")
		}
		if !strings.HasPrefix(c.Server.WSPath, "/") {
			return fmt.Errorf("server.ws_path must start with '/'")
		}
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MaxBodySize < 1024 {
		return fmt.Errorf("server.max_body_size must be at least 1KB")
	}

	if c.Hub.QueueCapacity < 1 {
		return fmt.Errorf("hub.queue_capacity must be at least 1")
	}
	if c.Hub.QueueMaxAge < 0 {
		return fmt.Errorf("hub.queue_max_age cannot be negative")
	}
	if c.Hub.HeartbeatInterval < 100*time.Millisecond {
		return fmt.Errorf("hub.heartbeat_interval must be at least 100ms")
	}
	if c.Hub.PollInterval < time.Millisecond {
		return fmt.Errorf("hub.poll_interval must be at least 1ms")
	}
	if c.Hub.ClockResolution < time.Millisecond {
		return fmt.Errorf("hub.clock_resolution must be at least 1ms")
	}
	if c.Hub.ClockResolution >= c.Hub.HeartbeatInterval {
		return fmt.Errorf("hub.clock_resolution must be shorter than hub.heartbeat_interval")
	}
	if strings.TrimSpace(c.Hub.DefaultGroup) == "" || strings.Contains(c.Hub.DefaultGroup, ",") {
		return fmt.Errorf("hub.default_group must be a non-empty group name")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}
	if c.Log.File != "" && c.Log.MaxSizeMB < 1 {
		return fmt.Errorf("log.max_size_mb must be at least 1 when log.file is set")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Server.OtelInsecure && c.Server.OtelTLSCAFile != "" {
			return fmt.Errorf("server.otel_tls_ca_file cannot be set when server.otel_insecure is true")
		}
		if c.Server.OtelExportInterval < 0 {
			return fmt.Errorf("server.otel_export_interval cannot be negative")
		}
	}

	if c.RateLimit.Enabled {
		limits := []struct {
			name string
			cfg  LimitConfig
		}{
			{"stream", c.RateLimit.Stream},
			{"publish", c.RateLimit.Publish},
			{"control", c.RateLimit.Control},
		}
		for _, l := range limits {
			if !l.cfg.Enabled {
				continue
			}
			if l.cfg.Rate <= 0 {
				return fmt.Errorf("ratelimit.%s.rate must be positive", l.name)
			}
			if l.cfg.Burst < 1 {
				return fmt.Errorf("ratelimit.%s.burst must be at least 1", l.name)
			}
		}
		if c.RateLimit.CleanupInterval < time.Second {
			return fmt.Errorf("ratelimit.cleanup_interval must be at least 1 second")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
			for _, filter := range endpoint.TargetFilters {
				if _, err := path.Match(filter, ""); err != nil {
					return fmt.Errorf("webhook.endpoints[%d].target_filters: %q: %w", i, filter, err)
				}
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML or TOML file, chosen by extension.
func (c *Config) Save(filename string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(filename) {
		var buf strings.Builder
		err = toml.NewEncoder(&buf).Encode(c)
		data = []byte(buf.String())
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
