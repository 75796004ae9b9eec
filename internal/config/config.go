// Package config provides centralized configuration for rpcsentinel.
// Values are layered: built-in defaults, an optional YAML config file,
// environment variables (RPCSENTINEL_ prefix), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Endpoints []string        `mapstructure:"endpoints"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Router    RouterConfig    `mapstructure:"router"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig contains HTTP ingress configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RateLimitConfig tunes the rate-limit detector.
type RateLimitConfig struct {
	DetectionThreshold float64       `mapstructure:"detection_threshold"`
	MinCooldown        time.Duration `mapstructure:"min_cooldown"`
	MaxCooldown        time.Duration `mapstructure:"max_cooldown"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	HistoryWindowSize  int           `mapstructure:"history_window_size"`
}

// WorkerConfig tunes the per-endpoint workers.
type WorkerConfig struct {
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxQueueSize        int           `mapstructure:"max_queue_size"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ErrorThreshold      int           `mapstructure:"error_threshold"`
}

// RouterConfig tunes request routing.
type RouterConfig struct {
	MaxHoldTime time.Duration `mapstructure:"max_hold_time"`
}

// StoreConfig contains database configuration for libsql.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`

	// HistoryWindowSize mirrors rate_limit.history_window_size; the loader
	// copies it over so the store can size its in-memory outcome windows.
	HistoryWindowSize int `mapstructure:"-"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level: debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate checks cross-field constraints before the service starts.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	if len(c.Endpoints) == 0 {
		return errors.New("at least one upstream endpoint is required")
	}
	for _, endpoint := range c.Endpoints {
		if strings.TrimSpace(endpoint) == "" {
			return errors.New("endpoint urls must not be empty")
		}
	}

	if c.RateLimit.DetectionThreshold < 0 || c.RateLimit.DetectionThreshold > 1 {
		return fmt.Errorf("rate_limit.detection_threshold must be within [0,1], got %v", c.RateLimit.DetectionThreshold)
	}
	if c.RateLimit.BackoffMultiplier < 1 {
		return fmt.Errorf("rate_limit.backoff_multiplier must be at least 1, got %v", c.RateLimit.BackoffMultiplier)
	}
	if c.RateLimit.MinCooldown > c.RateLimit.MaxCooldown {
		return fmt.Errorf("rate_limit.min_cooldown %v exceeds max_cooldown %v", c.RateLimit.MinCooldown, c.RateLimit.MaxCooldown)
	}

	if c.Worker.MaxQueueSize <= 0 {
		return fmt.Errorf("worker.max_queue_size must be positive, got %d", c.Worker.MaxQueueSize)
	}
	if c.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("worker.request_timeout must be positive, got %v", c.Worker.RequestTimeout)
	}

	return nil
}
