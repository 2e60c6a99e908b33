// Copyright 2025 James Ross
// Package config loads outboxd's configuration from YAML with environment
// variable overrides, grounded on the teacher's viper-based Load/Validate
// shape.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Retry struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type Store struct {
	// Driver selects the entry store backend: "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite file path; ignored for the memory driver.
	Path string `mapstructure:"path"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type HTTPTransport struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Scheduler struct {
	Concurrency      int           `mapstructure:"concurrency"`
	AutoStart        bool          `mapstructure:"auto_start"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	PauseOnNoNetwork bool          `mapstructure:"pause_on_no_network"`
}

type Admin struct {
	Addr string `mapstructure:"addr"`
}

type Maintenance struct {
	Enabled          bool          `mapstructure:"enabled"`
	Schedule         string        `mapstructure:"schedule"`
	RetentionForDone time.Duration `mapstructure:"retention_for_done"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Retry          Retry          `mapstructure:"retry"`
	Store          Store          `mapstructure:"store"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Transport      HTTPTransport  `mapstructure:"transport"`
	Scheduler      Scheduler      `mapstructure:"scheduler"`
	Admin          Admin          `mapstructure:"admin"`
	Maintenance    Maintenance    `mapstructure:"maintenance"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Retry: Retry{
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 8,
		},
		Store: Store{
			Driver: "sqlite",
			Path:   "./data/outbox.db",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Transport: HTTPTransport{
			Timeout: 10 * time.Second,
		},
		Scheduler: Scheduler{
			Concurrency:      3,
			AutoStart:        true,
			Heartbeat:        time.Second,
			LockTimeout:      5 * time.Minute,
			PauseOnNoNetwork: false,
		},
		Admin: Admin{
			Addr: ":8080",
		},
		Maintenance: Maintenance{
			Enabled:          true,
			Schedule:         "@every 1h",
			RetentionForDone: 7 * 24 * time.Hour,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file at path, if present, layering
// environment variable overrides (OUTBOX_RETRY_BASE_DELAY style, via
// SetEnvKeyReplacer mapping "." to "_") on top of the built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("outbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("retry.base_delay", def.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", def.Retry.MaxDelay)
	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)

	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.path", def.Store.Path)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("transport.url", def.Transport.URL)
	v.SetDefault("transport.timeout", def.Transport.Timeout)

	v.SetDefault("scheduler.concurrency", def.Scheduler.Concurrency)
	v.SetDefault("scheduler.auto_start", def.Scheduler.AutoStart)
	v.SetDefault("scheduler.heartbeat", def.Scheduler.Heartbeat)
	v.SetDefault("scheduler.lock_timeout", def.Scheduler.LockTimeout)
	v.SetDefault("scheduler.pause_on_no_network", def.Scheduler.PauseOnNoNetwork)

	v.SetDefault("admin.addr", def.Admin.Addr)

	v.SetDefault("maintenance.enabled", def.Maintenance.Enabled)
	v.SetDefault("maintenance.schedule", def.Maintenance.Schedule)
	v.SetDefault("maintenance.retention_for_done", def.Maintenance.RetentionForDone)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants Load cannot express through defaults alone.
func Validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver must be \"memory\" or \"sqlite\", got %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required when store.driver is \"sqlite\"")
	}
	if cfg.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be > 0")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be >= 1")
	}
	if cfg.Scheduler.Heartbeat <= 0 {
		return fmt.Errorf("scheduler.heartbeat must be > 0")
	}
	if cfg.Scheduler.LockTimeout <= 0 {
		return fmt.Errorf("scheduler.lock_timeout must be > 0")
	}
	if cfg.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
