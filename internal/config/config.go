// Package config loads coordinator settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the coordinator's runtime configuration. Command-line flags
// override these values.
type Config struct {
	// DBPath is the SQLite stream store file.
	DBPath string `env:"PROJMGR_DB" envDefault:"projmgr.db"`

	// StopTimeout bounds the wait for the core to acknowledge a stop.
	StopTimeout time.Duration `env:"PROJMGR_STOP_TIMEOUT" envDefault:"5s"`

	// ResumeRetainedCheckpoints makes a projection re-created under a
	// deleted one's name resume from the checkpoints left behind.
	ResumeRetainedCheckpoints bool `env:"PROJMGR_RESUME_RETAINED_CHECKPOINTS" envDefault:"true"`

	// MetricsAddr enables the Prometheus endpoint when set, e.g. ":9090".
	MetricsAddr string `env:"PROJMGR_METRICS_ADDR"`

	LogLevel  string `env:"PROJMGR_LOG_LEVEL" envDefault:"info"`
	ReadBatch int    `env:"PROJMGR_READ_BATCH" envDefault:"256"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Default returns the configuration with every variable unset.
func Default() Config {
	var cfg Config
	// Defaults are static; parsing an empty environment cannot fail.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("PROJMGR_DB must not be empty"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROJMGR_STOP_TIMEOUT must be positive, got %s", c.StopTimeout))
	}
	if c.ReadBatch <= 0 {
		errs = append(errs, fmt.Errorf("PROJMGR_READ_BATCH must be positive, got %d", c.ReadBatch))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("PROJMGR_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
