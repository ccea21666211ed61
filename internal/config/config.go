// Package config loads tool settings from the workspace state directory.
// Missing files and fields fall back to defaults; a config file is never
// required.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors .sew/config.yaml.
type Config struct {
	Match struct {
		Threshold float64 `yaml:"threshold"`
	} `yaml:"match"`
	Executor struct {
		Workers   int `yaml:"workers"`
		Retries   int `yaml:"retries"`
		BackoffMs int `yaml:"backoff_ms"`
	} `yaml:"executor"`
	Retention struct {
		MaxBatches int `yaml:"max_batches"`
		MaxAgeDays int `yaml:"max_age_days"`
	} `yaml:"retention"`
}

// Default returns the built-in settings.
func Default() *Config {
	cfg := &Config{}
	cfg.Match.Threshold = 0.75
	cfg.Executor.Workers = 1
	cfg.Executor.Retries = 3
	cfg.Executor.BackoffMs = 50
	cfg.Retention.MaxBatches = 50
	cfg.Retention.MaxAgeDays = 30
	return cfg
}

// Load reads config.yaml from stateDir, merging it over the defaults.
func Load(stateDir string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(stateDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if cfg.Match.Threshold <= 0 || cfg.Match.Threshold > 1 {
		return nil, fmt.Errorf("invalid config %s: match.threshold must be in (0,1]", path)
	}
	return cfg, nil
}

// Backoff converts the configured backoff to a duration.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Executor.BackoffMs) * time.Millisecond
}

// MaxAge converts the retention age to a duration; zero disables it.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeDays) * 24 * time.Hour
}
