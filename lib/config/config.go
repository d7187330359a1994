// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Chronicle
// components.
//
// Configuration is loaded from a single file specified by:
//   - CHRONICLE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The only expansion performed is ${HOME} and similar path variables
// for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the deployment posture.
type Mode string

const (
	// Standard allows provider failover to the configured fallback.
	Standard Mode = "standard"
	// Airgapped pins every request to the primary provider; failover
	// is disabled even when a fallback is configured.
	Airgapped Mode = "airgapped"
)

// Config is the master configuration for the Chronicle worker.
type Config struct {
	// Mode is the deployment posture (standard, airgapped).
	Mode Mode `yaml:"mode"`

	// Paths configures file locations.
	Paths PathsConfig `yaml:"paths"`

	// Queue configures claim leasing and work discovery.
	Queue QueueConfig `yaml:"queue"`

	// LogLevel is the minimum slog level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Database is the SQLite file holding the queue, sessions, and
	// derived records.
	Database string `yaml:"database"`

	// Settings is the JSONC provider settings file.
	Settings string `yaml:"settings"`

	// Transcripts is the directory for session transcript logs.
	// Empty disables transcript logging.
	Transcripts string `yaml:"transcripts"`
}

// QueueConfig configures claim leasing and work discovery.
type QueueConfig struct {
	// ClaimLease is how long a claimed event stays owned by its
	// runner before the dispatcher returns it to pending.
	// Default: 5m.
	ClaimLease time.Duration `yaml:"claim_lease"`

	// PollInterval is how often the dispatcher scans for sessions
	// with pending work and expired claims. Default: 2s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SessionIdleTimeout is how long a session runner waits on an
	// empty stream before shutting down. Default: 30s.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// Default returns the configuration defaults applied before the file
// is read.
func Default() *Config {
	return &Config{
		Mode: Standard,
		Paths: PathsConfig{
			Database: "${HOME}/.chronicle/chronicle.db",
			Settings: "${HOME}/.chronicle/settings.jsonc",
		},
		Queue: QueueConfig{
			ClaimLease:         5 * time.Minute,
			PollInterval:       2 * time.Second,
			SessionIdleTimeout: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from the CHRONICLE_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults: if CHRONICLE_CONFIG is
// not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("CHRONICLE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CHRONICLE_CONFIG environment variable not set; " +
			"set it to the path of your chronicle.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Settings = expandVars(c.Paths.Settings, vars)
	c.Paths.Transcripts = expandVars(c.Paths.Transcripts, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Mode != Standard && c.Mode != Airgapped {
		errs = append(errs, fmt.Errorf("invalid mode: %s", c.Mode))
	}

	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}
	if c.Paths.Settings == "" {
		errs = append(errs, fmt.Errorf("paths.settings is required"))
	}

	if c.Queue.ClaimLease <= 0 {
		errs = append(errs, fmt.Errorf("queue.claim_lease must be positive"))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("queue.poll_interval must be positive"))
	}
	if c.Queue.SessionIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("queue.session_idle_timeout must be positive"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of: %v", levels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
