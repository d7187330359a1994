// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronicle.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default configuration is invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
mode: airgapped
log_level: debug
paths:
  database: /var/lib/chronicle/chronicle.db
  settings: /etc/chronicle/settings.jsonc
  transcripts: /var/log/chronicle
queue:
  claim_lease: 10m
  poll_interval: 1s
  session_idle_timeout: 1m
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Mode != Airgapped {
		t.Errorf("mode = %q, want airgapped", cfg.Mode)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Paths.Database != "/var/lib/chronicle/chronicle.db" {
		t.Errorf("database = %q", cfg.Paths.Database)
	}
	if cfg.Queue.ClaimLease != 10*time.Minute {
		t.Errorf("claim lease = %v, want 10m", cfg.Queue.ClaimLease)
	}
	if cfg.Queue.PollInterval != time.Second {
		t.Errorf("poll interval = %v, want 1s", cfg.Queue.PollInterval)
	}
}

func TestLoadFileKeepsDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, `
paths:
  database: /tmp/test.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Mode != Standard {
		t.Errorf("mode = %q, want the standard default", cfg.Mode)
	}
	if cfg.Queue.ClaimLease != 5*time.Minute {
		t.Errorf("claim lease = %v, want the 5m default", cfg.Queue.ClaimLease)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/dev")
	t.Setenv("CHRONICLE_DATA", "/srv/chronicle")

	path := writeConfig(t, `
paths:
  database: ${CHRONICLE_DATA}/chronicle.db
  settings: ${HOME}/.chronicle/settings.jsonc
  transcripts: ${UNSET_VARIABLE:-/var/log/chronicle}
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Database != "/srv/chronicle/chronicle.db" {
		t.Errorf("database = %q, want the expanded path", cfg.Paths.Database)
	}
	if cfg.Paths.Settings != "/home/dev/.chronicle/settings.jsonc" {
		t.Errorf("settings = %q, want the expanded path", cfg.Paths.Settings)
	}
	if cfg.Paths.Transcripts != "/var/log/chronicle" {
		t.Errorf("transcripts = %q, want the default value", cfg.Paths.Transcripts)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "cloud" }},
		{"missing database", func(c *Config) { c.Paths.Database = "" }},
		{"missing settings", func(c *Config) { c.Paths.Settings = "" }},
		{"zero lease", func(c *Config) { c.Queue.ClaimLease = 0 }},
		{"negative poll interval", func(c *Config) { c.Queue.PollInterval = -time.Second }},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid configuration")
			}
		})
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv("CHRONICLE_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without CHRONICLE_CONFIG")
	}

	path := writeConfig(t, "mode: standard\n")
	t.Setenv("CHRONICLE_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != Standard {
		t.Errorf("mode = %q, want standard", cfg.Mode)
	}
}
