// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings resolves provider configuration from its three
// layers: environment overrides, the JSONC settings file, and
// built-in defaults, in that precedence order.
//
// Resolution happens once, at worker startup; the resolved values are
// immutable and threaded explicitly through the pipeline. Nothing
// reads the environment or the file after Resolve returns.
//
// The settings file is JSONC (JSON with comments and trailing
// commas), since it is authored by hand.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/chronicle-foundation/chronicle/lib/llm"
)

// Defaults applied where neither the environment nor the file
// provides a value.
const (
	DefaultMaxContextMessages = 30
	DefaultMaxEstimatedTokens = 100_000
)

// ProviderConfig is the resolved, immutable configuration for one
// provider. Credential never appears in logs or error text.
type ProviderConfig struct {
	Endpoint           string
	Credential         string
	Model              string
	WireFormat         llm.Format
	MaxContextMessages int
	MaxEstimatedTokens int
	// Tag identifies the provider in logs and synthesized memory
	// session ids.
	Tag string
}

// Settings is the resolved provider set: a required primary and an
// optional fallback.
type Settings struct {
	Primary  ProviderConfig
	Fallback *ProviderConfig
}

// providerFile is the on-disk shape of one provider entry.
type providerFile struct {
	Endpoint           string `json:"endpoint"`
	Credential         string `json:"credential"`
	Model              string `json:"model"`
	WireFormat         string `json:"wireFormat"`
	MaxContextMessages int    `json:"maxContextMessages"`
	MaxEstimatedTokens int    `json:"maxEstimatedTokens"`
	Tag                string `json:"tag"`
}

type settingsFile struct {
	Primary  *providerFile `json:"primary"`
	Fallback *providerFile `json:"fallback"`
}

// Resolve loads the settings file (absent file is not an error; the
// environment and defaults still apply) and layers the environment
// overrides on top.
//
// Environment overrides: CHRONICLE_ENDPOINT, CHRONICLE_CREDENTIAL,
// CHRONICLE_MODEL, CHRONICLE_WIRE_FORMAT for the primary, and the
// same names with a CHRONICLE_FALLBACK_ prefix for the fallback.
// Setting CHRONICLE_FALLBACK_ENDPOINT introduces a fallback even when
// the file has none.
func Resolve(path string) (*Settings, error) {
	var file settingsFile
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Environment and defaults only.
		case err != nil:
			return nil, fmt.Errorf("settings: %w", err)
		default:
			decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&file); err != nil {
				return nil, fmt.Errorf("settings: parsing %s: %w", path, err)
			}
		}
	}

	resolved := &Settings{
		Primary: resolveProvider(file.Primary, "CHRONICLE_", "primary"),
	}

	fallback := resolveProvider(file.Fallback, "CHRONICLE_FALLBACK_", "fallback")
	if fallback.Endpoint != "" {
		resolved.Fallback = &fallback
	}

	return resolved, nil
}

func resolveProvider(file *providerFile, envPrefix, defaultTag string) ProviderConfig {
	if file == nil {
		file = &providerFile{}
	}

	cfg := ProviderConfig{
		Endpoint:           override(envPrefix+"ENDPOINT", file.Endpoint),
		Credential:         override(envPrefix+"CREDENTIAL", file.Credential),
		Model:              override(envPrefix+"MODEL", file.Model),
		WireFormat:         llm.Format(override(envPrefix+"WIRE_FORMAT", file.WireFormat)),
		MaxContextMessages: file.MaxContextMessages,
		MaxEstimatedTokens: file.MaxEstimatedTokens,
		Tag:                file.Tag,
	}

	if cfg.WireFormat == "" {
		cfg.WireFormat = llm.FormatAuto
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = DefaultMaxContextMessages
	}
	if cfg.MaxEstimatedTokens <= 0 {
		cfg.MaxEstimatedTokens = DefaultMaxEstimatedTokens
	}
	if cfg.Tag == "" {
		cfg.Tag = defaultTag
	}
	return cfg
}

func override(envName, fileValue string) string {
	if value := os.Getenv(envName); value != "" {
		return value
	}
	return fileValue
}

// Validate reports configuration errors that would make the primary
// provider unusable. Fallback entries are validated only when
// present.
func (s *Settings) Validate() error {
	if err := validateProvider(&s.Primary); err != nil {
		return fmt.Errorf("settings: primary: %w", err)
	}
	if s.Fallback != nil {
		if err := validateProvider(s.Fallback); err != nil {
			return fmt.Errorf("settings: fallback: %w", err)
		}
	}
	return nil
}

func validateProvider(cfg *ProviderConfig) error {
	if cfg.Endpoint == "" {
		return &llm.ConfigError{Reason: "endpoint is not configured"}
	}
	if cfg.Credential == "" {
		return &llm.ConfigError{Reason: "credential is not configured"}
	}
	if cfg.Model == "" {
		return &llm.ConfigError{Reason: "model is not configured"}
	}
	switch cfg.WireFormat {
	case llm.FormatAuto, llm.FormatOpenAI, llm.FormatAnthropic:
	default:
		return &llm.ConfigError{Reason: fmt.Sprintf("unknown wire format %q", cfg.WireFormat)}
	}
	return nil
}
