// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// chronicle-worker drains the session event queue: it discovers
// sessions with pending work, runs one session runner per session,
// and persists provider-derived observations and summaries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/chronicle-foundation/chronicle/lib/clock"
	"github.com/chronicle-foundation/chronicle/lib/config"
	"github.com/chronicle-foundation/chronicle/lib/llm"
	"github.com/chronicle-foundation/chronicle/lib/observation"
	"github.com/chronicle-foundation/chronicle/lib/process"
	"github.com/chronicle-foundation/chronicle/lib/queue"
	"github.com/chronicle-foundation/chronicle/lib/session"
	"github.com/chronicle-foundation/chronicle/lib/settings"
	"github.com/chronicle-foundation/chronicle/lib/sqlitepool"
	"github.com/chronicle-foundation/chronicle/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to chronicle.yaml (overrides CHRONICLE_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("chronicle-worker")
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.Database), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	if cfg.Paths.Transcripts != "" {
		if err := os.MkdirAll(cfg.Paths.Transcripts, 0o755); err != nil {
			return fmt.Errorf("creating transcript directory: %w", err)
		}
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Paths.Database,
		PoolSize: 4,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	clk := clock.Real()
	eventQueue, err := queue.Open(ctx, pool, clk, logger)
	if err != nil {
		return err
	}
	sessions, err := session.Open(ctx, pool, clk, logger)
	if err != nil {
		return err
	}
	records, err := observation.Open(ctx, pool, clk, logger)
	if err != nil {
		return err
	}

	providerSettings, err := settings.Resolve(cfg.Paths.Settings)
	if err != nil {
		return err
	}
	if err := providerSettings.Validate(); err != nil {
		return err
	}

	chain, err := buildChain(providerSettings, cfg.Mode, logger)
	if err != nil {
		return err
	}

	logger.Info("chronicle worker starting",
		"version", version.Info(),
		"mode", cfg.Mode,
		"database", cfg.Paths.Database,
		"provider", chain.Tag(),
		"fallback", chain.HasFallback(),
	)

	dispatcher := newDispatcher(dispatcherConfig{
		Queue:         eventQueue,
		Sessions:      sessions,
		Processor:     observation.NewProcessor(records, sessions, eventQueue, logger),
		Chain:         chain,
		Provider:      providerSettings.Primary,
		TranscriptDir: cfg.Paths.Transcripts,
		ClaimLease:    cfg.Queue.ClaimLease,
		PollInterval:  cfg.Queue.PollInterval,
		IdleTimeout:   cfg.Queue.SessionIdleTimeout,
		Clock:         clk,
		Logger:        logger,
	})

	dispatcher.run(ctx)
	logger.Info("chronicle worker stopped")
	return nil
}

// buildChain constructs the provider adapters from the resolved
// settings and wires them into a fallback chain. Airgapped mode
// disables failover even when a fallback is configured.
func buildChain(resolved *settings.Settings, mode config.Mode, logger *slog.Logger) (*llm.Chain, error) {
	httpClient := &http.Client{Timeout: 5 * time.Minute}

	primary, err := buildProvider(resolved.Primary, httpClient, logger)
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}

	var fallback llm.Provider
	if resolved.Fallback != nil {
		fallback, err = buildProvider(*resolved.Fallback, httpClient, logger)
		if err != nil {
			return nil, fmt.Errorf("fallback provider: %w", err)
		}
	}

	return llm.NewChain(primary, fallback, mode == config.Standard, logger), nil
}

func buildProvider(cfg settings.ProviderConfig, httpClient *http.Client, logger *slog.Logger) (llm.Provider, error) {
	switch llm.DetectFormat(cfg.Endpoint, cfg.WireFormat) {
	case llm.FormatAnthropic:
		return llm.NewAnthropic(cfg.Endpoint, cfg.Credential, httpClient, logger)
	default:
		return llm.NewOpenAI(cfg.Endpoint, cfg.Credential, httpClient, logger)
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
