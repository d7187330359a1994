// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/chronicle-foundation/chronicle/lib/clock"
	"github.com/chronicle-foundation/chronicle/lib/llm"
	"github.com/chronicle-foundation/chronicle/lib/observation"
	"github.com/chronicle-foundation/chronicle/lib/queue"
	"github.com/chronicle-foundation/chronicle/lib/runner"
	"github.com/chronicle-foundation/chronicle/lib/session"
	"github.com/chronicle-foundation/chronicle/lib/sessionlog"
	"github.com/chronicle-foundation/chronicle/lib/settings"
)

type dispatcherConfig struct {
	Queue         *queue.Queue
	Sessions      *session.Store
	Processor     *observation.Processor
	Chain         *llm.Chain
	Provider      settings.ProviderConfig
	TranscriptDir string
	ClaimLease    time.Duration
	PollInterval  time.Duration
	IdleTimeout   time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// dispatcher discovers sessions with pending work and keeps exactly
// one runner alive per session. Sessions run concurrently; each
// runner drains its session serially.
type dispatcher struct {
	config dispatcherConfig

	mutex  sync.Mutex
	owned  map[string]struct{}
	group  sync.WaitGroup
	logger *slog.Logger
}

func newDispatcher(config dispatcherConfig) *dispatcher {
	return &dispatcher{
		config: config,
		owned:  make(map[string]struct{}),
		logger: config.Logger,
	}
}

// run polls until the context is cancelled, then waits for all
// runners to finish.
func (d *dispatcher) run(ctx context.Context) {
	ticker := d.config.Clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	// One immediate scan so a restart with backlog does not wait a
	// full poll interval.
	d.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping, waiting for session runners")
			d.group.Wait()
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// scan releases expired claims and spawns runners for sessions with
// pending work that no live runner owns.
func (d *dispatcher) scan(ctx context.Context) {
	if _, err := d.config.Queue.ReleaseExpired(ctx, d.config.ClaimLease); err != nil {
		d.logger.Error("releasing expired claims", "error", err)
	}

	pending, err := d.config.Queue.SessionsWithPending(ctx)
	if err != nil {
		d.logger.Error("discovering pending sessions", "error", err)
		return
	}

	for _, candidate := range pending {
		d.spawn(ctx, candidate.SessionID)
	}
}

// spawn starts a runner for the session unless one is already live.
func (d *dispatcher) spawn(ctx context.Context, sessionID string) {
	d.mutex.Lock()
	if _, live := d.owned[sessionID]; live {
		d.mutex.Unlock()
		return
	}
	d.owned[sessionID] = struct{}{}
	d.mutex.Unlock()

	transcript := d.openTranscript(sessionID)
	sessionRunner, err := runner.New(runner.Config{
		SessionID:   sessionID,
		Queue:       d.config.Queue,
		Sessions:    d.config.Sessions,
		Processor:   d.config.Processor,
		Chain:       d.config.Chain,
		Provider:    d.config.Provider,
		Transcript:  transcript,
		IdleTimeout: d.config.IdleTimeout,
		Clock:       d.config.Clock,
		Logger:      d.logger,
	})
	if err != nil {
		d.logger.Error("building session runner", "session", sessionID, "error", err)
		if transcript != nil {
			transcript.Close()
		}
		d.release(sessionID)
		return
	}

	d.group.Add(1)
	go func() {
		defer d.group.Done()
		defer d.release(sessionID)
		if err := sessionRunner.Run(ctx); err != nil {
			d.logger.Error("session runner exited with error",
				"session", sessionID, "error", err)
		}
		d.closeTranscript(ctx, sessionID, transcript)
	}()
}

// closeTranscript closes the session's transcript, archiving it when
// the session has been summarized and closed.
func (d *dispatcher) closeTranscript(ctx context.Context, sessionID string, transcript *sessionlog.Writer) {
	if transcript == nil {
		return
	}
	summary := transcript.Summary()
	d.logger.Info("session transcript closed",
		"session", sessionID,
		"events", summary.EventCount,
		"input_tokens", summary.InputTokens,
		"output_tokens", summary.OutputTokens,
	)

	sess, err := d.config.Sessions.Get(ctx, sessionID)
	if err == nil && sess != nil && sess.Completed() {
		if _, err := transcript.Archive(); err != nil {
			d.logger.Warn("archiving transcript", "session", sessionID, "error", err)
		}
		return
	}
	transcript.Close()
}

func (d *dispatcher) release(sessionID string) {
	d.mutex.Lock()
	delete(d.owned, sessionID)
	d.mutex.Unlock()
}

// openTranscript creates the session's transcript writer, or nil when
// transcripts are disabled or the file cannot be created. A failed
// transcript never blocks processing.
func (d *dispatcher) openTranscript(sessionID string) *sessionlog.Writer {
	if d.config.TranscriptDir == "" {
		return nil
	}
	path := filepath.Join(d.config.TranscriptDir,
		fmt.Sprintf("%s-%d.jsonl", sessionID, d.config.Clock.Now().UnixMilli()))
	writer, err := sessionlog.NewWriter(path)
	if err != nil {
		d.logger.Warn("transcript disabled for session",
			"session", sessionID, "error", err)
		return nil
	}
	return writer
}
