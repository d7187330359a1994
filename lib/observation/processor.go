// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package observation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chronicle-foundation/chronicle/lib/queue"
	"github.com/chronicle-foundation/chronicle/lib/session"
)

// Processor is the response processor: it makes a provider result
// durable, updates session counters, and only then confirms the
// source event. A persist failure leaves the event in processing so
// a later runner attempt redelivers it.
type Processor struct {
	store    *Store
	sessions *session.Store
	queue    *queue.Queue
	logger   *slog.Logger
}

// NewProcessor wires the processor over the shared stores.
func NewProcessor(store *Store, sessions *session.Store, q *queue.Queue, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Processor{store: store, sessions: sessions, queue: q, logger: logger}
}

// Process persists the record and confirms the event.
//
// Order matters: persistence first, confirmation last. A crash
// between the two redelivers the event, and the OR IGNORE insert
// absorbs the duplicate. Counter updates are skipped for a duplicate
// so redelivery never double-counts.
func (p *Processor) Process(ctx context.Context, event *queue.Event, record Record) error {
	inserted, err := p.store.Save(ctx, record)
	if err != nil {
		return fmt.Errorf("persisting result for event %d: %w", event.PersistentID, err)
	}

	if inserted {
		if err := p.sessions.AddUsage(ctx, event.SessionID, record.InputTokens, record.OutputTokens); err != nil {
			return err
		}
		switch event.Kind {
		case queue.KindObservation:
			if err := p.sessions.AddObservation(ctx, event.SessionID); err != nil {
				return err
			}
		case queue.KindSummarize:
			if err := p.sessions.Complete(ctx, event.SessionID); err != nil {
				return err
			}
		}
	}

	if err := p.queue.Confirm(ctx, event.PersistentID); err != nil {
		return err
	}

	p.logger.Info("event processed",
		"event_id", event.PersistentID,
		"session", event.SessionID,
		"kind", event.Kind,
		"provider", record.ProviderTag,
		"body_length", len(record.Body),
	)
	return nil
}
