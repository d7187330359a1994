// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the durable per-session event queue with
// claim/confirm delivery.
//
// Producers enqueue events without ever blocking on consumer
// availability. A session runner claims the oldest pending event for
// its session, performs the provider call and persistence, and
// confirms the event only after the side effect is durable. An event
// claimed but never confirmed (crash, cancellation) returns to
// pending when its lease expires, so another runner attempt redelivers
// it: at-least-once delivery, made exactly-once in effect by the
// response processor's idempotent persistence keyed on the event id.
//
// Delivery is FIFO within a session. Sessions are independent:
// different session ids may be claimed in parallel, while concurrent
// claims for the same session resolve to a single winner through
// SQLite's write serialization.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/chronicle-foundation/chronicle/lib/clock"
	"github.com/chronicle-foundation/chronicle/lib/codec"
	"github.com/chronicle-foundation/chronicle/lib/sqlitepool"
)

// Kind distinguishes the two units of work the pipeline processes.
type Kind string

const (
	// KindObservation extracts a structured record from one tool-use
	// event.
	KindObservation Kind = "observation"
	// KindSummarize extracts a session-end summary.
	KindSummarize Kind = "summarize"
)

// Event states. Confirmed events are deleted rather than marked, so
// the table only ever holds live work.
const (
	statePending    = 0
	stateProcessing = 1
)

// EventPayload is the tool-use record carried by an event. Stored as
// CBOR in the payload column.
type EventPayload struct {
	ToolName      string    `cbor:"tool_name"`
	ToolInput     string    `cbor:"tool_input"`
	ToolOutput    string    `cbor:"tool_output"`
	Cwd           string    `cbor:"cwd"`
	UserPrompt    string    `cbor:"user_prompt,omitempty"`
	PromptOrdinal int64     `cbor:"prompt_ordinal"`
	Timestamp     time.Time `cbor:"timestamp"`
}

// Event is one unit of work claimed from the queue.
type Event struct {
	// PersistentID is the durable row id, and the idempotency key for
	// everything derived from this event.
	PersistentID int64
	SessionID    string
	Kind         Kind
	Payload      EventPayload
	EnqueuedAt   time.Time
}

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		payload     BLOB NOT NULL,
		enqueued_at INTEGER NOT NULL,
		state       INTEGER NOT NULL DEFAULT 0,
		claimed_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_state
		ON events(session_id, state, id);
	CREATE INDEX IF NOT EXISTS idx_events_state_claimed
		ON events(state, claimed_at);
`

// Queue is the durable session event queue. Safe for concurrent use.
type Queue struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open creates the queue over a shared pool, creating its schema if
// needed.
func Open(ctx context.Context, pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger) (*Queue, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("queue: creating schema: %w", err)
	}

	return &Queue{pool: pool, clock: clk, logger: logger}, nil
}

// Enqueue appends an event to the session's pending stream and
// returns its persistent id. Never blocks on consumer availability;
// the insert is the entire operation.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, kind Kind, payload EventPayload) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("queue: enqueue: session id is required")
	}

	encoded, err := codec.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("queue: encoding payload: %w", err)
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	defer q.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO events (session_id, kind, payload, enqueued_at, state)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, string(kind), encoded, q.clock.Now().UnixMilli(), statePending},
		})
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}

	id := conn.LastInsertRowID()
	q.logger.Debug("event enqueued", "event_id", id, "session", sessionID, "kind", kind)
	return id, nil
}

// ClaimNext atomically transitions the oldest pending event for the
// session to processing and returns it. Returns (nil, nil) when the
// session has no pending events at call time: the end-of-stream
// sentinel. Calling again after new events arrive restarts the
// stream.
//
// Claims for the same session are serialized by the IMMEDIATE
// transaction: under concurrent attempts exactly one caller observes
// the row in pending and wins the transition.
func (q *Queue) ClaimNext(ctx context.Context, sessionID string) (event *Event, err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var claimed *Event
	err = sqlitex.Execute(conn,
		`SELECT id, kind, payload, enqueued_at FROM events
		 WHERE session_id = ? AND state = ?
		 ORDER BY id LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, statePending},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row := &Event{
					PersistentID: stmt.ColumnInt64(0),
					SessionID:    sessionID,
					Kind:         Kind(stmt.ColumnText(1)),
					EnqueuedAt:   time.UnixMilli(stmt.ColumnInt64(3)),
				}
				encoded := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, encoded)
				if err := codec.Unmarshal(encoded, &row.Payload); err != nil {
					return fmt.Errorf("decoding payload of event %d: %w", row.PersistentID, err)
				}
				claimed = row
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}

	err = sqlitex.Execute(conn,
		`UPDATE events SET state = ?, claimed_at = ? WHERE id = ? AND state = ?`,
		&sqlitex.ExecOptions{
			Args: []any{stateProcessing, q.clock.Now().UnixMilli(), claimed.PersistentID, statePending},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: marking event %d: %w", claimed.PersistentID, err)
	}

	q.logger.Debug("event claimed", "event_id", claimed.PersistentID, "session", sessionID)
	return claimed, nil
}

// Confirm deletes the event. Idempotent: confirming twice, or
// confirming an event that was already redelivered and confirmed by
// another attempt, is a no-op, not an error.
func (q *Queue) Confirm(ctx context.Context, persistentID int64) error {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: confirm: %w", err)
	}
	defer q.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM events WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{persistentID}})
	if err != nil {
		return fmt.Errorf("queue: confirm event %d: %w", persistentID, err)
	}

	q.logger.Debug("event confirmed", "event_id", persistentID)
	return nil
}

// Release returns a processing event to pending for immediate
// redelivery. Used on restart when a runner knows it abandoned a
// claim. A no-op for events that are not in processing.
func (q *Queue) Release(ctx context.Context, persistentID int64) error {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: release: %w", err)
	}
	defer q.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE events SET state = ?, claimed_at = NULL WHERE id = ? AND state = ?`,
		&sqlitex.ExecOptions{Args: []any{statePending, persistentID, stateProcessing}})
	if err != nil {
		return fmt.Errorf("queue: release event %d: %w", persistentID, err)
	}
	return nil
}

// ReleaseExpired returns every processing event whose claim is older
// than the lease back to pending, and reports how many were released.
// Called periodically by the dispatcher so that events claimed by a
// crashed runner are eventually redelivered. An event inside its
// lease is never released; a live runner still owns it.
func (q *Queue) ReleaseExpired(ctx context.Context, lease time.Duration) (int, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: release expired: %w", err)
	}
	defer q.pool.Put(conn)

	cutoff := q.clock.Now().Add(-lease).UnixMilli()
	err = sqlitex.Execute(conn,
		`UPDATE events SET state = ?, claimed_at = NULL
		 WHERE state = ? AND claimed_at < ?`,
		&sqlitex.ExecOptions{Args: []any{statePending, stateProcessing, cutoff}})
	if err != nil {
		return 0, fmt.Errorf("queue: release expired: %w", err)
	}

	released := conn.Changes()
	if released > 0 {
		q.logger.Warn("released expired event claims",
			"count", released,
			"lease", lease,
		)
	}
	return released, nil
}

// PendingSession describes a session with claimable work.
type PendingSession struct {
	SessionID        string
	PendingCount     int64
	OldestEnqueuedAt time.Time
}

// SessionsWithPending returns every session that has at least one
// pending event, with its backlog size and oldest enqueue time. The
// dispatcher uses this for work discovery.
func (q *Queue) SessionsWithPending(ctx context.Context) ([]PendingSession, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: sessions with pending: %w", err)
	}
	defer q.pool.Put(conn)

	var sessions []PendingSession
	err = sqlitex.Execute(conn,
		`SELECT session_id, COUNT(*), MIN(enqueued_at) FROM events
		 WHERE state = ?
		 GROUP BY session_id
		 ORDER BY MIN(enqueued_at)`,
		&sqlitex.ExecOptions{
			Args: []any{statePending},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, PendingSession{
					SessionID:        stmt.ColumnText(0),
					PendingCount:     stmt.ColumnInt64(1),
					OldestEnqueuedAt: time.UnixMilli(stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: sessions with pending: %w", err)
	}
	return sessions, nil
}
