// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package session persists per-session pipeline state: the memory
// session binding, the user prompt counter, and cumulative token
// usage.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/chronicle-foundation/chronicle/lib/clock"
	"github.com/chronicle-foundation/chronicle/lib/sqlitepool"
)

// Session is one coding session tracked by the pipeline. The content
// session id comes from the tool emitting events; the memory session
// id is synthesized on first successful provider exchange and binds
// all derived records to one provider conversation.
type Session struct {
	ContentSessionID string
	MemorySessionID  string
	PromptCounter    int64
	InputTokens      int64
	OutputTokens     int64
	ObservationCount int64
	// LastCwd is the working directory most recently reported by an
	// event for this session.
	LastCwd string
	// InFlightEventID is the event being processed when the runner
	// last recorded one; stale after a crash until the next event.
	InFlightEventID int64
	CreatedAt       time.Time
	LastActivityAt  time.Time
	// CompletedAt is zero while the session is active.
	CompletedAt time.Time
}

// Completed reports whether the session has been summarized and
// closed.
func (s *Session) Completed() bool {
	return !s.CompletedAt.IsZero()
}

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		content_session_id TEXT PRIMARY KEY,
		memory_session_id  TEXT NOT NULL DEFAULT '',
		prompt_counter     INTEGER NOT NULL DEFAULT 0,
		input_tokens       INTEGER NOT NULL DEFAULT 0,
		output_tokens      INTEGER NOT NULL DEFAULT 0,
		observation_count  INTEGER NOT NULL DEFAULT 0,
		last_cwd           TEXT NOT NULL DEFAULT '',
		in_flight_event_id INTEGER NOT NULL DEFAULT 0,
		created_at         INTEGER NOT NULL,
		last_activity_at   INTEGER NOT NULL,
		completed_at       INTEGER
	);
`

// Store reads and writes session rows. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open creates the store over a shared pool, creating its schema if
// needed.
func Open(ctx context.Context, pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("session: creating schema: %w", err)
	}

	return &Store{pool: pool, clock: clk, logger: logger}, nil
}

// GetOrCreate returns the session, creating a fresh row on first
// sight of the content session id.
func (s *Store) GetOrCreate(ctx context.Context, contentSessionID string) (*Session, error) {
	if contentSessionID == "" {
		return nil, fmt.Errorf("session: content session id is required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UnixMilli()
	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (content_session_id, created_at, last_activity_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (content_session_id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{contentSessionID, now, now}})
	if err != nil {
		return nil, fmt.Errorf("session: creating %q: %w", contentSessionID, err)
	}
	if conn.Changes() == 1 {
		s.logger.Info("session created", "session", contentSessionID)
	}

	return s.get(conn, contentSessionID)
}

// Get returns the session, or (nil, nil) when no such session exists.
func (s *Store) Get(ctx context.Context, contentSessionID string) (*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	defer s.pool.Put(conn)

	return s.get(conn, contentSessionID)
}

func (s *Store) get(conn *sqlite.Conn, contentSessionID string) (*Session, error) {
	var found *Session
	err := sqlitex.Execute(conn,
		`SELECT memory_session_id, prompt_counter, input_tokens, output_tokens,
		        observation_count, last_cwd, in_flight_event_id,
		        created_at, last_activity_at, completed_at
		 FROM sessions WHERE content_session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{contentSessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = &Session{
					ContentSessionID: contentSessionID,
					MemorySessionID:  stmt.ColumnText(0),
					PromptCounter:    stmt.ColumnInt64(1),
					InputTokens:      stmt.ColumnInt64(2),
					OutputTokens:     stmt.ColumnInt64(3),
					ObservationCount: stmt.ColumnInt64(4),
					LastCwd:          stmt.ColumnText(5),
					InFlightEventID:  stmt.ColumnInt64(6),
					CreatedAt:        time.UnixMilli(stmt.ColumnInt64(7)),
					LastActivityAt:   time.UnixMilli(stmt.ColumnInt64(8)),
				}
				if stmt.ColumnType(9) != sqlite.TypeNull {
					found.CompletedAt = time.UnixMilli(stmt.ColumnInt64(9))
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: reading %q: %w", contentSessionID, err)
	}
	return found, nil
}

// SetMemorySessionID binds the session to a provider conversation.
// The binding is write-once: once set, later calls with a different
// id are rejected so that redelivered first events cannot fork the
// conversation.
func (s *Store) SetMemorySessionID(ctx context.Context, contentSessionID, memorySessionID string) error {
	if memorySessionID == "" {
		return fmt.Errorf("session: memory session id is required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET memory_session_id = ?, last_activity_at = ?
		 WHERE content_session_id = ? AND memory_session_id IN ('', ?)`,
		&sqlitex.ExecOptions{
			Args: []any{memorySessionID, s.clock.Now().UnixMilli(), contentSessionID, memorySessionID},
		})
	if err != nil {
		return fmt.Errorf("session: binding memory session for %q: %w", contentSessionID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("session: %q already bound to a different memory session", contentSessionID)
	}
	return nil
}

// BeginEvent records the claimed event as in flight, along with the
// working directory it reported, before the provider is called. A
// later confirm then knows which event the result belongs to. An
// empty cwd leaves the previous one in place.
func (s *Store) BeginEvent(ctx context.Context, contentSessionID string, eventID int64, cwd string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions
		 SET in_flight_event_id = ?,
		     last_cwd = CASE WHEN ?2 != '' THEN ?2 ELSE last_cwd END,
		     last_activity_at = ?
		 WHERE content_session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{eventID, cwd, s.clock.Now().UnixMilli(), contentSessionID},
		})
	if err != nil {
		return fmt.Errorf("session: recording in-flight event for %q: %w", contentSessionID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("session: %q not found", contentSessionID)
	}
	return nil
}

// NextPromptOrdinal increments the session's user prompt counter and
// returns the new value. Ordinals start at 1.
func (s *Store) NextPromptOrdinal(ctx context.Context, contentSessionID string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: %w", err)
	}
	defer s.pool.Put(conn)

	var ordinal int64
	err = sqlitex.Execute(conn,
		`UPDATE sessions
		 SET prompt_counter = prompt_counter + 1, last_activity_at = ?
		 WHERE content_session_id = ?
		 RETURNING prompt_counter`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixMilli(), contentSessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ordinal = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("session: advancing prompt counter for %q: %w", contentSessionID, err)
	}
	if ordinal == 0 {
		return 0, fmt.Errorf("session: %q not found", contentSessionID)
	}
	return ordinal, nil
}

// AddUsage accumulates provider token usage and bumps the activity
// timestamp.
func (s *Store) AddUsage(ctx context.Context, contentSessionID string, inputTokens, outputTokens int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions
		 SET input_tokens = input_tokens + ?,
		     output_tokens = output_tokens + ?,
		     last_activity_at = ?
		 WHERE content_session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{inputTokens, outputTokens, s.clock.Now().UnixMilli(), contentSessionID},
		})
	if err != nil {
		return fmt.Errorf("session: recording usage for %q: %w", contentSessionID, err)
	}
	return nil
}

// AddObservation bumps the session's observation counter.
func (s *Store) AddObservation(ctx context.Context, contentSessionID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions
		 SET observation_count = observation_count + 1, last_activity_at = ?
		 WHERE content_session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixMilli(), contentSessionID},
		})
	if err != nil {
		return fmt.Errorf("session: counting observation for %q: %w", contentSessionID, err)
	}
	return nil
}

// Complete marks the session as summarized and closed. Idempotent.
func (s *Store) Complete(ctx context.Context, contentSessionID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET completed_at = ?
		 WHERE content_session_id = ? AND completed_at IS NULL`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixMilli(), contentSessionID},
		})
	if err != nil {
		return fmt.Errorf("session: completing %q: %w", contentSessionID, err)
	}
	if conn.Changes() == 1 {
		s.logger.Info("session completed", "session", contentSessionID)
	}
	return nil
}
