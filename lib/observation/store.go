// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package observation persists provider-derived records (per-event
// observations and session summaries) and confirms the source event
// once the record is durable.
//
// Every write is keyed on the source event's persistent id and
// inserted with OR IGNORE, so a redelivered event whose first attempt
// died between persistence and confirmation lands on the existing row
// instead of duplicating it. That idempotency is what turns the
// queue's at-least-once delivery into exactly-once effect.
package observation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/chronicle-foundation/chronicle/lib/clock"
	"github.com/chronicle-foundation/chronicle/lib/queue"
	"github.com/chronicle-foundation/chronicle/lib/sqlitepool"
)

// Record is one provider-derived record: an observation extracted
// from a tool-use event, or a session summary. Body holds the
// provider's raw markup text verbatim.
type Record struct {
	EventID         int64
	SessionID       string
	MemorySessionID string
	Kind            queue.Kind
	PromptOrdinal   int64
	ToolName        string
	Body            string
	ProviderTag     string
	Cwd             string
	EventTimestamp  time.Time
	InputTokens     int64
	OutputTokens    int64
	CreatedAt       time.Time
}

const schema = `
	CREATE TABLE IF NOT EXISTS observations (
		event_id          INTEGER PRIMARY KEY,
		session_id        TEXT NOT NULL,
		memory_session_id TEXT NOT NULL,
		kind              TEXT NOT NULL,
		prompt_ordinal    INTEGER NOT NULL,
		tool_name         TEXT NOT NULL,
		body              TEXT NOT NULL,
		provider_tag      TEXT NOT NULL,
		cwd               TEXT NOT NULL,
		event_timestamp   INTEGER NOT NULL,
		input_tokens      INTEGER NOT NULL,
		output_tokens     INTEGER NOT NULL,
		created_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_observations_session
		ON observations(session_id, kind, event_id);
`

// Store persists derived records. Safe for concurrent use.
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
		return nil, fmt.Errorf("observation: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("observation: creating schema: %w", err)
	}

	return &Store{pool: pool, clock: clk, logger: logger}, nil
}

// Save inserts the record, keyed on its source event. Reports whether
// a new row was written: false means the event was already persisted
// by an earlier delivery and the caller should skip counter updates.
func (s *Store) Save(ctx context.Context, record Record) (inserted bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("observation: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO observations
		 (event_id, session_id, memory_session_id, kind, prompt_ordinal,
		  tool_name, body, provider_tag, cwd, event_timestamp,
		  input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.EventID, record.SessionID, record.MemorySessionID,
				string(record.Kind), record.PromptOrdinal, record.ToolName,
				record.Body, record.ProviderTag, record.Cwd,
				record.EventTimestamp.UnixMilli(),
				record.InputTokens, record.OutputTokens,
				s.clock.Now().UnixMilli(),
			},
		})
	if err != nil {
		return false, fmt.Errorf("observation: saving event %d: %w", record.EventID, err)
	}

	inserted = conn.Changes() == 1
	if !inserted {
		s.logger.Debug("record already persisted", "event_id", record.EventID)
	}
	return inserted, nil
}

// BySession returns the session's records of the given kind in event
// order. An empty kind returns all records.
func (s *Store) BySession(ctx context.Context, sessionID string, kind queue.Kind) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("observation: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT event_id, memory_session_id, kind, prompt_ordinal,
	                 tool_name, body, provider_tag, cwd, event_timestamp,
	                 input_tokens, output_tokens, created_at
	          FROM observations WHERE session_id = ?`
	args := []any{sessionID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY event_id`

	var records []Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, Record{
				EventID:         stmt.ColumnInt64(0),
				SessionID:       sessionID,
				MemorySessionID: stmt.ColumnText(1),
				Kind:            queue.Kind(stmt.ColumnText(2)),
				PromptOrdinal:   stmt.ColumnInt64(3),
				ToolName:        stmt.ColumnText(4),
				Body:            stmt.ColumnText(5),
				ProviderTag:     stmt.ColumnText(6),
				Cwd:             stmt.ColumnText(7),
				EventTimestamp:  time.UnixMilli(stmt.ColumnInt64(8)),
				InputTokens:     stmt.ColumnInt64(9),
				OutputTokens:    stmt.ColumnInt64(10),
				CreatedAt:       time.UnixMilli(stmt.ColumnInt64(11)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("observation: listing for %q: %w", sessionID, err)
	}
	return records, nil
}

// SummaryBySession returns the session's summary record, or
// (nil, nil) when none has been persisted.
func (s *Store) SummaryBySession(ctx context.Context, sessionID string) (*Record, error) {
	records, err := s.BySession(ctx, sessionID, queue.KindSummarize)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}
