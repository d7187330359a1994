// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionlog writes a per-session transcript of pipeline
// activity as JSONL, with aggregated summary counters and zstd
// archiving of finished transcripts.
package sessionlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// EventType classifies a transcript entry.
type EventType string

const (
	// EventTypePrompt records a prompt sent to a provider.
	EventTypePrompt EventType = "prompt"
	// EventTypeResult records a provider response.
	EventTypeResult EventType = "result"
	// EventTypeFallback records a failover from primary to fallback.
	EventTypeFallback EventType = "fallback"
	// EventTypeError records a processing error.
	EventTypeError EventType = "error"
)

// Event is one transcript entry.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	EventID   int64     `json:"event_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Provider  string    `json:"provider,omitempty"`

	// Prompt fields.
	Turns         int   `json:"turns,omitempty"`
	TurnsDropped  int   `json:"turns_dropped,omitempty"`
	PromptOrdinal int64 `json:"prompt_ordinal,omitempty"`

	// Result fields.
	BodyLength   int   `json:"body_length,omitempty"`
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`

	// Error field. Never contains credentials.
	Error string `json:"error,omitempty"`
}

// Writer writes transcript events as JSONL (one JSON object per
// line). It is safe for concurrent use.
type Writer struct {
	path    string
	file    *os.File
	encoder *json.Encoder
	mutex   sync.Mutex
	closed  bool

	// Aggregated summary counters, protected by mutex.
	startTime    time.Time
	eventCount   int64
	promptCount  int64
	inputTokens  int64
	outputTokens int64
	fallbacks    int64
	errorCount   int64
}

// NewWriter creates (or truncates) the transcript file at path.
func NewWriter(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating transcript %q: %w", path, err)
	}
	encoder := json.NewEncoder(file)
	// No indentation: one compact JSON object per line.
	encoder.SetEscapeHTML(false)
	return &Writer{
		path:      path,
		file:      file,
		encoder:   encoder,
		startTime: time.Now(),
	}, nil
}

// Write appends a single event and updates summary counters.
func (writer *Writer) Write(event Event) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return fmt.Errorf("transcript %q is closed", writer.path)
	}
	if err := writer.encoder.Encode(event); err != nil {
		return fmt.Errorf("encoding transcript event: %w", err)
	}

	// Sync after each write so events survive a crash. Transcripts
	// are low-throughput, so the cost is acceptable.
	if err := writer.file.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}

	writer.eventCount++
	switch event.Type {
	case EventTypePrompt:
		writer.promptCount++
	case EventTypeResult:
		writer.inputTokens += event.InputTokens
		writer.outputTokens += event.OutputTokens
	case EventTypeFallback:
		writer.fallbacks++
	case EventTypeError:
		writer.errorCount++
	}
	return nil
}

// Summary is an aggregated view of all events written so far.
type Summary struct {
	EventCount   int64         `json:"event_count"`
	PromptCount  int64         `json:"prompt_count"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Fallbacks    int64         `json:"fallbacks"`
	ErrorCount   int64         `json:"error_count"`
	Duration     time.Duration `json:"duration"`
}

// Summary returns the aggregated counters.
func (writer *Writer) Summary() Summary {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return Summary{
		EventCount:   writer.eventCount,
		PromptCount:  writer.promptCount,
		InputTokens:  writer.inputTokens,
		OutputTokens: writer.outputTokens,
		Fallbacks:    writer.fallbacks,
		ErrorCount:   writer.errorCount,
		Duration:     time.Since(writer.startTime),
	}
}

// Close flushes and closes the underlying file. Idempotent.
func (writer *Writer) Close() error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return nil
	}
	writer.closed = true
	return writer.file.Close()
}

// Archive closes the transcript, writes a zstd-compressed copy next
// to it with a .zst suffix, and removes the uncompressed original.
// Returns the archive path.
func (writer *Writer) Archive() (string, error) {
	if err := writer.Close(); err != nil {
		return "", err
	}

	source, err := os.Open(writer.path)
	if err != nil {
		return "", fmt.Errorf("opening transcript for archive: %w", err)
	}
	defer source.Close()

	archivePath := writer.path + ".zst"
	destination, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("creating archive %q: %w", archivePath, err)
	}

	compressor, err := zstd.NewWriter(destination, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		destination.Close()
		return "", fmt.Errorf("initializing zstd: %w", err)
	}

	if _, err := io.Copy(compressor, source); err != nil {
		compressor.Close()
		destination.Close()
		return "", fmt.Errorf("compressing transcript: %w", err)
	}
	if err := compressor.Close(); err != nil {
		destination.Close()
		return "", fmt.Errorf("finalizing archive: %w", err)
	}
	if err := destination.Close(); err != nil {
		return "", fmt.Errorf("closing archive: %w", err)
	}

	if err := os.Remove(writer.path); err != nil {
		return "", fmt.Errorf("removing archived transcript: %w", err)
	}
	return archivePath, nil
}
