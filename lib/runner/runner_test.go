// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chronicle-foundation/chronicle/lib/llm"
	"github.com/chronicle-foundation/chronicle/lib/observation"
	"github.com/chronicle-foundation/chronicle/lib/queue"
	"github.com/chronicle-foundation/chronicle/lib/session"
	"github.com/chronicle-foundation/chronicle/lib/sessionlog"
	"github.com/chronicle-foundation/chronicle/lib/settings"
	"github.com/chronicle-foundation/chronicle/lib/sqlitepool"
	"github.com/chronicle-foundation/chronicle/lib/testutil"
)

// harness wires real stores over one temp database plus an httptest
// provider, the way the worker assembles a runner.
type harness struct {
	queue    *queue.Queue
	sessions *session.Store
	records  *observation.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "chronicle.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	ctx := context.Background()
	eventQueue, err := queue.Open(ctx, pool, nil, nil)
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	sessions, err := session.Open(ctx, pool, nil, nil)
	if err != nil {
		t.Fatalf("opening sessions: %v", err)
	}
	records, err := observation.Open(ctx, pool, nil, nil)
	if err != nil {
		t.Fatalf("opening observations: %v", err)
	}
	return &harness{queue: eventQueue, sessions: sessions, records: records}
}

func (h *harness) runner(t *testing.T, sessionID string, chain *llm.Chain) *Runner {
	t.Helper()
	r, err := New(Config{
		SessionID: sessionID,
		Queue:     h.queue,
		Sessions:  h.sessions,
		Processor: observation.NewProcessor(h.records, h.sessions, h.queue, nil),
		Chain:     chain,
		Provider: settings.ProviderConfig{
			Endpoint:           "https://unused.example",
			Credential:         "sk-test",
			Model:              "gpt-4o",
			WireFormat:         llm.FormatOpenAI,
			MaxContextMessages: 30,
			MaxEstimatedTokens: 100_000,
			Tag:                "primary",
		},
		IdleTimeout: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("building runner: %v", err)
	}
	return r
}

// openaiHandler replays canned chat-completions responses and records
// each decoded request.
type openaiHandler struct {
	mutex    sync.Mutex
	requests []openaiWireRequest
	respond  func(call int, writer http.ResponseWriter)
}

type openaiWireRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (h *openaiHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	var wireRequest openaiWireRequest
	json.NewDecoder(request.Body).Decode(&wireRequest)

	h.mutex.Lock()
	h.requests = append(h.requests, wireRequest)
	call := len(h.requests)
	h.mutex.Unlock()

	h.respond(call, writer)
}

func (h *openaiHandler) recorded() []openaiWireRequest {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]openaiWireRequest(nil), h.requests...)
}

func textResponse(writer http.ResponseWriter, text string, totalTokens int64) {
	json.NewEncoder(writer).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": text}},
		},
		"usage": map[string]any{"total_tokens": totalTokens},
	})
}

func newChain(t *testing.T, handler http.Handler) (*llm.Chain, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	primary, err := llm.NewOpenAI(server.URL, "sk-test", server.Client(), nil)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return llm.NewChain(primary, nil, true, nil), server
}

func TestRunnerProcessesSessionEndToEnd(t *testing.T) {
	t.Parallel()

	handler := &openaiHandler{respond: func(call int, writer http.ResponseWriter) {
		switch call {
		case 1:
			textResponse(writer, "ready", 10)
		case 4:
			textResponse(writer, "summary of the session", 35)
		default:
			textResponse(writer, "<observation/>", 25)
		}
	}}
	chain, _ := newChain(t, handler)

	h := newHarness(t)
	ctx := context.Background()
	sessionID := testutil.UniqueID("session")

	for _, tool := range []string{"Bash", "Edit"} {
		if _, err := h.queue.Enqueue(ctx, sessionID, queue.KindObservation, queue.EventPayload{
			ToolName:   tool,
			ToolInput:  `{"x":1}`,
			ToolOutput: "done",
			Cwd:        "/work",
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := h.queue.Enqueue(ctx, sessionID, queue.KindSummarize, queue.EventPayload{}); err != nil {
		t.Fatalf("Enqueue summarize: %v", err)
	}

	if err := h.runner(t, sessionID, chain).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Init preamble, two observations, one summary.
	requests := handler.recorded()
	if len(requests) != 4 {
		t.Fatalf("provider calls = %d, want 4", len(requests))
	}
	if length := len(requests[0].Messages); length != 1 {
		t.Errorf("init request turns = %d, want 1", length)
	}
	// The conversation grows: each call carries the history so far.
	if length := len(requests[3].Messages); length != 7 {
		t.Errorf("final request turns = %d, want 7", length)
	}
	if !strings.Contains(requests[1].Messages[2].Content, "Bash") {
		t.Errorf("observation prompt %q does not carry the tool name", requests[1].Messages[2].Content)
	}

	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.HasPrefix(sess.MemorySessionID, "primary-"+sessionID+"-") {
		t.Errorf("memory session id = %q, want the synthesized form", sess.MemorySessionID)
	}
	if !sess.Completed() {
		t.Error("session not completed after its summary")
	}
	if sess.ObservationCount != 2 {
		t.Errorf("observation count = %d, want 2", sess.ObservationCount)
	}
	// Total-only usage reports are split by estimate; the split always
	// sums back to the reported totals (10 + 25 + 25 + 35).
	if got := sess.InputTokens + sess.OutputTokens; got != 95 {
		t.Errorf("accumulated tokens = %d, want 95", got)
	}

	saved, err := h.records.BySession(ctx, sessionID, queue.KindObservation)
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("observations = %d, want 2", len(saved))
	}
	if saved[0].Body != "<observation/>" || saved[0].MemorySessionID != sess.MemorySessionID {
		t.Errorf("record = %+v, want the provider text bound to the memory session", saved[0])
	}
	summary, err := h.records.SummaryBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("SummaryBySession: %v", err)
	}
	if summary == nil || summary.Body != "summary of the session" {
		t.Errorf("summary = %+v", summary)
	}

	// Everything confirmed.
	if pending, _ := h.queue.SessionsWithPending(ctx); len(pending) != 0 {
		t.Errorf("pending sessions = %+v after a full drain", pending)
	}
}

func TestRunnerFailureLeavesEventProcessing(t *testing.T) {
	t.Parallel()

	handler := &openaiHandler{respond: func(call int, writer http.ResponseWriter) {
		if call == 1 {
			textResponse(writer, "ready", 10)
			return
		}
		writer.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(writer).Encode(map[string]any{
			"error": map[string]any{"type": "overloaded", "message": "down"},
		})
	}}
	chain, _ := newChain(t, handler)

	h := newHarness(t)
	ctx := context.Background()
	sessionID := testutil.UniqueID("session")

	if _, err := h.queue.Enqueue(ctx, sessionID, queue.KindObservation, queue.EventPayload{ToolName: "Bash"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := h.runner(t, sessionID, chain).Run(ctx); err == nil {
		t.Fatal("Run succeeded although the provider is down")
	}

	// The event stays claimed (processing), not confirmed and not
	// immediately redeliverable.
	if event, _ := h.queue.ClaimNext(ctx, sessionID); event != nil {
		t.Errorf("failed event %d is claimable again", event.PersistentID)
	}
	if saved, _ := h.records.BySession(ctx, sessionID, ""); len(saved) != 0 {
		t.Errorf("records = %d after a failed call, want 0", len(saved))
	}
}

func TestRunnerFallsBackWithSameHistory(t *testing.T) {
	t.Parallel()

	primaryHandler := &openaiHandler{respond: func(call int, writer http.ResponseWriter) {
		if call == 1 {
			textResponse(writer, "ready", 10)
			return
		}
		writer.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(writer).Encode(map[string]any{
			"error": map[string]any{"type": "overloaded", "message": "down"},
		})
	}}
	fallbackHandler := &openaiHandler{respond: func(call int, writer http.ResponseWriter) {
		textResponse(writer, "<ok/>", 42)
	}}

	primaryServer := httptest.NewServer(primaryHandler)
	t.Cleanup(primaryServer.Close)
	fallbackServer := httptest.NewServer(fallbackHandler)
	t.Cleanup(fallbackServer.Close)

	primary, err := llm.NewOpenAI(primaryServer.URL, "sk-primary", primaryServer.Client(), nil)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	fallback, err := llm.NewOpenAI(fallbackServer.URL, "sk-fallback", fallbackServer.Client(), nil)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	chain := llm.NewChain(primary, fallback, true, nil)

	h := newHarness(t)
	ctx := context.Background()
	sessionID := testutil.UniqueID("session")

	if _, err := h.queue.Enqueue(ctx, sessionID, queue.KindObservation, queue.EventPayload{ToolName: "Bash"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := h.runner(t, sessionID, chain).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The fallback saw the identical history the primary failed on.
	primaryRequests := primaryHandler.recorded()
	fallbackRequests := fallbackHandler.recorded()
	if len(fallbackRequests) != 1 {
		t.Fatalf("fallback calls = %d, want 1", len(fallbackRequests))
	}
	failedRequest := primaryRequests[len(primaryRequests)-1]
	if len(fallbackRequests[0].Messages) != len(failedRequest.Messages) {
		t.Fatalf("fallback turns = %d, primary turns = %d, want identical",
			len(fallbackRequests[0].Messages), len(failedRequest.Messages))
	}
	for i := range failedRequest.Messages {
		if fallbackRequests[0].Messages[i] != failedRequest.Messages[i] {
			t.Errorf("history diverged at turn %d", i)
		}
	}

	// The response processor ran exactly once, with the fallback's
	// text.
	saved, err := h.records.BySession(ctx, sessionID, queue.KindObservation)
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	if len(saved) != 1 || saved[0].Body != "<ok/>" {
		t.Errorf("records = %+v, want one record with the fallback's text", saved)
	}
}

func TestRunnerCancellationLeavesEventClaimed(t *testing.T) {
	t.Parallel()

	requestStarted := make(chan struct{})
	calls := 0
	var mutex sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mutex.Lock()
		calls++
		call := calls
		mutex.Unlock()
		if call == 1 {
			textResponse(writer, "ready", 10)
			return
		}
		// Drain the body so the server's background read is active;
		// without it a client disconnect never cancels this request
		// context and Close deadlocks.
		io.Copy(io.Discard, request.Body)
		close(requestStarted)
		<-request.Context().Done()
	}))
	t.Cleanup(server.Close)

	primary, err := llm.NewOpenAI(server.URL, "sk-test", server.Client(), nil)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	chain := llm.NewChain(primary, nil, true, nil)

	h := newHarness(t)
	sessionID := testutil.UniqueID("session")
	if _, err := h.queue.Enqueue(context.Background(), sessionID, queue.KindObservation, queue.EventPayload{ToolName: "Bash"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner(t, sessionID, chain).Run(ctx) }()

	testutil.RequireClosed(t, requestStarted, 5*time.Second, "waiting for the in-flight call")
	cancel()

	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for the runner"); err != nil {
		t.Fatalf("Run after cancellation: %v", err)
	}

	// The event was neither confirmed nor released: it stays claimed
	// for the lease to redeliver later.
	if event, _ := h.queue.ClaimNext(context.Background(), sessionID); event != nil {
		t.Errorf("cancelled event %d is claimable", event.PersistentID)
	}
	if saved, _ := h.records.BySession(context.Background(), sessionID, ""); len(saved) != 0 {
		t.Errorf("records = %d after cancellation, want 0", len(saved))
	}
}

func TestRunnerEmptyResponseIsSoft(t *testing.T) {
	t.Parallel()

	handler := &openaiHandler{respond: func(call int, writer http.ResponseWriter) {
		if call == 1 {
			textResponse(writer, "ready", 10)
			return
		}
		textResponse(writer, "", 5)
	}}
	chain, _ := newChain(t, handler)

	h := newHarness(t)
	ctx := context.Background()
	sessionID := testutil.UniqueID("session")

	if _, err := h.queue.Enqueue(ctx, sessionID, queue.KindSummarize, queue.EventPayload{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.runner(t, sessionID, chain).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Empty text is persisted and confirmed, not treated as failure.
	summary, err := h.records.SummaryBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("SummaryBySession: %v", err)
	}
	if summary == nil || summary.Body != "" {
		t.Errorf("summary = %+v, want an empty-bodied record", summary)
	}
}

func TestSynthesizeMemorySessionID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	got := SynthesizeMemorySessionID("corp", "abc123", now)
	want := "corp-abc123-1785585600000"
	if got != want {
		t.Errorf("SynthesizeMemorySessionID = %q, want %q", got, want)
	}
}

func TestRunnerTranscriptRecordsFallback(t *testing.T) {
	t.Parallel()

	primaryHandler := &openaiHandler{respond: func(call int, writer http.ResponseWriter) {
		if call == 1 {
			textResponse(writer, "ready", 10)
			return
		}
		writer.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(writer).Encode(map[string]any{
			"error": map[string]any{"type": "overloaded", "message": "down"},
		})
	}}
	fallbackHandler := &openaiHandler{respond: func(call int, writer http.ResponseWriter) {
		textResponse(writer, "<ok/>", 42)
	}}

	primaryServer := httptest.NewServer(primaryHandler)
	t.Cleanup(primaryServer.Close)
	fallbackServer := httptest.NewServer(fallbackHandler)
	t.Cleanup(fallbackServer.Close)

	primary, err := llm.NewOpenAI(primaryServer.URL, "sk-primary", primaryServer.Client(), nil)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	fallback, err := llm.NewOpenAI(fallbackServer.URL, "sk-fallback", fallbackServer.Client(), nil)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	chain := llm.NewChain(primary, fallback, true, nil)

	h := newHarness(t)
	ctx := context.Background()
	sessionID := testutil.UniqueID("session")

	transcriptPath := filepath.Join(t.TempDir(), "transcript.jsonl")
	transcript, err := sessionlog.NewWriter(transcriptPath)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { transcript.Close() })

	if _, err := h.queue.Enqueue(ctx, sessionID, queue.KindObservation, queue.EventPayload{
		ToolName:   "Bash",
		UserPrompt: "fix the flaky test",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r, err := New(Config{
		SessionID: sessionID,
		Queue:     h.queue,
		Sessions:  h.sessions,
		Processor: observation.NewProcessor(h.records, h.sessions, h.queue, nil),
		Chain:     chain,
		Provider: settings.ProviderConfig{
			Endpoint:           "https://unused.example",
			Credential:         "sk-test",
			Model:              "gpt-4o",
			WireFormat:         llm.FormatOpenAI,
			MaxContextMessages: 30,
			MaxEstimatedTokens: 100_000,
			Tag:                "primary",
		},
		Transcript:  transcript,
		IdleTimeout: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("building runner: %v", err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := transcript.Summary().Fallbacks; got != 1 {
		t.Errorf("transcript fallbacks = %d, want 1", got)
	}

	// The transcript carries the failover and the prompt ordinal the
	// result belongs to.
	file, err := os.Open(transcriptPath)
	if err != nil {
		t.Fatalf("opening transcript: %v", err)
	}
	defer file.Close()

	var fallbackEvents, ordinalResults int
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event sessionlog.Event
		if err := decoder.Decode(&event); err != nil {
			t.Fatalf("decoding transcript event: %v", err)
		}
		switch {
		case event.Type == sessionlog.EventTypeFallback:
			fallbackEvents++
			if event.EventID == 0 {
				t.Error("fallback event does not reference the queue event")
			}
		case event.Type == sessionlog.EventTypeResult && event.PromptOrdinal == 1:
			ordinalResults++
		}
	}
	if fallbackEvents != 1 {
		t.Errorf("fallback transcript events = %d, want 1", fallbackEvents)
	}
	if ordinalResults != 1 {
		t.Errorf("result events carrying prompt ordinal 1 = %d, want 1", ordinalResults)
	}
}

func TestObservationBeforeMemorySessionFailsFast(t *testing.T) {
	t.Parallel()

	handler := &openaiHandler{respond: func(call int, writer http.ResponseWriter) {
		textResponse(writer, "never", 1)
	}}
	chain, _ := newChain(t, handler)

	h := newHarness(t)
	ctx := context.Background()
	sessionID := testutil.UniqueID("session")

	// A session row with no memory session bound.
	sess, err := h.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := h.queue.Enqueue(ctx, sessionID, queue.KindObservation, queue.EventPayload{ToolName: "Bash"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	event, err := h.queue.ClaimNext(ctx, sessionID)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	processErr := h.runner(t, sessionID, chain).processEvent(ctx, sess, event)
	var preconditionErr *PreconditionError
	if !errors.As(processErr, &preconditionErr) {
		t.Fatalf("processEvent error = %v, want a precondition failure", processErr)
	}

	// The provider was never called and the event stays claimed.
	if calls := handler.recorded(); len(calls) != 0 {
		t.Errorf("provider calls = %d before a memory session exists, want 0", len(calls))
	}
	if again, _ := h.queue.ClaimNext(ctx, sessionID); again != nil {
		t.Errorf("failed event %d is claimable again", again.PersistentID)
	}
}
