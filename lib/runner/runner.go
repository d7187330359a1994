// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner drives one session's events through the provider
// pipeline.
//
// A runner exclusively owns its session for its lifetime: it holds
// the conversation history, claims events strictly in order, and
// hands each provider result to the response processor before
// claiming the next. Sessions run concurrently; turns within a
// session never do.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronicle-foundation/chronicle/lib/clock"
	"github.com/chronicle-foundation/chronicle/lib/llm"
	"github.com/chronicle-foundation/chronicle/lib/llm/window"
	"github.com/chronicle-foundation/chronicle/lib/observation"
	"github.com/chronicle-foundation/chronicle/lib/queue"
	"github.com/chronicle-foundation/chronicle/lib/session"
	"github.com/chronicle-foundation/chronicle/lib/sessionlog"
	"github.com/chronicle-foundation/chronicle/lib/settings"
)

// PreconditionError reports an event that cannot be processed in the
// session's current state. The provider is never called; the event
// fails before any request is built.
type PreconditionError struct {
	Reason string
}

func (err *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", err.Reason)
}

// claimPollInterval is how often an idle runner re-checks its queue
// before the idle timeout expires.
const claimPollInterval = 500 * time.Millisecond

// Config assembles a runner's collaborators.
type Config struct {
	SessionID string

	Queue     *queue.Queue
	Sessions  *session.Store
	Processor *observation.Processor
	Chain     *llm.Chain

	// Provider is the resolved configuration of the primary provider;
	// it supplies the model name, the context budgets, and the tag
	// used in synthesized memory session ids.
	Provider settings.ProviderConfig

	// Transcript, when non-nil, receives a JSONL record of the
	// session's pipeline activity.
	Transcript *sessionlog.Writer

	// IdleTimeout is how long the runner waits on an empty stream
	// before terminating.
	IdleTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Runner processes one session's event stream.
type Runner struct {
	config  Config
	window  window.Window
	clock   clock.Clock
	logger  *slog.Logger
	history []llm.Message
}

// New builds a runner. The Queue, Sessions, Processor, and Chain
// fields of the config are required.
func New(config Config) (*Runner, error) {
	if config.SessionID == "" {
		return nil, fmt.Errorf("runner: session id is required")
	}
	if config.Queue == nil || config.Sessions == nil || config.Processor == nil || config.Chain == nil {
		return nil, fmt.Errorf("runner: queue, sessions, processor, and chain are required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}

	return &Runner{
		config: config,
		window: window.Window{
			MaxMessages:        config.Provider.MaxContextMessages,
			MaxEstimatedTokens: config.Provider.MaxEstimatedTokens,
			Estimator:          window.CharEstimator{},
			Logger:             config.Logger,
		},
		clock:  config.Clock,
		logger: config.Logger.With("session", config.SessionID),
	}, nil
}

// Run drains the session's event stream until it stays empty for the
// idle timeout, then returns. Cancellation terminates promptly and
// cleanly: the in-flight event is left claimed for later redelivery.
//
// Configuration and precondition failures are logged and terminate
// the run; they are returned so the owner can surface them once.
func (r *Runner) Run(ctx context.Context) error {
	started := r.clock.Now()
	turns := 0

	sess, err := r.config.Sessions.GetOrCreate(ctx, r.config.SessionID)
	if err != nil {
		return err
	}

	if err := r.ensureMemorySession(ctx, sess); err != nil {
		return r.terminate(err)
	}
	if err := r.openConversation(ctx, sess); err != nil {
		return r.terminate(err)
	}

	idleDeadline := r.clock.Now().Add(r.config.IdleTimeout)
	for {
		if ctx.Err() != nil {
			r.logger.Info("session runner cancelled", "turns", turns)
			return nil
		}

		event, err := r.config.Queue.ClaimNext(ctx, r.config.SessionID)
		if err != nil {
			return r.terminate(err)
		}
		if event == nil {
			if !r.clock.Now().Before(idleDeadline) {
				break
			}
			select {
			case <-ctx.Done():
				r.logger.Info("session runner cancelled", "turns", turns)
				return nil
			case <-r.clock.After(claimPollInterval):
			}
			continue
		}

		if err := r.processEvent(ctx, sess, event); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Event stays claimed; the lease releases it for a
				// later attempt.
				r.logger.Info("session runner cancelled mid-event",
					"event_id", event.PersistentID, "turns", turns)
				return nil
			}
			return r.terminate(err)
		}

		turns++
		idleDeadline = r.clock.Now().Add(r.config.IdleTimeout)

		if event.Kind == queue.KindSummarize {
			break
		}
	}

	r.logger.Info("session runner finished",
		"turns", turns,
		"duration", r.clock.Now().Sub(started),
	)
	return nil
}

// terminate logs a single clear diagnostic and returns the error.
func (r *Runner) terminate(err error) error {
	r.logger.Error("session runner failed",
		"provider", r.config.Chain.Tag(),
		"error", err,
	)
	if r.config.Transcript != nil {
		r.config.Transcript.Write(sessionlog.Event{
			Type:      sessionlog.EventTypeError,
			Timestamp: r.clock.Now(),
			SessionID: r.config.SessionID,
			Provider:  r.config.Chain.Tag(),
			Error:     err.Error(),
		})
	}
	return err
}

// ensureMemorySession synthesizes and persists the memory session id
// before any provider call, so a crash mid-conversation resumes the
// same provider conversation instead of forking a new one.
func (r *Runner) ensureMemorySession(ctx context.Context, sess *session.Session) error {
	if sess.MemorySessionID != "" {
		return nil
	}
	sess.MemorySessionID = SynthesizeMemorySessionID(
		r.config.Provider.Tag, sess.ContentSessionID, r.clock.Now())
	if err := r.config.Sessions.SetMemorySessionID(ctx, sess.ContentSessionID, sess.MemorySessionID); err != nil {
		return err
	}
	r.logger.Info("memory session bound", "memory_session", sess.MemorySessionID)
	return nil
}

// openConversation sends the init prompt for a fresh session or the
// continuation prompt for a resumed one, establishing the provider
// conversation before events are drained.
func (r *Runner) openConversation(ctx context.Context, sess *session.Session) error {
	var prompt string
	if sess.ObservationCount == 0 && sess.PromptCounter == 0 {
		prompt = initPrompt(sess.ContentSessionID)
	} else {
		prompt = continuationPrompt(sess.ContentSessionID, sess.ObservationCount)
	}

	result, err := r.complete(ctx, prompt, 0)
	if err != nil {
		return err
	}

	inputTokens, outputTokens := r.splitTokens(result)
	return r.config.Sessions.AddUsage(ctx, sess.ContentSessionID, inputTokens, outputTokens)
}

// processEvent runs one claimed event through the provider and the
// response processor. The event is confirmed by the processor only
// after its record is durable; any failure leaves it claimed.
func (r *Runner) processEvent(ctx context.Context, sess *session.Session, event *queue.Event) error {
	var prompt string
	promptOrdinal := event.Payload.PromptOrdinal

	switch event.Kind {
	case queue.KindObservation:
		if sess.MemorySessionID == "" {
			return &PreconditionError{
				Reason: fmt.Sprintf("observation event %d arrived before a memory session id exists", event.PersistentID),
			}
		}
		if event.Payload.UserPrompt != "" && promptOrdinal == 0 {
			ordinal, err := r.config.Sessions.NextPromptOrdinal(ctx, sess.ContentSessionID)
			if err != nil {
				return err
			}
			promptOrdinal = ordinal
		}
		prompt = observationPrompt(event.Payload, promptOrdinal)
	case queue.KindSummarize:
		prompt = summarizePrompt(sess.ContentSessionID, sess.ObservationCount,
			event.Payload.UserPrompt, r.lastAssistantTurn())
	default:
		return fmt.Errorf("runner: unknown event kind %q for event %d", event.Kind, event.PersistentID)
	}

	if err := r.config.Sessions.BeginEvent(ctx, sess.ContentSessionID, event.PersistentID, event.Payload.Cwd); err != nil {
		return err
	}

	result, err := r.complete(ctx, prompt, event.PersistentID)
	if err != nil {
		return err
	}
	if result.Text == "" {
		r.logger.Warn("provider returned empty text",
			"event_id", event.PersistentID,
			"provider", result.Provider,
		)
	}

	inputTokens, outputTokens := r.splitTokens(result)
	record := observation.Record{
		EventID:         event.PersistentID,
		SessionID:       sess.ContentSessionID,
		MemorySessionID: sess.MemorySessionID,
		Kind:            event.Kind,
		PromptOrdinal:   promptOrdinal,
		ToolName:        event.Payload.ToolName,
		Body:            result.Text,
		ProviderTag:     result.Provider,
		Cwd:             event.Payload.Cwd,
		EventTimestamp:  event.Payload.Timestamp,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
	}
	if err := r.config.Processor.Process(ctx, event, record); err != nil {
		return err
	}

	// Counters changed under the processor; refresh the local view.
	refreshed, err := r.config.Sessions.Get(ctx, sess.ContentSessionID)
	if err != nil {
		return err
	}
	if refreshed != nil {
		*sess = *refreshed
	}

	if r.config.Transcript != nil {
		r.config.Transcript.Write(sessionlog.Event{
			Type:          sessionlog.EventTypeResult,
			Timestamp:     r.clock.Now(),
			SessionID:     sess.ContentSessionID,
			EventID:       event.PersistentID,
			Kind:          string(event.Kind),
			Provider:      result.Provider,
			PromptOrdinal: promptOrdinal,
			BodyLength:    len(result.Text),
			InputTokens:   inputTokens,
			OutputTokens:  outputTokens,
		})
	}
	return nil
}

// lastAssistantTurn returns the content of the most recent assistant
// turn, or "" before any reply has arrived.
func (r *Runner) lastAssistantTurn() string {
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Role == llm.RoleAssistant {
			return r.history[i].Content
		}
	}
	return ""
}

// complete appends the prompt as a user turn, sends the bounded
// history through the fallback chain, and appends the reply.
//
// The full history stays on the runner; only the outgoing request is
// bounded. The chain hands the same bounded slice to the fallback on
// failover.
func (r *Runner) complete(ctx context.Context, prompt string, eventID int64) (*llm.Result, error) {
	r.history = append(r.history, llm.Message{Role: llm.RoleUser, Content: prompt})

	bounded, dropped := r.window.Bound(r.history)

	if r.config.Transcript != nil {
		r.config.Transcript.Write(sessionlog.Event{
			Type:         sessionlog.EventTypePrompt,
			Timestamp:    r.clock.Now(),
			SessionID:    r.config.SessionID,
			EventID:      eventID,
			Provider:     r.config.Chain.Tag(),
			Turns:        len(bounded),
			TurnsDropped: dropped,
		})
	}

	result, err := r.config.Chain.Complete(ctx, llm.Request{
		Model:    r.config.Provider.Model,
		Messages: bounded,
	})
	if err != nil {
		// The unanswered prompt stays out of the history so a retry
		// after redelivery builds the same conversation.
		r.history = r.history[:len(r.history)-1]
		return nil, err
	}

	if result.FellBack && r.config.Transcript != nil {
		r.config.Transcript.Write(sessionlog.Event{
			Type:      sessionlog.EventTypeFallback,
			Timestamp: r.clock.Now(),
			SessionID: r.config.SessionID,
			EventID:   eventID,
			Provider:  result.Provider,
		})
	}

	r.history = append(r.history, llm.Message{Role: llm.RoleAssistant, Content: result.Text})
	return result, nil
}

// splitTokens returns the input/output token split for the result.
// Wire formats that report the split are used as-is; a total-only
// report is split by estimating the request's share.
func (r *Runner) splitTokens(result *llm.Result) (inputTokens, outputTokens int64) {
	if result.InputTokens > 0 || result.OutputTokens > 0 {
		return result.InputTokens, result.OutputTokens
	}
	if result.TotalTokens == 0 {
		return 0, 0
	}

	estimator := r.window.Estimator
	if estimator == nil {
		estimator = window.CharEstimator{}
	}
	// The history already contains the assistant reply; estimate the
	// request as everything before it.
	requestTurns := r.history
	if len(requestTurns) > 0 && requestTurns[len(requestTurns)-1].Role == llm.RoleAssistant {
		requestTurns = requestTurns[:len(requestTurns)-1]
	}
	inputTokens = int64(estimator.EstimateTokens(requestTurns))
	if inputTokens > result.TotalTokens {
		inputTokens = result.TotalTokens
	}
	return inputTokens, result.TotalTokens - inputTokens
}
