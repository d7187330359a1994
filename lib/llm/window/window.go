// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package window bounds conversation history before each provider
// call. The session runner appends every turn to its conversation and
// asks [Window.Bound] for the slice actually sent to the provider:
// the full history when it fits, otherwise the most recent turns that
// stay within both the message-count and token budgets.
//
// Token counts come from [CharEstimator], a fixed character-ratio
// heuristic. It is an approximation, deliberately conservative: a
// tokenizer dependency would buy precision this pipeline does not
// need, since the budget exists to keep calls bounded, not to fill
// the context window exactly.
package window

import (
	"log/slog"

	"github.com/chronicle-foundation/chronicle/lib/llm"
)

// charactersPerToken is the fixed estimation ratio. 4.0 is
// conservative for English text with code: BPE tokenizers average
// 3.5–4.5 characters per token, so estimates err high and truncation
// triggers slightly early rather than risking a context overflow.
const charactersPerToken = 4.0

// messageOverheadChars is the fixed per-message cost added for role
// markers and JSON framing.
const messageOverheadChars = 20

// Estimator estimates the token count of a message slice without
// calling a tokenizer.
type Estimator interface {
	EstimateTokens(messages []llm.Message) int
}

// CharEstimator estimates tokens from character counts at a fixed
// ratio. Always rounds up.
type CharEstimator struct{}

// EstimateTokens returns the estimated token count for messages.
func (CharEstimator) EstimateTokens(messages []llm.Message) int {
	characters := 0
	for _, message := range messages {
		characters += len(message.Content) + messageOverheadChars
	}
	return int(float64(characters)/charactersPerToken) + 1
}

// Window bounds a conversation under a message-count budget and an
// estimated-token budget.
type Window struct {
	// MaxMessages is the maximum number of turns sent per call.
	MaxMessages int

	// MaxEstimatedTokens is the estimated-token budget for the whole
	// outgoing conversation.
	MaxEstimatedTokens int

	// Estimator supplies token estimates. Nil means [CharEstimator].
	Estimator Estimator

	// Logger receives the truncation warning. Nil disables it.
	Logger *slog.Logger
}

// Bound returns the conversation slice to send to the provider and
// the number of turns dropped.
//
// When the conversation is within both budgets it is passed through
// unmodified. Otherwise a sliding window from the end of the
// conversation backward includes turns while the running token
// estimate and the count stay within budget, stopping at the first
// turn that would violate either bound. The most recent turn is
// always included, even when it alone exceeds the token budget; an
// empty request is never useful.
//
// Bound never mutates the input; it returns a derived view used only
// for the outgoing request.
func (w *Window) Bound(messages []llm.Message) ([]llm.Message, int) {
	estimator := w.Estimator
	if estimator == nil {
		estimator = CharEstimator{}
	}

	if len(messages) <= w.MaxMessages &&
		estimator.EstimateTokens(messages) <= w.MaxEstimatedTokens {
		return messages, 0
	}

	start := len(messages)
	for start > 0 {
		candidate := start - 1
		if len(messages)-candidate > w.MaxMessages {
			break
		}
		if estimator.EstimateTokens(messages[candidate:]) > w.MaxEstimatedTokens {
			break
		}
		start = candidate
	}
	if start == len(messages) && len(messages) > 0 {
		// The newest turn alone violates the token budget. Keep it.
		start = len(messages) - 1
	}

	dropped := start
	if dropped > 0 && w.Logger != nil {
		w.Logger.Warn("conversation truncated for provider call",
			"dropped_turns", dropped,
			"kept_turns", len(messages)-start,
			"max_messages", w.MaxMessages,
			"max_estimated_tokens", w.MaxEstimatedTokens,
		)
	}

	return messages[start:], dropped
}
