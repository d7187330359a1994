// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/chronicle-foundation/chronicle/lib/queue"
)

// SynthesizeMemorySessionID builds the durable id binding a content
// session to one provider conversation. The provider tag prefix keeps
// ids from different provider configurations distinct; the timestamp
// suffix keeps a re-initialized session distinct from its past life.
func SynthesizeMemorySessionID(providerTag, contentSessionID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", providerTag, contentSessionID, now.UnixMilli())
}

// initPrompt opens a fresh provider conversation for a session never
// seen before.
func initPrompt(contentSessionID string) string {
	var b strings.Builder
	b.WriteString("You are observing a coding session. As tool-use events arrive, ")
	b.WriteString("extract what the developer actually did and learned, as concise ")
	b.WriteString("structured observations. Record facts, not speculation.\n\n")
	fmt.Fprintf(&b, "Session: %s\n", contentSessionID)
	b.WriteString("Acknowledge and wait for the first event.")
	return b.String()
}

// continuationPrompt re-opens the conversation when a runner picks up
// a session that already has history on the provider side.
func continuationPrompt(contentSessionID string, observationCount int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resuming observation of session %s. ", contentSessionID)
	fmt.Fprintf(&b, "%d observations were recorded so far; continue in the same style.\n", observationCount)
	b.WriteString("Acknowledge and wait for the next event.")
	return b.String()
}

// observationPrompt renders one tool-use event for extraction.
func observationPrompt(payload queue.EventPayload, promptOrdinal int64) string {
	var b strings.Builder
	if payload.UserPrompt != "" {
		fmt.Fprintf(&b, "The developer said (prompt #%d):\n%s\n\n", promptOrdinal, payload.UserPrompt)
	}
	fmt.Fprintf(&b, "Tool: %s\n", payload.ToolName)
	if payload.Cwd != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", payload.Cwd)
	}
	if !payload.Timestamp.IsZero() {
		fmt.Fprintf(&b, "At: %s\n", payload.Timestamp.UTC().Format(time.RFC3339))
	}
	b.WriteString("\nInput:\n")
	b.WriteString(payload.ToolInput)
	b.WriteString("\n\nOutput:\n")
	b.WriteString(payload.ToolOutput)
	b.WriteString("\n\nExtract the observation for this event.")
	return b.String()
}

// summarizePrompt closes the session with a request for an overall
// summary, anchored on what the developer originally asked for and
// where the conversation ended up.
func summarizePrompt(contentSessionID string, observationCount int64, userPrompt, lastAssistant string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s is ending after %d observations.\n", contentSessionID, observationCount)
	if userPrompt != "" {
		fmt.Fprintf(&b, "\nThe developer's request was:\n%s\n", userPrompt)
	}
	if lastAssistant != "" {
		fmt.Fprintf(&b, "\nYour last observation was:\n%s\n", lastAssistant)
	}
	b.WriteString("\nSummarize the session: what was attempted, what was accomplished, ")
	b.WriteString("and anything left unfinished.")
	return b.String()
}
