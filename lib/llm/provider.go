// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks prompts built by the session runner.
	RoleUser Role = "user"
	// RoleAssistant marks provider responses.
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Chronicle conversations are
// plain text; the pipeline never issues tool-use calls, so there is
// no content-block structure.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request. The message slice
// is read, never mutated: on failover the fallback provider receives
// the identical slice, so both adapters see the same history.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Result is the normalized outcome of a successful completion.
//
// Text may legitimately be empty (the provider returned no content).
// Callers treat empty text as a soft condition to log, not an error.
type Result struct {
	// Text is the first text content of the response.
	Text string

	// InputTokens and OutputTokens are the split counts when the wire
	// format reports them (the messages shape does). Zero when only a
	// total is available.
	InputTokens  int64
	OutputTokens int64

	// TotalTokens is the total usage for the call. Always set: either
	// reported directly (usage.total_tokens) or input + output.
	TotalTokens int64

	// Provider is the tag of the adapter that served this call. The
	// fallback chain propagates it so callers know which provider a
	// result came from.
	Provider string

	// FellBack is set by [Chain.Complete] when the fallback provider
	// served the call. The adapter tags alone cannot show this when
	// primary and fallback speak the same wire format.
	FellBack bool
}

// Provider is the interface for LLM API backends. Implementations
// translate between the common types in this package and each vendor's
// wire format.
type Provider interface {
	// Complete sends a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, request Request) (*Result, error)

	// Tag returns a short identifier for the backend ("openai",
	// "anthropic"). Used in synthetic memory-session ids and
	// diagnostics.
	Tag() string
}

// highUsageTokenThreshold triggers a warning when a single call's
// total token usage crosses it. Catches runaway context growth before
// it becomes a cost problem.
const highUsageTokenThreshold = 50_000

// defaultMaxTokens is sent when the request leaves MaxTokens unset.
// The messages wire format rejects a request without a positive
// max_tokens value.
const defaultMaxTokens = 4096

// warnHighUsage logs a warning when a call's total token usage crosses
// the threshold.
func warnHighUsage(logger *slog.Logger, tag string, totalTokens int64) {
	if totalTokens >= highUsageTokenThreshold {
		logger.Warn("high token usage",
			"provider", tag,
			"total_tokens", totalTokens,
			"threshold", highUsageTokenThreshold,
		)
	}
}

// ProviderError is returned when the API responds with an error: a
// non-2xx status, an error object embedded in a 2xx body, or a 2xx
// body whose shape is not one of the known response variants. All of
// these are fallback-eligible. The message never contains credentials.
type ProviderError struct {
	// StatusCode is the HTTP status code (200 for embedded body
	// errors).
	StatusCode int

	// Type is the provider-specific error type string
	// (e.g., "rate_limit_error", "invalid_request_error").
	Type string

	// Code is the provider-specific error code, when present
	// (the chat-completions shape carries one alongside type).
	Code string

	// Message is the human-readable error description.
	Message string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// ConfigError is returned when a provider cannot be constructed or
// called because its configuration is incomplete (missing endpoint or
// credential). Configuration errors are fatal: never retried, never
// failed over. Fixing them requires operator action.
type ConfigError struct {
	Reason string
}

func (err *ConfigError) Error() string {
	return "llm: configuration: " + err.Reason
}

// FallbackEligible reports whether an error from a provider call may
// be retried against a fallback provider. Cancellation is never
// retried: the caller asked to stop. Configuration errors are never
// retried: the fallback would be pointless or the operator needs to
// act. Everything else (transport failures, non-2xx statuses, embedded
// body errors) is eligible.
func FallbackEligible(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var configError *ConfigError
	return !errors.As(err, &configError)
}

// postJSON marshals wireRequest, POSTs it to endpoint with the given
// headers, and returns the HTTP response. Non-2xx statuses produce a
// [ProviderError] parsed from the body; the body is closed on error.
// On success the caller owns the response body.
func postJSON(ctx context.Context, httpClient *http.Client, endpoint string, wireRequest any, headers map[string]string, prefix string) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", prefix, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		httpRequest.Header.Set(key, value)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		// err is a *url.Error wrapping the transport failure. It
		// carries the URL but never request headers, so credentials
		// cannot leak through it.
		return nil, fmt.Errorf("%s: sending request: %w", prefix, err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}

	return httpResponse, nil
}

// readProviderError parses an error response body in the common
// provider error format: {"error":{"type":"...","code":"...",
// "message":"..."}}. Bodies that do not match fall back to the raw
// text (capped at 4 KiB).
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireError.Error.Type,
			Code:       wireError.Error.Code,
			Message:    wireError.Error.Message,
		}
	}

	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
}
