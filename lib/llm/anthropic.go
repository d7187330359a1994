// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// anthropicVersion is the API version date sent with every request.
const anthropicVersion = "2023-06-01"

// Anthropic implements [Provider] for the messages wire format: a
// separate system field, an alternating user/assistant message list,
// x-api-key auth, and split input/output token counts.
type Anthropic struct {
	endpoint   string
	credential string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropic creates a messages-shape provider. The endpoint is
// normalized to end in /v1/messages. Returns a [ConfigError] when the
// endpoint or credential is missing.
func NewAnthropic(endpoint, credential string, httpClient *http.Client, logger *slog.Logger) (*Anthropic, error) {
	if endpoint == "" {
		return nil, &ConfigError{Reason: "anthropic: endpoint is required"}
	}
	if credential == "" {
		return nil, &ConfigError{Reason: "anthropic: credential is required"}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Anthropic{
		endpoint:   NormalizeEndpoint(endpoint, FormatAnthropic),
		credential: credential,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Tag returns "anthropic".
func (provider *Anthropic) Tag() string { return "anthropic" }

// Complete sends a non-streaming request and returns the normalized
// result.
func (provider *Anthropic) Complete(ctx context.Context, request Request) (*Result, error) {
	wireRequest := provider.buildRequest(request)

	headers := map[string]string{
		"x-api-key":         provider.credential,
		"anthropic-version": anthropicVersion,
	}

	httpResponse, err := postJSON(ctx, provider.httpClient,
		provider.endpoint, wireRequest, headers, "llm/anthropic")
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wireResponse anthropicResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return nil, fmt.Errorf("llm/anthropic: decoding response: %w", err)
	}

	if wireResponse.Error != nil {
		return nil, &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireResponse.Error.Type,
			Message:    wireResponse.Error.Message,
		}
	}

	if len(wireResponse.Content) == 0 && wireResponse.Type == "" {
		return nil, &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       "unexpected_response",
			Message:    "response has no content blocks and no error object",
		}
	}

	result := &Result{
		Text:         firstTextBlock(wireResponse.Content),
		InputTokens:  wireResponse.Usage.InputTokens,
		OutputTokens: wireResponse.Usage.OutputTokens,
		TotalTokens:  wireResponse.Usage.InputTokens + wireResponse.Usage.OutputTokens,
		Provider:     provider.Tag(),
	}

	warnHighUsage(provider.logger, provider.Tag(), result.TotalTokens)

	return result, nil
}

// buildRequest converts the common request to the messages wire
// format. The first user turn in the history becomes the system field
// (it carries the instructions for the whole conversation), and any
// assistant turns left at the head of the remainder are dropped; the
// format requires the message list to start with a user turn.
func (provider *Anthropic) buildRequest(request Request) anthropicRequest {
	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	wireRequest := anthropicRequest{
		Model:       request.Model,
		MaxTokens:   maxTokens,
		Temperature: request.Temperature,
	}

	messages := request.Messages

	// Lift the first user turn into the system field.
	systemIndex := -1
	for i, message := range messages {
		if message.Role == RoleUser {
			systemIndex = i
			break
		}
	}
	if systemIndex >= 0 {
		wireRequest.System = messages[systemIndex].Content
		messages = messages[systemIndex+1:]
	}

	// Drop assistant turns now preceding the first remaining user
	// turn.
	for len(messages) > 0 && messages[0].Role != RoleUser {
		messages = messages[1:]
	}

	for _, message := range messages {
		wireRequest.Messages = append(wireRequest.Messages, anthropicMessage{
			Role:    string(message.Role),
			Content: message.Content,
		})
	}

	// The API rejects an empty message list. A single-turn
	// conversation ends up here: send the lifted turn as the user
	// message instead of as system instructions.
	if len(wireRequest.Messages) == 0 {
		wireRequest.Messages = append(wireRequest.Messages, anthropicMessage{
			Role:    string(RoleUser),
			Content: wireRequest.System,
		})
		wireRequest.System = ""
	}

	return wireRequest
}

// firstTextBlock returns the text of the first text-typed content
// block, or "" when none exists.
func firstTextBlock(blocks []anthropicContentBlock) string {
	for _, block := range blocks {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// --- messages wire types ---
//
// These map directly to the Anthropic Messages API JSON format.
// Chronicle only sends text turns, so message content is a plain
// string on the request side; responses carry a content-block list.

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string                  `json:"id"`
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   anthropicUsage          `json:"usage"`
	Error   *anthropicError         `json:"error,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
