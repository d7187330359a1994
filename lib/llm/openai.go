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

// OpenAI implements [Provider] for the chat-completions wire format:
// a flat role/content message list, bearer-token auth, and a single
// usage.total_tokens count. This is compatible with any API
// implementing the OpenAI shape (OpenAI, OpenRouter, vLLM, Ollama,
// llama.cpp, etc.).
type OpenAI struct {
	endpoint   string
	credential string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates a chat-completions provider. The endpoint is
// normalized to end in /chat/completions. Returns a [ConfigError]
// when the endpoint or credential is missing.
func NewOpenAI(endpoint, credential string, httpClient *http.Client, logger *slog.Logger) (*OpenAI, error) {
	if endpoint == "" {
		return nil, &ConfigError{Reason: "openai: endpoint is required"}
	}
	if credential == "" {
		return nil, &ConfigError{Reason: "openai: credential is required"}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OpenAI{
		endpoint:   NormalizeEndpoint(endpoint, FormatOpenAI),
		credential: credential,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Tag returns "openai".
func (provider *OpenAI) Tag() string { return "openai" }

// Complete sends a non-streaming request and returns the normalized
// result.
func (provider *OpenAI) Complete(ctx context.Context, request Request) (*Result, error) {
	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	wireRequest := openaiRequest{
		Model:       request.Model,
		Temperature: request.Temperature,
		MaxTokens:   maxTokens,
	}
	for _, message := range request.Messages {
		wireRequest.Messages = append(wireRequest.Messages, openaiMessage{
			Role:    string(message.Role),
			Content: message.Content,
		})
	}

	headers := map[string]string{
		"Authorization": "Bearer " + provider.credential,
	}

	httpResponse, err := postJSON(ctx, provider.httpClient,
		provider.endpoint, wireRequest, headers, "llm/openai")
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wireResponse openaiResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return nil, fmt.Errorf("llm/openai: decoding response: %w", err)
	}

	// Some OpenAI-compatible servers return HTTP 200 with an error
	// object in the body.
	if wireResponse.Error != nil {
		return nil, &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireResponse.Error.Type,
			Code:       wireResponse.Error.Code,
			Message:    wireResponse.Error.Message,
		}
	}

	// A 2xx body with neither choices nor an error object is not one
	// of the known response variants. Flag it rather than silently
	// reading undefined fields.
	if len(wireResponse.Choices) == 0 {
		return nil, &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       "unexpected_response",
			Message:    "response has no choices and no error object",
		}
	}

	result := &Result{
		Text:         wireResponse.Choices[0].Message.Content,
		InputTokens:  wireResponse.Usage.PromptTokens,
		OutputTokens: wireResponse.Usage.CompletionTokens,
		TotalTokens:  wireResponse.Usage.TotalTokens,
		Provider:     provider.Tag(),
	}
	if result.TotalTokens == 0 {
		result.TotalTokens = result.InputTokens + result.OutputTokens
	}

	warnHighUsage(provider.logger, provider.Tag(), result.TotalTokens)

	return result, nil
}

// --- chat-completions wire types ---
//
// These map directly to the OpenAI Chat Completions JSON format.
// Chronicle only sends text turns, so Content is a plain string on
// both sides of the wire.

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openaiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
