// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"net/url"
	"strings"
)

// Format identifies a provider wire format.
type Format string

const (
	// FormatAuto defers the choice to [DetectFormat].
	FormatAuto Format = "auto"
	// FormatOpenAI is the chat-completions shape.
	FormatOpenAI Format = "openai"
	// FormatAnthropic is the messages shape.
	FormatAnthropic Format = "anthropic"
)

// Completion path suffixes recognized on configured endpoints.
const (
	openAISuffix    = "/chat/completions"
	anthropicSuffix = "/v1/messages"
)

// anthropicHost is Anthropic's first-party API domain. Endpoints on
// this host speak the messages shape regardless of path.
const anthropicHost = "api.anthropic.com"

// DetectFormat returns the wire format for an endpoint. An explicit
// override wins; otherwise the format is inferred from the URL
// (first-party Anthropic domain or a messages-style path suffix), and
// everything else defaults to the chat-completions shape, the de
// facto standard among OpenAI-compatible servers.
func DetectFormat(endpoint string, override Format) Format {
	if override != "" && override != FormatAuto {
		return override
	}

	parsed, err := url.Parse(endpoint)
	if err == nil && strings.EqualFold(parsed.Hostname(), anthropicHost) {
		return FormatAnthropic
	}
	if strings.HasSuffix(strings.TrimRight(endpoint, "/"), anthropicSuffix) {
		return FormatAnthropic
	}

	return FormatOpenAI
}

// NormalizeEndpoint returns the endpoint with the canonical completion
// path for the given format appended exactly once. Trailing slashes
// are stripped first; an endpoint already carrying a recognized
// completion suffix is returned unchanged.
func NormalizeEndpoint(endpoint string, format Format) string {
	endpoint = strings.TrimRight(endpoint, "/")

	if strings.HasSuffix(endpoint, openAISuffix) || strings.HasSuffix(endpoint, anthropicSuffix) {
		return endpoint
	}

	switch format {
	case FormatAnthropic:
		return endpoint + anthropicSuffix
	default:
		return endpoint + openAISuffix
	}
}
