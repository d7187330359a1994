// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm provides a provider-agnostic interface for the Large
// Language Model APIs Chronicle uses to turn raw session events into
// observations and summaries.
//
// The primary abstraction is [Provider], which issues one blocking
// completion per call. Provider implementations translate between the
// common types in this package and each vendor's wire format:
//
//   - [OpenAI]: the chat-completions shape (flat role/content list,
//     bearer auth, usage.total_tokens). Compatible with any endpoint
//     implementing the OpenAI wire format (OpenRouter, vLLM, Ollama,
//     llama.cpp, etc.).
//   - [Anthropic]: the messages shape (separate system field, content
//     blocks, x-api-key auth, split input/output token counts).
//
// [DetectFormat] infers the wire format from the endpoint URL when no
// explicit override is configured, and [NormalizeEndpoint] appends the
// canonical completion path when the configured URL lacks one.
//
// [Chain] wraps a primary provider and an optional fallback, retrying
// a failed call once against the fallback when the failure is
// fallback-eligible (see [FallbackEligible]) and the deployment mode
// permits.
//
// Credentials are held by the adapters and sent only as request
// headers. They never appear in error text or log output.
package llm
