// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"log/slog"
)

// Chain tries a primary provider and, on a fallback-eligible failure,
// retries the same logical call once against a fallback provider with
// the identical request: the fallback sees the full pre-failure
// conversation history, not a truncated restart.
//
// The chain is a short, explicit, non-cyclic list of at most two
// adapters. The fallback's own failure is not retried further; it
// propagates to the caller.
type Chain struct {
	primary       Provider
	fallback      Provider
	allowFallback bool
	logger        *slog.Logger
}

// NewChain creates a fallback chain. fallback may be nil (no failover
// possible). allowFallback reflects the deployment mode: when false,
// failover is structurally unavailable and eligible errors propagate
// directly.
func NewChain(primary Provider, fallback Provider, allowFallback bool, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Chain{
		primary:       primary,
		fallback:      fallback,
		allowFallback: allowFallback,
		logger:        logger,
	}
}

// Tag returns the primary provider's tag. Results carry the tag of
// the provider that actually served the call, which differs after a
// failover.
func (chain *Chain) Tag() string { return chain.primary.Tag() }

// HasFallback reports whether a failover target is both registered
// and permitted by the deployment mode.
func (chain *Chain) HasFallback() bool {
	return chain.fallback != nil && chain.allowFallback
}

// Complete issues the request against the primary provider, failing
// over at most once. Cancellation and configuration errors are never
// retried (see [FallbackEligible]).
func (chain *Chain) Complete(ctx context.Context, request Request) (*Result, error) {
	result, err := chain.primary.Complete(ctx, request)
	if err == nil {
		return result, nil
	}

	if !FallbackEligible(err) || !chain.HasFallback() {
		return nil, err
	}

	chain.logger.Warn("primary provider failed, falling back",
		"primary", chain.primary.Tag(),
		"fallback", chain.fallback.Tag(),
		"error", err,
	)

	result, err = chain.fallback.Complete(ctx, request)
	if err != nil {
		return nil, err
	}
	result.FellBack = true
	return result, nil
}
