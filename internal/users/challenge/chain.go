// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package challenge

import (
	"context"
	"log/slog"
)

// Chain tries primary first and falls back to secondary. Primary failures are
// logged, never surfaced; only a secondary failure reaches the caller.
type Chain struct {
	primary   Provider
	secondary Provider
	logger    *slog.Logger
}

// NewChain composes two providers.
func NewChain(primary, secondary Provider, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{primary: primary, secondary: secondary, logger: logger}
}

// AcquireToken implements [Provider].
func (chain *Chain) AcquireToken(context context.Context, action string) (string, error) {
	token, err := chain.primary.AcquireToken(context, action)
	if err == nil {
		return token, nil
	}
	if context.Err() != nil {
		return "", context.Err()
	}

	chain.logger.WarnContext(context, "challenge_primary_failed",
		slog.String("action", action),
		slog.String("kind", string(KindOf(err))),
		slog.Any("error", err),
	)

	token, err = chain.secondary.AcquireToken(context, action)
	if err != nil {
		return "", classify(err)
	}
	return token, nil
}
