// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package ctxutil provides helpers for interacting with values stored in [context.Context].
package ctxutil

import (
	"context"
	"log/slog"

	"github.com/taibuivan/passage/internal/platform/ctxkey"
	"github.com/taibuivan/passage/internal/platform/sec"
)

// # Request Tracing

// WithRequestID returns a new context with the provided request ID attached.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxkey.KeyRequestID, id)
}

// GetRequestID retrieves the request ID from the context.
// Returns an empty string if not found.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.KeyRequestID).(string)
	return id
}

// WithClientIP returns a new context carrying the resolved caller address.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxkey.KeyClientIP, ip)
}

// GetClientIP retrieves the resolved caller address, or "" when none was stored.
func GetClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ctxkey.KeyClientIP).(string)
	return ip
}

// # Structured Logging

// WithLogger returns a new context with the provided logger attached.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxkey.KeyLogger, logger)
}

// GetLogger retrieves the logger from the context.
// If no logger is found, it returns the global default logger.
func GetLogger(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(ctxkey.KeyLogger).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return logger
}

// # Identity

// WithIdentity returns a new context with the verified identity claims attached.
func WithIdentity(ctx context.Context, claims *sec.IdentityClaims) context.Context {
	return context.WithValue(ctx, ctxkey.KeyIdentity, claims)
}

// GetIdentity retrieves the [*sec.IdentityClaims] from the [context.Context].
func GetIdentity(ctx context.Context) *sec.IdentityClaims {
	claims, ok := ctx.Value(ctxkey.KeyIdentity).(*sec.IdentityClaims)
	if !ok {
		return nil
	}
	return claims
}

// WithBearer returns a new context carrying the raw bearer token.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxkey.KeyBearer, token)
}

// GetBearer retrieves the raw bearer token, or "" when the request was anonymous.
func GetBearer(ctx context.Context) string {
	token, _ := ctx.Value(ctxkey.KeyBearer).(string)
	return token
}
