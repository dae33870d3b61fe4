// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package challenge obtains proof-of-humanity tokens required before a phone
passcode may be dispatched.

# Providers

  - [Enterprise]: wraps an invisible SDK that answers synchronously when present.
  - [WidgetVerifier]: owns a render/execute/destroy widget with a bounded render time.
  - [Chain]: tries a primary provider and silently falls back to a secondary.

[New] selects the right composition from what is available. Tokens are single-use
and are never cached.
*/
package challenge

import (
	"context"
	"errors"
	"fmt"
)

// Provider acquires a fresh challenge token for an action (e.g. "phone_send").
type Provider interface {
	AcquireToken(context context.Context, action string) (string, error)
}

// Kind classifies acquisition failures for the user.
type Kind string

const (
	KindRenderTimeout Kind = "render_timeout"
	KindPopupBlocked  Kind = "popup_blocked"
	KindUnavailable   Kind = "unavailable"
	KindUnknown       Kind = "unknown"
)

// Sentinel failures reported by widget implementations.
var (
	// ErrWidgetDestroyed means the widget instance is unusable and must be recreated.
	ErrWidgetDestroyed = errors.New("challenge: widget destroyed")
	// ErrPopupBlocked means the widget needed a popup the environment refused.
	ErrPopupBlocked = errors.New("challenge: popup blocked")
)

// Error is a classified acquisition failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("challenge: %s: %v", e.Kind, e.Err)
	}
	return "challenge: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// classify wraps err into an [*Error], keeping an existing classification.
func classify(err error) *Error {
	var challengeErr *Error
	switch {
	case errors.As(err, &challengeErr):
		return challengeErr
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindRenderTimeout, Err: err}
	case errors.Is(err, ErrPopupBlocked):
		return &Error{Kind: KindPopupBlocked, Err: err}
	default:
		return &Error{Kind: KindUnknown, Err: err}
	}
}

// KindOf returns the failure kind of err, or "" when err is not a challenge failure.
func KindOf(err error) Kind {
	var challengeErr *Error
	if errors.As(err, &challengeErr) {
		return challengeErr.Kind
	}
	return ""
}

// Message returns the user-facing wording for a challenge failure.
func Message(err error) string {
	switch KindOf(err) {
	case KindRenderTimeout:
		return "The security check took too long to load. Please try again."
	case KindPopupBlocked:
		return "The security check popup was blocked. Allow popups and try again."
	default:
		return "We could not complete the security check. Please try again."
	}
}

// # Factory

type unavailable struct{}

func (unavailable) AcquireToken(context.Context, string) (string, error) {
	return "", &Error{Kind: KindUnavailable}
}

// New composes a provider from what the environment offers.
//
// With both an SDK and a widget factory the SDK is primary and the widget is the
// fallback. With neither, every acquisition fails as unavailable.
func New(sdk SDK, widgets WidgetFactory, options WidgetOptions) Provider {
	var primary, secondary Provider
	if sdk != nil {
		primary = NewEnterprise(sdk)
	}
	if widgets != nil {
		secondary = NewWidgetVerifier(widgets, options)
	}

	switch {
	case primary != nil && secondary != nil:
		return NewChain(primary, secondary, options.Logger)
	case primary != nil:
		return primary
	case secondary != nil:
		return secondary
	}
	return unavailable{}
}
