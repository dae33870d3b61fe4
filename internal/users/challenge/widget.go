// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package challenge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultRenderTimeout bounds how long a widget may take to render.
const DefaultRenderTimeout = 20 * time.Second

// Widget is one rendered challenge instance.
type Widget interface {
	// Render prepares the widget. It may block until the widget is interactive.
	Render(context context.Context) error
	// Execute produces a token. It returns [ErrWidgetDestroyed] when the instance is dead.
	Execute(context context.Context, action string) (string, error)
	// Destroy releases the instance. It must be safe to call more than once.
	Destroy()
}

// WidgetFactory creates a fresh, unrendered widget for the surface.
type WidgetFactory func() (Widget, error)

// WidgetOptions tunes the widget verifier.
type WidgetOptions struct {
	RenderTimeout time.Duration
	Logger        *slog.Logger
}

// WidgetVerifier owns at most one widget instance, created lazily on first use.
type WidgetVerifier struct {
	mu            sync.Mutex
	factory       WidgetFactory
	instance      Widget
	renderTimeout time.Duration
	logger        *slog.Logger
}

// NewWidgetVerifier creates a verifier over factory.
func NewWidgetVerifier(factory WidgetFactory, options WidgetOptions) *WidgetVerifier {
	if options.RenderTimeout <= 0 {
		options.RenderTimeout = DefaultRenderTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &WidgetVerifier{
		factory:       factory,
		renderTimeout: options.RenderTimeout,
		logger:        options.Logger,
	}
}

// acquire ensures a rendered instance exists. Caller holds mu.
func (verifier *WidgetVerifier) acquire(ctx context.Context) error {
	if verifier.instance != nil {
		return nil
	}

	widget, err := verifier.factory()
	if err != nil {
		return &Error{Kind: KindUnavailable, Err: err}
	}

	renderCtx, cancel := context.WithTimeout(ctx, verifier.renderTimeout)
	defer cancel()

	rendered := make(chan error, 1)
	go func() { rendered <- widget.Render(renderCtx) }()

	select {
	case err = <-rendered:
	case <-renderCtx.Done():
		err = renderCtx.Err()
	}

	if err != nil {
		// A half-rendered widget is torn down so the next attempt starts clean.
		widget.Destroy()
		return classify(err)
	}

	verifier.instance = widget
	return nil
}

// dispose releases the current instance. Caller holds mu.
func (verifier *WidgetVerifier) dispose() {
	if verifier.instance != nil {
		verifier.instance.Destroy()
		verifier.instance = nil
	}
}

// renew replaces a dead instance. Caller holds mu.
func (verifier *WidgetVerifier) renew(context context.Context) error {
	verifier.dispose()
	return verifier.acquire(context)
}

// AcquireToken implements [Provider].
//
// A destroyed instance is recreated and retried once without surfacing anything.
func (verifier *WidgetVerifier) AcquireToken(context context.Context, action string) (string, error) {
	verifier.mu.Lock()
	defer verifier.mu.Unlock()

	if err := verifier.acquire(context); err != nil {
		return "", err
	}

	token, err := verifier.instance.Execute(context, action)
	if isDestroyed(err) {
		verifier.logger.DebugContext(context, "challenge_widget_renewed", slog.String("action", action))
		if err := verifier.renew(context); err != nil {
			return "", err
		}
		token, err = verifier.instance.Execute(context, action)
	}

	if err != nil {
		if isDestroyed(err) {
			verifier.dispose()
		}
		return "", classify(err)
	}
	return token, nil
}

func isDestroyed(err error) bool {
	return errors.Is(err, ErrWidgetDestroyed)
}

// Close releases the widget, e.g. on surface teardown.
func (verifier *WidgetVerifier) Close() {
	verifier.mu.Lock()
	defer verifier.mu.Unlock()
	verifier.dispose()
}
