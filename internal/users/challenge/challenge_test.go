// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package challenge_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/passage/internal/users/challenge"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSDK struct {
	ready bool
	token string
	err   error
	calls int
}

func (sdk *fakeSDK) Ready() bool { return sdk.ready }

func (sdk *fakeSDK) Execute(context.Context, string) (string, error) {
	sdk.calls++
	return sdk.token, sdk.err
}

// fakeWidget scripts Render and Execute outcomes.
type fakeWidget struct {
	id          int
	renderDelay time.Duration
	renderErr   error
	executeErrs []error
	executions  int
	destroyed   bool
}

func (widget *fakeWidget) Render(ctx context.Context) error {
	if widget.renderDelay > 0 {
		select {
		case <-time.After(widget.renderDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return widget.renderErr
}

func (widget *fakeWidget) Execute(context.Context, string) (string, error) {
	widget.executions++
	if widget.executions <= len(widget.executeErrs) {
		if err := widget.executeErrs[widget.executions-1]; err != nil {
			return "", err
		}
	}
	return "widget-token", nil
}

func (widget *fakeWidget) Destroy() { widget.destroyed = true }

// widgetFactory hands out scripted widgets in order and records them.
type widgetFactory struct {
	mu      sync.Mutex
	scripts []*fakeWidget
	created []*fakeWidget
}

func (factory *widgetFactory) New() (challenge.Widget, error) {
	factory.mu.Lock()
	defer factory.mu.Unlock()

	widget := &fakeWidget{}
	if len(factory.created) < len(factory.scripts) {
		widget = factory.scripts[len(factory.created)]
	}
	widget.id = len(factory.created) + 1
	factory.created = append(factory.created, widget)
	return widget, nil
}

/*
TestEnterprise probes availability and never panics on a missing SDK.
*/
func TestEnterprise(t *testing.T) {
	_, err := challenge.NewEnterprise(nil).AcquireToken(context.Background(), "phone_send")
	assert.Equal(t, challenge.KindUnavailable, challenge.KindOf(err))

	notLoaded := &fakeSDK{ready: false, token: "t"}
	_, err = challenge.NewEnterprise(notLoaded).AcquireToken(context.Background(), "phone_send")
	assert.Equal(t, challenge.KindUnavailable, challenge.KindOf(err))
	assert.Zero(t, notLoaded.calls)

	token, err := challenge.NewEnterprise(&fakeSDK{ready: true, token: "sdk-token"}).AcquireToken(context.Background(), "phone_send")
	require.NoError(t, err)
	assert.Equal(t, "sdk-token", token)
}

/*
TestWidgetVerifier_RenderTimeoutDisposes verifies a slow render fails as a render
timeout, tears the instance down, and a later attempt creates a new one.
*/
func TestWidgetVerifier_RenderTimeoutDisposes(t *testing.T) {
	factory := &widgetFactory{scripts: []*fakeWidget{{renderDelay: time.Second}}}
	verifier := challenge.NewWidgetVerifier(factory.New, challenge.WidgetOptions{
		RenderTimeout: 20 * time.Millisecond,
		Logger:        quietLogger(),
	})

	_, err := verifier.AcquireToken(context.Background(), "phone_send")
	assert.Equal(t, challenge.KindRenderTimeout, challenge.KindOf(err))
	assert.True(t, factory.created[0].destroyed)

	token, err := verifier.AcquireToken(context.Background(), "phone_send")
	require.NoError(t, err)
	assert.Equal(t, "widget-token", token)
	assert.Len(t, factory.created, 2)
}

/*
TestWidgetVerifier_RenewsDestroyedOnce verifies a destroyed instance is replaced
with one silent retry, and a second consecutive failure is surfaced.
*/
func TestWidgetVerifier_RenewsDestroyedOnce(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		factory := &widgetFactory{scripts: []*fakeWidget{
			{executeErrs: []error{challenge.ErrWidgetDestroyed}},
		}}
		verifier := challenge.NewWidgetVerifier(factory.New, challenge.WidgetOptions{Logger: quietLogger()})

		token, err := verifier.AcquireToken(context.Background(), "phone_send")
		require.NoError(t, err)
		assert.Equal(t, "widget-token", token)
		assert.Len(t, factory.created, 2)
		assert.True(t, factory.created[0].destroyed)
	})

	t.Run("surfaces_second_failure", func(t *testing.T) {
		factory := &widgetFactory{scripts: []*fakeWidget{
			{executeErrs: []error{challenge.ErrWidgetDestroyed}},
			{executeErrs: []error{challenge.ErrWidgetDestroyed}},
		}}
		verifier := challenge.NewWidgetVerifier(factory.New, challenge.WidgetOptions{Logger: quietLogger()})

		_, err := verifier.AcquireToken(context.Background(), "phone_send")
		assert.ErrorIs(t, err, challenge.ErrWidgetDestroyed)
		assert.Len(t, factory.created, 2, "at most one silent retry")
		assert.True(t, factory.created[1].destroyed)
	})
}

/*
TestWidgetVerifier_ReusesInstance verifies the widget is acquired once per surface and released on Close.
*/
func TestWidgetVerifier_ReusesInstance(t *testing.T) {
	factory := &widgetFactory{}
	verifier := challenge.NewWidgetVerifier(factory.New, challenge.WidgetOptions{Logger: quietLogger()})

	for i := 0; i < 3; i++ {
		_, err := verifier.AcquireToken(context.Background(), "phone_send")
		require.NoError(t, err)
	}
	assert.Len(t, factory.created, 1)

	verifier.Close()
	assert.True(t, factory.created[0].destroyed)
}

/*
TestChain verifies silent fallback and the classification of the surfaced error.
*/
func TestChain(t *testing.T) {
	tests := []struct {
		name      string
		primary   *fakeSDK
		widget    *fakeWidget
		wantToken string
		wantKind  challenge.Kind
	}{
		{"primary_ok", &fakeSDK{ready: true, token: "sdk-token"}, &fakeWidget{}, "sdk-token", ""},
		{"primary_absent", &fakeSDK{ready: false}, &fakeWidget{}, "widget-token", ""},
		{"primary_throws", &fakeSDK{ready: true, err: errors.New("boom")}, &fakeWidget{}, "widget-token", ""},
		{"both_fail_popup", &fakeSDK{ready: false}, &fakeWidget{renderErr: challenge.ErrPopupBlocked}, "", challenge.KindPopupBlocked},
		{"both_fail_unknown", &fakeSDK{ready: false}, &fakeWidget{renderErr: errors.New("???")}, "", challenge.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &widgetFactory{scripts: []*fakeWidget{tt.widget}}
			provider := challenge.New(tt.primary, factory.New, challenge.WidgetOptions{Logger: quietLogger()})

			token, err := provider.AcquireToken(context.Background(), "phone_send")
			assert.Equal(t, tt.wantToken, token)
			if tt.wantKind == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantKind, challenge.KindOf(err))
			}
		})
	}
}

func TestNew_Nothing(t *testing.T) {
	_, err := challenge.New(nil, nil, challenge.WidgetOptions{}).AcquireToken(context.Background(), "x")
	assert.Equal(t, challenge.KindUnavailable, challenge.KindOf(err))
	assert.Equal(t, "We could not complete the security check. Please try again.", challenge.Message(err))
}
