// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package toolkit adapts a hosted identity toolkit REST API to [identity.Provider].

Every call is a JSON POST to {BaseURL}accounts:{method}?key={APIKey}. Transport
failures and 5xx responses are retried with exponential backoff; 4xx responses
are provider rejections and are mapped to [identity.Error] codes immediately.

Like a browser SDK, the client remembers the signed-in user between calls;
[Client.SignOut] forgets it.
*/
package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/taibuivan/passage/internal/users/identity"
)

// DefaultBaseURL is the public toolkit endpoint.
const DefaultBaseURL = "https://identitytoolkit.googleapis.com/v1/"

// Config holds the adapter settings.
type Config struct {
	APIKey  string
	BaseURL string
	// ContinueURL is sent with provider discovery; the toolkit requires one.
	ContinueURL string

	HTTPClient    *http.Client
	MaxTries      uint
	RetryInterval time.Duration
}

// Client implements [identity.Provider] over HTTP.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	current *identity.User
	// links remembers which id token a link-mode confirmation must present.
	links map[string]string
}

var _ identity.Provider = (*Client)(nil)

// New creates a toolkit client. Zero config fields take sensible defaults.
func New(config Config, logger *slog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(config.BaseURL, "/") {
		config.BaseURL += "/"
	}
	if config.ContinueURL == "" {
		config.ContinueURL = "http://localhost"
	}
	if config.MaxTries == 0 {
		config.MaxTries = 3
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 250 * time.Millisecond
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: config,
		http:   httpClient,
		logger: logger,
		links:  make(map[string]string),
	}
}

// # Transport

// retryableError marks failures worth another try.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// call posts payload to accounts:{method} and decodes the response into out.
func (client *Client) call(context context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("toolkit_encode_failed: %w", err)
	}

	endpoint := client.config.BaseURL + "accounts:" + method + "?key=" + url.QueryEscape(client.config.APIKey)

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = client.config.RetryInterval

	attempt := 0
	responseBody, err := backoff.Retry(context, func() ([]byte, error) {
		attempt++
		data, err := client.post(context, endpoint, body)
		var retryable *retryableError
		if errors.As(err, &retryable) {
			client.logger.DebugContext(context, "toolkit_call_retry",
				slog.String("method", method),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return data, nil
	}, backoff.WithBackOff(exponential), backoff.WithMaxTries(client.config.MaxTries))

	if err != nil {
		if contextErr := context.Err(); contextErr != nil {
			return contextErr
		}
		var identityErr *identity.Error
		if errors.As(err, &identityErr) {
			return identityErr
		}
		return &identity.Error{Code: identity.CodeNetwork, Raw: method, Err: err}
	}

	if out == nil || len(responseBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("toolkit_decode_failed: %w", err)
	}
	return nil
}

func (client *Client) post(context context.Context, endpoint string, body []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(context, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.http.Do(request)
	if err != nil {
		if context.Err() != nil {
			return nil, context.Err()
		}
		return nil, &retryableError{err: err}
	}
	defer response.Body.Close()

	data, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, &retryableError{err: err}
	}

	switch {
	case response.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("toolkit status %d", response.StatusCode)}
	case response.StatusCode >= 400:
		return nil, rejection(data)
	}
	return data, nil
}

// rejection maps a 4xx body to an [identity.Error].
//
// The toolkit reports errors as {"error":{"message":"CODE : detail"}}.
func rejection(body []byte) *identity.Error {
	raw := gjson.GetBytes(body, "error.message").String()
	if raw == "" {
		raw = strings.TrimSpace(string(body))
	}

	code, _, _ := strings.Cut(raw, ":")
	code = strings.TrimSpace(code)

	if mapped, found := rejectionCodes[code]; found {
		return identity.NewError(mapped, raw)
	}
	return identity.NewError(identity.Code(strings.ToLower(strings.ReplaceAll(code, "_", "-"))), raw)
}

var rejectionCodes = map[string]identity.Code{
	"INVALID_CODE":                   identity.CodeInvalidCode,
	"SESSION_EXPIRED":                identity.CodeCodeExpired,
	"CODE_EXPIRED":                   identity.CodeCodeExpired,
	"INVALID_SESSION_INFO":           identity.CodeCodeExpired,
	"TOO_MANY_ATTEMPTS_TRY_LATER":    identity.CodeTooManyRequests,
	"CAPTCHA_CHECK_FAILED":           identity.CodeCaptchaCheckFailed,
	"MISSING_RECAPTCHA_TOKEN":        identity.CodeCaptchaCheckFailed,
	"INVALID_RECAPTCHA_TOKEN":        identity.CodeCaptchaCheckFailed,
	"INVALID_PHONE_NUMBER":           identity.CodeInvalidPhone,
	"MISSING_PHONE_NUMBER":           identity.CodeInvalidPhone,
	"QUOTA_EXCEEDED":                 identity.CodeQuotaExceeded,
	"PHONE_NUMBER_EXISTS":            identity.CodeCredentialInUse,
	"CREDENTIAL_ALREADY_IN_USE":      identity.CodeCredentialInUse,
	"PROVIDER_ALREADY_LINKED":        identity.CodeProviderAlreadyLinked,
	"EMAIL_EXISTS":                   identity.CodeEmailInUse,
	"INVALID_PASSWORD":               identity.CodeInvalidCredential,
	"INVALID_LOGIN_CREDENTIALS":      identity.CodeInvalidCredential,
	"INVALID_EMAIL":                  identity.CodeInvalidCredential,
	"EMAIL_NOT_FOUND":                identity.CodeUserNotFound,
	"USER_NOT_FOUND":                 identity.CodeUserNotFound,
	"USER_DISABLED":                  identity.CodeUserDisabled,
	"WEAK_PASSWORD":                  identity.CodeWeakPassword,
	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN": identity.CodeRequiresRecentLogin,
	"TOKEN_EXPIRED":                  identity.CodeRequiresRecentLogin,
	"INVALID_ID_TOKEN":               identity.CodeRequiresRecentLogin,
}

// # Session

// CurrentUser implements [identity.Phones].
func (client *Client) CurrentUser() *identity.User {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.current
}

func (client *Client) setCurrent(user *identity.User) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.current = user
}

// SignOut implements [identity.Credentials]. It only forgets the local session.
func (client *Client) SignOut(_ context.Context) error {
	client.setCurrent(nil)
	return nil
}
