// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package apiclient is the JSON transport used by in-process clients of the
Passage API (the terminal client and tests).

Responses use the same envelopes the server writes with respond: success bodies
carry {"data": ...}; errors carry {"error", "code", "details"} and are rebuilt
into [*apperr.AppError] so callers branch on codes exactly as server code does.
Transport failures and 5xx responses are retried with exponential backoff.
*/
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/constants"
)

// ErrUnreachable wraps failures where the API never produced a usable answer.
var ErrUnreachable = errors.New("apiclient: api unreachable")

const (
	defaultTimeout   = 15 * time.Second
	defaultMaxTries  = 3
	defaultRetryWait = 200 * time.Millisecond
	maxResponseBytes = 1 << 20
)

// Client issues JSON requests against one API base URL.
type Client struct {
	baseURL  string
	http     *http.Client
	maxTries uint
	interval time.Duration
	logger   *slog.Logger
}

// New creates a client. httpClient and logger may be nil.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		http:     httpClient,
		maxTries: defaultMaxTries,
		interval: defaultRetryWait,
		logger:   logger,
	}
}

// WithRetry returns a copy of the client using the given retry budget.
func (client *Client) WithRetry(maxTries uint, interval time.Duration) *Client {
	clone := *client
	clone.maxTries = max(maxTries, 1)
	clone.interval = interval
	return &clone
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

/*
Do sends one request and decodes the "data" member of the response into out.

Parameters:
  - method, path: HTTP method and path relative to the base URL
  - bearer: Identity or session token; empty for anonymous calls
  - body: Request payload, or nil
  - out: Destination for the data member, or nil

Returns:
  - error: *apperr.AppError for API rejections, ErrUnreachable for transport
    failures, or the context's error when cancelled
*/
func (client *Client) Do(context context.Context, method, path, bearer string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("apiclient_encode_failed: %w", err)
		}
	}

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = client.interval

	data, err := backoff.Retry(context, func() ([]byte, error) {
		data, err := client.send(context, method, path, bearer, encoded)
		var retryable *retryableError
		if errors.As(err, &retryable) {
			client.logger.DebugContext(context, "api_call_retry",
				slog.String("method", method),
				slog.String("path", path),
				slog.Any("error", err),
			)
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return data, nil
	}, backoff.WithBackOff(exponential), backoff.WithMaxTries(client.maxTries))

	if err != nil {
		if contextErr := context.Err(); contextErr != nil {
			return contextErr
		}
		if appErr := apperr.As(err); appErr != nil {
			return appErr
		}
		return fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, path, err)
	}

	if out == nil {
		return nil
	}
	result := gjson.GetBytes(data, constants.FieldData)
	if !result.Exists() || result.Type == gjson.Null {
		return nil
	}
	if err := json.Unmarshal([]byte(result.Raw), out); err != nil {
		return fmt.Errorf("apiclient_decode_failed: %w", err)
	}
	return nil
}

func (client *Client) send(context context.Context, method, path, bearer string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(context, method, client.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set(constants.HeaderAuthorization, "Bearer "+bearer)
	}

	response, err := client.http.Do(request)
	if err != nil {
		if context.Err() != nil {
			return nil, context.Err()
		}
		return nil, &retryableError{err: err}
	}
	defer response.Body.Close()

	data, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, &retryableError{err: err}
	}

	switch {
	case response.StatusCode >= 500:
		return nil, &retryableError{err: decodeError(response, data)}
	case response.StatusCode >= 400:
		return nil, decodeError(response, data)
	}
	return data, nil
}

// decodeError rebuilds the server's error envelope.
func decodeError(response *http.Response, data []byte) *apperr.AppError {
	appErr := &apperr.AppError{
		Code:       gjson.GetBytes(data, constants.FieldCode).String(),
		Message:    gjson.GetBytes(data, constants.FieldError).String(),
		HTTPStatus: response.StatusCode,
	}
	if appErr.Code == "" {
		appErr.Code = apperr.CodeInternal
	}
	if appErr.Message == "" {
		appErr.Message = http.StatusText(response.StatusCode)
	}

	for _, detail := range gjson.GetBytes(data, constants.FieldDetails).Array() {
		appErr.Details = append(appErr.Details, apperr.FieldError{
			Field:   detail.Get("field").String(),
			Message: detail.Get(constants.FieldMessage).String(),
		})
	}

	if seconds, err := strconv.Atoi(response.Header.Get(constants.HeaderRetryAfter)); err == nil {
		appErr.RetryAfter = seconds
	}
	return appErr
}
