// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/taibuivan/passage/internal/platform/apiclient"
	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/users/identity"
)

// Client calls the profile endpoints of a remote Passage API.
type Client struct {
	api *apiclient.Client
}

// NewClient wraps an API transport.
func NewClient(api *apiclient.Client) *Client {
	return &Client{api: api}
}

// Upsert merges payload into the record of the token's subject.
func (client *Client) Upsert(context context.Context, idToken string, payload map[string]any) (*Record, error) {
	var record Record
	if err := client.api.Do(context, http.MethodPut, "/api/v1/profile", idToken, payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Fetch returns the token subject's record, or nil when none exists.
func (client *Client) Fetch(context context.Context, idToken string) (*Record, error) {
	var record *Record
	if err := client.api.Do(context, http.MethodGet, "/api/v1/profile", idToken, nil, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// ResolveUsername returns the email registered for username. A username held
// by no one yields an apperr NotFound error.
func (client *Client) ResolveUsername(context context.Context, username string) (string, error) {
	var response usernameEmailResponse
	path := "/api/v1/usernames/" + url.PathEscape(username) + "/email"
	if err := client.api.Do(context, http.MethodGet, path, "", nil, &response); err != nil {
		return "", err
	}
	if response.Email == "" {
		return "", apperr.NotFound("Username")
	}
	return response.Email, nil
}

// UsernameAvailable reports whether username is free.
func (client *Client) UsernameAvailable(context context.Context, username string) (bool, error) {
	var response availabilityResponse
	path := "/api/v1/usernames/" + url.PathEscape(username) + "/availability"
	if err := client.api.Do(context, http.MethodGet, path, "", nil, &response); err != nil {
		return false, err
	}
	return response.Available, nil
}

// SyncVerifiedPhone stores a freshly verified phone on the user's record.
func (client *Client) SyncVerifiedPhone(context context.Context, user *identity.User, phone string) error {
	_, err := client.Upsert(context, user.IDToken, map[string]any{
		GroupContact: map[string]any{"phone": phone},
	})
	return err
}

// SyncSignIn records session metadata after a completed sign-in or sign-up and
// returns the merged record.
func (client *Client) SyncSignIn(context context.Context, user *identity.User, at time.Time) (*Record, error) {
	account := map[string]any{
		"last_sign_in_at": at.UTC().Format(time.RFC3339),
	}
	if len(user.Providers) > 0 {
		account["providers"] = user.Providers
	}

	return client.Upsert(context, user.IDToken, map[string]any{GroupAccount: account})
}
