// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"net/http"

	"github.com/taibuivan/passage/internal/platform/apiclient"
	"github.com/taibuivan/passage/internal/users/identity"
)

// Client calls the session endpoints of a remote Passage API.
type Client struct {
	api *apiclient.Client
}

// NewClient wraps an API transport.
func NewClient(api *apiclient.Client) *Client {
	return &Client{api: api}
}

// CreateSession exchanges the user's identity token for a server session.
func (client *Client) CreateSession(context context.Context, user *identity.User) (*Issued, error) {
	var issued Issued
	if err := client.api.Do(context, http.MethodPost, "/api/v1/sessions", user.IDToken, nil, &issued); err != nil {
		return nil, err
	}
	return &issued, nil
}

// Refresh rotates a refresh token.
func (client *Client) Refresh(context context.Context, refreshToken string) (*Issued, error) {
	var issued Issued
	body := refreshTokenRequest{RefreshToken: refreshToken}
	if err := client.api.Do(context, http.MethodPost, "/api/v1/sessions/refresh", "", body, &issued); err != nil {
		return nil, err
	}
	return &issued, nil
}

// Revoke ends a session.
func (client *Client) Revoke(context context.Context, refreshToken string) error {
	body := refreshTokenRequest{RefreshToken: refreshToken}
	return client.api.Do(context, http.MethodPost, "/api/v1/sessions/revoke", "", body, nil)
}
