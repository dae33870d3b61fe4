// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package session exchanges a verified identity token for a server session.

A session is an RS256 access token plus an opaque refresh token. Only the
SHA-256 of the refresh token is stored, so a leaked store never yields usable
tokens. Refreshing rotates the refresh token; revoking is idempotent.
*/
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/constants"
	"github.com/taibuivan/passage/internal/platform/ctxutil"
	"github.com/taibuivan/passage/internal/platform/sec"
	"github.com/taibuivan/passage/internal/users/profile"
	"github.com/taibuivan/passage/pkg/uuid"
)

// Session is the server-side state behind one refresh token.
type Session struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	ProfileID string    `json:"profile_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issued is what a caller receives when a session is created or refreshed.
type Issued struct {
	SessionID             string    `json:"session_id"`
	ProfileID             string    `json:"profile_id,omitempty"`
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

// Repository persists sessions keyed by the hash of their refresh token.
type Repository interface {
	Save(context context.Context, tokenHash string, session Session, ttl time.Duration) error
	// Take atomically loads and removes a session. It returns apperr NotFound
	// for unknown, expired or already taken hashes.
	Take(context context.Context, tokenHash string) (*Session, error)
	Delete(context context.Context, tokenHash string) error
}

// ProfileLocator finds the canonical record of an identity, or nil.
type ProfileLocator interface {
	Fetch(context context.Context, identity *sec.IdentityClaims) (*profile.Record, error)
}

// Service issues and revokes sessions.
type Service struct {
	repository Repository
	tokens     *sec.TokenService
	profiles   ProfileLocator
	now        func() time.Time
	logger     *slog.Logger
}

// NewService wires the session service. profiles may be nil, in which case
// access tokens carry no profile id.
func NewService(repository Repository, tokens *sec.TokenService, profiles ProfileLocator, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repository: repository, tokens: tokens, profiles: profiles, now: now, logger: logger}
}

/*
Create opens a session for a verified identity.

Description: The canonical profile id is embedded when a record exists. A
failed profile lookup is logged and the session is issued without it.

Parameters:
  - context: context.Context
  - identity: *sec.IdentityClaims (Verified identity token claims)

Returns:
  - *Issued: Access and refresh tokens
  - error: apperr.Unauthorized or storage failures
*/
func (service *Service) Create(context context.Context, identity *sec.IdentityClaims) (*Issued, error) {
	if identity == nil {
		return nil, apperr.Unauthorized("Authentication required")
	}

	profileID := ""
	if service.profiles != nil {
		record, err := service.profiles.Fetch(context, identity)
		switch {
		case err != nil:
			ctxutil.GetLogger(context).WarnContext(context, "session_profile_lookup_failed",
				slog.String("subject_id", identity.SubjectID),
				slog.Any("error", err),
			)
		case record != nil:
			profileID = record.ID
		}
	}

	currentTime := service.now()
	session := Session{
		ID:        uuid.New(),
		SubjectID: identity.SubjectID,
		ProfileID: profileID,
		Provider:  identity.Provider,
		CreatedAt: currentTime,
		ExpiresAt: currentTime.Add(constants.RefreshTokenTTL),
	}

	issued, err := service.issue(context, session)
	if err != nil {
		return nil, err
	}

	ctxutil.GetLogger(context).InfoContext(context, "session_created",
		slog.String("session_id", session.ID),
		slog.String("subject_id", session.SubjectID),
		slog.String("provider", session.Provider),
	)
	return issued, nil
}

/*
Refresh rotates a refresh token.

Description: The presented token is consumed atomically, so concurrent
refreshes of one token yield a single new pair. The session keeps its id and
its original expiry.

Returns:
  - *Issued: New access and refresh tokens
  - error: apperr.Unauthorized for unknown, expired or already rotated tokens
*/
func (service *Service) Refresh(context context.Context, refreshToken string) (*Issued, error) {
	tokenHash := sec.HashToken(refreshToken)

	session, err := service.repository.Take(context, tokenHash)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Unauthorized("Refresh token is invalid or expired")
		}
		return nil, fmt.Errorf("session_service_rotate_failed: %w", err)
	}
	if !service.now().Before(session.ExpiresAt) {
		return nil, apperr.Unauthorized("Refresh token is invalid or expired")
	}

	return service.issue(context, *session)
}

// Revoke ends the session behind refreshToken. Unknown tokens are not an error.
func (service *Service) Revoke(context context.Context, refreshToken string) error {
	if err := service.repository.Delete(context, sec.HashToken(refreshToken)); err != nil {
		return fmt.Errorf("session_service_revoke_failed: %w", err)
	}
	return nil
}

// issue mints an access token and stores a fresh refresh token for session.
func (service *Service) issue(context context.Context, session Session) (*Issued, error) {
	accessToken, err := service.tokens.GenerateAccessToken(session.SubjectID, session.ProfileID, session.Provider, constants.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("session_service_access_token_failed: %w", err)
	}

	refreshToken, err := sec.GenerateSecureToken(constants.RefreshTokenLength)
	if err != nil {
		return nil, fmt.Errorf("session_service_refresh_token_failed: %w", err)
	}

	ttl := session.ExpiresAt.Sub(service.now())
	if err := service.repository.Save(context, sec.HashToken(refreshToken), session, ttl); err != nil {
		return nil, fmt.Errorf("session_service_save_failed: %w", err)
	}

	return &Issued{
		SessionID:             session.ID,
		ProfileID:             session.ProfileID,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  service.now().Add(constants.AccessTokenTTL),
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: session.ExpiresAt,
	}, nil
}
