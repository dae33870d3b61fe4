// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import (
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrStaleIdentityToken is returned when an identity token is valid but was issued too long ago.
var ErrStaleIdentityToken = errors.New("sec: identity token is not fresh")

// IdentityClaims is the decoded form of an identity token issued by the external
// identity provider after a completed authentication.
//
// It is never persisted; it is decoded on every request that needs it.
type IdentityClaims struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Phone         string
	Name          string
	Provider      string
	IssuedAt      time.Time
}

// identityTokenClaims mirrors the provider's JSON claim names.
type identityTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	PhoneNumber   string `json:"phone_number"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	Firebase      struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
}

// IdentityVerifier validates identity tokens against the provider's signing keys.
type IdentityVerifier struct {
	verifier *oidc.IDTokenVerifier
	maxAge   time.Duration
	now      func() time.Time
}

// NewIdentityVerifier discovers the issuer's signing keys and returns a verifier.
//
// # Parameters
//   - context: Context for the discovery request.
//   - issuer: The expected `iss` claim (also the discovery base URL).
//   - audience: The expected `aud` claim.
//   - maxAge: Maximum age of the token's `iat`; zero disables the freshness check.
func NewIdentityVerifier(context context.Context, issuer, audience string, maxAge time.Duration) (*IdentityVerifier, error) {
	provider, err := oidc.NewProvider(context, issuer)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to discover identity issuer %s: %w", issuer, err)
	}

	return &IdentityVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: audience}),
		maxAge:   maxAge,
		now:      time.Now,
	}, nil
}

// NewStaticIdentityVerifier builds a verifier over a fixed set of public keys.
// Used where discovery is unavailable (air-gapped deployments, tests).
func NewStaticIdentityVerifier(issuer, audience string, keys []crypto.PublicKey, maxAge time.Duration, now func() time.Time) *IdentityVerifier {
	if now == nil {
		now = time.Now
	}
	keySet := &oidc.StaticKeySet{PublicKeys: keys}
	return &IdentityVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: audience, Now: now}),
		maxAge:   maxAge,
		now:      now,
	}
}

// VerifyToken checks signature, issuer, audience, expiry and freshness of a raw identity token.
func (verifier *IdentityVerifier) VerifyToken(context context.Context, rawToken string) (*IdentityClaims, error) {
	idToken, err := verifier.verifier.Verify(context, rawToken)
	if err != nil {
		return nil, fmt.Errorf("sec: invalid identity token: %w", err)
	}

	if verifier.maxAge > 0 && verifier.now().Sub(idToken.IssuedAt) > verifier.maxAge {
		return nil, ErrStaleIdentityToken
	}

	var claims identityTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("sec: identity token claims parse failed: %w", err)
	}

	provider := claims.Firebase.SignInProvider
	if provider == "" {
		provider = claims.Provider
	}

	return &IdentityClaims{
		SubjectID:     idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Phone:         claims.PhoneNumber,
		Name:          claims.Name,
		Provider:      provider,
		IssuedAt:      idToken.IssuedAt,
	}, nil
}

// IdentityMinter issues identity tokens in the provider's format. The in-process
// identity provider uses it so local runs exercise the same verification path.
type IdentityMinter struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewIdentityMinter creates a minter signing with key.
func NewIdentityMinter(key *rsa.PrivateKey, issuer, audience string, ttl time.Duration, now func() time.Time) *IdentityMinter {
	if now == nil {
		now = time.Now
	}
	return &IdentityMinter{key: key, issuer: issuer, audience: audience, ttl: ttl, now: now}
}

// Mint signs claims into a raw identity token.
func (minter *IdentityMinter) Mint(claims IdentityClaims) (string, error) {
	issuedAt := minter.now()
	payload := jwt.MapClaims{
		"iss":            minter.issuer,
		"aud":            minter.audience,
		"sub":            claims.SubjectID,
		"iat":            issuedAt.Unix(),
		"exp":            issuedAt.Add(minter.ttl).Unix(),
		"email":          claims.Email,
		"email_verified": claims.EmailVerified,
		"phone_number":   claims.Phone,
		"name":           claims.Name,
		"firebase":       map[string]any{"sign_in_provider": claims.Provider},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, payload).SignedString(minter.key)
	if err != nil {
		return "", fmt.Errorf("sec: failed to mint identity token: %w", err)
	}
	return signed, nil
}
