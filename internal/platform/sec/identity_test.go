// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/passage/internal/platform/sec"
)

const (
	testIssuer   = "https://securetoken.example.com/passage-test"
	testAudience = "passage-test"
)

func signIdentityToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

/*
TestIdentityVerifier_DecodesProviderClaims checks the mapping from provider claim names.
*/
func TestIdentityVerifier_DecodesProviderClaims(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	verifier := sec.NewStaticIdentityVerifier(testIssuer, testAudience, []crypto.PublicKey{&key.PublicKey}, time.Hour, func() time.Time { return now })

	raw := signIdentityToken(t, key, jwt.MapClaims{
		"iss":            testIssuer,
		"aud":            testAudience,
		"sub":            "uid-42",
		"iat":            now.Add(-time.Minute).Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          "alice@example.com",
		"email_verified": true,
		"phone_number":   "+919876543210",
		"firebase":       map[string]any{"sign_in_provider": "phone"},
	})

	claims, err := verifier.VerifyToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "uid-42", claims.SubjectID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)
	assert.Equal(t, "+919876543210", claims.Phone)
	assert.Equal(t, "phone", claims.Provider)
}

/*
TestIdentityVerifier_RejectsStaleAndForeignTokens covers freshness, audience and signature failures.
*/
func TestIdentityVerifier_RejectsStaleAndForeignTokens(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	verifier := sec.NewStaticIdentityVerifier(testIssuer, testAudience, []crypto.PublicKey{&key.PublicKey}, 10*time.Minute, func() time.Time { return now })

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": testIssuer,
			"aud": testAudience,
			"sub": "uid-1",
			"iat": now.Add(-time.Minute).Unix(),
			"exp": now.Add(time.Hour).Unix(),
		}
	}

	t.Run("stale", func(t *testing.T) {
		claims := base()
		claims["iat"] = now.Add(-30 * time.Minute).Unix()
		_, err := verifier.VerifyToken(context.Background(), signIdentityToken(t, key, claims))
		assert.True(t, errors.Is(err, sec.ErrStaleIdentityToken))
	})

	t.Run("wrong_audience", func(t *testing.T) {
		claims := base()
		claims["aud"] = "someone-else"
		_, err := verifier.VerifyToken(context.Background(), signIdentityToken(t, key, claims))
		assert.Error(t, err)
	})

	t.Run("wrong_key", func(t *testing.T) {
		_, err := verifier.VerifyToken(context.Background(), signIdentityToken(t, otherKey, base()))
		assert.Error(t, err)
	})
}

/*
TestIdentityMinter_RoundTrip verifies minted tokens pass the verifier unchanged.
*/
func TestIdentityMinter_RoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	minter := sec.NewIdentityMinter(key, testIssuer, testAudience, time.Hour, clock)
	verifier := sec.NewStaticIdentityVerifier(testIssuer, testAudience, []crypto.PublicKey{&key.PublicKey}, time.Hour, clock)

	raw, err := minter.Mint(sec.IdentityClaims{SubjectID: "uid-7", Phone: "+14155550100", Provider: "phone"})
	require.NoError(t, err)

	claims, err := verifier.VerifyToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "uid-7", claims.SubjectID)
	assert.Equal(t, "+14155550100", claims.Phone)
	assert.Equal(t, "phone", claims.Provider)
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
}

func TestGenerateNumericCode(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := sec.GenerateNumericCode(6)
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9]{6}$`, code)
	}
}
