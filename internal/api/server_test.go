// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package api_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/passage/internal/api"
	"github.com/taibuivan/passage/internal/platform/config"
	"github.com/taibuivan/passage/internal/platform/constants"
	"github.com/taibuivan/passage/internal/platform/middleware"
	"github.com/taibuivan/passage/internal/platform/sec"
	"github.com/taibuivan/passage/internal/platform/sqlite"
	"github.com/taibuivan/passage/internal/users/identity"
	"github.com/taibuivan/passage/internal/users/profile"
	"github.com/taibuivan/passage/internal/users/ratelimit"
	"github.com/taibuivan/passage/internal/users/session"
)

const (
	testIssuer   = "https://securetoken.example.com/passage-test"
	testAudience = "passage-test"
)

type stack struct {
	server *httptest.Server
	minter *sec.IdentityMinter
}

func newStack(t *testing.T, checkCache func() error) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := profile.NewSQLiteStore(db, logger)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	minter := sec.NewIdentityMinter(key, testIssuer, testAudience, time.Hour, time.Now)
	verifier := sec.NewStaticIdentityVerifier(testIssuer, testAudience, []crypto.PublicKey{&key.PublicKey}, 0, time.Now)
	tokens := sec.NewTokenServiceFromKeys(key, &key.PublicKey, constants.AuthIssuer)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.DefaultPolicies(), time.Now, logger)
	profileService := profile.NewService(store, time.Now, logger)
	sessionService := session.NewService(session.NewRedisRepository(rdb, "test:session:"), tokens, profileService, time.Now, logger)

	liveness, readiness := api.NewHealthHandlers(api.HealthDependencies{
		StoreName:  config.StoreDriverSQLite,
		CheckStore: func() error { return sqlite.Ping(context.Background(), db) },
		CheckCache: checkCache,
	}, logger)

	cfg := &config.Config{ServerPort: "0", Environment: "development"}
	server := api.NewServer(cfg, logger, verifier, middleware.NewThrottle(1000, 1000), api.Handlers{
		Liveness:  liveness,
		Readiness: readiness,
		Profile:   profile.NewHandler(profileService, limiter),
		Session:   session.NewHandler(sessionService),
	})

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return &stack{server: httpServer, minter: minter}
}

func (s *stack) do(t *testing.T, method, path, bearer, body string) (int, map[string]any) {
	t.Helper()

	request, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := s.server.Client().Do(request)
	require.NoError(t, err)
	defer response.Body.Close()

	var decoded map[string]any
	if response.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(response.Body).Decode(&decoded))
	}
	return response.StatusCode, decoded
}

/* Func TestServer_Health */
func TestServer_Health(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		s := newStack(t, func() error { return nil })

		status, _ := s.do(t, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, status)

		status, body := s.do(t, http.MethodGet, "/ready", "", "")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "ready", body["data"].(map[string]any)["status"])
	})

	t.Run("degraded", func(t *testing.T) {
		s := newStack(t, func() error { return errors.New("redis down") })

		status, body := s.do(t, http.MethodGet, "/ready", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, status)

		data := body["data"].(map[string]any)
		assert.Equal(t, "degraded", data["status"])
		assert.Len(t, data["checks"], 2)
	})
}

/* Func TestServer_ProfileThenSession */
func TestServer_ProfileThenSession(t *testing.T) {
	s := newStack(t, nil)

	token, err := s.minter.Mint(sec.IdentityClaims{
		SubjectID: "subject-1",
		Email:     "ana@example.com",
		Provider:  identity.ProviderPassword,
	})
	require.NoError(t, err)

	status, body := s.do(t, http.MethodPut, "/api/v1/profile", token, `{"city":"Pune"}`)
	require.Equal(t, http.StatusOK, status)
	profileID := body["data"].(map[string]any)["id"]
	require.NotEmpty(t, profileID)

	status, body = s.do(t, http.MethodPost, "/api/v1/sessions", token, "")
	require.Equal(t, http.StatusCreated, status)

	issued := body["data"].(map[string]any)
	assert.Equal(t, profileID, issued["profile_id"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/sessions/revoke", "",
		`{"refresh_token":"`+issued["refresh_token"].(string)+`"}`)
	assert.Equal(t, http.StatusNoContent, status)
}

/* Func TestServer_UsernameChecksKeyOnPeer */
func TestServer_UsernameChecksKeyOnPeer(t *testing.T) {
	s := newStack(t, nil)
	budget := ratelimit.DefaultPolicies()[ratelimit.ActionUsernameCheck].MaxAttempts

	limited := 0
	for i := range budget + 5 {
		request, err := http.NewRequest(http.MethodGet, s.server.URL+"/api/v1/usernames/ana/availability", nil)
		require.NoError(t, err)
		request.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))

		response, err := s.server.Client().Do(request)
		require.NoError(t, err)
		_ = response.Body.Close()
		if response.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}

	assert.Equal(t, 5, limited)
}

/* Func TestServer_UnknownRoute */
func TestServer_UnknownRoute(t *testing.T) {
	s := newStack(t, nil)

	request, err := http.NewRequest(http.MethodGet, s.server.URL+"/api/v1/does-not-exist", nil)
	require.NoError(t, err)
	response, err := s.server.Client().Do(request)
	require.NoError(t, err)
	defer response.Body.Close()

	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}
