// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/passage/internal/platform/apiclient"
	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/middleware"
	"github.com/taibuivan/passage/internal/platform/sec"
	"github.com/taibuivan/passage/internal/users/identity"
	"github.com/taibuivan/passage/internal/users/profile"
	"github.com/taibuivan/passage/internal/users/ratelimit"
	"github.com/taibuivan/passage/pkg/pointer"
)

const (
	testIssuer   = "https://securetoken.example.com/passage-test"
	testAudience = "passage-test"
)

type apiHarness struct {
	server *httptest.Server
	minter *sec.IdentityMinter
	client *profile.Client
}

func newAPIHarness(t *testing.T, policy ratelimit.Policy) *apiHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	clock := &fakeClock{current: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	minter := sec.NewIdentityMinter(key, testIssuer, testAudience, time.Hour, clock.Now)
	verifier := sec.NewStaticIdentityVerifier(testIssuer, testAudience, []crypto.PublicKey{&key.PublicKey}, 0, clock.Now)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Policies{
		ratelimit.ActionUsernameCheck: policy,
	}, clock.Now, quietLogger())

	service := profile.NewService(newSQLiteStore(t), clock.Now, quietLogger())
	handler := profile.NewHandler(service, limiter)

	router := chi.NewRouter()
	router.Use(middleware.Authenticate(verifier))
	router.Mount("/api/v1", handler.Routes())

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	api := apiclient.New(server.URL, server.Client(), quietLogger()).WithRetry(1, time.Millisecond)
	return &apiHarness{server: server, minter: minter, client: profile.NewClient(api)}
}

func (h *apiHarness) token(t *testing.T, claims sec.IdentityClaims) string {
	t.Helper()
	raw, err := h.minter.Mint(claims)
	require.NoError(t, err)
	return raw
}

func (h *apiHarness) do(t *testing.T, method, path, bearer, body string) *http.Response {
	t.Helper()

	request, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := h.server.Client().Do(request)
	require.NoError(t, err)
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

var generousPolicy = ratelimit.Policy{MaxAttempts: 100, Window: time.Minute}

/* Func TestHandler_ProfileRequiresIdentity */
func TestHandler_ProfileRequiresIdentity(t *testing.T) {
	h := newAPIHarness(t, generousPolicy)

	response := h.do(t, http.MethodPut, "/api/v1/profile", "", `{"city":"Pune"}`)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	response = h.do(t, http.MethodGet, "/api/v1/profile", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

/* Func TestHandler_UpsertAndFetch */
func TestHandler_UpsertAndFetch(t *testing.T) {
	h := newAPIHarness(t, generousPolicy)
	ctx := context.Background()
	token := h.token(t, sec.IdentityClaims{SubjectID: "subject-1", Email: "ana@example.com", EmailVerified: true, Provider: "password"})

	record, err := h.client.Fetch(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, record)

	record, err = h.client.Upsert(ctx, token, map[string]any{"username": "AnaR", "firstName": "Ana", "selectedCourse": "jee"})
	require.NoError(t, err)
	assert.Equal(t, "AnaR", pointer.Val(record.Account.Username))
	assert.Equal(t, "jee", record.Extras["selectedCourse"])

	fetched, err := h.client.Fetch(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, record.ID, fetched.ID)

	response := h.do(t, http.MethodGet, "/api/v1/profile?view=flat", token, "")
	require.Equal(t, http.StatusOK, response.StatusCode)

	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&envelope))
	assert.Equal(t, "AnaR", envelope.Data["username"])
	assert.Equal(t, "Ana", envelope.Data["first_name"])
	assert.Equal(t, "jee", envelope.Data["selectedCourse"])
	assert.NotContains(t, envelope.Data, "subject_id")
	assert.NotContains(t, envelope.Data, "account")
}

/* Func TestHandler_UpsertErrors */
func TestHandler_UpsertErrors(t *testing.T) {
	h := newAPIHarness(t, generousPolicy)
	ctx := context.Background()
	token := h.token(t, sec.IdentityClaims{SubjectID: "subject-1"})

	_, err := h.client.Upsert(ctx, token, map[string]any{"account": map[string]any{"subjectId": "subject-2"}})
	assert.True(t, apperr.HasCode(err, apperr.CodeForbidden))

	_, err = h.client.Upsert(ctx, token, map[string]any{"phone": "12"})
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	assert.Equal(t, "contact.phone", appErr.Details[0].Field)

	response := h.do(t, http.MethodPut, "/api/v1/profile", token, `{"city":`)
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
}

/* Func TestHandler_UsernameLookups */
func TestHandler_UsernameLookups(t *testing.T) {
	h := newAPIHarness(t, generousPolicy)
	ctx := context.Background()
	token := h.token(t, sec.IdentityClaims{SubjectID: "subject-1", Email: "jdoe@example.com"})

	_, err := h.client.Upsert(ctx, token, map[string]any{"username": "JDoe"})
	require.NoError(t, err)

	for _, username := range []string{"JDoe", "jdoe"} {
		email, err := h.client.ResolveUsername(ctx, username)
		require.NoError(t, err)
		assert.Equal(t, "jdoe@example.com", email)
	}

	_, err = h.client.ResolveUsername(ctx, "nobody_here")
	assert.True(t, apperr.IsNotFound(err))

	available, err := h.client.UsernameAvailable(ctx, "JDOE")
	require.NoError(t, err)
	assert.False(t, available)
}

/* Func TestHandler_UsernameChecksAreLimited */
func TestHandler_UsernameChecksAreLimited(t *testing.T) {
	h := newAPIHarness(t, ratelimit.Policy{MaxAttempts: 2, Window: time.Minute})

	for i := 0; i < 2; i++ {
		response := h.do(t, http.MethodGet, "/api/v1/usernames/ana/availability", "", "")
		assert.Equal(t, http.StatusOK, response.StatusCode)
	}

	response := h.do(t, http.MethodGet, "/api/v1/usernames/ana/availability", "", "")
	assert.Equal(t, http.StatusTooManyRequests, response.StatusCode)
	assert.Equal(t, "60", response.Header.Get("Retry-After"))
}

/* Func TestClient_SyncVerifiedPhone */
func TestClient_SyncVerifiedPhone(t *testing.T) {
	h := newAPIHarness(t, generousPolicy)
	ctx := context.Background()
	user := &identity.User{
		SubjectID: "subject-9",
		Phone:     "+919876543210",
		IDToken:   h.token(t, sec.IdentityClaims{SubjectID: "subject-9", Phone: "+919876543210", Provider: "phone"}),
		Providers: []string{"phone"},
	}

	require.NoError(t, h.client.SyncVerifiedPhone(ctx, user, "+919876543210"))
	synced, err := h.client.SyncSignIn(ctx, user, time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC))
	require.NoError(t, err)

	record, err := h.client.Fetch(ctx, user.IDToken)
	require.NoError(t, err)
	assert.Equal(t, synced.ID, record.ID)
	assert.Equal(t, "+919876543210", pointer.Val(record.Contact.Phone))
	assert.True(t, pointer.Val(record.Account.PhoneVerified))
	assert.Equal(t, []string{"phone"}, record.Account.Providers)
	require.NotNil(t, record.Account.LastSignInAt)
}
