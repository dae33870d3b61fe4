// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package toolkit_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/passage/internal/users/identity"
	"github.com/taibuivan/passage/internal/users/identity/toolkit"
)

// fakeToolkit answers accounts:{method} calls with canned handlers and records bodies.
type fakeToolkit struct {
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	bodies   map[string][]map[string]any
	calls    map[string]int
}

func newFakeToolkit(t *testing.T) (*fakeToolkit, *toolkit.Client) {
	t.Helper()

	fake := &fakeToolkit{
		handlers: make(map[string]http.HandlerFunc),
		bodies:   make(map[string][]map[string]any),
		calls:    make(map[string]int),
	}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client := toolkit.New(toolkit.Config{
		APIKey:        "test-key",
		BaseURL:       server.URL + "/v1",
		RetryInterval: time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return fake, client
}

func (fake *fakeToolkit) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	method := strings.TrimPrefix(request.URL.Path, "/v1/accounts:")

	var body map[string]any
	_ = json.NewDecoder(request.Body).Decode(&body)

	fake.mu.Lock()
	fake.bodies[method] = append(fake.bodies[method], body)
	fake.calls[method]++
	handler, found := fake.handlers[method]
	fake.mu.Unlock()

	if request.URL.Query().Get("key") != "test-key" || !found {
		http.Error(writer, `{"error":{"message":"API_KEY_INVALID"}}`, http.StatusBadRequest)
		return
	}
	handler(writer, request)
}

func (fake *fakeToolkit) on(method string, handler http.HandlerFunc) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.handlers[method] = handler
}

func (fake *fakeToolkit) lastBody(method string) map[string]any {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	bodies := fake.bodies[method]
	if len(bodies) == 0 {
		return nil
	}
	return bodies[len(bodies)-1]
}

func reply(status int, body string) http.HandlerFunc {
	return func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(status)
		_, _ = io.WriteString(writer, body)
	}
}

const lookupAlice = `{"users":[{"localId":"uid-alice","email":"alice@example.com","emailVerified":false,
	"displayName":"Alice","providerUserInfo":[{"providerId":"password"}]}]}`

/*
TestClient_SignInHydratesUser verifies sign-in follows up with a lookup and sets the current user.
*/
func TestClient_SignInHydratesUser(t *testing.T) {
	fake, client := newFakeToolkit(t)
	fake.on("signInWithPassword", reply(200, `{"idToken":"tok-1","localId":"uid-alice","email":"alice@example.com"}`))
	fake.on("lookup", reply(200, lookupAlice))

	user, err := client.SignIn(context.Background(), "alice@example.com", "hunter22")
	require.NoError(t, err)

	assert.Equal(t, "uid-alice", user.SubjectID)
	assert.False(t, user.EmailVerified)
	assert.Equal(t, []string{"password"}, user.Providers)
	assert.Equal(t, "tok-1", user.IDToken)
	assert.Same(t, user, client.CurrentUser())
	assert.Equal(t, "tok-1", fake.lastBody("lookup")["idToken"])

	require.NoError(t, client.SignOut(context.Background()))
	assert.Nil(t, client.CurrentUser())
}

/*
TestClient_RejectionMapping verifies toolkit error messages become stable identity codes.
*/
func TestClient_RejectionMapping(t *testing.T) {
	tests := []struct {
		message string
		want    identity.Code
	}{
		{"EMAIL_EXISTS", identity.CodeEmailInUse},
		{"TOO_MANY_ATTEMPTS_TRY_LATER : Access disabled due to many failed attempts", identity.CodeTooManyRequests},
		{"INVALID_LOGIN_CREDENTIALS", identity.CodeInvalidCredential},
		{"WEAK_PASSWORD : Password should be at least 6 characters", identity.CodeWeakPassword},
		{"SOMETHING_NEW", identity.Code("something-new")},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			fake, client := newFakeToolkit(t)
			fake.on("signUp", reply(400, `{"error":{"code":400,"message":"`+tt.message+`"}}`))

			_, err := client.CreateCredential(context.Background(), "new@example.com", "secret")
			require.Error(t, err)
			assert.Equal(t, tt.want, identity.CodeOf(err))
			assert.Equal(t, 1, fake.calls["signUp"], "rejections are not retried")
		})
	}
}

/*
TestClient_RetriesServerErrors verifies 5xx responses are retried before succeeding.
*/
func TestClient_RetriesServerErrors(t *testing.T) {
	fake, client := newFakeToolkit(t)

	attempts := 0
	fake.on("createAuthUri", func(writer http.ResponseWriter, request *http.Request) {
		attempts++
		if attempts < 3 {
			reply(503, `unavailable`)(writer, request)
			return
		}
		reply(200, `{"registered":true,"allProviders":["password"],"signinMethods":["password","google.com"]}`)(writer, request)
	})

	providers, err := client.FetchProviders(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"password", "google.com"}, providers)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "alice@example.com", fake.lastBody("createAuthUri")["identifier"])
}

/*
TestClient_NetworkFailure verifies an unreachable toolkit surfaces as a network error.
*/
func TestClient_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := toolkit.New(toolkit.Config{APIKey: "k", BaseURL: baseURL, RetryInterval: time.Millisecond, MaxTries: 2}, nil)

	_, err := client.FetchProviders(context.Background(), "alice@example.com")
	assert.True(t, identity.IsNetwork(err))
}

/*
TestClient_LinkPhonePresentsCapturedToken verifies link mode is fixed at dispatch:
the confirmation presents the id token captured by LinkPhone, even after sign-out.
*/
func TestClient_LinkPhonePresentsCapturedToken(t *testing.T) {
	fake, client := newFakeToolkit(t)
	fake.on("sendVerificationCode", reply(200, `{"sessionInfo":"sess-1"}`))
	fake.on("signInWithPhoneNumber", reply(200, `{"idToken":"tok-2","localId":"uid-alice","phoneNumber":"+919876543210"}`))
	fake.on("lookup", reply(200, `{"users":[{"localId":"uid-alice","phoneNumber":"+919876543210",
		"providerUserInfo":[{"providerId":"password"},{"providerId":"phone"}]}]}`))

	user := &identity.User{SubjectID: "uid-alice", IDToken: "tok-1"}
	confirmation, err := client.LinkPhone(context.Background(), user, "+919876543210", "challenge-1")
	require.NoError(t, err)
	assert.True(t, confirmation.Linking())
	assert.Equal(t, "challenge-1", fake.lastBody("sendVerificationCode")["recaptchaToken"])

	require.NoError(t, client.SignOut(context.Background()))

	linked, err := client.Confirm(context.Background(), confirmation, "123456")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", fake.lastBody("signInWithPhoneNumber")["idToken"])
	assert.Equal(t, "+919876543210", linked.Phone)
	assert.True(t, linked.HasProvider(identity.ProviderPhone))
}

/*
TestClient_ExpiredCode verifies an expired session maps to the code-expired rejection.
*/
func TestClient_ExpiredCode(t *testing.T) {
	fake, client := newFakeToolkit(t)
	fake.on("signInWithPhoneNumber", reply(400, `{"error":{"message":"SESSION_EXPIRED"}}`))

	_, err := client.Confirm(context.Background(), &identity.Confirmation{ID: "sess-old", Phone: "+919876543210"}, "123456")
	assert.Equal(t, identity.CodeCodeExpired, identity.CodeOf(err))
	assert.Nil(t, fake.lastBody("signInWithPhoneNumber")["idToken"])
}

/*
TestClient_PasswordReset verifies reset links are requested by email and unknown emails map to user-not-found.
*/
func TestClient_PasswordReset(t *testing.T) {
	fake, client := newFakeToolkit(t)
	fake.on("sendOobCode", reply(200, `{"email":"alice@example.com"}`))

	require.NoError(t, client.SendPasswordResetEmail(context.Background(), "alice@example.com"))
	body := fake.lastBody("sendOobCode")
	assert.Equal(t, "PASSWORD_RESET", body["requestType"])
	assert.Equal(t, "alice@example.com", body["email"])

	fake.on("sendOobCode", reply(400, `{"error":{"code":400,"message":"EMAIL_NOT_FOUND"}}`))
	err := client.SendPasswordResetEmail(context.Background(), "ghost@example.com")
	assert.Equal(t, identity.CodeUserNotFound, identity.CodeOf(err))
}
