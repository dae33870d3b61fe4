// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package phone_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/passage/internal/users/challenge"
	"github.com/taibuivan/passage/internal/users/identity"
	"github.com/taibuivan/passage/internal/users/identity/memory"
	"github.com/taibuivan/passage/internal/users/phone"
	"github.com/taibuivan/passage/internal/users/ratelimit"
)

// # Fixtures

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.current
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.current = clock.current.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingPhones counts calls that reach the provider.
type countingPhones struct {
	identity.Phones
	sends    atomic.Int32
	links    atomic.Int32
	confirms atomic.Int32
}

func (phones *countingPhones) BeginPhoneSignIn(ctx context.Context, number, token string) (*identity.Confirmation, error) {
	phones.sends.Add(1)
	return phones.Phones.BeginPhoneSignIn(ctx, number, token)
}

func (phones *countingPhones) LinkPhone(ctx context.Context, user *identity.User, number, token string) (*identity.Confirmation, error) {
	phones.links.Add(1)
	return phones.Phones.LinkPhone(ctx, user, number, token)
}

func (phones *countingPhones) Confirm(ctx context.Context, confirmation *identity.Confirmation, code string) (*identity.User, error) {
	phones.confirms.Add(1)
	return phones.Phones.Confirm(ctx, confirmation, code)
}

// blockingPhones holds every dispatch until its context ends.
type blockingPhones struct {
	identity.Phones
	started chan struct{}
}

func (phones *blockingPhones) CurrentUser() *identity.User { return nil }

func (phones *blockingPhones) BeginPhoneSignIn(ctx context.Context, _, _ string) (*identity.Confirmation, error) {
	close(phones.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (syncer *fakeSyncer) SyncVerifiedPhone(context.Context, *identity.User, string) error {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	syncer.calls++
	return syncer.err
}

func (syncer *fakeSyncer) Calls() int {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	return syncer.calls
}

func (syncer *fakeSyncer) Fail(err error) {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	syncer.err = err
}

type harness struct {
	clock    *fakeClock
	provider *memory.Provider
	phones   *countingPhones
	syncer   *fakeSyncer
	machine  *phone.Machine
}

func newHarness(t *testing.T, mutate ...func(*phone.Config)) *harness {
	t.Helper()

	clock := newFakeClock()
	provider := memory.New(nil, clock.Now, quietLogger())
	phones := &countingPhones{Phones: provider}
	syncer := &fakeSyncer{}

	config := phone.Config{
		Provider:           phones,
		Challenges:         challenge.NewEnterprise(challenge.StaticSDK{Token: "challenge-token"}),
		Limiter:            ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.DefaultPolicies(), clock.Now, quietLogger()),
		Profiles:           syncer,
		DefaultCallingCode: "91",
		Now:                clock.Now,
		Logger:             quietLogger(),
	}
	for _, apply := range mutate {
		apply(&config)
	}

	machine := phone.New(config)
	t.Cleanup(machine.Close)
	return &harness{clock: clock, provider: provider, phones: phones, syncer: syncer, machine: machine}
}

// # Send

/* Func TestMachine_ResendIsThrottled */
func TestMachine_ResendIsThrottled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, phone.StepCodeSent, session.Step)
	assert.Equal(t, "+919876543210", session.PhoneCandidate)
	require.NotNil(t, session.Confirmation)

	h.clock.Advance(5 * time.Second)
	session, err = h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)

	assert.Equal(t, phone.StepError, session.Step)
	assert.Equal(t, phone.StepCodeSent, session.Origin)
	require.NotNil(t, session.Failure)
	assert.Equal(t, phone.FailureThrottled, session.Failure.Kind)
	assert.Equal(t, 25*time.Second, session.Failure.RetryAfter)
	assert.Equal(t, int32(1), h.phones.sends.Load())

	// The earlier confirmation is still usable.
	assert.True(t, session.AwaitingCode())
}

/* Func TestMachine_ResendAfterDelay */
func TestMachine_ResendAfterDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.machine.SendCode(ctx, "98765 43210")
	require.NoError(t, err)

	h.clock.Advance(30 * time.Second)
	session, err := h.machine.SendCode(ctx, "+91 98765-43210")
	require.NoError(t, err)
	assert.Equal(t, phone.StepCodeSent, session.Step)
	assert.Equal(t, 2, session.Sends)

	// The second resend waits twice as long.
	h.clock.Advance(45 * time.Second)
	session, err = h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	require.NotNil(t, session.Failure)
	assert.Equal(t, 15*time.Second, session.Failure.RetryAfter)
	assert.Equal(t, int32(2), h.phones.sends.Load())
}

/* Func TestMachine_ShortPolicyKeepsFixedInterval */
func TestMachine_ShortPolicyKeepsFixedInterval(t *testing.T) {
	h := newHarness(t, func(config *phone.Config) {
		config.Resend = phone.ResendPolicy{Base: 5 * time.Second, Max: 10 * time.Second}
	})
	ctx := context.Background()

	_, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	require.NotNil(t, session.Failure)
	assert.Equal(t, phone.FailureThrottled, session.Failure.Kind)
	assert.Equal(t, 20*time.Second, session.Failure.RetryAfter)
	assert.Equal(t, int32(1), h.phones.sends.Load())

	h.clock.Advance(20 * time.Second)
	session, err = h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, phone.StepCodeSent, session.Step)
	assert.Equal(t, int32(2), h.phones.sends.Load())
}

/* Func TestMachine_InvalidNumber */
func TestMachine_InvalidNumber(t *testing.T) {
	h := newHarness(t, func(config *phone.Config) { config.DefaultCallingCode = "" })

	session, err := h.machine.SendCode(context.Background(), "98765")
	require.NoError(t, err)

	assert.Equal(t, phone.StepError, session.Step)
	assert.Equal(t, phone.StepPhoneEntry, session.Origin)
	assert.Equal(t, phone.FailureValidation, session.Failure.Kind)
	assert.Zero(t, h.phones.sends.Load())
}

/* Func TestMachine_PerNumberBudget */
func TestMachine_PerNumberBudget(t *testing.T) {
	clock := newFakeClock()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Policies{
		ratelimit.ActionPhoneResend: {MaxAttempts: 1, Window: time.Hour},
	}, clock.Now, quietLogger())

	h := newHarness(t, func(config *phone.Config) {
		config.Limiter = limiter
		config.Now = clock.Now
	})
	ctx := context.Background()

	_, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)

	h.machine.ChangeNumber()
	clock.Advance(time.Minute)

	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	require.NotNil(t, session.Failure)
	assert.Equal(t, phone.FailureRateLimited, session.Failure.Kind)
	assert.Equal(t, 59*time.Minute, session.Failure.RetryAfter)

	// Another number has its own budget.
	session, err = h.machine.SendCode(ctx, "+14155550100")
	require.NoError(t, err)
	assert.Equal(t, phone.StepCodeSent, session.Step)
}

/* Func TestMachine_ChallengeUnavailable */
func TestMachine_ChallengeUnavailable(t *testing.T) {
	h := newHarness(t, func(config *phone.Config) {
		config.Challenges = challenge.New(nil, nil, challenge.WidgetOptions{})
	})

	session, err := h.machine.SendCode(context.Background(), "+919876543210")
	require.NoError(t, err)

	assert.Equal(t, phone.StepError, session.Step)
	assert.Equal(t, phone.StepPhoneEntry, session.Origin)
	assert.Empty(t, session.PhoneCandidate)
	assert.False(t, session.Failure.Recoverable)
	assert.Equal(t, phone.ActionContactSupport, session.Failure.Action)
	assert.Zero(t, h.phones.sends.Load())
}

/* Func TestMachine_NetworkCooldown */
func TestMachine_NetworkCooldown(t *testing.T) {
	h := newHarness(t, func(config *phone.Config) { config.Limiter = nil })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		h.provider.FailNext("BeginPhoneSignIn", identity.NewError(identity.CodeNetwork, "dial tcp"))
		session, err := h.machine.SendCode(ctx, "+919876543210")
		require.NoError(t, err)
		assert.Equal(t, phone.FailureProvider, session.Failure.Kind)
	}

	h.provider.FailNext("BeginPhoneSignIn", identity.NewError(identity.CodeNetwork, "dial tcp"))
	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, phone.FailureCooldown, session.Failure.Kind)
	assert.Equal(t, time.Minute, session.Failure.RetryAfter)

	h.clock.Advance(20 * time.Second)
	session, err = h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, phone.FailureCooldown, session.Failure.Kind)
	assert.Equal(t, 40*time.Second, session.Failure.RetryAfter)
	assert.Equal(t, int32(3), h.phones.sends.Load())

	h.clock.Advance(time.Minute)
	session, err = h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, phone.StepCodeSent, session.Step)
}

/* Func TestMachine_LinksWhenSignedIn */
func TestMachine_LinksWhenSignedIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.provider.Seed(identity.User{SubjectID: "subject-1", Email: "ana@example.com"}, "hunter22"))
	_, err := h.provider.SignIn(ctx, "ana@example.com", "hunter22")
	require.NoError(t, err)

	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	require.NotNil(t, session.Confirmation)
	assert.True(t, session.Confirmation.Linking())
	assert.Equal(t, int32(1), h.phones.links.Load())
	assert.Zero(t, h.phones.sends.Load())

	assert.Nil(t, h.machine.VerifiedUser())

	session, err = h.machine.Confirm(ctx, h.provider.LastCode(session.Confirmation))
	require.NoError(t, err)
	assert.Equal(t, phone.StepVerified, session.Step)

	verified := h.machine.VerifiedUser()
	require.NotNil(t, verified)
	assert.Equal(t, "subject-1", verified.SubjectID)
	assert.True(t, verified.HasProvider(identity.ProviderPhone))
}

// # Confirm

/* Func TestMachine_ConfirmRequiresSixDigits */
func TestMachine_ConfirmRequiresSixDigits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)

	for _, code := range []string{"12345", "1234567", "12a456", ""} {
		session, err := h.machine.Confirm(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, phone.FailureValidation, session.Failure.Kind, code)
		assert.True(t, session.AwaitingCode())
	}
	assert.Zero(t, h.phones.confirms.Load())
}

/* Func TestMachine_ExpiredCode */
func TestMachine_ExpiredCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	code := h.provider.LastCode(session.Confirmation)

	h.clock.Advance(6 * time.Minute)
	session, err = h.machine.Confirm(ctx, code)
	require.NoError(t, err)

	assert.Equal(t, phone.StepError, session.Step)
	assert.Contains(t, session.Failure.Message, "expired")
	assert.Contains(t, session.Failure.Message, "resend")
	assert.Equal(t, phone.ActionResend, session.Failure.Action)
	assert.Equal(t, "+919876543210", session.PhoneCandidate)

	// Resend from the error step goes straight back to CodeSent.
	session, err = h.machine.SendCode(ctx, session.PhoneCandidate)
	require.NoError(t, err)
	assert.Equal(t, phone.StepCodeSent, session.Step)
}

/* Func TestMachine_WrongCodeThenRight */
func TestMachine_WrongCodeThenRight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	code := h.provider.LastCode(session.Confirmation)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	session, err = h.machine.Confirm(ctx, wrong)
	require.NoError(t, err)
	assert.Equal(t, phone.FailureProvider, session.Failure.Kind)
	assert.Equal(t, phone.ActionRetry, session.Failure.Action)

	session, err = h.machine.Confirm(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, phone.StepVerified, session.Step)
	assert.Equal(t, "+919876543210", session.VerifiedPhone)
}

/* Func TestMachine_ConfirmIsIdempotent */
func TestMachine_ConfirmIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	code := h.provider.LastCode(session.Confirmation)

	_, err = h.machine.Confirm(ctx, code)
	require.NoError(t, err)
	h.machine.WaitSync()

	session, err = h.machine.Confirm(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, phone.StepVerified, session.Step)

	session, err = h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, phone.StepVerified, session.Step)

	_, err = h.machine.SendCode(ctx, "+14155550100")
	assert.ErrorIs(t, err, phone.ErrAlreadyVerified)

	h.machine.WaitSync()
	assert.Equal(t, 1, h.syncer.Calls())
	assert.Equal(t, int32(1), h.phones.confirms.Load())
}

/* Func TestMachine_ProfileSyncFailureKeepsVerified */
func TestMachine_ProfileSyncFailureKeepsVerified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.syncer.Fail(errors.New("profile service down"))

	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	_, err = h.machine.Confirm(ctx, h.provider.LastCode(session.Confirmation))
	require.NoError(t, err)
	h.machine.WaitSync()

	session = h.machine.Session()
	assert.Equal(t, phone.StepVerified, session.Step)
	require.NotNil(t, session.SyncFailure)
	assert.Equal(t, phone.ActionRetrySync, session.SyncFailure.Action)

	h.syncer.Fail(nil)
	session, err = h.machine.RetryProfileSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, phone.StepVerified, session.Step)
	assert.Nil(t, session.SyncFailure)
	assert.Equal(t, 2, h.syncer.Calls())
}

/* Func TestMachine_RetryProfileSyncBeforeVerify */
func TestMachine_RetryProfileSyncBeforeVerify(t *testing.T) {
	h := newHarness(t)

	_, err := h.machine.RetryProfileSync(context.Background())
	assert.ErrorIs(t, err, phone.ErrNotVerified)

	_, err = h.machine.Confirm(context.Background(), "123456")
	assert.ErrorIs(t, err, phone.ErrNotAwaitingCode)
}

// # Lifecycle

/* Func TestMachine_ChangeNumber */
func TestMachine_ChangeNumber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.machine.SendCode(ctx, "+919876543210")
	require.NoError(t, err)
	_, err = h.machine.Confirm(ctx, h.provider.LastCode(session.Confirmation))
	require.NoError(t, err)
	h.machine.WaitSync()

	session = h.machine.ChangeNumber()
	assert.Equal(t, phone.Session{Step: phone.StepPhoneEntry}, session)

	session, err = h.machine.SendCode(ctx, "+14155550100")
	require.NoError(t, err)
	assert.Equal(t, phone.StepCodeSent, session.Step)
}

/* Func TestMachine_BusyAndClose */
func TestMachine_BusyAndClose(t *testing.T) {
	blocking := &blockingPhones{started: make(chan struct{})}

	var changes []phone.Step
	var changesMu sync.Mutex
	h := newHarness(t, func(config *phone.Config) {
		config.Provider = blocking
		config.OnChange = func(session phone.Session) {
			changesMu.Lock()
			defer changesMu.Unlock()
			changes = append(changes, session.Step)
		}
	})

	result := make(chan error, 1)
	go func() {
		_, err := h.machine.SendCode(context.Background(), "+919876543210")
		result <- err
	}()
	<-blocking.started

	_, err := h.machine.SendCode(context.Background(), "+919876543210")
	assert.ErrorIs(t, err, phone.ErrBusy)
	_, err = h.machine.Confirm(context.Background(), "123456")
	assert.ErrorIs(t, err, phone.ErrBusy)

	h.machine.Close()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, phone.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not observe close")
	}

	changesMu.Lock()
	defer changesMu.Unlock()
	assert.Equal(t, []phone.Step{phone.StepChallengeAcquiring}, changes)

	_, err = h.machine.SendCode(context.Background(), "+919876543210")
	assert.ErrorIs(t, err, phone.ErrClosed)
}

/* Func TestMachine_ChangeNumberDiscardsInflight */
func TestMachine_ChangeNumberDiscardsInflight(t *testing.T) {
	blocking := &blockingPhones{started: make(chan struct{})}
	h := newHarness(t, func(config *phone.Config) { config.Provider = blocking })

	result := make(chan error, 1)
	go func() {
		_, err := h.machine.SendCode(context.Background(), "+919876543210")
		result <- err
	}()
	<-blocking.started

	h.machine.ChangeNumber()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, phone.ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not observe change")
	}
	assert.Equal(t, phone.StepPhoneEntry, h.machine.Session().Step)
}
