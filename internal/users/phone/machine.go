// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package phone

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taibuivan/passage/internal/users/challenge"
	"github.com/taibuivan/passage/internal/users/identity"
	"github.com/taibuivan/passage/internal/users/ratelimit"
)

// ChallengeAction is the action name passed to the challenge provider.
const ChallengeAction = "phone_send"

// Network failure handling: after this many consecutive transport failures the
// machine stops dispatching for the cooldown window.
const (
	defaultNetworkFailureLimit = 3
	defaultCooldown            = time.Minute
)

// ProfileSyncer persists a verified phone on the canonical profile.
type ProfileSyncer interface {
	SyncVerifiedPhone(context context.Context, user *identity.User, phone string) error
}

// Config wires a [Machine].
type Config struct {
	Provider   identity.Phones
	Challenges challenge.Provider
	Limiter    *ratelimit.Limiter
	Profiles   ProfileSyncer

	Resend             ResendPolicy
	DefaultCallingCode string
	NetworkFailures    int
	Cooldown           time.Duration

	Now    func() time.Time
	Logger *slog.Logger
	// OnChange receives every committed session, outside the machine's lock.
	OnChange func(Session)
}

// Machine is the phone verification state machine for one surface.
type Machine struct {
	config Config

	mu         sync.Mutex
	session    Session
	generation uint64
	busy       bool
	closed     bool
	inflight   context.CancelFunc

	verifiedUser    *identity.User
	networkFailures int
	cooldownUntil   time.Time

	base    context.Context
	cancel  context.CancelFunc
	syncing sync.WaitGroup
}

// New creates a machine in [StepPhoneEntry].
func New(config Config) *Machine {
	if config.Resend == (ResendPolicy{}) {
		config.Resend = DefaultResendPolicy()
	}
	if config.NetworkFailures <= 0 {
		config.NetworkFailures = defaultNetworkFailureLimit
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Machine{
		config:  config,
		session: Session{Step: StepPhoneEntry},
		base:    base,
		cancel:  cancel,
	}
}

// Session returns a snapshot of the current state.
func (machine *Machine) Session() Session {
	machine.mu.Lock()
	defer machine.mu.Unlock()
	return machine.snapshot()
}

// snapshot copies the session. Caller holds mu.
func (machine *Machine) snapshot() Session {
	session := machine.session
	if session.Failure != nil {
		failure := *session.Failure
		session.Failure = &failure
	}
	if session.SyncFailure != nil {
		failure := *session.SyncFailure
		session.SyncFailure = &failure
	}
	return session
}

// emit publishes a snapshot taken under the lock.
func (machine *Machine) emit(session Session) {
	if machine.config.OnChange != nil {
		machine.config.OnChange(session)
	}
}

// fail moves the session to the error step. Caller holds mu.
func (machine *Machine) fail(origin Step, failure Failure) Session {
	machine.session.Step = StepError
	machine.session.Origin = origin
	machine.session.Failure = &failure
	return machine.snapshot()
}

// begin marks an operation in flight and returns its generation and a
// cancellable context bound to both the caller and the machine. Caller holds mu.
func (machine *Machine) begin(ctx context.Context) (uint64, context.Context) {
	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(machine.base, cancel)
	machine.inflight = func() {
		stop()
		cancel()
	}
	machine.busy = true
	return machine.generation, callCtx
}

// finish clears the in-flight marker and reports whether gen is still current.
// Caller holds mu.
func (machine *Machine) finish(gen uint64) bool {
	if gen != machine.generation || machine.closed {
		return false
	}
	machine.busy = false
	if machine.inflight != nil {
		machine.inflight()
		machine.inflight = nil
	}
	return true
}

// resumable reports the step an action is taken from, honoring error origins.
func (session Session) resumable() Step {
	if session.Step == StepError {
		return session.Origin
	}
	return session.Step
}

// # Send

// SendCode validates the number, applies the throttles, acquires a challenge
// token and dispatches a code. It is used for both the first send and resends.
func (machine *Machine) SendCode(context context.Context, rawPhone string) (Session, error) {
	machine.mu.Lock()

	if machine.closed {
		machine.mu.Unlock()
		return Session{}, ErrClosed
	}
	if machine.busy {
		machine.mu.Unlock()
		return machine.Session(), ErrBusy
	}

	origin := machine.session.resumable()
	if origin == StepChallengeAcquiring {
		origin = StepPhoneEntry
	}

	phone, err := Normalize(rawPhone, machine.config.DefaultCallingCode)

	if origin == StepVerified {
		session := machine.snapshot()
		machine.mu.Unlock()
		if err == nil && phone == session.VerifiedPhone {
			return session, nil
		}
		return session, ErrAlreadyVerified
	}

	if err != nil {
		session := machine.fail(origin, Failure{
			Kind:        FailureValidation,
			Message:     "Enter a valid phone number including the country code, e.g. +919876543210.",
			Recoverable: true,
			Action:      ActionRetry,
		})
		machine.mu.Unlock()
		machine.emit(session)
		return session, nil
	}

	currentTime := machine.config.Now()

	if wait := machine.cooldownUntil.Sub(currentTime); wait > 0 {
		session := machine.fail(origin, Failure{
			Kind:        FailureCooldown,
			Message:     "We are having trouble reaching the network. Check your connection and try again shortly.",
			Recoverable: true,
			Action:      ActionRetry,
			RetryAfter:  wait,
		})
		machine.mu.Unlock()
		machine.emit(session)
		return session, nil
	}

	if !machine.session.LastSentAt.IsZero() {
		elapsed := currentTime.Sub(machine.session.LastSentAt)
		delay := max(MinResendInterval, machine.config.Resend.Delay(machine.session.Sends))
		if wait := delay - elapsed; wait > 0 {
			session := machine.fail(origin, Failure{
				Kind:        FailureThrottled,
				Message:     "Please wait before requesting another code.",
				Recoverable: true,
				Action:      ActionResend,
				RetryAfter:  wait,
			})
			machine.mu.Unlock()
			machine.emit(session)
			return session, nil
		}
	}
	machine.mu.Unlock()

	if limited, wait := machine.consumeBudget(context, phone); limited {
		machine.mu.Lock()
		session := machine.fail(origin, Failure{
			Kind:        FailureRateLimited,
			Message:     "Too many codes requested for this number. Please try again later.",
			Recoverable: true,
			Action:      ActionResend,
			RetryAfter:  wait,
		})
		machine.mu.Unlock()
		machine.emit(session)
		return session, nil
	}

	machine.mu.Lock()
	if machine.closed {
		machine.mu.Unlock()
		return Session{}, ErrClosed
	}
	if machine.busy {
		machine.mu.Unlock()
		return machine.Session(), ErrBusy
	}

	gen, callCtx := machine.begin(context)
	if phone != machine.session.PhoneCandidate {
		machine.session.Confirmation = nil
	}
	machine.session.PhoneCandidate = phone
	machine.session.Step = StepChallengeAcquiring
	machine.session.Origin = origin
	machine.session.Failure = nil
	session := machine.snapshot()
	machine.mu.Unlock()
	machine.emit(session)

	return machine.dispatch(callCtx, gen, origin, phone)
}

// consumeBudget checks and records the phone-resend bucket. Store failures are
// logged and treated as allowed so an unavailable store never locks users out.
func (machine *Machine) consumeBudget(context context.Context, phone string) (bool, time.Duration) {
	if machine.config.Limiter == nil {
		return false, 0
	}

	allowed, wait, err := machine.config.Limiter.Allow(context, ratelimit.NewBucket(ratelimit.ActionPhoneResend, phone))
	if err != nil {
		machine.config.Logger.WarnContext(context, "phone_rate_limit_unavailable", slog.Any("error", err))
		return false, 0
	}
	return !allowed, wait
}

// dispatch runs the network half of a send.
func (machine *Machine) dispatch(context context.Context, gen uint64, origin Step, phone string) (Session, error) {
	token, err := machine.config.Challenges.AcquireToken(context, ChallengeAction)
	if err != nil {
		return machine.completeSend(gen, origin, nil, err, true)
	}

	// Link when a subject is already signed in; decided once, here.
	var confirmation *identity.Confirmation
	if current := machine.config.Provider.CurrentUser(); current != nil {
		confirmation, err = machine.config.Provider.LinkPhone(context, current, phone, token)
	} else {
		confirmation, err = machine.config.Provider.BeginPhoneSignIn(context, phone, token)
	}
	return machine.completeSend(gen, origin, confirmation, err, false)
}

func (machine *Machine) completeSend(gen uint64, origin Step, confirmation *identity.Confirmation, err error, challengeFailed bool) (Session, error) {
	machine.mu.Lock()
	if !machine.finish(gen) {
		closed := machine.closed
		machine.mu.Unlock()
		if closed {
			return Session{}, ErrClosed
		}
		return machine.Session(), ErrSuperseded
	}

	var session Session
	switch {
	case challengeFailed && challenge.KindOf(err) == challenge.KindUnavailable:
		// Nothing can produce a token; start over and point at support.
		machine.session = Session{Step: StepPhoneEntry, LastSentAt: machine.session.LastSentAt, Sends: machine.session.Sends}
		session = machine.fail(StepPhoneEntry, Failure{
			Kind:        FailureChallenge,
			Message:     challenge.Message(err),
			Recoverable: false,
			Action:      ActionContactSupport,
		})

	case challengeFailed:
		session = machine.fail(origin, Failure{
			Kind:        FailureChallenge,
			Message:     challenge.Message(err),
			Recoverable: true,
			Action:      ActionRetry,
		})

	case err != nil:
		session = machine.fail(origin, machine.providerFailure(err))

	default:
		machine.networkFailures = 0
		machine.session.Confirmation = confirmation
		machine.session.Step = StepCodeSent
		machine.session.Origin = ""
		machine.session.Failure = nil
		machine.session.LastSentAt = machine.config.Now()
		machine.session.Sends++
		session = machine.snapshot()
	}

	machine.mu.Unlock()
	machine.emit(session)
	return session, nil
}

// providerFailure maps a provider error and tracks the network cooldown. Caller holds mu.
func (machine *Machine) providerFailure(err error) Failure {
	if identity.IsNetwork(err) {
		machine.networkFailures++
		if machine.networkFailures >= machine.config.NetworkFailures {
			machine.networkFailures = 0
			machine.cooldownUntil = machine.config.Now().Add(machine.config.Cooldown)
			return Failure{
				Kind:        FailureCooldown,
				Message:     "We are having trouble reaching the network. Check your connection and try again shortly.",
				Recoverable: true,
				Action:      ActionRetry,
				RetryAfter:  machine.config.Cooldown,
			}
		}
	}

	failure := Failure{
		Kind:        FailureProvider,
		Message:     identity.Message(err),
		Recoverable: true,
		Action:      ActionRetry,
	}
	switch identity.CodeOf(err) {
	case identity.CodeCodeExpired, identity.CodeTooManyRequests:
		failure.Action = ActionResend
	case identity.CodeInvalidPhone, identity.CodeCredentialInUse, identity.CodeProviderAlreadyLinked:
		failure.Action = ActionChangeNumber
	case identity.CodeUserDisabled:
		failure.Recoverable = false
		failure.Action = ActionContactSupport
	}
	return failure
}

// # Confirm

// Confirm submits a code for the dispatched confirmation. A code that is not
// exactly six digits fails locally without reaching the provider.
func (machine *Machine) Confirm(context context.Context, code string) (Session, error) {
	machine.mu.Lock()

	if machine.closed {
		machine.mu.Unlock()
		return Session{}, ErrClosed
	}
	if machine.busy {
		machine.mu.Unlock()
		return machine.Session(), ErrBusy
	}
	if machine.session.Step == StepVerified {
		session := machine.snapshot()
		machine.mu.Unlock()
		return session, nil
	}
	if !machine.session.AwaitingCode() {
		machine.mu.Unlock()
		return machine.Session(), ErrNotAwaitingCode
	}

	if !ValidCode(code) {
		session := machine.fail(StepCodeSent, Failure{
			Kind:        FailureValidation,
			Message:     "Enter the 6-digit code we sent you.",
			Recoverable: true,
			Action:      ActionRetry,
		})
		machine.mu.Unlock()
		machine.emit(session)
		return session, nil
	}

	confirmation := machine.session.Confirmation
	gen, callCtx := machine.begin(context)
	machine.mu.Unlock()

	user, err := machine.config.Provider.Confirm(callCtx, confirmation, code)

	machine.mu.Lock()
	if !machine.finish(gen) {
		closed := machine.closed
		machine.mu.Unlock()
		if closed {
			return Session{}, ErrClosed
		}
		return machine.Session(), ErrSuperseded
	}

	if err != nil {
		session := machine.fail(StepCodeSent, machine.providerFailure(err))
		machine.mu.Unlock()
		machine.emit(session)
		return session, nil
	}

	machine.networkFailures = 0
	machine.verifiedUser = user
	machine.session.Step = StepVerified
	machine.session.Origin = ""
	machine.session.Failure = nil
	machine.session.SyncFailure = nil
	machine.session.VerifiedPhone = confirmation.Phone
	machine.session.Confirmation = nil
	session := machine.snapshot()
	machine.mu.Unlock()
	machine.emit(session)

	machine.startSync(gen, user, confirmation.Phone)
	return session, nil
}

// # Profile sync

// startSync saves the verified phone in the background. Failure is recorded on
// the session but never reverts verification.
func (machine *Machine) startSync(gen uint64, user *identity.User, phone string) {
	if machine.config.Profiles == nil {
		return
	}

	machine.syncing.Add(1)
	go func() {
		defer machine.syncing.Done()
		err := machine.config.Profiles.SyncVerifiedPhone(machine.base, user, phone)
		machine.recordSync(gen, err)
	}()
}

func (machine *Machine) recordSync(gen uint64, err error) {
	machine.mu.Lock()
	if gen != machine.generation || machine.closed || machine.session.Step != StepVerified {
		machine.mu.Unlock()
		return
	}

	if err != nil {
		machine.config.Logger.Warn("phone_profile_sync_failed", slog.Any("error", err))
		machine.session.SyncFailure = &Failure{
			Kind:        FailureProfileSync,
			Message:     "Your phone is verified, but we could not save it to your profile.",
			Recoverable: true,
			Action:      ActionRetrySync,
		}
	} else {
		machine.session.SyncFailure = nil
	}
	session := machine.snapshot()
	machine.mu.Unlock()
	machine.emit(session)
}

// WaitSync blocks until background profile syncs have finished.
func (machine *Machine) WaitSync() {
	machine.syncing.Wait()
}

// VerifiedUser returns the subject the phone was confirmed for, or nil before
// verification.
func (machine *Machine) VerifiedUser() *identity.User {
	machine.mu.Lock()
	defer machine.mu.Unlock()
	if machine.session.Step != StepVerified {
		return nil
	}
	return machine.verifiedUser
}

// RetryProfileSync re-runs the profile save synchronously.
func (machine *Machine) RetryProfileSync(ctx context.Context) (Session, error) {
	machine.mu.Lock()
	if machine.closed {
		machine.mu.Unlock()
		return Session{}, ErrClosed
	}
	if machine.session.Step != StepVerified || machine.verifiedUser == nil {
		machine.mu.Unlock()
		return machine.Session(), ErrNotVerified
	}
	if machine.config.Profiles == nil {
		session := machine.snapshot()
		machine.mu.Unlock()
		return session, nil
	}
	gen := machine.generation
	user, phone := machine.verifiedUser, machine.session.VerifiedPhone
	machine.mu.Unlock()

	err := machine.config.Profiles.SyncVerifiedPhone(ctx, user, phone)
	machine.recordSync(gen, err)
	if errors.Is(err, context.Canceled) {
		return machine.Session(), err
	}
	return machine.Session(), nil
}

// # Lifecycle

// ChangeNumber abandons the current session, including any verified number, and
// returns to phone entry. An in-flight send or confirm is cancelled and its
// result discarded.
func (machine *Machine) ChangeNumber() Session {
	machine.mu.Lock()
	machine.generation++
	if machine.inflight != nil {
		machine.inflight()
		machine.inflight = nil
	}
	machine.busy = false
	machine.verifiedUser = nil
	machine.session = Session{Step: StepPhoneEntry}
	session := machine.snapshot()
	machine.mu.Unlock()

	machine.emit(session)
	return session
}

// Close tears the machine down. In-flight calls are cancelled and later
// results are dropped.
func (machine *Machine) Close() {
	machine.mu.Lock()
	machine.closed = true
	machine.generation++
	machine.busy = false
	machine.inflight = nil
	machine.mu.Unlock()

	machine.cancel()
}
