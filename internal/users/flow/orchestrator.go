// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taibuivan/passage/internal/platform/apiclient"
	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/validate"
	"github.com/taibuivan/passage/internal/users/identity"
	"github.com/taibuivan/passage/internal/users/profile"
	"github.com/taibuivan/passage/internal/users/ratelimit"
	"github.com/taibuivan/passage/internal/users/session"
)

// Misuse errors. Expected failures are reported in [State], never as these.
var (
	ErrBusy          = errors.New("flow: a submission is already in progress")
	ErrClosed        = errors.New("flow: orchestrator closed")
	ErrSuperseded    = errors.New("flow: result discarded after the flow was reset")
	ErrNothingToSync = errors.New("flow: no pending profile sync")
)

const (
	defaultNetworkFailureLimit = 3
	defaultCooldown            = time.Minute
	rollbackTimeout            = 10 * time.Second
)

// User-facing messages owned by the orchestrator.
const (
	msgIdentifierRequired = "Enter your email address or username."
	msgIdentifierInvalid  = "Enter a valid email address or username."
	msgPasswordRequired   = "Enter your password."
	msgUnknownUsername    = "No account uses that username. Check it or sign in with your email."
	msgLinkedViaSSO       = "This email is already linked to a single sign-on provider. Continue with that provider instead."
	msgSignUpRolledBack   = "We could not send the verification email, so your account was not created. Please try again."
	msgRateLimited        = "Too many attempts. Try again when the countdown ends."
	msgCooldown           = "We are having trouble reaching the network. Check your connection and try again shortly."
	msgSessionFailed      = "You are signed in, but we could not start your session. Please try again."
	msgVerifyEmail        = "Verify your email to continue. We sent a link to your inbox."
	msgVerifyEmailStale   = "Verify your email to continue. Use the link we sent earlier."
	msgPasswordResetSent  = "If an account uses that address, a reset link is on its way."
)

// Intent is the surface a submission comes from. It selects the rate-limit
// bucket; the branch taken is decided by provider discovery.
type Intent string

const (
	IntentSignIn Intent = "sign_in"
	IntentSignUp Intent = "sign_up"
)

// Submission is one credential attempt.
type Submission struct {
	Identifier string
	Password   string
	Intent     Intent
}

// Profiles is the slice of the profile API the flow needs.
type Profiles interface {
	ResolveUsername(context context.Context, username string) (string, error)
	SyncSignIn(context context.Context, user *identity.User, at time.Time) (*profile.Record, error)
}

// Sessions issues server sessions.
type Sessions interface {
	CreateSession(context context.Context, user *identity.User) (*session.Issued, error)
}

// Result is what a completed flow produced.
type Result struct {
	User    *identity.User
	Session *session.Issued
	Record  *profile.Record
}

// Config wires an [Orchestrator]. Profiles, Sessions and Limiter may be nil.
type Config struct {
	Credentials identity.Credentials
	Profiles    Profiles
	Sessions    Sessions
	Limiter     *ratelimit.Limiter

	NetworkFailures int
	Cooldown        time.Duration

	Now    func() time.Time
	Logger *slog.Logger
	// OnChange receives every committed state, outside the orchestrator's lock.
	OnChange func(State)
}

// Orchestrator drives one surface's authentication flow.
type Orchestrator struct {
	config Config

	mu         sync.Mutex
	state      State
	result     Result
	generation uint64
	busy       bool
	closed     bool
	inflight   context.CancelFunc

	networkFailures int
	cooldownUntil   time.Time

	base   context.Context
	cancel context.CancelFunc
}

// New creates an idle orchestrator.
func New(config Config) *Orchestrator {
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
	return &Orchestrator{
		config: config,
		state:  State{Phase: PhaseIdle},
		base:   base,
		cancel: cancel,
	}
}

// State returns the current state.
func (orchestrator *Orchestrator) State() State {
	orchestrator.mu.Lock()
	defer orchestrator.mu.Unlock()
	return orchestrator.state
}

// Result returns what the last completed flow produced.
func (orchestrator *Orchestrator) Result() Result {
	orchestrator.mu.Lock()
	defer orchestrator.mu.Unlock()
	return orchestrator.result
}

func (orchestrator *Orchestrator) emit(state State) {
	if orchestrator.config.OnChange != nil {
		orchestrator.config.OnChange(state)
	}
}

// begin marks a run in flight. Caller holds mu.
func (orchestrator *Orchestrator) begin(ctx context.Context) (uint64, context.Context) {
	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(orchestrator.base, cancel)
	orchestrator.inflight = func() {
		stop()
		cancel()
	}
	orchestrator.busy = true
	return orchestrator.generation, callCtx
}

// finish clears the in-flight marker and reports whether gen is still current.
// Caller holds mu.
func (orchestrator *Orchestrator) finish(gen uint64) bool {
	if gen != orchestrator.generation || orchestrator.closed {
		return false
	}
	orchestrator.busy = false
	if orchestrator.inflight != nil {
		orchestrator.inflight()
		orchestrator.inflight = nil
	}
	return true
}

// advance commits next if gen is current and the table allows it.
func (orchestrator *Orchestrator) advance(gen uint64, next State) error {
	orchestrator.mu.Lock()
	if orchestrator.closed {
		orchestrator.mu.Unlock()
		return ErrClosed
	}
	if gen != orchestrator.generation {
		orchestrator.mu.Unlock()
		return ErrSuperseded
	}

	state, err := Transition(orchestrator.state, next)
	if err != nil {
		orchestrator.mu.Unlock()
		return err
	}
	orchestrator.state = state
	orchestrator.mu.Unlock()

	orchestrator.emit(state)
	return nil
}

// # Submit

/*
Submit runs one credential attempt to completion.

Description: The call blocks until the flow settles (redirecting, error or
rate_limited). Progress is published through Config.OnChange. A [Reset] or
[Close] during the call cancels outstanding network calls and discards their
results.

Returns:
  - State: The settled state
  - error: ErrBusy, ErrClosed, ErrSuperseded, or the caller's context error
*/
func (orchestrator *Orchestrator) Submit(context context.Context, submission Submission) (State, error) {
	orchestrator.mu.Lock()
	if orchestrator.closed {
		orchestrator.mu.Unlock()
		return State{}, ErrClosed
	}
	if orchestrator.busy {
		state := orchestrator.state
		orchestrator.mu.Unlock()
		return state, ErrBusy
	}
	gen, callCtx := orchestrator.begin(context)
	orchestrator.result = Result{}
	orchestrator.mu.Unlock()

	runErr := orchestrator.run(callCtx, gen, submission)
	return orchestrator.settle(context, gen, runErr)
}

// CompletePhoneSignIn takes over after the phone machine verified user and
// finishes the flow: profile sync, session creation and redirect.
func (orchestrator *Orchestrator) CompletePhoneSignIn(context context.Context, user *identity.User) (State, error) {
	if user == nil {
		return orchestrator.State(), errors.New("flow: phone sign-in without a verified user")
	}

	orchestrator.mu.Lock()
	if orchestrator.closed {
		orchestrator.mu.Unlock()
		return State{}, ErrClosed
	}
	if orchestrator.busy {
		state := orchestrator.state
		orchestrator.mu.Unlock()
		return state, ErrBusy
	}
	gen, callCtx := orchestrator.begin(context)
	orchestrator.result = Result{}
	orchestrator.mu.Unlock()

	identifier := user.Phone
	runErr := orchestrator.advance(gen, State{Phase: PhaseAuthenticating, Identifier: identifier, Method: MethodPhone})
	if runErr == nil {
		runErr = orchestrator.complete(callCtx, gen, identifier, MethodPhone, user)
	}
	return orchestrator.settle(context, gen, runErr)
}

/*
RequestPasswordReset mails a reset link to the account behind identifier.

Description: The outcome never reveals whether the account exists: unknown
emails and usernames settle on the same notice as a sent link. Requests are
counted in the password_reset bucket of the identifier.

Returns:
  - State: The settled state
  - error: ErrBusy, ErrClosed, ErrSuperseded, or the caller's context error
*/
func (orchestrator *Orchestrator) RequestPasswordReset(context context.Context, identifier string) (State, error) {
	orchestrator.mu.Lock()
	if orchestrator.closed {
		orchestrator.mu.Unlock()
		return State{}, ErrClosed
	}
	if orchestrator.busy {
		state := orchestrator.state
		orchestrator.mu.Unlock()
		return state, ErrBusy
	}
	gen, callCtx := orchestrator.begin(context)
	orchestrator.result = Result{}
	orchestrator.mu.Unlock()

	runErr := orchestrator.runReset(callCtx, gen, strings.TrimSpace(identifier))
	return orchestrator.settle(context, gen, runErr)
}

func (orchestrator *Orchestrator) runReset(context context.Context, gen uint64, identifier string) error {
	working := State{Identifier: identifier, Method: MethodPasswordReset}

	if message := validateIdentifier(identifier); message != "" {
		failed := working.at(PhaseError)
		failed.Message = message
		failed.Recoverable = true
		failed.Action = ActionRetry
		return orchestrator.advance(gen, failed)
	}
	if resetAt, cooling := orchestrator.coolingDown(); cooling {
		return orchestrator.advance(gen, cooldownState(identifier, resetAt))
	}

	if err := orchestrator.advance(gen, working.at(PhaseCheckingCredentials)); err != nil {
		return err
	}
	if limited, resetAt := orchestrator.consumeBudget(context, ratelimit.NewBucket(ratelimit.ActionPasswordReset, identifier)); limited {
		limitedState := working.at(PhaseRateLimited)
		limitedState.Message = msgRateLimited
		limitedState.Recoverable = true
		limitedState.Action = ActionWait
		limitedState.ResetAt = resetAt
		return orchestrator.advance(gen, limitedState)
	}

	sent := working.at(PhaseRedirecting)
	sent.Destination = DestinationPasswordResetSent
	sent.Message = msgPasswordResetSent

	email, err := orchestrator.resolveEmail(context, identifier)
	if err != nil && !apperr.IsNotFound(err) {
		return orchestrator.fail(context, gen, working, err)
	}

	if err := orchestrator.advance(gen, working.at(PhaseSendingVerification)); err != nil {
		return err
	}
	if email == "" {
		orchestrator.config.Logger.InfoContext(context, "flow_password_reset_unknown_username")
		return orchestrator.advance(gen, sent)
	}

	err = orchestrator.config.Credentials.SendPasswordResetEmail(context, email)
	switch {
	case err == nil:
		orchestrator.providerSucceeded()
	case identity.CodeOf(err) == identity.CodeUserNotFound:
		orchestrator.providerSucceeded()
		orchestrator.config.Logger.InfoContext(context, "flow_password_reset_unknown_email")
	default:
		return orchestrator.fail(context, gen, working, err)
	}
	return orchestrator.advance(gen, sent)
}

// settle ends a run started with begin.
func (orchestrator *Orchestrator) settle(context context.Context, gen uint64, runErr error) (State, error) {
	callerGone := context.Err() != nil

	orchestrator.mu.Lock()
	if !orchestrator.finish(gen) {
		closed := orchestrator.closed
		state := orchestrator.state
		orchestrator.mu.Unlock()
		if closed {
			return State{}, ErrClosed
		}
		return state, ErrSuperseded
	}

	if runErr != nil && callerGone {
		// The caller walked away mid-flight; nothing it started may linger.
		orchestrator.state = State{Phase: PhaseIdle}
		state := orchestrator.state
		orchestrator.mu.Unlock()
		orchestrator.emit(state)
		return state, context.Err()
	}

	state := orchestrator.state
	orchestrator.mu.Unlock()
	return state, runErr
}

func (orchestrator *Orchestrator) run(context context.Context, gen uint64, submission Submission) error {
	identifier := strings.TrimSpace(submission.Identifier)

	// 1. Local validation: no network, no attempt recorded.
	if message := validateSubmission(identifier, submission.Password); message != "" {
		return orchestrator.advance(gen, State{
			Phase:       PhaseError,
			Identifier:  identifier,
			Message:     message,
			Recoverable: true,
			Action:      ActionRetry,
		})
	}

	if resetAt, cooling := orchestrator.coolingDown(); cooling {
		return orchestrator.advance(gen, cooldownState(identifier, resetAt))
	}

	// 2-3. Rate limit, recording the attempt whatever happens next.
	if err := orchestrator.advance(gen, State{Phase: PhaseCheckingCredentials, Identifier: identifier}); err != nil {
		return err
	}
	if limited, resetAt := orchestrator.consumeBudget(context, bucketFor(submission.Intent, identifier)); limited {
		return orchestrator.advance(gen, State{
			Phase:       PhaseRateLimited,
			Identifier:  identifier,
			Message:     msgRateLimited,
			Recoverable: true,
			Action:      ActionWait,
			ResetAt:     resetAt,
		})
	}

	// 4. Resolve a username, then discover providers.
	if err := orchestrator.advance(gen, State{Phase: PhaseCheckingProviders, Identifier: identifier}); err != nil {
		return err
	}
	email, err := orchestrator.resolveEmail(context, identifier)
	if err != nil {
		return orchestrator.fail(context, gen, State{Identifier: identifier}, err)
	}
	providers := orchestrator.discover(context, email)
	if err := context.Err(); err != nil {
		return err
	}

	// 5. Branch.
	hasPassword := false
	sso := ""
	for _, provider := range providers {
		switch {
		case provider == identity.ProviderPassword:
			hasPassword = true
		case identity.IsSSO(provider) && sso == "":
			sso = provider
		}
	}

	switch {
	case len(providers) == 0:
		return orchestrator.signUp(context, gen, identifier, email, submission.Password)
	case sso != "" && !hasPassword:
		return orchestrator.advance(gen, State{
			Phase:       PhaseError,
			Identifier:  identifier,
			Message:     msgLinkedViaSSO,
			Recoverable: true,
			Action:      ActionUseSSO,
			Provider:    sso,
		})
	default:
		return orchestrator.signIn(context, gen, identifier, email, submission.Password)
	}
}

// validateSubmission returns a user-facing message, or "" when the input is well formed.
func validateSubmission(identifier, password string) string {
	if message := validateIdentifier(identifier); message != "" {
		return message
	}
	if password == "" {
		return msgPasswordRequired
	}
	return ""
}

func validateIdentifier(identifier string) string {
	if identifier == "" {
		return msgIdentifierRequired
	}

	validator := new(validate.Validator)
	if strings.Contains(identifier, "@") {
		validator.Email("identifier", identifier)
	} else {
		validator.Username("identifier", identifier)
	}
	if validator.HasErrors() {
		return msgIdentifierInvalid
	}
	return ""
}

// bucketFor picks the rate-limit bucket. A username always names an existing
// account, so it is counted as a sign-in.
func bucketFor(intent Intent, identifier string) ratelimit.Bucket {
	if intent == IntentSignUp && strings.Contains(identifier, "@") {
		return ratelimit.NewBucket(ratelimit.ActionSignUp, identifier)
	}
	return ratelimit.NewBucket(ratelimit.ActionSignIn, identifier)
}

// consumeBudget checks the bucket and records the attempt. An unavailable
// store is logged and treated as allowed.
func (orchestrator *Orchestrator) consumeBudget(context context.Context, bucket ratelimit.Bucket) (bool, time.Time) {
	if orchestrator.config.Limiter == nil {
		return false, time.Time{}
	}

	allowed, wait, err := orchestrator.config.Limiter.Allow(context, bucket)
	if err != nil {
		orchestrator.config.Logger.WarnContext(context, "flow_rate_limit_unavailable",
			slog.String("action", string(bucket.Action)),
			slog.Any("error", err),
		)
		return false, time.Time{}
	}
	if allowed {
		return false, time.Time{}
	}
	return true, orchestrator.config.Now().Add(wait)
}

func (orchestrator *Orchestrator) resolveEmail(context context.Context, identifier string) (string, error) {
	if strings.Contains(identifier, "@") {
		return identifier, nil
	}
	if orchestrator.config.Profiles == nil {
		return "", apperr.NotFound("Username")
	}
	return orchestrator.config.Profiles.ResolveUsername(context, identifier)
}

// discover lists linked providers. Failure is logged and read as "unknown".
func (orchestrator *Orchestrator) discover(context context.Context, email string) []string {
	providers, err := orchestrator.config.Credentials.FetchProviders(context, email)
	if err != nil {
		orchestrator.config.Logger.WarnContext(context, "flow_provider_discovery_failed", slog.Any("error", err))
		return nil
	}
	return providers
}

// # Branches

func (orchestrator *Orchestrator) signUp(context context.Context, gen uint64, identifier, email, password string) error {
	working := State{Identifier: identifier, Method: MethodSignUp}

	if err := orchestrator.advance(gen, working.at(PhaseAuthenticating)); err != nil {
		return err
	}
	user, err := orchestrator.config.Credentials.CreateCredential(context, email, password)
	if err != nil {
		return orchestrator.fail(context, gen, working, err)
	}
	orchestrator.providerSucceeded()

	// From here on an unverifiable account must not survive a failure.
	if err := orchestrator.advance(gen, working.at(PhaseSendingVerification)); err != nil {
		orchestrator.rollback(context, user)
		return err
	}
	if err := orchestrator.config.Credentials.SendVerificationEmail(context, user); err != nil {
		orchestrator.config.Logger.WarnContext(context, "flow_verification_email_failed", slog.Any("error", err))
		orchestrator.rollback(context, user)
		if contextErr := context.Err(); contextErr != nil {
			return contextErr
		}
		failed := working.at(PhaseError)
		failed.Message = msgSignUpRolledBack
		failed.Recoverable = true
		failed.Action = ActionRetry
		return orchestrator.advance(gen, failed)
	}

	if err := orchestrator.advance(gen, working.at(PhaseVerifyingProfile)); err != nil {
		return err
	}
	record, syncErr := orchestrator.syncProfile(context, user)
	orchestrator.signOut(context)
	orchestrator.commitResult(gen, Result{User: user, Record: record})

	done := working.at(PhaseRedirecting)
	done.Destination = DestinationAwaitingVerification
	done.Message = msgVerifyEmail
	done.ProfileSyncFailed = syncErr != nil
	return orchestrator.advance(gen, done)
}

func (orchestrator *Orchestrator) signIn(context context.Context, gen uint64, identifier, email, password string) error {
	working := State{Identifier: identifier, Method: MethodSignIn}

	if err := orchestrator.advance(gen, working.at(PhaseAuthenticating)); err != nil {
		return err
	}
	user, err := orchestrator.config.Credentials.SignIn(context, email, password)
	if err != nil {
		return orchestrator.fail(context, gen, working, err)
	}
	orchestrator.providerSucceeded()

	if user.EmailVerified {
		return orchestrator.complete(context, gen, identifier, MethodSignIn, user)
	}

	// Unverified: resend the link, sign out again and wait for verification.
	if err := orchestrator.advance(gen, working.at(PhaseSendingVerification)); err != nil {
		orchestrator.signOut(context)
		return err
	}
	notice := msgVerifyEmailStale
	if orchestrator.resendVerification(context, user) {
		notice = msgVerifyEmail
	}
	orchestrator.signOut(context)
	if err := context.Err(); err != nil {
		return err
	}

	done := working.at(PhaseRedirecting)
	done.Destination = DestinationAwaitingVerification
	done.Message = notice
	return orchestrator.advance(gen, done)
}

// complete finishes a verified authentication: profile sync, session, redirect.
func (orchestrator *Orchestrator) complete(context context.Context, gen uint64, identifier string, method Method, user *identity.User) error {
	working := State{Identifier: identifier, Method: method}

	if err := orchestrator.advance(gen, working.at(PhaseVerifyingProfile)); err != nil {
		return err
	}
	record, syncErr := orchestrator.syncProfile(context, user)
	if err := context.Err(); err != nil {
		return err
	}
	working.ProfileSyncFailed = syncErr != nil

	if err := orchestrator.advance(gen, working.at(PhaseCreatingSession)); err != nil {
		return err
	}
	var issued *session.Issued
	if orchestrator.config.Sessions != nil {
		var err error
		if issued, err = orchestrator.config.Sessions.CreateSession(context, user); err != nil {
			if contextErr := context.Err(); contextErr != nil {
				return contextErr
			}
			orchestrator.config.Logger.WarnContext(context, "flow_session_create_failed", slog.Any("error", err))
			failed := orchestrator.classify(working, err)
			if failed.Phase == PhaseError && failed.ResetAt.IsZero() {
				failed.Message = msgSessionFailed
			}
			return orchestrator.advance(gen, failed)
		}
	}
	orchestrator.commitResult(gen, Result{User: user, Session: issued, Record: record})

	done := working.at(PhaseRedirecting)
	done.Destination = DestinationHome
	if record != nil && record.Account.Username == nil {
		done.Destination = DestinationCompleteProfile
	}
	return orchestrator.advance(gen, done)
}

// at returns a copy of the working state moved to phase.
func (state State) at(phase Phase) State {
	state.Phase = phase
	return state
}

// # Side effects

func (orchestrator *Orchestrator) syncProfile(context context.Context, user *identity.User) (*profile.Record, error) {
	if orchestrator.config.Profiles == nil {
		return nil, nil
	}
	record, err := orchestrator.config.Profiles.SyncSignIn(context, user, orchestrator.config.Now())
	if err != nil {
		orchestrator.config.Logger.WarnContext(context, "flow_profile_sync_failed",
			slog.String("subject_id", user.SubjectID),
			slog.Any("error", err),
		)
		return nil, err
	}
	return record, nil
}

// resendVerification sends a fresh link unless the resend budget is spent.
func (orchestrator *Orchestrator) resendVerification(context context.Context, user *identity.User) bool {
	if limited, _ := orchestrator.consumeBudget(context, ratelimit.NewBucket(ratelimit.ActionEmailResend, user.Email)); limited {
		return false
	}
	if err := orchestrator.config.Credentials.SendVerificationEmail(context, user); err != nil {
		orchestrator.config.Logger.WarnContext(context, "flow_verification_resend_failed", slog.Any("error", err))
		return false
	}
	return true
}

// rollback deletes a credential created by a sign-up that could not finish.
// It runs even when the flow was cancelled.
func (orchestrator *Orchestrator) rollback(ctx context.Context, user *identity.User) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := orchestrator.config.Credentials.DeleteCredential(cleanupCtx, user); err != nil {
		orchestrator.config.Logger.ErrorContext(cleanupCtx, "flow_signup_rollback_failed",
			slog.String("subject_id", user.SubjectID),
			slog.Any("error", err),
		)
	} else {
		orchestrator.config.Logger.InfoContext(cleanupCtx, "flow_signup_rolled_back",
			slog.String("subject_id", user.SubjectID),
		)
	}
	orchestrator.signOut(cleanupCtx)
}

func (orchestrator *Orchestrator) signOut(ctx context.Context) {
	if err := orchestrator.config.Credentials.SignOut(context.WithoutCancel(ctx)); err != nil {
		orchestrator.config.Logger.WarnContext(ctx, "flow_sign_out_failed", slog.Any("error", err))
	}
}

func (orchestrator *Orchestrator) commitResult(gen uint64, result Result) {
	orchestrator.mu.Lock()
	defer orchestrator.mu.Unlock()
	if gen == orchestrator.generation && !orchestrator.closed {
		orchestrator.result = result
	}
}

// # Failures

// fail moves to the error (or rate_limited) state for err. A cancelled
// context is returned as-is so the caller can discard the run.
func (orchestrator *Orchestrator) fail(context context.Context, gen uint64, working State, err error) error {
	if contextErr := context.Err(); contextErr != nil {
		return contextErr
	}
	return orchestrator.advance(gen, orchestrator.classify(working, err))
}

// classify maps an error to a settled state and tracks the network cooldown.
func (orchestrator *Orchestrator) classify(working State, err error) State {
	state := working.at(PhaseError)
	state.Recoverable = true
	state.Action = ActionRetry

	if appErr := apperr.As(err); appErr != nil {
		switch appErr.Code {
		case apperr.CodeRateLimited:
			state.Phase = PhaseRateLimited
			state.Message = msgRateLimited
			state.Action = ActionWait
			state.ResetAt = orchestrator.config.Now().Add(time.Duration(appErr.RetryAfter) * time.Second)
			return state
		case apperr.CodeNotFound:
			state.Message = msgUnknownUsername
			return state
		}
	}

	if identity.IsNetwork(err) || errors.Is(err, apiclient.ErrUnreachable) {
		orchestrator.mu.Lock()
		orchestrator.networkFailures++
		tripped := orchestrator.networkFailures >= orchestrator.config.NetworkFailures
		if tripped {
			orchestrator.networkFailures = 0
			orchestrator.cooldownUntil = orchestrator.config.Now().Add(orchestrator.config.Cooldown)
		}
		resetAt := orchestrator.cooldownUntil
		orchestrator.mu.Unlock()

		if tripped {
			return cooldownState(working.Identifier, resetAt)
		}
		state.Message = identity.Message(identity.NewError(identity.CodeNetwork, ""))
		return state
	}

	state.Message = identity.Message(err)
	switch identity.CodeOf(err) {
	case identity.CodeEmailInUse:
		state.Action = ActionSignIn
	case identity.CodeUserDisabled:
		state.Recoverable = false
		state.Action = ActionContactSupport
	case "":
		orchestrator.config.Logger.Warn("flow_unexpected_error", slog.Any("error", err))
	}
	return state
}

func cooldownState(identifier string, resetAt time.Time) State {
	return State{
		Phase:       PhaseError,
		Identifier:  identifier,
		Message:     msgCooldown,
		Recoverable: true,
		Action:      ActionWait,
		ResetAt:     resetAt,
	}
}

func (orchestrator *Orchestrator) coolingDown() (time.Time, bool) {
	orchestrator.mu.Lock()
	defer orchestrator.mu.Unlock()
	return orchestrator.cooldownUntil, orchestrator.config.Now().Before(orchestrator.cooldownUntil)
}

func (orchestrator *Orchestrator) providerSucceeded() {
	orchestrator.mu.Lock()
	defer orchestrator.mu.Unlock()
	orchestrator.networkFailures = 0
}

// # Follow-ups

// RetryProfileSync re-runs the profile save of the last completed flow.
func (orchestrator *Orchestrator) RetryProfileSync(context context.Context) (State, error) {
	orchestrator.mu.Lock()
	if orchestrator.closed {
		orchestrator.mu.Unlock()
		return State{}, ErrClosed
	}
	if orchestrator.busy {
		state := orchestrator.state
		orchestrator.mu.Unlock()
		return state, ErrBusy
	}
	if !orchestrator.state.ProfileSyncFailed || orchestrator.result.User == nil || orchestrator.config.Profiles == nil {
		state := orchestrator.state
		orchestrator.mu.Unlock()
		return state, ErrNothingToSync
	}
	user := orchestrator.result.User
	gen, callCtx := orchestrator.begin(context)
	orchestrator.mu.Unlock()

	record, err := orchestrator.syncProfile(callCtx, user)

	orchestrator.mu.Lock()
	if !orchestrator.finish(gen) {
		closed := orchestrator.closed
		state := orchestrator.state
		orchestrator.mu.Unlock()
		if closed {
			return State{}, ErrClosed
		}
		return state, ErrSuperseded
	}
	if err == nil {
		orchestrator.state.ProfileSyncFailed = false
		orchestrator.result.Record = record
	}
	state := orchestrator.state
	orchestrator.mu.Unlock()

	orchestrator.emit(state)
	if err != nil && context.Err() != nil {
		return state, fmt.Errorf("flow_profile_sync_cancelled: %w", context.Err())
	}
	return state, nil
}

// Reset abandons the current flow, cancelling in-flight calls, and returns to idle.
func (orchestrator *Orchestrator) Reset() State {
	orchestrator.mu.Lock()
	orchestrator.generation++
	if orchestrator.inflight != nil {
		orchestrator.inflight()
		orchestrator.inflight = nil
	}
	orchestrator.busy = false
	orchestrator.result = Result{}
	orchestrator.state = State{Phase: PhaseIdle}
	state := orchestrator.state
	orchestrator.mu.Unlock()

	orchestrator.emit(state)
	return state
}

// Close tears the orchestrator down. Later results are dropped.
func (orchestrator *Orchestrator) Close() {
	orchestrator.mu.Lock()
	orchestrator.closed = true
	orchestrator.generation++
	orchestrator.busy = false
	orchestrator.inflight = nil
	orchestrator.mu.Unlock()

	orchestrator.cancel()
}
