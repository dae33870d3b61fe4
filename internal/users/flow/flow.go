// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package flow is the authentication flow orchestrator.

It sequences a credential submission through validation, rate limiting,
provider discovery, sign-in or sign-up, verification email dispatch, profile
reconciliation and session creation. A single [State] describes where the flow
is; every change goes through the transition table, and what a surface shows
is derived from the state by [View] alone.

# Phases

	idle → checking_credentials → checking_providers → authenticating(method)
	     → sending_verification → verifying_profile → creating_session → redirecting

A password reset request takes the short path
checking_credentials → sending_verification → redirecting.

error and rate_limited may be entered from any working phase and are left by
submitting again or resetting.
*/
package flow

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Phase is the discriminant of [State].
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseCheckingCredentials Phase = "checking_credentials"
	PhaseCheckingProviders   Phase = "checking_providers"
	PhaseAuthenticating      Phase = "authenticating"
	PhaseSendingVerification Phase = "sending_verification"
	PhaseVerifyingProfile    Phase = "verifying_profile"
	PhaseCreatingSession     Phase = "creating_session"
	PhaseRedirecting         Phase = "redirecting"
	PhaseError               Phase = "error"
	PhaseRateLimited         Phase = "rate_limited"
)

// Method is how the subject is authenticating.
type Method string

const (
	MethodSignIn Method = "sign_in"
	MethodSignUp Method = "sign_up"
	MethodPhone  Method = "phone"

	MethodPasswordReset Method = "password_reset"
)

// Destination is where a redirecting flow sends the user.
type Destination string

const (
	DestinationHome                 Destination = "home"
	DestinationCompleteProfile      Destination = "complete_profile"
	DestinationAwaitingVerification Destination = "awaiting_verification"
	DestinationPasswordResetSent    Destination = "password_reset_sent"
)

// Action is the corrective step offered with an error.
type Action string

const (
	ActionRetry            Action = "retry"
	ActionWait             Action = "wait"
	ActionSignIn           Action = "sign_in"
	ActionUseSSO           Action = "use_sso"
	ActionRetryProfileSync Action = "retry_profile_sync"
	ActionContactSupport   Action = "contact_support"
)

// State is the orchestrator's single source of truth.
type State struct {
	Phase      Phase
	Identifier string

	// Method is set while authenticating and on the phases that follow.
	Method Method

	// Message, Recoverable and Action describe errors; Message also carries
	// notices on redirecting.
	Message     string
	Recoverable bool
	Action      Action

	// Provider names the SSO provider an email is already linked to.
	Provider string

	// ResetAt ends the countdown of rate_limited and cooldown errors.
	ResetAt time.Time

	Destination Destination
	// ProfileSyncFailed is set when authentication succeeded but the profile
	// could not be saved. It never blocks the flow.
	ProfileSyncFailed bool
}

// # Transition table

var transitions = map[Phase][]Phase{
	PhaseIdle:                {PhaseCheckingCredentials, PhaseAuthenticating, PhaseError},
	PhaseCheckingCredentials: {PhaseCheckingProviders, PhaseSendingVerification, PhaseRateLimited, PhaseError},
	PhaseCheckingProviders:   {PhaseAuthenticating, PhaseRateLimited, PhaseError},
	PhaseAuthenticating:      {PhaseSendingVerification, PhaseVerifyingProfile, PhaseRateLimited, PhaseError},
	PhaseSendingVerification: {PhaseVerifyingProfile, PhaseRedirecting, PhaseError},
	PhaseVerifyingProfile:    {PhaseCreatingSession, PhaseRedirecting, PhaseError},
	PhaseCreatingSession:     {PhaseRedirecting, PhaseRateLimited, PhaseError},
	PhaseRedirecting:         {PhaseCheckingCredentials, PhaseAuthenticating, PhaseError},
	PhaseError:               {PhaseCheckingCredentials, PhaseAuthenticating, PhaseError},
	PhaseRateLimited:         {PhaseCheckingCredentials, PhaseAuthenticating, PhaseError},
}

// ErrIllegalTransition reports a move the table does not allow.
var ErrIllegalTransition = errors.New("flow: illegal transition")

// CanTransition reports whether from may move to to. Returning to idle is
// always allowed.
func CanTransition(from, to Phase) bool {
	if to == PhaseIdle {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Transition validates and applies a move to next.
func Transition(current, next State) (State, error) {
	if !CanTransition(current.Phase, next.Phase) {
		return current, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Phase, next.Phase)
	}
	return next, nil
}

// Settled reports whether no work is in progress in this phase.
func (phase Phase) Settled() bool {
	switch phase {
	case PhaseIdle, PhaseRedirecting, PhaseError, PhaseRateLimited:
		return true
	}
	return false
}

// # Presentation

// Tone colours a presentation.
type Tone string

const (
	ToneNeutral Tone = "neutral"
	ToneBusy    Tone = "busy"
	ToneSuccess Tone = "success"
	ToneWarning Tone = "warning"
	ToneDanger  Tone = "danger"
)

// Presentation is everything a surface renders for a state.
type Presentation struct {
	Title     string
	Message   string
	Tone      Tone
	Busy      bool
	CanSubmit bool
	Action    Action
	Countdown time.Duration
}

// View projects state onto what a surface shows. It is pure: the same state
// and clock always yield the same presentation.
func View(state State, now time.Time) Presentation {
	switch state.Phase {
	case PhaseIdle:
		return Presentation{Title: "Sign in or create an account", Tone: ToneNeutral, CanSubmit: true}

	case PhaseCheckingCredentials:
		return busy("Checking your details")

	case PhaseCheckingProviders:
		return busy("Looking up your account")

	case PhaseAuthenticating:
		switch state.Method {
		case MethodSignUp:
			return busy("Creating your account")
		case MethodPhone:
			return busy("Finishing phone sign-in")
		}
		return busy("Signing you in")

	case PhaseSendingVerification:
		if state.Method == MethodPasswordReset {
			return busy("Sending reset link")
		}
		return busy("Sending verification email")

	case PhaseVerifyingProfile:
		return busy("Saving your profile")

	case PhaseCreatingSession:
		return busy("Starting your session")

	case PhaseRedirecting:
		presentation := Presentation{Title: "You are signed in", Message: state.Message, Tone: ToneSuccess}
		switch state.Destination {
		case DestinationAwaitingVerification:
			presentation.Title = "Verify your email"
			presentation.Tone = ToneWarning
			presentation.CanSubmit = true
		case DestinationCompleteProfile:
			presentation.Title = "Complete your profile"
		case DestinationPasswordResetSent:
			presentation.Title = "Check your email"
			presentation.Tone = ToneNeutral
			presentation.CanSubmit = true
		}
		if state.ProfileSyncFailed {
			presentation.Message = "You are signed in, but we could not save your profile."
			presentation.Tone = ToneWarning
			presentation.Action = ActionRetryProfileSync
		}
		return presentation

	case PhaseRateLimited:
		remaining := countdown(state.ResetAt, now)
		return Presentation{
			Title:     "Too many attempts",
			Message:   state.Message,
			Tone:      ToneWarning,
			CanSubmit: remaining == 0,
			Action:    ActionWait,
			Countdown: remaining,
		}

	case PhaseError:
		presentation := Presentation{
			Title:     "Something went wrong",
			Message:   state.Message,
			Tone:      ToneDanger,
			CanSubmit: state.Recoverable,
			Action:    state.Action,
			Countdown: countdown(state.ResetAt, now),
		}
		if !state.Recoverable {
			presentation.Action = ActionContactSupport
		}
		if presentation.Countdown > 0 {
			presentation.CanSubmit = false
		}
		return presentation
	}

	return Presentation{Title: string(state.Phase), Tone: ToneNeutral}
}

func busy(title string) Presentation {
	return Presentation{Title: title, Tone: ToneBusy, Busy: true}
}

func countdown(resetAt, now time.Time) time.Duration {
	if resetAt.IsZero() {
		return 0
	}
	return max(resetAt.Sub(now), 0)
}
