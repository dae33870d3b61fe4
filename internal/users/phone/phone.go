// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package phone drives phone one-time-passcode verification.

# States

	PhoneEntry → ChallengeAcquiring → CodeSent → Verified
	      ↑______________ Error (returns to its origin) ____|

A [Machine] owns one [Session]. Transitions are strictly sequential: a second
send or confirm while one is in flight is refused with [ErrBusy]. Every
network-bound step is cancellable and a result that arrives after
[Machine.ChangeNumber] or [Machine.Close] is discarded.
*/
package phone

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/taibuivan/passage/internal/platform/validate"
	"github.com/taibuivan/passage/internal/users/identity"
)

// Step is the position of the session in the verification flow.
type Step string

const (
	StepPhoneEntry         Step = "phone_entry"
	StepChallengeAcquiring Step = "challenge_acquiring"
	StepCodeSent           Step = "code_sent"
	StepVerified           Step = "verified"
	StepError              Step = "error"
)

// Misuse errors. Expected failures (bad code, throttling) are reported as
// [Failure] in the session, never as these.
var (
	ErrBusy            = errors.New("phone: an operation is already in progress")
	ErrClosed          = errors.New("phone: machine closed")
	ErrSuperseded      = errors.New("phone: result discarded after the session changed")
	ErrNotAwaitingCode = errors.New("phone: no code has been sent")
	ErrAlreadyVerified = errors.New("phone: a different number is verified; change number first")
	ErrNotVerified     = errors.New("phone: nothing verified to sync")
)

// FailureKind classifies a [Failure].
type FailureKind string

const (
	FailureValidation  FailureKind = "validation"
	FailureThrottled   FailureKind = "throttled"
	FailureRateLimited FailureKind = "rate_limited"
	FailureChallenge   FailureKind = "challenge"
	FailureProvider    FailureKind = "provider"
	FailureCooldown    FailureKind = "cooldown"
	FailureProfileSync FailureKind = "profile_sync"
)

// Action is the corrective step offered with a failure.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionResend         Action = "resend"
	ActionChangeNumber   Action = "change_number"
	ActionRetrySync      Action = "retry_profile_sync"
	ActionContactSupport Action = "contact_support"
)

// Failure describes why the session is in the error step.
type Failure struct {
	Kind        FailureKind
	Message     string
	Recoverable bool
	Action      Action
	// RetryAfter is the countdown for throttled, rate-limited and cooldown failures.
	RetryAfter time.Duration
}

// Session is the client-held verification state.
type Session struct {
	PhoneCandidate string
	Confirmation   *identity.Confirmation
	Step           Step
	// Origin is the step an error returns to.
	Origin     Step
	LastSentAt time.Time
	// Sends counts dispatches in this session; it drives the resend backoff.
	Sends int

	VerifiedPhone string
	Failure       *Failure
	// SyncFailure is set when the verified phone could not be saved to the profile.
	// It never moves the session out of Verified.
	SyncFailure *Failure
}

// AwaitingCode reports whether a code may be confirmed now.
func (session Session) AwaitingCode() bool {
	if session.Confirmation == nil {
		return false
	}
	return session.Step == StepCodeSent || (session.Step == StepError && session.Origin == StepCodeSent)
}

// # Normalization

var separators = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "\u00a0", "")

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Normalize converts user input to E.164 ("+" followed by digits).
//
// Separators are stripped and a leading "00" becomes "+". Numbers without a
// country prefix get defaultCallingCode (digits only, e.g. "91") after their
// trunk zero is dropped; without a default they are rejected.
func Normalize(raw, defaultCallingCode string) (string, error) {
	candidate := separators.Replace(strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(candidate, "+"):
	case strings.HasPrefix(candidate, "00"):
		candidate = "+" + candidate[2:]
	case defaultCallingCode != "":
		candidate = "+" + strings.TrimPrefix(defaultCallingCode, "+") + strings.TrimLeft(candidate, "0")
	}

	if err := new(validate.Validator).Phone("phone", candidate).Err(); err != nil {
		return "", err
	}
	return candidate, nil
}

// ValidCode reports whether code is exactly six digits.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// # Resend policy

// MinResendInterval is the fixed floor between two dispatches of one session,
// applied on top of any [ResendPolicy].
const MinResendInterval = 30 * time.Second

// ResendPolicy spaces out code dispatches within one session.
type ResendPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultResendPolicy waits 30 seconds before the first resend, doubling up to five minutes.
func DefaultResendPolicy() ResendPolicy {
	return ResendPolicy{Base: 30 * time.Second, Max: 5 * time.Minute}
}

// Delay returns the minimum wait after the last dispatch, given the number of
// dispatches already made. It is non-decreasing in sends and never exceeds Max.
func (policy ResendPolicy) Delay(sends int) time.Duration {
	if sends <= 0 {
		return 0
	}

	delay := policy.Base
	for i := 1; i < sends; i++ {
		if delay >= policy.Max/2 {
			return policy.Max
		}
		delay *= 2
	}
	return min(delay, policy.Max)
}
