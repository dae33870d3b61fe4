// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"errors"
	"fmt"
)

// Code is a stable provider rejection code.
type Code string

const (
	CodeInvalidCode           Code = "invalid-verification-code"
	CodeCodeExpired           Code = "code-expired"
	CodeTooManyRequests       Code = "too-many-requests"
	CodeCaptchaCheckFailed    Code = "captcha-check-failed"
	CodeInvalidPhone          Code = "invalid-phone-number"
	CodeQuotaExceeded         Code = "quota-exceeded"
	CodeCredentialInUse       Code = "credential-already-in-use"
	CodeProviderAlreadyLinked Code = "provider-already-linked"
	CodeEmailInUse            Code = "email-already-in-use"
	CodeInvalidCredential     Code = "invalid-credential"
	CodeUserNotFound          Code = "user-not-found"
	CodeUserDisabled          Code = "user-disabled"
	CodeWeakPassword          Code = "weak-password"
	CodeRequiresRecentLogin   Code = "requires-recent-login"
	CodePopupBlocked          Code = "popup-blocked"
	CodeNetwork               Code = "network-request-failed"
)

// Error is a rejection reported by the identity provider.
type Error struct {
	Code Code
	// Raw is the provider's own wording, kept for logs only.
	Raw string
	Err error
}

func (e *Error) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("identity: %s (%s)", e.Code, e.Raw)
	}
	return "identity: " + string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an [*Error] with the given code.
func NewError(code Code, raw string) *Error {
	return &Error{Code: code, Raw: raw}
}

// CodeOf extracts the provider code from err's chain, or "".
func CodeOf(err error) Code {
	var identityErr *Error
	if errors.As(err, &identityErr) {
		return identityErr.Code
	}
	return ""
}

// IsNetwork reports whether err is a transport failure rather than a rejection.
func IsNetwork(err error) bool {
	return CodeOf(err) == CodeNetwork
}

// GenericMessage is shown for any failure without a dedicated message.
const GenericMessage = "Something went wrong. Please try again."

var messages = map[Code]string{
	CodeInvalidCode:           "That code is not correct. Check the SMS and try again.",
	CodeCodeExpired:           "That code has expired. Request a new one with resend.",
	CodeTooManyRequests:       "Too many attempts. Please wait a moment and try again.",
	CodeCaptchaCheckFailed:    "We could not verify you are human. Please try again.",
	CodeInvalidPhone:          "That phone number does not look right. Include the country code.",
	CodeQuotaExceeded:         "We cannot send more codes right now. Please try again later.",
	CodeCredentialInUse:       "This phone number is already linked to another account.",
	CodeProviderAlreadyLinked: "A phone number is already linked to this account.",
	CodeEmailInUse:            "An account with this email already exists. Try signing in.",
	CodeInvalidCredential:     "Incorrect email or password.",
	CodeUserNotFound:          "Incorrect email or password.",
	CodeUserDisabled:          "This account has been disabled. Contact support.",
	CodeWeakPassword:          "Choose a stronger password (at least 6 characters).",
	CodeRequiresRecentLogin:   "Please sign in again to continue.",
	CodePopupBlocked:          "The sign-in popup was blocked. Allow popups and try again.",
	CodeNetwork:               "Network problem. Check your connection and try again.",
}

// Message maps err to a stable user-facing message. Provider wording never leaks:
// unknown codes and non-provider errors yield [GenericMessage].
func Message(err error) string {
	if message, found := messages[CodeOf(err)]; found {
		return message
	}
	return GenericMessage
}
