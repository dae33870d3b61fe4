// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package identity defines the contract Passage expects from the external identity
provider, plus the provider's error taxonomy.

The provider is a black box: it owns credentials, verification emails and phone
one-time passcodes, and it mints the identity tokens the API verifies. Two
adapters exist:

  - toolkit: REST adapter for a hosted identity toolkit.
  - memory: in-process provider for local runs and tests.
*/
package identity

import (
	"context"
	"slices"
)

// Well-known sign-in provider ids.
const (
	ProviderPassword = "password"
	ProviderPhone    = "phone"
	ProviderGoogle   = "google.com"
	ProviderApple    = "apple.com"
	ProviderGitHub   = "github.com"
)

// IsSSO reports whether provider is a third-party single-sign-on provider.
func IsSSO(provider string) bool {
	switch provider {
	case "", ProviderPassword, ProviderPhone, "emailLink":
		return false
	}
	return true
}

// User is the provider's view of the signed-in subject.
type User struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Phone         string
	DisplayName   string
	Providers     []string

	// IDToken is the bearer proof for calls into the Passage API. Never logged.
	IDToken string
}

// HasProvider reports whether the user has linked the given provider.
func (user *User) HasProvider(provider string) bool {
	return user != nil && slices.Contains(user.Providers, provider)
}

// Confirmation is the opaque handle returned when a phone code is dispatched.
type Confirmation struct {
	// ID is the provider's session reference for the dispatched code.
	ID string
	// Phone is the normalized number the code was sent to.
	Phone string
	// LinkSubject is set when the code links the phone to an existing subject
	// instead of starting a new sign-in. It is fixed at dispatch time.
	LinkSubject string
}

// Linking reports whether confirming this handle links rather than signs in.
func (confirmation *Confirmation) Linking() bool {
	return confirmation.LinkSubject != ""
}

// # Capabilities

// Credentials covers the email/password side of the provider.
type Credentials interface {
	// FetchProviders lists the sign-in providers linked to email. Unknown emails yield an empty list.
	FetchProviders(context context.Context, email string) ([]string, error)
	CreateCredential(context context.Context, email, password string) (*User, error)
	DeleteCredential(context context.Context, user *User) error
	SignIn(context context.Context, email, password string) (*User, error)
	SendVerificationEmail(context context.Context, user *User) error
	// SendPasswordResetEmail mails a reset link. Unknown emails yield [CodeUserNotFound].
	SendPasswordResetEmail(context context.Context, email string) error
	SignOut(context context.Context) error
}

// Phones covers phone one-time passcode dispatch and confirmation.
type Phones interface {
	// CurrentUser returns the signed-in user, or nil.
	CurrentUser() *User
	BeginPhoneSignIn(context context.Context, phone, challengeToken string) (*Confirmation, error)
	LinkPhone(context context.Context, user *User, phone, challengeToken string) (*Confirmation, error)
	Confirm(context context.Context, confirmation *Confirmation, code string) (*User, error)
}

// Provider is the full identity provider surface.
type Provider interface {
	Credentials
	Phones
}
