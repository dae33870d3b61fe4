// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package memory is an in-process [identity.Provider] for local runs and tests.

Passwords are bcrypt-hashed, one-time passcodes are random six-digit codes that
are logged instead of texted, and verification emails are logged instead of
sent. When a minter is configured, users carry identity tokens the API accepts.
*/
package memory

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/taibuivan/passage/internal/platform/sec"
	"github.com/taibuivan/passage/internal/users/identity"
	"github.com/taibuivan/passage/pkg/uuid"
)

// codeLifetime is how long a dispatched passcode stays valid.
const codeLifetime = 5 * time.Minute

type account struct {
	user         identity.User
	passwordHash string
}

type pendingCode struct {
	code      string
	phone     string
	link      string
	expiresAt time.Time
}

// Provider keeps accounts and pending codes in memory.
type Provider struct {
	mu       sync.Mutex
	accounts map[string]*account // by subject id
	pending  map[string]*pendingCode
	current  *identity.User
	failures map[string]error

	minter *sec.IdentityMinter
	now    func() time.Time
	logger *slog.Logger
}

var _ identity.Provider = (*Provider)(nil)

// New creates an empty provider. minter and now may be nil.
func New(minter *sec.IdentityMinter, now func() time.Time, logger *slog.Logger) *Provider {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		accounts: make(map[string]*account),
		pending:  make(map[string]*pendingCode),
		failures: make(map[string]error),
		minter:   minter,
		now:      now,
		logger:   logger,
	}
}

// # Test hooks

// FailNext makes the next call of the named method ("SendVerificationEmail",
// "BeginPhoneSignIn", ...) return err.
func (provider *Provider) FailNext(method string, err error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.failures[method] = err
}

// Seed registers an account directly, e.g. an SSO-only user.
func (provider *Provider) Seed(user identity.User, password string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if user.SubjectID == "" {
		user.SubjectID = uuid.New()
	}
	entry := &account{user: user}
	if password != "" {
		hash, err := sec.HashPassword(password)
		if err != nil {
			return err
		}
		entry.passwordHash = hash
		if !slices.Contains(entry.user.Providers, identity.ProviderPassword) {
			entry.user.Providers = append(entry.user.Providers, identity.ProviderPassword)
		}
	}
	provider.accounts[user.SubjectID] = entry
	return nil
}

// MarkEmailVerified simulates the user clicking the verification link.
func (provider *Provider) MarkEmailVerified(email string) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if entry := provider.byEmail(email); entry != nil {
		entry.user.EmailVerified = true
	}
}

// LastCode returns the passcode pending for a confirmation, for tests and the local CLI.
func (provider *Provider) LastCode(confirmation *identity.Confirmation) string {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if pending, found := provider.pending[confirmation.ID]; found {
		return pending.code
	}
	return ""
}

// Accounts returns the number of registered accounts.
func (provider *Provider) Accounts() int {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return len(provider.accounts)
}

// # Internals (caller holds mu)

func (provider *Provider) injected(method string) error {
	if err, found := provider.failures[method]; found {
		delete(provider.failures, method)
		return err
	}
	return nil
}

func (provider *Provider) byEmail(email string) *account {
	for _, entry := range provider.accounts {
		if entry.user.Email != "" && strings.EqualFold(entry.user.Email, email) {
			return entry
		}
	}
	return nil
}

func (provider *Provider) byPhone(phone string) *account {
	for _, entry := range provider.accounts {
		if entry.user.Phone == phone {
			return entry
		}
	}
	return nil
}

// session returns a copy of the account's user with a fresh identity token.
func (provider *Provider) session(entry *account, signInProvider string) (*identity.User, error) {
	user := entry.user
	user.Providers = slices.Clone(entry.user.Providers)

	if provider.minter != nil {
		token, err := provider.minter.Mint(sec.IdentityClaims{
			SubjectID:     user.SubjectID,
			Email:         user.Email,
			EmailVerified: user.EmailVerified,
			Phone:         user.Phone,
			Name:          user.DisplayName,
			Provider:      signInProvider,
		})
		if err != nil {
			return nil, err
		}
		user.IDToken = token
	} else {
		user.IDToken = "memory:" + user.SubjectID
	}

	provider.current = &user
	return &user, nil
}

// # Credentials

// FetchProviders implements [identity.Credentials].
func (provider *Provider) FetchProviders(_ context.Context, email string) ([]string, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if err := provider.injected("FetchProviders"); err != nil {
		return nil, err
	}
	if entry := provider.byEmail(email); entry != nil {
		return slices.Clone(entry.user.Providers), nil
	}
	return nil, nil
}

// CreateCredential implements [identity.Credentials].
func (provider *Provider) CreateCredential(_ context.Context, email, password string) (*identity.User, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if err := provider.injected("CreateCredential"); err != nil {
		return nil, err
	}
	if provider.byEmail(email) != nil {
		return nil, identity.NewError(identity.CodeEmailInUse, "")
	}
	if len(password) < 6 {
		return nil, identity.NewError(identity.CodeWeakPassword, "")
	}

	hash, err := sec.HashPassword(password)
	if err != nil {
		return nil, err
	}
	entry := &account{
		user: identity.User{
			SubjectID: uuid.New(),
			Email:     strings.ToLower(email),
			Providers: []string{identity.ProviderPassword},
		},
		passwordHash: hash,
	}
	provider.accounts[entry.user.SubjectID] = entry
	return provider.session(entry, identity.ProviderPassword)
}

// DeleteCredential implements [identity.Credentials].
func (provider *Provider) DeleteCredential(_ context.Context, user *identity.User) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if err := provider.injected("DeleteCredential"); err != nil {
		return err
	}
	if _, found := provider.accounts[user.SubjectID]; !found {
		return identity.NewError(identity.CodeUserNotFound, "")
	}
	delete(provider.accounts, user.SubjectID)
	if provider.current != nil && provider.current.SubjectID == user.SubjectID {
		provider.current = nil
	}
	return nil
}

// SignIn implements [identity.Credentials].
func (provider *Provider) SignIn(_ context.Context, email, password string) (*identity.User, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if err := provider.injected("SignIn"); err != nil {
		return nil, err
	}
	entry := provider.byEmail(email)
	if entry == nil || entry.passwordHash == "" || !sec.CheckPasswordHash(password, entry.passwordHash) {
		return nil, identity.NewError(identity.CodeInvalidCredential, "")
	}
	return provider.session(entry, identity.ProviderPassword)
}

// SendVerificationEmail implements [identity.Credentials].
func (provider *Provider) SendVerificationEmail(context context.Context, user *identity.User) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if err := provider.injected("SendVerificationEmail"); err != nil {
		return err
	}
	provider.logger.InfoContext(context, "memory_verification_email",
		slog.String("subject_id", user.SubjectID),
		slog.String("email", user.Email),
	)
	return nil
}

// SendPasswordResetEmail implements [identity.Credentials].
func (provider *Provider) SendPasswordResetEmail(context context.Context, email string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if err := provider.injected("SendPasswordResetEmail"); err != nil {
		return err
	}
	entry := provider.byEmail(email)
	if entry == nil || entry.passwordHash == "" {
		return identity.NewError(identity.CodeUserNotFound, "")
	}
	provider.logger.InfoContext(context, "memory_password_reset_email",
		slog.String("subject_id", entry.user.SubjectID),
		slog.String("email", entry.user.Email),
	)
	return nil
}

// SignOut implements [identity.Credentials].
func (provider *Provider) SignOut(_ context.Context) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.current = nil
	return nil
}

// # Phones

// CurrentUser implements [identity.Phones].
func (provider *Provider) CurrentUser() *identity.User {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return provider.current
}

func (provider *Provider) dispatch(context context.Context, method, phone, challengeToken, link string) (*identity.Confirmation, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if err := provider.injected(method); err != nil {
		return nil, err
	}
	if challengeToken == "" {
		return nil, identity.NewError(identity.CodeCaptchaCheckFailed, "missing challenge token")
	}

	code, err := sec.GenerateNumericCode(6)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	provider.pending[id] = &pendingCode{
		code:      code,
		phone:     phone,
		link:      link,
		expiresAt: provider.now().Add(codeLifetime),
	}

	provider.logger.InfoContext(context, "memory_phone_code_sent",
		slog.String("phone", phone),
		slog.String("code", code),
		slog.Bool("link", link != ""),
	)
	return &identity.Confirmation{ID: id, Phone: phone, LinkSubject: link}, nil
}

// BeginPhoneSignIn implements [identity.Phones].
func (provider *Provider) BeginPhoneSignIn(context context.Context, phone, challengeToken string) (*identity.Confirmation, error) {
	return provider.dispatch(context, "BeginPhoneSignIn", phone, challengeToken, "")
}

// LinkPhone implements [identity.Phones].
func (provider *Provider) LinkPhone(context context.Context, user *identity.User, phone, challengeToken string) (*identity.Confirmation, error) {
	if user == nil {
		return nil, identity.NewError(identity.CodeRequiresRecentLogin, "")
	}
	return provider.dispatch(context, "LinkPhone", phone, challengeToken, user.SubjectID)
}

// Confirm implements [identity.Phones].
func (provider *Provider) Confirm(_ context.Context, confirmation *identity.Confirmation, code string) (*identity.User, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if err := provider.injected("Confirm"); err != nil {
		return nil, err
	}

	pending, found := provider.pending[confirmation.ID]
	if !found || provider.now().After(pending.expiresAt) {
		delete(provider.pending, confirmation.ID)
		return nil, identity.NewError(identity.CodeCodeExpired, "")
	}
	if pending.code != code {
		return nil, identity.NewError(identity.CodeInvalidCode, "")
	}
	delete(provider.pending, confirmation.ID)

	owner := provider.byPhone(pending.phone)

	if pending.link == "" {
		if owner == nil {
			owner = &account{user: identity.User{
				SubjectID: uuid.New(),
				Phone:     pending.phone,
				Providers: []string{identity.ProviderPhone},
			}}
			provider.accounts[owner.user.SubjectID] = owner
		}
		return provider.session(owner, identity.ProviderPhone)
	}

	target, found := provider.accounts[pending.link]
	if !found {
		return nil, identity.NewError(identity.CodeUserNotFound, "")
	}
	if owner != nil && owner != target {
		return nil, identity.NewError(identity.CodeCredentialInUse, "")
	}
	if target.user.Phone != "" && target.user.Phone != pending.phone {
		return nil, identity.NewError(identity.CodeProviderAlreadyLinked, "")
	}

	target.user.Phone = pending.phone
	if !slices.Contains(target.user.Providers, identity.ProviderPhone) {
		target.user.Providers = append(target.user.Providers, identity.ProviderPhone)
	}
	return provider.session(target, identity.ProviderPhone)
}

