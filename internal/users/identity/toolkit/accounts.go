// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package toolkit

import (
	"context"
	"fmt"
	"slices"

	"github.com/taibuivan/passage/internal/users/identity"
)

type authResponse struct {
	IDToken     string `json:"idToken"`
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
}

type lookupResponse struct {
	Users []struct {
		LocalID          string `json:"localId"`
		Email            string `json:"email"`
		EmailVerified    bool   `json:"emailVerified"`
		DisplayName      string `json:"displayName"`
		PhoneNumber      string `json:"phoneNumber"`
		ProviderUserInfo []struct {
			ProviderID string `json:"providerId"`
		} `json:"providerUserInfo"`
	} `json:"users"`
}

// lookup hydrates the full account behind an id token.
func (client *Client) lookup(context context.Context, idToken string) (*identity.User, error) {
	var response lookupResponse
	if err := client.call(context, "lookup", map[string]any{"idToken": idToken}, &response); err != nil {
		return nil, err
	}
	if len(response.Users) == 0 {
		return nil, identity.NewError(identity.CodeUserNotFound, "lookup returned no users")
	}

	account := response.Users[0]
	user := &identity.User{
		SubjectID:     account.LocalID,
		Email:         account.Email,
		EmailVerified: account.EmailVerified,
		Phone:         account.PhoneNumber,
		DisplayName:   account.DisplayName,
		IDToken:       idToken,
	}
	for _, info := range account.ProviderUserInfo {
		if !slices.Contains(user.Providers, info.ProviderID) {
			user.Providers = append(user.Providers, info.ProviderID)
		}
	}
	return user, nil
}

// FetchProviders implements [identity.Credentials].
func (client *Client) FetchProviders(context context.Context, email string) ([]string, error) {
	var response struct {
		Registered    bool     `json:"registered"`
		AllProviders  []string `json:"allProviders"`
		SigninMethods []string `json:"signinMethods"`
	}
	err := client.call(context, "createAuthUri", map[string]any{
		"identifier":  email,
		"continueUri": client.config.ContinueURL,
	}, &response)
	if err != nil {
		return nil, err
	}

	providers := slices.Clone(response.AllProviders)
	for _, method := range response.SigninMethods {
		if !slices.Contains(providers, method) {
			providers = append(providers, method)
		}
	}
	return providers, nil
}

// CreateCredential implements [identity.Credentials]. The new user becomes current.
func (client *Client) CreateCredential(context context.Context, email, password string) (*identity.User, error) {
	var response authResponse
	err := client.call(context, "signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &response)
	if err != nil {
		return nil, err
	}

	user := &identity.User{
		SubjectID: response.LocalID,
		Email:     response.Email,
		Providers: []string{identity.ProviderPassword},
		IDToken:   response.IDToken,
	}
	client.setCurrent(user)
	return user, nil
}

// DeleteCredential implements [identity.Credentials].
func (client *Client) DeleteCredential(context context.Context, user *identity.User) error {
	if user == nil || user.IDToken == "" {
		return fmt.Errorf("toolkit: delete requires a signed-in user")
	}
	if err := client.call(context, "delete", map[string]any{"idToken": user.IDToken}, nil); err != nil {
		return err
	}

	client.mu.Lock()
	if client.current != nil && client.current.SubjectID == user.SubjectID {
		client.current = nil
	}
	client.mu.Unlock()
	return nil
}

// SignIn implements [identity.Credentials]. The signed-in user becomes current.
func (client *Client) SignIn(context context.Context, email, password string) (*identity.User, error) {
	var response authResponse
	err := client.call(context, "signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &response)
	if err != nil {
		return nil, err
	}

	user, err := client.lookup(context, response.IDToken)
	if err != nil {
		return nil, err
	}
	client.setCurrent(user)
	return user, nil
}

// SendVerificationEmail implements [identity.Credentials].
func (client *Client) SendVerificationEmail(context context.Context, user *identity.User) error {
	if user == nil || user.IDToken == "" {
		return fmt.Errorf("toolkit: verification email requires a signed-in user")
	}
	return client.call(context, "sendOobCode", map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     user.IDToken,
	}, nil)
}

// SendPasswordResetEmail implements [identity.Credentials].
func (client *Client) SendPasswordResetEmail(context context.Context, email string) error {
	return client.call(context, "sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// # Phone

func (client *Client) sendCode(context context.Context, phone, challengeToken string) (string, error) {
	var response struct {
		SessionInfo string `json:"sessionInfo"`
	}
	err := client.call(context, "sendVerificationCode", map[string]any{
		"phoneNumber":    phone,
		"recaptchaToken": challengeToken,
	}, &response)
	if err != nil {
		return "", err
	}
	return response.SessionInfo, nil
}

// BeginPhoneSignIn implements [identity.Phones].
func (client *Client) BeginPhoneSignIn(context context.Context, phone, challengeToken string) (*identity.Confirmation, error) {
	sessionInfo, err := client.sendCode(context, phone, challengeToken)
	if err != nil {
		return nil, err
	}
	return &identity.Confirmation{ID: sessionInfo, Phone: phone}, nil
}

// LinkPhone implements [identity.Phones]. The user's id token is captured now
// and presented again at confirmation.
func (client *Client) LinkPhone(context context.Context, user *identity.User, phone, challengeToken string) (*identity.Confirmation, error) {
	if user == nil || user.IDToken == "" {
		return nil, identity.NewError(identity.CodeRequiresRecentLogin, "link requires a signed-in user")
	}

	sessionInfo, err := client.sendCode(context, phone, challengeToken)
	if err != nil {
		return nil, err
	}

	client.mu.Lock()
	client.links[sessionInfo] = user.IDToken
	client.mu.Unlock()

	return &identity.Confirmation{ID: sessionInfo, Phone: phone, LinkSubject: user.SubjectID}, nil
}

// Confirm implements [identity.Phones]. The confirmed user becomes current.
func (client *Client) Confirm(context context.Context, confirmation *identity.Confirmation, code string) (*identity.User, error) {
	payload := map[string]any{
		"sessionInfo": confirmation.ID,
		"code":        code,
	}

	if confirmation.Linking() {
		client.mu.Lock()
		idToken, found := client.links[confirmation.ID]
		client.mu.Unlock()
		if !found {
			return nil, identity.NewError(identity.CodeCodeExpired, "unknown link session")
		}
		payload["idToken"] = idToken
	}

	var response authResponse
	if err := client.call(context, "signInWithPhoneNumber", payload, &response); err != nil {
		return nil, err
	}

	client.mu.Lock()
	delete(client.links, confirmation.ID)
	client.mu.Unlock()

	user, err := client.lookup(context, response.IDToken)
	if err != nil {
		return nil, err
	}
	client.setCurrent(user)
	return user, nil
}
