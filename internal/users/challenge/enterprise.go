// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package challenge

import (
	"context"
	"errors"
)

// SDK is the invisible challenge engine. Ready is probed before every use;
// an absent or unloaded SDK is reported as unavailable, never as a panic.
type SDK interface {
	Ready() bool
	Execute(context context.Context, action string) (string, error)
}

// Enterprise acquires tokens from an [SDK].
type Enterprise struct {
	sdk SDK
}

// NewEnterprise wraps sdk. A nil sdk is allowed and is always unavailable.
func NewEnterprise(sdk SDK) *Enterprise {
	return &Enterprise{sdk: sdk}
}

// AcquireToken implements [Provider].
func (enterprise *Enterprise) AcquireToken(context context.Context, action string) (string, error) {
	if enterprise.sdk == nil || !enterprise.sdk.Ready() {
		return "", &Error{Kind: KindUnavailable}
	}

	token, err := enterprise.sdk.Execute(context, action)
	if err != nil {
		return "", classify(err)
	}
	if token == "" {
		return "", &Error{Kind: KindUnknown, Err: errors.New("empty token")}
	}
	return token, nil
}

// StaticSDK answers with a preconfigured token. It stands in for the browser
// SDK in the terminal client, where tokens are provisioned out of band.
type StaticSDK struct {
	Token string
}

// Ready implements [SDK].
func (sdk StaticSDK) Ready() bool { return sdk.Token != "" }

// Execute implements [SDK].
func (sdk StaticSDK) Execute(context.Context, string) (string, error) { return sdk.Token, nil }
