// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taibuivan/passage/internal/platform/apiclient"
	"github.com/taibuivan/passage/internal/platform/sec"
	"github.com/taibuivan/passage/internal/users/challenge"
	"github.com/taibuivan/passage/internal/users/flow"
	"github.com/taibuivan/passage/internal/users/identity"
	"github.com/taibuivan/passage/internal/users/identity/memory"
	"github.com/taibuivan/passage/internal/users/identity/toolkit"
	"github.com/taibuivan/passage/internal/users/phone"
	"github.com/taibuivan/passage/internal/users/profile"
	"github.com/taibuivan/passage/internal/users/ratelimit"
	"github.com/taibuivan/passage/internal/users/session"
)

// Issuer and audience of tokens minted by the in-process provider.
const (
	localIssuer   = "https://local.passage.invalid"
	localAudience = "passage-local"
)

// errNoAPI is returned by session commands when PASSAGE_API_URL is unset.
var errNoAPI = errors.New("authctl: PASSAGE_API_URL is required for this command")

type options struct {
	local bool
	// seed is "email:password" of a verified account created in local mode.
	seed string
}

// app holds everything one invocation needs.
type app struct {
	cfg  *Config
	term *terminal

	provider identity.Provider
	// local is the in-process provider, nil when talking to the hosted toolkit.
	local *memory.Provider

	profiles   *profile.Client
	sessions   *session.Client
	limiter    *ratelimit.Limiter
	challenges challenge.Provider

	now    func() time.Time
	logger *slog.Logger
}

func newApp(cfg *Config, term *terminal, opts options, logger *slog.Logger) (*app, error) {
	application := &app{
		cfg:     cfg,
		term:    term,
		limiter: ratelimit.New(ratelimit.NewFileStore(cfg.attemptsPath()), cfg.RateLimits.Policies(), time.Now, logger),
		now:     time.Now,
		logger:  logger,
	}

	challengeToken := cfg.ChallengeToken
	if opts.local {
		provider, err := newLocalProvider(opts.seed, logger)
		if err != nil {
			return nil, err
		}
		application.provider = provider
		application.local = provider
		if challengeToken == "" {
			challengeToken = "local"
		}
	} else {
		application.provider = toolkit.New(toolkit.Config{
			APIKey:  cfg.ToolkitAPIKey,
			BaseURL: cfg.ToolkitBaseURL,
		}, logger)
	}

	var sdk challenge.SDK
	if challengeToken != "" {
		sdk = challenge.StaticSDK{Token: challengeToken}
	}
	application.challenges = challenge.New(sdk, term.widgetFactory(), challenge.WidgetOptions{Logger: logger})

	if cfg.APIURL != "" {
		api := apiclient.New(cfg.APIURL, nil, logger)
		application.profiles = profile.NewClient(api)
		application.sessions = session.NewClient(api)
	}

	return application, nil
}

// newLocalProvider builds the in-process provider with an ephemeral signing key.
func newLocalProvider(seed string, logger *slog.Logger) (*memory.Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("authctl: failed to generate local signing key: %w", err)
	}
	minter := sec.NewIdentityMinter(key, localIssuer, localAudience, time.Hour, time.Now)
	provider := memory.New(minter, time.Now, logger)

	if seed == "" {
		return provider, nil
	}
	email, password, found := strings.Cut(seed, ":")
	if !found || email == "" || password == "" {
		return nil, errors.New("authctl: -seed must be email:password")
	}
	if err := provider.Seed(identity.User{Email: email, EmailVerified: true}, password); err != nil {
		return nil, fmt.Errorf("authctl: failed to seed local account: %w", err)
	}
	return provider, nil
}

// # Component configs

// Typed nil clients must not reach the interfaces below, or the components
// would call through them.

func (application *app) flowConfig() flow.Config {
	config := flow.Config{
		Credentials: application.provider,
		Limiter:     application.limiter,
		Now:         application.now,
		Logger:      application.logger,
		OnChange:    application.term.showFlow,
	}
	if application.profiles != nil {
		config.Profiles = application.profiles
	}
	if application.sessions != nil {
		config.Sessions = application.sessions
	}
	return config
}

func (application *app) phoneConfig() phone.Config {
	config := phone.Config{
		Provider:           application.provider,
		Challenges:         application.challenges,
		Limiter:            application.limiter,
		DefaultCallingCode: application.cfg.DefaultCallingCode,
		Now:                application.now,
		Logger:             application.logger,
		OnChange:           application.term.showPhone,
	}
	if application.profiles != nil {
		config.Profiles = application.profiles
	}
	return config
}

// # Session file

func (application *app) saveSession(issued *session.Issued) error {
	if issued == nil {
		return nil
	}

	data, err := json.MarshalIndent(issued, "", "  ")
	if err != nil {
		return fmt.Errorf("session_encode_failed: %w", err)
	}
	path := application.cfg.sessionPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("session_dir_failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("session_write_failed: %w", err)
	}
	return nil
}

func (application *app) loadSession() (*session.Issued, error) {
	data, err := os.ReadFile(application.cfg.sessionPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.New("authctl: not signed in")
	}
	if err != nil {
		return nil, fmt.Errorf("session_read_failed: %w", err)
	}

	var issued session.Issued
	if err := json.Unmarshal(data, &issued); err != nil {
		return nil, fmt.Errorf("session_decode_failed: %w", err)
	}
	return &issued, nil
}
