// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/taibuivan/passage/internal/platform/config"
)

// Config holds the terminal client settings.
type Config struct {
	// Hosted identity toolkit. Unused with -local.
	ToolkitAPIKey  string `env:"TOOLKIT_API_KEY"`
	ToolkitBaseURL string `env:"TOOLKIT_BASE_URL"`

	// APIURL is the Passage API. Empty skips profile sync and sessions.
	APIURL string `env:"PASSAGE_API_URL"`

	// StateDir keeps attempt windows and the issued session between runs.
	StateDir string `env:"STATE_DIR" envDefault:".passage"`

	// ChallengeToken feeds the enterprise challenge SDK. Empty falls back to
	// pasting a token at the prompt.
	ChallengeToken string `env:"CHALLENGE_TOKEN"`

	DefaultCallingCode string `env:"DEFAULT_CALLING_CODE" envDefault:"91"`
	Debug              bool   `env:"DEBUG" envDefault:"false"`

	RateLimits config.RateLimits
}

// loadConfig parses the environment. A hosted toolkit key is required unless
// the in-process provider is used.
func loadConfig(local bool) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("authctl: failed to parse environment variables: %w", err)
	}
	if !local && cfg.ToolkitAPIKey == "" {
		return nil, errors.New("authctl: TOOLKIT_API_KEY is required without -local")
	}
	return cfg, nil
}

func (cfg *Config) attemptsPath() string {
	return filepath.Join(cfg.StateDir, "attempts.json")
}

func (cfg *Config) sessionPath() string {
	return filepath.Join(cfg.StateDir, "session.json")
}
