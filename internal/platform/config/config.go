// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values. A local '.env' file is
loaded first when present so development setups do not need exported variables.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis) via constructors.
  - Zero Hidden State: No global variables are used to store config.
*/
package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/taibuivan/passage/internal/users/ratelimit"
)

// Supported persistence drivers for the profile store.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// # Configuration Schema

// Config holds all runtime configuration for the Passage API server.
type Config struct {

	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// Profile store selection
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	// Relational Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL"`

	// MigrationPath is the filesystem path to the SQL migrations directory.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./data/migrations"`

	// Embedded database (SQLite), used when StoreDriver is "sqlite".
	SQLitePath string `env:"SQLITE_PATH" envDefault:"./data/passage.db"`

	// Key-Value Cache (Redis)
	RedisURL string `env:"REDIS_URL,required"`

	// Cryptographic keys for session signing
	JWTPrivKeyPath string `env:"JWT_PRIVATE_KEY_PATH,required"`
	JWTPubKeyPath  string `env:"JWT_PUBLIC_KEY_PATH,required"`

	// External identity provider tokens
	IdentityIssuer      string        `env:"IDENTITY_ISSUER,required"`
	IdentityAudience    string        `env:"IDENTITY_AUDIENCE,required"`
	IdentityMaxTokenAge time.Duration `env:"IDENTITY_MAX_TOKEN_AGE" envDefault:"1h"`

	// Cross-Origin Resource Sharing
	ExtraOrigins []string `env:"EXTRA_ORIGINS" envSeparator:","`

	// TrustedProxies lists the CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means clients are keyed on their peer address.
	TrustedProxies []netip.Prefix `env:"TRUSTED_PROXIES" envSeparator:","`

	// Sliding-window policies per action class
	RateLimits RateLimits
}

// RateLimits holds the attempt budget of every rate-limited action class.
//
// Values are policy, not mechanism: they are tuned per deployment.
type RateLimits struct {
	SignInMax           int           `env:"RATE_SIGN_IN_MAX"            envDefault:"5"`
	SignInWindow        time.Duration `env:"RATE_SIGN_IN_WINDOW"         envDefault:"15m"`
	SignUpMax           int           `env:"RATE_SIGN_UP_MAX"            envDefault:"3"`
	SignUpWindow        time.Duration `env:"RATE_SIGN_UP_WINDOW"         envDefault:"1h"`
	EmailResendMax      int           `env:"RATE_EMAIL_RESEND_MAX"       envDefault:"5"`
	EmailResendWindow   time.Duration `env:"RATE_EMAIL_RESEND_WINDOW"    envDefault:"1h"`
	PasswordResetMax    int           `env:"RATE_PASSWORD_RESET_MAX"     envDefault:"3"`
	PasswordResetWindow time.Duration `env:"RATE_PASSWORD_RESET_WINDOW"  envDefault:"24h"`
	PhoneResendMax      int           `env:"RATE_PHONE_RESEND_MAX"       envDefault:"5"`
	PhoneResendWindow   time.Duration `env:"RATE_PHONE_RESEND_WINDOW"    envDefault:"1h"`
	UsernameCheckMax    int           `env:"RATE_USERNAME_CHECK_MAX"     envDefault:"30"`
	UsernameCheckWindow time.Duration `env:"RATE_USERNAME_CHECK_WINDOW"  envDefault:"1m"`
}

// Policies maps the configured budgets onto limiter policies.
func (limits RateLimits) Policies() ratelimit.Policies {
	return ratelimit.Policies{
		ratelimit.ActionSignIn:        {MaxAttempts: limits.SignInMax, Window: limits.SignInWindow},
		ratelimit.ActionSignUp:        {MaxAttempts: limits.SignUpMax, Window: limits.SignUpWindow},
		ratelimit.ActionEmailResend:   {MaxAttempts: limits.EmailResendMax, Window: limits.EmailResendWindow},
		ratelimit.ActionPasswordReset: {MaxAttempts: limits.PasswordResetMax, Window: limits.PasswordResetWindow},
		ratelimit.ActionPhoneResend:   {MaxAttempts: limits.PhoneResendMax, Window: limits.PhoneResendWindow},
		ratelimit.ActionUsernameCheck: {MaxAttempts: limits.UsernameCheckMax, Window: limits.UsernameCheckWindow},
	}
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// A missing .env file is the normal case outside development.
	_ = godotenv.Load()

	// Initialize an empty config struct
	cfg := &Config{}

	// Use the 'env' package to map environment variables to struct fields.
	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate enforces cross-field rules the struct tags cannot express.
func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required when STORE_DRIVER=%s", StoreDriverSQLite)
		}
	default:
		return fmt.Errorf("config: unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowedOrigins returns the extra CORS origins accepted outside development.
func (c *Config) AllowedOrigins() []string {
	return c.ExtraOrigins
}
