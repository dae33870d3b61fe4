// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package ratelimit implements the sliding-window attempt limiter that guards
authentication actions (sign-in, sign-up, verification resends, password reset,
username probing).

# Algorithm

Every bucket keeps the ordered list of its attempt timestamps. A bucket is
limited when the number of timestamps newer than now-window reaches the
policy's MaxAttempts. Old timestamps are pruned lazily on read and by
[Limiter.RunJanitor]; pruning only bounds memory, it never changes a decision.

# Storage

Timestamps live behind the [Store] interface so they survive restarts and are
shared between surfaces. Counts are never cached: every decision is recomputed
from the full stored list.
*/
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Action names a rate-limited action class.
type Action string

const (
	ActionSignIn        Action = "sign_in"
	ActionSignUp        Action = "sign_up"
	ActionEmailResend   Action = "email_resend"
	ActionPasswordReset Action = "password_reset"
	ActionPhoneResend   Action = "phone_resend"
	ActionUsernameCheck Action = "username_check"
)

// ErrUnknownAction is returned for a bucket whose action has no configured policy.
var ErrUnknownAction = errors.New("ratelimit: no policy for action")

// Policy is the attempt budget of one action class.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// Policies maps every action class to its budget.
type Policies map[Action]Policy

// DefaultPolicies returns the stock budgets.
func DefaultPolicies() Policies {
	return Policies{
		ActionSignIn:        {MaxAttempts: 5, Window: 15 * time.Minute},
		ActionSignUp:        {MaxAttempts: 3, Window: time.Hour},
		ActionEmailResend:   {MaxAttempts: 5, Window: time.Hour},
		ActionPasswordReset: {MaxAttempts: 3, Window: 24 * time.Hour},
		ActionPhoneResend:   {MaxAttempts: 5, Window: time.Hour},
		ActionUsernameCheck: {MaxAttempts: 30, Window: time.Minute},
	}
}

// Bucket identifies one attempt window: an action class plus the subject it
// is counted against (an identifier, a phone number, an IP).
type Bucket struct {
	Action Action
	Key    string
}

// NewBucket builds a bucket. The key is lower-cased so "Alice@x.io" and
// "alice@x.io" share a window.
func NewBucket(action Action, key string) Bucket {
	return Bucket{Action: action, Key: strings.ToLower(strings.TrimSpace(key))}
}

// String renders the storage id of the bucket.
func (bucket Bucket) String() string {
	return string(bucket.Action) + "|" + bucket.Key
}

// ParseBucket is the inverse of [Bucket.String].
func ParseBucket(id string) (Bucket, bool) {
	action, key, found := strings.Cut(id, "|")
	if !found || action == "" {
		return Bucket{}, false
	}
	return Bucket{Action: Action(action), Key: key}, true
}

// # Limiter

// Limiter answers rate-limit questions for every configured action class.
type Limiter struct {
	store    Store
	policies Policies
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a limiter over store.
//
// # Parameters
//   - store: Where timestamps are kept.
//   - policies: Budget per action class.
//   - now: Clock; nil means [time.Now].
//   - logger: nil means [slog.Default].
func New(store Store, policies Policies, now func() time.Time, logger *slog.Logger) *Limiter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, policies: policies, now: now, logger: logger}
}

// Policy returns the budget configured for action.
func (limiter *Limiter) Policy(action Action) (Policy, error) {
	policy, found := limiter.policies[action]
	if !found {
		return Policy{}, fmt.Errorf("%w %q", ErrUnknownAction, action)
	}
	return policy, nil
}

// window loads the in-window timestamps of a bucket, oldest first.
func (limiter *Limiter) window(context context.Context, bucket Bucket) ([]time.Time, Policy, time.Time, error) {
	policy, err := limiter.Policy(bucket.Action)
	if err != nil {
		return nil, Policy{}, time.Time{}, err
	}

	currentTime := limiter.now()
	cutoff := currentTime.Add(-policy.Window)

	attempts, err := limiter.store.Load(context, bucket.String())
	if err != nil {
		return nil, Policy{}, time.Time{}, fmt.Errorf("ratelimit_load_failed: %w", err)
	}

	inWindow := make([]time.Time, 0, len(attempts))
	for _, attempt := range attempts {
		if attempt.After(cutoff) {
			inWindow = append(inWindow, attempt)
		}
	}

	// Opportunistic pruning; failure is harmless because reads filter anyway.
	if len(inWindow) < len(attempts) {
		if err := limiter.store.Prune(context, bucket.String(), cutoff); err != nil {
			limiter.logger.DebugContext(context, "ratelimit_prune_failed",
				slog.String("bucket", bucket.String()),
				slog.Any("error", err),
			)
		}
	}

	return inWindow, policy, currentTime, nil
}

// IsLimited reports whether the bucket has used up its budget.
func (limiter *Limiter) IsLimited(context context.Context, bucket Bucket) (bool, error) {
	attempts, policy, _, err := limiter.window(context, bucket)
	if err != nil {
		return false, err
	}
	return len(attempts) >= policy.MaxAttempts, nil
}

// RecordAttempt appends the current time to the bucket.
func (limiter *Limiter) RecordAttempt(context context.Context, bucket Bucket) error {
	policy, err := limiter.Policy(bucket.Action)
	if err != nil {
		return err
	}
	if err := limiter.store.Append(context, bucket.String(), limiter.now(), policy.Window); err != nil {
		return fmt.Errorf("ratelimit_record_failed: %w", err)
	}
	return nil
}

// Remaining returns how many attempts the bucket may still make in the current window.
func (limiter *Limiter) Remaining(context context.Context, bucket Bucket) (int, error) {
	attempts, policy, _, err := limiter.window(context, bucket)
	if err != nil {
		return 0, err
	}
	return max(policy.MaxAttempts-len(attempts), 0), nil
}

// ResetIn returns the time until the oldest in-window attempt leaves the window.
// It is zero when the bucket holds no attempts.
func (limiter *Limiter) ResetIn(context context.Context, bucket Bucket) (time.Duration, error) {
	attempts, policy, currentTime, err := limiter.window(context, bucket)
	if err != nil {
		return 0, err
	}
	if len(attempts) == 0 {
		return 0, nil
	}
	return max(attempts[0].Add(policy.Window).Sub(currentTime), 0), nil
}

// Reset forgets every attempt of the bucket.
func (limiter *Limiter) Reset(context context.Context, bucket Bucket) error {
	if err := limiter.store.Delete(context, bucket.String()); err != nil {
		return fmt.Errorf("ratelimit_reset_failed: %w", err)
	}
	return nil
}

// Allow checks the bucket and, when it is not limited, records the attempt.
//
// When limited it returns false and the time until the window frees up; the
// rejected attempt is not recorded.
func (limiter *Limiter) Allow(context context.Context, bucket Bucket) (bool, time.Duration, error) {
	limited, err := limiter.IsLimited(context, bucket)
	if err != nil {
		return false, 0, err
	}
	if limited {
		resetIn, err := limiter.ResetIn(context, bucket)
		return false, resetIn, err
	}
	return true, 0, limiter.RecordAttempt(context, bucket)
}

// # Janitor

// RunJanitor prunes stale timestamps from every bucket on each tick until the
// context is cancelled.
func (limiter *Limiter) RunJanitor(context context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := limiter.Sweep(context); err != nil {
				limiter.logger.WarnContext(context, "ratelimit_sweep_failed", slog.Any("error", err))
			}
		case <-context.Done():
			return
		}
	}
}

// Sweep prunes every stored bucket once and deletes the empty ones.
func (limiter *Limiter) Sweep(context context.Context) error {
	ids, err := limiter.store.Buckets(context)
	if err != nil {
		return fmt.Errorf("ratelimit_sweep_list_failed: %w", err)
	}

	currentTime := limiter.now()
	for _, id := range ids {
		bucket, ok := ParseBucket(id)
		if !ok {
			continue
		}
		policy, found := limiter.policies[bucket.Action]
		if !found {
			continue
		}
		if err := limiter.store.Prune(context, id, currentTime.Add(-policy.Window)); err != nil {
			return fmt.Errorf("ratelimit_sweep_prune_failed: %w", err)
		}
	}
	return nil
}
