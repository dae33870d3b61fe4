// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/ctxutil"
	"github.com/taibuivan/passage/internal/platform/sec"
	"github.com/taibuivan/passage/internal/platform/validate"
	"github.com/taibuivan/passage/pkg/pointer"
	"github.com/taibuivan/passage/pkg/uuid"
)

// maxUpsertAttempts bounds retries after losing an insert race.
const maxUpsertAttempts = 2

var errInsertRace = errors.New("profile: concurrent insert")

// Service reconciles identity facts and client edits into canonical records.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a profile service.
func NewService(store Store, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, now: now, logger: logger}
}

// loggerFor prefers the request-scoped logger.
func (service *Service) loggerFor(context context.Context) *slog.Logger {
	if logger := ctxutil.GetLogger(context); logger != slog.Default() {
		return logger
	}
	return service.logger
}

// # Upsert

/*
Upsert merges payload into the caller's record, creating it on first contact.

Identity facts come from the verified token, never from the payload: the
subject, the verified phone and the email with its verification flag. A payload
naming another subject is forbidden, as is an unverified email that matches
another subject's record. A username owned by another record is a conflict. Replaying the same payload leaves the record unchanged.

Returns:
  - *Record: The merged canonical record
  - error: ValidationError, Forbidden, Conflict or an internal store failure
*/
func (service *Service) Upsert(context context.Context, identity *sec.IdentityClaims, payload map[string]any) (*Record, error) {
	if identity == nil || identity.SubjectID == "" {
		return nil, apperr.Unauthorized("Authentication required")
	}

	patch, err := Adapt(payload)
	if err != nil {
		return nil, err
	}

	if patch.Account != nil && patch.Account.SubjectID != nil && *patch.Account.SubjectID != identity.SubjectID {
		return nil, apperr.Forbidden("You cannot modify another subject's profile")
	}
	patch = withIdentity(patch, identity)

	for attempt := 1; ; attempt++ {
		record, err := service.apply(context, identity, patch)
		if errors.Is(err, errInsertRace) && attempt < maxUpsertAttempts {
			continue
		}
		if errors.Is(err, errInsertRace) {
			return nil, apperr.Conflict("Profile was modified concurrently, please retry")
		}
		return record, err
	}
}

// withIdentity stamps the token's facts onto the patch.
func withIdentity(patch Patch, identity *sec.IdentityClaims) Patch {
	account := Account{}
	if patch.Account != nil {
		account = *patch.Account
	}
	account.SubjectID = pointer.To(identity.SubjectID)
	account.PreviousSubjects = nil
	// Verification flags are only ever taken from the token.
	account.EmailVerified = nil
	account.PhoneVerified = nil
	if identity.Provider != "" {
		account.Providers = unionList(account.Providers, []string{identity.Provider})
	}

	if identity.Email != "" || identity.Phone != "" {
		contact := Contact{}
		if patch.Contact != nil {
			contact = *patch.Contact
		}
		if identity.Email != "" {
			account.EmailVerified = pointer.To(identity.EmailVerified)
			if contact.Email == nil {
				contact.Email = pointer.To(identity.Email)
			}
		}
		if identity.Phone != "" {
			account.PhoneVerified = pointer.To(true)
			contact.Phone = pointer.To(identity.Phone)
		}
		patch.Contact = &contact
	}

	patch.Account = &account
	return patch
}

func (service *Service) apply(context context.Context, identity *sec.IdentityClaims, patch Patch) (*Record, error) {
	existing, err := service.lookup(context, identity)
	if err != nil {
		return nil, err
	}

	if err := service.checkUsername(context, existing, patch); err != nil {
		return nil, err
	}

	currentTime := service.now().UTC()

	if existing == nil {
		record := Merge(Record{ID: uuid.New(), CreatedAt: currentTime, UpdatedAt: currentTime}, patch)
		if record.Account.DisplayName == nil && identity.Name != "" {
			record.Account.DisplayName = pointer.To(identity.Name)
		}

		if err := service.store.Insert(context, &record); err != nil {
			if apperr.HasCode(err, apperr.CodeConflict) {
				return nil, errInsertRace
			}
			return nil, fmt.Errorf("profile_insert_failed: %w", err)
		}

		service.loggerFor(context).InfoContext(context, "profile_created",
			slog.String("profile_id", record.ID),
			slog.String("subject_id", identity.SubjectID),
		)
		return &record, nil
	}

	// Found through phone or email under another subject: re-key it.
	if previous := pointer.Val(existing.Account.SubjectID); previous != "" && previous != identity.SubjectID {
		patch.Account.PreviousSubjects = []string{previous}
		service.loggerFor(context).InfoContext(context, "profile_rekeyed",
			slog.String("profile_id", existing.ID),
			slog.String("previous_subject_id", previous),
			slog.String("subject_id", identity.SubjectID),
		)
	}

	merged := Merge(*existing, patch)
	if reflect.DeepEqual(merged, *existing) {
		return existing, nil
	}
	merged.UpdatedAt = currentTime

	if err := service.store.Update(context, &merged); err != nil {
		return nil, fmt.Errorf("profile_update_failed: %w", err)
	}

	service.loggerFor(context).InfoContext(context, "profile_upserted",
		slog.String("profile_id", merged.ID),
		slog.String("subject_id", identity.SubjectID),
	)
	return &merged, nil
}

// checkUsername rejects a username already held by a different record.
func (service *Service) checkUsername(context context.Context, existing *Record, patch Patch) error {
	if patch.Account == nil || patch.Account.Username == nil {
		return nil
	}

	holder, err := service.store.FindByUsername(context, FoldKey(*patch.Account.Username))
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("profile_username_check_failed: %w", err)
	}
	if existing != nil && holder.ID == existing.ID {
		return nil
	}
	return apperr.Conflict("Username is already taken")
}

// # Lookup

type finder func(context context.Context, key string) (*Record, error)

// lookup resolves the caller's record by subject, then phone, then email.
// It returns nil without error when nothing matches.
//
// Only verified facts may bind a record held by another subject. An unverified
// email that matches such a record is forbidden rather than ignored, so the
// caller cannot create a second record for the same address either.
func (service *Service) lookup(context context.Context, identity *sec.IdentityClaims) (*Record, error) {
	finders := []struct {
		key      string
		find     finder
		verified bool
	}{
		{identity.SubjectID, service.store.FindBySubject, true},
		{identity.Phone, service.store.FindByPhone, true},
		{FoldKey(identity.Email), service.store.FindByEmail, identity.EmailVerified},
	}

	for _, candidate := range finders {
		if candidate.key == "" {
			continue
		}
		record, err := candidate.find(context, candidate.key)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("profile_lookup_failed: %w", err)
		}

		owner := pointer.Val(record.Account.SubjectID)
		if !candidate.verified && owner != "" && owner != identity.SubjectID {
			service.loggerFor(context).WarnContext(context, "profile_unverified_claim_rejected",
				slog.String("profile_id", record.ID),
				slog.String("subject_id", identity.SubjectID),
			)
			return nil, apperr.Forbidden("Verify your email before using this profile")
		}
		return record, nil
	}
	return nil, nil
}

// Fetch returns the caller's record, or nil when none exists yet.
func (service *Service) Fetch(context context.Context, identity *sec.IdentityClaims) (*Record, error) {
	if identity == nil || identity.SubjectID == "" {
		return nil, apperr.Unauthorized("Authentication required")
	}
	return service.lookup(context, identity)
}

// # Usernames

// ResolveUsername returns the email registered for a username, case-insensitively.
func (service *Service) ResolveUsername(context context.Context, username string) (string, error) {
	if err := new(validate.Validator).Username("username", username).Err(); err != nil {
		return "", err
	}

	record, err := service.store.FindByUsername(context, FoldKey(username))
	if err != nil {
		if apperr.IsNotFound(err) {
			return "", apperr.NotFound("Username")
		}
		return "", fmt.Errorf("profile_resolve_username_failed: %w", err)
	}

	email := pointer.Val(record.Contact.Email)
	if email == "" {
		return "", apperr.NotFound("Username")
	}
	return email, nil
}

// UsernameAvailable reports whether no record holds username.
func (service *Service) UsernameAvailable(context context.Context, username string) (bool, error) {
	if err := new(validate.Validator).Username("username", username).Err(); err != nil {
		return false, err
	}

	_, err := service.store.FindByUsername(context, FoldKey(username))
	if apperr.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("profile_username_available_failed: %w", err)
	}
	return false, nil
}
