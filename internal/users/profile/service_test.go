// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/sec"
	"github.com/taibuivan/passage/internal/platform/sqlite"
	"github.com/taibuivan/passage/internal/users/profile"
	"github.com/taibuivan/passage/pkg/pointer"
)

type fakeClock struct {
	current time.Time
}

func (clock *fakeClock) Now() time.Time { return clock.current }

func (clock *fakeClock) Advance(d time.Duration) { clock.current = clock.current.Add(d) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T) *profile.SQLiteStore {
	t.Helper()

	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "profiles.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := profile.NewSQLiteStore(db, quietLogger())
	require.NoError(t, err)
	return store
}

func newService(t *testing.T) (*profile.Service, *profile.SQLiteStore, *fakeClock) {
	t.Helper()

	clock := &fakeClock{current: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := newSQLiteStore(t)
	return profile.NewService(store, clock.Now, quietLogger()), store, clock
}

/* Func TestService_CreatesThenMerges */
func TestService_CreatesThenMerges(t *testing.T) {
	service, _, clock := newService(t)
	ctx := context.Background()
	identity := &sec.IdentityClaims{SubjectID: "subject-1", Email: "Ana@Example.com", EmailVerified: true, Name: "Ana", Provider: "password"}

	created, err := service.Upsert(ctx, identity, map[string]any{"username": "AnaR"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "subject-1", pointer.Val(created.Account.SubjectID))
	assert.Equal(t, "Ana", pointer.Val(created.Account.DisplayName))
	assert.Equal(t, "Ana@Example.com", pointer.Val(created.Contact.Email))
	assert.True(t, pointer.Val(created.Account.EmailVerified))
	assert.Equal(t, []string{"password"}, created.Account.Providers)
	assert.Equal(t, clock.Now(), created.CreatedAt)

	clock.Advance(time.Hour)
	merged, err := service.Upsert(ctx, identity, map[string]any{"basic": map[string]any{"gender": "f"}})
	require.NoError(t, err)

	assert.Equal(t, created.ID, merged.ID)
	assert.Equal(t, created.CreatedAt, merged.CreatedAt)
	assert.Equal(t, clock.Now(), merged.UpdatedAt)
	assert.Equal(t, "AnaR", pointer.Val(merged.Account.Username))
	assert.Equal(t, "f", pointer.Val(merged.Basic.Gender))
}

/* Func TestService_ReplayIsNoop */
func TestService_ReplayIsNoop(t *testing.T) {
	service, _, clock := newService(t)
	ctx := context.Background()
	identity := &sec.IdentityClaims{SubjectID: "subject-1", Phone: "+919876543210", Provider: "phone"}
	payload := map[string]any{"contact": map[string]any{"phone": "+919876543210"}}

	first, err := service.Upsert(ctx, identity, payload)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := service.Upsert(ctx, identity, payload)
	require.NoError(t, err)

	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, first.ID, second.ID)
}

/* Func TestService_LookupOrder */
func TestService_LookupOrder(t *testing.T) {
	service, _, _ := newService(t)
	ctx := context.Background()

	byPhone, err := service.Upsert(ctx, &sec.IdentityClaims{SubjectID: "phone-subject", Phone: "+919876543210"}, nil)
	require.NoError(t, err)
	byEmail, err := service.Upsert(ctx, &sec.IdentityClaims{SubjectID: "email-subject", Email: "ana@example.com", EmailVerified: true}, nil)
	require.NoError(t, err)

	// A new subject carrying the phone lands on that record and re-keys it.
	identity := &sec.IdentityClaims{SubjectID: "new-subject", Phone: "+919876543210"}
	record, err := service.Upsert(ctx, identity, nil)
	require.NoError(t, err)
	assert.Equal(t, byPhone.ID, record.ID)
	assert.Equal(t, "new-subject", pointer.Val(record.Account.SubjectID))
	assert.Equal(t, []string{"phone-subject"}, record.Account.PreviousSubjects)

	fetched, err := service.Fetch(ctx, &sec.IdentityClaims{SubjectID: "new-subject"})
	require.NoError(t, err)
	assert.Equal(t, byPhone.ID, fetched.ID)

	// Email matching is case-insensitive.
	fetched, err = service.Fetch(ctx, &sec.IdentityClaims{SubjectID: "unknown", Email: "Ana@EXAMPLE.com", EmailVerified: true})
	require.NoError(t, err)
	assert.Equal(t, byEmail.ID, fetched.ID)

	missing, err := service.Fetch(ctx, &sec.IdentityClaims{SubjectID: "nobody"})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

/* Func TestService_UnverifiedEmailCannotClaim */
func TestService_UnverifiedEmailCannotClaim(t *testing.T) {
	service, store, _ := newService(t)
	ctx := context.Background()

	owner := &sec.IdentityClaims{SubjectID: "phone-subject", Phone: "+919876543210", Provider: "phone"}
	_, err := service.Upsert(ctx, owner, map[string]any{
		"contact": map[string]any{"email": "owner@example.com", "address_line1": "12 Secret Rd"},
	})
	require.NoError(t, err)

	claimant := &sec.IdentityClaims{SubjectID: "other-subject", Email: "Owner@example.com", EmailVerified: false, Provider: "password"}

	fetched, err := service.Fetch(ctx, claimant)
	assert.True(t, apperr.HasCode(err, apperr.CodeForbidden))
	assert.Nil(t, fetched)

	_, err = service.Upsert(ctx, claimant, map[string]any{"display_name": "Mallory"})
	assert.True(t, apperr.HasCode(err, apperr.CodeForbidden))

	stored, err := store.FindByPhone(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, "phone-subject", pointer.Val(stored.Account.SubjectID))
	assert.Empty(t, stored.Account.PreviousSubjects)
	assert.Nil(t, stored.Account.DisplayName)

	// Once the address is verified the record moves to the new subject.
	claimant.EmailVerified = true
	record, err := service.Upsert(ctx, claimant, nil)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, record.ID)
	assert.Equal(t, []string{"phone-subject"}, record.Account.PreviousSubjects)
}

/* Func TestService_ReconfirmedPhoneKeepsOneRecord */
func TestService_ReconfirmedPhoneKeepsOneRecord(t *testing.T) {
	service, store, _ := newService(t)
	ctx := context.Background()
	identity := &sec.IdentityClaims{SubjectID: "subject-1", Phone: "+919876543210", Provider: "phone"}
	payload := map[string]any{"contact": map[string]any{"phone": "+919876543210"}}

	first, err := service.Upsert(ctx, identity, payload)
	require.NoError(t, err)
	_, err = service.Upsert(ctx, identity, payload)
	require.NoError(t, err)

	found, err := store.FindByPhone(ctx, "+919876543210")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	fetched, err := service.Fetch(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, first.ID, fetched.ID)
}

/* Func TestService_TokenFactsWin */
func TestService_TokenFactsWin(t *testing.T) {
	service, _, _ := newService(t)
	identity := &sec.IdentityClaims{SubjectID: "subject-1", Phone: "+919876543210"}

	record, err := service.Upsert(context.Background(), identity, map[string]any{
		"phone":          "+14155550100",
		"phone_verified": false,
		"email_verified": true,
	})
	require.NoError(t, err)

	assert.Equal(t, "+919876543210", pointer.Val(record.Contact.Phone))
	assert.True(t, pointer.Val(record.Account.PhoneVerified))
	assert.Nil(t, record.Account.EmailVerified)
}

/* Func TestService_ForbidsOtherSubject */
func TestService_ForbidsOtherSubject(t *testing.T) {
	service, _, _ := newService(t)

	_, err := service.Upsert(context.Background(), &sec.IdentityClaims{SubjectID: "subject-1"},
		map[string]any{"account": map[string]any{"subject_id": "subject-2"}})
	assert.True(t, apperr.HasCode(err, apperr.CodeForbidden))

	_, err = service.Upsert(context.Background(), nil, nil)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))
}

/* Func TestService_Usernames */
func TestService_Usernames(t *testing.T) {
	service, _, _ := newService(t)
	ctx := context.Background()

	_, err := service.Upsert(ctx, &sec.IdentityClaims{SubjectID: "subject-1", Email: "jdoe@example.com"},
		map[string]any{"username": "JDoe"})
	require.NoError(t, err)

	for _, username := range []string{"JDoe", "jdoe", "JDOE"} {
		email, err := service.ResolveUsername(ctx, username)
		require.NoError(t, err, username)
		assert.Equal(t, "jdoe@example.com", email)
	}

	_, err = service.ResolveUsername(ctx, "someone")
	assert.True(t, apperr.IsNotFound(err))

	available, err := service.UsernameAvailable(ctx, "jDOE")
	require.NoError(t, err)
	assert.False(t, available)

	available, err = service.UsernameAvailable(ctx, "fresh_name")
	require.NoError(t, err)
	assert.True(t, available)

	_, err = service.UsernameAvailable(ctx, "x")
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	// Another subject cannot take it in any casing; the holder can re-save it.
	_, err = service.Upsert(ctx, &sec.IdentityClaims{SubjectID: "subject-2"}, map[string]any{"username": "jdoe"})
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict))

	_, err = service.Upsert(ctx, &sec.IdentityClaims{SubjectID: "subject-1"}, map[string]any{"username": "jdoe"})
	assert.NoError(t, err)
}
