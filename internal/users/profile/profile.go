// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package profile owns the canonical profile record and its reconciliation.

# Record

One [Record] exists per subject. Its attributes are partitioned into five
independently mergeable groups ([Account], [Basic], [Contact], [About],
[Education]) plus free-form [Record.Extras]. Every attribute is optional, so a
partial update carries only the fields it touches.

# Lookup

An existing record is located by, in order: subject id, phone (exact) and email
(case-insensitive). The first match wins. A record found through phone or email
under a different subject is re-keyed to the caller's subject and the old one is
remembered in [Account.PreviousSubjects].
*/
package profile

import (
	"context"
	"time"

	"golang.org/x/text/cases"
)

// Record is the canonical, grouped profile of one subject.
type Record struct {
	ID        string         `json:"id"`
	Account   Account        `json:"account"`
	Basic     Basic          `json:"basic"`
	Contact   Contact        `json:"contact"`
	About     About          `json:"about"`
	Education Education      `json:"education"`
	Extras    map[string]any `json:"extras,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Account holds identity linkage and session metadata.
type Account struct {
	SubjectID        *string    `json:"subject_id,omitempty"`
	Username         *string    `json:"username,omitempty"`
	DisplayName      *string    `json:"display_name,omitempty"`
	Providers        []string   `json:"providers,omitempty"`
	LastSignInAt     *time.Time `json:"last_sign_in_at,omitempty"`
	EmailVerified    *bool      `json:"email_verified,omitempty"`
	PhoneVerified    *bool      `json:"phone_verified,omitempty"`
	PreviousSubjects []string   `json:"previous_subjects,omitempty"`
}

// Basic holds personal details.
type Basic struct {
	FirstName    *string `json:"first_name,omitempty"`
	LastName     *string `json:"last_name,omitempty"`
	GuardianName *string `json:"guardian_name,omitempty"`
	Gender       *string `json:"gender,omitempty"`
	// DateOfBirth is a calendar date, YYYY-MM-DD.
	DateOfBirth *string `json:"date_of_birth,omitempty"`
}

// Contact holds reachability details.
type Contact struct {
	Email          *string `json:"email,omitempty"`
	Phone          *string `json:"phone,omitempty"`
	AlternatePhone *string `json:"alternate_phone,omitempty"`
	AddressLine1   *string `json:"address_line1,omitempty"`
	AddressLine2   *string `json:"address_line2,omitempty"`
	City           *string `json:"city,omitempty"`
	State          *string `json:"state,omitempty"`
	PostalCode     *string `json:"postal_code,omitempty"`
	Country        *string `json:"country,omitempty"`
}

// About holds interests and preferences.
type About struct {
	Bio       *string  `json:"bio,omitempty"`
	Interests []string `json:"interests,omitempty"`
	// Handles maps a network name to the user's handle there.
	Handles        map[string]string `json:"handles,omitempty"`
	Newsletter     *bool             `json:"newsletter,omitempty"`
	ProductUpdates *bool             `json:"product_updates,omitempty"`
}

// Education holds the education-stage fields.
type Education struct {
	Stage       *string `json:"stage,omitempty"`
	Grade       *string `json:"grade,omitempty"`
	Board       *string `json:"board,omitempty"`
	Institution *string `json:"institution,omitempty"`
	Stream      *string `json:"stream,omitempty"`
	// Calculations are historical calculation sessions keyed by session id.
	Calculations map[string]any `json:"calculations,omitempty"`
}

// # Lookup keys

var folder = cases.Fold()

// FoldKey normalizes an email or username for case-insensitive matching.
func FoldKey(value string) string {
	return folder.String(value)
}

// Keys are the indexed lookup columns derived from a record.
type Keys struct {
	SubjectID string
	Username  string
	Phone     string
	Email     string
}

// Keys derives the record's lookup columns. Empty strings mean "not set".
func (record *Record) Keys() Keys {
	var keys Keys
	if record.Account.SubjectID != nil {
		keys.SubjectID = *record.Account.SubjectID
	}
	if record.Account.Username != nil {
		keys.Username = FoldKey(*record.Account.Username)
	}
	if record.Contact.Phone != nil {
		keys.Phone = *record.Contact.Phone
	}
	if record.Contact.Email != nil {
		keys.Email = FoldKey(*record.Contact.Email)
	}
	return keys
}

// # Storage contract

// Store persists records. Finders return an apperr NotFound error when nothing
// matches; keyed finders take values already folded with [FoldKey].
type Store interface {
	FindBySubject(context context.Context, subjectID string) (*Record, error)
	FindByPhone(context context.Context, phone string) (*Record, error)
	FindByEmail(context context.Context, emailKey string) (*Record, error)
	FindByUsername(context context.Context, usernameKey string) (*Record, error)
	Insert(context context.Context, record *Record) error
	Update(context context.Context, record *Record) error
	Ping(context context.Context) error
}
