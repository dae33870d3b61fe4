// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile

import (
	"maps"
	"slices"

	"github.com/taibuivan/passage/pkg/pointer"
)

// Merge applies patch over base group by group and returns the result.
//
// Within a group every present field in the update wins and absent fields keep
// their base value. Provider and previous-subject lists merge by set union,
// keyed maps (handles, calculations, extras) merge by key union. ID and
// CreatedAt always come from base. Merge never touches UpdatedAt.
func Merge(base Record, patch Patch) Record {
	merged := base

	if patch.Account != nil {
		merged.Account = mergeAccount(base.Account, *patch.Account)
	}
	if patch.Basic != nil {
		merged.Basic = mergeBasic(base.Basic, *patch.Basic)
	}
	if patch.Contact != nil {
		merged.Contact = mergeContact(base.Contact, *patch.Contact)
	}
	if patch.About != nil {
		merged.About = mergeAbout(base.About, *patch.About)
	}
	if patch.Education != nil {
		merged.Education = mergeEducation(base.Education, *patch.Education)
	}
	merged.Extras = unionMap(base.Extras, patch.Extras)

	return merged
}

func mergeAccount(base, update Account) Account {
	return Account{
		SubjectID:        pointer.Coalesce(base.SubjectID, update.SubjectID),
		Username:         pointer.Coalesce(base.Username, update.Username),
		DisplayName:      pointer.Coalesce(base.DisplayName, update.DisplayName),
		Providers:        unionList(base.Providers, update.Providers),
		LastSignInAt:     pointer.Coalesce(base.LastSignInAt, update.LastSignInAt),
		EmailVerified:    pointer.Coalesce(base.EmailVerified, update.EmailVerified),
		PhoneVerified:    pointer.Coalesce(base.PhoneVerified, update.PhoneVerified),
		PreviousSubjects: unionList(base.PreviousSubjects, update.PreviousSubjects),
	}
}

func mergeBasic(base, update Basic) Basic {
	return Basic{
		FirstName:    pointer.Coalesce(base.FirstName, update.FirstName),
		LastName:     pointer.Coalesce(base.LastName, update.LastName),
		GuardianName: pointer.Coalesce(base.GuardianName, update.GuardianName),
		Gender:       pointer.Coalesce(base.Gender, update.Gender),
		DateOfBirth:  pointer.Coalesce(base.DateOfBirth, update.DateOfBirth),
	}
}

func mergeContact(base, update Contact) Contact {
	return Contact{
		Email:          pointer.Coalesce(base.Email, update.Email),
		Phone:          pointer.Coalesce(base.Phone, update.Phone),
		AlternatePhone: pointer.Coalesce(base.AlternatePhone, update.AlternatePhone),
		AddressLine1:   pointer.Coalesce(base.AddressLine1, update.AddressLine1),
		AddressLine2:   pointer.Coalesce(base.AddressLine2, update.AddressLine2),
		City:           pointer.Coalesce(base.City, update.City),
		State:          pointer.Coalesce(base.State, update.State),
		PostalCode:     pointer.Coalesce(base.PostalCode, update.PostalCode),
		Country:        pointer.Coalesce(base.Country, update.Country),
	}
}

func mergeAbout(base, update About) About {
	interests := base.Interests
	if update.Interests != nil {
		interests = update.Interests
	}
	return About{
		Bio:            pointer.Coalesce(base.Bio, update.Bio),
		Interests:      interests,
		Handles:        unionMap(base.Handles, update.Handles),
		Newsletter:     pointer.Coalesce(base.Newsletter, update.Newsletter),
		ProductUpdates: pointer.Coalesce(base.ProductUpdates, update.ProductUpdates),
	}
}

func mergeEducation(base, update Education) Education {
	return Education{
		Stage:        pointer.Coalesce(base.Stage, update.Stage),
		Grade:        pointer.Coalesce(base.Grade, update.Grade),
		Board:        pointer.Coalesce(base.Board, update.Board),
		Institution:  pointer.Coalesce(base.Institution, update.Institution),
		Stream:       pointer.Coalesce(base.Stream, update.Stream),
		Calculations: unionMap(base.Calculations, update.Calculations),
	}
}

// unionList appends the items of update missing from base. base is returned
// as-is when nothing is added.
func unionList(base, update []string) []string {
	var merged []string
	for _, item := range update {
		if slices.Contains(base, item) || slices.Contains(merged, item) {
			continue
		}
		merged = append(merged, item)
	}
	if len(merged) == 0 {
		return base
	}
	return append(slices.Clone(base), merged...)
}

// unionMap overlays update on a copy of base. base is returned as-is when
// update is empty.
func unionMap[V any](base, update map[string]V) map[string]V {
	if len(update) == 0 {
		return base
	}
	merged := make(map[string]V, len(base)+len(update))
	maps.Copy(merged, base)
	maps.Copy(merged, update)
	return merged
}
