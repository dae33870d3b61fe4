// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"

	"github.com/taibuivan/passage/internal/platform/apperr"
	"github.com/taibuivan/passage/internal/platform/validate"
)

// Group names as they appear in grouped payloads.
const (
	GroupAccount   = "account"
	GroupBasic     = "basic"
	GroupContact   = "contact"
	GroupAbout     = "about"
	GroupEducation = "education"
	groupExtras    = "extras"
)

// Patch is a normalized partial update. A nil group is untouched.
type Patch struct {
	Account   *Account
	Basic     *Basic
	Contact   *Contact
	About     *About
	Education *Education
	Extras    map[string]any
}

// IsEmpty reports whether the patch touches nothing.
func (patch Patch) IsEmpty() bool {
	return patch.Account == nil && patch.Basic == nil && patch.Contact == nil &&
		patch.About == nil && patch.Education == nil && len(patch.Extras) == 0
}

// # Field catalogue

// spelling ranks competing keys for the same field; lower wins.
type spelling int

const (
	spellingCanonical spelling = iota
	spellingAlias
	spellingCamel
	// flat keys lose to the same field inside its group object.
	flatPenalty spelling = 3
)

type fieldRef struct {
	group string
	name  string
}

// serverOwned keys are silently dropped from client payloads.
var serverOwned = map[string]bool{
	"id":                true,
	"created_at":        true,
	"updated_at":        true,
	"previous_subjects": true,
}

// legacyAliases are older spellings still accepted on input.
var legacyAliases = map[string]string{
	"uid":          "subject_id",
	"phone_number": "phone",
	"dob":          "date_of_birth",
	"address1":     "address_line1",
	"address2":     "address_line2",
	"zip":          "postal_code",
}

var (
	groupTypes = map[string]reflect.Type{
		GroupAccount:   reflect.TypeOf(Account{}),
		GroupBasic:     reflect.TypeOf(Basic{}),
		GroupContact:   reflect.TypeOf(Contact{}),
		GroupAbout:     reflect.TypeOf(About{}),
		GroupEducation: reflect.TypeOf(Education{}),
	}

	// fieldGroups maps a canonical field name to its group.
	fieldGroups = buildFieldGroups()
)

func buildFieldGroups() map[string]string {
	fields := make(map[string]string)
	for group, groupType := range groupTypes {
		for i := 0; i < groupType.NumField(); i++ {
			name, _, _ := strings.Cut(groupType.Field(i).Tag.Get("json"), ",")
			fields[name] = group
		}
	}
	return fields
}

// camelToSnake turns "addressLine1" into "address_line1".
func camelToSnake(key string) string {
	var builder strings.Builder
	for i, r := range key {
		if unicode.IsUpper(r) {
			if i > 0 {
				builder.WriteByte('_')
			}
			builder.WriteRune(unicode.ToLower(r))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

// canonical resolves an input key to its canonical field name and spelling rank.
func canonical(key string) (string, spelling) {
	if _, known := fieldGroups[key]; known || serverOwned[key] {
		return key, spellingCanonical
	}
	if name, found := legacyAliases[key]; found {
		return name, spellingAlias
	}
	snake := camelToSnake(key)
	if name, found := legacyAliases[snake]; found {
		return name, spellingCamel
	}
	return snake, spellingCamel
}

// # Adapter

type candidate struct {
	value any
	rank  spelling
}

// collector gathers per-group field values, keeping the best-ranked spelling.
type collector struct {
	groups map[string]map[string]candidate
	extras map[string]any
	errs   []apperr.FieldError
}

func (collector *collector) put(ref fieldRef, value any, rank spelling) {
	fields := collector.groups[ref.group]
	if fields == nil {
		fields = make(map[string]candidate)
		collector.groups[ref.group] = fields
	}
	if existing, found := fields[ref.name]; found && existing.rank <= rank {
		return
	}
	fields[ref.name] = candidate{value: value, rank: rank}
}

func (collector *collector) reject(field, message string) {
	collector.errs = append(collector.errs, apperr.FieldError{Field: field, Message: message})
}

/*
Adapt normalizes a client payload into a [Patch].

The payload may be flat ({"display_name": ...}) or grouped
({"account": {"display_name": ...}}), and each field may be spelled in
snake_case or camelCase. When several spellings of one field are present the
snake_case spelling wins, and a value inside its group object wins over a flat
one. Server-owned keys (id, timestamps) are dropped. Unrecognized top-level
scalars pass through into Extras unchanged.

Returns:
  - Patch: The normalized update
  - error: apperr.ValidationError listing every offending field
*/
func Adapt(payload map[string]any) (Patch, error) {
	collector := &collector{
		groups: make(map[string]map[string]candidate),
		extras: make(map[string]any),
	}

	// Sorted iteration makes equal-rank ties deterministic.
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		value := payload[key]

		if _, isGroup := groupTypes[key]; isGroup {
			nested, ok := value.(map[string]any)
			if !ok {
				if value != nil {
					collector.reject(key, "Must be an object")
				}
				continue
			}
			collectGroup(collector, key, nested)
			continue
		}

		if key == groupExtras {
			nested, ok := value.(map[string]any)
			if !ok {
				if value != nil {
					collector.reject(key, "Must be an object")
				}
				continue
			}
			for extraKey, extraValue := range nested {
				collector.extras[extraKey] = extraValue
			}
			continue
		}

		name, rank := canonical(key)
		if serverOwned[name] {
			continue
		}
		if group, known := fieldGroups[name]; known {
			collector.put(fieldRef{group: group, name: name}, value, rank+flatPenalty)
			continue
		}

		switch value.(type) {
		case map[string]any, []any:
			collector.reject(key, "Unknown field")
		default:
			// Explicit extras win over pass-through scalars.
			if _, taken := collector.extras[key]; !taken {
				collector.extras[key] = value
			}
		}
	}

	patch, err := collector.decode()
	if err != nil {
		return Patch{}, err
	}
	if err := patch.validate(); err != nil {
		return Patch{}, err
	}
	return patch, nil
}

func collectGroup(collector *collector, group string, fields map[string]any) {
	for key, value := range fields {
		name, rank := canonical(key)
		if serverOwned[name] {
			continue
		}
		if fieldGroups[name] != group {
			collector.reject(group+"."+key, "Unknown field")
			continue
		}
		collector.put(fieldRef{group: group, name: name}, value, rank)
	}
}

// decode converts the collected maps into typed groups.
func (collector *collector) decode() (Patch, error) {
	var patch Patch

	targets := map[string]any{
		GroupAccount:   &patch.Account,
		GroupBasic:     &patch.Basic,
		GroupContact:   &patch.Contact,
		GroupAbout:     &patch.About,
		GroupEducation: &patch.Education,
	}

	for group, fields := range collector.groups {
		raw := make(map[string]any, len(fields))
		for name, candidate := range fields {
			raw[name] = candidate.value
		}
		if err := decodeGroup(raw, targets[group]); err != nil {
			collector.reject(group, err.Error())
		}
	}

	if len(collector.extras) > 0 {
		patch.Extras = collector.extras
	}

	if len(collector.errs) > 0 {
		slices.SortFunc(collector.errs, func(a, b apperr.FieldError) int { return strings.Compare(a.Field, b.Field) })
		return Patch{}, apperr.ValidationError("Invalid profile payload", collector.errs...)
	}
	return patch, nil
}

// decodeGroup decodes raw into a freshly allocated group behind target
// (a pointer to a group pointer).
func decodeGroup(raw map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeHookFunc(time.RFC3339),
		Result:      target,
	})
	if err != nil {
		return fmt.Errorf("profile_decoder_init_failed: %w", err)
	}
	return decoder.Decode(raw)
}

// validate checks the formats of fields that feed lookups.
func (patch Patch) validate() error {
	validator := new(validate.Validator)

	if patch.Account != nil && patch.Account.Username != nil {
		validator.Username("account.username", *patch.Account.Username)
	}
	if patch.Contact != nil {
		if patch.Contact.Email != nil && *patch.Contact.Email != "" {
			validator.Email("contact.email", *patch.Contact.Email)
		}
		if patch.Contact.Phone != nil {
			validator.Phone("contact.phone", *patch.Contact.Phone)
		}
		if patch.Contact.AlternatePhone != nil && *patch.Contact.AlternatePhone != "" {
			validator.Phone("contact.alternate_phone", *patch.Contact.AlternatePhone)
		}
	}
	if patch.Basic != nil && patch.Basic.DateOfBirth != nil {
		_, err := time.Parse(time.DateOnly, *patch.Basic.DateOfBirth)
		validator.Custom("basic.date_of_birth", err != nil, "Must be a date in YYYY-MM-DD format")
	}

	return validator.Err()
}
