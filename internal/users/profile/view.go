// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile

import (
	"encoding/json"
	"fmt"
	"maps"
)

// internalKeys never leave the service in the flat view.
var internalKeys = []string{"subject_id", "previous_subjects"}

// Flatten projects a record into a single snake_case object for external
// consumers. Group boundaries, internal ids and subject aliases are dropped;
// extras fill in only keys no group field uses.
func Flatten(record *Record) (map[string]any, error) {
	if record == nil {
		return nil, nil
	}

	flat := make(map[string]any)
	groups := []any{record.Account, record.Basic, record.Contact, record.About, record.Education}
	for _, group := range groups {
		fields, err := toMap(group)
		if err != nil {
			return nil, err
		}
		maps.Copy(flat, fields)
	}

	for _, key := range internalKeys {
		delete(flat, key)
	}
	for key, value := range record.Extras {
		if _, taken := flat[key]; !taken {
			flat[key] = value
		}
	}

	flat["created_at"] = record.CreatedAt
	flat["updated_at"] = record.UpdatedAt
	return flat, nil
}

func toMap(group any) (map[string]any, error) {
	encoded, err := json.Marshal(group)
	if err != nil {
		return nil, fmt.Errorf("profile_flatten_failed: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("profile_flatten_failed: %w", err)
	}
	return fields, nil
}
