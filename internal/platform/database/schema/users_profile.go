// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package schema holds table and column names shared by the SQL stores.
package schema

// UserProfileTable represents the 'users.profile' table.
//
// Lookup keys (subject, folded username, phone, folded email) are real columns so
// they can be indexed; the attribute groups live in a single JSON document.
type UserProfileTable struct {
	Table       string
	ID          string
	SubjectID   string
	UsernameKey string
	PhoneKey    string
	EmailKey    string
	Document    string
	CreatedAt   string
	UpdatedAt   string
}

// UserProfile is the schema definition for users.profile
var UserProfile = UserProfileTable{
	Table:       "users.profile",
	ID:          "id",
	SubjectID:   "subjectid",
	UsernameKey: "usernamekey",
	PhoneKey:    "phonekey",
	EmailKey:    "emailkey",
	Document:    "document",
	CreatedAt:   "createdat",
	UpdatedAt:   "updatedat",
}

// InTable returns a copy of the definition pointing at another table name.
// SQLite has no schemas, so its store uses a bare "profile" table.
func (t UserProfileTable) InTable(name string) UserProfileTable {
	t.Table = name
	return t
}

// Columns returns all standard column names
func (t UserProfileTable) Columns() []string {
	return []string{
		t.ID, t.SubjectID, t.UsernameKey, t.PhoneKey, t.EmailKey,
		t.Document, t.CreatedAt, t.UpdatedAt,
	}
}
