// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/taibuivan/passage/internal/platform/database/schema"
	"github.com/taibuivan/passage/internal/platform/dberr"
	"github.com/taibuivan/passage/internal/platform/migration"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

var liteProfile = schema.UserProfile.InTable("profile")

// SQLiteStore implements [Store] on an embedded SQLite database. It backs
// single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates db and returns a store over it.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if err := migration.RunUpSQLite(db, sqliteMigrations, "migrations/sqlite", logger); err != nil {
		return nil, fmt.Errorf("sqlite_profile_migrate_failed: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (store *SQLiteStore) findBy(context context.Context, column, value string) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? ORDER BY %s LIMIT 1`,
		liteProfile.Document, liteProfile.Table, column, liteProfile.CreatedAt)

	var document string
	if err := store.db.QueryRowContext(context, query, value).Scan(&document); err != nil {
		return nil, dberr.Wrap(err, "Profile")
	}
	return decodeDocument([]byte(document))
}

// FindBySubject implements [Store].
func (store *SQLiteStore) FindBySubject(context context.Context, subjectID string) (*Record, error) {
	return store.findBy(context, liteProfile.SubjectID, subjectID)
}

// FindByPhone implements [Store].
func (store *SQLiteStore) FindByPhone(context context.Context, phone string) (*Record, error) {
	return store.findBy(context, liteProfile.PhoneKey, phone)
}

// FindByEmail implements [Store].
func (store *SQLiteStore) FindByEmail(context context.Context, emailKey string) (*Record, error) {
	return store.findBy(context, liteProfile.EmailKey, emailKey)
}

// FindByUsername implements [Store].
func (store *SQLiteStore) FindByUsername(context context.Context, usernameKey string) (*Record, error) {
	return store.findBy(context, liteProfile.UsernameKey, usernameKey)
}

// Insert implements [Store].
func (store *SQLiteStore) Insert(context context.Context, record *Record) error {
	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sqlite_profile_encode_failed: %w", err)
	}
	keys := record.Keys()

	query := fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		liteProfile.Table,
		liteProfile.ID, liteProfile.SubjectID, liteProfile.UsernameKey, liteProfile.PhoneKey,
		liteProfile.EmailKey, liteProfile.Document, liteProfile.CreatedAt, liteProfile.UpdatedAt,
	)

	_, err = store.db.ExecContext(context, query,
		record.ID,
		keys.SubjectID,
		nullable(keys.Username),
		nullable(keys.Phone),
		nullable(keys.Email),
		string(document),
		record.CreatedAt,
		record.UpdatedAt,
	)
	return dberr.Wrap(err, "Profile")
}

// Update implements [Store].
func (store *SQLiteStore) Update(context context.Context, record *Record) error {
	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sqlite_profile_encode_failed: %w", err)
	}
	keys := record.Keys()

	query := fmt.Sprintf(`UPDATE %s
		SET %s = ?, %s = ?, %s = ?, %s = ?, %s = ?, %s = ?
		WHERE %s = ?`,
		liteProfile.Table,
		liteProfile.SubjectID, liteProfile.UsernameKey, liteProfile.PhoneKey,
		liteProfile.EmailKey, liteProfile.Document, liteProfile.UpdatedAt,
		liteProfile.ID,
	)

	result, err := store.db.ExecContext(context, query,
		keys.SubjectID,
		nullable(keys.Username),
		nullable(keys.Phone),
		nullable(keys.Email),
		string(document),
		record.UpdatedAt,
		record.ID,
	)
	if err != nil {
		return dberr.Wrap(err, "Profile")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return dberr.Wrap(sql.ErrNoRows, "Profile")
	}
	return nil
}

// Ping implements [Store].
func (store *SQLiteStore) Ping(context context.Context) error {
	return store.db.PingContext(context)
}
