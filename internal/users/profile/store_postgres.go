// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/passage/internal/platform/database/schema"
	"github.com/taibuivan/passage/internal/platform/dberr"
)

// PostgresStore implements [Store] on users.profile with pgx.
//
// The record is kept as a JSONB document; lookup keys are mirrored into
// indexed columns on every write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var pgProfile = schema.UserProfile

func (store *PostgresStore) findBy(context context.Context, column, value string) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY %s LIMIT 1`,
		pgProfile.Document, pgProfile.Table, column, pgProfile.CreatedAt)

	var document []byte
	if err := store.pool.QueryRow(context, query, value).Scan(&document); err != nil {
		return nil, dberr.Wrap(err, "Profile")
	}
	return decodeDocument(document)
}

// FindBySubject implements [Store].
func (store *PostgresStore) FindBySubject(context context.Context, subjectID string) (*Record, error) {
	return store.findBy(context, pgProfile.SubjectID, subjectID)
}

// FindByPhone implements [Store].
func (store *PostgresStore) FindByPhone(context context.Context, phone string) (*Record, error) {
	return store.findBy(context, pgProfile.PhoneKey, phone)
}

// FindByEmail implements [Store].
func (store *PostgresStore) FindByEmail(context context.Context, emailKey string) (*Record, error) {
	return store.findBy(context, pgProfile.EmailKey, emailKey)
}

// FindByUsername implements [Store].
func (store *PostgresStore) FindByUsername(context context.Context, usernameKey string) (*Record, error) {
	return store.findBy(context, pgProfile.UsernameKey, usernameKey)
}

/*
Insert stores a new record.

Returns:
  - error: apperr.Conflict when the subject or username is already taken
*/
func (store *PostgresStore) Insert(context context.Context, record *Record) error {
	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("postgres_profile_encode_failed: %w", err)
	}
	keys := record.Keys()

	query := fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pgProfile.Table,
		pgProfile.ID, pgProfile.SubjectID, pgProfile.UsernameKey, pgProfile.PhoneKey,
		pgProfile.EmailKey, pgProfile.Document, pgProfile.CreatedAt, pgProfile.UpdatedAt,
	)

	_, err = store.pool.Exec(context, query,
		record.ID,
		keys.SubjectID,
		nullable(keys.Username),
		nullable(keys.Phone),
		nullable(keys.Email),
		document,
		record.CreatedAt,
		record.UpdatedAt,
	)
	return dberr.Wrap(err, "Profile")
}

// Update rewrites the document and keys of an existing record. The creation
// timestamp column is never written.
func (store *PostgresStore) Update(context context.Context, record *Record) error {
	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("postgres_profile_encode_failed: %w", err)
	}
	keys := record.Keys()

	query := fmt.Sprintf(`UPDATE %s
		SET %s = $2, %s = $3, %s = $4, %s = $5, %s = $6, %s = $7
		WHERE %s = $1`,
		pgProfile.Table,
		pgProfile.SubjectID, pgProfile.UsernameKey, pgProfile.PhoneKey,
		pgProfile.EmailKey, pgProfile.Document, pgProfile.UpdatedAt,
		pgProfile.ID,
	)

	tag, err := store.pool.Exec(context, query,
		record.ID,
		keys.SubjectID,
		nullable(keys.Username),
		nullable(keys.Phone),
		nullable(keys.Email),
		document,
		record.UpdatedAt,
	)
	if err != nil {
		return dberr.Wrap(err, "Profile")
	}
	if tag.RowsAffected() == 0 {
		return dberr.Wrap(pgx.ErrNoRows, "Profile")
	}
	return nil
}

// Ping implements [Store].
func (store *PostgresStore) Ping(context context.Context) error {
	return store.pool.Ping(context)
}

// # Shared helpers

// nullable maps an unset key to SQL NULL so partial unique indexes ignore it.
func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func decodeDocument(document []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(document, &record); err != nil {
		return nil, fmt.Errorf("profile_decode_failed: %w", err)
	}
	return &record, nil
}
