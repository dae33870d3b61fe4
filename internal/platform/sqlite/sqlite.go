// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package sqlite opens the embedded SQLite database used when STORE_DRIVER=sqlite.
//
// It backs single-node deployments, local development and the store tests; the
// pure-Go modernc driver keeps the binary free of cgo.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

const pingTimeout = 2 * time.Second

// Open opens (creating if needed) the database file at path.
//
// The pool is capped at one connection: SQLite serializes writers anyway, and a
// single connection keeps the pragmas below in effect for every statement.
func Open(context context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := Ping(context, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("sqlite_opened", slog.String("path", path))
	}

	return db, nil
}

// Ping verifies the handle is usable.
func Ping(ctx context.Context, db *sql.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return nil
}
