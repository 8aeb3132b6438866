// Package sqlitemigrate opens SQLite databases and applies embedded schema
// migrations at most once per file.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const migrationTable = "schema_migrations"

// Open opens the SQLite file at dbPath, creating its parent directory.
//
// The pool is capped at one connection: SQLite allows one writer, and
// callers must not query through the pool while holding a transaction.
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("storage path is required")
	}
	cleanPath := filepath.Clean(dbPath)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return sqlDB, nil
}

// Apply executes the .sql files found in root of migrationFS in lexical
// order, recording each in schema_migrations so reruns are no-ops.
func Apply(ctx context.Context, sqlDB *sql.DB, migrationFS fs.FS, root string) error {
	if sqlDB == nil {
		return errors.New("sql db is required")
	}

	readRoot := strings.TrimSpace(root)
	if readRoot == "" {
		readRoot = "."
	}

	entries, err := fs.ReadDir(migrationFS, readRoot)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	if _, err := sqlDB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range sqlFiles {
		name := path.Join(readRoot, file)
		if readRoot == "." {
			name = file
		}

		applied, err := isApplied(ctx, sqlDB, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := ExtractUp(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		if err := applyOne(ctx, sqlDB, name, upSQL); err != nil {
			return fmt.Errorf("migration %s: %w", file, err)
		}
	}
	return nil
}

func applyOne(ctx context.Context, sqlDB *sql.DB, name, upSQL string) error {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, upSQL); err != nil && !IsAlreadyExistsError(err) {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

// ExtractUp returns the SQL in the -- +migrate Up section, or the whole
// file when it has no markers.
func ExtractUp(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

// IsAlreadyExistsError reports whether this error indicates idempotent DDL success.
func IsAlreadyExistsError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

// UniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint
// failure and, if so, returns the lower-cased driver message so callers can
// tell which column or index fired.
func UniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return strings.ToLower(sqliteErr.Error()), true
		}
		return "", false
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "unique constraint failed") {
		return message, true
	}
	return "", false
}

func isApplied(ctx context.Context, sqlDB *sql.DB, name string) (bool, error) {
	var found int
	err := sqlDB.QueryRowContext(ctx, "SELECT 1 FROM "+migrationTable+" WHERE name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
