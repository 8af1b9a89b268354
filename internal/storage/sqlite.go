package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS messaging_channels (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			config TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (user_id, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS messaging_notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			error_type TEXT NOT NULL DEFAULT '',
			sent_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messaging_notifications_user_idx ON messaging_notifications (user_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS whatsapp_sessions (
			id TEXT NOT NULL,
			user_id TEXT PRIMARY KEY,
			session_data TEXT NOT NULL,
			compressed BOOLEAN NOT NULL DEFAULT 1,
			phone_number TEXT NOT NULL DEFAULT '',
			last_active DATETIME NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL DEFAULT 'free'
		)`,
		`CREATE TABLE IF NOT EXISTS admins (
			email TEXT PRIMARY KEY,
			password_hash BLOB NOT NULL
		)`,
	},
	isDuplicate: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// NewSQLiteStores opens (creating if needed) an embedded SQLite database at
// path and migrates it.
func NewSQLiteStores(path string) (StoreSet, error) {
	if strings.TrimSpace(path) == "" {
		return StoreSet{}, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return StoreSet{}, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return newSQLStores(db, sqliteDialect), nil
}
