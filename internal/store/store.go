// Package store is the durable layer: conversation checkpoints and the
// module registry index, both in a single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store wraps the SQLite handle. A single connection is used; SQLite
// serializes writers anyway and one connection avoids lock contention.
type Store struct {
	db     *sql.DB
	dbPath string
	log    *zap.Logger
}

// Open initializes the database at path, creating the directory and schema
// as needed.
func Open(path string, log *zap.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	// NORMAL is safe with WAL and considerably faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		log.Debug("failed to enable sqlite foreign_keys", zap.Error(err))
	}

	s := &Store{db: db, dbPath: path, log: log.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debug("store opened", zap.String("path", path))
	return s, nil
}

// migrate applies the schema. Statements are idempotent so reopening an
// existing database is a no-op.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			node            TEXT NOT NULL,
			state           TEXT NOT NULL,
			terminal        INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_terminal
			ON checkpoints (conversation_id, terminal)`,
		`CREATE TABLE IF NOT EXISTS registry_modules (
			org_id       TEXT NOT NULL,
			module_id    TEXT NOT NULL,
			version      TEXT NOT NULL,
			manifest     TEXT NOT NULL,
			status       TEXT NOT NULL,
			module_dir   TEXT NOT NULL,
			installed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (org_id, module_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_registry_modules_status
			ON registry_modules (org_id, module_id, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
