// Package sqlitestore implements storage.Provider against an embedded
// SQLite database, grounded on the teacher's internal/memory/db.go
// (embedded schema, schema_version migrations, withTx helper) and
// internal/memory/tasks.go (dynamic-filter queries, NULL-safe scans).
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store implements storage.Provider on top of database/sql.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (creating if necessary) the SQLite database at path with
// WAL mode and a busy timeout, matching the teacher's connection string
// convention.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Init applies the base schema and any pending migrations.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	return s.migrate(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	row := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1")
	if err := row.Scan(&version); err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("read schema_version: %w", err)
		}
		version = 0
	}

	if version < currentSchemaVersion {
		log.Printf("[SQLITESTORE] migrating schema from version %d to %d", version, currentSchemaVersion)
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", currentSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool. Idempotent.
func (s *Store) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
