package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// initSchema creates the schema_version table and applies pending migrations.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("check schema version: %w", err)
	}
	return version, nil
}

// migrateToV1 creates the administrators, library_tokens and app_identities
// tables.
func (s *SQLiteStore) migrateToV1() error {
	s.log.Info("applying migration", zap.Int("schema_version", 1))

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Emails are stored normalised (trimmed, lower-cased) so the plain UNIQUE
	// constraint is case-insensitive in effect. The partial index on is_root
	// allows at most one root administrator.
	const administratorsTable = `
		CREATE TABLE IF NOT EXISTS administrators (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_root INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			locked_until TEXT,
			last_login_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_admins_single_root
			ON administrators(is_root) WHERE is_root = 1;
	`

	if _, err := tx.Exec(administratorsTable); err != nil {
		return fmt.Errorf("create administrators table: %w", err)
	}

	// The UNIQUE constraint on value turns a generation race into a retry.
	const libraryTokensTable = `
		CREATE TABLE IF NOT EXISTS library_tokens (
			id TEXT PRIMARY KEY,
			value TEXT NOT NULL UNIQUE,
			admin_id TEXT NOT NULL REFERENCES administrators(id),
			description TEXT NOT NULL DEFAULT '',
			expires_at TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT,
			deactivated_at TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_library_tokens_admin
			ON library_tokens(admin_id, created_at);
	`

	if _, err := tx.Exec(libraryTokensTable); err != nil {
		return fmt.Errorf("create library_tokens table: %w", err)
	}

	// (name, version, library_token_id) identifies at most one active row.
	// The exchange upsert targets this partial index.
	const appIdentitiesTable = `
		CREATE TABLE IF NOT EXISTS app_identities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			library_token_id TEXT NOT NULL REFERENCES library_tokens(id),
			active INTEGER NOT NULL DEFAULT 1,
			auth_count INTEGER NOT NULL DEFAULT 0,
			last_auth_at TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			deactivated_at TEXT,
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_app_identities_active_tuple
			ON app_identities(name, version, library_token_id) WHERE active = 1;

		CREATE INDEX IF NOT EXISTS idx_app_identities_token
			ON app_identities(library_token_id);
	`

	if _, err := tx.Exec(appIdentitiesTable); err != nil {
		return fmt.Errorf("create app_identities table: %w", err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}
