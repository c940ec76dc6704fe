package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the schema_version table and applies migrations.
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

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return nil
}

// migrateToV1 creates the maintenance_runs table.
func (s *SQLiteStore) migrateToV1() error {
	s.logger.Info().Msg("applying migration to schema version 1")

	const runsTable = `
		CREATE TABLE IF NOT EXISTS maintenance_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			sweep_id TEXT NOT NULL DEFAULT '',
			task TEXT NOT NULL,
			enlistment_root TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT -1,
			success INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_runs_root ON maintenance_runs(enlistment_root);
		CREATE INDEX IF NOT EXISTS idx_runs_sweep ON maintenance_runs(sweep_id);
	`
	return s.applyMigration(1, runsTable)
}

// migrateToV2 creates the notification_audit table.
func (s *SQLiteStore) migrateToV2() error {
	s.logger.Info().Msg("applying migration to schema version 2")

	const notificationTable = `
		CREATE TABLE IF NOT EXISTS notification_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			delivery_id TEXT NOT NULL,
			notification_id INTEGER NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			delivered INTEGER NOT NULL DEFAULT 0,
			relaunched INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);
	`
	return s.applyMigration(2, notificationTable)
}

func (s *SQLiteStore) applyMigration(version int, ddl string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return err
	}
	_, err = tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// tableExists reports whether a table exists in the current database.
func (s *SQLiteStore) tableExists(name string) (bool, error) {
	var table string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		name,
	).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return table == name, nil
}

// SchemaVersion returns the current database schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}
