package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema applies any migrations the database has not seen yet.
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

// migrateToV1 creates the pairing_events table.
func (s *SQLiteStore) migrateToV1() error {
	s.log.Infof("applying audit migration to schema version 1")

	// Timestamps are RFC3339Nano strings for readability and portability.
	const eventsTable = `
		CREATE TABLE IF NOT EXISTS pairing_events (
			id TEXT PRIMARY KEY,
			event TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			device_name TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			occurred_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pairing_events_occurred ON pairing_events(occurred_at);
	`
	if _, err := s.db.Exec(eventsTable); err != nil {
		return fmt.Errorf("create pairing_events table: %w", err)
	}
	return s.recordMigration(1)
}

// migrateToV2 adds the remote address and free-form detail columns.
func (s *SQLiteStore) migrateToV2() error {
	s.log.Infof("applying audit migration to schema version 2")

	const alter = `
		ALTER TABLE pairing_events ADD COLUMN remote_addr TEXT NOT NULL DEFAULT '';
		ALTER TABLE pairing_events ADD COLUMN detail TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_pairing_events_device ON pairing_events(device_id);
	`
	if _, err := s.db.Exec(alter); err != nil {
		return fmt.Errorf("alter pairing_events table: %w", err)
	}
	return s.recordMigration(2)
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
