// Package persistence stores runs and their transition history in SQLite.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Empty database: create fresh schema
	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds cancellation and summary tier tracking to runs.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE runs ADD COLUMN cancelled INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE runs ADD COLUMN tier TEXT",
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("failed to execute migration %q: %w", m, err)
		}
	}
	return nil
}

// schemaV1 is the original schema, kept so migrations can be tested.
//
//nolint:gochecknoglobals // Static DDL
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id       TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		request      TEXT NOT NULL,
		mode         TEXT,
		status       TEXT NOT NULL,
		started_at   DATETIME NOT NULL,
		finished_at  DATETIME,
		summary_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL REFERENCES runs(run_id),
		seq         INTEGER NOT NULL,
		from_state  TEXT NOT NULL,
		to_state    TEXT NOT NULL,
		item_id     TEXT,
		created_at  DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(run_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
}

// createSchema creates the current schema in an empty database.
func createSchema(db *sql.DB) error {
	for _, stmt := range schemaV1 {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if err := migrateToVersion2(db); err != nil {
		return err
	}
	return setSchemaVersion(db, CurrentSchemaVersion)
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
