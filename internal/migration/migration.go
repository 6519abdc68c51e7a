// Package migration provides schema versioning, pre-upgrade backups, and
// downgrade protection for conductor's SQLite store (C1). It tracks a
// single integer version in a _schema_version table; store.Open consults it
// on every startup to back up the database before an upgrade and to refuse
// to run against a schema newer than the binary understands.
package migration

import (
	"database/sql"
	"fmt"
	"time"
)

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at TEXT NOT NULL
)`

// ensureTable creates the _schema_version table if it doesn't exist.
func ensureTable(db *sql.DB) error {
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}
	return nil
}

// CurrentVersion returns the schema version recorded in db, or 0 if
// _schema_version does not exist or has no row yet.
func CurrentVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='_schema_version'`,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check _schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow(`SELECT version FROM _schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SetVersion inserts or updates the recorded schema version.
func SetVersion(db *sql.DB, version int) error {
	if err := ensureTable(db); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := db.Exec(`UPDATE _schema_version SET version = ?, applied_at = ?`, version, now)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	if _, err := db.Exec(
		`INSERT INTO _schema_version (version, applied_at) VALUES (?, ?)`, version, now,
	); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// NeedsMigration reports whether db's current version is below
// targetVersion. store.Open uses this to decide whether tonight's startup
// is the one that should take a pre-upgrade backup.
func NeedsMigration(db *sql.DB, targetVersion int) (bool, error) {
	current, err := CurrentVersion(db)
	if err != nil {
		return false, err
	}
	return current < targetVersion, nil
}

// EnsureVersion creates _schema_version if needed and records initialVersion
// only if no version has been set yet. Idempotent; safe on every startup.
func EnsureVersion(db *sql.DB, initialVersion int) error {
	if err := ensureTable(db); err != nil {
		return err
	}

	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}
	if current != 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		`INSERT INTO _schema_version (version, applied_at) VALUES (?, ?)`, initialVersion, now,
	); err != nil {
		return fmt.Errorf("set initial schema version: %w", err)
	}
	return nil
}

// CheckVersion returns an error if db's recorded schema version is newer
// than binaryVersion, the guard store.Open uses to refuse starting an old
// binary against a database a newer one has already migrated.
func CheckVersion(db *sql.DB, binaryVersion int) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf(
			"database schema version %d is newer than binary version %d — "+
				"refusing to start (use a newer binary or restore from backup)",
			current, binaryVersion,
		)
	}
	return nil
}
