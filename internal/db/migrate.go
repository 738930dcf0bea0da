// Package db provides database schema migration management.
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents one applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// migrations holds the ordered schema history. Statements are embedded so a
// single binary can bootstrap an empty data directory.
var migrations = []struct {
	version     int
	description string
	statements  []string
}{
	{
		version:     1,
		description: "initial place cache schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS place_snapshots (
				place_id     TEXT PRIMARY KEY,
				name         TEXT NOT NULL,
				address      TEXT NOT NULL DEFAULT '',
				latitude     REAL NOT NULL DEFAULT 0,
				longitude    REAL NOT NULL DEFAULT 0,
				tags         TEXT NOT NULL DEFAULT '',
				icon_url     TEXT NOT NULL DEFAULT '',
				captured_at  INTEGER NOT NULL,
				fetched_at   INTEGER NOT NULL,
				content_hash TEXT NOT NULL DEFAULT '',
				generation   TEXT NOT NULL,
				photos_json  TEXT NOT NULL DEFAULT '[]'
			);`,
			`CREATE TABLE IF NOT EXISTS photo_variants (
				place_id   TEXT NOT NULL,
				photo_idx  INTEGER NOT NULL,
				width      INTEGER NOT NULL,
				height     INTEGER NOT NULL,
				encoding   TEXT NOT NULL CHECK(encoding IN ('webp', 'jpeg')),
				rel_path   TEXT NOT NULL,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (place_id, photo_idx, width, encoding)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_photo_variants_place ON photo_variants(place_id);`,
			`CREATE TABLE IF NOT EXISTS quota_days (
				day     TEXT PRIMARY KEY,
				used    INTEGER NOT NULL DEFAULT 0,
				ceiling INTEGER NOT NULL DEFAULT 0
			);`,
		},
	},
}

// Migrate creates the schema_migrations table and applies pending migrations
// in order, each inside its own transaction.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at  INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`); err != nil {
		return fmt.Errorf("failed to initialize schema_migrations: %w", err)
	}

	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, time.Now().Unix(), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// CurrentVersion returns the current schema version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// AppliedMigrations returns all applied migrations in order.
func AppliedMigrations(db *sql.DB) ([]Migration, error) {
	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var m Migration
		var appliedAt int64
		if err := rows.Scan(&m.Version, &appliedAt, &m.Description); err != nil {
			return nil, err
		}
		m.AppliedAt = time.Unix(appliedAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}
