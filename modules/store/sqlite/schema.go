package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations holds the schema, one slice of statements per version.
// Statements use IF NOT EXISTS so a partially applied version can be rerun.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS interval_schedules (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			every  INTEGER NOT NULL CHECK (every > 0),
			period TEXT    NOT NULL,
			UNIQUE (every, period)
		)`,

		`CREATE TABLE IF NOT EXISTS crontab_schedules (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			minute        TEXT NOT NULL DEFAULT '*',
			hour          TEXT NOT NULL DEFAULT '*',
			day_of_month  TEXT NOT NULL DEFAULT '*',
			month_of_year TEXT NOT NULL DEFAULT '*',
			day_of_week   TEXT NOT NULL DEFAULT '*',
			timezone      TEXT NOT NULL DEFAULT 'UTC',
			UNIQUE (minute, hour, day_of_month, month_of_year, day_of_week, timezone)
		)`,

		`CREATE TABLE IF NOT EXISTS periodic_tasks (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT    NOT NULL UNIQUE,
			task            TEXT    NOT NULL,
			args            TEXT    NOT NULL DEFAULT '[]',
			kwargs          TEXT    NOT NULL DEFAULT '{}',
			interval_id     INTEGER REFERENCES interval_schedules(id),
			crontab_id      INTEGER REFERENCES crontab_schedules(id),
			enabled         INTEGER NOT NULL DEFAULT 1,
			expires         TEXT,
			queue           TEXT    NOT NULL DEFAULT '',
			exchange        TEXT    NOT NULL DEFAULT '',
			routing_key     TEXT    NOT NULL DEFAULT '',
			description     TEXT    NOT NULL DEFAULT '',
			last_run_at     TEXT,
			total_run_count INTEGER NOT NULL DEFAULT 0,
			date_changed    TEXT    NOT NULL,
			CHECK ((interval_id IS NULL) <> (crontab_id IS NULL))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_periodic_tasks_enabled ON periodic_tasks(enabled, name)`,

		`CREATE TABLE IF NOT EXISTS periodic_tasks_version (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			value      INTEGER NOT NULL,
			updated_at TEXT    NOT NULL
		)`,

		`INSERT OR IGNORE INTO periodic_tasks_version (id, value, updated_at)
			VALUES (1, 0, strftime('%Y-%m-%dT%H:%M:%f000000Z', 'now'))`,

		`CREATE TABLE IF NOT EXISTS leases (
			name       TEXT    PRIMARY KEY,
			holder     TEXT    NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	},
}

// schemaVersion is the latest schema version.
var schemaVersion = len(migrations)

// migrate brings the database schema to schemaVersion.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: database schema version %d is newer than supported version %d", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: migrate to %d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("sqlite: migrate to %d: %w\nstatement: %s", v+1, err, stmt)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: migrate to %d: %w", v+1, err)
		}
	}
	return nil
}
