package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		name TEXT PRIMARY KEY,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS env_vars (
		instance_name TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		system INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		PRIMARY KEY (instance_name, key),
		FOREIGN KEY (instance_name) REFERENCES instances(name) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		instance_name TEXT NOT NULL,
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		type TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		import TEXT NOT NULL,
		route TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		PRIMARY KEY (instance_name, name),
		FOREIGN KEY (instance_name) REFERENCES instances(name) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS revisions (
		instance_name TEXT PRIMARY KEY,
		revision INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (instance_name) REFERENCES instances(name) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_position ON workers(instance_name, position)`,
}

// pragmas returns the connection settings. Writers also switch the database
// to WAL.
func pragmas(readOnly bool) []string {
	out := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if readOnly {
		return out
	}
	return append(out,
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	)
}

// prepare configures the connection and, for writers, creates the tables and
// the rows of instance in one transaction.
func prepare(ctx context.Context, db *sql.DB, instance string, readOnly bool) error {
	for _, p := range pragmas(readOnly) {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("config: %s: %w", p, err)
		}
	}
	if readOnly {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin schema: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("config: schema statement %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instances (name) VALUES (?)
		ON CONFLICT(name) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	`, instance); err != nil {
		return fmt.Errorf("config: register instance %q: %w", instance, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (instance_name, revision) VALUES (?, 0)
		ON CONFLICT(instance_name) DO NOTHING
	`, instance); err != nil {
		return fmt.Errorf("config: seed revision of %q: %w", instance, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit schema: %w", err)
	}
	return nil
}
