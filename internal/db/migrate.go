package db

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies embedded SQL migrations in filename order. Applied
// migrations are recorded in _migrations and skipped on later runs.
func Migrate(ctx context.Context, d *DB, logger *slog.Logger) error {
	logger = logger.With("component", "db")

	if _, err := d.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			filename TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)
	`); err != nil {
		return fmt.Errorf("db: create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("db: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var count int
		if err := d.conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM _migrations WHERE filename = ?", name,
		).Scan(&count); err != nil {
			return fmt.Errorf("db: check migration %s: %w", name, err)
		}
		if count > 0 {
			logger.Debug("migration_skipped", "filename", name, "reason", "already_applied")
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("db: read migration %s: %w", name, err)
		}
		if _, err := d.conn.ExecContext(ctx, upSection(string(content))); err != nil {
			return fmt.Errorf("db: apply migration %s: %w", name, err)
		}
		if _, err := d.conn.ExecContext(ctx,
			"INSERT INTO _migrations (filename) VALUES (?)", name,
		); err != nil {
			return fmt.Errorf("db: record migration %s: %w", name, err)
		}

		logger.Info("migration_applied", "filename", name)
		applied++
	}

	logger.Debug("migrations_complete", "applied", applied)
	return nil
}

// upSection returns the SQL between "-- +goose Up" and "-- +goose Down",
// or the whole file when it carries no goose markers.
func upSection(sql string) string {
	const up, down = "-- +goose Up", "-- +goose Down"

	upIdx := strings.Index(sql, up)
	if upIdx == -1 {
		return sql
	}
	rest := sql[upIdx+len(up):]
	if downIdx := strings.Index(rest, down); downIdx != -1 {
		rest = rest[:downIdx]
	}
	return strings.TrimSpace(rest)
}
