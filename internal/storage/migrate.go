package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// migrator is the dialect-specific half of the migration runner.
type migrator interface {
	exec(ctx context.Context, query string, args ...any) error
	appliedMigrations(ctx context.Context) (map[string]bool, error)
	// placeholder returns the bind parameter syntax for the nth argument.
	placeholder(n int) string
}

// runMigrations executes unapplied .sql files from migrationsFS in name order.
// Applied files are tracked in schema_migrations so each runs at most once.
func runMigrations(ctx context.Context, m migrator, migrationsFS fs.FS, logger *slog.Logger) error {
	// Ensure the tracking table exists. This is idempotent.
	if err := m.exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			logger.Debug("storage: migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logger.Info("storage: running migration", "file", name)
		if err := m.exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}

		if err := m.exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES (`+m.placeholder(1)+`) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}

	return nil
}

// RunMigrations applies the Postgres migrations in migrationsFS.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	return runMigrations(ctx, pgMigrator{db}, migrationsFS, db.logger)
}

type pgMigrator struct{ db *DB }

func (m pgMigrator) exec(ctx context.Context, query string, args ...any) error {
	_, err := m.db.pool.Exec(ctx, query, args...)
	return err
}

func (m pgMigrator) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (m pgMigrator) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
