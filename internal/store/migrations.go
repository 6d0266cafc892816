package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fieldops/fieldsync/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations brings the device schema up to date and returns the versions
// this call applied, oldest first.
func RunMigrations(ctx context.Context, db *sql.DB) ([]int64, error) {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	if len(applied) > 0 {
		slog.Info("device schema migrated",
			"component", "store",
			"action", "migrate",
			"versions", applied,
		)
	}
	return applied, nil
}
