package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/Alexis-Lijeron/microservicioAsync/db"
)

// runMigrations applies any pending embedded migrations. Migrations are
// idempotent: a fully migrated database is a no-op.
func runMigrations(conn *sql.DB, logger *slog.Logger) error {
	start := time.Now()

	goose.SetBaseFS(db.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := goose.GetDBVersion(conn)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	logger.Info("database migrations applied",
		"version", version,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
