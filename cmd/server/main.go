// Package main implements the entry point for the async task scheduler
// server, which accepts academic record operations over HTTP and executes
// them asynchronously through priority-routed worker queues.
package main

import (
	"context"
	"log"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/config"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	appLogger.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel)

	ctx := context.Background()

	db, err := setupAppDatabase(cfg, appLogger)
	if err != nil {
		appLogger.Error("failed to connect to database", "error", err)
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := runMigrations(db, appLogger); err != nil {
		appLogger.Error("failed to run migrations", "error", err)
		log.Fatalf("Failed to run migrations: %v", err)
	}

	app, err := newApplication(ctx, cfg, appLogger, db)
	if err != nil {
		appLogger.Error("failed to initialize application", "error", err)
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		appLogger.Error("server exited with error", "error", err)
		log.Fatalf("Server error: %v", err)
	}
}
