package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/config"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/events"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/platform/postgres"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/scheduler"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/service/auth"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/service/records"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/store"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore   scheduler.TaskStore
	recordStore store.RecordStore

	jwtService    auth.JWTService
	recordService *records.Service

	eventEmitter events.Emitter
	redisEmitter *events.RedisEmitter

	scheduler *scheduler.Scheduler
}

// newApplication creates an application instance with all dependencies
// initialized and the scheduler started.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *sql.DB,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		"token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes)

	app.taskStore = postgres.NewPostgresTaskStore(db)
	app.recordStore = postgres.NewPostgresRecordStore(db)

	app.recordService = records.NewService(app.recordStore, logger)

	executors := scheduler.NewExecutorRegistry()
	app.recordService.RegisterExecutors(executors)

	app.eventEmitter, err = setupEventEmitter(ctx, app)
	if err != nil {
		return nil, err
	}

	app.scheduler = scheduler.New(app.taskStore, executors, app.eventEmitter, scheduler.Config{
		LeaseTimeout:      cfg.Scheduler.LeaseTimeout,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		DefaultPriority:   cfg.Scheduler.DefaultPriority,
		DefaultQueues:     scheduler.DefaultConfig().DefaultQueues,
	}, logger)
	app.recordService.SeedPriorities(app.scheduler.Priorities())

	if err := app.scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info("application initialized successfully")
	return app, nil
}

// setupEventEmitter picks the event backend: Redis pub/sub when a Redis
// address is configured, the in-process emitter otherwise.
func setupEventEmitter(ctx context.Context, app *application) (events.Emitter, error) {
	if app.config.Redis.URL == "" {
		return events.NewInMemoryEmitter(app.logger), nil
	}

	emitter, err := events.NewRedisEmitter(ctx, app.config.Redis.URL, "", app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis event emitter: %w", err)
	}
	app.redisEmitter = emitter
	app.logger.Info("redis event emitter initialized", "addr", app.config.Redis.URL)
	return emitter, nil
}

// Run starts the HTTP server and, when a retention window is configured,
// the periodic cleanup of finished tasks. It blocks until shutdown.
func (app *application) Run(ctx context.Context) error {
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	if app.config.Scheduler.CleanupAfter > 0 {
		go app.runCleanupLoop(cleanupCtx)
	}

	router := app.setupRouter()
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// runCleanupLoop periodically removes completed and cancelled tasks older
// than the configured retention window.
func (app *application) runCleanupLoop(ctx context.Context) {
	interval := app.config.Scheduler.CleanupAfter / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.scheduler.CleanupOldTasks(ctx, app.config.Scheduler.CleanupAfter); err != nil {
				app.logger.Error("periodic task cleanup failed", "error", err)
			}
		}
	}
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.scheduler != nil {
		app.scheduler.Stop()
	}

	if app.redisEmitter != nil {
		if err := app.redisEmitter.Close(); err != nil {
			app.logger.Error("error closing redis connection", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
