package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/api"
	apiMiddleware "github.com/Alexis-Lijeron/microservicioAsync/internal/api/middleware"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/api/shared"
)

// setupRouter creates and configures the application router with all
// routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	taskHandler := api.NewTaskHandler(app.scheduler, app.config.Scheduler.CleanupAfter, app.logger)
	queueHandler := api.NewQueueHandler(app.scheduler, app.logger)
	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			// Task lifecycle endpoints
			r.Post("/tasks", taskHandler.Submit)
			r.Get("/tasks", taskHandler.List)
			r.Get("/tasks/{id}", taskHandler.Get)
			r.Post("/tasks/{id}/cancel", taskHandler.Cancel)
			r.Post("/tasks/{id}/retry", taskHandler.Retry)
			r.Delete("/tasks/{id}", taskHandler.Delete)

			// Queue management endpoints
			r.Get("/queues", queueHandler.List)
			r.Post("/queues", queueHandler.Create)
			r.Delete("/queues/{id}", queueHandler.Remove)
			r.Post("/queues/{id}/scale", queueHandler.Scale)
			r.Get("/priorities", queueHandler.ListPriorities)
			r.Put("/priorities/{task_type}", queueHandler.SetPriority)

			// Scheduler observability endpoints
			r.Get("/scheduler/stats", taskHandler.Stats)
			r.Post("/scheduler/cleanup", taskHandler.Cleanup)
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]interface{}{
			"status":            "ok",
			"scheduler_running": app.scheduler.IsRunning(),
		})
	})

	return r
}
