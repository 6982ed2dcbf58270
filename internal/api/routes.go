// Package api exposes the operational HTTP surface: message submission,
// per-tenant queue controls, and usage/health endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/parcelpost/relay/internal/processor"
	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/ratelimit"
	"github.com/parcelpost/relay/internal/tenant"
)

// Handlers bundles the services the API fronts.
type Handlers struct {
	Submitter *processor.Submitter
	Queues    *queue.Manager
	Sweeper   *queue.Sweeper
	Tenants   *tenant.Provider
	Limiter   *ratelimit.Limiter
}

// SetupRoutes configures the router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", h.handleSubmitMessage)

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/usage", h.handleUsage)
			r.Post("/context/refresh", h.handleContextRefresh)

			// Tenant-wide queue lifecycle, across every job class.
			r.Post("/queues/pause", h.handleQueuePause)
			r.Post("/queues/resume", h.handleQueueResume)
			r.Post("/queues/cleanup", h.handleQueueCleanup)

			r.Get("/queues/{class}", h.handleQueueDepths)
		})

		r.Post("/queues/sweep", h.handleSweep)
	})

	return r
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
