package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/social-metrics/internal/telemetry"
)

// DefaultAllowedOrigins are the dashboard origins allowed by CORS.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes configures all routes.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	if hc := h.deps.Health; hc != nil {
		r.Get("/health", hc.HandleHealth)
		r.Get("/health/live", hc.HandleLiveness)
		r.Get("/health/ready", hc.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/cache/{resource}", h.GetCachedResource)
		r.Post("/cache/refresh", h.RefreshCache)

		r.Get("/instagram/{account}/daily", h.GetInstagramDaily)
		r.Post("/instagram/{account}/backfill", h.TriggerInstagramBackfill)
		r.Get("/instagram/{account}/audience", h.GetInstagramAudience)

		r.Get("/ingest/logs", h.ListIngestLogs)

		r.Get("/jobs", h.ListJobs)
		r.Post("/jobs/{job}/run", h.RunJob)
	})

	return r
}
