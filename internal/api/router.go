package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/taskpilot/internal/api/handlers"
	"github.com/agentoven/taskpilot/internal/api/middleware"
	"github.com/agentoven/taskpilot/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all API routes. gatherer backs
// the /metrics endpoint; nil leaves it unmounted.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *middleware.APIKeyAuth, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	// Global middleware. No Compress: it buffers the event stream.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.WorkspaceExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Workspace-Slug", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "X-Message-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if auth != nil {
		r.Use(auth.Middleware)
	}

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/categories", h.ListCategories)

		// Chats
		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Post("/turns", h.RunTurn)
			r.Get("/clarifications/pending", h.GetPendingClarification)
			r.Get("/artifacts", h.ListArtifacts)
		})

		// Clarifications
		r.Route("/clarifications/{clarificationID}", func(r chi.Router) {
			r.Get("/", h.GetClarification)
			r.Post("/resolve", h.ResolveClarification)
		})

		// Flow steps
		r.Get("/messages/{messageID}/flow-steps", h.ListFlowSteps)
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "taskpilot",
		})
	}
}
