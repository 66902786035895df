package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint (no auth required)
	if s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check and system metrics (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via single-use ticket, validated in handler)
		r.Get(s.wsPath(), s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)

				r.Route("/{uid}", func(r chi.Router) {
					r.Get("/", s.handleGetRule)
					r.Post("/run", s.handleRunRule)
					r.Post("/enable", s.handleEnableRule)
					r.Post("/disable", s.handleDisableRule)
					r.Get("/firings", s.handleListFirings)
				})
			})

			r.Route("/timers", func(r chi.Router) {
				r.Get("/", s.handleListTimers)
				r.Delete("/{id}", s.handleCancelTimer)
			})

			r.Route("/items", func(r chi.Router) {
				r.Get("/", s.handleListItems)

				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.handleGetItem)
					r.Post("/command", s.handleItemCommand)
					r.Put("/state", s.handleItemState)
				})
			})
		})
	})

	return r
}

// wsPath returns the configured WebSocket path below /api/v1.
func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"rule_sets": len(s.engine.RuleSets()),
	})
}
