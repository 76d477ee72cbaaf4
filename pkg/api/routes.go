package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.metrics.instrument)
	r.Use(s.corsMiddleware())
	r.Use(optionsOK)

	r.NotFound(handleNotFound)
	r.MethodNotAllowed(handleMethodNotAllowed)

	r.Handle("/metrics", s.metrics.handler())

	// PostgREST-style ingestion surface used by the remote logger.
	r.Route("/rest/v1", func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Ingest))
		}

		r.Use(s.requireKey)

		r.Get("/{resource}", s.handleListRows)
		r.Post("/{resource}", s.handleCreateRows)
		r.Patch("/{resource}", s.handlePatchRow)
	})

	// Dashboard queries.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Query))
			}

			r.Get("/tab-performance/{system}", s.handleTabPerformance)
			r.Get("/recent-failures", s.handleRecentFailures)
			r.Get("/test-results/{platform}", s.handleTestResults)

			if s.presigner != nil {
				r.Get("/reports/*", s.handleReport)
			}
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "apikey", "Prefer"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
