package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.RequestsPerMinute))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/tenants/{tenant}/models/{model}", func(r chi.Router) {
			r.Get("/champion", s.handleChampion)
			r.Get("/history", s.handleHistory)
			r.Get("/versions", s.handleVersions)
			r.Get("/experiments", s.handleExperiments)
			r.Get("/readiness", s.handleReadiness)
			r.Get("/triggers", s.handleTriggers)
			r.Post("/retrain", s.handleRetrain)
			r.Post("/actuals", s.handleActuals)
			r.Post("/versions/{version}/evidence", s.handleEvidence)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
