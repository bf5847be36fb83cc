// Package app wires the HTTP router and the process-level run loops.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/scribehq/notegen/internal/adapter/httpserver"
	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.SecurityHeaders)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Degradation-Level", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Submission and cancellation are rate limited per client IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/v1/jobs", srv.CreateJobHandler())
		wr.Post("/v1/jobs/{id}/cancel", srv.CancelHandler())
	})

	r.Get("/v1/jobs/{id}", srv.StatusHandler())
	r.Get("/v1/jobs", srv.ListHandler())

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(httpserver.OperatorAuth(cfg.OperatorUsername, cfg.OperatorPasswordHash))
		ar.Get("/queue-stats", srv.QueueStatsHandler())
		ar.Get("/workers", srv.WorkersHandler())
		ar.Get("/health", srv.SystemHealthHandler())
	})

	r.Get("/healthz", httpserver.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return r
}
