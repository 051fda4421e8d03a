// Package app assembles the HTTP router and the process-level probes
// shared by the server binary.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/httpserver"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/config"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/service/ratelimiter"
)

const requestTimeout = 30 * time.Second

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input allows every origin.
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

// BuildRouter wires middleware and routes around the handler set. The
// SSE route deliberately sits outside the per-request timeout; every
// other endpoint is bounded.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Liveness and metrics stay unauthenticated.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(api chi.Router) {
		api.With(httpserver.TimeoutMiddleware(requestTimeout)).Get("/health", srv.HealthHandler())

		api.Group(func(pr chi.Router) {
			pr.Use(srv.RequireAPIKey)

			// Submissions: a coarse per-IP gate in front of the per-key
			// class buckets.
			pr.Group(func(mut chi.Router) {
				mut.Use(httpserver.TimeoutMiddleware(requestTimeout))
				if cfg.RateLimitPerMin > 0 {
					mut.Use(httprate.LimitByIP(cfg.RateLimitPerMin*4, time.Minute))
				}
				mut.With(srv.RateLimit(ratelimiter.ClassConvert)).Post("/convert", srv.ConvertHandler())
				mut.With(srv.RateLimit(ratelimiter.ClassAnalyze)).Post("/analyze", srv.AnalyzeHandler())
				mut.With(srv.RateLimit(ratelimiter.ClassStream)).Post("/stream", srv.StreamHandler())
				mut.With(srv.RateLimit(ratelimiter.ClassConvert)).Post("/batch", srv.BatchHandler())
			})

			pr.Group(func(q chi.Router) {
				q.Use(srv.RateLimit(ratelimiter.ClassQuery))
				q.Group(func(qq chi.Router) {
					qq.Use(httpserver.TimeoutMiddleware(requestTimeout))
					qq.Get("/jobs", srv.ListJobsHandler())
					qq.Get("/jobs/{id}", srv.GetJobHandler())
					qq.Delete("/jobs/{id}", srv.CancelJobHandler())
					qq.Get("/stats", srv.StatsHandler())
				})
				q.Get("/jobs/{id}/events", srv.EventsHandler())
			})
		})
	})

	// otelhttp preserves http.Flusher on the wrapped writer, so the SSE
	// route streams through it unharmed.
	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "http.server")
}
