package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portfoliohub/portfolio/pkg/health"
	"github.com/portfoliohub/portfolio/pkg/middleware"
)

// ServiceName labels metrics and spans of this service.
const ServiceName = "portfolio"

// RouterConfig carries the cross-cutting pieces of the router.
type RouterConfig struct {
	// Tokens resolves bearer tokens to callers.
	Tokens middleware.TokenValidator
	// UploadLimiter throttles item creation per owner. Optional.
	UploadLimiter *middleware.RateLimiter
	// MaxUploadBytes bounds a create request. Zero uses the default.
	MaxUploadBytes int64
	CORS           middleware.CORSConfig
}

// NewRouter creates a chi router with all portfolio routes registered.
func NewRouter(works WorksService, healthHandler *health.Handler, cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(ServiceName))
	r.Use(middleware.PrometheusMetrics(ServiceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	h := NewWorksHandler(works, cfg.MaxUploadBytes, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/works", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Tokens))
			r.Use(middleware.RequestLogger(logger))
			r.Use(RequireContentType("application/json", "multipart/form-data"))

			r.Get("/", h.ListItems)
			r.With(limit(cfg.UploadLimiter)).Post("/", h.CreateItem)
			r.Get("/{id}", h.GetItem)
			r.Put("/{id}", h.UpdateItem)
			r.Delete("/{id}", h.DeleteItem)
		})

		r.With(middleware.RequestLogger(logger)).
			Get("/profiles/{ownerId}/works", h.ListPublicItems)

		r.With(middleware.OptionalAuth(cfg.Tokens), middleware.RequestLogger(logger)).
			Get("/media/{id}", h.GetMedia)
	})

	return r
}

func limit(rl *middleware.RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rl.Middleware
}
