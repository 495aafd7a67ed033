package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/znz-systems/mailpost/internal/ratelimit"
	"github.com/znz-systems/mailpost/internal/web/handlers"
	"github.com/znz-systems/mailpost/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	SendEmailHandler *handlers.SendEmailHandler
	OutboxHandler    *handlers.OutboxHandler
	HealthHandler    *handlers.HealthHandler
	Verifier         middleware.TokenVerifier
	Limiter          *ratelimit.Limiter
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware. CORS runs before auth so preflights and auth
	// failures carry the CORS headers.
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS)

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated trigger API
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireBearer(deps.Verifier))
		r.Use(middleware.RateLimit(deps.Limiter))

		r.Post("/functions/v1/send-email", deps.SendEmailHandler.HandleSendEmail)
		r.Post("/functions/v1/outbox/{id}/requeue", deps.OutboxHandler.HandleRequeue)
	})

	return r
}
