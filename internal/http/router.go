package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/careline/server/internal/auth"
	"github.com/careline/server/internal/http/handlers"
	"github.com/careline/server/internal/middleware"
)

// Deps are the handlers and guards the router wires together
type Deps struct {
	Logger       zerolog.Logger
	Auth         *handlers.AuthHandler
	Webhook      *handlers.WebhookHandler
	Scheduler    *handlers.SchedulerHandler
	Health       *handlers.HealthHandler
	Tokens       middleware.TokenValidator
	Operator     *auth.JWTService
	TokenLimiter *middleware.RateLimiter
	Metrics      http.Handler
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", d.Health.ServeHTTP)
	r.Get("/health/ready", d.Health.HandleReady)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Group(func(r chi.Router) {
		if d.TokenLimiter != nil {
			r.Use(middleware.RateLimitMiddleware(d.TokenLimiter, middleware.GetIPKey))
		}
		r.Post("/oauth/token", d.Auth.HandleToken)
	})

	// Webhook routes (require a valid OAuth bearer token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.WebhookAuth(d.Tokens))
		r.Post("/webhook/scheduling", d.Webhook.HandleScheduling)
	})

	// Introspection routes (require an operator JWT)
	r.Route("/scheduler", func(r chi.Router) {
		r.Use(middleware.OperatorAuth(d.Operator))
		r.Get("/status", d.Scheduler.HandleStatus)
		r.Get("/stats", d.Scheduler.HandleStats)
		r.Get("/callbacks", d.Scheduler.HandleCallbacks)
		r.Post("/run", d.Scheduler.HandleRun)
	})

	return r
}
