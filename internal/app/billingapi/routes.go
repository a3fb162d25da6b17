package billingapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/blackbook-billing/internal/http/handlers/admin/payments"
	"github.com/magabrotheeeer/blackbook-billing/internal/http/handlers/health"
	"github.com/magabrotheeeer/blackbook-billing/internal/http/handlers/payment/callback"
	portallogin "github.com/magabrotheeeer/blackbook-billing/internal/http/handlers/portal/login"
	portalsubscription "github.com/magabrotheeeer/blackbook-billing/internal/http/handlers/portal/subscription"
	"github.com/magabrotheeeer/blackbook-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/jwt"
)

// Handlers собирает всё, что нужно маршрутизатору.
type Handlers struct {
	Health       health.Pinger
	Callback     callback.Service
	Portal       PortalService
	Ledger       payments.Ledger
	JWT          jwt.Maker
	LoginLimiter *middlewarectx.IPRateLimiter
	Metrics      http.Handler

	CallbackSecret  string
	SignatureHeader string
}

// PortalService объединяет вход и просмотр подписки.
type PortalService interface {
	portallogin.Service
	portalsubscription.Service
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, h Handlers) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Get("/health", health.New(logger, h.Health).ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		// Колбэк провайдера защищён подписью, JWT не нужен
		r.Post("/payments/callback", callback.New(logger, h.Callback, h.CallbackSecret, h.SignatureHeader).ServeHTTP)

		r.Route("/portal", func(r chi.Router) {
			r.With(middlewarectx.RateLimitMiddleware(h.LoginLimiter, logger)).
				Post("/login", portallogin.New(logger, h.Portal).ServeHTTP)

			r.Group(func(r chi.Router) {
				r.Use(middlewarectx.JWTMiddleware(h.JWT, logger))
				r.Get("/subscription", portalsubscription.New(logger, h.Portal).ServeHTTP)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(h.JWT, logger))
			r.Use(middlewarectx.RequireRole(jwt.RoleAdmin, logger))
			adminPayments := payments.New(logger, h.Ledger)
			r.Get("/payments", adminPayments.List)
			r.Get("/payments/pending", adminPayments.Pending)
		})
	})

	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
