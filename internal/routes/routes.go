package routes

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	guardHandler *handlers.GuardHandler,
	adminHandler *handlers.AdminHandler,
	limiter *services.RateLimitService,
	keyManager *auth.APIKeyManager,
	adminKeyHash string,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) {
	// Coarse per-IP ceiling for everything under /v1/guard
	rateLimitConfig := middleware.DefaultGuardRateLimit()

	// Guard routes - called by login backends, no operator auth.
	// The check endpoint carries the LOGIN throttle so repeated probes
	// from one address are cut off independently of any lockout state.
	router.Route("/v1/guard", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimitConfig))

		r.With(middleware.Throttle(
			limiter,
			services.PresetLogin,
			services.MustPreset(services.PresetLogin),
			ipConfig,
			logger,
		)).Post("/check", guardHandler.CheckGuard)

		r.Post("/attempts", guardHandler.RecordAttempt)
	})

	// Admin routes - API key required
	router.Route("/v1/admin", func(r chi.Router) {
		r.Use(auth.RequireAPIKey(keyManager, adminKeyHash, logger))
		r.Use(middleware.Throttle(
			limiter,
			services.PresetAdmin,
			services.MustPreset(services.PresetAdmin),
			ipConfig,
			logger,
		))

		r.Get("/lockouts/stats", adminHandler.GetLockoutStats)
		r.Get("/lockouts/{identity}", adminHandler.GetLockoutStatus)
		r.Post("/lockouts/{identity}/unlock", adminHandler.UnlockAccount)

		r.Get("/audit", adminHandler.GetAuditTrail)

		r.Post("/ratelimits/reset", adminHandler.ResetRateLimit)
		r.Post("/ratelimits/reset-all", adminHandler.ResetAllRateLimits)
		r.Get("/ratelimits/status", adminHandler.GetRateLimitStatus)
	})
}
