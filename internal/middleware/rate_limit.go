package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// RateLimitConfig holds the coarse per-IP flood ceiling applied in front
// of the scoped throttles
type RateLimitConfig struct {
	RequestsPerMinute int
}

// DefaultGuardRateLimit returns the flood ceiling for public guard
// endpoints. Scoped policies underneath enforce the real limits; this
// only sheds abusive clients before they reach the store.
func DefaultGuardRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Too many requests")
		}),
	)
}

// Throttle enforces a named rate limit scope keyed by client IP. Denials
// carry Retry-After and the X-RateLimit headers so callers can back off.
func Throttle(
	limiter *services.RateLimitService,
	scope string,
	policy models.RateLimitPolicy,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) func(next http.Handler) http.Handler {
	policy = policy.Normalized()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := pkghttp.ExtractClientIP(r, ipConfig)
			key := services.RateLimitKey(scope, "ip", clientIP)

			result := limiter.Check(key, policy)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.MaxAttempts))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				logger.WarnContext(r.Context(), "request throttled",
					slog.String("scope", scope),
					slog.String("ip_address", clientIP),
					slog.Int("retry_after", result.RetryAfter),
				)
				pkghttp.WriteTooManyRequests(w, "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
