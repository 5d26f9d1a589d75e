package middleware

import "net/http"

// SecurityHeadersConfig holds security headers configuration
type SecurityHeadersConfig struct {
	Env string
}

// SecurityHeaders returns a middleware that adds security headers to all
// responses. The service only serves JSON, so the policy set is the
// API-facing subset: no framing, no sniffing, nothing cacheable.
func SecurityHeaders(config SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// X-Frame-Options: Clickjacking protection
			w.Header().Set("X-Frame-Options", "DENY")

			// X-Content-Type-Options: MIME sniffing prevention
			w.Header().Set("X-Content-Type-Options", "nosniff")

			// Referrer-Policy: Controls how much referrer information is shared
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

			// Content-Security-Policy: the API never serves active content
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// Cache-Control: lockout and rate limit state must never be
			// served from an intermediary cache
			w.Header().Set("Cache-Control", "no-store")

			// Strict-Transport-Security: HTTPS enforcement (HSTS)
			// Only send for HTTPS connections in production
			if config.Env == "production" && (r.Header.Get("X-Forwarded-Proto") == "https" || r.URL.Scheme == "https") {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
			}

			// X-DNS-Prefetch-Control: Prevents DNS prefetching to avoid information leakage
			w.Header().Set("X-DNS-Prefetch-Control", "off")

			next.ServeHTTP(w, r)
		})
	}
}
