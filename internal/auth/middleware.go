package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// KeyPrefixContextKey is the key for storing the presented key's display
	// prefix in context, for audit trails
	KeyPrefixContextKey contextKey = "api_key_prefix"
)

// RequireAPIKey validates the admin API key against the configured hash.
// Keys are accepted from either the Authorization header (Bearer scheme)
// or the X-API-Key header. All rejections return the same generic 401 so
// callers cannot distinguish a malformed key from a wrong one.
func RequireAPIKey(manager *APIKeyManager, configuredHash string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plainKey := extractAPIKey(r)
			if plainKey == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			hash, err := manager.HashAPIKey(plainKey)
			if err != nil {
				logger.WarnContext(r.Context(), "admin auth rejected",
					slog.String("reason", "malformed_key"),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !ConstantTimeHashCompare(hash, strings.ToLower(configuredHash)) {
				logger.WarnContext(r.Context(), "admin auth rejected",
					slog.String("reason", "key_mismatch"),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			prefix, err := manager.KeyPrefix(plainKey)
			if err == nil {
				ctx := context.WithValue(r.Context(), KeyPrefixContextKey, prefix)
				r = r.WithContext(ctx)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractAPIKey pulls the key from Authorization: Bearer <key> or X-API-Key
func extractAPIKey(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// KeyPrefixFromContext extracts the authenticated key's display prefix,
// or an empty string when the request did not pass RequireAPIKey
func KeyPrefixFromContext(ctx context.Context) string {
	prefix, ok := ctx.Value(KeyPrefixContextKey).(string)
	if !ok {
		return ""
	}
	return prefix
}
