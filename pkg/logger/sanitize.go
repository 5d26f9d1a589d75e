package logger

import (
	"log/slog"
	"strings"
)

// SanitizedIdentity masks a login identity for logging. Email-shaped
// identities keep the first character and the TLD ("u***@***.com");
// anything else keeps the first and last characters.
func SanitizedIdentity(identity string) string {
	if identity == "" {
		return "[empty]"
	}

	if strings.Count(identity, "@") == 1 {
		return sanitizedEmail(identity)
	}

	if len(identity) <= 2 {
		return strings.Repeat("*", len(identity))
	}
	return string(identity[0]) + strings.Repeat("*", len(identity)-2) + string(identity[len(identity)-1])
}

func sanitizedEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "[invalid-email]"
	}

	username := parts[0]
	domain := parts[1]

	// Mask username: keep first char, mask rest
	if len(username) > 1 {
		username = string(username[0]) + strings.Repeat("*", len(username)-1)
	}

	// Mask domain: keep TLD, mask the rest
	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return username + "@" + domain
}

// RedactedAttr returns a redacted slog attribute for sensitive values
// In production, returns "[REDACTED]"; in development, returns the actual value
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

// SanitizeQueryString checks if query string contains sensitive parameters
// and returns true if the entire query string should be redacted
func SanitizeQueryString(rawQuery string) bool {
	sensitiveParams := map[string]bool{
		"password":   true,
		"token":      true,
		"secret":     true,
		"api_key":    true,
		"apikey":     true,
		"email":      true,
		"identifier": true,
		"identity":   true,
		"auth":       true,
	}

	query := strings.ToLower(rawQuery)
	for param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
