package logger

import (
	"context"
	"log/slog"
	"time"
)

// GuardEvent represents a single guard decision on the request path
type GuardEvent struct {
	EventType string // "check", "attempt_failure", "attempt_success"
	Identity  string // Raw identity, masked before logging
	IPAddress string
	UserAgent string
	Allowed   bool
	Reason    string // "account_locked", "rate_limited", "store_unavailable"
}

// AuditLogger emits the structured guard decision trail. Lockout state
// transitions and admin actions are persisted separately; this trail
// covers every decision, including allowed ones.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogGuardDecision logs the outcome of a guard check or recorded attempt
func (al *AuditLogger) LogGuardDecision(ctx context.Context, event GuardEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "guard"),
		slog.String("event_type", event.EventType),
		slog.Bool("allowed", event.Allowed),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.Identity != "" {
		attrs = append(attrs, slog.String("identity", SanitizedIdentity(event.Identity)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}

	if event.Allowed {
		al.logger.LogAttrs(ctx, slog.LevelInfo, "guard_decision", attrs...)
	} else {
		al.logger.LogAttrs(ctx, slog.LevelWarn, "guard_decision", attrs...)
	}
}

// LogAdminAction logs administrative operations against the guard state
func (al *AuditLogger) LogAdminAction(ctx context.Context, action, target, keyPrefix string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "admin"),
		slog.String("event_type", action),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if target != "" {
		attrs = append(attrs, slog.String("target", SanitizedIdentity(target)))
	}
	if keyPrefix != "" {
		attrs = append(attrs, slog.String("api_key_prefix", keyPrefix))
	}

	al.logger.LogAttrs(ctx, slog.LevelInfo, "admin_action", attrs...)
}
