package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// LockoutGuard defines the lockout operations the guard endpoints need
type LockoutGuard interface {
	CheckLockout(ctx context.Context, identity string) (*models.LockoutCheckResult, error)
	RecordFailedLogin(ctx context.Context, identity string, attemptCtx *models.AttemptContext) (*models.FailedLoginResult, error)
	RecordSuccessfulLogin(ctx context.Context, identity string) error
	Policy() models.LockoutPolicy
}

// AttemptLimiter throttles checks per identity. The IP throttle in front of
// the route does not catch an attacker rotating source addresses; this does.
type AttemptLimiter interface {
	Check(key string, policy models.RateLimitPolicy) *models.RateLimitResult
	Reset(key string) bool
}

// GuardHandler handles the pre-authentication guard endpoints called by
// login backends before and after each credential check
type GuardHandler struct {
	guard     LockoutGuard
	limiter   AttemptLimiter
	timing    *auth.TimingDelay
	decisions *pkglogger.AuditLogger
	ipConfig  *pkghttp.IPConfig
	failOpen  bool
}

// NewGuardHandler creates a new GuardHandler. A nil limiter disables the
// per-identity throttle.
func NewGuardHandler(
	guard LockoutGuard,
	limiter AttemptLimiter,
	timing *auth.TimingDelay,
	decisions *pkglogger.AuditLogger,
	ipConfig *pkghttp.IPConfig,
	failOpen bool,
) *GuardHandler {
	return &GuardHandler{
		guard:     guard,
		limiter:   limiter,
		timing:    timing,
		decisions: decisions,
		ipConfig:  ipConfig,
		failOpen:  failOpen,
	}
}

// GuardCheckRequest asks whether an identity may attempt a login
type GuardCheckRequest struct {
	Identifier string `json:"identifier" validate:"required,min=1,max=320"`
}

// GuardCheckResponse reports the lockout state for an allowed attempt
type GuardCheckResponse struct {
	Allowed           bool `json:"allowed"`
	FailedAttempts    int  `json:"failed_attempts"`
	AttemptsRemaining int  `json:"attempts_remaining"`
}

// RecordAttemptRequest reports the outcome of a credential check
type RecordAttemptRequest struct {
	Identifier string `json:"identifier" validate:"required,min=1,max=320"`
	Outcome    string `json:"outcome" validate:"required,oneof=success failure"`
}

// RecordAttemptResponse reports the lockout state after recording
type RecordAttemptResponse struct {
	Recorded          bool       `json:"recorded"`
	Locked            bool       `json:"locked"`
	AttemptsRemaining int        `json:"attempts_remaining,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	Message           string     `json:"message,omitempty"`
}

// CheckGuard handles POST /v1/guard/check
// Called before verifying credentials. A 423 means the account is under
// an active lockout and the caller should not attempt verification.
func (h *GuardHandler) CheckGuard(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req GuardCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	if h.limiter != nil {
		rl := h.limiter.Check(loginAttemptKey(req.Identifier), services.MustPreset(services.PresetLogin))
		if !rl.Allowed {
			h.logDecision(r, "check", req.Identifier, ipAddress, userAgent, false, "rate_limit_exceeded")
			h.pad(start, false)
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
			pkghttp.WriteTooManyRequests(w, "Too many attempts. Please try again later.")
			return
		}
	}

	result, err := h.guard.CheckLockout(r.Context(), req.Identifier)
	if err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) && h.failOpen {
			h.logDecision(r, "check", req.Identifier, ipAddress, userAgent, true, "store_unavailable")
			h.pad(start, true)
			h.writeCheckAllowed(w, &models.LockoutCheckResult{})
			return
		}
		if errors.Is(err, models.ErrStoreUnavailable) {
			h.logDecision(r, "check", req.Identifier, ipAddress, userAgent, false, "store_unavailable")
			h.pad(start, false)
			pkghttp.WriteServiceUnavailable(w, "Lockout store unavailable")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if result.IsLocked {
		h.logDecision(r, "check", req.Identifier, ipAddress, userAgent, false, "account_locked")
		h.pad(start, false)
		if result.LockedUntil != nil {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(*result.LockedUntil)))
		}
		pkghttp.WriteLocked(w, result.Message)
		return
	}

	h.logDecision(r, "check", req.Identifier, ipAddress, userAgent, true, "")
	h.pad(start, true)
	h.writeCheckAllowed(w, result)
}

// RecordAttempt handles POST /v1/guard/attempts
// Called after a credential check with its outcome. Failures count
// toward lockout; successes reset the failure streak.
func (h *GuardHandler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req RecordAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	if req.Outcome == "success" {
		err := h.guard.RecordSuccessfulLogin(r.Context(), req.Identifier)
		if err != nil {
			h.writeRecordError(w, r, start, req.Identifier, ipAddress, userAgent, err)
			return
		}

		// A genuine login forgives the identity's throttle bucket so the
		// real user is not stuck behind an attacker's attempts.
		if h.limiter != nil {
			h.limiter.Reset(loginAttemptKey(req.Identifier))
		}

		h.logDecision(r, "attempt_success", req.Identifier, ipAddress, userAgent, true, "")
		h.pad(start, true)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(RecordAttemptResponse{Recorded: true})
		return
	}

	result, err := h.guard.RecordFailedLogin(r.Context(), req.Identifier, &models.AttemptContext{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	})
	if err != nil {
		h.writeRecordError(w, r, start, req.Identifier, ipAddress, userAgent, err)
		return
	}

	reason := ""
	if result.IsLocked {
		reason = "account_locked"
	}
	h.logDecision(r, "attempt_failure", req.Identifier, ipAddress, userAgent, false, reason)
	h.pad(start, false)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(RecordAttemptResponse{
		Recorded:          true,
		Locked:            result.IsLocked,
		AttemptsRemaining: result.AttemptsRemaining,
		LockedUntil:       result.LockedUntil,
		Message:           result.Message,
	})
}

// writeRecordError maps store failures on the recording path. Fail-open
// acknowledges without recording so login flows keep working through an
// outage; fail-closed surfaces the outage.
func (h *GuardHandler) writeRecordError(w http.ResponseWriter, r *http.Request, start time.Time, identity, ipAddress, userAgent string, err error) {
	if errors.Is(err, models.ErrStoreUnavailable) {
		if h.failOpen {
			h.logDecision(r, "attempt_dropped", identity, ipAddress, userAgent, true, "store_unavailable")
			h.pad(start, true)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(RecordAttemptResponse{
				Recorded: false,
				Message:  "Attempt not recorded. Lockout store unavailable.",
			})
			return
		}
		h.pad(start, false)
		pkghttp.WriteServiceUnavailable(w, "Lockout store unavailable")
		return
	}
	pkghttp.WriteInternalError(w, "Internal server error")
}

func (h *GuardHandler) writeCheckAllowed(w http.ResponseWriter, result *models.LockoutCheckResult) {
	remaining := h.guard.Policy().MaxFailedAttempts - result.FailedAttempts
	if remaining < 0 {
		remaining = 0
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(GuardCheckResponse{
		Allowed:           true,
		FailedAttempts:    result.FailedAttempts,
		AttemptsRemaining: remaining,
	})
}

func (h *GuardHandler) logDecision(r *http.Request, eventType, identity, ipAddress, userAgent string, allowed bool, reason string) {
	if h.decisions == nil {
		return
	}
	h.decisions.LogGuardDecision(r.Context(), pkglogger.GuardEvent{
		EventType: eventType,
		Identity:  identity,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Allowed:   allowed,
		Reason:    reason,
	})
}

// pad stretches the response time to the configured floor
func (h *GuardHandler) pad(start time.Time, allowed bool) {
	if h.timing == nil {
		return
	}
	h.timing.WaitFrom(start, allowed)
}

// loginAttemptKey builds the identity-keyed throttle bucket, normalized so
// case variants of the same identity share one bucket
func loginAttemptKey(identifier string) string {
	return services.RateLimitKey(services.PresetLogin, "identity", models.NormalizeIdentity(identifier))
}

// retryAfterSeconds converts an expiry timestamp to whole seconds from
// now, rounded up, never less than 1
func retryAfterSeconds(until time.Time) int {
	remaining := time.Until(until)
	if remaining <= 0 {
		return 1
	}
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
