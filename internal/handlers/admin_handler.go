package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// LockoutAdmin defines the lockout operations exposed to operators
type LockoutAdmin interface {
	AdminUnlockAccount(ctx context.Context, identity string, req *models.UnlockRequest) (bool, error)
	CheckLockout(ctx context.Context, identity string) (*models.LockoutCheckResult, error)
	GetLockoutStats(ctx context.Context) (*models.LockoutStats, error)
}

// AuditTrail defines the audit operations exposed to operators
type AuditTrail interface {
	GetRecentEvents(ctx context.Context, limit int, offset int) ([]*models.AuditLog, error)
	GetIdentityTrail(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error)
	LogRateLimitReset(ctx context.Context, key string, adminID string, cleared int)
}

// RateThrottle defines the rate limiter operations exposed to operators
type RateThrottle interface {
	Status(key string, policy models.RateLimitPolicy) *models.RateLimitResult
	Reset(key string) bool
	ResetAll() int
	Size() int
}

// AdminHandler handles operator HTTP requests
type AdminHandler struct {
	lockouts  LockoutAdmin
	audit     AuditTrail
	limiter   RateThrottle
	decisions *pkglogger.AuditLogger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(lockouts LockoutAdmin, audit AuditTrail, limiter RateThrottle, decisions *pkglogger.AuditLogger) *AdminHandler {
	return &AdminHandler{
		lockouts:  lockouts,
		audit:     audit,
		limiter:   limiter,
		decisions: decisions,
	}
}

// UnlockAccountRequest carries the operator context for an unlock
type UnlockAccountRequest struct {
	AdminID string `json:"admin_id" validate:"required,min=1,max=128"`
	Reason  string `json:"reason" validate:"max=500"`
}

// UnlockAccountResponse reports the unlock outcome
type UnlockAccountResponse struct {
	Unlocked bool   `json:"unlocked"`
	Identity string `json:"identity"`
}

// LockoutStatusResponse is the operator view of a single identity
type LockoutStatusResponse struct {
	Identity       string     `json:"identity"`
	IsLocked       bool       `json:"is_locked"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

// ResetRateLimitRequest names a single bucket to forget
type ResetRateLimitRequest struct {
	Preset    string `json:"preset" validate:"required"`
	Dimension string `json:"dimension" validate:"required,oneof=ip identity"`
	Value     string `json:"value" validate:"required,min=1,max=320"`
	AdminID   string `json:"admin_id" validate:"required,min=1,max=128"`
}

// ResetAllRateLimitsRequest clears every tracked bucket
type ResetAllRateLimitsRequest struct {
	AdminID string `json:"admin_id" validate:"required,min=1,max=128"`
}

// RateLimitStatusResponse is the non-mutating view of one bucket
type RateLimitStatusResponse struct {
	Key         string                  `json:"key"`
	Status      *models.RateLimitResult `json:"status"`
	TrackedKeys int                     `json:"tracked_keys"`
}

// AuditLogResponse represents an audit entry in HTTP responses
type AuditLogResponse struct {
	ID            string                 `json:"id"`
	EventType     string                 `json:"event_type"`
	Identity      *string                `json:"identity,omitempty"`
	AdminID       *string                `json:"admin_id,omitempty"`
	Action        string                 `json:"action"`
	Success       bool                   `json:"success"`
	FailureReason *string                `json:"failure_reason,omitempty"`
	IPAddress     *string                `json:"ip_address,omitempty"`
	UserAgent     *string                `json:"user_agent,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     string                 `json:"created_at"`
}

// UnlockAccount handles POST /v1/admin/lockouts/{identity}/unlock
// Returns 404 when no record exists for the identity; unlocking an
// already-clean record succeeds.
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	identity := identityURLParam(r)
	if identity == "" {
		pkghttp.WriteBadRequest(w, "Missing identity")
		return
	}

	var req UnlockAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	unlocked, err := h.lockouts.AdminUnlockAccount(r.Context(), identity, &models.UnlockRequest{
		AdminID: req.AdminID,
		Reason:  req.Reason,
	})
	if err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) {
			pkghttp.WriteServiceUnavailable(w, "Lockout store unavailable")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if !unlocked {
		pkghttp.WriteNotFound(w, "No lockout record for identity")
		return
	}

	if h.decisions != nil {
		h.decisions.LogAdminAction(r.Context(), "account_unlock", identity, auth.KeyPrefixFromContext(r.Context()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(UnlockAccountResponse{
		Unlocked: true,
		Identity: models.NormalizeIdentity(identity),
	})
}

// GetLockoutStatus handles GET /v1/admin/lockouts/{identity}
func (h *AdminHandler) GetLockoutStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityURLParam(r)
	if identity == "" {
		pkghttp.WriteBadRequest(w, "Missing identity")
		return
	}

	result, err := h.lockouts.CheckLockout(r.Context(), identity)
	if err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) {
			pkghttp.WriteServiceUnavailable(w, "Lockout store unavailable")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LockoutStatusResponse{
		Identity:       models.NormalizeIdentity(identity),
		IsLocked:       result.IsLocked,
		FailedAttempts: result.FailedAttempts,
		LockedUntil:    result.LockedUntil,
	})
}

// GetLockoutStats handles GET /v1/admin/lockouts/stats
func (h *AdminHandler) GetLockoutStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.lockouts.GetLockoutStats(r.Context())
	if err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) {
			pkghttp.WriteServiceUnavailable(w, "Lockout store unavailable")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to retrieve lockout stats")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// GetAuditTrail handles GET /v1/admin/audit
// Accepts ?identity= to filter to one account, plus ?limit= and ?offset=.
func (h *AdminHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	var (
		logs []*models.AuditLog
		err  error
	)
	if identity := r.URL.Query().Get("identity"); identity != "" {
		logs, err = h.audit.GetIdentityTrail(r.Context(), identity, limit, offset)
	} else {
		logs, err = h.audit.GetRecentEvents(r.Context(), limit, offset)
	}
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve audit trail")
		return
	}

	response := make([]*AuditLogResponse, len(logs))
	for i, log := range logs {
		response[i] = auditLogToResponse(log)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"logs":   response,
		"limit":  limit,
		"offset": offset,
	})
}

// ResetRateLimit handles POST /v1/admin/ratelimits/reset
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req ResetRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if _, err := services.Preset(req.Preset); err != nil {
		pkghttp.WriteBadRequest(w, "Unknown rate limit preset")
		return
	}

	key := services.RateLimitKey(req.Preset, req.Dimension, rateLimitBucketValue(req.Dimension, req.Value))
	existed := h.limiter.Reset(key)

	cleared := 0
	if existed {
		cleared = 1
	}
	h.audit.LogRateLimitReset(r.Context(), key, req.AdminID, cleared)

	if h.decisions != nil {
		h.decisions.LogAdminAction(r.Context(), "rate_limit_reset", req.Value, auth.KeyPrefixFromContext(r.Context()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"reset":   true,
		"key":     key,
		"cleared": cleared,
	})
}

// ResetAllRateLimits handles POST /v1/admin/ratelimits/reset-all
func (h *AdminHandler) ResetAllRateLimits(w http.ResponseWriter, r *http.Request) {
	var req ResetAllRateLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	cleared := h.limiter.ResetAll()
	h.audit.LogRateLimitReset(r.Context(), "*", req.AdminID, cleared)

	if h.decisions != nil {
		h.decisions.LogAdminAction(r.Context(), "rate_limit_reset_all", "", auth.KeyPrefixFromContext(r.Context()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"reset":   true,
		"cleared": cleared,
	})
}

// GetRateLimitStatus handles GET /v1/admin/ratelimits/status
// Query params: preset, dimension, value. Never consumes an attempt.
func (h *AdminHandler) GetRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	preset := r.URL.Query().Get("preset")
	dimension := r.URL.Query().Get("dimension")
	value := r.URL.Query().Get("value")

	if preset == "" || dimension == "" || value == "" {
		pkghttp.WriteBadRequest(w, "preset, dimension, and value query parameters are required")
		return
	}

	policy, err := services.Preset(preset)
	if err != nil {
		pkghttp.WriteBadRequest(w, "Unknown rate limit preset")
		return
	}

	key := services.RateLimitKey(preset, dimension, rateLimitBucketValue(dimension, value))
	status := h.limiter.Status(key, policy)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RateLimitStatusResponse{
		Key:         key,
		Status:      status,
		TrackedKeys: h.limiter.Size(),
	})
}

// rateLimitBucketValue canonicalizes the bucket value the same way the
// producers key their buckets, so operator lookups hit the live entry
func rateLimitBucketValue(dimension, value string) string {
	if dimension == "identity" {
		return models.NormalizeIdentity(value)
	}
	return value
}

// identityURLParam extracts and unescapes the identity path parameter
func identityURLParam(r *http.Request) string {
	raw := chi.URLParam(r, "identity")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// auditLogToResponse converts an audit log model to a response DTO
func auditLogToResponse(log *models.AuditLog) *AuditLogResponse {
	resp := &AuditLogResponse{
		ID:        log.ID.String(),
		EventType: log.EventType,
		Action:    log.Action,
		Success:   log.Success,
		Metadata:  log.Metadata,
		CreatedAt: log.CreatedAt.Format(time.RFC3339),
	}

	if log.Identity != nil {
		resp.Identity = log.Identity
	}
	if log.AdminID != nil {
		resp.AdminID = log.AdminID
	}
	if log.FailureReason != nil {
		resp.FailureReason = log.FailureReason
	}
	if log.IPAddress != nil {
		resp.IPAddress = log.IPAddress
	}
	if log.UserAgent != nil {
		resp.UserAgent = log.UserAgent
	}

	return resp
}
