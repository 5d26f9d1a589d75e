package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// WithChiRouteContext adds chi URL parameters to request context for testing
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// MockLockoutGuard implements LockoutGuard for testing
type MockLockoutGuard struct {
	CheckLockoutFunc          func(ctx context.Context, identity string) (*models.LockoutCheckResult, error)
	RecordFailedLoginFunc     func(ctx context.Context, identity string, attemptCtx *models.AttemptContext) (*models.FailedLoginResult, error)
	RecordSuccessfulLoginFunc func(ctx context.Context, identity string) error
	PolicyFunc                func() models.LockoutPolicy
}

func (m *MockLockoutGuard) CheckLockout(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
	if m.CheckLockoutFunc == nil {
		return &models.LockoutCheckResult{}, nil
	}
	return m.CheckLockoutFunc(ctx, identity)
}

func (m *MockLockoutGuard) RecordFailedLogin(ctx context.Context, identity string, attemptCtx *models.AttemptContext) (*models.FailedLoginResult, error) {
	if m.RecordFailedLoginFunc == nil {
		return &models.FailedLoginResult{}, nil
	}
	return m.RecordFailedLoginFunc(ctx, identity, attemptCtx)
}

func (m *MockLockoutGuard) RecordSuccessfulLogin(ctx context.Context, identity string) error {
	if m.RecordSuccessfulLoginFunc == nil {
		return nil
	}
	return m.RecordSuccessfulLoginFunc(ctx, identity)
}

func (m *MockLockoutGuard) Policy() models.LockoutPolicy {
	if m.PolicyFunc == nil {
		return models.DefaultLockoutPolicy()
	}
	return m.PolicyFunc()
}

// MockLockoutAdmin implements LockoutAdmin for testing
type MockLockoutAdmin struct {
	AdminUnlockAccountFunc func(ctx context.Context, identity string, req *models.UnlockRequest) (bool, error)
	CheckLockoutFunc       func(ctx context.Context, identity string) (*models.LockoutCheckResult, error)
	GetLockoutStatsFunc    func(ctx context.Context) (*models.LockoutStats, error)
}

func (m *MockLockoutAdmin) AdminUnlockAccount(ctx context.Context, identity string, req *models.UnlockRequest) (bool, error) {
	if m.AdminUnlockAccountFunc == nil {
		return false, nil
	}
	return m.AdminUnlockAccountFunc(ctx, identity, req)
}

func (m *MockLockoutAdmin) CheckLockout(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
	if m.CheckLockoutFunc == nil {
		return &models.LockoutCheckResult{}, nil
	}
	return m.CheckLockoutFunc(ctx, identity)
}

func (m *MockLockoutAdmin) GetLockoutStats(ctx context.Context) (*models.LockoutStats, error) {
	if m.GetLockoutStatsFunc == nil {
		return &models.LockoutStats{}, nil
	}
	return m.GetLockoutStatsFunc(ctx)
}

// MockAuditTrail implements AuditTrail for testing
type MockAuditTrail struct {
	GetRecentEventsFunc   func(ctx context.Context, limit int, offset int) ([]*models.AuditLog, error)
	GetIdentityTrailFunc  func(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error)
	RateLimitResetEntries []string
}

func (m *MockAuditTrail) GetRecentEvents(ctx context.Context, limit int, offset int) ([]*models.AuditLog, error) {
	if m.GetRecentEventsFunc == nil {
		return []*models.AuditLog{}, nil
	}
	return m.GetRecentEventsFunc(ctx, limit, offset)
}

func (m *MockAuditTrail) GetIdentityTrail(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error) {
	if m.GetIdentityTrailFunc == nil {
		return []*models.AuditLog{}, nil
	}
	return m.GetIdentityTrailFunc(ctx, identity, limit, offset)
}

func (m *MockAuditTrail) LogRateLimitReset(ctx context.Context, key string, adminID string, cleared int) {
	m.RateLimitResetEntries = append(m.RateLimitResetEntries, key)
}

// MockAttemptLimiter implements AttemptLimiter for testing
type MockAttemptLimiter struct {
	CheckFunc func(key string, policy models.RateLimitPolicy) *models.RateLimitResult
	ResetFunc func(key string) bool
}

func (m *MockAttemptLimiter) Check(key string, policy models.RateLimitPolicy) *models.RateLimitResult {
	if m.CheckFunc == nil {
		return &models.RateLimitResult{Allowed: true, Remaining: policy.MaxAttempts - 1}
	}
	return m.CheckFunc(key, policy)
}

func (m *MockAttemptLimiter) Reset(key string) bool {
	if m.ResetFunc == nil {
		return false
	}
	return m.ResetFunc(key)
}

// MockRateThrottle implements RateThrottle for testing
type MockRateThrottle struct {
	StatusFunc   func(key string, policy models.RateLimitPolicy) *models.RateLimitResult
	ResetFunc    func(key string) bool
	ResetAllFunc func() int
	SizeFunc     func() int
}

func (m *MockRateThrottle) Status(key string, policy models.RateLimitPolicy) *models.RateLimitResult {
	if m.StatusFunc == nil {
		return &models.RateLimitResult{Allowed: true, Remaining: policy.MaxAttempts}
	}
	return m.StatusFunc(key, policy)
}

func (m *MockRateThrottle) Reset(key string) bool {
	if m.ResetFunc == nil {
		return false
	}
	return m.ResetFunc(key)
}

func (m *MockRateThrottle) ResetAll() int {
	if m.ResetAllFunc == nil {
		return 0
	}
	return m.ResetAllFunc()
}

func (m *MockRateThrottle) Size() int {
	if m.SizeFunc == nil {
		return 0
	}
	return m.SizeFunc()
}
