package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/models"
)

func newGuardHandler(guard *handlers.MockLockoutGuard, failOpen bool) *handlers.GuardHandler {
	return handlers.NewGuardHandler(guard, nil, nil, nil, nil, failOpen)
}

func storeDown() error {
	return fmt.Errorf("get record: %w: %w", models.ErrStoreUnavailable, errors.New("connection refused"))
}

func TestCheckGuard_AllowsCleanIdentity(t *testing.T) {
	guard := &handlers.MockLockoutGuard{
		CheckLockoutFunc: func(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
			return &models.LockoutCheckResult{IsLocked: false, FailedAttempts: 0}, nil
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/check", map[string]string{
		"identifier": "user@example.com",
	})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	var resp handlers.GuardCheckResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 0, resp.FailedAttempts)
	assert.Equal(t, 5, resp.AttemptsRemaining)
}

func TestCheckGuard_ReportsPartialFailures(t *testing.T) {
	guard := &handlers.MockLockoutGuard{
		CheckLockoutFunc: func(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
			return &models.LockoutCheckResult{IsLocked: false, FailedAttempts: 3}, nil
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/check", map[string]string{
		"identifier": "user@example.com",
	})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	var resp handlers.GuardCheckResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 3, resp.FailedAttempts)
	assert.Equal(t, 2, resp.AttemptsRemaining)
}

func TestCheckGuard_LockedIdentity(t *testing.T) {
	until := time.Now().Add(15 * time.Minute)
	guard := &handlers.MockLockoutGuard{
		CheckLockoutFunc: func(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
			return &models.LockoutCheckResult{
				IsLocked:       true,
				LockedUntil:    &until,
				FailedAttempts: 5,
				Message:        "Account temporarily locked due to too many failed login attempts. Try again later.",
			}, nil
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/check", map[string]string{
		"identifier": "user@example.com",
	})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	handlers.AssertErrorResponse(t, w, 423, "account_locked")

	retryAfter := w.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.NotEqual(t, "0", retryAfter)
}

func TestCheckGuard_IdentityThrottled(t *testing.T) {
	lockoutChecked := false
	guard := &handlers.MockLockoutGuard{
		CheckLockoutFunc: func(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
			lockoutChecked = true
			return &models.LockoutCheckResult{}, nil
		},
	}

	var capturedKey string
	limiter := &handlers.MockAttemptLimiter{
		CheckFunc: func(key string, policy models.RateLimitPolicy) *models.RateLimitResult {
			capturedKey = key
			return &models.RateLimitResult{Allowed: false, RetryAfter: 3600}
		},
	}
	handler := handlers.NewGuardHandler(guard, limiter, nil, nil, nil, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/check", map[string]string{
		"identifier": "Burst@Example.COM",
	})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	handlers.AssertErrorResponse(t, w, 429, "rate_limit_exceeded")
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.Equal(t, "ratelimit:LOGIN:identity:burst@example.com", capturedKey)
	assert.False(t, lockoutChecked, "throttled request should not reach the lockout store")
}

func TestRecordAttempt_SuccessForgivesThrottle(t *testing.T) {
	var resetKeys []string
	limiter := &handlers.MockAttemptLimiter{
		ResetFunc: func(key string) bool {
			resetKeys = append(resetKeys, key)
			return true
		},
	}
	handler := handlers.NewGuardHandler(&handlers.MockLockoutGuard{}, limiter, nil, nil, nil, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/attempts", map[string]string{
		"identifier": "Burst@Example.COM",
		"outcome":    "success",
	})
	w := httptest.NewRecorder()
	handler.RecordAttempt(w, req)

	var resp handlers.RecordAttemptResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Recorded)
	assert.Equal(t, []string{"ratelimit:LOGIN:identity:burst@example.com"}, resetKeys)
}

func TestCheckGuard_InvalidJSON(t *testing.T) {
	handler := newGuardHandler(&handlers.MockLockoutGuard{}, false)

	req := httptest.NewRequest("POST", "/v1/guard/check", errReader{})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	handlers.AssertErrorResponse(t, w, 400, "bad_request")
}

func TestCheckGuard_MissingIdentifier(t *testing.T) {
	handler := newGuardHandler(&handlers.MockLockoutGuard{}, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/check", map[string]string{})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	handlers.AssertErrorResponse(t, w, 400, "bad_request")
}

func TestCheckGuard_StoreDownFailClosed(t *testing.T) {
	guard := &handlers.MockLockoutGuard{
		CheckLockoutFunc: func(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
			return nil, storeDown()
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/check", map[string]string{
		"identifier": "user@example.com",
	})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	handlers.AssertErrorResponse(t, w, 503, "store_unavailable")
}

func TestCheckGuard_StoreDownFailOpen(t *testing.T) {
	guard := &handlers.MockLockoutGuard{
		CheckLockoutFunc: func(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
			return nil, storeDown()
		},
	}
	handler := newGuardHandler(guard, true)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/check", map[string]string{
		"identifier": "user@example.com",
	})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	var resp handlers.GuardCheckResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Allowed)
}

func TestCheckGuard_UnexpectedError(t *testing.T) {
	guard := &handlers.MockLockoutGuard{
		CheckLockoutFunc: func(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
			return nil, errors.New("boom")
		},
	}
	handler := newGuardHandler(guard, true)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/check", map[string]string{
		"identifier": "user@example.com",
	})
	w := httptest.NewRecorder()
	handler.CheckGuard(w, req)

	handlers.AssertErrorResponse(t, w, 500, "internal_error")
}

func TestRecordAttempt_Success(t *testing.T) {
	var seen string
	guard := &handlers.MockLockoutGuard{
		RecordSuccessfulLoginFunc: func(ctx context.Context, identity string) error {
			seen = identity
			return nil
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/attempts", map[string]string{
		"identifier": "user@example.com",
		"outcome":    "success",
	})
	w := httptest.NewRecorder()
	handler.RecordAttempt(w, req)

	var resp handlers.RecordAttemptResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Recorded)
	assert.False(t, resp.Locked)
	assert.Equal(t, "user@example.com", seen)
}

func TestRecordAttempt_Failure(t *testing.T) {
	guard := &handlers.MockLockoutGuard{
		RecordFailedLoginFunc: func(ctx context.Context, identity string, attemptCtx *models.AttemptContext) (*models.FailedLoginResult, error) {
			return &models.FailedLoginResult{
				IsLocked:          false,
				AttemptsRemaining: 2,
				Message:           "Invalid credentials. 2 attempts remaining before lockout.",
			}, nil
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/attempts", map[string]string{
		"identifier": "user@example.com",
		"outcome":    "failure",
	})
	w := httptest.NewRecorder()
	handler.RecordAttempt(w, req)

	var resp handlers.RecordAttemptResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Recorded)
	assert.False(t, resp.Locked)
	assert.Equal(t, 2, resp.AttemptsRemaining)
	assert.Contains(t, resp.Message, "2 attempts remaining")
}

func TestRecordAttempt_FailureTriggersLock(t *testing.T) {
	until := time.Now().Add(30 * time.Minute)
	guard := &handlers.MockLockoutGuard{
		RecordFailedLoginFunc: func(ctx context.Context, identity string, attemptCtx *models.AttemptContext) (*models.FailedLoginResult, error) {
			return &models.FailedLoginResult{
				IsLocked:    true,
				ShouldLock:  true,
				LockedUntil: &until,
				Message:     "Account locked due to too many failed login attempts.",
			}, nil
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/attempts", map[string]string{
		"identifier": "user@example.com",
		"outcome":    "failure",
	})
	w := httptest.NewRecorder()
	handler.RecordAttempt(w, req)

	var resp handlers.RecordAttemptResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Recorded)
	assert.True(t, resp.Locked)
	require.NotNil(t, resp.LockedUntil)
	assert.WithinDuration(t, until, *resp.LockedUntil, time.Second)
}

func TestRecordAttempt_CarriesRequestContext(t *testing.T) {
	var captured *models.AttemptContext
	guard := &handlers.MockLockoutGuard{
		RecordFailedLoginFunc: func(ctx context.Context, identity string, attemptCtx *models.AttemptContext) (*models.FailedLoginResult, error) {
			captured = attemptCtx
			return &models.FailedLoginResult{AttemptsRemaining: 4}, nil
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/attempts", map[string]string{
		"identifier": "user@example.com",
		"outcome":    "failure",
	})
	req.RemoteAddr = "203.0.113.9:44812"
	req.Header.Set("User-Agent", "login-portal/2.1")
	w := httptest.NewRecorder()
	handler.RecordAttempt(w, req)

	require.Equal(t, 200, w.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "203.0.113.9", captured.IPAddress)
	assert.Equal(t, "login-portal/2.1", captured.UserAgent)
}

func TestRecordAttempt_InvalidOutcome(t *testing.T) {
	handler := newGuardHandler(&handlers.MockLockoutGuard{}, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/attempts", map[string]string{
		"identifier": "user@example.com",
		"outcome":    "maybe",
	})
	w := httptest.NewRecorder()
	handler.RecordAttempt(w, req)

	handlers.AssertErrorResponse(t, w, 400, "bad_request")
}

func TestRecordAttempt_StoreDownFailOpen(t *testing.T) {
	guard := &handlers.MockLockoutGuard{
		RecordFailedLoginFunc: func(ctx context.Context, identity string, attemptCtx *models.AttemptContext) (*models.FailedLoginResult, error) {
			return nil, storeDown()
		},
	}
	handler := newGuardHandler(guard, true)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/attempts", map[string]string{
		"identifier": "user@example.com",
		"outcome":    "failure",
	})
	w := httptest.NewRecorder()
	handler.RecordAttempt(w, req)

	var resp handlers.RecordAttemptResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.False(t, resp.Recorded)
	assert.Contains(t, resp.Message, "not recorded")
}

func TestRecordAttempt_StoreDownFailClosed(t *testing.T) {
	guard := &handlers.MockLockoutGuard{
		RecordSuccessfulLoginFunc: func(ctx context.Context, identity string) error {
			return storeDown()
		},
	}
	handler := newGuardHandler(guard, false)

	req := handlers.NewTestRequest(t, "POST", "/v1/guard/attempts", map[string]string{
		"identifier": "user@example.com",
		"outcome":    "success",
	})
	w := httptest.NewRecorder()
	handler.RecordAttempt(w, req)

	handlers.AssertErrorResponse(t, w, 503, "store_unavailable")
}

// errReader feeds handlers a body that fails mid-read.
type errReader struct{}

func (errReader) Read(p []byte) (int, error) {
	return 0, errors.New("read error")
}
