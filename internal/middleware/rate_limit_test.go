package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

func throttleFixture(policy models.RateLimitPolicy, ipConfig *pkghttp.IPConfig) http.Handler {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	limiter := services.NewRateLimitService(nil, logger)

	handler := Throttle(limiter, "LOGIN", policy, ipConfig, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)
	return handler
}

func TestThrottle_AllowsUnderLimit(t *testing.T) {
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 3}
	handler := throttleFixture(policy, nil)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/guard/check", nil)
		req.RemoteAddr = "203.0.113.1:1000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)

		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, recorder.Code)
		}
	}
}

func TestThrottle_SetsRateLimitHeaders(t *testing.T) {
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 5}
	handler := throttleFixture(policy, nil)

	req := httptest.NewRequest("POST", "/v1/guard/check", nil)
	req.RemoteAddr = "203.0.113.1:1000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit: got %q, want 5", got)
	}
	if got := recorder.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining: got %q, want 4", got)
	}
	if recorder.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset header missing")
	}
}

func TestThrottle_DeniesOverLimit(t *testing.T) {
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 2, BlockDuration: 5 * time.Minute}
	handler := throttleFixture(policy, nil)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/v1/guard/check", nil)
		req.RemoteAddr = "203.0.113.1:1000"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest("POST", "/v1/guard/check", nil)
	req.RemoteAddr = "203.0.113.1:1000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
	if recorder.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on denial")
	}

	var resp pkghttp.ErrorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if resp.Error != "rate_limit_exceeded" {
		t.Errorf("error code: got %q, want rate_limit_exceeded", resp.Error)
	}
}

func TestThrottle_IsolatesIPBuckets(t *testing.T) {
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 1}
	handler := throttleFixture(policy, nil)

	req := httptest.NewRequest("POST", "/v1/guard/check", nil)
	req.RemoteAddr = "203.0.113.1:1000"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// Second client still has a fresh bucket
	req = httptest.NewRequest("POST", "/v1/guard/check", nil)
	req.RemoteAddr = "203.0.113.2:1000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("second IP should have independent bucket, got %d", recorder.Code)
	}
}

func TestThrottle_TrustedProxyKeysByForwardedIP(t *testing.T) {
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 1}
	ipConfig := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}
	handler := throttleFixture(policy, ipConfig)

	// Two clients behind the same proxy hit separate buckets
	req := httptest.NewRequest("POST", "/v1/guard/check", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("POST", "/v1/guard/check", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.8")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("distinct forwarded clients should not share a bucket, got %d", recorder.Code)
	}

	// Same forwarded client is throttled
	req = httptest.NewRequest("POST", "/v1/guard/check", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("repeat forwarded client should be throttled, got %d", recorder.Code)
	}
}

func TestRateLimitByIP_EnforcesLimit(t *testing.T) {
	config := RateLimitConfig{RequestsPerMinute: 3}
	handler := RateLimitByIP(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/test", nil)
		req.RemoteAddr = "192.168.1.50:8080"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d failed with status %d", i+1, recorder.Code)
		}
	}

	req := httptest.NewRequest("POST", "/test", nil)
	req.RemoteAddr = "192.168.1.50:8080"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after limit, got %d", recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
}
