package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	middlewareCustom "github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// TestServer wraps httptest.Server with the in-memory store and all
// dependencies wired the way cmd/api does it
type TestServer struct {
	Server    *httptest.Server
	Lockouts  *services.LockoutService
	RateLimit *services.RateLimitService
	AdminKey  string

	logger *slog.Logger
}

// NewTestServer initializes a complete HTTP server on the memory backend.
// Timing delays are zeroed so tests run fast.
func NewTestServer() (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	lockoutRepo := repositories.NewMemoryLockoutRepository()
	auditService := services.NewAuditService(nil, logger)

	lockoutService, err := services.NewLockoutService(
		lockoutRepo,
		models.DefaultLockoutPolicy(),
		nil,
		logger,
		auditService,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockout service: %w", err)
	}

	rateLimitService := services.NewRateLimitService(nil, logger)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{})
	decisionLogger := pkglogger.NewAuditLogger(logger)
	ipConfig := &pkghttp.IPConfig{}

	keyManager := auth.NewAPIKeyManager()
	adminKey, adminKeyHash, err := keyManager.GenerateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin key: %w", err)
	}

	guardHandler := handlers.NewGuardHandler(lockoutService, rateLimitService, timingDelay, decisionLogger, ipConfig, false)
	adminHandler := handlers.NewAdminHandler(lockoutService, auditService, rateLimitService, decisionLogger)

	// Setup Chi router with middleware
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: "test"}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	// Setup routes using production pattern
	routes.RegisterRoutes(r, guardHandler, adminHandler, rateLimitService, keyManager, adminKeyHash, ipConfig, logger)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","store":"up"}`))
	})

	server := httptest.NewServer(r)

	return &TestServer{
		Server:    server,
		Lockouts:  lockoutService,
		RateLimit: rateLimitService,
		AdminKey:  adminKey,
		logger:    logger,
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithKey makes an HTTP request carrying the admin API key
func (ts *TestServer) RequestWithKey(method, path string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"X-API-Key": ts.AdminKey,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// GetErrorCode extracts the error code from an error response
func GetErrorCode(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if code, ok := errResp["error"].(string); ok {
		return code, nil
	}
	return "", nil
}
