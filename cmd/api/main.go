package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/background"
	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "generate-key" {
		if err := printGeneratedKey(); err != nil {
			fmt.Fprintf(os.Stderr, "generate-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("fail_mode", cfg.Lockout.FailMode),
	)

	// Initialize the lockout store for the configured backend
	var (
		lockoutRepo services.LockoutRepository
		auditRepo   services.AuditLogRepository
		db          *database.DB
		redisClient *redis.Client
	)

	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		db, err = database.NewConnection(&cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()

		if cfg.Database.MigrateOnStart {
			migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 60*time.Second)
			if err := database.RunMigrations(migrateCtx, &cfg.Database, logger); err != nil {
				migrateCancel()
				logger.Error("failed to run migrations", slog.Any("error", err))
				os.Exit(1)
			}
			migrateCancel()
		}

		lockoutRepo = repositories.NewPostgresLockoutRepository(db)
		auditRepo = repositories.NewAuditLogRepository(db)

	case config.StoreBackendRedis:
		redisClient, err = database.NewRedisClient(&cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer redisClient.Close()

		lockoutRepo = repositories.NewRedisLockoutRepository(redisClient, cfg.Lockout.RetentionPeriod)

	case config.StoreBackendMemory:
		lockoutRepo = repositories.NewMemoryLockoutRepository()
	}

	// Audit service tolerates a nil repository; events then go to the
	// structured log only.
	auditService := services.NewAuditService(auditRepo, logger)

	// Lockout notifier is optional
	var notifier services.LockoutNotifier
	if cfg.Lockout.NotifyOnLockout {
		sesNotifier, err := services.NewAWSSESNotifier(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize lockout notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	}

	// Initialize services
	lockoutService, err := services.NewLockoutService(lockoutRepo, cfg.Lockout.Policy(), nil, logger, auditService, notifier)
	if err != nil {
		logger.Error("failed to initialize lockout service", slog.Any("error", err))
		os.Exit(1)
	}
	rateLimitService := services.NewRateLimitService(nil, logger)

	// Timing delay masks lockout state from response timing
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    cfg.Timing.BaseDelayMs,
		RandomDelayMs:  cfg.Timing.RandomDelayMs,
		DelayOnSuccess: cfg.Timing.DelayOnSuccess,
	})

	decisionLogger := pkglogger.NewAuditLogger(logger)
	keyManager := auth.NewAPIKeyManager()
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	// Initialize handlers
	guardHandler := handlers.NewGuardHandler(
		lockoutService,
		rateLimitService,
		timingDelay,
		decisionLogger,
		ipConfig,
		cfg.Lockout.FailMode == config.FailModeOpen,
	)
	adminHandler := handlers.NewAdminHandler(lockoutService, auditService, rateLimitService, decisionLogger)

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(
		rateLimitService,
		lockoutService,
		auditService,
		cfg.Cleanup,
		cfg.Lockout.RetentionPeriod,
		logger,
	)

	// Setup CORS middleware
	corsConfig := middleware.DefaultCORSConfig(cfg.Server.Env)
	corsConfig.AllowedOrigins = cfg.Server.AllowedOrigins

	// Setup router
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middleware.CORS(corsConfig))
	router.Use(middleware.SecureLogger(logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, guardHandler, adminHandler, rateLimitService, keyManager, cfg.Admin.APIKeyHash, ipConfig, logger)

	// Health check with store reachability
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		switch {
		case db != nil:
			if err := db.HealthCheck(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy","store":"down"}`))
				return
			}
		case redisClient != nil:
			if err := redisClient.Ping(ctx).Err(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy","store":"down"}`))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","store":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printGeneratedKey mints a fresh admin API key. The plaintext goes to the
// operator; only the hash is configured on the server.
func printGeneratedKey() error {
	plainKey, hash, err := auth.NewAPIKeyManager().GenerateAPIKey()
	if err != nil {
		return err
	}
	fmt.Printf("API key: %s\n", plainKey)
	fmt.Printf("Hash:    %s\n", hash)
	fmt.Println("Set ADMIN_API_KEY_HASH to the hash. The key itself is never stored.")
	return nil
}
