package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BradenHooton/bastion/internal/models"
)

// Store backends
const (
	StoreBackendPostgres = "postgres"
	StoreBackendRedis    = "redis"
	StoreBackendMemory   = "memory"
)

// Fail modes for the lockout check path when the store is unreachable
const (
	FailModeClosed = "closed"
	FailModeOpen   = "open"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Store    StoreConfig
	Lockout  LockoutConfig
	Cleanup  CleanupConfig
	Admin    AdminConfig
	Timing   TimingConfig
	Email    EmailConfig
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	MigrateOnStart    bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Backend string
}

type LockoutConfig struct {
	MaxFailedAttempts  int
	LockoutDuration    time.Duration
	LockoutMultiplier  float64
	MaxLockoutDuration time.Duration
	FailureWindow      time.Duration
	FailMode           string
	RetentionPeriod    time.Duration
	NotifyOnLockout    bool
}

type CleanupConfig struct {
	SweepInterval      time.Duration
	RetentionInterval  time.Duration
	AuditRetentionDays int
}

type AdminConfig struct {
	APIKeyHash string
}

type TimingConfig struct {
	BaseDelayMs    int
	RandomDelayMs  int
	DelayOnSuccess bool
}

type EmailConfig struct {
	AWSRegion   string
	FromAddress string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	adminKeyHash := getEnv("ADMIN_API_KEY_HASH", "")
	if adminKeyHash == "" {
		return nil, fmt.Errorf("ADMIN_API_KEY_HASH is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: parseList(getEnv("TRUSTED_PROXIES", "")),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			MigrateOnStart:    getEnvAsBool("MIGRATE_ON_START", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", StoreBackendPostgres),
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts:  getEnvAsInt("LOCKOUT_MAX_FAILED_ATTEMPTS", 5),
			LockoutDuration:    getEnvAsDuration("LOCKOUT_DURATION", 30*time.Minute),
			LockoutMultiplier:  getEnvAsFloat("LOCKOUT_MULTIPLIER", 2.0),
			MaxLockoutDuration: getEnvAsDuration("LOCKOUT_MAX_DURATION", 24*time.Hour),
			FailureWindow:      getEnvAsDuration("LOCKOUT_FAILURE_WINDOW", 0),
			FailMode:           getEnv("LOCKOUT_FAIL_MODE", FailModeClosed),
			RetentionPeriod:    getEnvAsDuration("LOCKOUT_RETENTION_PERIOD", 90*24*time.Hour),
			NotifyOnLockout:    getEnvAsBool("LOCKOUT_NOTIFY", false),
		},
		Cleanup: CleanupConfig{
			SweepInterval:      getEnvAsDuration("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),
			RetentionInterval:  getEnvAsDuration("RETENTION_INTERVAL", 1*time.Hour),
			AuditRetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 90),
		},
		Admin: AdminConfig{
			APIKeyHash: adminKeyHash,
		},
		Timing: TimingConfig{
			BaseDelayMs:    getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			RandomDelayMs:  getEnvAsInt("TIMING_DELAY_RANDOM_MS", 50),
			DelayOnSuccess: getEnvAsBool("TIMING_DELAY_ON_SUCCESS", true),
		},
		Email: EmailConfig{
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		},
	}

	switch cfg.Store.Backend {
	case StoreBackendPostgres, StoreBackendRedis, StoreBackendMemory:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be one of postgres, redis, memory (got %q)", cfg.Store.Backend)
	}

	if cfg.Store.Backend == StoreBackendPostgres && cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required for the postgres backend")
	}

	switch cfg.Lockout.FailMode {
	case FailModeClosed, FailModeOpen:
	default:
		return nil, fmt.Errorf("LOCKOUT_FAIL_MODE must be closed or open (got %q)", cfg.Lockout.FailMode)
	}

	// Validate the lockout policy at load time so a bad policy never
	// reaches the check path.
	if err := cfg.Lockout.Policy().Validate(); err != nil {
		return nil, err
	}

	if err := validateAdminKeyHash(adminKeyHash); err != nil {
		return nil, err
	}

	if cfg.Lockout.NotifyOnLockout && cfg.Email.FromAddress == "" {
		return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required when LOCKOUT_NOTIFY is enabled")
	}

	return cfg, nil
}

// Policy assembles the configured lockout policy.
func (c *LockoutConfig) Policy() models.LockoutPolicy {
	return models.LockoutPolicy{
		MaxFailedAttempts:  c.MaxFailedAttempts,
		LockoutDuration:    c.LockoutDuration,
		LockoutMultiplier:  c.LockoutMultiplier,
		MaxLockoutDuration: c.MaxLockoutDuration,
		FailureWindow:      c.FailureWindow,
	}
}

var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// validateAdminKeyHash enforces that the configured value is a SHA-256 hex
// digest rather than the raw key.
func validateAdminKeyHash(hash string) error {
	if !sha256HexPattern.MatchString(strings.ToLower(hash)) {
		return fmt.Errorf("ADMIN_API_KEY_HASH must be a 64 character hex SHA-256 digest")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{} // Default to no origins in production
		}
		origins := strings.Split(originsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		return origins
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://localhost:3001",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
		"http://127.0.0.1:3001",
	}
}
