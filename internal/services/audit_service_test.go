package services_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/stretchr/testify/assert"
)

func TestAuditService_LogLockoutPersists(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	repo := &services.MockAuditLogRepository{}
	audit := services.NewAuditService(repo, logger)

	until := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	record := &models.LockoutRecord{
		Identity:       "user@example.com",
		FailedAttempts: 5,
		LockedUntil:    &until,
		LockCount:      1,
	}

	audit.LogLockout(context.Background(), record, &models.AttemptContext{
		IPAddress: "192.168.1.1",
		UserAgent: "Mozilla/5.0",
	})

	assert.Len(t, repo.CreatedLogs, 1)
	log := repo.CreatedLogs[0]
	assert.Equal(t, models.AuditEventTypeLockout, log.EventType)
	assert.Equal(t, models.AuditActionLock, log.Action)
	assert.Equal(t, "user@example.com", *log.Identity)
	assert.Equal(t, "192.168.1.1", *log.IPAddress)
	assert.Equal(t, "Mozilla/5.0", *log.UserAgent)
	assert.Equal(t, 5, log.Metadata["failed_attempts"])
}

func TestAuditService_NilRepositoryIsSlogOnly(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	audit := services.NewAuditService(nil, logger)

	record := &models.LockoutRecord{Identity: "user@example.com", FailedAttempts: 5}
	audit.LogLockout(context.Background(), record, nil)

	events, err := audit.GetRecentEvents(context.Background(), 10, 0)
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestAuditService_PersistFailureIsNonFatal(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	repo := &services.MockAuditLogRepository{
		CreateFunc: func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
			return nil, errors.New("connection refused")
		},
	}
	audit := services.NewAuditService(repo, logger)

	record := &models.LockoutRecord{Identity: "user@example.com", FailedAttempts: 5}

	// Must not panic or surface the error.
	audit.LogLockout(context.Background(), record, nil)
}

func TestAuditService_GetIdentityTrailClampsPaging(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var gotLimit, gotOffset int
	repo := &services.MockAuditLogRepository{
		GetByIdentityFunc: func(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error) {
			gotLimit, gotOffset = limit, offset
			assert.Equal(t, "user@example.com", identity)
			return []*models.AuditLog{}, nil
		},
	}
	audit := services.NewAuditService(repo, logger)

	_, err := audit.GetIdentityTrail(context.Background(), "User@Example.COM", 5000, -3)

	assert.NoError(t, err)
	assert.Equal(t, 50, gotLimit)
	assert.Equal(t, 0, gotOffset)
}
