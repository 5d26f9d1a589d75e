package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/bastion/internal/models"
)

// AuditLogRepository defines the interface for audit log persistence
type AuditLogRepository interface {
	Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	GetRecent(ctx context.Context, limit int, offset int) ([]*models.AuditLog, error)
	GetByIdentity(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// AuditService records protection events with a dual-write pattern (slog +
// database). A nil repository degrades to slog-only, which the redis and
// memory store backends use.
type AuditService struct {
	repo   AuditLogRepository
	logger *slog.Logger
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuditLogRepository, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:   repo,
		logger: logger,
	}
}

// LogLockout records an applied lock.
func (s *AuditService) LogLockout(ctx context.Context, record *models.LockoutRecord, attemptCtx *models.AttemptContext) {
	metadata := models.AuditMetadata{
		"failed_attempts": record.FailedAttempts,
		"lock_count":      record.LockCount,
	}
	if record.LockedUntil != nil {
		metadata["locked_until"] = record.LockedUntil
	}

	log := &models.AuditLog{
		EventType: models.AuditEventTypeLockout,
		Identity:  &record.Identity,
		Action:    models.AuditActionLock,
		Success:   true,
		Metadata:  metadata,
	}
	if attemptCtx != nil {
		if attemptCtx.IPAddress != "" {
			log.IPAddress = &attemptCtx.IPAddress
		}
		if attemptCtx.UserAgent != "" {
			log.UserAgent = &attemptCtx.UserAgent
		}
	}

	s.logger.WarnContext(ctx, "audit event",
		slog.String("event_type", log.EventType),
		slog.String("identity", record.Identity),
		slog.String("action", log.Action),
		slog.Any("metadata", metadata),
	)

	s.persist(ctx, log)
}

// LogAdminUnlock records an administrative unlock.
func (s *AuditService) LogAdminUnlock(ctx context.Context, identity string, req *models.UnlockRequest, wasLocked bool) {
	metadata := models.AuditMetadata{
		"was_locked": wasLocked,
	}

	log := &models.AuditLog{
		EventType: models.AuditEventTypeAdminUnlock,
		Identity:  &identity,
		Action:    models.AuditActionUnlock,
		Success:   true,
		Metadata:  metadata,
	}
	if req != nil {
		if req.AdminID != "" {
			log.AdminID = &req.AdminID
		}
		if req.Reason != "" {
			metadata["reason"] = req.Reason
		}
	}

	s.logger.InfoContext(ctx, "audit event",
		slog.String("event_type", log.EventType),
		slog.String("identity", identity),
		slog.String("action", log.Action),
		slog.Any("admin_id", log.AdminID),
		slog.Any("metadata", metadata),
	)

	s.persist(ctx, log)
}

// LogRateLimitReset records an administrative limiter reset. Key may be
// empty for a reset-all.
func (s *AuditService) LogRateLimitReset(ctx context.Context, key string, adminID string, cleared int) {
	metadata := models.AuditMetadata{
		"cleared": cleared,
	}
	if key != "" {
		metadata["key"] = key
	}

	log := &models.AuditLog{
		EventType: models.AuditEventTypeRateLimit,
		Action:    models.AuditActionReset,
		Success:   true,
		Metadata:  metadata,
	}
	if adminID != "" {
		log.AdminID = &adminID
	}

	s.logger.InfoContext(ctx, "audit event",
		slog.String("event_type", log.EventType),
		slog.String("action", log.Action),
		slog.Any("admin_id", log.AdminID),
		slog.Any("metadata", metadata),
	)

	s.persist(ctx, log)
}

// persist writes the entry to the repository when one is configured.
// Persistence failures are logged, never propagated: losing an audit row
// must not fail the protection operation that produced it.
func (s *AuditService) persist(ctx context.Context, log *models.AuditLog) {
	if s.repo == nil {
		return
	}

	if _, err := s.repo.Create(ctx, log); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit log",
			slog.String("event_type", log.EventType),
			slog.Any("error", err),
		)
	}
}

// GetRecentEvents retrieves the newest audit entries.
func (s *AuditService) GetRecentEvents(ctx context.Context, limit int, offset int) ([]*models.AuditLog, error) {
	if s.repo == nil {
		return []*models.AuditLog{}, nil
	}
	limit, offset = clampPage(limit, offset)

	logs, err := s.repo.GetRecent(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent audit events: %w", err)
	}
	return logs, nil
}

// GetIdentityTrail retrieves audit entries for a specific identity.
func (s *AuditService) GetIdentityTrail(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error) {
	if s.repo == nil {
		return []*models.AuditLog{}, nil
	}
	identity = models.NormalizeIdentity(identity)
	limit, offset = clampPage(limit, offset)

	logs, err := s.repo.GetByIdentity(ctx, identity, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit trail: %w", err)
	}
	return logs, nil
}

// CleanupOldEvents removes audit entries older than the given number of
// days.
func (s *AuditService) CleanupOldEvents(ctx context.Context, olderThanDays int) (int64, error) {
	if s.repo == nil || olderThanDays <= 0 {
		return 0, nil
	}

	deleted, err := s.repo.Cleanup(ctx, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}
	return deleted, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
