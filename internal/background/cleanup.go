package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/services"
)

// CleanupManager runs the periodic maintenance tasks: sweeping expired
// rate limit entries from memory and pruning stale lockout records and
// old audit entries from the store
type CleanupManager struct {
	limiter           *services.RateLimitService
	lockouts          *services.LockoutService
	audit             *services.AuditService
	logger            *slog.Logger
	sweepInterval     time.Duration
	retentionInterval time.Duration
	lockoutRetention  time.Duration
	auditRetention    int
	stopCh            chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	limiter *services.RateLimitService,
	lockouts *services.LockoutService,
	audit *services.AuditService,
	cleanupCfg config.CleanupConfig,
	lockoutRetention time.Duration,
	logger *slog.Logger,
) *CleanupManager {
	return &CleanupManager{
		limiter:           limiter,
		lockouts:          lockouts,
		audit:             audit,
		logger:            logger,
		sweepInterval:     cleanupCfg.SweepInterval,
		retentionInterval: cleanupCfg.RetentionInterval,
		lockoutRetention:  lockoutRetention,
		auditRetention:    cleanupCfg.AuditRetentionDays,
		stopCh:            make(chan struct{}),
	}
}

// Start begins the periodic maintenance tasks
func (cm *CleanupManager) Start(ctx context.Context) {
	sweepTicker := time.NewTicker(cm.sweepInterval)
	defer sweepTicker.Stop()
	retentionTicker := time.NewTicker(cm.retentionInterval)
	defer retentionTicker.Stop()

	// Run retention immediately on startup so restarts do not let
	// stale records pile up. The sweep waits for its first tick.
	cm.runRetention(ctx)

	for {
		select {
		case <-sweepTicker.C:
			cm.runSweep()
		case <-retentionTicker.C:
			cm.runRetention(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runSweep evicts expired rate limit windows. Entries under an active
// block are never evicted here.
func (cm *CleanupManager) runSweep() {
	evicted := cm.limiter.Sweep()
	if evicted > 0 {
		cm.logger.Info("rate limit sweep completed",
			slog.Int("entries_evicted", evicted),
			slog.Int("entries_remaining", cm.limiter.Size()),
		)
	}
}

// runRetention prunes stale lockout records and old audit entries
func (cm *CleanupManager) runRetention(ctx context.Context) {
	cm.logger.Info("starting retention cleanup")

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pruned, err := cm.lockouts.PruneStaleRecords(cleanupCtx, cm.lockoutRetention)
	if err != nil {
		cm.logger.Error("failed to prune stale lockout records", slog.Any("error", err))
	} else if pruned > 0 {
		cm.logger.Info("stale lockout records pruned", slog.Int64("rows_deleted", pruned))
	}

	deleted, err := cm.audit.CleanupOldEvents(cleanupCtx, cm.auditRetention)
	if err != nil {
		cm.logger.Error("failed to cleanup audit entries", slog.Any("error", err))
	} else if deleted > 0 {
		cm.logger.Info("audit entry cleanup completed", slog.Int64("rows_deleted", deleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
