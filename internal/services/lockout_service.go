package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// recentLockoutWindow is the lookback used by GetLockoutStats for the
// recent lockouts figure.
const recentLockoutWindow = 24 * time.Hour

// LockoutRepository defines the interface for lockout record persistence
type LockoutRepository interface {
	GetRecord(ctx context.Context, identity string) (*models.LockoutRecord, error)
	UpsertRecord(ctx context.Context, record *models.LockoutRecord) error
	GetStats(ctx context.Context, now time.Time, recentWindow time.Duration) (*models.LockoutStats, error)
	DeleteStaleRecords(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error)
}

// FailureRecorder is an optional capability of a LockoutRepository. Stores
// that can perform the failure transition atomically (a postgres row lock, a
// redis transaction) implement it so concurrent failures for one identity
// never lose increments. Stores without it fall back to the service's
// per-identity serialization.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, identity string, now time.Time, policy models.LockoutPolicy) (*models.LockoutRecord, bool, error)
}

// LockoutNotifier is notified after a lock is applied, typically to email
// the account owner.
type LockoutNotifier interface {
	SendLockoutNotice(ctx context.Context, identity string, lockedUntil time.Time, failedAttempts int) error
}

// LockoutService tracks failed logins per identity and applies temporary
// locks according to its policy. All reads and writes go through the
// configured repository; the service itself holds no account state.
type LockoutService struct {
	repo     LockoutRepository
	policy   models.LockoutPolicy
	clock    Clock
	logger   *slog.Logger
	audit    *AuditService
	notifier LockoutNotifier
	locks    keyedMutex
}

// NewLockoutService creates a new LockoutService. The policy is validated
// here so check paths never see a configuration error. A nil clock falls
// back to the system clock; audit and notifier are optional.
func NewLockoutService(repo LockoutRepository, policy models.LockoutPolicy, clock Clock, logger *slog.Logger, audit *AuditService, notifier LockoutNotifier) (*LockoutService, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("lockout policy: %w", err)
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &LockoutService{
		repo:     repo,
		policy:   policy,
		clock:    clock,
		logger:   logger,
		audit:    audit,
		notifier: notifier,
	}, nil
}

// Policy returns the service's validated policy.
func (s *LockoutService) Policy() models.LockoutPolicy {
	return s.policy
}

// CheckLockout reports whether the identity is currently locked. It is a
// pure read: an expired lock is reported as not locked without clearing the
// failure counter, so an attacker cannot reset their streak by waiting out
// a lock.
func (s *LockoutService) CheckLockout(ctx context.Context, identity string) (*models.LockoutCheckResult, error) {
	identity = models.NormalizeIdentity(identity)
	now := s.clock.Now()

	record, err := s.repo.GetRecord(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.LockoutCheckResult{IsLocked: false}, nil
		}
		return nil, storeErr("check lockout", err)
	}

	if models.TimestampActive(record.LockedUntil, now) {
		return &models.LockoutCheckResult{
			IsLocked:       true,
			LockedUntil:    record.LockedUntil,
			FailedAttempts: record.FailedAttempts,
			Message:        "Too many failed login attempts. Please try again later.",
		}, nil
	}

	return &models.LockoutCheckResult{
		IsLocked:       false,
		FailedAttempts: record.FailedAttempts,
	}, nil
}

// RecordFailedLogin counts one failed attempt and applies a lock when the
// attempt reaches the policy threshold. Concurrent calls for the same
// identity are serialized, by the store when it supports atomic failure
// recording, otherwise by the service.
func (s *LockoutService) RecordFailedLogin(ctx context.Context, identity string, attemptCtx *models.AttemptContext) (*models.FailedLoginResult, error) {
	identity = models.NormalizeIdentity(identity)
	now := s.clock.Now()

	record, lockApplied, err := s.applyFailure(ctx, identity, now)
	if err != nil {
		return nil, storeErr("record failed login", err)
	}

	if lockApplied {
		s.logger.WarnContext(ctx, "account locked",
			slog.String("identity", identity),
			slog.Int("failed_attempts", record.FailedAttempts),
			slog.Time("locked_until", *record.LockedUntil),
		)
		s.onLockApplied(ctx, record, attemptCtx)
	}

	result := &models.FailedLoginResult{
		IsLocked:    models.TimestampActive(record.LockedUntil, now),
		ShouldLock:  lockApplied,
		LockedUntil: record.LockedUntil,
	}

	if result.IsLocked {
		result.AttemptsRemaining = 0
		result.Message = "Account temporarily locked due to too many failed attempts."
	} else {
		remaining := s.policy.MaxFailedAttempts - record.FailedAttempts
		if remaining < 0 {
			remaining = 0
		}
		result.AttemptsRemaining = remaining
		result.Message = fmt.Sprintf("Invalid credentials. %d attempts remaining before lockout.", remaining)
	}

	return result, nil
}

// applyFailure runs the failure transition through the store's atomic path
// when available, otherwise under the service's per-identity lock.
func (s *LockoutService) applyFailure(ctx context.Context, identity string, now time.Time) (*models.LockoutRecord, bool, error) {
	if recorder, ok := s.repo.(FailureRecorder); ok {
		return recorder.RecordFailure(ctx, identity, now, s.policy)
	}

	unlock := s.locks.lock(identity)
	defer unlock()

	record, err := s.repo.GetRecord(ctx, identity)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, false, err
		}
		record = &models.LockoutRecord{Identity: identity, CreatedAt: now}
	}

	lockApplied := models.ApplyFailure(record, now, s.policy)
	if err := s.repo.UpsertRecord(ctx, record); err != nil {
		return nil, false, err
	}

	return record, lockApplied, nil
}

// RecordSuccessfulLogin resets the identity to the clean state and stamps
// the success time. Unknown identities are a no-op.
func (s *LockoutService) RecordSuccessfulLogin(ctx context.Context, identity string) error {
	identity = models.NormalizeIdentity(identity)
	now := s.clock.Now()

	unlock := s.locks.lock(identity)
	defer unlock()

	record, err := s.repo.GetRecord(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return storeErr("record successful login", err)
	}

	record.ClearFailures(now)
	record.LastSuccessAt = &now

	if err := s.repo.UpsertRecord(ctx, record); err != nil {
		return storeErr("record successful login", err)
	}

	return nil
}

// AdminUnlockAccount clears an identity's lock and failure counter on
// behalf of an administrator. Returns false when the identity has no
// record. Unlocking an already-clean record succeeds and is audited the
// same way.
func (s *LockoutService) AdminUnlockAccount(ctx context.Context, identity string, req *models.UnlockRequest) (bool, error) {
	identity = models.NormalizeIdentity(identity)
	now := s.clock.Now()

	unlock := s.locks.lock(identity)
	defer unlock()

	record, err := s.repo.GetRecord(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, storeErr("admin unlock", err)
	}

	wasLocked := models.TimestampActive(record.LockedUntil, now)
	record.ClearFailures(now)

	if err := s.repo.UpsertRecord(ctx, record); err != nil {
		return false, storeErr("admin unlock", err)
	}

	s.logger.InfoContext(ctx, "account unlocked by admin",
		slog.String("identity", identity),
		slog.Bool("was_locked", wasLocked),
	)

	if s.audit != nil {
		s.audit.LogAdminUnlock(ctx, identity, req, wasLocked)
	}

	return true, nil
}

// GetLockoutStats aggregates tracker-wide counters for dashboards. Recent
// lockouts cover the last 24 hours of lock events.
func (s *LockoutService) GetLockoutStats(ctx context.Context) (*models.LockoutStats, error) {
	stats, err := s.repo.GetStats(ctx, s.clock.Now(), recentLockoutWindow)
	if err != nil {
		return nil, storeErr("get lockout stats", err)
	}
	return stats, nil
}

// PruneStaleRecords deletes clean records whose last activity is older than
// the retention period. Locked records are never pruned.
func (s *LockoutService) PruneStaleRecords(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	deleted, err := s.repo.DeleteStaleRecords(ctx, s.clock.Now(), retention)
	if err != nil {
		return 0, storeErr("prune stale records", err)
	}
	return deleted, nil
}

// onLockApplied fires the audit trail and owner notification for a freshly
// applied lock. Both are best-effort: their failures are logged, never
// surfaced to the login path.
func (s *LockoutService) onLockApplied(ctx context.Context, record *models.LockoutRecord, attemptCtx *models.AttemptContext) {
	if s.audit != nil {
		s.audit.LogLockout(ctx, record, attemptCtx)
	}

	if s.notifier != nil && record.LockedUntil != nil {
		if err := s.notifier.SendLockoutNotice(ctx, record.Identity, *record.LockedUntil, record.FailedAttempts); err != nil {
			s.logger.ErrorContext(ctx, "failed to send lockout notice",
				slog.String("identity", record.Identity),
				slog.Any("error", err),
			)
		}
	}
}

// storeErr tags a repository failure with ErrStoreUnavailable so callers
// can apply their fail-open or fail-closed policy with errors.Is.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// keyedMutex serializes work per identity across a fixed set of stripes.
type keyedMutex struct {
	stripes [64]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m.Unlock
}
