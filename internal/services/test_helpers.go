package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// MockLockoutRepository implements LockoutRepository for testing
type MockLockoutRepository struct {
	GetRecordFunc          func(ctx context.Context, identity string) (*models.LockoutRecord, error)
	UpsertRecordFunc       func(ctx context.Context, record *models.LockoutRecord) error
	GetStatsFunc           func(ctx context.Context, now time.Time, recentWindow time.Duration) (*models.LockoutStats, error)
	DeleteStaleRecordsFunc func(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error)
}

func (m *MockLockoutRepository) GetRecord(ctx context.Context, identity string) (*models.LockoutRecord, error) {
	if m.GetRecordFunc != nil {
		return m.GetRecordFunc(ctx, identity)
	}
	return nil, models.ErrNotFound
}

func (m *MockLockoutRepository) UpsertRecord(ctx context.Context, record *models.LockoutRecord) error {
	if m.UpsertRecordFunc != nil {
		return m.UpsertRecordFunc(ctx, record)
	}
	return nil
}

func (m *MockLockoutRepository) GetStats(ctx context.Context, now time.Time, recentWindow time.Duration) (*models.LockoutStats, error) {
	if m.GetStatsFunc != nil {
		return m.GetStatsFunc(ctx, now, recentWindow)
	}
	return &models.LockoutStats{}, nil
}

func (m *MockLockoutRepository) DeleteStaleRecords(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	if m.DeleteStaleRecordsFunc != nil {
		return m.DeleteStaleRecordsFunc(ctx, now, olderThan)
	}
	return 0, nil
}

// MockAuditLogRepository implements AuditLogRepository for testing
type MockAuditLogRepository struct {
	mu               sync.Mutex
	CreateFunc       func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	GetRecentFunc    func(ctx context.Context, limit int, offset int) ([]*models.AuditLog, error)
	GetByIdentityFunc func(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error)
	CleanupFunc      func(ctx context.Context, olderThanDays int) (int64, error)
	CreatedLogs      []*models.AuditLog
}

func (m *MockAuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, log)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatedLogs = append(m.CreatedLogs, log)
	return log, nil
}

func (m *MockAuditLogRepository) GetRecent(ctx context.Context, limit int, offset int) ([]*models.AuditLog, error) {
	if m.GetRecentFunc != nil {
		return m.GetRecentFunc(ctx, limit, offset)
	}
	return []*models.AuditLog{}, nil
}

func (m *MockAuditLogRepository) GetByIdentity(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error) {
	if m.GetByIdentityFunc != nil {
		return m.GetByIdentityFunc(ctx, identity, limit, offset)
	}
	return []*models.AuditLog{}, nil
}

func (m *MockAuditLogRepository) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx, olderThanDays)
	}
	return 0, nil
}

// MockLockoutNotifier implements LockoutNotifier for testing
type MockLockoutNotifier struct {
	mu                    sync.Mutex
	SendLockoutNoticeFunc func(ctx context.Context, identity string, lockedUntil time.Time, failedAttempts int) error
	Sent                  []string
}

func (m *MockLockoutNotifier) SendLockoutNotice(ctx context.Context, identity string, lockedUntil time.Time, failedAttempts int) error {
	if m.SendLockoutNoticeFunc != nil {
		return m.SendLockoutNoticeFunc(ctx, identity, lockedUntil, failedAttempts)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, identity)
	return nil
}

// ManualClock is a Clock whose time only moves when the test advances it.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a ManualClock fixed at the given time.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to an absolute time.
func (c *ManualClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// NewTestLockoutRecord creates a clean record for an identity.
func NewTestLockoutRecord(identity string, failedAttempts int) *models.LockoutRecord {
	now := time.Now()
	return &models.LockoutRecord{
		Identity:       models.NormalizeIdentity(identity),
		FailedAttempts: failedAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewTestLockoutRecordLocked creates a record locked until the given time.
func NewTestLockoutRecordLocked(identity string, failedAttempts int, lockedUntil time.Time) *models.LockoutRecord {
	record := NewTestLockoutRecord(identity, failedAttempts)
	record.LockedUntil = &lockedUntil
	record.LockCount = 1
	record.LockHistory = models.LockHistory{{
		LockedAt:        lockedUntil.Add(-30 * time.Minute),
		DurationMs:      (30 * time.Minute).Milliseconds(),
		TriggerAttempts: failedAttempts,
	}}
	return record
}
