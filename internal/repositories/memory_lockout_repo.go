package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// MemoryLockoutRepository keeps lockout records in process memory. Suited
// to tests and single-instance deployments; state is lost on restart.
type MemoryLockoutRepository struct {
	mu      sync.RWMutex
	records map[string]*models.LockoutRecord
}

// NewMemoryLockoutRepository creates a new MemoryLockoutRepository
func NewMemoryLockoutRepository() *MemoryLockoutRepository {
	return &MemoryLockoutRepository{
		records: make(map[string]*models.LockoutRecord),
	}
}

// GetRecord retrieves the lockout record for an identity
func (r *MemoryLockoutRepository) GetRecord(ctx context.Context, identity string) (*models.LockoutRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[identity]
	if !ok {
		return nil, models.ErrNotFound
	}
	return record.Clone(), nil
}

// UpsertRecord writes the full record state
func (r *MemoryLockoutRepository) UpsertRecord(ctx context.Context, record *models.LockoutRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[record.Identity] = record.Clone()
	return nil
}

// RecordFailure runs the failure transition under the store lock, making
// it atomic within the process.
func (r *MemoryLockoutRepository) RecordFailure(ctx context.Context, identity string, now time.Time, policy models.LockoutPolicy) (*models.LockoutRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[identity]
	if !ok {
		record = &models.LockoutRecord{Identity: identity, CreatedAt: now}
		r.records[identity] = record
	}

	lockApplied := models.ApplyFailure(record, now, policy)
	return record.Clone(), lockApplied, nil
}

// GetStats aggregates tracker-wide lockout statistics
func (r *MemoryLockoutRepository) GetStats(ctx context.Context, now time.Time, recentWindow time.Duration) (*models.LockoutStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &models.LockoutStats{}
	since := now.Add(-recentWindow)

	var attemptSum int64
	var attemptRecords int64
	for _, record := range r.records {
		stats.TotalTrackedAccounts++
		if models.TimestampActive(record.LockedUntil, now) {
			stats.TotalLockedAccounts++
		}
		stats.RecentLockouts += record.LockHistory.CountSince(since)
		if record.FailedAttempts > 0 {
			attemptSum += int64(record.FailedAttempts)
			attemptRecords++
		}
	}

	if attemptRecords > 0 {
		stats.AvgFailedAttempts = float64(attemptSum) / float64(attemptRecords)
	}
	return stats, nil
}

// DeleteStaleRecords prunes records whose last activity is older than the
// retention period. Records with an active lock are never pruned.
func (r *MemoryLockoutRepository) DeleteStaleRecords(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-olderThan)
	var deleted int64
	for identity, record := range r.records {
		if models.TimestampActive(record.LockedUntil, now) {
			continue
		}
		lastActivity := record.UpdatedAt
		if record.LastFailedAt != nil && record.LastFailedAt.After(lastActivity) {
			lastActivity = *record.LastFailedAt
		}
		if record.LastSuccessAt != nil && record.LastSuccessAt.After(lastActivity) {
			lastActivity = *record.LastSuccessAt
		}
		if lastActivity.Before(cutoff) {
			delete(r.records, identity)
			deleted++
		}
	}
	return deleted, nil
}

// Size returns the number of tracked identities.
func (r *MemoryLockoutRepository) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
