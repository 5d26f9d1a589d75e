package repositories_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/stretchr/testify/assert"
)

func TestMemoryLockoutRepository_GetRecordNotFound(t *testing.T) {
	repo := repositories.NewMemoryLockoutRepository()

	_, err := repo.GetRecord(context.Background(), "nobody@example.com")

	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryLockoutRepository_UpsertAndGet(t *testing.T) {
	repo := repositories.NewMemoryLockoutRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	record := &models.LockoutRecord{
		Identity:       "user@example.com",
		FailedAttempts: 3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := repo.UpsertRecord(ctx, record)
	assert.NoError(t, err)

	got, err := repo.GetRecord(ctx, "user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, 3, got.FailedAttempts)

	// Returned records are copies; mutating one must not touch the store.
	got.FailedAttempts = 99
	again, err := repo.GetRecord(ctx, "user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, 3, again.FailedAttempts)
}

func TestMemoryLockoutRepository_RecordFailureCreatesAndLocks(t *testing.T) {
	repo := repositories.NewMemoryLockoutRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := models.LockoutPolicy{MaxFailedAttempts: 3, LockoutDuration: 10 * time.Minute}

	for i := 0; i < 2; i++ {
		record, lockApplied, err := repo.RecordFailure(ctx, "user@example.com", now, policy)
		assert.NoError(t, err)
		assert.False(t, lockApplied)
		assert.Equal(t, i+1, record.FailedAttempts)
	}

	record, lockApplied, err := repo.RecordFailure(ctx, "user@example.com", now, policy)
	assert.NoError(t, err)
	assert.True(t, lockApplied)
	assert.NotNil(t, record.LockedUntil)
	assert.Equal(t, now.Add(10*time.Minute), *record.LockedUntil)
}

func TestMemoryLockoutRepository_RecordFailureConcurrent(t *testing.T) {
	repo := repositories.NewMemoryLockoutRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := models.LockoutPolicy{MaxFailedAttempts: 1000, LockoutDuration: 10 * time.Minute}

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, _, err := repo.RecordFailure(ctx, "user@example.com", now, policy)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	record, err := repo.GetRecord(ctx, "user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, goroutines, record.FailedAttempts)
}

func TestMemoryLockoutRepository_GetStats(t *testing.T) {
	repo := repositories.NewMemoryLockoutRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := models.LockoutPolicy{MaxFailedAttempts: 2, LockoutDuration: 10 * time.Minute}

	repo.RecordFailure(ctx, "locked@example.com", now, policy)
	repo.RecordFailure(ctx, "locked@example.com", now, policy)
	repo.RecordFailure(ctx, "one@example.com", now, policy)

	clean := &models.LockoutRecord{Identity: "clean@example.com", CreatedAt: now, UpdatedAt: now}
	assert.NoError(t, repo.UpsertRecord(ctx, clean))

	stats, err := repo.GetStats(ctx, now, 24*time.Hour)

	assert.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalTrackedAccounts)
	assert.Equal(t, int64(1), stats.TotalLockedAccounts)
	assert.Equal(t, int64(1), stats.RecentLockouts)
	// Average over records with a non-zero counter only.
	assert.InDelta(t, 1.5, stats.AvgFailedAttempts, 0.001)
}

func TestMemoryLockoutRepository_DeleteStaleRecords(t *testing.T) {
	repo := repositories.NewMemoryLockoutRepository()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	old := now.Add(-60 * 24 * time.Hour)
	stale := &models.LockoutRecord{Identity: "stale@example.com", CreatedAt: old, UpdatedAt: old}
	assert.NoError(t, repo.UpsertRecord(ctx, stale))

	lockedUntil := now.Add(time.Hour)
	locked := &models.LockoutRecord{
		Identity:       "locked@example.com",
		FailedAttempts: 5,
		LockedUntil:    &lockedUntil,
		CreatedAt:      old,
		UpdatedAt:      old,
	}
	assert.NoError(t, repo.UpsertRecord(ctx, locked))

	fresh := &models.LockoutRecord{Identity: "fresh@example.com", CreatedAt: now, UpdatedAt: now}
	assert.NoError(t, repo.UpsertRecord(ctx, fresh))

	deleted, err := repo.DeleteStaleRecords(ctx, now, 30*24*time.Hour)

	assert.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 2, repo.Size())

	// The locked record survives even though it is old.
	_, err = repo.GetRecord(ctx, "locked@example.com")
	assert.NoError(t, err)
	_, err = repo.GetRecord(ctx, "stale@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
