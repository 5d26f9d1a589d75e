package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	lockoutKeyPrefix = "lockout:"
	// maxTxRetries bounds optimistic transaction retries under contention.
	maxTxRetries = 5
	// statsBatchSize is the MGET chunk size for scans.
	statsBatchSize = 100
)

// RedisLockoutRepository stores lockout records as JSON values in redis,
// one key per identity. Failure recording uses WATCH for optimistic
// concurrency so concurrent failures never lose increments.
type RedisLockoutRepository struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisLockoutRepository creates a new RedisLockoutRepository. When
// retention is positive, records idle longer than it expire via TTL;
// records carrying an active lock always outlive the lock.
func NewRedisLockoutRepository(client *redis.Client, retention time.Duration) *RedisLockoutRepository {
	return &RedisLockoutRepository{client: client, retention: retention}
}

func lockoutKey(identity string) string {
	return lockoutKeyPrefix + identity
}

// ttlFor computes the key TTL for a record. Zero disables expiry.
func (r *RedisLockoutRepository) ttlFor(record *models.LockoutRecord) time.Duration {
	if r.retention <= 0 {
		return 0
	}
	ttl := r.retention
	if record.LockedUntil != nil {
		if lockSpan := record.LockedUntil.Sub(record.UpdatedAt) + r.retention; lockSpan > ttl {
			ttl = lockSpan
		}
	}
	return ttl
}

func decodeLockoutRecord(payload []byte) (*models.LockoutRecord, error) {
	var record models.LockoutRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to decode lockout record: %w", err)
	}
	return &record, nil
}

// GetRecord retrieves the lockout record for an identity
func (r *RedisLockoutRepository) GetRecord(ctx context.Context, identity string) (*models.LockoutRecord, error) {
	payload, err := r.client.Get(ctx, lockoutKey(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lockout record: %w", err)
	}

	return decodeLockoutRecord(payload)
}

// UpsertRecord writes the full record state
func (r *RedisLockoutRepository) UpsertRecord(ctx context.Context, record *models.LockoutRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode lockout record: %w", err)
	}

	if err := r.client.Set(ctx, lockoutKey(record.Identity), payload, r.ttlFor(record)).Err(); err != nil {
		return fmt.Errorf("failed to upsert lockout record: %w", err)
	}

	return nil
}

// RecordFailure runs the failure transition inside a WATCH transaction,
// retrying on conflicts, so failures recorded from multiple processes all
// count.
func (r *RedisLockoutRepository) RecordFailure(ctx context.Context, identity string, now time.Time, policy models.LockoutPolicy) (*models.LockoutRecord, bool, error) {
	key := lockoutKey(identity)
	var record *models.LockoutRecord
	var lockApplied bool

	txn := func(tx *redis.Tx) error {
		rec := &models.LockoutRecord{Identity: identity, CreatedAt: now}

		payload, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if rec, err = decodeLockoutRecord(payload); err != nil {
				return err
			}
		case errors.Is(err, redis.Nil):
			// first failure for this identity
		default:
			return err
		}

		applied := models.ApplyFailure(rec, now, policy)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode lockout record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttlFor(rec))
			return nil
		})
		if err != nil {
			return err
		}

		record = rec
		lockApplied = applied
		return nil
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return record, lockApplied, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, fmt.Errorf("failed to record failure: %w", err)
	}

	return nil, false, fmt.Errorf("failed to record failure after %d retries: %w", maxTxRetries, redis.TxFailedErr)
}

// GetStats aggregates tracker-wide lockout statistics by scanning all
// lockout keys.
func (r *RedisLockoutRepository) GetStats(ctx context.Context, now time.Time, recentWindow time.Duration) (*models.LockoutStats, error) {
	stats := &models.LockoutStats{}
	since := now.Add(-recentWindow)

	var attemptSum int64
	var attemptRecords int64

	err := r.scanRecords(ctx, func(record *models.LockoutRecord) error {
		stats.TotalTrackedAccounts++
		if models.TimestampActive(record.LockedUntil, now) {
			stats.TotalLockedAccounts++
		}
		stats.RecentLockouts += record.LockHistory.CountSince(since)
		if record.FailedAttempts > 0 {
			attemptSum += int64(record.FailedAttempts)
			attemptRecords++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get lockout stats: %w", err)
	}

	if attemptRecords > 0 {
		stats.AvgFailedAttempts = float64(attemptSum) / float64(attemptRecords)
	}
	return stats, nil
}

// DeleteStaleRecords prunes records whose last activity is older than the
// retention period. Records with an active lock are never pruned.
func (r *RedisLockoutRepository) DeleteStaleRecords(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	cutoff := now.Add(-olderThan)
	var stale []string

	err := r.scanRecords(ctx, func(record *models.LockoutRecord) error {
		if models.TimestampActive(record.LockedUntil, now) {
			return nil
		}
		lastActivity := record.UpdatedAt
		if record.LastFailedAt != nil && record.LastFailedAt.After(lastActivity) {
			lastActivity = *record.LastFailedAt
		}
		if record.LastSuccessAt != nil && record.LastSuccessAt.After(lastActivity) {
			lastActivity = *record.LastSuccessAt
		}
		if lastActivity.Before(cutoff) {
			stale = append(stale, lockoutKey(record.Identity))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan stale lockout records: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}
	deleted, err := r.client.Del(ctx, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale lockout records: %w", err)
	}
	return deleted, nil
}

// scanRecords iterates every lockout record, fetching values in batches.
// Keys that disappear mid-scan are skipped.
func (r *RedisLockoutRepository) scanRecords(ctx context.Context, fn func(*models.LockoutRecord) error) error {
	iter := r.client.Scan(ctx, 0, lockoutKeyPrefix+"*", 0).Iterator()

	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		values, err := r.client.MGet(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("failed to fetch lockout records: %w", err)
		}
		batch = batch[:0]

		for _, value := range values {
			payload, ok := value.(string)
			if !ok {
				continue
			}
			record, err := decodeLockoutRecord([]byte(payload))
			if err != nil {
				return err
			}
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= statsBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan lockout keys: %w", err)
	}

	return flush()
}
