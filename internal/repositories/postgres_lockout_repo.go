package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// PostgresLockoutRepository handles lockout record persistence in postgres
type PostgresLockoutRepository struct {
	db *database.DB
}

// NewPostgresLockoutRepository creates a new PostgresLockoutRepository
func NewPostgresLockoutRepository(db *database.DB) *PostgresLockoutRepository {
	return &PostgresLockoutRepository{db: db}
}

const lockoutColumns = `identity, failed_attempts, locked_until, last_failed_at, last_success_at,
	       lock_count, lock_history, created_at, updated_at`

func scanLockoutRow(row rowScanner) (*models.LockoutRecord, error) {
	var record models.LockoutRecord

	err := row.Scan(
		&record.Identity, &record.FailedAttempts, &record.LockedUntil,
		&record.LastFailedAt, &record.LastSuccessAt, &record.LockCount,
		&record.LockHistory, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &record, nil
}

// GetRecord retrieves the lockout record for an identity
func (r *PostgresLockoutRepository) GetRecord(ctx context.Context, identity string) (*models.LockoutRecord, error) {
	query := `
		SELECT ` + lockoutColumns + `
		FROM lockout_records
		WHERE identity = $1
	`

	record, err := scanLockoutRow(r.db.Pool.QueryRow(ctx, query, identity))
	if err != nil {
		return nil, err
	}

	return record, nil
}

// UpsertRecord writes the full record state, creating it if necessary
func (r *PostgresLockoutRepository) UpsertRecord(ctx context.Context, record *models.LockoutRecord) error {
	query := `
		INSERT INTO lockout_records (` + lockoutColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identity) DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until    = EXCLUDED.locked_until,
			last_failed_at  = EXCLUDED.last_failed_at,
			last_success_at = EXCLUDED.last_success_at,
			lock_count      = EXCLUDED.lock_count,
			lock_history    = EXCLUDED.lock_history,
			updated_at      = EXCLUDED.updated_at
	`

	_, err := r.db.Pool.Exec(ctx, query,
		record.Identity, record.FailedAttempts, record.LockedUntil,
		record.LastFailedAt, record.LastSuccessAt, record.LockCount,
		record.LockHistory, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert lockout record: %w", database.MapPostgresError(err))
	}

	return nil
}

// RecordFailure runs the failure transition under a row lock so concurrent
// failures for one identity serialize in the database and no increment is
// lost across processes.
func (r *PostgresLockoutRepository) RecordFailure(ctx context.Context, identity string, now time.Time, policy models.LockoutPolicy) (*models.LockoutRecord, bool, error) {
	var record *models.LockoutRecord
	var lockApplied bool

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		insert := `
			INSERT INTO lockout_records (identity, created_at, updated_at)
			VALUES ($1, $2, $2)
			ON CONFLICT (identity) DO NOTHING
		`
		if _, err := tx.Exec(ctx, insert, identity, now); err != nil {
			return err
		}

		selectQuery := `
			SELECT ` + lockoutColumns + `
			FROM lockout_records
			WHERE identity = $1
			FOR UPDATE
		`
		rec, err := scanLockoutRow(tx.QueryRow(ctx, selectQuery, identity))
		if err != nil {
			return err
		}

		lockApplied = models.ApplyFailure(rec, now, policy)

		update := `
			UPDATE lockout_records
			SET failed_attempts = $2,
			    locked_until    = $3,
			    last_failed_at  = $4,
			    lock_count      = $5,
			    lock_history    = $6,
			    updated_at      = $7
			WHERE identity = $1
		`
		if _, err := tx.Exec(ctx, update,
			rec.Identity, rec.FailedAttempts, rec.LockedUntil,
			rec.LastFailedAt, rec.LockCount, rec.LockHistory, rec.UpdatedAt,
		); err != nil {
			return err
		}

		record = rec
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to record failure: %w", database.MapPostgresError(err))
	}

	return record, lockApplied, nil
}

// GetStats aggregates tracker-wide lockout statistics
func (r *PostgresLockoutRepository) GetStats(ctx context.Context, now time.Time, recentWindow time.Duration) (*models.LockoutStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE locked_until IS NOT NULL AND locked_until > $1),
			COALESCE(AVG(failed_attempts) FILTER (WHERE failed_attempts > 0), 0),
			COALESCE(SUM((
				SELECT COUNT(*)
				FROM jsonb_array_elements(lock_history) AS event
				WHERE (event->>'locked_at')::timestamptz >= $2
			)), 0)
		FROM lockout_records
	`

	var stats models.LockoutStats
	err := r.db.Pool.QueryRow(ctx, query, now, now.Add(-recentWindow)).Scan(
		&stats.TotalTrackedAccounts,
		&stats.TotalLockedAccounts,
		&stats.AvgFailedAttempts,
		&stats.RecentLockouts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get lockout stats: %w", database.MapPostgresError(err))
	}

	return &stats, nil
}

// DeleteStaleRecords prunes records whose last activity is older than the
// retention period. Records with an active lock are never pruned.
func (r *PostgresLockoutRepository) DeleteStaleRecords(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM lockout_records
		WHERE (locked_until IS NULL OR locked_until <= $1)
		  AND COALESCE(GREATEST(last_failed_at, last_success_at), updated_at) < $2
	`

	result, err := r.db.Pool.Exec(ctx, query, now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale lockout records: %w", database.MapPostgresError(err))
	}

	return result.RowsAffected(), nil
}
