package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LockHistoryLimit caps the number of lock events retained per record.
// Oldest events are dropped first.
const LockHistoryLimit = 50

// NormalizeIdentity canonicalizes an identity key (lowercased, trimmed) so
// "User@Example.com" and "user@example.com " share one lockout record.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// TimestampActive reports whether ts is set and still in the future at now.
// Lockout expiry and rate-limit block expiry both go through this predicate
// so the two can never drift.
func TimestampActive(ts *time.Time, now time.Time) bool {
	return ts != nil && now.Before(*ts)
}

// LockEvent records a single lock application for statistics.
type LockEvent struct {
	LockedAt        time.Time `json:"locked_at"`
	DurationMs      int64     `json:"duration_ms"`
	TriggerAttempts int       `json:"trigger_attempts"`
}

// LockHistory is the ordered list of past lock events for a record,
// stored as JSONB in postgres and as part of the record payload elsewhere.
type LockHistory []LockEvent

// Append adds an event, dropping the oldest entries beyond LockHistoryLimit.
func (h LockHistory) Append(event LockEvent) LockHistory {
	out := append(h, event)
	if len(out) > LockHistoryLimit {
		out = out[len(out)-LockHistoryLimit:]
	}
	return out
}

// CountSince returns the number of lock events at or after since.
func (h LockHistory) CountSince(since time.Time) int64 {
	var n int64
	for _, event := range h {
		if !event.LockedAt.Before(since) {
			n++
		}
	}
	return n
}

// Scan implements sql.Scanner for JSONB
func (h *LockHistory) Scan(value interface{}) error {
	if value == nil {
		*h = LockHistory{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var events []LockEvent
	if err := json.Unmarshal(bytes, &events); err != nil {
		return err
	}
	*h = LockHistory(events)
	return nil
}

// Value implements driver.Valuer for JSONB
func (h LockHistory) Value() (driver.Value, error) {
	if h == nil {
		return json.Marshal([]LockEvent{})
	}
	return json.Marshal([]LockEvent(h))
}

// LockoutRecord tracks consecutive failed logins for one identity.
//
// Invariant: FailedAttempts == 0 implies LockedUntil == nil. A record is
// created on the first failure, reset to clean on success or admin unlock,
// and kept around afterwards for statistics until retention pruning removes
// it.
type LockoutRecord struct {
	Identity       string      `db:"identity" json:"identity"`
	FailedAttempts int         `db:"failed_attempts" json:"failed_attempts"`
	LockedUntil    *time.Time  `db:"locked_until" json:"locked_until,omitempty"`
	LastFailedAt   *time.Time  `db:"last_failed_at" json:"last_failed_at,omitempty"`
	LastSuccessAt  *time.Time  `db:"last_success_at" json:"last_success_at,omitempty"`
	LockCount      int         `db:"lock_count" json:"lock_count"`
	LockHistory    LockHistory `db:"lock_history" json:"lock_history,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so store-owned records cannot be mutated through
// returned pointers.
func (r *LockoutRecord) Clone() *LockoutRecord {
	out := *r
	if r.LockedUntil != nil {
		t := *r.LockedUntil
		out.LockedUntil = &t
	}
	if r.LastFailedAt != nil {
		t := *r.LastFailedAt
		out.LastFailedAt = &t
	}
	if r.LastSuccessAt != nil {
		t := *r.LastSuccessAt
		out.LastSuccessAt = &t
	}
	if r.LockHistory != nil {
		out.LockHistory = make(LockHistory, len(r.LockHistory))
		copy(out.LockHistory, r.LockHistory)
	}
	return &out
}

// ClearFailures resets the record to the clean state: counter zeroed, lock
// released, escalation restarted. LockHistory is retained for statistics.
func (r *LockoutRecord) ClearFailures(now time.Time) {
	r.FailedAttempts = 0
	r.LockedUntil = nil
	r.LockCount = 0
	r.UpdatedAt = now
}

// LockoutPolicy configures the lockout state machine.
type LockoutPolicy struct {
	// MaxFailedAttempts is the number of consecutive failures that triggers
	// a lock.
	MaxFailedAttempts int
	// LockoutDuration is the base lock duration for the first lock.
	LockoutDuration time.Duration
	// LockoutMultiplier scales the duration for each subsequent lock while
	// the identity never resets to clean. Values <= 1 disable escalation.
	LockoutMultiplier float64
	// MaxLockoutDuration caps escalated durations. Zero means no cap.
	MaxLockoutDuration time.Duration
	// FailureWindow, when positive, restarts the failure streak if the gap
	// since the previous failure exceeds it. Zero (the default) accumulates
	// failures until an explicit success or unlock.
	FailureWindow time.Duration
}

// DefaultLockoutPolicy returns the stock policy: five attempts, thirty
// minute base lock, doubling per repeat lock, capped at 24 hours.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxFailedAttempts:  5,
		LockoutDuration:    30 * time.Minute,
		LockoutMultiplier:  2.0,
		MaxLockoutDuration: 24 * time.Hour,
	}
}

// Validate rejects unusable policies at configuration time.
func (p LockoutPolicy) Validate() error {
	if p.MaxFailedAttempts <= 0 {
		return fmt.Errorf("%w: max failed attempts must be positive, got %d", ErrInvalidConfig, p.MaxFailedAttempts)
	}
	if p.LockoutDuration <= 0 {
		return fmt.Errorf("%w: lockout duration must be positive, got %s", ErrInvalidConfig, p.LockoutDuration)
	}
	if p.LockoutMultiplier < 0 {
		return fmt.Errorf("%w: lockout multiplier must not be negative, got %g", ErrInvalidConfig, p.LockoutMultiplier)
	}
	if p.MaxLockoutDuration < 0 {
		return fmt.Errorf("%w: max lockout duration must not be negative, got %s", ErrInvalidConfig, p.MaxLockoutDuration)
	}
	if p.FailureWindow < 0 {
		return fmt.Errorf("%w: failure window must not be negative, got %s", ErrInvalidConfig, p.FailureWindow)
	}
	return nil
}

// DurationForLock computes the lock duration given how many locks the record
// has already accumulated since it was last clean.
func (p LockoutPolicy) DurationForLock(priorLocks int) time.Duration {
	d := p.LockoutDuration
	if p.LockoutMultiplier > 1 {
		for i := 0; i < priorLocks; i++ {
			d = time.Duration(float64(d) * p.LockoutMultiplier)
			if p.MaxLockoutDuration > 0 && d >= p.MaxLockoutDuration {
				return p.MaxLockoutDuration
			}
		}
	}
	if p.MaxLockoutDuration > 0 && d > p.MaxLockoutDuration {
		return p.MaxLockoutDuration
	}
	return d
}

// ApplyFailure is the canonical failure transition. Every store backend funnels
// through this function (directly, or under a row lock) so the threshold and
// escalation rules exist in exactly one place.
//
// It increments the counter (restarting a stale streak when FailureWindow is
// enabled), stamps LastFailedAt, and applies a lock when the counter is at or
// past the threshold and no lock is currently active. A failure during an
// active lock never extends it. Returns true when this call applied a lock.
func ApplyFailure(rec *LockoutRecord, now time.Time, p LockoutPolicy) bool {
	locked := TimestampActive(rec.LockedUntil, now)

	if !locked && p.FailureWindow > 0 && rec.LastFailedAt != nil && now.Sub(*rec.LastFailedAt) > p.FailureWindow {
		rec.FailedAttempts = 0
		rec.LockCount = 0
	}

	rec.FailedAttempts++
	rec.LastFailedAt = &now
	rec.UpdatedAt = now

	if rec.FailedAttempts >= p.MaxFailedAttempts && !locked {
		duration := p.DurationForLock(rec.LockCount)
		until := now.Add(duration)
		rec.LockedUntil = &until
		rec.LockCount++
		rec.LockHistory = rec.LockHistory.Append(LockEvent{
			LockedAt:        now,
			DurationMs:      duration.Milliseconds(),
			TriggerAttempts: rec.FailedAttempts,
		})
		return true
	}

	return false
}

// LockoutCheckResult is the outcome of a pre-authentication lockout check.
type LockoutCheckResult struct {
	IsLocked       bool       `json:"is_locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	FailedAttempts int        `json:"failed_attempts"`
	Message        string     `json:"message,omitempty"`
}

// FailedLoginResult is the outcome of recording a failed login.
type FailedLoginResult struct {
	IsLocked          bool       `json:"is_locked"`
	ShouldLock        bool       `json:"should_lock"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	Message           string     `json:"message"`
}

// LockoutStats aggregates the tracker's state for dashboards.
type LockoutStats struct {
	TotalLockedAccounts  int64   `json:"total_locked_accounts"`
	TotalTrackedAccounts int64   `json:"total_tracked_accounts"`
	RecentLockouts       int64   `json:"recent_lockouts"`
	AvgFailedAttempts    float64 `json:"avg_failed_attempts"`
}

// AttemptContext carries optional request metadata for audit trails and
// notifications. The tracker itself never keys on it.
type AttemptContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// UnlockRequest identifies who performed an administrative unlock and why.
type UnlockRequest struct {
	AdminID string `json:"admin_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
