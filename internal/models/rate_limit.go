package models

import (
	"fmt"
	"time"
)

// RateLimitPolicy configures one fixed-window limit. Policies are supplied
// per call, so a single limiter instance can serve any number of endpoint
// shapes.
type RateLimitPolicy struct {
	// Window is the fixed counting window.
	Window time.Duration
	// MaxAttempts is the number of attempts allowed inside one window.
	MaxAttempts int
	// BlockDuration is how long a key is blocked after exceeding
	// MaxAttempts. Zero defaults to twice the window.
	BlockDuration time.Duration
	// MaxBlockDuration caps repeat-violation escalation. Zero defaults to
	// 24 hours.
	MaxBlockDuration time.Duration
}

// Validate rejects unusable policies at configuration time.
func (p RateLimitPolicy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("%w: rate limit window must be positive, got %s", ErrInvalidConfig, p.Window)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: rate limit max attempts must be positive, got %d", ErrInvalidConfig, p.MaxAttempts)
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("%w: rate limit block duration must not be negative, got %s", ErrInvalidConfig, p.BlockDuration)
	}
	if p.MaxBlockDuration < 0 {
		return fmt.Errorf("%w: rate limit max block duration must not be negative, got %s", ErrInvalidConfig, p.MaxBlockDuration)
	}
	return nil
}

// Normalized fills in the documented defaults for zero-valued fields.
func (p RateLimitPolicy) Normalized() RateLimitPolicy {
	out := p
	if out.BlockDuration == 0 {
		out.BlockDuration = 2 * out.Window
	}
	if out.MaxBlockDuration == 0 {
		out.MaxBlockDuration = 24 * time.Hour
	}
	return out
}

// BlockDurationFor computes the block for the given violation count (1 for
// the first block). Each repeat violation doubles the block, capped at
// MaxBlockDuration.
func (p RateLimitPolicy) BlockDurationFor(violations int) time.Duration {
	d := p.BlockDuration
	for i := 1; i < violations; i++ {
		d *= 2
		if p.MaxBlockDuration > 0 && d >= p.MaxBlockDuration {
			return p.MaxBlockDuration
		}
	}
	if p.MaxBlockDuration > 0 && d > p.MaxBlockDuration {
		return p.MaxBlockDuration
	}
	return d
}

// RateLimitEntry is the limiter's per-key state.
type RateLimitEntry struct {
	// Attempts counted in the current window.
	Attempts int
	// ResetAt is when the current window ends.
	ResetAt time.Time
	// BlockedUntil is set while the key is serving a block.
	BlockedUntil *time.Time
	// Violations counts blocks applied since the key was last reset or
	// evicted, and drives block escalation.
	Violations int
}

// RateLimitResult is the outcome of a limiter check or status query.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is the whole number of seconds until the key may retry,
	// rounded up. Only set on denials.
	RetryAfter int `json:"retry_after,omitempty"`
}
