package services

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// Named rate limit presets
const (
	PresetLogin         = "LOGIN"
	PresetRegistration  = "REGISTRATION"
	PresetPasswordReset = "PASSWORD_RESET"
	PresetAPI           = "API"
	PresetAIRequest     = "AI_REQUEST"
	PresetAdmin         = "ADMIN"
)

var presetPolicies = map[string]models.RateLimitPolicy{
	PresetLogin:         {Window: 15 * time.Minute, MaxAttempts: 5, BlockDuration: time.Hour},
	PresetRegistration:  {Window: time.Hour, MaxAttempts: 3, BlockDuration: 24 * time.Hour},
	PresetPasswordReset: {Window: time.Hour, MaxAttempts: 3, BlockDuration: 2 * time.Hour},
	PresetAPI:           {Window: time.Minute, MaxAttempts: 60, BlockDuration: 2 * time.Minute},
	PresetAIRequest:     {Window: time.Minute, MaxAttempts: 20, BlockDuration: 5 * time.Minute},
	PresetAdmin:         {Window: time.Minute, MaxAttempts: 30, BlockDuration: 2 * time.Minute},
}

// Preset returns the named built-in policy.
func Preset(name string) (models.RateLimitPolicy, error) {
	policy, ok := presetPolicies[name]
	if !ok {
		return models.RateLimitPolicy{}, fmt.Errorf("%w: unknown rate limit preset %q", models.ErrInvalidConfig, name)
	}
	return policy, nil
}

// MustPreset returns the named built-in policy, panicking on an unknown
// name. Intended for route wiring where the name is a constant.
func MustPreset(name string) models.RateLimitPolicy {
	policy, err := Preset(name)
	if err != nil {
		panic(err)
	}
	return policy
}

// PresetNames returns the names of all built-in policies.
func PresetNames() []string {
	names := make([]string, 0, len(presetPolicies))
	for name := range presetPolicies {
		names = append(names, name)
	}
	return names
}

// RateLimitKey builds the canonical limiter key for a preset and its
// dimension parts, e.g. RateLimitKey("LOGIN", "ip", "1.2.3.4") returns
// "ratelimit:LOGIN:ip:1.2.3.4".
func RateLimitKey(preset string, parts ...string) string {
	segments := append([]string{"ratelimit", preset}, parts...)
	return strings.Join(segments, ":")
}

// RateLimitService is an in-memory fixed-window rate limiter. State lives
// per key; policy is supplied per call so one instance serves any number
// of endpoint shapes. All methods are safe for concurrent use.
type RateLimitService struct {
	mu      sync.Mutex
	entries map[string]*models.RateLimitEntry
	clock   Clock
	logger  *slog.Logger
}

// NewRateLimitService creates a new RateLimitService. A nil clock falls
// back to the system clock.
func NewRateLimitService(clock Clock, logger *slog.Logger) *RateLimitService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RateLimitService{
		entries: make(map[string]*models.RateLimitEntry),
		clock:   clock,
		logger:  logger,
	}
}

// Check counts one attempt against the key and reports whether it is
// allowed. Exceeding MaxAttempts blocks the key for the policy's block
// duration, doubling on repeat violations.
func (s *RateLimitService) Check(key string, policy models.RateLimitPolicy) *models.RateLimitResult {
	policy = policy.Normalized()
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]

	if ok && models.TimestampActive(entry.BlockedUntil, now) {
		return &models.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    *entry.BlockedUntil,
			RetryAfter: retryAfterSeconds(*entry.BlockedUntil, now),
		}
	}

	if !ok || !now.Before(entry.ResetAt) {
		// Fresh window. Violations survive so repeat offenders keep their
		// escalated block length.
		var violations int
		if ok {
			violations = entry.Violations
		}
		entry = &models.RateLimitEntry{
			Attempts:   1,
			ResetAt:    now.Add(policy.Window),
			Violations: violations,
		}
		s.entries[key] = entry
		return &models.RateLimitResult{
			Allowed:   true,
			Remaining: policy.MaxAttempts - 1,
			ResetAt:   entry.ResetAt,
		}
	}

	entry.Attempts++

	if entry.Attempts > policy.MaxAttempts {
		entry.Violations++
		blockedUntil := now.Add(policy.BlockDurationFor(entry.Violations))
		entry.BlockedUntil = &blockedUntil

		s.logger.Warn("rate limit exceeded",
			slog.String("key", key),
			slog.Int("attempts", entry.Attempts),
			slog.Int("violations", entry.Violations),
			slog.Time("blocked_until", blockedUntil),
		)

		return &models.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    blockedUntil,
			RetryAfter: retryAfterSeconds(blockedUntil, now),
		}
	}

	return &models.RateLimitResult{
		Allowed:   true,
		Remaining: policy.MaxAttempts - entry.Attempts,
		ResetAt:   entry.ResetAt,
	}
}

// Status reports the key's state without counting an attempt. A key with
// no entry, or an expired window and no active block, shows the full
// quota.
func (s *RateLimitService) Status(key string, policy models.RateLimitPolicy) *models.RateLimitResult {
	policy = policy.Normalized()
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return &models.RateLimitResult{
			Allowed:   true,
			Remaining: policy.MaxAttempts,
			ResetAt:   now.Add(policy.Window),
		}
	}

	if models.TimestampActive(entry.BlockedUntil, now) {
		return &models.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    *entry.BlockedUntil,
			RetryAfter: retryAfterSeconds(*entry.BlockedUntil, now),
		}
	}

	if !now.Before(entry.ResetAt) {
		return &models.RateLimitResult{
			Allowed:   true,
			Remaining: policy.MaxAttempts,
			ResetAt:   now.Add(policy.Window),
		}
	}

	remaining := policy.MaxAttempts - entry.Attempts
	if remaining < 0 {
		remaining = 0
	}
	return &models.RateLimitResult{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   entry.ResetAt,
	}
}

// Reset forgets the key entirely, clearing its window, block, and
// violation history. Returns whether the key was being tracked.
func (s *RateLimitService) Reset(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.entries[key]
	delete(s.entries, key)
	return existed
}

// ResetAll forgets every key.
func (s *RateLimitService) ResetAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*models.RateLimitEntry)
	return n
}

// Sweep evicts entries whose window has ended and whose block, if any, has
// expired. Returns the number of evicted keys. Called periodically by the
// cleanup manager; safe to call directly.
func (s *RateLimitService) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, entry := range s.entries {
		if models.TimestampActive(entry.BlockedUntil, now) {
			continue
		}
		if now.Before(entry.ResetAt) {
			continue
		}
		delete(s.entries, key)
		evicted++
	}
	return evicted
}

// Size returns the number of tracked keys.
func (s *RateLimitService) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// retryAfterSeconds converts a wait until the given time into whole
// seconds, rounded up so clients never retry early.
func retryAfterSeconds(until, now time.Time) int {
	seconds := int((until.Sub(now) + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
