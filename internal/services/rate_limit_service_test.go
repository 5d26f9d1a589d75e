package services_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/stretchr/testify/assert"
)

func newLimiter(t *testing.T) (*services.RateLimitService, *services.ManualClock) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	clock := services.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return services.NewRateLimitService(clock, logger), clock
}

func TestRateLimitCheck_AllowsWithinWindow(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 3}

	result := limiter.Check("ratelimit:API:ip:1.2.3.4", policy)

	assert.True(t, result.Allowed)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), result.ResetAt)
	assert.Equal(t, 0, result.RetryAfter)

	result = limiter.Check("ratelimit:API:ip:1.2.3.4", policy)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)

	result = limiter.Check("ratelimit:API:ip:1.2.3.4", policy)
	assert.True(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestRateLimitCheck_BlocksWhenExceeded(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 3, BlockDuration: 5 * time.Minute}

	for i := 0; i < 3; i++ {
		limiter.Check("key", policy)
	}
	result := limiter.Check("key", policy)

	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, clock.Now().Add(5*time.Minute), result.ResetAt)
	assert.Equal(t, 300, result.RetryAfter)
}

func TestRateLimitCheck_BlockedKeyStaysBlocked(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 1, BlockDuration: 10 * time.Minute}

	limiter.Check("key", policy)
	limiter.Check("key", policy)

	clock.Advance(4 * time.Minute)
	result := limiter.Check("key", policy)

	assert.False(t, result.Allowed)
	assert.Equal(t, 360, result.RetryAfter)
}

func TestRateLimitCheck_WindowExpiryStartsFresh(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 3}

	limiter.Check("key", policy)
	limiter.Check("key", policy)

	clock.Advance(61 * time.Second)
	result := limiter.Check("key", policy)

	assert.True(t, result.Allowed)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), result.ResetAt)
}

func TestRateLimitCheck_BlockExpiryAllowsAgain(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 1, BlockDuration: 2 * time.Minute}

	limiter.Check("key", policy)
	result := limiter.Check("key", policy)
	assert.False(t, result.Allowed)

	clock.Advance(3 * time.Minute)
	result = limiter.Check("key", policy)

	assert.True(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestRateLimitCheck_RepeatViolationsEscalate(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{
		Window:           time.Minute,
		MaxAttempts:      1,
		BlockDuration:    2 * time.Minute,
		MaxBlockDuration: 5 * time.Minute,
	}

	// First violation: 2m block.
	limiter.Check("key", policy)
	result := limiter.Check("key", policy)
	assert.False(t, result.Allowed)
	assert.Equal(t, 120, result.RetryAfter)

	// Second violation after the block expires: 4m block.
	clock.Advance(3 * time.Minute)
	limiter.Check("key", policy)
	result = limiter.Check("key", policy)
	assert.False(t, result.Allowed)
	assert.Equal(t, 240, result.RetryAfter)

	// Third violation: 8m capped to 5m.
	clock.Advance(5 * time.Minute)
	limiter.Check("key", policy)
	result = limiter.Check("key", policy)
	assert.False(t, result.Allowed)
	assert.Equal(t, 300, result.RetryAfter)
}

func TestRateLimitCheck_DefaultBlockIsTwiceWindow(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{Window: 10 * time.Minute, MaxAttempts: 1}

	limiter.Check("key", policy)
	result := limiter.Check("key", policy)

	assert.False(t, result.Allowed)
	assert.Equal(t, clock.Now().Add(20*time.Minute), result.ResetAt)
}

func TestRateLimitStatus_DoesNotCount(t *testing.T) {
	limiter, _ := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 3}

	limiter.Check("key", policy)

	for i := 0; i < 10; i++ {
		status := limiter.Status("key", policy)
		assert.True(t, status.Allowed)
		assert.Equal(t, 2, status.Remaining)
	}

	result := limiter.Check("key", policy)
	assert.Equal(t, 1, result.Remaining)
}

func TestRateLimitStatus_UnknownKeyShowsFullQuota(t *testing.T) {
	limiter, _ := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 5}

	status := limiter.Status("never-seen", policy)

	assert.True(t, status.Allowed)
	assert.Equal(t, 5, status.Remaining)
}

func TestRateLimitStatus_ExpiredWindowShowsFullQuota(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 5}

	limiter.Check("key", policy)
	clock.Advance(2 * time.Minute)

	status := limiter.Status("key", policy)

	assert.True(t, status.Allowed)
	assert.Equal(t, 5, status.Remaining)
}

func TestRateLimitStatus_ReportsBlock(t *testing.T) {
	limiter, _ := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 1, BlockDuration: 2 * time.Minute}

	limiter.Check("key", policy)
	limiter.Check("key", policy)

	status := limiter.Status("key", policy)

	assert.False(t, status.Allowed)
	assert.Equal(t, 120, status.RetryAfter)
}

func TestRateLimitReset_BehavesAsNeverSeen(t *testing.T) {
	limiter, _ := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 2, BlockDuration: time.Hour}

	limiter.Check("key", policy)
	limiter.Check("key", policy)
	result := limiter.Check("key", policy)
	assert.False(t, result.Allowed)

	existed := limiter.Reset("key")
	assert.True(t, existed)

	result = limiter.Check("key", policy)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)

	// Violation history is gone too: the next block is the base duration.
	limiter.Check("key", policy)
	result = limiter.Check("key", policy)
	assert.False(t, result.Allowed)
	assert.Equal(t, 3600, result.RetryAfter)
}

func TestRateLimitReset_UnknownKey(t *testing.T) {
	limiter, _ := newLimiter(t)

	assert.False(t, limiter.Reset("never-seen"))
}

func TestRateLimitResetAll(t *testing.T) {
	limiter, _ := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 5}

	limiter.Check("a", policy)
	limiter.Check("b", policy)
	limiter.Check("c", policy)

	cleared := limiter.ResetAll()

	assert.Equal(t, 3, cleared)
	assert.Equal(t, 0, limiter.Size())
}

func TestRateLimitSweep(t *testing.T) {
	limiter, clock := newLimiter(t)
	short := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 5}
	blocking := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 1, BlockDuration: time.Hour}

	limiter.Check("expired", short)
	limiter.Check("blocked", blocking)
	limiter.Check("blocked", blocking)

	clock.Advance(2 * time.Minute)
	limiter.Check("active", short)

	evicted := limiter.Sweep()

	// "expired" is gone, "blocked" survives its window because the block is
	// still active, "active" has a live window.
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 2, limiter.Size())

	status := limiter.Status("blocked", blocking)
	assert.False(t, status.Allowed)
}

func TestRateLimitSweep_EvictsExpiredBlocks(t *testing.T) {
	limiter, clock := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 1, BlockDuration: 5 * time.Minute}

	limiter.Check("key", policy)
	limiter.Check("key", policy)

	clock.Advance(6 * time.Minute)
	evicted := limiter.Sweep()

	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, limiter.Size())
}

func TestRateLimitPresets(t *testing.T) {
	policy, err := services.Preset(services.PresetLogin)

	assert.NoError(t, err)
	assert.Equal(t, 15*time.Minute, policy.Window)
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, time.Hour, policy.BlockDuration)

	_, err = services.Preset("NOPE")
	assert.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestRateLimitLoginPreset_SixthAttemptBlocksForAnHour(t *testing.T) {
	limiter, _ := newLimiter(t)
	policy, err := services.Preset(services.PresetLogin)
	assert.NoError(t, err)

	key := services.RateLimitKey(services.PresetLogin, "ip", "1.2.3.4")
	for i := 0; i < 5; i++ {
		result := limiter.Check(key, policy)
		assert.True(t, result.Allowed)
	}

	result := limiter.Check(key, policy)

	assert.False(t, result.Allowed)
	assert.Equal(t, 3600, result.RetryAfter)
}

func TestRateLimitKey(t *testing.T) {
	key := services.RateLimitKey(services.PresetLogin, "ip", "1.2.3.4")
	assert.Equal(t, "ratelimit:LOGIN:ip:1.2.3.4", key)

	key = services.RateLimitKey(services.PresetAdmin, "identity", "user@example.com")
	assert.Equal(t, "ratelimit:ADMIN:identity:user@example.com", key)
}

func TestRateLimitCheck_ConcurrentChecksNeverOverAdmit(t *testing.T) {
	limiter, _ := newLimiter(t)
	policy := models.RateLimitPolicy{Window: time.Minute, MaxAttempts: 10}

	const calls = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	wg.Add(calls)
	for i := 0; i < calls; i++ {
		go func() {
			defer wg.Done()
			if limiter.Check("key", policy).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}
