package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cooldown, window time.Duration, maxPerHour int) *Limiter {
	return New(Config{
		TokenCooldown:    cooldown,
		MaxAlertsPerHour: maxPerHour,
		Window:           window,
		CleanupInterval:  time.Hour,
	})
}

// ============================================================================
// COOLDOWN
// ============================================================================

func TestCooldownBlocksRepeatAlerts(t *testing.T) {
	l := newTestLimiter(50*time.Millisecond, time.Hour, 100)
	defer l.Stop()

	assert.True(t, l.CanSendAlert("chat1", "mintA"))
	require.True(t, l.MarkAlertSent("chat1", "mintA"))

	assert.False(t, l.CanSendAlert("chat1", "mintA"))
	assert.False(t, l.MarkAlertSent("chat1", "mintA"))

	// A different token or chat is unaffected
	assert.True(t, l.CanSendAlert("chat1", "mintB"))
	assert.True(t, l.CanSendAlert("chat2", "mintA"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.CanSendAlert("chat1", "mintA"))
	assert.True(t, l.MarkAlertSent("chat1", "mintA"))
}

func TestCooldownRemaining(t *testing.T) {
	l := newTestLimiter(time.Hour, time.Hour, 100)
	defer l.Stop()

	assert.Equal(t, time.Duration(0), l.CooldownRemaining("chat1", "mintA"))

	require.True(t, l.MarkAlertSent("chat1", "mintA"))
	remaining := l.CooldownRemaining("chat1", "mintA")
	assert.Greater(t, remaining, 59*time.Minute)
	assert.LessOrEqual(t, remaining, time.Hour)
}

// ============================================================================
// SLIDING WINDOW
// ============================================================================

func TestHourlyBudgetExhaustion(t *testing.T) {
	l := newTestLimiter(time.Millisecond, 60*time.Millisecond, 10)
	defer l.Stop()

	for i := 0; i < 10; i++ {
		mint := fmt.Sprintf("mint%d", i)
		require.True(t, l.MarkAlertSent("chatC", mint), "alert %d should fit the budget", i)
	}

	assert.False(t, l.CanSendAnyAlert("chatC"))
	assert.False(t, l.MarkAlertSent("chatC", "mint11"))
	assert.Equal(t, 0, l.AlertsRemainingThisHour("chatC"))

	// Budget frees once the window slides past the burst
	time.Sleep(70 * time.Millisecond)
	assert.True(t, l.CanSendAnyAlert("chatC"))
	assert.Equal(t, 10, l.AlertsRemainingThisHour("chatC"))
	assert.True(t, l.MarkAlertSent("chatC", "mint11"))
}

func TestWindowIsPerChat(t *testing.T) {
	l := newTestLimiter(time.Millisecond, time.Hour, 2)
	defer l.Stop()

	require.True(t, l.MarkAlertSent("a", "m1"))
	require.True(t, l.MarkAlertSent("a", "m2"))
	assert.False(t, l.CanSendAnyAlert("a"))

	assert.True(t, l.CanSendAnyAlert("b"))
	assert.True(t, l.MarkAlertSent("b", "m1"))
}

func TestMarkRejectedLeavesBudgetUntouched(t *testing.T) {
	l := newTestLimiter(time.Hour, time.Hour, 5)
	defer l.Stop()

	require.True(t, l.MarkAlertSent("chat", "mint"))
	// Rejected by cooldown; must not consume window budget
	for i := 0; i < 10; i++ {
		assert.False(t, l.MarkAlertSent("chat", "mint"))
	}
	assert.Equal(t, 4, l.AlertsRemainingThisHour("chat"))
}

// ============================================================================
// CONCURRENCY
// ============================================================================

func TestConcurrentMarksNeverExceedBudget(t *testing.T) {
	l := newTestLimiter(time.Millisecond, time.Hour, 20)
	defer l.Stop()

	var wg sync.WaitGroup
	var granted sync.Map
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.MarkAlertSent("busy", fmt.Sprintf("mint%d", i)) {
				granted.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	granted.Range(func(_, _ interface{}) bool { count++; return true })
	assert.Equal(t, 20, count)
	assert.False(t, l.CanSendAnyAlert("busy"))
}

func TestConcurrentMarksSamePairGrantOnce(t *testing.T) {
	l := newTestLimiter(time.Hour, time.Hour, 100)
	defer l.Stop()

	var wg sync.WaitGroup
	grants := make([]bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			grants[i] = l.MarkAlertSent("chat", "hot-mint")
		}(i)
	}
	wg.Wait()

	total := 0
	for _, g := range grants {
		if g {
			total++
		}
	}
	assert.Equal(t, 1, total)
}

// ============================================================================
// CLEANUP
// ============================================================================

func TestCleanupDropsIdleState(t *testing.T) {
	l := newTestLimiter(time.Millisecond, 20*time.Millisecond, 100)
	defer l.Stop()

	require.True(t, l.MarkAlertSent("old-chat", "mint"))
	time.Sleep(30 * time.Millisecond)

	// Force a cleanup pass with a cutoff far in the future to age out the entry
	l.cleanup(time.Now().Add(25 * time.Hour))

	stats := l.Stats()
	assert.Equal(t, 0, stats["active_chats"])
	assert.Equal(t, 0, stats["tracked_cooldowns"])
}

func TestStatsShape(t *testing.T) {
	l := newTestLimiter(time.Hour, time.Hour, 20)
	defer l.Stop()

	require.True(t, l.MarkAlertSent("chat", "mint"))
	stats := l.Stats()
	assert.Equal(t, 1, stats["active_chats"])
	assert.Equal(t, 1, stats["tracked_cooldowns"])
	assert.Equal(t, 1, stats["window_entries"])
	assert.Equal(t, 20, stats["max_alerts_per_hour"])
}
