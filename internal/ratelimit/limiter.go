// Package ratelimit enforces per-chat alert budgets: a per-token cooldown
// and an hourly sliding window. Both checks and the mark that commits an
// alert run under one per-chat lock, so the budget can never be exceeded
// by concurrent senders.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

const cooldownMaxAge = 24 * time.Hour

// Config holds the limiter thresholds.
type Config struct {
	// TokenCooldown is the minimum gap between two alerts for the same
	// (chat, token) pair (default 30m)
	TokenCooldown time.Duration

	// MaxAlertsPerHour bounds alerts per chat inside the sliding window
	// (default 20)
	MaxAlertsPerHour int

	// Window is the sliding window length (default 1h; shortened in tests)
	Window time.Duration

	// CleanupInterval is how often stale state is pruned (default 10m)
	CleanupInterval time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		TokenCooldown:    30 * time.Minute,
		MaxAlertsPerHour: 20,
		Window:           time.Hour,
		CleanupInterval:  10 * time.Minute,
	}
}

type cooldownEntry struct {
	lastAlertTime time.Time
	alertCount    int
	hourStart     time.Time
}

// chatState carries one chat's cooldowns and sliding window. Its mutex
// makes the check-update-append triple atomic per chat.
type chatState struct {
	mu         sync.Mutex
	cooldowns  map[string]*cooldownEntry
	timestamps []time.Time // ascending send times within the window
}

// pruneLocked drops window entries older than the configured window.
// Copy-then-assign so no reader ever observes a half-shifted slice.
func (s *chatState) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := make([]time.Time, 0, len(s.timestamps))
	for _, ts := range s.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.timestamps = kept
}

// Limiter owns all per-chat alert budgets. Safe for concurrent use.
type Limiter struct {
	mu    sync.RWMutex
	chats map[string]*chatState
	cfg   Config

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its background cleanup.
func New(cfg Config) *Limiter {
	defaults := DefaultConfig()
	if cfg.TokenCooldown == 0 {
		cfg.TokenCooldown = defaults.TokenCooldown
	}
	if cfg.MaxAlertsPerHour == 0 {
		cfg.MaxAlertsPerHour = defaults.MaxAlertsPerHour
	}
	if cfg.Window == 0 {
		cfg.Window = defaults.Window
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	l := &Limiter{
		chats:  make(map[string]*chatState),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the background cleanup.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// chat returns the state for chatID, creating it on first use.
func (l *Limiter) chat(chatID string) *chatState {
	l.mu.RLock()
	s, ok := l.chats[chatID]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok = l.chats[chatID]; ok {
		return s
	}
	s = &chatState{cooldowns: make(map[string]*cooldownEntry)}
	l.chats[chatID] = s
	return s
}

// CanSendAlert reports whether the (chat, token) cooldown has elapsed.
func (l *Limiter) CanSendAlert(chatID, tokenMint string) bool {
	s := l.chat(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cooldowns[tokenMint]
	if !ok {
		return true
	}
	return time.Since(e.lastAlertTime) >= l.cfg.TokenCooldown
}

// CanSendAnyAlert reports whether the chat still has hourly budget left.
func (l *Limiter) CanSendAnyAlert(chatID string) bool {
	s := l.chat(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(time.Now(), l.cfg.Window)
	return len(s.timestamps) < l.cfg.MaxAlertsPerHour
}

// MarkAlertSent commits an alert against both budgets. It re-checks the
// cooldown and the window under the chat lock and returns false without
// recording anything when either budget is exhausted.
func (l *Limiter) MarkAlertSent(chatID, tokenMint string) bool {
	s := l.chat(chatID)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cooldowns[tokenMint]; ok && now.Sub(e.lastAlertTime) < l.cfg.TokenCooldown {
		return false
	}

	s.pruneLocked(now, l.cfg.Window)
	if len(s.timestamps) >= l.cfg.MaxAlertsPerHour {
		return false
	}

	e, ok := s.cooldowns[tokenMint]
	if !ok {
		e = &cooldownEntry{hourStart: now}
		s.cooldowns[tokenMint] = e
	}
	if now.Sub(e.hourStart) >= time.Hour {
		e.hourStart = now
		e.alertCount = 0
	}
	e.lastAlertTime = now
	e.alertCount++
	s.timestamps = append(s.timestamps, now)
	return true
}

// CooldownRemaining returns how long until the pair may alert again.
func (l *Limiter) CooldownRemaining(chatID, tokenMint string) time.Duration {
	s := l.chat(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cooldowns[tokenMint]
	if !ok {
		return 0
	}
	remaining := l.cfg.TokenCooldown - time.Since(e.lastAlertTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AlertsRemainingThisHour returns the unused hourly budget for the chat.
func (l *Limiter) AlertsRemainingThisHour(chatID string) int {
	s := l.chat(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(time.Now(), l.cfg.Window)
	remaining := l.cfg.MaxAlertsPerHour - len(s.timestamps)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Stats reports limiter occupancy for the ops surface.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.RLock()
	chats := make([]*chatState, 0, len(l.chats))
	for _, s := range l.chats {
		chats = append(chats, s)
	}
	total := len(l.chats)
	l.mu.RUnlock()

	cooldowns := 0
	windowed := 0
	for _, s := range chats {
		s.mu.Lock()
		cooldowns += len(s.cooldowns)
		windowed += len(s.timestamps)
		s.mu.Unlock()
	}

	return map[string]interface{}{
		"active_chats":        total,
		"tracked_cooldowns":   cooldowns,
		"window_entries":      windowed,
		"max_alerts_per_hour": l.cfg.MaxAlertsPerHour,
		"token_cooldown_sec":  int(l.cfg.TokenCooldown.Seconds()),
	}
}

// cleanupLoop prunes cooldowns idle past 24h and expired window entries.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removedChats := 0
	for chatID, s := range l.chats {
		s.mu.Lock()
		for mint, e := range s.cooldowns {
			if now.Sub(e.lastAlertTime) > cooldownMaxAge {
				delete(s.cooldowns, mint)
			}
		}
		s.pruneLocked(now, l.cfg.Window)
		empty := len(s.cooldowns) == 0 && len(s.timestamps) == 0
		s.mu.Unlock()

		if empty {
			delete(l.chats, chatID)
			removedChats++
		}
	}

	if removedChats > 0 {
		slog.Debug("rate limiter cleanup", slog.Int("removed_chats", removedChats))
	}
}
