package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mintwatch/backend/internal/core"
)

const (
	defaultDashboardChannel = "mintwatch:alerts"
	defaultRecentKey        = "mintwatch:alerts:recent"
	defaultRecentCap        = 100
)

// DashboardStore is the minimal Redis surface the dashboard sink needs.
type DashboardStore interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PushRecent(ctx context.Context, key string, payload []byte, max int64) error
}

// DashboardConfig names the channel and recent-list key.
type DashboardConfig struct {
	Channel   string
	RecentKey string
	RecentCap int
}

// DashboardSink feeds the live dashboard: alerts go out over pub/sub for
// other consumers and into a capped recent list. A local in-memory ring
// always mirrors the recent list, so this pod's HTTP API keeps answering
// when Redis is away.
type DashboardSink struct {
	cfg   DashboardConfig
	store DashboardStore

	mu   sync.RWMutex
	ring []*core.Alert

	published atomic.Uint64
	fallbacks atomic.Uint64
}

// NewDashboardSink builds the sink. store may be nil for memory-only mode.
func NewDashboardSink(cfg DashboardConfig, store DashboardStore) *DashboardSink {
	if cfg.Channel == "" {
		cfg.Channel = defaultDashboardChannel
	}
	if cfg.RecentKey == "" {
		cfg.RecentKey = defaultRecentKey
	}
	if cfg.RecentCap <= 0 {
		cfg.RecentCap = defaultRecentCap
	}
	return &DashboardSink{cfg: cfg, store: store}
}

func (s *DashboardSink) Name() string { return "dashboard" }

// Send records the alert locally and pushes it to Redis when available.
// Redis trouble degrades to local-only and still counts as delivered.
func (s *DashboardSink) Send(ctx context.Context, alert *core.Alert) SinkResult {
	s.remember(alert)

	payload, err := json.Marshal(alert)
	if err != nil {
		return SinkResult{Err: err}
	}

	if s.store != nil {
		if err := s.store.Publish(ctx, s.cfg.Channel, payload); err != nil {
			s.fallbacks.Add(1)
			slog.Warn("dashboard publish failed, keeping local only",
				"channel", s.cfg.Channel,
				"error", err)
			return SinkResult{Delivered: true}
		}
		if err := s.store.PushRecent(ctx, s.cfg.RecentKey, payload, int64(s.cfg.RecentCap)); err != nil {
			slog.Warn("dashboard recent push failed",
				"key", s.cfg.RecentKey,
				"error", err)
		}
		s.published.Add(1)
	}
	return SinkResult{Delivered: true}
}

func (s *DashboardSink) remember(alert *core.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append([]*core.Alert{alert}, s.ring...)
	if len(s.ring) > s.cfg.RecentCap {
		s.ring = s.ring[:s.cfg.RecentCap]
	}
}

// Recent returns up to n alerts, newest first.
func (s *DashboardSink) Recent(n int) []*core.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]*core.Alert, n)
	copy(out, s.ring[:n])
	return out
}

// Published counts successful Redis publishes; Fallbacks counts publishes
// that degraded to local-only.
func (s *DashboardSink) Published() uint64 { return s.published.Load() }
func (s *DashboardSink) Fallbacks() uint64 { return s.fallbacks.Load() }
