// Package sources discovers newly created liquidity pools and feeds them
// into one shared event stream. Each adapter runs independently: a failing
// source degrades coverage but never takes down its peers. Adapters
// remember recently emitted pool addresses so reconnects and overlapping
// polls do not re-announce the same pool.
package sources

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/events"
)

const (
	defaultStreamBuffer = 200
	defaultRecentCap    = 2000
)

// Source is one discovery adapter.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Stats() SourceStats
}

// SourceStats snapshots one adapter's counters.
type SourceStats struct {
	Name       string `json:"name"`
	Running    bool   `json:"running"`
	Discovered uint64 `json:"discovered"`
	Duplicates uint64 `json:"duplicates"`
	Filtered   uint64 `json:"filtered"`
	Errors     uint64 `json:"errors"`
}

// Manager owns the pool-event stream and the adapter set.
type Manager struct {
	stream *events.Stream[core.PoolEvent]

	mu      sync.Mutex
	sources []Source
	started bool
}

// NewManager builds a manager with the given stream buffer, defaulted when
// zero.
func NewManager(buffer int) *Manager {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &Manager{stream: events.NewStream[core.PoolEvent]("pool-events", buffer)}
}

// Register adds an adapter. Must be called before Start.
func (m *Manager) Register(s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, s)
}

// Stream returns the shared stream adapters publish into.
func (m *Manager) Stream() *events.Stream[core.PoolEvent] {
	return m.stream
}

// Events is the consumer side of the discovery stream.
func (m *Manager) Events() <-chan core.PoolEvent {
	return m.stream.C()
}

// Start launches every registered adapter. A single adapter failing to
// start is logged and skipped; the rest keep running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for _, s := range m.sources {
		if err := s.Start(ctx); err != nil {
			slog.Warn("pool source failed to start",
				"source", s.Name(),
				"error", err)
			continue
		}
		slog.Info("pool source started", "source", s.Name())
	}
}

// Stop halts every adapter and closes the stream.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false

	for _, s := range m.sources {
		s.Stop()
	}
	m.stream.Close()
}

// Stats snapshots every adapter.
func (m *Manager) Stats() []SourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceStats, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s.Stats())
	}
	return out
}

// recentSet is a bounded remember-what-we-emitted set with FIFO eviction.
type recentSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]struct{}
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = defaultRecentCap
	}
	return &recentSet{cap: capacity, seen: make(map[string]struct{}, capacity)}
}

// Seen marks key and reports whether it was already present.
func (r *recentSet) Seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return true
	}
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > r.cap {
		evict := r.order[0]
		r.order = append([]string(nil), r.order[1:]...)
		delete(r.seen, evict)
	}
	return false
}

func (r *recentSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// emitter funnels adapter output through validation, dedup, and the
// minimum-liquidity prefilter before publishing.
type emitter struct {
	source          string
	stream          *events.Stream[core.PoolEvent]
	recent          *recentSet
	minLiquidityUSD float64

	discovered atomic.Uint64
	duplicates atomic.Uint64
	filtered   atomic.Uint64
	errors     atomic.Uint64
}

func newEmitter(source string, stream *events.Stream[core.PoolEvent], recentCap int, minLiquidityUSD float64) *emitter {
	return &emitter{
		source:          source,
		stream:          stream,
		recent:          newRecentSet(recentCap),
		minLiquidityUSD: minLiquidityUSD,
	}
}

// emit publishes one discovery, reporting whether it went out.
func (e *emitter) emit(ev core.PoolEvent) bool {
	if err := ev.Validate(); err != nil {
		e.errors.Add(1)
		slog.Debug("discarding malformed pool event", "source", e.source, "error", err)
		return false
	}
	if e.recent.Seen(ev.PoolAddress) {
		e.duplicates.Add(1)
		return false
	}
	// Only filter when the source actually knows the liquidity. Zero means
	// unknown and passes through for enrichment to decide.
	if e.minLiquidityUSD > 0 && ev.InitialLiquidityUSD > 0 && ev.InitialLiquidityUSD < e.minLiquidityUSD {
		e.filtered.Add(1)
		slog.Debug("pool below liquidity floor",
			"source", e.source,
			"pool", ev.PoolAddress,
			"liquidity_usd", ev.InitialLiquidityUSD)
		return false
	}

	e.stream.Publish(ev)
	e.discovered.Add(1)
	slog.Info("pool discovered",
		"source", e.source,
		"pool", ev.PoolAddress,
		"mint", ev.TokenMint,
		"symbol", ev.TokenSymbol)
	return true
}

func (e *emitter) stats(name string, running bool) SourceStats {
	return SourceStats{
		Name:       name,
		Running:    running,
		Discovered: e.discovered.Load(),
		Duplicates: e.duplicates.Load(),
		Filtered:   e.filtered.Load(),
		Errors:     e.errors.Load(),
	}
}
