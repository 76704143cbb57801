// Package queue holds discovered pools between the source adapters and the
// enrichment pipeline. The queue is a bounded FIFO with a pending set so a
// token is analyzed at most once while it is queued or in flight, and a
// dispatcher that respects the alert budget before spending RPC calls on a
// token nobody could be alerted about.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/core"
)

const (
	defaultMaxSize          = 500
	defaultWarningThreshold = 400
	defaultOverflowEvict    = 50
	defaultConcurrency      = 3
	defaultRateLimitWait    = 5 * time.Second
	defaultEmptyQueueCheck  = 2 * time.Second
)

// AlertGate is the slice of the rate limiter the dispatcher consults: the
// hourly budget before pulling a batch, and the per-token cooldown before
// handing an event to a worker.
type AlertGate interface {
	CanSendAlert(chatID, tokenMint string) bool
	CanSendAnyAlert(chatID string) bool
}

// ProcessFunc runs the full analysis for one discovered pool.
type ProcessFunc func(ctx context.Context, ev core.PoolEvent) error

// Config controls queue bounds and dispatcher pacing.
type Config struct {
	MaxSize            int
	WarningThreshold   int
	OverflowEvictCount int
	Concurrency        int
	RateLimitWait      time.Duration
	EmptyQueueCheck    time.Duration
	ChatID             string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:            defaultMaxSize,
		WarningThreshold:   defaultWarningThreshold,
		OverflowEvictCount: defaultOverflowEvict,
		Concurrency:        defaultConcurrency,
		RateLimitWait:      defaultRateLimitWait,
		EmptyQueueCheck:    defaultEmptyQueueCheck,
	}
}

// AnalysisQueue buffers pool events and drains them through a bounded
// worker pool.
type AnalysisQueue struct {
	cfg     Config
	gate    AlertGate
	process ProcessFunc

	mu      sync.Mutex
	items   []core.PoolEvent
	pending map[string]struct{}
	warned  bool

	sem      chan struct{}
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	enqueued        atomic.Uint64
	duplicates      atomic.Uint64
	evicted         atomic.Uint64
	processed       atomic.Uint64
	failures        atomic.Uint64
	skippedCooldown atomic.Uint64
	depthWarnings   atomic.Uint64
	inFlight        atomic.Int64
}

// New creates a queue. Zero config fields fall back to defaults.
func New(cfg Config, gate AlertGate, process ProcessFunc) *AnalysisQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = defaultWarningThreshold
	}
	if cfg.OverflowEvictCount <= 0 {
		cfg.OverflowEvictCount = defaultOverflowEvict
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = defaultRateLimitWait
	}
	if cfg.EmptyQueueCheck <= 0 {
		cfg.EmptyQueueCheck = defaultEmptyQueueCheck
	}
	return &AnalysisQueue{
		cfg:     cfg,
		gate:    gate,
		process: process,
		pending: make(map[string]struct{}),
		sem:     make(chan struct{}, cfg.Concurrency),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue adds a pool event unless its token is already queued or being
// analyzed. When the queue is full the oldest OverflowEvictCount entries
// are dropped to make room. Returns false for duplicates.
func (q *AnalysisQueue) Enqueue(ev core.PoolEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.pending[ev.TokenMint]; dup {
		q.duplicates.Add(1)
		return false
	}

	if len(q.items) >= q.cfg.MaxSize {
		q.evictOldestLocked(q.cfg.OverflowEvictCount)
	}

	q.items = append(q.items, ev)
	q.pending[ev.TokenMint] = struct{}{}
	q.enqueued.Add(1)
	q.checkDepthLocked()
	return true
}

func (q *AnalysisQueue) evictOldestLocked(n int) {
	if n > len(q.items) {
		n = len(q.items)
	}
	for _, ev := range q.items[:n] {
		delete(q.pending, ev.TokenMint)
	}
	q.items = append([]core.PoolEvent(nil), q.items[n:]...)
	q.evicted.Add(uint64(n))
	slog.Warn("analysis queue full, evicted oldest entries",
		slog.Int("evicted", n),
		slog.Int("size", len(q.items)))
}

// checkDepthLocked warns once when the queue crosses the threshold and
// re-arms after it drains below half of it.
func (q *AnalysisQueue) checkDepthLocked() {
	size := len(q.items)
	switch {
	case !q.warned && size >= q.cfg.WarningThreshold:
		q.warned = true
		q.depthWarnings.Add(1)
		slog.Warn("analysis queue depth high",
			slog.Int("size", size),
			slog.Int("threshold", q.cfg.WarningThreshold))
	case q.warned && size < q.cfg.WarningThreshold/2:
		q.warned = false
	}
}

// Run drains the queue until the context is cancelled or Stop is called,
// then waits for in-flight workers to finish.
func (q *AnalysisQueue) Run(ctx context.Context) {
	slog.Info("analysis queue started",
		slog.Int("max_size", q.cfg.MaxSize),
		slog.Int("concurrency", q.cfg.Concurrency))
	defer q.wg.Wait()
	defer slog.Info("analysis queue stopping",
		slog.Uint64("processed", q.processed.Load()),
		slog.Uint64("failures", q.failures.Load()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		// No point analyzing tokens the hourly budget cannot alert on.
		if !q.gate.CanSendAnyAlert(q.cfg.ChatID) {
			if !q.sleep(ctx, q.cfg.RateLimitWait) {
				return
			}
			continue
		}

		batch := q.pullBatch(q.cfg.Concurrency)
		if len(batch) == 0 {
			if !q.sleep(ctx, q.cfg.EmptyQueueCheck) {
				return
			}
			continue
		}

		for i, ev := range batch {
			select {
			case q.sem <- struct{}{}:
			case <-ctx.Done():
				q.releasePending(batch[i:])
				return
			case <-q.stopCh:
				q.releasePending(batch[i:])
				return
			}
			q.wg.Add(1)
			go q.work(ctx, ev)
		}
	}
}

// pullBatch pops up to n events off the front, discarding tokens whose
// cooldown has not elapsed. Pulled tokens stay in the pending set until
// their worker finishes.
func (q *AnalysisQueue) pullBatch(n int) []core.PoolEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []core.PoolEvent
	for len(batch) < n && len(q.items) > 0 {
		ev := q.items[0]
		q.items = q.items[1:]
		if !q.gate.CanSendAlert(q.cfg.ChatID, ev.TokenMint) {
			delete(q.pending, ev.TokenMint)
			q.skippedCooldown.Add(1)
			slog.Debug("token on cooldown, skipping analysis",
				slog.String("token", ev.TokenMint))
			continue
		}
		batch = append(batch, ev)
	}
	if len(q.items) == 0 {
		q.items = nil
	}
	q.checkDepthLocked()
	return batch
}

func (q *AnalysisQueue) work(ctx context.Context, ev core.PoolEvent) {
	defer q.wg.Done()
	defer func() { <-q.sem }()
	defer q.finish(ev.TokenMint)
	defer func() {
		if r := recover(); r != nil {
			q.failures.Add(1)
			slog.Error("analysis worker panic",
				slog.String("token", ev.TokenMint),
				slog.Any("panic", r))
		}
	}()

	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	if err := q.process(ctx, ev); err != nil {
		q.failures.Add(1)
		slog.Error("analysis failed",
			slog.String("token", ev.TokenMint),
			slog.String("source", string(ev.Source)),
			slog.String("error", err.Error()))
		return
	}
	q.processed.Add(1)
}

func (q *AnalysisQueue) finish(mint string) {
	q.mu.Lock()
	delete(q.pending, mint)
	q.mu.Unlock()
}

func (q *AnalysisQueue) releasePending(evs []core.PoolEvent) {
	q.mu.Lock()
	for _, ev := range evs {
		delete(q.pending, ev.TokenMint)
	}
	q.mu.Unlock()
}

// sleep waits for d, returning false when shutdown interrupts the wait.
func (q *AnalysisQueue) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-q.stopCh:
		return false
	}
}

// Stop signals the dispatcher to exit. Safe to call more than once.
func (q *AnalysisQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// Size returns the number of queued, not yet pulled events.
func (q *AnalysisQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Size            int    `json:"size"`
	InFlight        int64  `json:"in_flight"`
	Enqueued        uint64 `json:"enqueued"`
	Duplicates      uint64 `json:"duplicates"`
	Evicted         uint64 `json:"evicted"`
	Processed       uint64 `json:"processed"`
	Failures        uint64 `json:"failures"`
	SkippedCooldown uint64 `json:"skipped_cooldown"`
	DepthWarnings   uint64 `json:"depth_warnings"`
}

// Stats returns current counters.
func (q *AnalysisQueue) Stats() Stats {
	q.mu.Lock()
	size := len(q.items)
	q.mu.Unlock()

	return Stats{
		Size:            size,
		InFlight:        q.inFlight.Load(),
		Enqueued:        q.enqueued.Load(),
		Duplicates:      q.duplicates.Load(),
		Evicted:         q.evicted.Load(),
		Processed:       q.processed.Load(),
		Failures:        q.failures.Load(),
		SkippedCooldown: q.skippedCooldown.Load(),
		DepthWarnings:   q.depthWarnings.Load(),
	}
}
