// Package outcomes follows every alerted token for a fixed monitoring window
// and records how it ended up. The classifications feed back into model
// tuning, so the record keeps the full initial/peak/final snapshot rather
// than just the label.
package outcomes

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/dexscreener"
)

const (
	defaultMaxTracked   = 500
	defaultPollInterval = 30 * time.Minute
	defaultWindow       = 48 * time.Hour

	rugLiquidityRatio     = 0.20
	rugPriceRatio         = 0.10
	pumpPeakMultiplier    = 2.0
	stableBand            = 0.30
	missingDataConfidence = 0.8
)

// MarketReader is the aggregator surface the poller needs.
type MarketReader interface {
	TokenPairsBatch(ctx context.Context, mints []string) (map[string][]dexscreener.Pair, error)
}

// OutcomeStore persists monitoring records across restarts. All methods are
// best effort from the tracker's view.
type OutcomeStore interface {
	SaveTokenOutcomeInitial(ctx context.Context, token *core.TrackedToken) error
	SaveTokenOutcomeFinal(ctx context.Context, outcome *core.TokenOutcome) error
	GetPendingOutcomes(ctx context.Context) ([]core.TrackedToken, error)
}

// Seed is the snapshot registered when a token enters monitoring.
type Seed struct {
	Mint         string
	Symbol       string
	Price        float64
	LiquidityUSD float64
	Holders      int
	RiskScore    int
}

// Config tunes the tracker; zero fields use defaults.
type Config struct {
	MaxTracked   int
	PollInterval time.Duration
	Window       time.Duration
}

// Tracker owns the tracked-token map. Only its poller mutates entries, so
// callers never see a half-updated record.
type Tracker struct {
	cfg    Config
	market MarketReader
	store  OutcomeStore

	mu     sync.Mutex
	tokens map[string]*core.TrackedToken

	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	running atomic.Bool

	registered atomic.Uint64
	rejected   atomic.Uint64
	classified atomic.Uint64
	updates    atomic.Uint64
}

// New builds a tracker. store may be nil for memory-only operation.
func New(cfg Config, market MarketReader, store OutcomeStore) *Tracker {
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = defaultMaxTracked
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	return &Tracker{
		cfg:    cfg,
		market: market,
		store:  store,
		tokens: make(map[string]*core.TrackedToken),
		stopCh: make(chan struct{}),
	}
}

// Start restores pending tokens from the store and begins polling.
func (t *Tracker) Start(ctx context.Context) error {
	t.restore(ctx)
	t.running.Store(true)
	t.wg.Add(1)
	go t.loop(ctx)
	return nil
}

// Stop halts the poll loop. Tracked tokens stay in the store for the next
// start.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	t.running.Store(false)
}

func (t *Tracker) restore(ctx context.Context) {
	if t.store == nil {
		return
	}
	pending, err := t.store.GetPendingOutcomes(ctx)
	if err != nil {
		slog.Warn("outcome restore failed", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range pending {
		if len(t.tokens) >= t.cfg.MaxTracked {
			break
		}
		tok := pending[i]
		if tok.Mint == "" {
			continue
		}
		t.tokens[tok.Mint] = &tok
	}
	if len(t.tokens) > 0 {
		slog.Info("restored tracked tokens", "count", len(t.tokens))
	}
}

// Track registers a token for monitoring. When the map is full, tokens past
// their window are classified out first; if none can be freed the
// registration is rejected.
func (t *Tracker) Track(ctx context.Context, seed Seed) error {
	if seed.Mint == "" {
		return core.Errorf(core.KindValidation, "track: empty mint")
	}

	now := time.Now()
	tok := &core.TrackedToken{
		Mint:             seed.Mint,
		Symbol:           seed.Symbol,
		InitialPrice:     seed.Price,
		InitialLiquidity: seed.LiquidityUSD,
		InitialHolders:   seed.Holders,
		InitialRiskScore: seed.RiskScore,
		PeakPrice:        seed.Price,
		PeakLiquidity:    seed.LiquidityUSD,
		PeakHolders:      seed.Holders,
		PeakAt:           now,
		CurrentPrice:     seed.Price,
		CurrentLiquidity: seed.LiquidityUSD,
		CurrentHolders:   seed.Holders,
		DiscoveredAt:     now,
		LastUpdated:      now,
	}

	t.mu.Lock()
	if _, ok := t.tokens[seed.Mint]; ok {
		t.mu.Unlock()
		return nil
	}

	var evicted []*core.TrackedToken
	if len(t.tokens) >= t.cfg.MaxTracked {
		evicted = t.evictExpiredLocked(now)
	}
	if len(t.tokens) >= t.cfg.MaxTracked {
		t.mu.Unlock()
		t.rejected.Add(1)
		slog.Warn("tracker full, rejecting registration",
			"mint", seed.Mint,
			"capacity", t.cfg.MaxTracked)
		return core.Errorf(core.KindValidation, "tracker full: %d tokens", t.cfg.MaxTracked)
	}
	t.tokens[seed.Mint] = tok
	t.mu.Unlock()

	t.finalize(ctx, evicted, now)

	t.registered.Add(1)
	if t.store != nil {
		if err := t.store.SaveTokenOutcomeInitial(ctx, tok); err != nil {
			slog.Warn("outcome initial save failed", "mint", seed.Mint, "error", err)
		}
	}
	slog.Info("tracking token",
		"mint", seed.Mint,
		"symbol", seed.Symbol,
		"initial_liquidity", seed.LiquidityUSD)
	return nil
}

// ForceClassify ends monitoring immediately and returns the outcome.
func (t *Tracker) ForceClassify(ctx context.Context, mint string) (*core.TokenOutcome, error) {
	t.mu.Lock()
	tok, ok := t.tokens[mint]
	if ok {
		delete(t.tokens, mint)
	}
	t.mu.Unlock()
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "not tracking %s", mint)
	}

	out := Classify(*tok, time.Now())
	t.persistFinal(ctx, &out)
	return &out, nil
}

// Tracked returns a snapshot of the current monitoring records.
func (t *Tracker) Tracked() []core.TrackedToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.TrackedToken, 0, len(t.tokens))
	for _, tok := range t.tokens {
		out = append(out, *tok)
	}
	return out
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.updateAll(ctx)
		}
	}
}

// updateAll refreshes every tracked token from one batched aggregator pull,
// then classifies out whatever expired or rugged.
func (t *Tracker) updateAll(ctx context.Context) {
	t.mu.Lock()
	mints := make([]string, 0, len(t.tokens))
	for mint := range t.tokens {
		mints = append(mints, mint)
	}
	t.mu.Unlock()
	if len(mints) == 0 {
		return
	}

	byMint, err := t.market.TokenPairsBatch(ctx, mints)
	if err != nil {
		slog.Warn("outcome poll failed", "tokens", len(mints), "error", err)
		return
	}
	now := time.Now()

	t.mu.Lock()
	var done []*core.TrackedToken
	for mint, tok := range t.tokens {
		if best := dexscreener.BestPair(byMint[mint]); best != nil {
			applyUpdate(tok, best, now)
			t.updates.Add(1)
		}
		if now.Sub(tok.DiscoveredAt) >= t.cfg.Window || ruggedEarly(tok) {
			delete(t.tokens, mint)
			done = append(done, tok)
		}
	}
	t.mu.Unlock()

	t.finalize(ctx, done, now)
}

func applyUpdate(tok *core.TrackedToken, pair *dexscreener.Pair, now time.Time) {
	tok.CurrentPrice = pair.Price()
	tok.CurrentLiquidity = pair.LiquidityUSD()
	if tok.CurrentPrice > tok.PeakPrice {
		tok.PeakPrice = tok.CurrentPrice
		tok.PeakAt = now
	}
	if tok.CurrentLiquidity > tok.PeakLiquidity {
		tok.PeakLiquidity = tok.CurrentLiquidity
	}
	tok.LastUpdated = now
	tok.UpdateCount++
}

// ruggedEarly reports whether live figures already read as a rug, which ends
// monitoring before the window does. Tokens with no update yet are left
// alone; a pool can take a while to show up on the aggregator.
func ruggedEarly(tok *core.TrackedToken) bool {
	if tok.UpdateCount == 0 {
		return false
	}
	return ratioOr(tok.CurrentLiquidity, tok.InitialLiquidity, 1) < rugLiquidityRatio ||
		ratioOr(tok.CurrentPrice, tok.InitialPrice, 1) < rugPriceRatio
}

// evictExpiredLocked removes tokens past their window and returns them for
// classification outside the lock.
func (t *Tracker) evictExpiredLocked(now time.Time) []*core.TrackedToken {
	var out []*core.TrackedToken
	for mint, tok := range t.tokens {
		if now.Sub(tok.DiscoveredAt) >= t.cfg.Window {
			delete(t.tokens, mint)
			out = append(out, tok)
		}
	}
	return out
}

func (t *Tracker) finalize(ctx context.Context, done []*core.TrackedToken, now time.Time) {
	for _, tok := range done {
		out := Classify(*tok, now)
		t.persistFinal(ctx, &out)
	}
}

func (t *Tracker) persistFinal(ctx context.Context, out *core.TokenOutcome) {
	t.classified.Add(1)
	slog.Info("token classified",
		"mint", out.Mint,
		"outcome", out.Outcome,
		"confidence", out.Confidence,
		"peak_multiplier", out.PeakMultiplier)
	if t.store != nil {
		if err := t.store.SaveTokenOutcomeFinal(ctx, out); err != nil {
			slog.Warn("outcome final save failed", "mint", out.Mint, "error", err)
		}
	}
}

// Classify derives the terminal outcome from one monitoring snapshot. It
// depends only on its arguments, so the same snapshot always classifies the
// same way.
func Classify(tok core.TrackedToken, now time.Time) core.TokenOutcome {
	out := core.TokenOutcome{
		Mint:             tok.Mint,
		Symbol:           tok.Symbol,
		InitialPrice:     tok.InitialPrice,
		InitialLiquidity: tok.InitialLiquidity,
		InitialRiskScore: tok.InitialRiskScore,
		PeakPrice:        tok.PeakPrice,
		PeakLiquidity:    tok.PeakLiquidity,
		FinalPrice:       tok.CurrentPrice,
		FinalLiquidity:   tok.CurrentLiquidity,
		ClassifiedAt:     now,
	}
	out.TimeToOutcomeSec = int64(now.Sub(tok.DiscoveredAt).Seconds())
	if !tok.PeakAt.IsZero() {
		out.TimeToPeakSec = int64(tok.PeakAt.Sub(tok.DiscoveredAt).Seconds())
	}
	if tok.InitialPrice > 0 {
		out.PeakMultiplier = tok.PeakPrice / tok.InitialPrice
	}

	if tok.CurrentPrice == 0 && tok.CurrentLiquidity == 0 {
		// Nothing on the market side at the end of the window. Delisted
		// pools read as rugs.
		out.Outcome = core.OutcomeRug
		out.Confidence = missingDataConfidence
		return out
	}

	liqRatio := ratioOr(tok.CurrentLiquidity, tok.InitialLiquidity, 1)
	finalRatio := ratioOr(tok.CurrentPrice, tok.InitialPrice, 1)

	switch {
	case liqRatio < rugLiquidityRatio || finalRatio < rugPriceRatio:
		out.Outcome = core.OutcomeRug
		out.Confidence = clamp01(((1 - liqRatio) + (1 - finalRatio)) / 2)
	case out.PeakMultiplier >= pumpPeakMultiplier:
		out.Outcome = core.OutcomePump
		out.Confidence = clamp01((out.PeakMultiplier - 1) / 5)
	case math.Abs(1-finalRatio) <= stableBand:
		out.Outcome = core.OutcomeStable
		out.Confidence = 1 - math.Abs(1-finalRatio)/stableBand
	case finalRatio < 1:
		out.Outcome = core.OutcomeSlowDecline
		out.Confidence = clamp01(1 - finalRatio)
	default:
		out.Outcome = core.OutcomeUnknown
		out.Confidence = 0.5
	}
	return out
}

// ratioOr divides current by initial, falling back when the initial figure
// was never known. An unknown baseline must not read as a crash.
func ratioOr(current, initial, fallback float64) float64 {
	if initial <= 0 {
		return fallback
	}
	return current / initial
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	Tracking   int    `json:"tracking"`
	Registered uint64 `json:"registered"`
	Classified uint64 `json:"classified"`
	Rejected   uint64 `json:"rejected"`
	Updates    uint64 `json:"updates"`
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	n := len(t.tokens)
	t.mu.Unlock()
	return Stats{
		Tracking:   n,
		Registered: t.registered.Load(),
		Classified: t.classified.Load(),
		Rejected:   t.rejected.Load(),
		Updates:    t.updates.Load(),
	}
}
