package outcomes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/dexscreener"
)

type fakeMarket struct {
	mu     sync.Mutex
	byMint map[string][]dexscreener.Pair
	err    error
	calls  int
}

func (f *fakeMarket) TokenPairsBatch(_ context.Context, mints []string) (map[string][]dexscreener.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]dexscreener.Pair, len(mints))
	for _, mint := range mints {
		if pairs, ok := f.byMint[mint]; ok {
			out[mint] = pairs
		}
	}
	return out, nil
}

func (f *fakeMarket) set(mint string, pairs ...dexscreener.Pair) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byMint == nil {
		f.byMint = make(map[string][]dexscreener.Pair)
	}
	f.byMint[mint] = pairs
}

type fakeOutcomeStore struct {
	mu       sync.Mutex
	initials []core.TrackedToken
	finals   []core.TokenOutcome
	pending  []core.TrackedToken
	finalErr error
}

func (f *fakeOutcomeStore) SaveTokenOutcomeInitial(_ context.Context, tok *core.TrackedToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initials = append(f.initials, *tok)
	return nil
}

func (f *fakeOutcomeStore) SaveTokenOutcomeFinal(_ context.Context, out *core.TokenOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalErr != nil {
		return f.finalErr
	}
	f.finals = append(f.finals, *out)
	return nil
}

func (f *fakeOutcomeStore) GetPendingOutcomes(_ context.Context) ([]core.TrackedToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func marketPair(price string, liqUSD float64) dexscreener.Pair {
	return dexscreener.Pair{
		ChainID:  "solana",
		PriceUSD: price,
		Liquidity: &dexscreener.Liquidity{
			USD: liqUSD,
		},
	}
}

func snapshot(initialPrice, initialLiq, peakPrice, currentPrice, currentLiq float64) core.TrackedToken {
	now := time.Now()
	return core.TrackedToken{
		Mint:             "MintAAA",
		Symbol:           "ALPHA",
		InitialPrice:     initialPrice,
		InitialLiquidity: initialLiq,
		PeakPrice:        peakPrice,
		PeakLiquidity:    initialLiq,
		PeakAt:           now.Add(-2 * time.Hour),
		CurrentPrice:     currentPrice,
		CurrentLiquidity: currentLiq,
		DiscoveredAt:     now.Add(-10 * time.Hour),
		UpdateCount:      5,
	}
}

func TestClassifyRugOnLiquidityCollapse(t *testing.T) {
	tok := snapshot(0.001, 10000, 0.001, 0.0005, 500)

	out := Classify(tok, time.Now())
	assert.Equal(t, core.OutcomeRug, out.Outcome)
	// liquidity ratio 0.05, final price ratio 0.5.
	assert.InDelta(t, 0.725, out.Confidence, 0.0001)
	assert.Equal(t, 500.0, out.FinalLiquidity)
}

func TestClassifyRugOnPriceCollapse(t *testing.T) {
	tok := snapshot(0.001, 10000, 0.001, 0.00005, 9000)

	out := Classify(tok, time.Now())
	assert.Equal(t, core.OutcomeRug, out.Outcome)
}

func TestClassifyPumpWithPeakMultiplier(t *testing.T) {
	tok := snapshot(0.001, 10000, 0.005, 0.0008, 9000)

	out := Classify(tok, time.Now())
	assert.Equal(t, core.OutcomePump, out.Outcome)
	assert.InDelta(t, 5.0, out.PeakMultiplier, 0.0001)
	assert.InDelta(t, 0.8, out.Confidence, 0.0001)
}

func TestClassifyStable(t *testing.T) {
	tok := snapshot(0.001, 10000, 0.0011, 0.00095, 10000)

	out := Classify(tok, time.Now())
	assert.Equal(t, core.OutcomeStable, out.Outcome)
	assert.InDelta(t, 1-0.05/0.30, out.Confidence, 0.0001)
}

func TestClassifySlowDecline(t *testing.T) {
	tok := snapshot(0.001, 10000, 0.001, 0.0005, 6000)

	out := Classify(tok, time.Now())
	assert.Equal(t, core.OutcomeSlowDecline, out.Outcome)
	assert.InDelta(t, 0.5, out.Confidence, 0.0001)
}

func TestClassifyUnknownOnModerateRise(t *testing.T) {
	tok := snapshot(0.001, 10000, 0.0016, 0.0015, 12000)

	out := Classify(tok, time.Now())
	assert.Equal(t, core.OutcomeUnknown, out.Outcome)
	assert.Equal(t, 0.5, out.Confidence)
}

func TestClassifyMissingMarketDataIsRug(t *testing.T) {
	tok := snapshot(0.001, 0, 0.001, 0, 0)
	tok.InitialLiquidity = 0

	out := Classify(tok, time.Now())
	assert.Equal(t, core.OutcomeRug, out.Outcome)
	assert.Equal(t, 0.8, out.Confidence)
}

func TestClassifyUnknownBaselineDoesNotReadAsCrash(t *testing.T) {
	tok := snapshot(0, 0, 0, 0.002, 5000)

	out := Classify(tok, time.Now())
	assert.Equal(t, core.OutcomeStable, out.Outcome)
	assert.Equal(t, 0.0, out.PeakMultiplier)
}

func TestClassifyTimings(t *testing.T) {
	now := time.Now()
	tok := snapshot(0.001, 10000, 0.002, 0.001, 10000)
	tok.DiscoveredAt = now.Add(-10 * time.Hour)
	tok.PeakAt = now.Add(-2 * time.Hour)

	out := Classify(tok, now)
	assert.Equal(t, int64(36000), out.TimeToOutcomeSec)
	assert.Equal(t, int64(28800), out.TimeToPeakSec)
}

func TestClassifyDeterministic(t *testing.T) {
	tok := snapshot(0.001, 10000, 0.005, 0.0008, 9000)
	now := time.Now()

	first := Classify(tok, now)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Classify(tok, now))
	}
}

func TestTrackRegistersToken(t *testing.T) {
	store := &fakeOutcomeStore{}
	tr := New(Config{}, &fakeMarket{}, store)

	err := tr.Track(context.Background(), Seed{
		Mint:         "MintAAA",
		Symbol:       "ALPHA",
		Price:        0.001,
		LiquidityUSD: 10000,
		Holders:      150,
		RiskScore:    72,
	})
	require.NoError(t, err)

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Tracking)
	assert.Equal(t, uint64(1), stats.Registered)

	tracked := tr.Tracked()
	require.Len(t, tracked, 1)
	tok := tracked[0]
	assert.Equal(t, "MintAAA", tok.Mint)
	assert.Equal(t, 0.001, tok.InitialPrice)
	assert.Equal(t, 0.001, tok.PeakPrice)
	assert.Equal(t, 0.001, tok.CurrentPrice)
	assert.Equal(t, 10000.0, tok.InitialLiquidity)
	assert.Equal(t, 150, tok.InitialHolders)
	assert.Equal(t, 72, tok.InitialRiskScore)
	assert.False(t, tok.PeakAt.IsZero())

	require.Len(t, store.initials, 1)
	assert.Equal(t, "MintAAA", store.initials[0].Mint)
}

func TestTrackDuplicateIgnored(t *testing.T) {
	tr := New(Config{}, &fakeMarket{}, nil)

	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintAAA"}))
	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintAAA"}))

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Tracking)
	assert.Equal(t, uint64(1), stats.Registered)
}

func TestTrackRejectsEmptyMint(t *testing.T) {
	tr := New(Config{}, &fakeMarket{}, nil)
	err := tr.Track(context.Background(), Seed{})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestTrackRejectsWhenFull(t *testing.T) {
	tr := New(Config{MaxTracked: 2, Window: time.Hour}, &fakeMarket{}, nil)

	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "Mint1"}))
	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "Mint2"}))

	err := tr.Track(context.Background(), Seed{Mint: "Mint3"})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	stats := tr.Stats()
	assert.Equal(t, 2, stats.Tracking)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestTrackEvictsExpiredWhenFull(t *testing.T) {
	store := &fakeOutcomeStore{}
	tr := New(Config{MaxTracked: 1, Window: time.Nanosecond}, &fakeMarket{}, store)

	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintOld", Price: 0.001, LiquidityUSD: 5000}))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintNew"}))

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Tracking)
	assert.Equal(t, uint64(1), stats.Classified)

	require.Len(t, store.finals, 1)
	assert.Equal(t, "MintOld", store.finals[0].Mint)

	tracked := tr.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, "MintNew", tracked[0].Mint)
}

func TestUpdateAllRefreshesPeaks(t *testing.T) {
	market := &fakeMarket{}
	tr := New(Config{Window: time.Hour}, market, nil)
	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintAAA", Price: 1.0, LiquidityUSD: 10000}))

	market.set("MintAAA", marketPair("1.5", 12000))
	tr.updateAll(context.Background())

	tracked := tr.Tracked()
	require.Len(t, tracked, 1)
	tok := tracked[0]
	assert.Equal(t, 1.5, tok.CurrentPrice)
	assert.Equal(t, 12000.0, tok.CurrentLiquidity)
	assert.Equal(t, 1.5, tok.PeakPrice)
	assert.Equal(t, 12000.0, tok.PeakLiquidity)
	assert.Equal(t, 1, tok.UpdateCount)

	// A lower reading moves current but leaves the peak.
	market.set("MintAAA", marketPair("1.2", 11000))
	tr.updateAll(context.Background())

	tok = tr.Tracked()[0]
	assert.Equal(t, 1.2, tok.CurrentPrice)
	assert.Equal(t, 1.5, tok.PeakPrice)
	assert.Equal(t, 12000.0, tok.PeakLiquidity)
	assert.Equal(t, 2, tok.UpdateCount)
}

func TestUpdateAllDetectsEarlyRug(t *testing.T) {
	store := &fakeOutcomeStore{}
	market := &fakeMarket{}
	tr := New(Config{Window: time.Hour}, market, store)
	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintAAA", Price: 1.0, LiquidityUSD: 10000}))

	market.set("MintAAA", marketPair("0.9", 500))
	tr.updateAll(context.Background())

	assert.Equal(t, 0, tr.Stats().Tracking)
	require.Len(t, store.finals, 1)
	assert.Equal(t, core.OutcomeRug, store.finals[0].Outcome)
}

func TestUpdateAllLeavesUnlistedTokensAlone(t *testing.T) {
	market := &fakeMarket{}
	tr := New(Config{Window: time.Hour}, market, nil)
	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintAAA"}))

	tr.updateAll(context.Background())

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Tracking)
	assert.Equal(t, uint64(0), stats.Updates)
}

func TestUpdateAllClassifiesExpiredWithoutData(t *testing.T) {
	store := &fakeOutcomeStore{}
	market := &fakeMarket{}
	tr := New(Config{Window: time.Nanosecond}, market, store)
	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintAAA"}))
	time.Sleep(5 * time.Millisecond)

	tr.updateAll(context.Background())

	assert.Equal(t, 0, tr.Stats().Tracking)
	require.Len(t, store.finals, 1)
	assert.Equal(t, core.OutcomeRug, store.finals[0].Outcome)
	assert.Equal(t, 0.8, store.finals[0].Confidence)
}

func TestUpdateAllSurvivesMarketError(t *testing.T) {
	market := &fakeMarket{err: errors.New("aggregator down")}
	tr := New(Config{Window: time.Hour}, market, nil)
	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintAAA", Price: 1, LiquidityUSD: 1000}))

	tr.updateAll(context.Background())

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Tracking)
	assert.Equal(t, uint64(0), stats.Classified)
}

func TestForceClassify(t *testing.T) {
	store := &fakeOutcomeStore{}
	tr := New(Config{}, &fakeMarket{}, store)
	require.NoError(t, tr.Track(context.Background(), Seed{Mint: "MintAAA", Price: 1, LiquidityUSD: 1000}))

	out, err := tr.ForceClassify(context.Background(), "MintAAA")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "MintAAA", out.Mint)
	assert.Equal(t, 0, tr.Stats().Tracking)
	require.Len(t, store.finals, 1)

	_, err = tr.ForceClassify(context.Background(), "MintZZZ")
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestStartRestoresPendingTokens(t *testing.T) {
	store := &fakeOutcomeStore{pending: []core.TrackedToken{
		{Mint: "Mint1", InitialPrice: 1, DiscoveredAt: time.Now().Add(-time.Hour)},
		{Mint: "Mint2", InitialPrice: 2, DiscoveredAt: time.Now().Add(-time.Hour)},
		{Mint: "Mint3", InitialPrice: 3, DiscoveredAt: time.Now().Add(-time.Hour)},
	}}
	tr := New(Config{MaxTracked: 2, Window: 48 * time.Hour}, &fakeMarket{}, store)

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()

	assert.Equal(t, 2, tr.Stats().Tracking)
}
