package sources

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/circuitbreaker"
	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/events"
	"github.com/mintwatch/backend/internal/httpclient"
	"github.com/mintwatch/backend/internal/solana"
)

const (
	defaultPumpFunBaseURL = "https://frontend-api.pump.fun"
	defaultPumpFunPoll    = 10 * time.Second
	defaultPumpFunLimit   = 50

	lamportsPerSOL = 1e9
)

// pumpCoin is one entry from the pump.fun coin feed.
type pumpCoin struct {
	Mint               string  `json:"mint"`
	Name               string  `json:"name"`
	Symbol             string  `json:"symbol"`
	BondingCurve       string  `json:"bonding_curve"`
	CreatedTimestamp   int64   `json:"created_timestamp"`
	USDMarketCap       float64 `json:"usd_market_cap"`
	MarketCapSOL       float64 `json:"market_cap"`
	VirtualSOLReserves float64 `json:"virtual_sol_reserves"`
	Complete           bool    `json:"complete"`
}

func (c pumpCoin) createdAt() time.Time {
	if c.CreatedTimestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.CreatedTimestamp)
}

// liquidityUSD estimates both sides of the bonding curve in dollars. The
// feed quotes market cap in both SOL and USD, which pins the SOL price
// without an extra lookup. Zero when the feed omits either figure.
func (c pumpCoin) liquidityUSD() float64 {
	if c.MarketCapSOL <= 0 || c.USDMarketCap <= 0 {
		return 0
	}
	solPrice := c.USDMarketCap / c.MarketCapSOL
	solSide := c.VirtualSOLReserves / lamportsPerSOL
	return 2 * solSide * solPrice
}

// PumpFunConfig tunes the pump.fun poller; zero fields use defaults.
type PumpFunConfig struct {
	BaseURL         string
	PollInterval    time.Duration
	Limit           int
	MinLiquidityUSD float64
	RecentCap       int

	// Rate-limit overrides for the underlying client, mainly for tests.
	RefillPerSecond float64
	MaxTokens       float64
}

// PumpFunSource polls the pump.fun feed for freshly created coins.
type PumpFunSource struct {
	cfg  PumpFunConfig
	http *httpclient.Client
	em   *emitter

	cutoff  time.Time
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewPumpFunSource builds the poller. breakers may be nil.
func NewPumpFunSource(cfg PumpFunConfig, breakers *circuitbreaker.Manager, stream *events.Stream[core.PoolEvent]) *PumpFunSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPumpFunBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPumpFunPoll
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultPumpFunLimit
	}

	hc := httpclient.DefaultConfig("pumpfun", cfg.BaseURL)
	hc.RefillPerSecond = 2
	hc.MaxTokens = 5
	// The next tick is the retry.
	hc.MaxRetries = 0
	if cfg.RefillPerSecond > 0 {
		hc.RefillPerSecond = cfg.RefillPerSecond
	}
	if cfg.MaxTokens > 0 {
		hc.MaxTokens = cfg.MaxTokens
	}

	return &PumpFunSource{
		cfg:    cfg,
		http:   httpclient.New(hc, breakers),
		em:     newEmitter(string(core.SourcePumpFun), stream, cfg.RecentCap, cfg.MinLiquidityUSD),
		stopCh: make(chan struct{}),
	}
}

func (s *PumpFunSource) Name() string { return string(core.SourcePumpFun) }

// Start begins polling. Coins created before startup are ignored so a
// restart does not replay the whole feed.
func (s *PumpFunSource) Start(ctx context.Context) error {
	s.cutoff = time.Now().Add(-s.cfg.PollInterval)
	s.running.Store(true)
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the poll loop.
func (s *PumpFunSource) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.running.Store(false)
}

func (s *PumpFunSource) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *PumpFunSource) poll(ctx context.Context) {
	coins, err := httpclient.GetAs[[]pumpCoin](ctx, s.http, "/coins", &httpclient.RequestOptions{
		Query: url.Values{
			"offset":      []string{"0"},
			"limit":       []string{strconv.Itoa(s.cfg.Limit)},
			"sort":        []string{"created_timestamp"},
			"order":       []string{"DESC"},
			"includeNsfw": []string{"false"},
		},
		Validator: httpclient.IsArray(0),
	})
	if err != nil {
		s.em.errors.Add(1)
		slog.Warn("pumpfun poll failed", "error", err)
		return
	}

	for _, coin := range coins {
		created := coin.createdAt()
		if coin.Mint == "" || created.Before(s.cutoff) {
			continue
		}

		pool := coin.BondingCurve
		if pool == "" {
			pool = coin.Mint
		}
		s.em.emit(core.PoolEvent{
			PoolAddress:         pool,
			TokenMint:           coin.Mint,
			BaseMint:            coin.Mint,
			QuoteMint:           solana.WrappedSOLMint,
			Source:              core.SourcePumpFun,
			DiscoveredAt:        created,
			InitialLiquidityUSD: coin.liquidityUSD(),
			TokenSymbol:         coin.Symbol,
			TokenName:           coin.Name,
		})
	}
}

func (s *PumpFunSource) Stats() SourceStats {
	return s.em.stats(s.Name(), s.running.Load())
}
