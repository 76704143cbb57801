// Package enrich gathers everything knowable about one discovered pool:
// on-chain holder and authority facts, aggregator market data, and an
// optional third-party risk report. Sub-fetches run in parallel under their
// own deadlines and degrade to zero values individually, so one missing
// source never voids an analysis.
package enrich

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/dexscreener"
	"github.com/mintwatch/backend/internal/rugcheck"
	"github.com/mintwatch/backend/internal/solana"
)

const (
	defaultSubFetchTimeout = 10 * time.Second
	defaultWhalePercent    = 5.0
)

// ChainReader is the on-chain surface the enricher needs.
type ChainReader interface {
	GetTokenSupply(ctx context.Context, mint string) (solana.TokenAmount, error)
	GetTokenHolders(ctx context.Context, mint string) ([]solana.TokenHolder, error)
	GetMintInfo(ctx context.Context, mint string) (*solana.MintInfo, error)
}

// MarketReader supplies aggregator listings for a mint.
type MarketReader interface {
	TokenPairs(ctx context.Context, mint string) ([]dexscreener.Pair, error)
}

// ReportReader supplies external risk reports. Optional.
type ReportReader interface {
	TokenReport(ctx context.Context, mint string) (*rugcheck.Report, error)
}

// Config tunes the enricher; zero fields use defaults.
type Config struct {
	// SubFetchTimeout bounds each parallel sub-fetch separately.
	SubFetchTimeout time.Duration
	// WhalePercent is the single-holder share that marks a whale.
	WhalePercent float64
}

// Enricher fans out the sub-fetches for one pool and folds the results
// into a single facts record.
type Enricher struct {
	cfg     Config
	chain   ChainReader
	market  MarketReader
	reports ReportReader

	enriched atomic.Uint64
	degraded atomic.Uint64
}

// New builds an enricher. reports may be nil, in which case rugcheck facts
// stay absent.
func New(cfg Config, chain ChainReader, market MarketReader, reports ReportReader) *Enricher {
	if cfg.SubFetchTimeout <= 0 {
		cfg.SubFetchTimeout = defaultSubFetchTimeout
	}
	if cfg.WhalePercent <= 0 {
		cfg.WhalePercent = defaultWhalePercent
	}
	return &Enricher{cfg: cfg, chain: chain, market: market, reports: reports}
}

type marketResult struct {
	market       core.MarketFacts
	social       core.SocialFacts
	liquidityUSD float64
	symbol       string
	name         string
}

type holderResult struct {
	holders core.HolderFacts
}

type contractResult struct {
	mintRevoked   bool
	freezeRevoked bool
	notFound      bool
}

type reportResult struct {
	facts       *core.RugcheckFacts
	lpLocked    float64
	lpBurned    float64
	honeypot    bool
	transferFee bool
}

// Enrich runs all sub-fetches for the event's token and combines them.
// It fails only when the mint account itself does not exist on chain.
func (e *Enricher) Enrich(ctx context.Context, ev core.PoolEvent) (*core.EnrichmentFacts, error) {
	mint := ev.TokenMint

	var (
		mkt  marketResult
		hold holderResult
		con  contractResult
		rep  reportResult
	)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); mkt = e.fetchMarket(ctx, mint) }()
	go func() { defer wg.Done(); hold = e.fetchHolders(ctx, mint) }()
	go func() { defer wg.Done(); con = e.fetchContract(ctx, mint) }()
	go func() { defer wg.Done(); rep = e.fetchReport(ctx, mint) }()
	wg.Wait()

	if con.notFound {
		return nil, core.Errorf(core.KindNotFound, "enrich %s: mint account not found", mint)
	}

	symbol := mkt.symbol
	if symbol == "" {
		symbol = ev.TokenSymbol
	}
	name := mkt.name
	if name == "" {
		name = ev.TokenName
	}

	liquidityUSD := mkt.liquidityUSD
	if liquidityUSD == 0 {
		liquidityUSD = ev.InitialLiquidityUSD
	}

	facts := &core.EnrichmentFacts{
		TokenMint:   mint,
		TokenSymbol: symbol,
		TokenName:   name,
		Liquidity: core.LiquidityFacts{
			TotalLiquidityUSD: liquidityUSD,
			LPBurnedPercent:   clampPercent(rep.lpBurned),
			LPLockedPercent:   clampPercent(rep.lpLocked),
		},
		Holders: hold.holders,
		Contract: core.ContractFacts{
			MintAuthorityRevoked:   con.mintRevoked,
			FreezeAuthorityRevoked: con.freezeRevoked,
			IsHoneypot:             rep.honeypot,
			HasTransferFee:         rep.transferFee,
		},
		Social:     mkt.social,
		Market:     mkt.market,
		Rugcheck:   rep.facts,
		EnrichedAt: time.Now(),
	}

	e.enriched.Add(1)
	return facts, nil
}

func (e *Enricher) fetchMarket(parent context.Context, mint string) marketResult {
	ctx, cancel := context.WithTimeout(parent, e.cfg.SubFetchTimeout)
	defer cancel()

	var res marketResult
	pairs, err := e.market.TokenPairs(ctx, mint)
	if err != nil {
		e.degrade("market", mint, err)
		return res
	}
	best := dexscreener.BestPair(pairs)
	if best == nil {
		// Not listed yet. Normal for a pool seconds after creation.
		return res
	}

	res.market = core.MarketFacts{
		PriceUSD:       best.Price(),
		MarketCapUSD:   best.MarketCap,
		Volume24hUSD:   best.Volume24h(),
		PriceChange24h: best.PriceChange24h(),
		PairCreatedAt:  best.CreatedAt(),
	}
	res.social = best.SocialFacts()
	res.liquidityUSD = best.LiquidityUSD()
	res.symbol = best.BaseToken.Symbol
	res.name = best.BaseToken.Name
	return res
}

func (e *Enricher) fetchHolders(parent context.Context, mint string) holderResult {
	ctx, cancel := context.WithTimeout(parent, e.cfg.SubFetchTimeout)
	defer cancel()

	var res holderResult
	supply, err := e.chain.GetTokenSupply(ctx, mint)
	if err != nil {
		e.degrade("supply", mint, err)
		return res
	}
	holders, err := e.chain.GetTokenHolders(ctx, mint)
	if err != nil {
		e.degrade("holders", mint, err)
		return res
	}

	res.holders = summarizeHolders(holders, supply.Float(), e.cfg.WhalePercent)
	return res
}

func (e *Enricher) fetchContract(parent context.Context, mint string) contractResult {
	ctx, cancel := context.WithTimeout(parent, e.cfg.SubFetchTimeout)
	defer cancel()

	var res contractResult
	info, err := e.chain.GetMintInfo(ctx, mint)
	if err != nil {
		if core.KindOf(err) == core.KindNotFound {
			res.notFound = true
			return res
		}
		e.degrade("mint", mint, err)
		return res
	}
	res.mintRevoked = info.MintAuthority == ""
	res.freezeRevoked = info.FreezeAuthority == ""
	return res
}

func (e *Enricher) fetchReport(parent context.Context, mint string) reportResult {
	var res reportResult
	if e.reports == nil {
		return res
	}
	ctx, cancel := context.WithTimeout(parent, e.cfg.SubFetchTimeout)
	defer cancel()

	report, err := e.reports.TokenReport(ctx, mint)
	if err != nil {
		e.degrade("rugcheck", mint, err)
		return res
	}

	res.facts = &core.RugcheckFacts{
		Score: report.SafetyScore(),
		Risks: report.RiskNames(),
	}
	res.lpLocked = report.LPLockedPercent()
	res.lpBurned = report.LPBurnedPercent()
	res.honeypot = report.HasDangerRisk("honeypot")
	res.transferFee = report.HasRisk("transfer fee")
	return res
}

// summarizeHolders turns the raw holder list into distribution facts. The
// list arrives sorted by balance descending with zero balances dropped.
func summarizeHolders(holders []solana.TokenHolder, supply, whalePercent float64) core.HolderFacts {
	facts := core.HolderFacts{TotalHolders: len(holders)}
	if supply <= 0 || len(holders) == 0 {
		return facts
	}

	var top10, top20 float64
	for i, h := range holders {
		if i < 10 {
			top10 += h.Balance
		}
		if i < 20 {
			top20 += h.Balance
		}
		share := h.Balance / supply * 100
		if share > whalePercent {
			facts.WhaleAddresses = append(facts.WhaleAddresses, h.Address)
		}
	}

	facts.LargestHolderPercent = clampPercent(holders[0].Balance / supply * 100)
	facts.Top10HoldersPercent = clampPercent(top10 / supply * 100)
	facts.Top20HoldersPercent = clampPercent(top20 / supply * 100)
	return facts
}

func (e *Enricher) degrade(source, mint string, err error) {
	e.degraded.Add(1)
	slog.Debug("enrichment sub-fetch degraded",
		"source", source,
		"mint", mint,
		"error", err)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Stats reports lifetime enrichment counters.
type Stats struct {
	Enriched uint64 `json:"enriched"`
	Degraded uint64 `json:"degraded"`
}

// Stats snapshots the counters.
func (e *Enricher) Stats() Stats {
	return Stats{
		Enriched: e.enriched.Load(),
		Degraded: e.degraded.Load(),
	}
}
