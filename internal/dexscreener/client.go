// Package dexscreener wraps the DexScreener public API behind the shared
// resilient client. Every endpoint declares its own cache TTL and response
// validator, so malformed aggregator payloads never reach the pipeline.
package dexscreener

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mintwatch/backend/internal/circuitbreaker"
	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/httpclient"
)

const (
	defaultBaseURL = "https://api.dexscreener.com"

	// BatchLimit is the most token addresses one /tokens call accepts.
	BatchLimit = 30

	pairsTTL    = 30 * time.Second
	searchTTL   = 60 * time.Second
	latestTTL   = 60 * time.Second
	profilesTTL = 5 * time.Minute
)

// Token identifies one side of a trading pair.
type Token struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// TxnCounts are buy/sell counts within one window.
type TxnCounts struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

// Liquidity is the pair's pooled value.
type Liquidity struct {
	USD   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

// LinkEntry is one external link attached to a pair or profile.
type LinkEntry struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

// PairInfo carries listing metadata: image and social links.
type PairInfo struct {
	ImageURL string      `json:"imageUrl"`
	Websites []LinkEntry `json:"websites"`
	Socials  []LinkEntry `json:"socials"`
}

// Pair is one market listing.
type Pair struct {
	ChainID       string               `json:"chainId"`
	DexID         string               `json:"dexId"`
	URL           string               `json:"url"`
	PairAddress   string               `json:"pairAddress"`
	BaseToken     Token                `json:"baseToken"`
	QuoteToken    Token                `json:"quoteToken"`
	PriceNative   string               `json:"priceNative"`
	PriceUSD      string               `json:"priceUsd"`
	Txns          map[string]TxnCounts `json:"txns"`
	Volume        map[string]float64   `json:"volume"`
	PriceChange   map[string]float64   `json:"priceChange"`
	Liquidity     *Liquidity           `json:"liquidity"`
	FDV           float64              `json:"fdv"`
	MarketCap     float64              `json:"marketCap"`
	PairCreatedAt int64                `json:"pairCreatedAt"`
	Info          *PairInfo            `json:"info"`
}

// Price returns the USD price as a number, zero when unparseable.
func (p *Pair) Price() float64 {
	f, err := strconv.ParseFloat(p.PriceUSD, 64)
	if err != nil {
		return 0
	}
	return f
}

// LiquidityUSD returns pooled USD liquidity, zero when unknown.
func (p *Pair) LiquidityUSD() float64 {
	if p.Liquidity == nil {
		return 0
	}
	return p.Liquidity.USD
}

// Volume24h returns 24h volume in USD.
func (p *Pair) Volume24h() float64 {
	return p.Volume["h24"]
}

// PriceChange24h returns the 24h price change percentage.
func (p *Pair) PriceChange24h() float64 {
	return p.PriceChange["h24"]
}

// CreatedAt converts the listing's millisecond timestamp.
func (p *Pair) CreatedAt() time.Time {
	if p.PairCreatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.PairCreatedAt)
}

// SocialFacts derives the has-twitter/telegram/website flags from listing
// metadata.
func (p *Pair) SocialFacts() core.SocialFacts {
	var facts core.SocialFacts
	if p.Info == nil {
		return facts
	}
	facts.HasWebsite = len(p.Info.Websites) > 0
	for _, s := range p.Info.Socials {
		switch strings.ToLower(s.Type) {
		case "twitter", "x":
			facts.HasTwitter = true
		case "telegram":
			facts.HasTelegram = true
		}
	}
	return facts
}

// BestPair picks the listing with the deepest liquidity, nil for an empty
// slice.
func BestPair(pairs []Pair) *Pair {
	var best *Pair
	for i := range pairs {
		if best == nil || pairs[i].LiquidityUSD() > best.LiquidityUSD() {
			best = &pairs[i]
		}
	}
	return best
}

// BoostedToken is one entry from the boosts feed.
type BoostedToken struct {
	URL          string      `json:"url"`
	ChainID      string      `json:"chainId"`
	TokenAddress string      `json:"tokenAddress"`
	Amount       float64     `json:"amount"`
	TotalAmount  float64     `json:"totalAmount"`
	Icon         string      `json:"icon"`
	Description  string      `json:"description"`
	Links        []LinkEntry `json:"links"`
}

// TokenProfile is one entry from the profiles feed.
type TokenProfile struct {
	URL          string      `json:"url"`
	ChainID      string      `json:"chainId"`
	TokenAddress string      `json:"tokenAddress"`
	Icon         string      `json:"icon"`
	Description  string      `json:"description"`
	Links        []LinkEntry `json:"links"`
}

type pairsResponse struct {
	SchemaVersion string `json:"schemaVersion"`
	Pairs         []Pair `json:"pairs"`
}

// Config sizes the client; zero fields use DexScreener-appropriate limits.
type Config struct {
	BaseURL         string
	RefillPerSecond float64
	MaxTokens       float64
}

// Client calls the DexScreener API.
type Client struct {
	http *httpclient.Client
}

// New builds a client. breakers may be nil for standalone use.
func New(cfg Config, breakers *circuitbreaker.Manager) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	hc := httpclient.DefaultConfig("dexscreener", cfg.BaseURL)
	// Public limit is 300 req/min on the dex endpoints.
	hc.RefillPerSecond = 5
	hc.MaxTokens = 10
	if cfg.RefillPerSecond > 0 {
		hc.RefillPerSecond = cfg.RefillPerSecond
	}
	if cfg.MaxTokens > 0 {
		hc.MaxTokens = cfg.MaxTokens
	}
	return &Client{http: httpclient.New(hc, breakers)}
}

// TokenPairs lists every market for one mint, empty when DexScreener does
// not know the token yet.
func (c *Client) TokenPairs(ctx context.Context, mint string) ([]Pair, error) {
	resp, err := httpclient.GetAs[pairsResponse](ctx, c.http, "/latest/dex/tokens/"+mint, &httpclient.RequestOptions{
		Cache:     true,
		CacheTTL:  pairsTTL,
		Validator: httpclient.HasFields("pairs"),
	})
	if err != nil {
		return nil, fmt.Errorf("token pairs %s: %w", mint, err)
	}
	return resp.Pairs, nil
}

// TokenPairsBatch fetches pairs for many mints, chunked to the API's batch
// limit, grouped by base token address. Mints with no listing are absent
// from the result.
func (c *Client) TokenPairsBatch(ctx context.Context, mints []string) (map[string][]Pair, error) {
	out := make(map[string][]Pair, len(mints))
	for start := 0; start < len(mints); start += BatchLimit {
		end := start + BatchLimit
		if end > len(mints) {
			end = len(mints)
		}
		chunk := mints[start:end]

		resp, err := httpclient.GetAs[pairsResponse](ctx, c.http, "/latest/dex/tokens/"+strings.Join(chunk, ","), &httpclient.RequestOptions{
			Cache:     true,
			CacheTTL:  pairsTTL,
			Validator: httpclient.HasFields("pairs"),
		})
		if err != nil {
			return nil, fmt.Errorf("token pairs batch: %w", err)
		}
		for _, p := range resp.Pairs {
			out[p.BaseToken.Address] = append(out[p.BaseToken.Address], p)
		}
	}
	return out, nil
}

// PairByAddress fetches one specific market.
func (c *Client) PairByAddress(ctx context.Context, chain, pairAddress string) (*Pair, error) {
	resp, err := httpclient.GetAs[pairsResponse](ctx, c.http, "/latest/dex/pairs/"+chain+"/"+pairAddress, &httpclient.RequestOptions{
		Cache:     true,
		CacheTTL:  pairsTTL,
		Validator: httpclient.HasFields("pairs"),
	})
	if err != nil {
		return nil, fmt.Errorf("pair %s/%s: %w", chain, pairAddress, err)
	}
	if len(resp.Pairs) == 0 {
		return nil, core.Errorf(core.KindNotFound, "pair %s/%s: no listing", chain, pairAddress)
	}
	return &resp.Pairs[0], nil
}

// Search runs a free-text pair search.
func (c *Client) Search(ctx context.Context, query string) ([]Pair, error) {
	resp, err := httpclient.GetAs[pairsResponse](ctx, c.http, "/latest/dex/search", &httpclient.RequestOptions{
		Cache:     true,
		CacheTTL:  searchTTL,
		Query:     url.Values{"q": []string{query}},
		Validator: httpclient.HasFields("pairs"),
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return resp.Pairs, nil
}

// LatestBoosts returns tokens currently paying for placement. Useful as a
// discovery side channel: boosted tokens get screened like any other.
func (c *Client) LatestBoosts(ctx context.Context) ([]BoostedToken, error) {
	boosts, err := httpclient.GetAs[[]BoostedToken](ctx, c.http, "/token-boosts/latest/v1", &httpclient.RequestOptions{
		Cache:     true,
		CacheTTL:  latestTTL,
		Validator: httpclient.IsArray(0),
	})
	if err != nil {
		return nil, fmt.Errorf("latest boosts: %w", err)
	}
	return boosts, nil
}

// LatestProfiles returns tokens with fresh profile metadata.
func (c *Client) LatestProfiles(ctx context.Context) ([]TokenProfile, error) {
	profiles, err := httpclient.GetAs[[]TokenProfile](ctx, c.http, "/token-profiles/latest/v1", &httpclient.RequestOptions{
		Cache:     true,
		CacheTTL:  profilesTTL,
		Validator: httpclient.IsArray(0),
	})
	if err != nil {
		return nil, fmt.Errorf("latest profiles: %w", err)
	}
	return profiles, nil
}

// Healthy reports whether the breaker currently admits calls.
func (c *Client) Healthy() bool {
	return c.http.IsHealthy()
}

// Stats exposes the underlying client counters.
func (c *Client) Stats() httpclient.ClientStats {
	return c.http.Stats()
}
