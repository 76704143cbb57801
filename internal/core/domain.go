// Package core defines the domain types shared across the pipeline:
// discovered pools, enrichment facts, risk verdicts, alerts, tracked
// tokens, and wallet activity. Values are produced by one component and
// thereafter read-only.
package core

import (
	"fmt"
	"time"
)

// Source identifies the adapter that discovered a pool.
type Source string

const (
	SourceRaydium Source = "raydium"
	SourcePumpFun Source = "pumpfun"
	SourceJupiter Source = "jupiter"
)

// PoolEvent is one newly discovered liquidity pool. Unique by PoolAddress,
// immutable after emission.
type PoolEvent struct {
	PoolAddress  string    `json:"pool_address"`
	TokenMint    string    `json:"token_mint"`
	BaseMint     string    `json:"base_mint"`
	QuoteMint    string    `json:"quote_mint"`
	Source       Source    `json:"source"`
	DiscoveredAt time.Time `json:"discovered_at"`

	// Optional hints from the source; zero when the source does not provide them.
	InitialLiquidityUSD float64 `json:"initial_liquidity_usd,omitempty"`
	TokenSymbol         string  `json:"token_symbol,omitempty"`
	TokenName           string  `json:"token_name,omitempty"`
}

// Validate checks the event invariants before it enters the pipeline.
func (e *PoolEvent) Validate() error {
	if e.PoolAddress == "" {
		return fmt.Errorf("pool event: missing pool address")
	}
	if e.TokenMint == "" {
		return fmt.Errorf("pool event %s: missing token mint", e.PoolAddress)
	}
	if e.Source == "" {
		return fmt.Errorf("pool event %s: missing source", e.PoolAddress)
	}
	if e.TokenMint == e.QuoteMint {
		return fmt.Errorf("pool event %s: token mint equals quote mint", e.PoolAddress)
	}
	return nil
}

// ============================================================================
// ENRICHMENT FACTS
// ============================================================================

// LiquidityFacts describes the pool's liquidity position.
type LiquidityFacts struct {
	TotalLiquidityUSD float64 `json:"total_liquidity_usd"`
	LPBurnedPercent   float64 `json:"lp_burned_percent"`
	LPLockedPercent   float64 `json:"lp_locked_percent"`
	LPLockDurationSec int64   `json:"lp_lock_duration_sec,omitempty"`
}

// HolderFacts describes the token's holder distribution. A zero
// Top10HoldersPercent alongside a non-zero Top20HoldersPercent means the
// top-10 figure was unavailable, not that concentration is zero.
type HolderFacts struct {
	TotalHolders         int      `json:"total_holders"`
	Top10HoldersPercent  float64  `json:"top10_holders_percent"`
	Top20HoldersPercent  float64  `json:"top20_holders_percent"`
	LargestHolderPercent float64  `json:"largest_holder_percent"`
	WhaleAddresses       []string `json:"whale_addresses,omitempty"`
}

// ContractFacts describes the token program's authority and transfer settings.
type ContractFacts struct {
	MintAuthorityRevoked   bool    `json:"mint_authority_revoked"`
	FreezeAuthorityRevoked bool    `json:"freeze_authority_revoked"`
	IsHoneypot             bool    `json:"is_honeypot"`
	HasTransferFee         bool    `json:"has_transfer_fee"`
	TransferFeePercent     float64 `json:"transfer_fee_percent,omitempty"`
}

// SocialFacts records which public channels the token advertises.
type SocialFacts struct {
	HasTwitter  bool `json:"has_twitter"`
	HasTelegram bool `json:"has_telegram"`
	HasWebsite  bool `json:"has_website"`
}

// MarketFacts carries aggregator-reported market data.
type MarketFacts struct {
	PriceUSD       float64   `json:"price_usd"`
	MarketCapUSD   float64   `json:"market_cap_usd"`
	Volume24hUSD   float64   `json:"volume_24h_usd"`
	PriceChange24h float64   `json:"price_change_24h"`
	PairCreatedAt  time.Time `json:"pair_created_at,omitempty"`
}

// RugcheckFacts is an external risk report. Score is normalised to 0-100,
// higher meaning safer. Nil when the rugcheck source was unavailable.
type RugcheckFacts struct {
	Score float64  `json:"score"`
	Risks []string `json:"risks,omitempty"`
}

// EnrichmentFacts bundles everything learned about one token mint during a
// single analysis pass. Produced once, read-only afterwards.
type EnrichmentFacts struct {
	TokenMint   string         `json:"token_mint"`
	TokenSymbol string         `json:"token_symbol,omitempty"`
	TokenName   string         `json:"token_name,omitempty"`
	Liquidity   LiquidityFacts `json:"liquidity"`
	Holders     HolderFacts    `json:"holders"`
	Contract    ContractFacts  `json:"contract"`
	Social      SocialFacts    `json:"social"`
	Market      MarketFacts    `json:"market"`
	Rugcheck    *RugcheckFacts `json:"rugcheck,omitempty"`
	EnrichedAt  time.Time      `json:"enriched_at"`
}

// ============================================================================
// RISK VERDICT
// ============================================================================

// RiskLevel buckets a score into a coarse band.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskVeryHigh RiskLevel = "VERY_HIGH"
	RiskExtreme  RiskLevel = "EXTREME"
)

// RiskFactor is one signed contribution to the final score.
type RiskFactor struct {
	Name        string `json:"name"`
	Impact      int    `json:"impact"`
	Passed      bool   `json:"passed"`
	Description string `json:"description"`
}

// RiskVerdict is the classifier's output. Score is an integer in [0,100];
// Level is derived from Score by fixed bands.
type RiskVerdict struct {
	Score   int          `json:"score"`
	Level   RiskLevel    `json:"level"`
	Factors []RiskFactor `json:"factors"`
}

// ============================================================================
// ALERTS
// ============================================================================

// AlertCategory names the kind of event an alert reports.
type AlertCategory string

const (
	CategoryNewToken        AlertCategory = "new_token"
	CategoryVolumeSpike     AlertCategory = "volume_spike"
	CategoryWhaleMovement   AlertCategory = "whale_movement"
	CategoryLiquidityDrain  AlertCategory = "liquidity_drain"
	CategoryAuthorityChange AlertCategory = "authority_change"
	CategoryWalletActivity  AlertCategory = "wallet_activity"
)

// AlertPriority orders alerts for per-user minimum-priority filtering.
type AlertPriority int

const (
	PriorityLow AlertPriority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p AlertPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert is one outbound notification, fanned out to every configured sink.
type Alert struct {
	ID          string           `json:"id"`
	Category    AlertCategory    `json:"category"`
	Priority    AlertPriority    `json:"priority"`
	ChatID      string           `json:"chat_id,omitempty"`
	TokenMint   string           `json:"token_mint"`
	TokenSymbol string           `json:"token_symbol,omitempty"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Facts       *EnrichmentFacts `json:"facts,omitempty"`
	Verdict     *RiskVerdict     `json:"verdict,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ============================================================================
// OUTCOME TRACKING
// ============================================================================

// TrackedToken is the mutable monitoring record for one token. Created on
// first successful enrichment, mutated only by the outcome tracker's poller,
// destroyed on classification or window expiry.
type TrackedToken struct {
	Mint   string `json:"mint"`
	Symbol string `json:"symbol"`

	InitialPrice     float64 `json:"initial_price"`
	InitialLiquidity float64 `json:"initial_liquidity"`
	InitialHolders   int     `json:"initial_holders"`
	InitialRiskScore int     `json:"initial_risk_score"`

	PeakPrice     float64   `json:"peak_price"`
	PeakLiquidity float64   `json:"peak_liquidity"`
	PeakHolders   int       `json:"peak_holders"`
	PeakAt        time.Time `json:"peak_at"`

	CurrentPrice     float64 `json:"current_price"`
	CurrentLiquidity float64 `json:"current_liquidity"`
	CurrentHolders   int     `json:"current_holders"`

	DiscoveredAt time.Time `json:"discovered_at"`
	LastUpdated  time.Time `json:"last_updated"`
	UpdateCount  int       `json:"update_count"`
}

// OutcomeType is the terminal classification of a tracked token.
type OutcomeType string

const (
	OutcomeRug         OutcomeType = "rug"
	OutcomePump        OutcomeType = "pump"
	OutcomeStable      OutcomeType = "stable"
	OutcomeSlowDecline OutcomeType = "slow_decline"
	OutcomeUnknown     OutcomeType = "unknown"
)

// TokenOutcome is the immutable record written when a tracked token leaves
// monitoring.
type TokenOutcome struct {
	Mint             string      `json:"mint"`
	Symbol           string      `json:"symbol"`
	Outcome          OutcomeType `json:"outcome"`
	Confidence       float64     `json:"confidence"`
	PeakMultiplier   float64     `json:"peak_multiplier"`
	TimeToPeakSec    int64       `json:"time_to_peak_sec"`
	TimeToOutcomeSec int64       `json:"time_to_outcome_sec"`

	InitialPrice     float64 `json:"initial_price"`
	InitialLiquidity float64 `json:"initial_liquidity"`
	InitialRiskScore int     `json:"initial_risk_score"`
	PeakPrice        float64 `json:"peak_price"`
	PeakLiquidity    float64 `json:"peak_liquidity"`
	FinalPrice       float64 `json:"final_price"`
	FinalLiquidity   float64 `json:"final_liquidity"`

	ClassifiedAt time.Time `json:"classified_at"`
}

// ============================================================================
// WALLET ACTIVITY
// ============================================================================

// ActivityType classifies a wallet transaction from its balance deltas.
type ActivityType string

const (
	ActivityBuy      ActivityType = "buy"
	ActivitySell     ActivityType = "sell"
	ActivityTransfer ActivityType = "transfer"
)

// WalletActivity is one classified transaction of a watched wallet.
type WalletActivity struct {
	Wallet    string       `json:"wallet"`
	Signature string       `json:"signature"`
	Type      ActivityType `json:"type"`
	TokenMint string       `json:"token_mint"`
	Amount    float64      `json:"amount"`
	SolAmount float64      `json:"sol_amount"`
	Timestamp time.Time    `json:"timestamp"`
}
