// Package risk turns enrichment facts into a deterministic risk verdict.
// Classification is a pure function: the same facts always produce the
// same score, level, and factor list.
package risk

import (
	"fmt"
	"math"

	"github.com/mintwatch/backend/internal/core"
)

// Base score before contributions. Higher scores mean safer tokens.
const baseScore = 50

// Factor weights.
const (
	lpBurnedBonus        = 15
	lpLockedFullBonus    = 10
	lpLockedMediumBonus  = 7
	lpLockedShortBonus   = 4
	authorityRevokedGain = 10
	authorityActiveLoss  = -15
	top10SevereLoss      = -30
	top10HighLoss        = -15
	largestSevereLoss    = -20
	largestHighLoss      = -10
	fewHoldersLoss       = -10
	manyHoldersBonus     = 5
	whaleCrowdLoss       = -10
	allSocialsBonus      = 10
	someSocialsBonus     = 5
)

// Concentration thresholds.
const (
	top10SevereThreshold   = 95
	top10HighThreshold     = 80
	largestSevereThreshold = 50
	largestHighThreshold   = 20
	fewHoldersThreshold    = 10
	manyHoldersThreshold   = 500
	whaleCrowdThreshold    = 5
)

// Lock durations granting the full and medium locked-LP bonus.
const (
	lockDurationFullSec   = 180 * 24 * 3600
	lockDurationMediumSec = 30 * 24 * 3600
)

// Classify scores the facts and derives the level from fixed bands:
// >=80 LOW, >=60 MEDIUM, >=40 HIGH, >=20 VERY_HIGH, else EXTREME.
// A honeypot short-circuits everything to score 0, level EXTREME.
func Classify(facts *core.EnrichmentFacts) core.RiskVerdict {
	if facts.Contract.IsHoneypot {
		return core.RiskVerdict{
			Score: 0,
			Level: core.RiskExtreme,
			Factors: []core.RiskFactor{{
				Name:        "honeypot",
				Impact:      -baseScore,
				Passed:      false,
				Description: "token contract blocks sells",
			}},
		}
	}

	score := baseScore
	var factors []core.RiskFactor
	apply := func(f core.RiskFactor) {
		score += f.Impact
		factors = append(factors, f)
	}

	apply(lpBurnedFactor(facts.Liquidity))
	apply(lpLockedFactor(facts.Liquidity))
	apply(authorityFactor("mint_authority", facts.Contract.MintAuthorityRevoked))
	apply(authorityFactor("freeze_authority", facts.Contract.FreezeAuthorityRevoked))

	for _, f := range holderFactors(facts.Holders) {
		apply(f)
	}

	apply(socialsFactor(facts.Social))

	if facts.Rugcheck != nil {
		apply(rugcheckFactor(*facts.Rugcheck))
	}

	score = clamp(score, 0, 100)
	return core.RiskVerdict{
		Score:   score,
		Level:   LevelFor(score),
		Factors: factors,
	}
}

// LevelFor maps a clamped score onto its band.
func LevelFor(score int) core.RiskLevel {
	switch {
	case score >= 80:
		return core.RiskLow
	case score >= 60:
		return core.RiskMedium
	case score >= 40:
		return core.RiskHigh
	case score >= 20:
		return core.RiskVeryHigh
	default:
		return core.RiskExtreme
	}
}

func lpBurnedFactor(liq core.LiquidityFacts) core.RiskFactor {
	if liq.LPBurnedPercent >= 90 {
		return core.RiskFactor{
			Name:        "lp_burned",
			Impact:      lpBurnedBonus,
			Passed:      true,
			Description: fmt.Sprintf("%.0f%% of LP tokens burned", liq.LPBurnedPercent),
		}
	}
	return core.RiskFactor{
		Name:        "lp_burned",
		Impact:      0,
		Passed:      false,
		Description: fmt.Sprintf("only %.0f%% of LP tokens burned", liq.LPBurnedPercent),
	}
}

func lpLockedFactor(liq core.LiquidityFacts) core.RiskFactor {
	if liq.LPLockedPercent < 90 {
		return core.RiskFactor{
			Name:        "lp_locked",
			Impact:      0,
			Passed:      false,
			Description: fmt.Sprintf("only %.0f%% of LP tokens locked", liq.LPLockedPercent),
		}
	}

	// Bonus scales with the lock duration
	impact := lpLockedShortBonus
	switch {
	case liq.LPLockDurationSec >= lockDurationFullSec:
		impact = lpLockedFullBonus
	case liq.LPLockDurationSec >= lockDurationMediumSec:
		impact = lpLockedMediumBonus
	}
	return core.RiskFactor{
		Name:        "lp_locked",
		Impact:      impact,
		Passed:      true,
		Description: fmt.Sprintf("%.0f%% of LP locked for %dd", liq.LPLockedPercent, liq.LPLockDurationSec/86400),
	}
}

func authorityFactor(name string, revoked bool) core.RiskFactor {
	if revoked {
		return core.RiskFactor{
			Name:        name,
			Impact:      authorityRevokedGain,
			Passed:      true,
			Description: name + " revoked",
		}
	}
	return core.RiskFactor{
		Name:        name,
		Impact:      authorityActiveLoss,
		Passed:      false,
		Description: name + " still active",
	}
}

// holderFactors emits only triggered concentration signals. A zero top-10
// figure next to a non-zero top-20 means the top-10 data was unavailable,
// so the top-10 checks are skipped rather than treated as perfect spread.
func holderFactors(h core.HolderFacts) []core.RiskFactor {
	var factors []core.RiskFactor

	top10Known := !(h.Top10HoldersPercent == 0 && h.Top20HoldersPercent > 0)
	if top10Known {
		switch {
		case h.Top10HoldersPercent >= top10SevereThreshold:
			factors = append(factors, core.RiskFactor{
				Name:        "top10_concentration",
				Impact:      top10SevereLoss,
				Passed:      false,
				Description: fmt.Sprintf("top 10 holders own %.0f%%", h.Top10HoldersPercent),
			})
		case h.Top10HoldersPercent >= top10HighThreshold:
			factors = append(factors, core.RiskFactor{
				Name:        "top10_concentration",
				Impact:      top10HighLoss,
				Passed:      false,
				Description: fmt.Sprintf("top 10 holders own %.0f%%", h.Top10HoldersPercent),
			})
		}
	}

	switch {
	case h.LargestHolderPercent >= largestSevereThreshold:
		factors = append(factors, core.RiskFactor{
			Name:        "largest_holder",
			Impact:      largestSevereLoss,
			Passed:      false,
			Description: fmt.Sprintf("largest holder owns %.0f%%", h.LargestHolderPercent),
		})
	case h.LargestHolderPercent >= largestHighThreshold:
		factors = append(factors, core.RiskFactor{
			Name:        "largest_holder",
			Impact:      largestHighLoss,
			Passed:      false,
			Description: fmt.Sprintf("largest holder owns %.0f%%", h.LargestHolderPercent),
		})
	}

	switch {
	case h.TotalHolders < fewHoldersThreshold:
		factors = append(factors, core.RiskFactor{
			Name:        "holder_count",
			Impact:      fewHoldersLoss,
			Passed:      false,
			Description: fmt.Sprintf("only %d holders", h.TotalHolders),
		})
	case h.TotalHolders >= manyHoldersThreshold:
		factors = append(factors, core.RiskFactor{
			Name:        "holder_count",
			Impact:      manyHoldersBonus,
			Passed:      true,
			Description: fmt.Sprintf("%d holders", h.TotalHolders),
		})
	}

	if len(h.WhaleAddresses) > whaleCrowdThreshold {
		factors = append(factors, core.RiskFactor{
			Name:        "whale_count",
			Impact:      whaleCrowdLoss,
			Passed:      false,
			Description: fmt.Sprintf("%d whales hold over 5%% each", len(h.WhaleAddresses)),
		})
	}

	return factors
}

func socialsFactor(s core.SocialFacts) core.RiskFactor {
	count := 0
	if s.HasTwitter {
		count++
	}
	if s.HasTelegram {
		count++
	}
	if s.HasWebsite {
		count++
	}

	switch {
	case count == 3:
		return core.RiskFactor{
			Name:        "socials",
			Impact:      allSocialsBonus,
			Passed:      true,
			Description: "twitter, telegram, and website present",
		}
	case count > 0:
		return core.RiskFactor{
			Name:        "socials",
			Impact:      someSocialsBonus,
			Passed:      true,
			Description: fmt.Sprintf("%d of 3 social channels present", count),
		}
	default:
		return core.RiskFactor{
			Name:        "socials",
			Impact:      0,
			Passed:      false,
			Description: "no social channels found",
		}
	}
}

// rugcheckFactor maps the external 0-100 safety score onto a bounded
// contribution: proportional, at most ±10.
func rugcheckFactor(r core.RugcheckFacts) core.RiskFactor {
	impact := int(math.Round((r.Score - 50) / 5))
	if impact > 10 {
		impact = 10
	}
	if impact < -10 {
		impact = -10
	}
	return core.RiskFactor{
		Name:        "rugcheck",
		Impact:      impact,
		Passed:      impact >= 0,
		Description: fmt.Sprintf("external rugcheck score %.0f", r.Score),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
