// Package alerts decides which analyses become notifications and delivers
// them. The filter is a pure predicate so the same inputs always produce
// the same decision; the dispatcher fans accepted alerts out to every
// configured sink and isolates sink failures from one another.
package alerts

import (
	"strings"
	"time"

	"github.com/mintwatch/backend/internal/core"
)

// requiredLPBurnPercent is the burn share that satisfies a require-LP-burned
// filter, matching the classifier's full-burn bar.
const requiredLPBurnPercent = 90.0

// FilterConfig holds one chat's alert preferences.
type FilterConfig struct {
	Enabled bool `json:"enabled"`

	// Quiet hours in local wall-clock hours [0,24). Equal values disable
	// the window. A window may wrap midnight, e.g. 22 to 7.
	QuietHoursStart int `json:"quiet_hours_start"`
	QuietHoursEnd   int `json:"quiet_hours_end"`

	// Blacklist suppresses specific mints outright.
	Blacklist []string `json:"blacklist,omitempty"`

	MinLiquidityUSD float64 `json:"min_liquidity_usd"`
	// MaxTop10Percent rejects concentration above the bar; zero disables.
	MaxTop10Percent float64 `json:"max_top10_percent"`
	MinHolders      int     `json:"min_holders"`
	MinRiskScore    int     `json:"min_risk_score"`

	// Categories enables specific alert kinds. Nil means all enabled.
	Categories map[core.AlertCategory]bool `json:"categories,omitempty"`

	RequireMintRevoked   bool `json:"require_mint_revoked"`
	RequireFreezeRevoked bool `json:"require_freeze_revoked"`
	RequireLPBurned      bool `json:"require_lp_burned"`
	RequireSocials       bool `json:"require_socials"`

	MinPriority core.AlertPriority `json:"min_priority"`
}

// DefaultFilterConfig passes everything except what the global risk floor
// rejects.
func DefaultFilterConfig(minRiskScore int) FilterConfig {
	return FilterConfig{
		Enabled:      true,
		MinRiskScore: minRiskScore,
	}
}

// ShouldAlert reports whether the alert passes the chat's filters, with the
// first failing rule named for logs. Fact-dependent rules are skipped when
// the alert carries no facts, and holder concentration is only judged when
// the top-10 figure is actually known.
func ShouldAlert(alert *core.Alert, cfg FilterConfig, now time.Time) (bool, string) {
	if !cfg.Enabled {
		return false, "disabled"
	}
	if inQuietHours(now.Hour(), cfg.QuietHoursStart, cfg.QuietHoursEnd) {
		return false, "quiet_hours"
	}
	for _, banned := range cfg.Blacklist {
		if strings.EqualFold(banned, alert.TokenMint) {
			return false, "blacklisted"
		}
	}

	if facts := alert.Facts; facts != nil {
		if cfg.MinLiquidityUSD > 0 && facts.Liquidity.TotalLiquidityUSD < cfg.MinLiquidityUSD {
			return false, "liquidity_below_min"
		}
		top10Known := facts.Holders.Top10HoldersPercent > 0 || facts.Holders.Top20HoldersPercent == 0
		if cfg.MaxTop10Percent > 0 && top10Known && facts.Holders.Top10HoldersPercent > cfg.MaxTop10Percent {
			return false, "concentration_above_max"
		}
		if cfg.MinHolders > 0 && facts.Holders.TotalHolders < cfg.MinHolders {
			return false, "holders_below_min"
		}
		if cfg.RequireMintRevoked && !facts.Contract.MintAuthorityRevoked {
			return false, "mint_authority_not_revoked"
		}
		if cfg.RequireFreezeRevoked && !facts.Contract.FreezeAuthorityRevoked {
			return false, "freeze_authority_not_revoked"
		}
		if cfg.RequireLPBurned && facts.Liquidity.LPBurnedPercent < requiredLPBurnPercent {
			return false, "lp_not_burned"
		}
		if cfg.RequireSocials && !facts.Social.HasTwitter && !facts.Social.HasTelegram && !facts.Social.HasWebsite {
			return false, "no_socials"
		}
	}

	if alert.Verdict != nil && alert.Verdict.Score < cfg.MinRiskScore {
		return false, "risk_below_min"
	}
	if cfg.Categories != nil && !cfg.Categories[alert.Category] {
		return false, "category_disabled"
	}
	if alert.Priority < cfg.MinPriority {
		return false, "priority_below_min"
	}
	return true, ""
}

// inQuietHours checks hour against a possibly midnight-wrapping window.
func inQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
