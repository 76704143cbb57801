package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mintwatch/backend/internal/core"
)

// PriorityFor maps a category and verdict to a notification priority. For
// discoveries, a cleaner token is the more urgent signal; hazard categories
// are urgent by nature.
func PriorityFor(category core.AlertCategory, verdict *core.RiskVerdict) core.AlertPriority {
	switch category {
	case core.CategoryLiquidityDrain, core.CategoryAuthorityChange:
		return core.PriorityCritical
	case core.CategoryWhaleMovement, core.CategoryVolumeSpike:
		return core.PriorityHigh
	case core.CategoryWalletActivity:
		return core.PriorityMedium
	}

	if verdict == nil {
		return core.PriorityLow
	}
	switch {
	case verdict.Score >= 80:
		return core.PriorityHigh
	case verdict.Score >= 60:
		return core.PriorityMedium
	default:
		return core.PriorityLow
	}
}

// NewTokenAlert builds the discovery notification for one analysis.
func NewTokenAlert(chatID string, facts *core.EnrichmentFacts, verdict *core.RiskVerdict) *core.Alert {
	symbol := facts.TokenSymbol
	if symbol == "" {
		symbol = shortAddr(facts.TokenMint)
	}
	return &core.Alert{
		ID:          uuid.New().String(),
		Category:    core.CategoryNewToken,
		Priority:    PriorityFor(core.CategoryNewToken, verdict),
		ChatID:      chatID,
		TokenMint:   facts.TokenMint,
		TokenSymbol: symbol,
		Title:       fmt.Sprintf("New token %s: %s risk %d/100", symbol, verdict.Level, verdict.Score),
		Message:     formatTokenMessage(symbol, facts, verdict),
		Facts:       facts,
		Verdict:     verdict,
		CreatedAt:   time.Now(),
	}
}

// WalletActivityAlert builds the notification for one watched-wallet trade.
func WalletActivityAlert(chatID, label string, act core.WalletActivity) *core.Alert {
	title := fmt.Sprintf("Wallet %s: %s %s", label, act.Type, shortAddr(act.TokenMint))
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", priorityEmoji(core.PriorityMedium), title)
	fmt.Fprintf(&b, "Wallet: %s\n", act.Wallet)
	fmt.Fprintf(&b, "Token: %s\n", act.TokenMint)
	if act.Amount != 0 {
		fmt.Fprintf(&b, "Amount: %s\n", trimFloat(act.Amount))
	}
	if act.SolAmount != 0 {
		fmt.Fprintf(&b, "SOL moved: %s\n", trimFloat(act.SolAmount))
	}
	fmt.Fprintf(&b, "Signature: %s", act.Signature)

	return &core.Alert{
		ID:        uuid.New().String(),
		Category:  core.CategoryWalletActivity,
		Priority:  PriorityFor(core.CategoryWalletActivity, nil),
		ChatID:    chatID,
		TokenMint: act.TokenMint,
		Title:     title,
		Message:   b.String(),
		CreatedAt: time.Now(),
	}
}

// RugAlert warns that a previously alerted token drained its liquidity.
func RugAlert(chatID string, out *core.TokenOutcome) *core.Alert {
	symbol := out.Symbol
	if symbol == "" {
		symbol = shortAddr(out.Mint)
	}
	title := fmt.Sprintf("Rug detected: %s", symbol)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", priorityEmoji(core.PriorityCritical), title)
	fmt.Fprintf(&b, "Mint: %s\n", out.Mint)
	fmt.Fprintf(&b, "Liquidity: $%s -> $%s%s\n",
		trimFloat(out.InitialLiquidity), trimFloat(out.FinalLiquidity),
		dropPercent(out.InitialLiquidity, out.FinalLiquidity))
	fmt.Fprintf(&b, "Price: $%s -> $%s%s\n",
		trimFloat(out.InitialPrice), trimFloat(out.FinalPrice),
		dropPercent(out.InitialPrice, out.FinalPrice))
	fmt.Fprintf(&b, "Confidence: %.0f%%", out.Confidence*100)

	return &core.Alert{
		ID:          uuid.New().String(),
		Category:    core.CategoryLiquidityDrain,
		Priority:    PriorityFor(core.CategoryLiquidityDrain, nil),
		ChatID:      chatID,
		TokenMint:   out.Mint,
		TokenSymbol: symbol,
		Title:       title,
		Message:     b.String(),
		CreatedAt:   time.Now(),
	}
}

func dropPercent(initial, final float64) string {
	if initial <= 0 || final >= initial {
		return ""
	}
	return fmt.Sprintf(" (-%.0f%%)", (1-final/initial)*100)
}

func formatTokenMessage(symbol string, facts *core.EnrichmentFacts, verdict *core.RiskVerdict) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s New token detected: %s\n", riskEmoji(verdict.Level), symbol)
	if facts.TokenName != "" && facts.TokenName != symbol {
		fmt.Fprintf(&b, "Name: %s\n", facts.TokenName)
	}
	fmt.Fprintf(&b, "Mint: %s\n", facts.TokenMint)
	fmt.Fprintf(&b, "Risk: %d/100 (%s)\n", verdict.Score, verdict.Level)

	fmt.Fprintf(&b, "Liquidity: $%s", trimFloat(facts.Liquidity.TotalLiquidityUSD))
	if facts.Liquidity.LPBurnedPercent > 0 {
		fmt.Fprintf(&b, " | LP burned: %.0f%%", facts.Liquidity.LPBurnedPercent)
	} else if facts.Liquidity.LPLockedPercent > 0 {
		fmt.Fprintf(&b, " | LP locked: %.0f%%", facts.Liquidity.LPLockedPercent)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Holders: %d | Top10: %.1f%% | Largest: %.1f%%\n",
		facts.Holders.TotalHolders,
		facts.Holders.Top10HoldersPercent,
		facts.Holders.LargestHolderPercent)

	fmt.Fprintf(&b, "Mint auth: %s | Freeze auth: %s\n",
		revokedWord(facts.Contract.MintAuthorityRevoked),
		revokedWord(facts.Contract.FreezeAuthorityRevoked))

	if socials := socialList(facts.Social); socials != "" {
		fmt.Fprintf(&b, "Socials: %s\n", socials)
	}
	if facts.Market.PriceUSD > 0 {
		fmt.Fprintf(&b, "Price: $%s | MCap: $%s\n",
			trimFloat(facts.Market.PriceUSD),
			trimFloat(facts.Market.MarketCapUSD))
	}

	if len(verdict.Factors) > 0 {
		b.WriteString("Factors:\n")
		for _, f := range verdict.Factors {
			sign := "+"
			if f.Impact < 0 {
				sign = ""
			}
			fmt.Fprintf(&b, "  %s%d %s\n", sign, f.Impact, f.Name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func riskEmoji(level core.RiskLevel) string {
	switch level {
	case core.RiskLow:
		return "🟢"
	case core.RiskMedium:
		return "🟡"
	case core.RiskHigh:
		return "🟠"
	default:
		return "🔴"
	}
}

func priorityEmoji(p core.AlertPriority) string {
	switch p {
	case core.PriorityCritical:
		return "🚨"
	case core.PriorityHigh:
		return "🔔"
	default:
		return "ℹ️"
	}
}

func revokedWord(revoked bool) string {
	if revoked {
		return "revoked"
	}
	return "ACTIVE"
}

func socialList(s core.SocialFacts) string {
	var parts []string
	if s.HasTwitter {
		parts = append(parts, "twitter")
	}
	if s.HasTelegram {
		parts = append(parts, "telegram")
	}
	if s.HasWebsite {
		parts = append(parts, "website")
	}
	return strings.Join(parts, ", ")
}

// trimFloat renders a number without trailing decimal noise.
func trimFloat(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + ".." + addr[len(addr)-4:]
}
