// Package rugcheck fetches third-party token risk reports. The upstream
// score runs 0-100 with higher meaning more dangerous; SafetyScore flips it
// so downstream consumers work with higher-is-safer throughout.
package rugcheck

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mintwatch/backend/internal/circuitbreaker"
	"github.com/mintwatch/backend/internal/httpclient"
)

const (
	defaultBaseURL = "https://api.rugcheck.xyz"

	reportTTL = 5 * time.Minute
)

// Risk is one named finding in a report.
type Risk struct {
	Name        string  `json:"name"`
	Value       string  `json:"value"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
	Level       string  `json:"level"`
}

// MarketLP describes the liquidity position of one market in the report.
type MarketLP struct {
	LPLockedPct float64 `json:"lpLockedPct"`
	LPBurnedPct float64 `json:"lpBurnedPct"`
	LPLockedUSD float64 `json:"lpLockedUSD"`
}

// Market is one venue the token trades on.
type Market struct {
	MarketType string   `json:"marketType"`
	LP         MarketLP `json:"lp"`
}

// Report is the upstream risk report, reduced to the fields the pipeline
// consumes.
type Report struct {
	Mint            string   `json:"mint"`
	ScoreNormalised float64  `json:"score_normalised"`
	Risks           []Risk   `json:"risks"`
	Markets         []Market `json:"markets"`
	Rugged          bool     `json:"rugged"`
}

// SafetyScore converts the upstream danger score into a 0-100
// higher-is-safer score.
func (r *Report) SafetyScore() float64 {
	s := 100 - r.ScoreNormalised
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// RiskNames flattens the findings into display strings.
func (r *Report) RiskNames() []string {
	if len(r.Risks) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Risks))
	for _, risk := range r.Risks {
		names = append(names, risk.Name)
	}
	return names
}

// HasDangerRisk reports whether any danger-level finding's name contains
// the given substring, matched case-insensitively.
func (r *Report) HasDangerRisk(substr string) bool {
	substr = strings.ToLower(substr)
	for _, risk := range r.Risks {
		if risk.Level != "danger" {
			continue
		}
		if strings.Contains(strings.ToLower(risk.Name), substr) {
			return true
		}
	}
	return false
}

// HasRisk reports whether any finding's name contains the given substring,
// regardless of level.
func (r *Report) HasRisk(substr string) bool {
	substr = strings.ToLower(substr)
	for _, risk := range r.Risks {
		if strings.Contains(strings.ToLower(risk.Name), substr) {
			return true
		}
	}
	return false
}

// LPLockedPercent returns the strongest LP lock across markets. Burned LP
// counts as locked.
func (r *Report) LPLockedPercent() float64 {
	var best float64
	for _, m := range r.Markets {
		pct := m.LP.LPLockedPct
		if m.LP.LPBurnedPct > pct {
			pct = m.LP.LPBurnedPct
		}
		if pct > best {
			best = pct
		}
	}
	if best > 100 {
		best = 100
	}
	return best
}

// LPBurnedPercent returns the largest burned share across markets.
func (r *Report) LPBurnedPercent() float64 {
	var best float64
	for _, m := range r.Markets {
		if m.LP.LPBurnedPct > best {
			best = m.LP.LPBurnedPct
		}
	}
	if best > 100 {
		best = 100
	}
	return best
}

// Config sizes the client; zero fields use conservative public-API limits.
type Config struct {
	BaseURL         string
	RefillPerSecond float64
	MaxTokens       float64
}

// Client calls the rugcheck API.
type Client struct {
	http *httpclient.Client
}

// New builds a client. breakers may be nil for standalone use.
func New(cfg Config, breakers *circuitbreaker.Manager) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	hc := httpclient.DefaultConfig("rugcheck", cfg.BaseURL)
	hc.RefillPerSecond = 0.5
	hc.MaxTokens = 3
	if cfg.RefillPerSecond > 0 {
		hc.RefillPerSecond = cfg.RefillPerSecond
	}
	if cfg.MaxTokens > 0 {
		hc.MaxTokens = cfg.MaxTokens
	}
	return &Client{http: httpclient.New(hc, breakers)}
}

// TokenReport fetches the summary report for one mint.
func (c *Client) TokenReport(ctx context.Context, mint string) (*Report, error) {
	report, err := httpclient.GetAs[Report](ctx, c.http, "/v1/tokens/"+mint+"/report/summary", &httpclient.RequestOptions{
		Cache:     true,
		CacheTTL:  reportTTL,
		Validator: httpclient.HasFields("score_normalised"),
	})
	if err != nil {
		return nil, fmt.Errorf("rugcheck report %s: %w", mint, err)
	}
	return &report, nil
}

// Healthy reports whether the breaker currently admits calls.
func (c *Client) Healthy() bool {
	return c.http.IsHealthy()
}

// Stats exposes the underlying client counters.
func (c *Client) Stats() httpclient.ClientStats {
	return c.http.Stats()
}
