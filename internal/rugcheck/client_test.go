package rugcheck

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/backend/internal/core"
)

func newTestClient(baseURL string) *Client {
	return New(Config{
		BaseURL:         baseURL,
		RefillPerSecond: 100000,
		MaxTokens:       100000,
	}, nil)
}

func TestTokenReportDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tokens/MintAAA/report/summary", r.URL.Path)
		fmt.Fprint(w, `{
			"mint": "MintAAA",
			"score_normalised": 23,
			"rugged": false,
			"risks": [
				{"name": "Low Liquidity", "level": "warn", "score": 500},
				{"name": "Freeze Authority still enabled", "level": "danger", "score": 2000}
			],
			"markets": [
				{"marketType": "raydium", "lp": {"lpLockedPct": 12.5, "lpBurnedPct": 88.0}}
			]
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	report, err := c.TokenReport(context.Background(), "MintAAA")
	require.NoError(t, err)

	assert.InDelta(t, 77, report.SafetyScore(), 1e-9)
	assert.Equal(t, []string{"Low Liquidity", "Freeze Authority still enabled"}, report.RiskNames())
	assert.True(t, report.HasDangerRisk("freeze"))
	assert.False(t, report.HasDangerRisk("liquidity"))
	assert.True(t, report.HasRisk("liquidity"))
	assert.InDelta(t, 88.0, report.LPLockedPercent(), 1e-9)
	assert.InDelta(t, 88.0, report.LPBurnedPercent(), 1e-9)
}

func TestTokenReportRejectsMissingScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"mint": "MintAAA"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.TokenReport(context.Background(), "MintAAA")
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestSafetyScoreClamps(t *testing.T) {
	assert.Zero(t, (&Report{ScoreNormalised: 140}).SafetyScore())
	assert.Equal(t, float64(100), (&Report{ScoreNormalised: -5}).SafetyScore())
}

func TestLPPercentsAcrossMarkets(t *testing.T) {
	r := &Report{Markets: []Market{
		{LP: MarketLP{LPLockedPct: 40}},
		{LP: MarketLP{LPLockedPct: 10, LPBurnedPct: 95}},
	}}
	assert.InDelta(t, 95, r.LPLockedPercent(), 1e-9)
	assert.InDelta(t, 95, r.LPBurnedPercent(), 1e-9)

	empty := &Report{}
	assert.Zero(t, empty.LPLockedPercent())
	assert.Nil(t, empty.RiskNames())
}
