package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/feature"
	"perp-pilot/internal/marketctx"
	"perp-pilot/internal/position"
	"perp-pilot/internal/risk"
)

func TestBuildTradingPrompt(t *testing.T) {
	profile, err := risk.LookupProfile("cautious")
	require.NoError(t, err)

	bundle := marketctx.Bundle{
		Symbol:   "ETH",
		Market:   feature.Snapshot{Symbol: "ETH", Price: 3120.5, RSI: 41.2},
		Position: position.EmptySummary(),
		Weights:  map[string]float64{"market": 0.4},
	}
	p, err := BuildTradingPrompt(bundle, profile, Limits{MaxLeverage: 10, MaxPositionFraction: 0.25, MinRiskReward: 1.5}, []string{"BTC", "ETH"})
	require.NoError(t, err)

	assert.Contains(t, p.System, "cautious")
	assert.Contains(t, p.System, "0.75")
	assert.Contains(t, p.System, "1-10")
	assert.Contains(t, p.System, "净值的 25%")
	assert.Contains(t, p.System, `"symbol": "ETH"`)
	assert.Contains(t, p.User, "3120.5")
	assert.Contains(t, p.User, `"has_position": false`)
	assert.Contains(t, p.User, "BTC, ETH")
}

func TestBuildMacroPrompt(t *testing.T) {
	mb := marketctx.MacroBundle{
		Overview:    []feature.Snapshot{{Symbol: "BTC", Price: 100000}},
		History:     []marketctx.InstrumentHistory{{Symbol: "BTC", ChangePct: 4.2, VolatilityPct: 1.8}},
		Days:        7,
		GeneratedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	p, err := BuildMacroPrompt(mb)
	require.NoError(t, err)
	assert.Contains(t, p.System, "risk_tolerance")
	assert.Contains(t, p.User, "7 日走势")
	assert.Contains(t, p.User, `"volatility_pct": 1.8`)
}
