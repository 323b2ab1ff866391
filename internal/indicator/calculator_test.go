package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/exchange"
)

func trendingCandles(n int, start, step float64) []exchange.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, n)
	for i := range out {
		c := start + step*float64(i)
		out[i] = exchange.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      c - step/2,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100 + float64(i%5),
		}
	}
	return out
}

func TestCompute_Uptrend(t *testing.T) {
	calc := NewCalculator()
	res, err := calc.Compute("BTC", exchange.Timeframe1h, trendingCandles(120, 100, 0.5))
	require.NoError(t, err)

	assert.Equal(t, "BTC", res.Symbol)
	assert.Equal(t, 159.5, res.Close)
	assert.Greater(t, res.RSI, 70.0)
	assert.Greater(t, res.EMA12, res.EMA26)
	assert.Greater(t, res.EMA26, res.EMA50)
	assert.Greater(t, res.ATR.Absolute, 0.0)
	assert.InDelta(t, res.ATR.Absolute/res.Close, res.ATR.Relative, 1e-12)
	assert.InDelta(t, (159.5-147.5)/147.5*100, res.Change24h, 1e-9)
	assert.GreaterOrEqual(t, res.Bollinger.Position, 0.0)
	assert.LessOrEqual(t, res.Bollinger.Position, 1.0)
}

func TestCompute_CachesPerSymbol(t *testing.T) {
	calc := NewCalculator()
	candles := trendingCandles(80, 100, 1)

	a, err := calc.Compute("BTC", exchange.Timeframe1h, candles)
	require.NoError(t, err)
	b, err := calc.Compute("ETH", exchange.Timeframe1h, trendingCandles(80, 10, -0.05))
	require.NoError(t, err)
	assert.NotEqual(t, a.Close, b.Close)

	again, err := calc.Compute("BTC", exchange.Timeframe1h, candles)
	require.NoError(t, err)
	assert.Equal(t, a.Close, again.Close)
	assert.Len(t, calc.cache, 2)
}

func TestCompute_RequiresHistory(t *testing.T) {
	_, err := NewCalculator().Compute("BTC", exchange.Timeframe1h, trendingCandles(MinCandles-1, 100, 1))
	assert.Error(t, err)
}

func TestChangePct(t *testing.T) {
	assert.Zero(t, ChangePct(nil, 24))
	assert.InDelta(t, 10.0, ChangePct([]float64{100, 105, 110}, 24), 1e-9)
	assert.InDelta(t, -50.0, ChangePct([]float64{1, 200, 150, 100}, 2), 1e-9)
}

func TestCoefficientOfVariation(t *testing.T) {
	assert.Zero(t, CoefficientOfVariation(nil))
	assert.Zero(t, CoefficientOfVariation([]float64{5, 5, 5}))
	// 均值 5，总体标准差 2
	assert.InDelta(t, 40.0, CoefficientOfVariation([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
	assert.False(t, math.IsNaN(CoefficientOfVariation([]float64{0, 0})))
}

func TestSliceTailCopies(t *testing.T) {
	src := []float64{1, 2, 3, 4}
	tail := SliceTail(src, 2)
	assert.Equal(t, []float64{3, 4}, tail)
	tail[0] = 99
	assert.Equal(t, 3.0, src[2])
	assert.Equal(t, src, SliceTail(src, 10))
	assert.Nil(t, SliceTail(src, 0))
}

func TestComputeWithShortChangeLookback(t *testing.T) {
	p := DefaultPeriods
	p.ChangeLookback = 1
	res, err := NewCalculatorWithPeriods(p).Compute("SOL", exchange.Timeframe1h, trendingCandles(MinCandles, 100, 1))
	require.NoError(t, err)
	assert.InDelta(t, (159.0-158.0)/158.0*100, res.Change24h, 1e-9)
	assert.True(t, math.IsNaN(Prev(nil)))
}
