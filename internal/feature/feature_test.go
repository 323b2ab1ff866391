package feature

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/exchange"
	"perp-pilot/internal/store/storetest"
)

func rawSnapshot(asset string, n int, start, step float64, at time.Time) exchange.MarketSnapshot {
	candles := make([]exchange.Candle, n)
	for i := range candles {
		c := start + step*float64(i)
		candles[i] = exchange.Candle{
			Timestamp: at.Add(time.Duration(i-n) * time.Hour),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    50,
		}
	}
	last := candles[n-1].Close
	return exchange.MarketSnapshot{
		Symbol:    asset + "/USDT:USDT",
		Asset:     asset,
		Candles1H: candles,
		OrderBook: exchange.OrderBookSnapshot{
			Bids: []exchange.OrderBookLevel{{Price: last - 1, Amount: 6}},
			Asks: []exchange.OrderBookLevel{{Price: last + 1, Amount: 2}},
		},
		RetrievedAt: at,
	}
}

type fakeSource struct {
	asset string
	snap  exchange.MarketSnapshot
	err   error
}

func (f fakeSource) Asset() string { return f.asset }

func (f fakeSource) GetSnapshot(context.Context, exchange.SnapshotRequest) (exchange.MarketSnapshot, error) {
	return f.snap, f.err
}

func TestExtract(t *testing.T) {
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	snap, err := NewExtractor(nil, nil).Extract(context.Background(), rawSnapshot("BTC", 100, 1000, 10, at))
	require.NoError(t, err)

	assert.Equal(t, "BTC", snap.Symbol)
	assert.Equal(t, 1990.0, snap.Price)
	assert.Greater(t, snap.ATR, 0.0)
	assert.InDelta(t, snap.ATR/snap.Price*100, snap.ATRPercent, 1e-9)
	assert.Greater(t, snap.Change24h, 0.0)
	assert.Equal(t, "bullish_alignment", snap.EMAAlignment)
	assert.Equal(t, "buying_pressure", snap.OrderFlow)
	assert.InDelta(t, 0.5, snap.OrderBookImbalance, 1e-9)
	assert.Equal(t, 2.0, snap.Spread)
	assert.Equal(t, "europe", snap.Session)
}

func TestRepository_LatestAndHistory(t *testing.T) {
	ctx := context.Background()
	repo, err := NewRepository(storetest.New(t))
	require.NoError(t, err)

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Insert(ctx, &Snapshot{Symbol: "btc", Price: 100 + float64(i), CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
	}
	require.NoError(t, repo.Insert(ctx, &Snapshot{Symbol: "ETH", Price: 10, CreatedAt: base}))

	latest, err := repo.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 102.0, latest.Price)

	price, at, err := repo.Price(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, 102.0, price)
	assert.True(t, at.Equal(base.Add(2*time.Hour)))

	all, err := repo.LatestAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "BTC", all[0].Symbol)
	assert.Equal(t, "ETH", all[1].Symbol)

	hist, err := repo.History(ctx, "BTC", base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 101.0, hist[0].Price)

	_, err = repo.Latest(ctx, "SOL")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := repo.Prune(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCollector_SkipsFailingSources(t *testing.T) {
	ctx := context.Background()
	repo, err := NewRepository(storetest.New(t))
	require.NoError(t, err)

	at := time.Now().UTC()
	c := newCollector([]snapshotSource{
		fakeSource{asset: "BTC", snap: rawSnapshot("BTC", 80, 100, 1, at)},
		fakeSource{asset: "ETH", err: errors.New("timeout")},
		fakeSource{asset: "SOL", snap: rawSnapshot("SOL", 10, 100, 1, at)},
	}, nil, repo, 0, nil)

	stored, err := c.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	_, err = repo.Latest(ctx, "BTC")
	assert.NoError(t, err)
	_, err = repo.Latest(ctx, "SOL")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "range", adxRegime(12))
	assert.Equal(t, "transition", adxRegime(20))
	assert.Equal(t, "trending", adxRegime(39.9))
	assert.Equal(t, "strong_trend", adxRegime(40))

	assert.Equal(t, "asia", sessionAt(time.Date(2026, 4, 1, 7, 59, 0, 0, time.UTC)))
	assert.Equal(t, "america", sessionAt(time.Date(2026, 4, 1, 23, 0, 0, 0, time.UTC)))

	assert.Equal(t, "selloff_with_volume", volumeDivergence(-3, 1.4))
	assert.Equal(t, "rally_without_volume", volumeDivergence(2, 0.7))
	assert.Equal(t, "neutral", volumeDivergence(0, 3))

	onlyBids := exchange.OrderBookSnapshot{Bids: []exchange.OrderBookLevel{{Price: 10, Amount: 1}}}
	assert.Equal(t, "buying_pressure", orderFlow(onlyBids))
	assert.Equal(t, 1.0, bookImbalance(onlyBids))
	assert.Zero(t, spread(onlyBids))
	assert.Equal(t, "neutral", orderFlow(exchange.OrderBookSnapshot{}))
}
