package exchange

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perp-pilot/internal/config"
)

type fakeMarket struct {
	ohlcvCalls int
	ohlcvErrs  []error
	candles    []ccxt.OHLCV
	book       ccxt.OrderBook
}

func (f *fakeMarket) FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error) {
	f.ohlcvCalls++
	if len(f.ohlcvErrs) > 0 {
		err := f.ohlcvErrs[0]
		f.ohlcvErrs = f.ohlcvErrs[1:]
		return nil, err
	}
	return f.candles, nil
}

func (f *fakeMarket) FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error) {
	return f.book, nil
}

func fastRetrier(attempts int) *Retrier {
	return NewRetrier(config.RetryConfig{MaxAttempts: attempts, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zap.NewNop())
}

func TestMarketDataService_Snapshot(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	fake := &fakeMarket{
		candles: []ccxt.OHLCV{
			{Timestamp: ts, Open: 99, High: 101, Low: 98, Close: 100, Volume: 10},
			{Timestamp: ts + 3600_000, Open: 100, High: 103, Low: 99, Close: 102, Volume: 12},
		},
		book: ccxt.OrderBook{
			Bids: [][]float64{{101.5, 2}, {101, 3}},
			Asks: [][]float64{{102.5, 1}},
		},
	}
	loads := 0
	client := newClient(fake, func() error { loads++; return nil }, fastRetrier(3), "BTC/USDT:USDT", "BTC", zap.NewNop())
	svc := NewMarketDataService(client, nil)

	snap, err := svc.GetSnapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)
	assert.Equal(t, "BTC", snap.Asset)
	require.Len(t, snap.Candles1H, 2)
	assert.Equal(t, 102.0, snap.Candles1H[1].Close)
	assert.Equal(t, 102.0, snap.OrderBook.Mid())
	assert.Equal(t, 102.0, snap.LatestPrice())
	assert.Equal(t, 1, loads)
}

func TestClient_RetriesNetworkErrors(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	fake := &fakeMarket{
		ohlcvErrs: []error{netErr, netErr},
		candles:   []ccxt.OHLCV{{Close: 1}},
	}
	client := newClient(fake, func() error { return nil }, fastRetrier(3), "ETH/USDT:USDT", "ETH", nil)

	candles, err := client.FetchCandles(context.Background(), Timeframe1h, 1)
	require.NoError(t, err)
	assert.Len(t, candles, 1)
	assert.Equal(t, 3, fake.ohlcvCalls)
}

func TestClient_DoesNotRetryPermanentErrors(t *testing.T) {
	fake := &fakeMarket{ohlcvErrs: []error{errors.New("bad symbol")}}
	client := newClient(fake, func() error { return nil }, fastRetrier(5), "X", "X", nil)

	_, err := client.FetchCandles(context.Background(), Timeframe1h, 1)
	require.Error(t, err)
	assert.Equal(t, 1, fake.ohlcvCalls)
}

func TestOrderBookMid(t *testing.T) {
	assert.Zero(t, OrderBookSnapshot{}.Mid())
	assert.Equal(t, 5.0, OrderBookSnapshot{Bids: []OrderBookLevel{{Price: 5}}}.Mid())
	assert.Equal(t, 7.0, OrderBookSnapshot{Asks: []OrderBookLevel{{Price: 7}}}.Mid())

	snap := MarketSnapshot{Candles1H: []Candle{{Close: 3}}}
	assert.Equal(t, 3.0, snap.LatestPrice())
}

func TestMarketPairs(t *testing.T) {
	pairs := MarketPairs([]string{"BTC/USDC:USDC", "eth/usdc:usdc"})
	assert.Equal(t, map[string]string{"BTC/USDC:USDC": "BTC", "eth/usdc:usdc": "ETH"}, pairs)
}

func TestClassifyError(t *testing.T) {
	maint, retry := classifyError(&ccxt.Error{Type: ccxt.OnMaintenanceErrType})
	assert.False(t, retry)
	assert.ErrorIs(t, maint, ErrMaintenance)
	assert.Contains(t, maint.Error(), "exchange under maintenance")

	assert.True(t, IsRetryable(&ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "slow down"}))
	assert.False(t, IsRetryable(errors.New("insufficient margin")))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(nil))
}
