package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"perp-pilot/internal/config"
)

type marketClient interface {
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
}

// Client 负责从行情交易所拉取单一市场的数据。
type Client struct {
	logger   *zap.Logger
	exchange marketClient
	load     func() error
	retry    *Retrier
	symbol   string
	asset    string

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 行情客户端，asset 为归一后的资产代码。
func NewClient(cfg config.ExchangeConfig, symbol, asset string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	load := func() error {
		_, err := ex.LoadMarkets()
		return err
	}
	return newClient(ex, load, NewRetrier(cfg.Retry, logger), symbol, asset, logger), nil
}

func newClient(ex marketClient, load func() error, retry *Retrier, symbol, asset string, logger *zap.Logger) *Client {
	return &Client{
		logger:   logger,
		exchange: ex,
		load:     load,
		retry:    retry,
		symbol:   symbol,
		asset:    asset,
	}
}

// Symbol 返回交易对符号。
func (c *Client) Symbol() string {
	return c.symbol
}

// Asset 返回资产代码。
func (c *Client) Asset() string {
	return c.asset
}

// FetchCandles 拉取最近 limit 根K线，按时间升序返回。
func (c *Client) FetchCandles(ctx context.Context, timeframe string, limit int64) ([]Candle, error) {
	var raw []ccxt.OHLCV
	err := c.call(ctx, "fetch_ohlcv_"+timeframe, func() (err error) {
		raw, err = c.exchange.FetchOHLCV(c.symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(max(limit, 1)),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candle, len(raw))
	for i, k := range raw {
		out[i] = Candle{
			Timestamp: time.UnixMilli(k.Timestamp).UTC(),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		}
	}
	return out, nil
}

// FetchOrderBook 拉取前 depth 档盘口，depth 非正时取 20。
func (c *Client) FetchOrderBook(ctx context.Context, depth int64) (OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 20
	}
	var raw ccxt.OrderBook
	err := c.call(ctx, "fetch_order_book", func() (err error) {
		raw, err = c.exchange.FetchOrderBook(c.symbol, ccxt.WithFetchOrderBookLimit(depth))
		return err
	})
	if err != nil {
		return OrderBookSnapshot{}, err
	}

	book := OrderBookSnapshot{
		Symbol:    c.symbol,
		Bids:      levels(raw.Bids),
		Asks:      levels(raw.Asks),
		Timestamp: time.Now().UTC(),
	}
	if raw.Timestamp != nil {
		book.Timestamp = time.UnixMilli(*raw.Timestamp).UTC()
	}
	if raw.Nonce != nil {
		book.Nonce = *raw.Nonce
	}
	return book, nil
}

// call 在重试器内执行 fn，首次调用前加载市场元数据。
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	return c.retry.Do(ctx, op, func() error {
		if err := c.loadMarkets(ctx); err != nil {
			return err
		}
		return fn()
	})
}

func (c *Client) loadMarkets(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()
	if c.marketsLoaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.load(); err != nil {
		return fmt.Errorf("加载市场元数据: %w", err)
	}
	c.marketsLoaded = true
	c.logger.Info("市场元数据已加载", zap.String("symbol", c.symbol))
	return nil
}

// levels 丢弃不完整的 [price, amount] 档位。
func levels(raw [][]float64) []OrderBookLevel {
	out := make([]OrderBookLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) >= 2 {
			out = append(out, OrderBookLevel{Price: lv[0], Amount: lv[1]})
		}
	}
	return out
}
