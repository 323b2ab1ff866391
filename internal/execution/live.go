package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"perp-pilot/internal/config"
	"perp-pilot/internal/exchange"
	"perp-pilot/internal/order"
	"perp-pilot/internal/position"
)

type orderClient interface {
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
}

type accountSource interface {
	FetchSnapshot(ctx context.Context) (position.AccountBalance, []position.ExchangePosition, error)
}

// LiveBroker 通过 Hyperliquid 下单。市价单以带滑点的 IOC 限价单实现。
type LiveBroker struct {
	client  orderClient
	account accountSource
	prices  PriceSource
	markets map[string]string
	retry   *exchange.Retrier
	cfg     config.ExecutionConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewLiveBroker 创建实盘通道，markets 为执行端市场符号到资产代码的映射。
func NewLiveBroker(client orderClient, account accountSource, prices PriceSource, markets map[string]string,
	retry *exchange.Retrier, cfg config.ExecutionConfig, logger *zap.Logger) (*LiveBroker, error) {
	if client == nil || account == nil || prices == nil {
		return nil, errors.New("execution: 实盘通道缺少交易客户端、账户或价格源")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = exchange.NewRetrier(config.RetryConfig{MaxAttempts: 1}, logger)
	}
	byAsset := make(map[string]string, len(markets))
	for market, asset := range markets {
		byAsset[strings.ToUpper(asset)] = market
	}
	return &LiveBroker{
		client:  client,
		account: account,
		prices:  prices,
		markets: byAsset,
		retry:   retry,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Name 返回通道名称。
func (b *LiveBroker) Name() string { return "live" }

// AccountValue 返回交易所账户净值。
func (b *LiveBroker) AccountValue(ctx context.Context) (float64, error) {
	balance, _, err := b.account.FetchSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return balance.TotalEquity, nil
}

// AvailableMargin 返回可提取余额，缺失时退回可用 USD。
func (b *LiveBroker) AvailableMargin(ctx context.Context) (float64, error) {
	balance, _, err := b.account.FetchSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if balance.Withdrawable > 0 {
		return balance.Withdrawable, nil
	}
	return balance.FreeUSD, nil
}

// MidPrice 返回最近一次快照的中间价。
func (b *LiveBroker) MidPrice(ctx context.Context, symbol string) (float64, error) {
	price, _, err := b.prices.Price(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("execution: 获取 %s 价格失败: %w", symbol, err)
	}
	if !(price > 0) {
		return 0, fmt.Errorf("execution: %s 价格非法: %v", symbol, price)
	}
	return price, nil
}

// Submit 提交订单并轮询成交，超时后撤销剩余部分。
func (b *LiveBroker) Submit(ctx context.Context, o order.Order) (Fill, error) {
	if err := o.Validate(); err != nil {
		return Fill{}, err
	}
	market, ok := b.markets[strings.ToUpper(o.Symbol)]
	if !ok {
		return Fill{}, fmt.Errorf("execution: %s 不在执行市场白名单内", o.Symbol)
	}

	price, tif, err := b.limitPrice(ctx, o)
	if err != nil {
		return Fill{}, err
	}
	params := map[string]interface{}{
		"timeInForce": tif,
		"reduceOnly":  o.ReduceOnly,
	}
	if cloid := clientOrderID(o.ClientID); cloid != "" {
		params["clientOrderId"] = cloid
	}

	var placed ccxt.Order
	err = b.retry.Do(ctx, "create_order", func() error {
		var callErr error
		placed, callErr = b.client.CreateLimitOrder(market, string(o.Side), o.Size, price,
			ccxt.WithCreateLimitOrderParams(params))
		return callErr
	})
	if err != nil {
		return Fill{}, fmt.Errorf("execution: 提交订单失败: %w", err)
	}

	fill := toFill(placed, b.now())
	b.logger.Info("订单已提交",
		zap.String("symbol", o.Symbol),
		zap.String("market", market),
		zap.String("side", string(o.Side)),
		zap.Float64("size", o.Size),
		zap.Float64("price", price),
		zap.String("exchange_order_id", fill.ExchangeOrderID),
	)
	if fill.FilledSize >= o.Size || fill.ExchangeOrderID == "" || orderDone(placed) {
		return fill, nil
	}
	return b.awaitFill(ctx, market, o, fill)
}

func (b *LiveBroker) limitPrice(ctx context.Context, o order.Order) (float64, string, error) {
	if o.Type != order.TypeMarket && o.Price != nil {
		return *o.Price, "Gtc", nil
	}
	mid, err := b.MidPrice(ctx, o.Symbol)
	if err != nil {
		return 0, "", err
	}
	if o.Side == order.SideBuy {
		return mid * (1 + b.cfg.Slippage), "Ioc", nil
	}
	return mid * (1 - b.cfg.Slippage), "Ioc", nil
}

func (b *LiveBroker) awaitFill(ctx context.Context, market string, o order.Order, fill Fill) (Fill, error) {
	timeout := b.cfg.FillTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := b.cfg.FillPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fill, ctx.Err()
		case <-deadline.C:
			b.cancelRemaining(market, fill.ExchangeOrderID)
			b.logger.Warn("等待成交超时",
				zap.String("symbol", o.Symbol),
				zap.String("exchange_order_id", fill.ExchangeOrderID),
				zap.Float64("filled", fill.FilledSize),
			)
			return fill, nil
		case <-ticker.C:
		}

		var current ccxt.Order
		err := b.retry.Do(ctx, "fetch_order", func() error {
			var callErr error
			current, callErr = b.client.FetchOrder(fill.ExchangeOrderID, ccxt.WithFetchOrderSymbol(market))
			return callErr
		})
		if err != nil {
			b.logger.Warn("查询订单失败", zap.String("exchange_order_id", fill.ExchangeOrderID), zap.Error(err))
			continue
		}
		next := toFill(current, b.now())
		if next.ExchangeOrderID == "" {
			next.ExchangeOrderID = fill.ExchangeOrderID
		}
		fill = next
		if fill.FilledSize >= o.Size || orderDone(current) {
			return fill, nil
		}
	}
}

func (b *LiveBroker) cancelRemaining(market, id string) {
	if _, err := b.client.CancelOrder(id, ccxt.WithCancelOrderSymbol(market)); err != nil {
		b.logger.Warn("撤销剩余订单失败", zap.String("exchange_order_id", id), zap.Error(err))
	}
}

func toFill(o ccxt.Order, at time.Time) Fill {
	fill := Fill{At: at.UTC()}
	if o.Id != nil {
		fill.ExchangeOrderID = *o.Id
	}
	if o.Filled != nil {
		fill.FilledSize = *o.Filled
	}
	if o.Average != nil {
		fill.AvgPrice = *o.Average
	} else if o.Price != nil && fill.FilledSize > 0 {
		fill.AvgPrice = *o.Price
	}
	return fill
}

// orderDone 判断订单在交易所侧已不再挂单。
func orderDone(o ccxt.Order) bool {
	if o.Status == nil {
		return false
	}
	switch strings.ToLower(*o.Status) {
	case "closed", "filled", "canceled", "cancelled", "rejected", "expired":
		return true
	}
	return false
}

// clientOrderID 将 UUID 转为 Hyperliquid 要求的 128 位十六进制 cloid。
func clientOrderID(id string) string {
	hex := strings.ReplaceAll(id, "-", "")
	if len(hex) != 32 {
		return ""
	}
	return "0x" + strings.ToLower(hex)
}
