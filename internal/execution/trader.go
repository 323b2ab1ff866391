package execution

import (
	"context"
	"time"

	"perp-pilot/internal/order"
)

// Fill 为一次提交的成交结果。
type Fill struct {
	ExchangeOrderID string
	FilledSize      float64
	AvgPrice        float64
	At              time.Time
}

// Broker 抽象下单通道，方便切换实盘或模拟盘。
type Broker interface {
	Name() string
	// AccountValue 返回账户净值。
	AccountValue(ctx context.Context) (float64, error)
	// AvailableMargin 返回可用于开仓的保证金。
	AvailableMargin(ctx context.Context) (float64, error)
	// MidPrice 返回品种中间价。
	MidPrice(ctx context.Context, symbol string) (float64, error)
	// Submit 提交订单并等待成交；FilledSize 为 0 表示未成交。
	Submit(ctx context.Context, o order.Order) (Fill, error)
}

// PriceSource 按资产代码提供最新价格。
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, time.Time, error)
}

var (
	_ Broker = (*PaperBroker)(nil)
	_ Broker = (*LiveBroker)(nil)
)
