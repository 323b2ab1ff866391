package exchange

import "time"

// Timeframe1h 为指标计算周期。
const Timeframe1h = "1h"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBookSnapshot 为订单簿快照。
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
	Nonce     int64
}

// Mid 返回买一卖一中间价；单边缺失时退化为另一边，均缺失返回 0。
func (s OrderBookSnapshot) Mid() float64 {
	var bid, ask float64
	if len(s.Bids) > 0 {
		bid = s.Bids[0].Price
	}
	if len(s.Asks) > 0 {
		ask = s.Asks[0].Price
	}
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}

// MarketSnapshot 聚合K线及盘口数据。
type MarketSnapshot struct {
	Symbol      string
	Asset       string
	Candles1H   []Candle
	OrderBook   OrderBookSnapshot
	RetrievedAt time.Time
}

// LatestPrice 优先使用盘口中间价，其次最新收盘价。
func (s MarketSnapshot) LatestPrice() float64 {
	if mid := s.OrderBook.Mid(); mid > 0 {
		return mid
	}
	if n := len(s.Candles1H); n > 0 {
		return s.Candles1H[n-1].Close
	}
	return 0
}

// SnapshotRequest 控制一次快照采集的参数。
type SnapshotRequest struct {
	Limit1H        int
	OrderBookDepth int
}

// DefaultSnapshotRequest 返回默认快照参数。
func DefaultSnapshotRequest() SnapshotRequest {
	return SnapshotRequest{
		Limit1H:        200,
		OrderBookDepth: 20,
	}
}

func (r SnapshotRequest) withDefaults() SnapshotRequest {
	def := DefaultSnapshotRequest()
	if r.Limit1H <= 0 {
		r.Limit1H = def.Limit1H
	}
	if r.OrderBookDepth <= 0 {
		r.OrderBookDepth = def.OrderBookDepth
	}
	return r
}
