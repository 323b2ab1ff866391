package feature

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"perp-pilot/internal/exchange"
	"perp-pilot/internal/indicator"
)

// Snapshot 是单一品种某一时刻的行情与指标快照。
type Snapshot struct {
	ID                 int64     `json:"id"`
	Symbol             string    `json:"symbol"`
	Price              float64   `json:"price"`
	Change24h          float64   `json:"change_24h_pct"`
	RSI                float64   `json:"rsi"`
	RSIState           string    `json:"rsi_state"`
	ATR                float64   `json:"atr"`
	ATRPercent         float64   `json:"atr_pct"`
	EMA12              float64   `json:"ema12"`
	EMA26              float64   `json:"ema26"`
	EMA50              float64   `json:"ema50"`
	EMAAlignment       string    `json:"ema_alignment"`
	MACDHistogram      float64   `json:"macd_histogram"`
	BollingerPosition  float64   `json:"bollinger_position"`
	ADX                float64   `json:"adx"`
	TrendStrength      string    `json:"trend_strength"`
	VolumeRatio        float64   `json:"volume_ratio"`
	VolumeDivergence   string    `json:"volume_divergence"`
	Support            float64   `json:"support"`
	Resistance         float64   `json:"resistance"`
	OrderBookImbalance float64   `json:"order_book_imbalance"`
	OrderFlow          string    `json:"order_flow"`
	Spread             float64   `json:"spread"`
	Session            string    `json:"session"`
	CreatedAt          time.Time `json:"created_at"`
}

// Extractor 把原始行情转换为带标签的指标快照。
type Extractor struct {
	indicators *indicator.Calculator
	logger     *zap.Logger
}

// NewExtractor calc 为空时使用默认窗口。
func NewExtractor(calc *indicator.Calculator, logger *zap.Logger) *Extractor {
	if calc == nil {
		calc = indicator.NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{indicators: calc, logger: logger}
}

// Extract 计算指标；价格取盘口中间价，缺失时取最新收盘价。
func (e *Extractor) Extract(ctx context.Context, raw exchange.MarketSnapshot) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	res, err := e.indicators.Compute(raw.Asset, exchange.Timeframe1h, raw.Candles1H)
	if err != nil {
		return Snapshot{}, fmt.Errorf("feature: 计算指标失败: %w", err)
	}
	price := raw.LatestPrice()
	if !(price > 0) {
		return Snapshot{}, fmt.Errorf("feature: %s 缺少有效价格", raw.Asset)
	}

	atr := finite(res.ATR.Absolute)
	support, resistance := rangeLevels(res.Series, levelWindow)
	book := raw.OrderBook

	out := Snapshot{
		Symbol:             raw.Asset,
		Price:              price,
		Change24h:          finite(res.Change24h),
		RSI:                finite(res.RSI),
		RSIState:           rsiState(finite(res.RSI)),
		ATR:                atr,
		ATRPercent:         indicator.SafeDivide(atr, price) * 100,
		EMA12:              finite(res.EMA12),
		EMA26:              finite(res.EMA26),
		EMA50:              finite(res.EMA50),
		EMAAlignment:       emaAlignment(res.EMA12, res.EMA26, res.EMA50),
		MACDHistogram:      finite(res.MACD.Histogram),
		BollingerPosition:  finite(res.Bollinger.Position),
		ADX:                finite(res.ADX),
		TrendStrength:      adxRegime(finite(res.ADX)),
		VolumeRatio:        finite(res.Volume.Ratio),
		VolumeDivergence:   volumeDivergence(finite(res.Close-res.PreviousClose), finite(res.Volume.Ratio)),
		Support:            support,
		Resistance:         resistance,
		OrderBookImbalance: bookImbalance(book),
		OrderFlow:          orderFlow(book),
		Spread:             spread(book),
		Session:            sessionAt(raw.RetrievedAt),
		CreatedAt:          raw.RetrievedAt.UTC(),
	}

	e.logger.Debug("特征提取完成",
		zap.String("symbol", out.Symbol),
		zap.Float64("price", out.Price),
		zap.Float64("atr_pct", out.ATRPercent),
		zap.String("trend", out.TrendStrength),
	)
	return out, nil
}

const (
	levelWindow     = 50
	imbalanceLevels = 10
	flowLevels      = 5
)

func emaAlignment(fast, mid, slow float64) string {
	if fast > mid && mid > slow {
		return "bullish_alignment"
	}
	if fast < mid && mid < slow {
		return "bearish_alignment"
	}
	return "mixed_alignment"
}

func rsiState(rsi float64) string {
	if rsi >= 70 {
		return "overbought"
	}
	if rsi <= 30 {
		return "oversold"
	}
	return "neutral"
}

// adxRegime 阈值 20/25/40。
func adxRegime(adx float64) string {
	for _, step := range []struct {
		below float64
		label string
	}{{20, "range"}, {25, "transition"}, {40, "trending"}} {
		if adx < step.below {
			return step.label
		}
	}
	return "strong_trend"
}

// sessionAt 按 UTC 每 8 小时划分亚洲、欧洲、美洲时段。
func sessionAt(ts time.Time) string {
	return [...]string{"asia", "europe", "america"}[ts.UTC().Hour()/8]
}

func volumeDivergence(priceDelta, volumeRatio float64) string {
	if priceDelta == 0 {
		return "neutral"
	}
	move := "rally"
	if priceDelta < 0 {
		move = "selloff"
	}
	if volumeRatio > 1 {
		return move + "_with_volume"
	}
	return move + "_without_volume"
}

// rangeLevels 取最近 window 根K线的最低价与最高价。
func rangeLevels(s indicator.Series, window int) (support, resistance float64) {
	n := s.Len()
	if n == 0 {
		return 0, 0
	}
	from := max(0, n-window)
	return finite(slices.Min(s.Low[from:])), finite(slices.Max(s.High[from:]))
}

func depthSum(levels []exchange.OrderBookLevel, n int) float64 {
	var total float64
	for _, lv := range levels[:min(n, len(levels))] {
		total += lv.Amount
	}
	return total
}

// bookImbalance 为前 10 档 (买量-卖量)/(买量+卖量)，取值 [-1,1]。
func bookImbalance(book exchange.OrderBookSnapshot) float64 {
	bid, ask := depthSum(book.Bids, imbalanceLevels), depthSum(book.Asks, imbalanceLevels)
	return finite(indicator.SafeDivide(bid-ask, bid+ask))
}

func orderFlow(book exchange.OrderBookSnapshot) string {
	bid, ask := depthSum(book.Bids, flowLevels), depthSum(book.Asks, flowLevels)
	if bid == 0 && ask == 0 {
		return "neutral"
	}
	switch ratio := indicator.SafeDivide(bid, ask); {
	case ask == 0 || ratio > 1.2:
		return "buying_pressure"
	case ratio < 0.8:
		return "selling_pressure"
	default:
		return "balanced"
	}
}

func spread(book exchange.OrderBookSnapshot) float64 {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0
	}
	return finite(book.Asks[0].Price - book.Bids[0].Price)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
