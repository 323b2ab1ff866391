package marketctx

import (
	"time"

	"perp-pilot/internal/decision"
	"perp-pilot/internal/feature"
	"perp-pilot/internal/position"
	"perp-pilot/internal/signals"
)

// TrendClass 是24小时价格行为分级。
type TrendClass string

const (
	TrendStrongDown TrendClass = "strong_downtrend"
	TrendDown       TrendClass = "downtrend"
	TrendNeutral    TrendClass = "neutral"
	TrendUp         TrendClass = "uptrend"
	TrendStrongUp   TrendClass = "strong_uptrend"
)

// ClassifyTrend 按24小时涨跌幅（百分比）分级，阈值为 ±1% 与 ±3%。
func ClassifyTrend(changePct float64) TrendClass {
	switch {
	case changePct >= 3:
		return TrendStrongUp
	case changePct >= 1:
		return TrendUp
	case changePct <= -3:
		return TrendStrongDown
	case changePct <= -1:
		return TrendDown
	default:
		return TrendNeutral
	}
}

// PriceAction 是24小时价格行为。
type PriceAction struct {
	ChangePct float64    `json:"change_24h_pct"`
	Trend     TrendClass `json:"trend"`
}

// MacroContext 是当前有效的宏观策略视图，过期或缺失时 Available 为 false。
type MacroContext struct {
	Available     bool             `json:"available"`
	Narrative     string           `json:"narrative,omitempty"`
	Bias          decision.Bias    `json:"bias,omitempty"`
	RiskTolerance float64          `json:"risk_tolerance,omitempty"`
	Levels        *decision.Levels `json:"levels,omitempty"`
	ValidUntil    *time.Time       `json:"valid_until,omitempty"`
}

// Bundle 是单品种交易判断所需的全部上下文。
type Bundle struct {
	Symbol      string                      `json:"symbol"`
	Market      feature.Snapshot            `json:"market"`
	PriceAction PriceAction                 `json:"price_action"`
	Sentiment   *signals.Sentiment          `json:"sentiment"`
	Forecasts   map[string]signals.Forecast `json:"forecasts"`
	News        []signals.NewsItem          `json:"news"`
	WhaleAlerts []signals.WhaleAlert        `json:"whale_alerts"`
	Macro       MacroContext                `json:"macro"`
	Position    position.Summary            `json:"position"`
	Positions   []position.Summary          `json:"positions"`
	Weights     map[string]float64          `json:"source_weights"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// InstrumentHistory 是单品种多日价格走势概要。
type InstrumentHistory struct {
	Symbol        string    `json:"symbol"`
	Samples       int       `json:"samples"`
	FirstPrice    float64   `json:"first_price"`
	LastPrice     float64   `json:"last_price"`
	ChangePct     float64   `json:"change_pct"`
	VolatilityPct float64   `json:"volatility_pct"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
}

// MacroBundle 是宏观判断所需的全市场上下文。
type MacroBundle struct {
	Overview    []feature.Snapshot  `json:"overview"`
	History     []InstrumentHistory `json:"history"`
	Days        int                 `json:"days"`
	Weights     map[string]float64  `json:"source_weights"`
	GeneratedAt time.Time           `json:"generated_at"`
}
