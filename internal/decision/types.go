package decision

import (
	"fmt"
	"time"
)

// Operation 表示决策动作。
type Operation string

const (
	OperationOpen  Operation = "open"
	OperationClose Operation = "close"
	OperationHold  Operation = "hold"
)

// Direction 表示仓位方向，空串代表未指定。
type Direction string

const (
	DirectionNone  Direction = ""
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite 返回相反方向。
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionNone
	}
}

// Multiplier 多头为 +1，空头为 -1。
func (d Direction) Multiplier() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Status 表示决策生命周期状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

var statusTransitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusFailed},
	StatusApproved: {StatusExecuted, StatusRejected, StatusFailed},
}

// CanTransition 判断状态迁移是否合法。
func (s Status) CanTransition(to Status) bool {
	for _, next := range statusTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf 返回能迁移到 to 的全部状态。
func sourcesOf(to Status) []Status {
	var out []Status
	for from, nexts := range statusTransitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// VolatilityLevel 表示 ATR 波动分级。
type VolatilityLevel string

const (
	VolatilityLow      VolatilityLevel = "low"
	VolatilityMedium   VolatilityLevel = "medium"
	VolatilityHigh     VolatilityLevel = "high"
	VolatilityVeryHigh VolatilityLevel = "very_high"
)

// Proposal 是外部判断通过校验与数值归一后的结果。
type Proposal struct {
	Symbol           string
	Operation        Operation
	Direction        Direction
	Confidence       float64
	Leverage         *int
	PositionFraction *float64
	StopLoss         *float64
	TakeProfit       *float64
	Reasoning        string
}

// TradingDecision 是持久化的单品种单周期决策记录。
type TradingDecision struct {
	ID                int64
	CycleID           string
	Symbol            string
	Operation         Operation
	Direction         Direction
	Confidence        float64
	Leverage          *int
	PositionFraction  *float64
	StopLoss          *float64
	TakeProfit        *float64
	Reasoning         string
	RiskProfile       string
	Volatility        VolatilityLevel
	ATR               float64
	ATRPercent        float64
	NextCycleInterval time.Duration
	Status            Status
	RejectionReason   string
	RawResponse       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FromProposal 用通过校验的提案构造待处理决策。
func FromProposal(p Proposal) TradingDecision {
	return TradingDecision{
		Symbol:           p.Symbol,
		Operation:        p.Operation,
		Direction:        p.Direction,
		Confidence:       p.Confidence,
		Leverage:         p.Leverage,
		PositionFraction: p.PositionFraction,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		Reasoning:        p.Reasoning,
		Status:           StatusPending,
	}
}

// Hold 构造一个兜底的观望决策。
func Hold(symbol, reason string) TradingDecision {
	return TradingDecision{
		Symbol:    symbol,
		Operation: OperationHold,
		Reasoning: reason,
		Status:    StatusPending,
	}
}

// String 便于日志输出。
func (d TradingDecision) String() string {
	return fmt.Sprintf("%s %s %s conf=%.2f status=%s", d.Symbol, d.Operation, d.Direction, d.Confidence, d.Status)
}

// Bias 表示宏观方向。
type Bias string

const (
	BiasBullish Bias = "bullish"
	BiasBearish Bias = "bearish"
	BiasNeutral Bias = "neutral"
)

// Levels 为单个品种的支撑/阻力位。
type Levels struct {
	Support    []float64 `json:"support"`
	Resistance []float64 `json:"resistance"`
}

// MacroProposal 是宏观判断通过校验后的结果。
type MacroProposal struct {
	Narrative     string
	Bias          Bias
	RiskTolerance float64
	Levels        map[string]Levels
}

// MacroStrategy 是持久化的日度宏观策略，创建后不可变。
type MacroStrategy struct {
	ID            int64
	Narrative     string
	Bias          Bias
	RiskTolerance float64
	Levels        map[string]Levels
	ValidUntil    time.Time
	CreatedAt     time.Time
}

// Stale 判断策略是否已过期。
func (m MacroStrategy) Stale(now time.Time) bool {
	return m.ValidUntil.Before(now)
}
