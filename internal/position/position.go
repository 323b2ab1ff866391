package position

import (
	"errors"
	"fmt"
	"math"
	"time"

	"perp-pilot/internal/decision"
)

// Status 表示仓位生命周期状态。
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// CloseReason 表示平仓原因。
type CloseReason string

const (
	CloseStopLoss   CloseReason = "sl_triggered"
	CloseTakeProfit CloseReason = "tp_triggered"
	CloseManual     CloseReason = "manual"
	CloseSignal     CloseReason = "signal"
	CloseLiquidated CloseReason = "liquidated"
)

// Valid 判断平仓原因是否属于已知集合。
func (r CloseReason) Valid() bool {
	switch r {
	case CloseStopLoss, CloseTakeProfit, CloseManual, CloseSignal, CloseLiquidated:
		return true
	}
	return false
}

var (
	// ErrInvalidTransition 表示状态机不允许的迁移。
	ErrInvalidTransition = errors.New("position: 非法状态迁移")
	// ErrInvalidPosition 表示字段不满足约束。
	ErrInvalidPosition = errors.New("position: 仓位字段非法")
)

// Position 是单个方向的持仓记录。
type Position struct {
	ID            int64              `json:"id"`
	Symbol        string             `json:"symbol"`
	Direction     decision.Direction `json:"direction"`
	Size          float64            `json:"size"`
	EntryPrice    float64            `json:"entry_price"`
	CurrentPrice  float64            `json:"current_price"`
	Leverage      int                `json:"leverage"`
	StopLoss      *float64           `json:"stop_loss_price,omitempty"`
	TakeProfit    *float64           `json:"take_profit_price,omitempty"`
	RiskAmount    float64            `json:"risk_amount"`
	Status        Status             `json:"status"`
	CloseReason   CloseReason        `json:"close_reason,omitempty"`
	RealizedPnL   float64            `json:"realized_pnl"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
	DecisionID    *int64             `json:"decision_id,omitempty"`
	OpenedAt      time.Time          `json:"opened_at"`
	ClosedAt      *time.Time         `json:"closed_at,omitempty"`
}

// Validate 检查字段约束。
func (p Position) Validate() error {
	switch {
	case p.Direction != decision.DirectionLong && p.Direction != decision.DirectionShort:
		return fmt.Errorf("%w: direction=%q", ErrInvalidPosition, p.Direction)
	case !(p.Size > 0):
		return fmt.Errorf("%w: size=%v", ErrInvalidPosition, p.Size)
	case !(p.EntryPrice > 0):
		return fmt.Errorf("%w: entry_price=%v", ErrInvalidPosition, p.EntryPrice)
	case p.Leverage < 1 || p.Leverage > 100:
		return fmt.Errorf("%w: leverage=%d", ErrInvalidPosition, p.Leverage)
	case p.StopLoss != nil && !(*p.StopLoss > 0):
		return fmt.Errorf("%w: stop_loss=%v", ErrInvalidPosition, *p.StopLoss)
	case p.TakeProfit != nil && !(*p.TakeProfit > 0):
		return fmt.Errorf("%w: take_profit=%v", ErrInvalidPosition, *p.TakeProfit)
	case p.RiskAmount < 0:
		return fmt.Errorf("%w: risk_amount=%v", ErrInvalidPosition, p.RiskAmount)
	case p.Status == StatusClosed && !p.CloseReason.Valid():
		return fmt.Errorf("%w: 已平仓仓位缺少 close_reason", ErrInvalidPosition)
	}
	return nil
}

// PnLAt 返回按给定价格计算的盈亏，方向决定符号。
func (p Position) PnLAt(price float64) float64 {
	return p.Size * (price - p.EntryPrice) * p.Direction.Multiplier()
}

// UpdatePrice 刷新现价与未实现盈亏。
func (p *Position) UpdatePrice(price float64) {
	if !(price > 0) {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = p.PnLAt(price)
}

// PnLPercent 返回相对入场价的盈亏百分比。
func (p Position) PnLPercent() float64 {
	if p.EntryPrice == 0 || p.CurrentPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * p.Direction.Multiplier() * 100
}

// Notional 返回按入场价计算的名义价值。
func (p Position) Notional() float64 {
	return p.Size * p.EntryPrice
}

// StopLossTriggered 多头现价不高于止损、空头现价不低于止损时触发。
func (p Position) StopLossTriggered() bool {
	if p.StopLoss == nil || !(p.CurrentPrice > 0) {
		return false
	}
	if p.Direction == decision.DirectionShort {
		return p.CurrentPrice >= *p.StopLoss
	}
	return p.CurrentPrice <= *p.StopLoss
}

// TakeProfitTriggered 多头现价不低于止盈、空头现价不高于止盈时触发。
func (p Position) TakeProfitTriggered() bool {
	if p.TakeProfit == nil || !(p.CurrentPrice > 0) {
		return false
	}
	if p.Direction == decision.DirectionShort {
		return p.CurrentPrice <= *p.TakeProfit
	}
	return p.CurrentPrice >= *p.TakeProfit
}

// RiskReward 返回 |tp-entry| / |entry-sl|，任一价位缺失时为 nil。
func (p Position) RiskReward() *float64 {
	if p.StopLoss == nil || p.TakeProfit == nil {
		return nil
	}
	risk := math.Abs(p.EntryPrice - *p.StopLoss)
	if risk == 0 {
		return nil
	}
	rr := math.Abs(*p.TakeProfit-p.EntryPrice) / risk
	return &rr
}

// StopLossDistancePct 现价到止损的距离百分比（正值）。
func (p Position) StopLossDistancePct() *float64 {
	return distancePct(p.CurrentPrice, p.StopLoss)
}

// TakeProfitDistancePct 现价到止盈的距离百分比（正值）。
func (p Position) TakeProfitDistancePct() *float64 {
	return distancePct(p.CurrentPrice, p.TakeProfit)
}

func distancePct(current float64, level *float64) *float64 {
	if level == nil || !(current > 0) {
		return nil
	}
	d := math.Abs(*level-current) / current * 100
	return &d
}

// Age 返回持仓时长。
func (p Position) Age(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	end := now
	if p.ClosedAt != nil {
		end = *p.ClosedAt
	}
	return end.Sub(p.OpenedAt)
}

// MarkClosing open → closing，记录平仓原因并以未实现盈亏作为默认已实现盈亏。
func (p *Position) MarkClosing(reason CloseReason) error {
	if p.Status != StatusOpen {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusClosing)
	}
	if !reason.Valid() {
		return fmt.Errorf("%w: close_reason=%q", ErrInvalidPosition, reason)
	}
	p.Status = StatusClosing
	p.CloseReason = reason
	p.RealizedPnL = p.UnrealizedPnL
	return nil
}

// Close closing → closed。fillPrice > 0 时按成交价重算已实现盈亏。
func (p *Position) Close(fillPrice float64, at time.Time) error {
	if p.Status != StatusClosing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusClosed)
	}
	if fillPrice > 0 {
		p.UpdatePrice(fillPrice)
		p.RealizedPnL = p.UnrealizedPnL
	}
	closedAt := at.UTC()
	p.Status = StatusClosed
	p.ClosedAt = &closedAt
	return nil
}

// OverrideRealized 显式覆盖已实现盈亏，仅在 closing 阶段有效。
func (p *Position) OverrideRealized(pnl float64) error {
	if p.Status != StatusClosing {
		return fmt.Errorf("%w: 仅 closing 状态可覆盖已实现盈亏", ErrInvalidTransition)
	}
	p.RealizedPnL = pnl
	return nil
}

// Release 平仓失败时 closing → open。
func (p *Position) Release() error {
	if p.Status != StatusClosing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusOpen)
	}
	p.Status = StatusOpen
	p.CloseReason = ""
	p.RealizedPnL = 0
	return nil
}

// SplitFilled 部分平仓：从 closing 仓位切出已成交的 filled 部分作为 closed 记录返回，
// 其已实现盈亏按成交价计算；p 保留剩余规模并回到 open。
func (p *Position) SplitFilled(filled, fillPrice float64, at time.Time) (Position, error) {
	if p.Status != StatusClosing {
		return Position{}, fmt.Errorf("%w: %s 不能部分平仓", ErrInvalidTransition, p.Status)
	}
	if !(filled > 0) || !(filled < p.Size) || !(fillPrice > 0) {
		return Position{}, fmt.Errorf("%w: filled=%v size=%v price=%v", ErrInvalidPosition, filled, p.Size, fillPrice)
	}

	slice := *p
	slice.ID = 0
	slice.Size = filled
	slice.RiskAmount = p.RiskAmount * filled / p.Size
	if err := slice.Close(fillPrice, at); err != nil {
		return Position{}, err
	}

	p.RiskAmount -= slice.RiskAmount
	p.Size -= filled
	if err := p.Release(); err != nil {
		return Position{}, err
	}
	p.UpdatePrice(fillPrice)
	return slice, nil
}
