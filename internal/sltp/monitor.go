// Package sltp 按最新行情检查持仓止损止盈并触发平仓。
package sltp

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"perp-pilot/internal/guard"
	"perp-pilot/internal/position"
)

// Report 为单次巡检结果。
type Report struct {
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type positionStore interface {
	ListOpen(ctx context.Context) ([]position.Position, error)
	UpdatePrice(ctx context.Context, p position.Position) error
}

type priceSource interface {
	Price(ctx context.Context, symbol string) (float64, time.Time, error)
}

type closeGate interface {
	CheckClose(ctx context.Context) (guard.Permission, error)
}

// Closer 以市价平仓。
type Closer interface {
	ClosePosition(ctx context.Context, p position.Position, reason position.CloseReason, decisionID *int64) (position.Position, error)
}

// Monitor 巡检 open 仓位，止损优先于止盈。
type Monitor struct {
	positions positionStore
	prices    priceSource
	gate      closeGate
	closer    Closer
	maxAge    time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewMonitor 创建巡检器；maxAge > 0 时早于该时长的价格视为缺失。
func NewMonitor(positions positionStore, prices priceSource, gate closeGate, closer Closer, maxAge time.Duration, logger *zap.Logger) (*Monitor, error) {
	if positions == nil || prices == nil || gate == nil || closer == nil {
		return nil, errors.New("sltp: 依赖不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		positions: positions,
		prices:    prices,
		gate:      gate,
		closer:    closer,
		maxAge:    maxAge,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Run 执行一次巡检。价格缺失计为跳过，单个仓位平仓失败不影响其余仓位。
func (m *Monitor) Run(ctx context.Context) (Report, error) {
	var report Report

	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return report, err
	}
	if len(open) == 0 {
		return report, nil
	}

	for _, p := range open {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		price, at, err := m.prices.Price(ctx, p.Symbol)
		if err != nil || !(price > 0) {
			m.logger.Warn("缺少最新价格，跳过止盈止损检查", zap.String("symbol", p.Symbol), zap.Error(err))
			report.Skipped++
			continue
		}
		if m.maxAge > 0 && m.now().Sub(at) > m.maxAge {
			m.logger.Warn("价格过旧，跳过止盈止损检查", zap.String("symbol", p.Symbol), zap.Time("price_at", at))
			report.Skipped++
			continue
		}

		p.UpdatePrice(price)
		if err := m.positions.UpdatePrice(ctx, p); err != nil {
			m.logger.Warn("刷新仓位现价失败", zap.Int64("position_id", p.ID), zap.Error(err))
		}
		report.Checked++

		reason, hit := trigger(p)
		if !hit {
			continue
		}

		perm, err := m.gate.CheckClose(ctx)
		if err != nil {
			return report, err
		}
		if !perm.Allowed {
			m.logger.Warn("止盈止损已触发但当前模式禁止平仓",
				zap.String("symbol", p.Symbol),
				zap.String("reason", perm.Reason),
			)
			report.Skipped++
			continue
		}

		m.logger.Info("止盈止损触发",
			zap.Int64("position_id", p.ID),
			zap.String("symbol", p.Symbol),
			zap.String("direction", string(p.Direction)),
			zap.String("trigger", string(reason)),
			zap.Float64("price", price),
		)
		if _, err := m.closer.ClosePosition(ctx, p, reason, nil); err != nil {
			m.logger.Error("触发平仓失败", zap.Int64("position_id", p.ID), zap.Error(err))
			report.Failed++
			continue
		}
		report.Triggered++
	}

	if report.Triggered > 0 || report.Failed > 0 {
		m.logger.Info("止盈止损巡检完成",
			zap.Int("checked", report.Checked),
			zap.Int("triggered", report.Triggered),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// trigger 止损优先；价位同时命中时按止损处理。
func trigger(p position.Position) (position.CloseReason, bool) {
	if p.StopLossTriggered() {
		return position.CloseStopLoss, true
	}
	if p.TakeProfitTriggered() {
		return position.CloseTakeProfit, true
	}
	return "", false
}
