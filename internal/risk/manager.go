package risk

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"perp-pilot/internal/config"
	"perp-pilot/internal/decision"
)

// Verdict 为风控准入结果。
type Verdict struct {
	Approved   bool
	Reason     string
	RiskReward *float64
	// Advisory 记录未强制执行的风险提示。
	Advisory string
}

const approvedReason = "approved"

// Manager 负责对决策做准入检查，不产生副作用。
type Manager struct {
	cfg     config.RiskConfig
	profile Profile
	logger  *zap.Logger
}

// NewManager 创建风险管理器。
func NewManager(cfg config.RiskConfig, profile Profile, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, profile: profile, logger: logger}
}

// WithProfile 返回使用指定档位的副本。
func (m *Manager) WithProfile(p Profile) *Manager {
	clone := *m
	clone.profile = p
	return &clone
}

// Profile 返回当前档位。
func (m *Manager) Profile() Profile {
	return m.profile
}

// Validate 依次检查置信度、杠杆、仓位占比与盈亏比，首个失败即拒绝。
func (m *Manager) Validate(d decision.TradingDecision, entryPrice float64) Verdict {
	if d.Confidence < m.profile.MinConfidence {
		return reject(fmt.Sprintf("confidence %.4f below %s minimum %.2f", d.Confidence, m.profile.Name, m.profile.MinConfidence))
	}

	if d.Leverage != nil && *d.Leverage > m.cfg.MaxLeverage {
		return reject(fmt.Sprintf("leverage %d exceeds maximum %d", *d.Leverage, m.cfg.MaxLeverage))
	}

	if d.PositionFraction != nil && *d.PositionFraction > m.cfg.MaxPositionFraction {
		return reject(fmt.Sprintf("position size %.4f exceeds maximum %.4f", *d.PositionFraction, m.cfg.MaxPositionFraction))
	}

	verdict := Verdict{Approved: true, Reason: approvedReason}

	if d.StopLoss != nil && d.TakeProfit != nil {
		rr, ok := RiskReward(entryPrice, *d.StopLoss, *d.TakeProfit)
		if !ok {
			const msg = "risk/reward undefined: stop_loss equals entry price"
			if m.cfg.EnforceRiskReward {
				return reject(msg)
			}
			m.logger.Warn("盈亏比无法计算（仅提示）", zap.String("symbol", d.Symbol), zap.Float64("entry", entryPrice))
			verdict.Advisory = msg
			return verdict
		}
		verdict.RiskReward = &rr

		if rr < m.cfg.MinRiskReward {
			msg := fmt.Sprintf("risk/reward %.2f below minimum %.2f", rr, m.cfg.MinRiskReward)
			if m.cfg.EnforceRiskReward {
				v := reject(msg)
				v.RiskReward = &rr
				return v
			}
			m.logger.Warn("盈亏比低于下限（仅提示）",
				zap.String("symbol", d.Symbol),
				zap.Float64("risk_reward", rr),
				zap.Float64("min", m.cfg.MinRiskReward),
			)
			verdict.Advisory = msg
		}
	}

	return verdict
}

// RiskReward 计算 |tp-entry| / |entry-sl|，止损等于入场价时 ok 为 false。
func RiskReward(entry, stopLoss, takeProfit float64) (float64, bool) {
	risk := math.Abs(entry - stopLoss)
	if risk == 0 {
		return 0, false
	}
	return math.Abs(takeProfit-entry) / risk, true
}

func reject(reason string) Verdict {
	return Verdict{Approved: false, Reason: reason}
}
