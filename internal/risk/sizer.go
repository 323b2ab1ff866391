package risk

import (
	"errors"
	"fmt"
	"math"

	"perp-pilot/internal/decision"
)

// ErrZeroRiskDistance 表示止损价与入场价重合，无法定额风险。
var ErrZeroRiskDistance = errors.New("risk: 止损距离为0")

// Sizing 为定额风险下的仓位结果。
type Sizing struct {
	Size        float64
	RiskAmount  float64
	RiskPerUnit float64
}

// Sizer 按账户净值的固定比例承担风险计算仓位。
type Sizer struct {
	AccountValue    float64
	MaxRiskFraction float64
}

// NewSizer 创建仓位计算器。
func NewSizer(accountValue, maxRiskFraction float64) Sizer {
	return Sizer{AccountValue: accountValue, MaxRiskFraction: maxRiskFraction}
}

// Calculate 计算仓位。距离取绝对值，方向不影响结果。
func (s Sizer) Calculate(entry, stopLoss float64, _ decision.Direction) (Sizing, error) {
	if entry <= 0 || math.IsNaN(entry) || math.IsInf(entry, 0) {
		return Sizing{}, fmt.Errorf("risk: 入场价非法: %v", entry)
	}
	if s.AccountValue <= 0 {
		return Sizing{}, fmt.Errorf("risk: 账户净值非法: %v", s.AccountValue)
	}
	if s.MaxRiskFraction <= 0 {
		return Sizing{}, fmt.Errorf("risk: 单笔风险比例非法: %v", s.MaxRiskFraction)
	}

	riskPerUnit := math.Abs(entry - stopLoss)
	if riskPerUnit == 0 || math.IsNaN(riskPerUnit) {
		return Sizing{}, ErrZeroRiskDistance
	}

	size := (s.AccountValue * s.MaxRiskFraction) / riskPerUnit
	return Sizing{
		Size:        size,
		RiskAmount:  size * riskPerUnit,
		RiskPerUnit: riskPerUnit,
	}, nil
}
