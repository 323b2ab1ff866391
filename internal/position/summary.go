package position

import "time"

// Summary 是提供给上下文组装的仓位视图；HasPosition 为 false 时其余字段为空。
type Summary struct {
	HasPosition           bool     `json:"has_position"`
	Direction             string   `json:"direction,omitempty"`
	Size                  float64  `json:"size,omitempty"`
	EntryPrice            float64  `json:"entry_price,omitempty"`
	CurrentPrice          float64  `json:"current_price,omitempty"`
	Leverage              int      `json:"leverage,omitempty"`
	UnrealizedPnL         float64  `json:"unrealized_pnl,omitempty"`
	UnrealizedPnLPercent  float64  `json:"unrealized_pnl_percent,omitempty"`
	StopLoss              *float64 `json:"stop_loss,omitempty"`
	TakeProfit            *float64 `json:"take_profit,omitempty"`
	StopLossDistancePct   *float64 `json:"stop_loss_distance_pct,omitempty"`
	TakeProfitDistancePct *float64 `json:"take_profit_distance_pct,omitempty"`
	RiskReward            *float64 `json:"risk_reward,omitempty"`
	AgeHours              float64  `json:"age_hours,omitempty"`
}

// EmptySummary 返回“无持仓”标记。
func EmptySummary() Summary {
	return Summary{}
}

// Summarize 生成仓位视图。
func Summarize(p Position, now time.Time) Summary {
	return Summary{
		HasPosition:           true,
		Direction:             string(p.Direction),
		Size:                  p.Size,
		EntryPrice:            p.EntryPrice,
		CurrentPrice:          p.CurrentPrice,
		Leverage:              p.Leverage,
		UnrealizedPnL:         p.UnrealizedPnL,
		UnrealizedPnLPercent:  p.PnLPercent(),
		StopLoss:              p.StopLoss,
		TakeProfit:            p.TakeProfit,
		StopLossDistancePct:   p.StopLossDistancePct(),
		TakeProfitDistancePct: p.TakeProfitDistancePct(),
		RiskReward:            p.RiskReward(),
		AgeHours:              p.Age(now).Hours(),
	}
}
