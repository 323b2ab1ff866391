package app

import (
	"time"

	"perp-pilot/internal/decision"
)

type volatilityBand struct {
	minATRPct float64
	level     decision.VolatilityLevel
	interval  time.Duration
}

// 按 ATR% 从高到低匹配，首个满足下限的档位生效。
var volatilityBands = []volatilityBand{
	{minATRPct: 3, level: decision.VolatilityVeryHigh, interval: 3 * time.Minute},
	{minATRPct: 2, level: decision.VolatilityHigh, interval: 6 * time.Minute},
	{minATRPct: 1, level: decision.VolatilityMedium, interval: 12 * time.Minute},
}

// ClassifyVolatility 将 ATR 占价格百分比映射为波动等级与下次周期间隔。
func ClassifyVolatility(atrPct float64) (decision.VolatilityLevel, time.Duration) {
	for _, b := range volatilityBands {
		if atrPct >= b.minATRPct {
			return b.level, b.interval
		}
	}
	return decision.VolatilityLow, 25 * time.Minute
}
