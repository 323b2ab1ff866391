package guard

import "time"

// DayKey 返回 ts 所属交易日，resetHour 为 UTC 日切小时。
func DayKey(ts time.Time, resetHour int) string {
	return dayStart(ts, resetHour).Format("2006-01-02")
}

// DayEnd 返回 ts 所属交易日的结束时刻。
func DayEnd(ts time.Time, resetHour int) time.Time {
	return dayStart(ts, resetHour).Add(24 * time.Hour).Add(time.Duration(clampHour(resetHour)) * time.Hour)
}

func dayStart(ts time.Time, resetHour int) time.Time {
	h := clampHour(resetHour)
	shifted := ts.UTC().Add(-time.Duration(h) * time.Hour)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
}

func clampHour(h int) int {
	if h < 0 || h > 23 {
		return 0
	}
	return h
}
