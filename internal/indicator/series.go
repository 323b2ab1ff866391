package indicator

import (
	"math"
	"time"

	"perp-pilot/internal/exchange"
)

// Series 是按列展开的K线，便于直接传入 talib。
type Series struct {
	Timestamps []time.Time
	Open       []float64
	High       []float64
	Low        []float64
	Close      []float64
	Volume     []float64
}

// NewSeries 按输入顺序展开K线，调用方保证时间升序。
func NewSeries(candles []exchange.Candle) Series {
	n := len(candles)
	s := Series{
		Timestamps: make([]time.Time, 0, n),
		Open:       make([]float64, 0, n),
		High:       make([]float64, 0, n),
		Low:        make([]float64, 0, n),
		Close:      make([]float64, 0, n),
		Volume:     make([]float64, 0, n),
	}
	for _, c := range candles {
		s.Timestamps = append(s.Timestamps, c.Timestamp.UTC())
		s.Open = append(s.Open, c.Open)
		s.High = append(s.High, c.High)
		s.Low = append(s.Low, c.Low)
		s.Close = append(s.Close, c.Close)
		s.Volume = append(s.Volume, c.Volume)
	}
	return s
}

// Len 返回K线根数。
func (s Series) Len() int { return len(s.Close) }

// Last 返回末值，空序列返回 NaN。
func Last(values []float64) float64 { return fromEnd(values, 1) }

// Prev 返回倒数第二个值，不足时返回 NaN。
func Prev(values []float64) float64 { return fromEnd(values, 2) }

func fromEnd(values []float64, k int) float64 {
	if len(values) < k {
		return math.NaN()
	}
	return values[len(values)-k]
}

// SliceTail 复制末尾 n 个值，不足时复制全部。
func SliceTail(values []float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	start := max(0, len(values)-n)
	return append([]float64(nil), values[start:]...)
}

// SafeDivide 除数为 0 时返回 0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// ChangePct 返回末值相对 lookback 个周期前的涨跌幅（百分比），数据不足时以首值为基准。
func ChangePct(values []float64, lookback int) float64 {
	n := len(values)
	if n < 2 || lookback <= 0 {
		return 0
	}
	base := values[max(0, n-1-lookback)]
	return SafeDivide(values[n-1]-base, base) * 100
}

// CoefficientOfVariation 返回总体标准差与均值之比（百分比）。
func CoefficientOfVariation(values []float64) float64 {
	mean := average(values)
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq/float64(len(values))) / mean * 100
}
