package indicator

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"perp-pilot/internal/exchange"
)

// MinCandles 为 EMA50 与 ADX 收敛所需的最少K线数。
const MinCandles = 60

// Periods 为各指标的计算窗口。
type Periods struct {
	EMAFast        int
	EMASlow        int
	EMATrend       int
	MACDSignal     int
	RSI            int
	ATR            int
	ADX            int
	Bollinger      int
	BollingerDev   float64
	VolumeWindow   int
	ChangeLookback int
}

// DefaultPeriods 适用于 1 小时K线，ChangeLookback 24 即 24 小时涨跌幅。
var DefaultPeriods = Periods{
	EMAFast:        12,
	EMASlow:        26,
	EMATrend:       50,
	MACDSignal:     9,
	RSI:            14,
	ATR:            14,
	ADX:            14,
	Bollinger:      20,
	BollingerDev:   2,
	VolumeWindow:   20,
	ChangeLookback: 24,
}

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// BollingerResult 保存布林带数据，Position 为收盘价在带内的相对位置 [0,1]。
type BollingerResult struct {
	Upper     float64
	Middle    float64
	Lower     float64
	Bandwidth float64
	Position  float64
}

// ATRResult 中 Relative 为 ATR 与收盘价之比。
type ATRResult struct {
	Absolute     float64
	Relative     float64
	PrevAbsolute float64
}

// VolumeResult 保存成交量相对均值的倍数。
type VolumeResult struct {
	Current   float64
	Average20 float64
	Ratio     float64
}

// Result 为一次指标计算的汇总。
type Result struct {
	Symbol        string
	Timeframe     string
	Series        Series
	EMA12         float64
	EMA26         float64
	EMA50         float64
	MACD          MACDResult
	Bollinger     BollingerResult
	RSI           float64
	ATR           ATRResult
	ADX           float64
	Volume        VolumeResult
	Close         float64
	PreviousClose float64
	Change24h     float64
}

// Calculator 计算技术指标；同一品种周期的K线未变化时直接返回上次结果。
type Calculator struct {
	periods Periods

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	fingerprint string
	result      Result
}

// NewCalculator 使用默认窗口创建 Calculator。
func NewCalculator() *Calculator {
	return NewCalculatorWithPeriods(DefaultPeriods)
}

// NewCalculatorWithPeriods 使用自定义窗口创建 Calculator。
func NewCalculatorWithPeriods(p Periods) *Calculator {
	return &Calculator{periods: p, cache: make(map[string]cached)}
}

// Compute 依据给定K线计算指标，K线数量不足 MinCandles 时返回错误。
func (c *Calculator) Compute(symbol, timeframe string, candles []exchange.Candle) (Result, error) {
	if len(candles) < MinCandles {
		return Result{}, fmt.Errorf("indicator: %s K线数量不足，至少需要 %d 根，当前 %d", symbol, MinCandles, len(candles))
	}

	series := NewSeries(candles)
	slot := symbol + "|" + timeframe
	fp := fingerprint(series)

	if res, ok := c.lookup(slot, fp); ok {
		return res, nil
	}
	res := c.compute(series)
	res.Symbol = symbol
	res.Timeframe = timeframe
	c.store(slot, fp, res)
	return res, nil
}

func (c *Calculator) lookup(slot, fp string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[slot]
	if !ok || entry.fingerprint != fp {
		return Result{}, false
	}
	return entry.result, true
}

func (c *Calculator) store(slot, fp string, res Result) {
	c.mu.Lock()
	c.cache[slot] = cached{fingerprint: fp, result: res}
	c.mu.Unlock()
}

// fingerprint 以长度、末根时间与收盘价识别K线是否更新。
func fingerprint(s Series) string {
	last := s.Len() - 1
	return fmt.Sprintf("%d:%d:%g", s.Len(), s.Timestamps[last].Unix(), s.Close[last])
}

func (c *Calculator) compute(s Series) Result {
	p := c.periods
	closes := s.Close

	macd, signal, hist := talib.Macd(closes, p.EMAFast, p.EMASlow, p.MACDSignal)
	upper, middle, lower := talib.BBands(closes, p.Bollinger, p.BollingerDev, p.BollingerDev, talib.EMA)
	atr := talib.Atr(s.High, s.Low, closes, p.ATR)

	lastClose := Last(closes)
	atrNow := Last(atr)

	return Result{
		Series:        s,
		EMA12:         Last(talib.Ema(closes, p.EMAFast)),
		EMA26:         Last(talib.Ema(closes, p.EMASlow)),
		EMA50:         Last(talib.Ema(closes, p.EMATrend)),
		MACD:          MACDResult{Value: Last(macd), Signal: Last(signal), Histogram: Last(hist), PrevHistogram: Prev(hist)},
		Bollinger:     bollingerAt(lastClose, Last(upper), Last(middle), Last(lower)),
		RSI:           Last(talib.Rsi(closes, p.RSI)),
		ATR:           ATRResult{Absolute: atrNow, Relative: SafeDivide(atrNow, lastClose), PrevAbsolute: Prev(atr)},
		ADX:           Last(talib.Adx(s.High, s.Low, closes, p.ADX)),
		Volume:        volumeStats(s.Volume, p.VolumeWindow),
		Close:         lastClose,
		PreviousClose: Prev(closes),
		Change24h:     ChangePct(closes, p.ChangeLookback),
	}
}

func bollingerAt(price, upper, middle, lower float64) BollingerResult {
	width := upper - lower
	pos := 0.0
	if width > 0 {
		pos = math.Max(0, math.Min(1, (price-lower)/width))
	}
	return BollingerResult{
		Upper:     upper,
		Middle:    middle,
		Lower:     lower,
		Bandwidth: SafeDivide(width, middle),
		Position:  pos,
	}
}

func volumeStats(volumes []float64, window int) VolumeResult {
	avg := average(SliceTail(volumes, window))
	cur := Last(volumes)
	return VolumeResult{Current: cur, Average20: avg, Ratio: SafeDivide(cur, avg)}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
