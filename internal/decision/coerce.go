package decision

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// 外部判断中的数值可能以文本出现，以下函数是进入领域对象前的唯一归一入口，
// 任何无法解释的值都退化为缺失而不是报错。

// Coerce 将已通过校验的原始对象转换为提案。
func Coerce(obj map[string]any) Proposal {
	return Proposal{
		Symbol:           coerceSymbol(obj),
		Operation:        Operation(lowerString(obj["operation"])),
		Direction:        coerceDirection(obj),
		Confidence:       CoerceConfidence(obj),
		Leverage:         CoerceLeverage(obj),
		PositionFraction: CoercePositionFraction(obj),
		StopLoss:         CoerceStopLoss(obj),
		TakeProfit:       CoerceTakeProfit(obj),
		Reasoning:        coerceReasoning(obj),
	}
}

// CoerceConfidence 归一 confidence，缺失时为 0。
func CoerceConfidence(obj map[string]any) float64 {
	v, ok := toFloat(obj["confidence"])
	if !ok {
		return 0
	}
	return v
}

// CoerceLeverage 归一 leverage 为整数，非整数或缺失返回 nil。
func CoerceLeverage(obj map[string]any) *int {
	v, ok := toInt(obj["leverage"])
	if !ok {
		return nil
	}
	return &v
}

// CoercePositionFraction 归一目标仓位占比。
func CoercePositionFraction(obj map[string]any) *float64 {
	return floatField(obj, positionFractionKeys...)
}

// CoerceStopLoss 归一止损价。
func CoerceStopLoss(obj map[string]any) *float64 {
	return floatField(obj, "stop_loss")
}

// CoerceTakeProfit 归一止盈价。
func CoerceTakeProfit(obj map[string]any) *float64 {
	return floatField(obj, "take_profit")
}

// CoerceRiskTolerance 归一宏观风险偏好。
func CoerceRiskTolerance(obj map[string]any) float64 {
	v, ok := toFloat(obj["risk_tolerance"])
	if !ok {
		return 0
	}
	return v
}

// CoerceLevels 归一各品种支撑/阻力位，支持单个数值或数组。
func CoerceLevels(obj map[string]any) map[string]Levels {
	raw, ok := obj["levels"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]Levels, len(raw))
	for symbol, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		lv := Levels{
			Support:    floatList(fields["support"]),
			Resistance: floatList(fields["resistance"]),
		}
		if len(lv.Support) == 0 && len(lv.Resistance) == 0 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(symbol))] = lv
	}
	return out
}

// CoerceMacro 将已通过校验的宏观对象转换为提案。
func CoerceMacro(obj map[string]any) MacroProposal {
	narrative, _ := obj["narrative"].(string)
	return MacroProposal{
		Narrative:     strings.TrimSpace(narrative),
		Bias:          Bias(lowerString(obj["bias"])),
		RiskTolerance: CoerceRiskTolerance(obj),
		Levels:        CoerceLevels(obj),
	}
}

var positionFractionKeys = []string{"position_size", "position_fraction"}

func coerceSymbol(obj map[string]any) string {
	s, _ := obj["symbol"].(string)
	return strings.ToUpper(strings.TrimSpace(s))
}

func coerceDirection(obj map[string]any) Direction {
	switch d := Direction(lowerString(obj["direction"])); d {
	case DirectionLong, DirectionShort:
		return d
	default:
		return DirectionNone
	}
}

func coerceReasoning(obj map[string]any) string {
	for _, key := range []string{"reasoning", "reason"} {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func floatField(obj map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		if v, ok := toFloat(obj[key]); ok {
			return &v
		}
	}
	return nil
}

func floatList(v any) []float64 {
	switch val := v.(type) {
	case []any:
		out := make([]float64, 0, len(val))
		for _, item := range val {
			if f, ok := toFloat(item); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		if f, ok := toFloat(val); ok {
			return []float64{f}
		}
	}
	return nil
}

func lowerString(v any) string {
	s, _ := v.(string)
	return strings.ToLower(strings.TrimSpace(s))
}

func toFloat(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch val := v.(type) {
	case nil:
		return 0, false
	case json.Number:
		f, err = val.Float64()
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(val), ",", "")
		if s == "" {
			return 0, false
		}
		f, err = strconv.ParseFloat(s, 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
