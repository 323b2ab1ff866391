package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"perp-pilot/internal/marketctx"
	"perp-pilot/internal/risk"
)

const tradingSystemTemplate = `你是一名专业的加密货币永续合约交易员，负责对单一品种给出下一步操作。

当前风险档位：{{ .Profile.Name }}
- RSI 超卖/超买阈值：{{ .Profile.RSIOversold }} / {{ .Profile.RSIOverbought }}
- 最低开仓信心度：{{ printf "%.2f" .Profile.MinConfidence }}
- 默认杠杆：{{ .Profile.DefaultLeverage }}x，杠杆上限：{{ .MaxLeverage }}x
- 单笔仓位上限：净值的 {{ printf "%.0f" .MaxPositionPct }}%
- 止盈/止损的盈亏比不低于 {{ printf "%.2f" .MinRiskReward }}

制定决策时请遵循：
1. 已有同向持仓时不要重复开仓，可选择 hold 或 close；
2. 开仓必须同时给出 direction、leverage、stop_loss，建议给出 take_profit；
3. 不确定时选择 hold，并说明原因；
4. 参考各数据源权重，行情数据权重最高。

请严格输出唯一的 JSON 对象：
{
  "operation": "open|close|hold",
  "symbol": "{{ .Symbol }}",
  "direction": "long|short",
  "confidence": 0.0-1.0,
  "leverage": 1-{{ .MaxLeverage }},
  "position_size": 0.0-{{ printf "%.2f" .MaxPositionFraction }},
  "stop_loss": 价格,
  "take_profit": 价格,
  "reasoning": "..."
}
position_size 为占账户净值的比例。`

const tradingUserTemplate = `品种 {{ .Symbol }} 的当前上下文：
{{ .ContextJSON }}

允许交易的品种：{{ .Symbols }}`

const macroSystemTemplate = `你是一名加密货币宏观策略分析师，负责制定未来 24 小时的整体交易基调。

请综合全市场概览与多日走势，判断市场方向与可承受的风险水平，并为每个品种给出关键支撑与阻力位。

请严格输出唯一的 JSON 对象：
{
  "narrative": "至少十个字的市场叙述",
  "bias": "bullish|bearish|neutral",
  "risk_tolerance": 0.0-1.0,
  "levels": {
    "BTC": {"support": [价格], "resistance": [价格]}
  }
}`

const macroUserTemplate = `全市场概览与 {{ .Days }} 日走势：
{{ .ContextJSON }}`

var (
	tradingSystemTmpl = template.Must(template.New("trading_system").Parse(tradingSystemTemplate))
	tradingUserTmpl   = template.Must(template.New("trading_user").Parse(tradingUserTemplate))
	macroSystemTmpl   = template.Must(template.New("macro_system").Parse(macroSystemTemplate))
	macroUserTmpl     = template.Must(template.New("macro_user").Parse(macroUserTemplate))
)

// Limits 是写入提示词的风控上限。
type Limits struct {
	MaxLeverage         int
	MaxPositionFraction float64
	MinRiskReward       float64
}

type tradingPromptContext struct {
	Symbol              string
	Symbols             string
	Profile             risk.Profile
	MaxLeverage         int
	MaxPositionFraction float64
	MaxPositionPct      float64
	MinRiskReward       float64
	ContextJSON         string
}

type macroPromptContext struct {
	Days        int
	ContextJSON string
}

// Prompt 是一次调用所需的两段提示词。
type Prompt struct {
	System string
	User   string
}

// BuildTradingPrompt 将单品种上下文渲染为交易判断提示词。
func BuildTradingPrompt(bundle marketctx.Bundle, profile risk.Profile, limits Limits, symbols []string) (Prompt, error) {
	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return Prompt{}, fmt.Errorf("ai: 序列化交易上下文失败: %w", err)
	}

	pc := tradingPromptContext{
		Symbol:              bundle.Symbol,
		Symbols:             strings.Join(symbols, ", "),
		Profile:             profile,
		MaxLeverage:         limits.MaxLeverage,
		MaxPositionFraction: limits.MaxPositionFraction,
		MaxPositionPct:      limits.MaxPositionFraction * 100,
		MinRiskReward:       limits.MinRiskReward,
		ContextJSON:         string(payload),
	}
	return render(tradingSystemTmpl, tradingUserTmpl, pc)
}

// BuildMacroPrompt 将全市场上下文渲染为宏观判断提示词。
func BuildMacroPrompt(bundle marketctx.MacroBundle) (Prompt, error) {
	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return Prompt{}, fmt.Errorf("ai: 序列化宏观上下文失败: %w", err)
	}
	return render(macroSystemTmpl, macroUserTmpl, macroPromptContext{Days: bundle.Days, ContextJSON: string(payload)})
}

func render(system, user *template.Template, data any) (Prompt, error) {
	var sys, usr bytes.Buffer
	if err := system.Execute(&sys, data); err != nil {
		return Prompt{}, fmt.Errorf("ai: 渲染系统提示词失败: %w", err)
	}
	if err := user.Execute(&usr, data); err != nil {
		return Prompt{}, fmt.Errorf("ai: 渲染用户提示词失败: %w", err)
	}
	return Prompt{System: sys.String(), User: usr.String()}, nil
}
