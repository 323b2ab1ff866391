package position

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"perp-pilot/internal/decision"
)

type balanceClient interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// AccountBalance 描述账户权益及余额。
type AccountBalance struct {
	TotalEquity   float64
	TotalUSD      float64
	FreeUSD       float64
	Withdrawable  float64
	MarginUsed    float64
	TotalNotional float64
	Unrealized    float64
	Timestamp     time.Time
}

// ExchangePosition 是交易所侧的权威持仓。
type ExchangePosition struct {
	Symbol        string
	Market        string
	Direction     decision.Direction
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	LiqPrice      float64
	Notional      float64
	UnrealizedPnL float64
	MarginUsed    float64
	Leverage      float64
	MarginMode    string
}

// AccountReader 读取交易所账户与持仓。
type AccountReader struct {
	client  balanceClient
	markets map[string]string
	logger  *zap.Logger
}

// NewAccountReader 创建读取器，markets 为交易所市场符号到资产代码的映射。
func NewAccountReader(client balanceClient, markets map[string]string, logger *zap.Logger) *AccountReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountReader{
		client:  client,
		markets: markets,
		logger:  logger,
	}
}

// FetchSnapshot 获取账户余额与白名单市场内的持仓。
func (m *AccountReader) FetchSnapshot(ctx context.Context) (AccountBalance, []ExchangePosition, error) {
	var balance AccountBalance
	var positions []ExchangePosition

	if err := ctx.Err(); err != nil {
		return balance, positions, err
	}

	now := time.Now().UTC()

	balances, err := m.client.FetchBalance()
	if err != nil {
		return balance, positions, fmt.Errorf("position: 获取账户余额失败: %w", err)
	}

	if balances.Total != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if total, ok := balances.Total[code]; ok && total != nil {
				if balance.TotalUSD == 0 {
					balance.TotalUSD = *total
				}
				if balance.TotalEquity == 0 {
					balance.TotalEquity = *total
				}
			}
		}
	}
	if balances.Free != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if free, ok := balances.Free[code]; ok && free != nil {
				balance.FreeUSD = *free
				break
			}
		}
	}
	if balances.Info != nil {
		if summary, ok := balances.Info["marginSummary"].(map[string]interface{}); ok {
			if v := parseNumeric(summary["accountValue"]); v > 0 {
				balance.TotalEquity = v
			}
			if v := parseNumeric(summary["totalMarginUsed"]); v > 0 {
				balance.MarginUsed = v
			}
			if v := parseNumeric(summary["totalNtlPos"]); v > 0 {
				balance.TotalNotional = v
			}
		}
		if v := parseNumeric(balances.Info["withdrawable"]); v > 0 {
			balance.Withdrawable = v
			balance.FreeUSD = v
		}
	}

	if balance.TotalEquity == 0 {
		balance.TotalEquity = balance.TotalUSD
	}
	balance.Timestamp = now

	rawPositions, err := m.client.FetchPositions()
	if err != nil {
		return balance, positions, fmt.Errorf("position: 获取持仓失败: %w", err)
	}

	for _, rawPos := range rawPositions {
		market := derefString(rawPos.Symbol)
		asset, ok := m.markets[market]
		if !ok {
			continue
		}

		size := math.Abs(derefFloat(rawPos.Contracts))
		if size == 0 {
			continue
		}

		dir := decision.DirectionLong
		if strings.EqualFold(strings.TrimSpace(derefString(rawPos.Side)), "short") {
			dir = decision.DirectionShort
		}

		mark := derefFloat(rawPos.MarkPrice)
		marginUsed := derefFloat(rawPos.Collateral)
		if rawPos.Info != nil {
			if positionInfo, ok := rawPos.Info["position"].(map[string]interface{}); ok {
				if mark == 0 {
					mark = parseNumeric(positionInfo["markPx"])
				}
				if v := parseNumeric(positionInfo["marginUsed"]); v > 0 {
					marginUsed = v
				}
			}
		}

		positions = append(positions, ExchangePosition{
			Symbol:        asset,
			Market:        market,
			Direction:     dir,
			Size:          size,
			EntryPrice:    derefFloat(rawPos.EntryPrice),
			MarkPrice:     mark,
			LiqPrice:      derefFloat(rawPos.LiquidationPrice),
			Notional:      derefFloat(rawPos.Notional),
			UnrealizedPnL: derefFloat(rawPos.UnrealizedPnl),
			MarginUsed:    marginUsed,
			Leverage:      derefFloat(rawPos.Leverage),
			MarginMode:    strings.ToLower(strings.TrimSpace(derefString(rawPos.MarginMode))),
		})
		balance.Unrealized += derefFloat(rawPos.UnrealizedPnl)
	}

	return balance, positions, nil
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case int32:
		return float64(v)
	case uint32:
		return float64(v)
	case int16:
		return float64(v)
	case uint16:
		return float64(v)
	case int8:
		return float64(v)
	case uint8:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case fmt.Stringer:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case *json.Number:
		if v != nil {
			if f, err := v.Float64(); err == nil {
				return f
			}
		}
	}
	return 0
}
