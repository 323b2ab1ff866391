package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-pilot/internal/order"
	"perp-pilot/internal/position"
)

// paperLedger 是模拟账户所需的仓位读取能力。
type paperLedger interface {
	RealizedTotal(ctx context.Context) (float64, error)
	ListActive(ctx context.Context) ([]position.Position, error)
}

// PaperBroker 以中间价即时成交的模拟盘。
// 净值 = 初始资金 + 已实现盈亏；可用保证金 = 净值 - 持仓名义价值/杠杆。
type PaperBroker struct {
	initial decimal.Decimal
	prices  PriceSource
	ledger  paperLedger
	logger  *zap.Logger
	now     func() time.Time
}

// NewPaperBroker 创建模拟盘。
func NewPaperBroker(initialEquity float64, prices PriceSource, ledger paperLedger, logger *zap.Logger) (*PaperBroker, error) {
	if initialEquity <= 0 {
		return nil, fmt.Errorf("execution: 模拟盘初始资金非法: %v", initialEquity)
	}
	if prices == nil || ledger == nil {
		return nil, errors.New("execution: 模拟盘缺少价格源或仓位仓储")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperBroker{
		initial: decimal.NewFromFloat(initialEquity),
		prices:  prices,
		ledger:  ledger,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Name 返回通道名称。
func (b *PaperBroker) Name() string { return "paper" }

// AccountValue 返回模拟账户净值。
func (b *PaperBroker) AccountValue(ctx context.Context) (float64, error) {
	equity, err := b.equity(ctx)
	if err != nil {
		return 0, err
	}
	return equity.InexactFloat64(), nil
}

// AvailableMargin 返回扣除持仓占用后的可用保证金。
func (b *PaperBroker) AvailableMargin(ctx context.Context) (float64, error) {
	equity, err := b.equity(ctx)
	if err != nil {
		return 0, err
	}
	active, err := b.ledger.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	used := decimal.Zero
	for _, p := range active {
		lev := p.Leverage
		if lev < 1 {
			lev = 1
		}
		used = used.Add(decimal.NewFromFloat(p.Notional()).Div(decimal.NewFromInt(int64(lev))))
	}
	return equity.Sub(used).InexactFloat64(), nil
}

func (b *PaperBroker) equity(ctx context.Context) (decimal.Decimal, error) {
	realized, err := b.ledger.RealizedTotal(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.initial.Add(decimal.NewFromFloat(realized)), nil
}

// MidPrice 返回最近一次快照的中间价。
func (b *PaperBroker) MidPrice(ctx context.Context, symbol string) (float64, error) {
	price, _, err := b.prices.Price(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("execution: 获取 %s 价格失败: %w", symbol, err)
	}
	if !(price > 0) {
		return 0, fmt.Errorf("execution: %s 价格非法: %v", symbol, price)
	}
	return price, nil
}

// Submit 按中间价全部成交；限价单在价格不利时不成交。
func (b *PaperBroker) Submit(ctx context.Context, o order.Order) (Fill, error) {
	if err := o.Validate(); err != nil {
		return Fill{}, err
	}
	mid, err := b.MidPrice(ctx, o.Symbol)
	if err != nil {
		return Fill{}, err
	}

	fill := Fill{ExchangeOrderID: "paper-" + o.ClientID, At: b.now().UTC()}
	if o.Type != order.TypeMarket && o.Price != nil {
		limit := *o.Price
		if (o.Side == order.SideBuy && mid > limit) || (o.Side == order.SideSell && mid < limit) {
			b.logger.Info("模拟限价单未成交",
				zap.String("symbol", o.Symbol),
				zap.Float64("limit", limit),
				zap.Float64("mid", mid),
			)
			return fill, nil
		}
	}

	fill.FilledSize = o.Size
	fill.AvgPrice = mid
	b.logger.Info("模拟成交",
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("size", o.Size),
		zap.Float64("price", mid),
	)
	return fill, nil
}
