package marketctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"perp-pilot/internal/decision"
	"perp-pilot/internal/feature"
	"perp-pilot/internal/indicator"
	"perp-pilot/internal/position"
	"perp-pilot/internal/signals"
)

const (
	newsLimit  = 5
	whaleLimit = 5
)

type snapshotReader interface {
	Latest(ctx context.Context, symbol string) (feature.Snapshot, error)
	LatestAll(ctx context.Context) ([]feature.Snapshot, error)
	History(ctx context.Context, symbol string, since time.Time) ([]feature.Snapshot, error)
}

type signalReader interface {
	LatestSentiment(ctx context.Context, symbol string) (signals.Sentiment, error)
	ForecastsByTimeframe(ctx context.Context, symbol string) (map[string]signals.Forecast, error)
	RecentNews(ctx context.Context, symbol string, limit int) ([]signals.NewsItem, error)
	RecentWhaleAlerts(ctx context.Context, symbol string, limit int) ([]signals.WhaleAlert, error)
}

type macroReader interface {
	Active(ctx context.Context, now time.Time) (decision.MacroStrategy, error)
}

type positionReader interface {
	ListOpenBySymbol(ctx context.Context, symbol string) ([]position.Position, error)
}

// Sources 汇总上下文组装所需的只读数据源。
type Sources struct {
	Snapshots snapshotReader
	Signals   signalReader
	Macro     macroReader
	Positions positionReader
}

// Assembler 组装交易与宏观判断的上下文，只读。
type Assembler struct {
	src         Sources
	weights     map[string]float64
	historyDays int
	logger      *zap.Logger
	now         func() time.Time
}

// NewAssembler 创建上下文组装器。
func NewAssembler(src Sources, weights map[string]float64, historyDays int, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyDays <= 0 {
		historyDays = 7
	}
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Assembler{
		src:         src,
		weights:     w,
		historyDays: historyDays,
		logger:      logger,
		now:         time.Now,
	}
}

// Assemble 返回单品种上下文；行情快照缺失时返回错误，可选数据源失败降级为空。
func (a *Assembler) Assemble(ctx context.Context, symbol string) (Bundle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	now := a.now().UTC()

	snap, err := a.src.Snapshots.Latest(ctx, symbol)
	if err != nil {
		return Bundle{}, fmt.Errorf("marketctx: %s 行情快照不可用: %w", symbol, err)
	}

	bundle := Bundle{
		Symbol: symbol,
		Market: snap,
		PriceAction: PriceAction{
			ChangePct: snap.Change24h,
			Trend:     ClassifyTrend(snap.Change24h),
		},
		Weights:     a.weights,
		GeneratedAt: now,
	}

	if a.src.Signals != nil {
		bundle.Sentiment = a.sentiment(ctx, symbol)
		bundle.Forecasts = a.forecasts(ctx, symbol)
		bundle.News = a.news(ctx, symbol)
		bundle.WhaleAlerts = a.whales(ctx, symbol)
	}

	bundle.Macro = a.macroFor(ctx, symbol, now)

	summaries, err := a.positionSummaries(ctx, symbol, snap.Price, now)
	if err != nil {
		return Bundle{}, err
	}
	bundle.Position = position.EmptySummary()
	if len(summaries) > 0 {
		bundle.Position = summaries[0]
	}
	bundle.Positions = summaries

	return bundle, nil
}

// AssembleMacro 返回全市场概览与多日走势。
func (a *Assembler) AssembleMacro(ctx context.Context) (MacroBundle, error) {
	now := a.now().UTC()

	overview, err := a.src.Snapshots.LatestAll(ctx)
	if err != nil {
		return MacroBundle{}, fmt.Errorf("marketctx: 读取全市场行情失败: %w", err)
	}
	if len(overview) == 0 {
		return MacroBundle{}, fmt.Errorf("marketctx: %w", feature.ErrNotFound)
	}

	since := now.AddDate(0, 0, -a.historyDays)
	history := make([]InstrumentHistory, 0, len(overview))
	for _, snap := range overview {
		rows, err := a.src.Snapshots.History(ctx, snap.Symbol, since)
		if err != nil {
			a.logger.Warn("读取历史行情失败", zap.String("symbol", snap.Symbol), zap.Error(err))
			continue
		}
		if h, ok := summarizeHistory(snap.Symbol, rows); ok {
			history = append(history, h)
		}
	}

	return MacroBundle{
		Overview:    overview,
		History:     history,
		Days:        a.historyDays,
		Weights:     a.weights,
		GeneratedAt: now,
	}, nil
}

func summarizeHistory(symbol string, rows []feature.Snapshot) (InstrumentHistory, bool) {
	prices := make([]float64, 0, len(rows))
	for _, r := range rows {
		if r.Price > 0 {
			prices = append(prices, r.Price)
		}
	}
	if len(prices) == 0 {
		return InstrumentHistory{}, false
	}
	first, last := prices[0], prices[len(prices)-1]
	return InstrumentHistory{
		Symbol:        symbol,
		Samples:       len(prices),
		FirstPrice:    first,
		LastPrice:     last,
		ChangePct:     indicator.SafeDivide(last-first, first) * 100,
		VolatilityPct: indicator.CoefficientOfVariation(prices),
		From:          rows[0].CreatedAt,
		To:            rows[len(rows)-1].CreatedAt,
	}, true
}

func (a *Assembler) sentiment(ctx context.Context, symbol string) *signals.Sentiment {
	s, err := a.src.Signals.LatestSentiment(ctx, symbol)
	if err != nil {
		if !errors.Is(err, signals.ErrNotFound) {
			a.logger.Warn("读取情绪数据失败", zap.String("symbol", symbol), zap.Error(err))
		}
		return nil
	}
	return &s
}

func (a *Assembler) forecasts(ctx context.Context, symbol string) map[string]signals.Forecast {
	f, err := a.src.Signals.ForecastsByTimeframe(ctx, symbol)
	if err != nil {
		a.logger.Warn("读取价格预测失败", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	if len(f) == 0 {
		return nil
	}
	return f
}

func (a *Assembler) news(ctx context.Context, symbol string) []signals.NewsItem {
	n, err := a.src.Signals.RecentNews(ctx, symbol, newsLimit)
	if err != nil {
		a.logger.Warn("读取新闻失败", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	return n
}

func (a *Assembler) whales(ctx context.Context, symbol string) []signals.WhaleAlert {
	w, err := a.src.Signals.RecentWhaleAlerts(ctx, symbol, whaleLimit)
	if err != nil {
		a.logger.Warn("读取大额转账失败", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	return w
}

func (a *Assembler) macroFor(ctx context.Context, symbol string, now time.Time) MacroContext {
	if a.src.Macro == nil {
		return MacroContext{}
	}
	m, err := a.src.Macro.Active(ctx, now)
	if err != nil {
		if !errors.Is(err, decision.ErrNotFound) {
			a.logger.Warn("读取宏观策略失败", zap.Error(err))
		}
		return MacroContext{}
	}
	if m.Stale(now) {
		return MacroContext{}
	}
	out := MacroContext{
		Available:     true,
		Narrative:     m.Narrative,
		Bias:          m.Bias,
		RiskTolerance: m.RiskTolerance,
	}
	if lv, ok := m.Levels[symbol]; ok {
		out.Levels = &lv
	}
	validUntil := m.ValidUntil
	out.ValidUntil = &validUntil
	return out
}

// positionSummaries 返回该品种全部 open 仓位（多空可同时存在），最新的在前。
func (a *Assembler) positionSummaries(ctx context.Context, symbol string, price float64, now time.Time) ([]position.Summary, error) {
	if a.src.Positions == nil {
		return nil, nil
	}
	open, err := a.src.Positions.ListOpenBySymbol(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("marketctx: 读取 %s 持仓失败: %w", symbol, err)
	}
	out := make([]position.Summary, 0, len(open))
	for _, p := range open {
		p.UpdatePrice(price)
		out = append(out, position.Summarize(p, now))
	}
	return out, nil
}
