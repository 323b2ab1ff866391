package execution

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perp-pilot/internal/config"
	"perp-pilot/internal/decision"
	"perp-pilot/internal/monitor"
	"perp-pilot/internal/order"
	"perp-pilot/internal/position"
	"perp-pilot/internal/risk"
)

var (
	// ErrNotFilled 表示订单提交后未获得任何成交。
	ErrNotFilled = errors.New("execution: 订单未成交")
	// ErrPartialClose 表示平仓单仅部分成交，剩余仓位仍为 open。
	ErrPartialClose = errors.New("execution: 平仓部分成交")
)

// Deps 汇总执行器依赖。
type Deps struct {
	Decisions decisionStore
	Positions *position.Repository
	Orders    *order.Repository
	Broker    Broker
	Gate      gate
	Breaker   outcomeRecorder
	Profiles  profileSource
	Journal   journal
}

// Executor 将通过风控的决策转化为订单与仓位变更。
type Executor struct {
	decisions decisionStore
	positions *position.Repository
	orders    *order.Repository
	broker    Broker
	gate      gate
	breaker   outcomeRecorder
	profiles  profileSource
	journal   journal
	cfg       config.RiskConfig
	logger    *zap.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(deps Deps, cfg config.RiskConfig, logger *zap.Logger) (*Executor, error) {
	if deps.Decisions == nil || deps.Positions == nil || deps.Orders == nil {
		return nil, errors.New("execution: 缺少决策、仓位或订单仓储")
	}
	if deps.Broker == nil || deps.Gate == nil || deps.Profiles == nil {
		return nil, errors.New("execution: 缺少下单通道、闸门或风险档位")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := deps.Journal
	if j == nil {
		j = nopJournal{}
	}
	return &Executor{
		decisions: deps.Decisions,
		positions: deps.Positions,
		orders:    deps.Orders,
		broker:    deps.Broker,
		gate:      deps.Gate,
		breaker:   deps.Breaker,
		profiles:  deps.Profiles,
		journal:   j,
		cfg:       cfg,
		logger:    logger.With(zap.String("broker", deps.Broker.Name())),
	}, nil
}

// Broker 返回下单通道。
func (e *Executor) Broker() Broker { return e.broker }

// Execute 执行一条已持久化的决策，业务拒绝体现在 Result 中，仅存储异常返回 error。
func (e *Executor) Execute(ctx context.Context, d decision.TradingDecision) (Result, error) {
	if d.ID == 0 {
		return Result{}, errors.New("execution: 决策尚未持久化")
	}
	switch d.Operation {
	case decision.OperationHold:
		return e.reject(ctx, d, "hold: no action taken")
	case decision.OperationOpen, decision.OperationClose:
	default:
		return e.reject(ctx, d, fmt.Sprintf("unknown operation %q", d.Operation))
	}

	profile, err := e.profiles.Current(ctx)
	if err != nil {
		return Result{}, err
	}
	if d.Confidence < profile.MinConfidence {
		return e.reject(ctx, d, fmt.Sprintf("confidence %.4f below %s minimum %.2f", d.Confidence, profile.Name, profile.MinConfidence))
	}
	if d.Operation == decision.OperationClose {
		return e.closeBySignal(ctx, d)
	}
	return e.open(ctx, d, profile)
}

func (e *Executor) open(ctx context.Context, d decision.TradingDecision, profile risk.Profile) (Result, error) {
	if d.Direction != decision.DirectionLong && d.Direction != decision.DirectionShort {
		return e.reject(ctx, d, "open requires a direction")
	}

	perm, err := e.gate.CheckOpen(ctx)
	if err != nil {
		return Result{}, err
	}
	if !perm.Allowed {
		return e.reject(ctx, d, perm.Reason)
	}

	if existing, err := e.positions.FindActive(ctx, d.Symbol, d.Direction); err == nil {
		return e.reject(ctx, d, fmt.Sprintf("position already open for %s %s (id=%d)", d.Symbol, d.Direction, existing.ID))
	} else if !errors.Is(err, position.ErrNotFound) {
		return Result{}, err
	}
	active, err := e.positions.ListActive(ctx)
	if err != nil {
		return Result{}, err
	}
	if profile.MaxOpenPositions > 0 && len(active) >= profile.MaxOpenPositions {
		return e.reject(ctx, d, fmt.Sprintf("max open positions %d reached for %s profile", profile.MaxOpenPositions, profile.Name))
	}

	price, err := e.broker.MidPrice(ctx, d.Symbol)
	if err != nil {
		return e.fail(ctx, d, err)
	}
	equity, err := e.broker.AccountValue(ctx)
	if err != nil {
		return e.fail(ctx, d, err)
	}

	leverage := e.leverage(d, profile)
	size, riskAmount, reason := e.size(d, equity, price)
	if reason != "" {
		return e.reject(ctx, d, reason)
	}

	required := size * price / float64(leverage)
	available, err := e.broker.AvailableMargin(ctx)
	if err != nil {
		return e.fail(ctx, d, err)
	}
	if required > available {
		return e.reject(ctx, d, fmt.Sprintf("insufficient margin: required %.2f available %.2f", required, available))
	}

	if err := e.approve(ctx, &d); err != nil {
		return Result{}, err
	}

	side := order.SideBuy
	if d.Direction == decision.DirectionShort {
		side = order.SideSell
	}
	o, fill, err := e.submit(ctx, d.Symbol, side, size, false, &d.ID)
	if err != nil {
		return e.failWithOrder(ctx, d, o, err)
	}

	entry := fill.AvgPrice
	if !(entry > 0) {
		entry = price
	}
	if d.StopLoss != nil {
		riskAmount = fill.FilledSize * math.Abs(entry-*d.StopLoss)
	}
	decisionID := d.ID
	pos := position.Position{
		Symbol:     d.Symbol,
		Direction:  d.Direction,
		Size:       fill.FilledSize,
		EntryPrice: entry,
		Leverage:   leverage,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		RiskAmount: riskAmount,
		DecisionID: &decisionID,
		OpenedAt:   fill.At,
	}
	if err := e.positions.Create(ctx, &pos); err != nil {
		// 订单已成交但本地记录失败，交由对账接管。
		e.logger.Error("成交后写入仓位失败", zap.String("symbol", d.Symbol), zap.Int64("order_id", o.ID), zap.Error(err))
		return e.failWithOrder(ctx, d, o, err)
	}
	o.PositionID = &pos.ID
	if err := e.orders.Save(ctx, o, o.Status); err != nil {
		e.logger.Warn("关联订单与仓位失败", zap.Int64("order_id", o.ID), zap.Error(err))
	}

	e.journal.Audit(ctx, monitor.PositionRef(pos.ID), "opened", map[string]any{
		"order_id": o.ID, "size": pos.Size, "entry_price": pos.EntryPrice, "leverage": pos.Leverage,
	})
	e.journal.Emit(ctx, string(monitor.EventPositionOpened), pos)
	e.logger.Info("开仓完成",
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(pos.Direction)),
		zap.Float64("size", pos.Size),
		zap.Float64("entry", pos.EntryPrice),
		zap.Int("leverage", pos.Leverage),
	)

	res, err := e.finish(ctx, d, decision.StatusExecuted, "")
	res.OrderID = o.ID
	res.PositionID = pos.ID
	return res, err
}

func (e *Executor) closeBySignal(ctx context.Context, d decision.TradingDecision) (Result, error) {
	perm, err := e.gate.CheckClose(ctx)
	if err != nil {
		return Result{}, err
	}
	if !perm.Allowed {
		return e.reject(ctx, d, perm.Reason)
	}

	var pos position.Position
	if d.Direction != decision.DirectionNone {
		pos, err = e.positions.FindActive(ctx, d.Symbol, d.Direction)
		if err == nil && pos.Status != position.StatusOpen {
			err = position.ErrNotFound
		}
	} else {
		pos, err = e.positions.FindOpenBySymbol(ctx, d.Symbol)
	}
	if errors.Is(err, position.ErrNotFound) {
		return e.reject(ctx, d, fmt.Sprintf("no open position for %s", d.Symbol))
	}
	if err != nil {
		return Result{}, err
	}

	if err := e.approve(ctx, &d); err != nil {
		return Result{}, err
	}
	decisionID := d.ID
	closed, err := e.ClosePosition(ctx, pos, position.CloseSignal, &decisionID)
	if err != nil {
		return e.fail(ctx, d, err)
	}
	res, err := e.finish(ctx, d, decision.StatusExecuted, "")
	res.PositionID = closed.ID
	return res, err
}

// ClosePosition 以市价平掉整个仓位：先占位 closing，成交后 closed 并把盈亏计入熔断器；
// 提交失败或未成交时回退为 open，部分成交时已成交部分照常结算并返回 ErrPartialClose。
func (e *Executor) ClosePosition(ctx context.Context, p position.Position, reason position.CloseReason, decisionID *int64) (position.Position, error) {
	if price, err := e.broker.MidPrice(ctx, p.Symbol); err == nil {
		p.UpdatePrice(price)
	}
	if err := p.MarkClosing(reason); err != nil {
		return p, err
	}
	if err := e.positions.Transition(ctx, p, position.StatusOpen); err != nil {
		return p, err
	}

	side := order.SideSell
	if p.Direction == decision.DirectionShort {
		side = order.SideBuy
	}
	o, fill, err := e.submit(ctx, p.Symbol, side, p.Size, true, decisionID)
	if o.ID != 0 {
		o.PositionID = &p.ID
		if saveErr := e.orders.Save(ctx, o, o.Status); saveErr != nil {
			e.logger.Warn("关联订单与仓位失败", zap.Int64("order_id", o.ID), zap.Error(saveErr))
		}
	}
	if err != nil {
		e.rollbackClose(ctx, &p, err)
		return p, err
	}
	if fill.FilledSize < p.Size {
		return e.settlePartial(ctx, p, o, fill)
	}

	if err := p.Close(fill.AvgPrice, fill.At); err != nil {
		return p, err
	}
	if err := e.positions.Transition(ctx, p, position.StatusClosing); err != nil {
		return p, err
	}

	e.RecordOutcome(ctx, p.RealizedPnL)
	e.journal.Audit(ctx, monitor.PositionRef(p.ID), "closed", map[string]any{
		"order_id": o.ID, "reason": p.CloseReason, "exit_price": p.CurrentPrice, "realized_pnl": p.RealizedPnL,
	})
	e.journal.Emit(ctx, string(monitor.EventPositionClosed), p)
	e.logger.Info("平仓完成",
		zap.String("symbol", p.Symbol),
		zap.String("direction", string(p.Direction)),
		zap.String("reason", string(p.CloseReason)),
		zap.Float64("exit", p.CurrentPrice),
		zap.Float64("realized_pnl", p.RealizedPnL),
	)
	return p, nil
}

// settlePartial 已成交部分计为一条 closed 记录并计入熔断器，剩余仓位回到 open。
func (e *Executor) settlePartial(ctx context.Context, p position.Position, o order.Order, fill Fill) (position.Position, error) {
	slice, err := p.SplitFilled(fill.FilledSize, fill.AvgPrice, fill.At)
	if err != nil {
		return p, err
	}
	if err := e.positions.SettlePartial(ctx, p, &slice); err != nil {
		return p, err
	}

	e.RecordOutcome(ctx, slice.RealizedPnL)
	e.journal.Audit(ctx, monitor.PositionRef(p.ID), "partially_closed", map[string]any{
		"order_id": o.ID, "reason": slice.CloseReason, "filled_size": slice.Size, "remaining_size": p.Size,
		"exit_price": slice.CurrentPrice, "realized_pnl": slice.RealizedPnL, "slice_position_id": slice.ID,
	})
	e.journal.Emit(ctx, string(monitor.EventPositionClosed), slice)
	e.logger.Warn("部分平仓，剩余仓位保持 open",
		zap.String("symbol", p.Symbol),
		zap.Float64("filled", slice.Size),
		zap.Float64("remaining", p.Size),
		zap.Float64("realized_pnl", slice.RealizedPnL),
	)
	return p, fmt.Errorf("%w: %s 成交 %.8f 剩余 %.8f", ErrPartialClose, p.Symbol, slice.Size, p.Size)
}

func (e *Executor) rollbackClose(ctx context.Context, p *position.Position, cause error) {
	e.logger.Warn("平仓失败，仓位恢复为 open", zap.Int64("position_id", p.ID), zap.Error(cause))
	if err := p.Release(); err != nil {
		e.logger.Error("恢复仓位状态失败", zap.Int64("position_id", p.ID), zap.Error(err))
		return
	}
	if err := e.positions.Transition(ctx, *p, position.StatusClosing); err != nil {
		e.logger.Error("恢复仓位状态失败", zap.Int64("position_id", p.ID), zap.Error(err))
	}
}

// RecordOutcome 将已实现盈亏计入熔断器：亏损累加，盈利清零连续亏损。
func (e *Executor) RecordOutcome(ctx context.Context, pnl float64) {
	if e.breaker == nil {
		return
	}
	var err error
	if pnl < 0 {
		_, err = e.breaker.RecordLoss(ctx, -pnl)
	} else {
		_, err = e.breaker.RecordWin(ctx, pnl)
	}
	if err != nil {
		e.logger.Error("更新熔断器失败", zap.Float64("pnl", pnl), zap.Error(err))
	}
}

// submit 写入 pending 订单，经通道提交后保存最终状态。
func (e *Executor) submit(ctx context.Context, symbol string, side order.Side, size float64, reduceOnly bool, decisionID *int64) (order.Order, Fill, error) {
	o := order.Order{
		ClientID:   uuid.NewString(),
		Symbol:     symbol,
		Type:       order.TypeMarket,
		Side:       side,
		Size:       size,
		ReduceOnly: reduceOnly,
		DecisionID: decisionID,
	}
	if err := e.orders.Create(ctx, &o); err != nil {
		return o, Fill{}, err
	}
	e.journal.Audit(ctx, monitor.OrderRef(o.ID), "created", map[string]any{
		"side": o.Side, "size": o.Size, "reduce_only": o.ReduceOnly,
	})

	fill, err := e.broker.Submit(ctx, o)
	if err != nil {
		_ = o.Fail(err.Error())
		e.saveOrder(ctx, o)
		return o, fill, err
	}

	if subErr := o.Submit(fill.ExchangeOrderID); subErr != nil {
		return o, fill, subErr
	}
	if fill.FilledSize <= 0 {
		_ = o.Cancel()
		e.saveOrder(ctx, o)
		return o, fill, fmt.Errorf("%w: %s %s %.8f", ErrNotFilled, symbol, side, size)
	}
	if err := o.ApplyFill(fill.FilledSize, fill.AvgPrice, fill.At); err != nil {
		return o, fill, err
	}
	if o.Status == order.StatusPartiallyFilled {
		_ = o.Cancel()
	}
	e.saveOrder(ctx, o)
	return o, fill, nil
}

func (e *Executor) saveOrder(ctx context.Context, o order.Order) {
	if err := e.orders.Save(ctx, o, order.StatusPending); err != nil {
		e.logger.Error("保存订单状态失败", zap.Int64("order_id", o.ID), zap.Error(err))
		return
	}
	e.journal.Audit(ctx, monitor.OrderRef(o.ID), string(o.Status), map[string]any{
		"filled_size": o.FilledSize, "average_fill_price": o.AverageFillPrice,
		"exchange_order_id": o.ExchangeOrderID, "error": o.Error,
	})
}

// leverage 取决策杠杆，缺省用档位默认值，并限制在配置上限内。
func (e *Executor) leverage(d decision.TradingDecision, profile risk.Profile) int {
	lev := profile.DefaultLeverage
	if d.Leverage != nil && *d.Leverage > 0 {
		lev = *d.Leverage
	}
	if e.cfg.MaxLeverage > 0 && lev > e.cfg.MaxLeverage {
		lev = e.cfg.MaxLeverage
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// size 优先按目标占比计算，否则按止损定额风险计算；返回非空 reason 表示拒绝。
func (e *Executor) size(d decision.TradingDecision, equity, price float64) (float64, float64, string) {
	if !(equity > 0) {
		return 0, 0, fmt.Sprintf("account value %.2f not positive", equity)
	}
	var size, riskAmount float64
	switch {
	case d.PositionFraction != nil && *d.PositionFraction > 0:
		size = *d.PositionFraction * equity / price
	case d.StopLoss != nil:
		sizing, err := risk.NewSizer(equity, e.cfg.MaxRiskFraction).Calculate(price, *d.StopLoss, d.Direction)
		if err != nil {
			return 0, 0, fmt.Sprintf("position sizing failed: %v", err)
		}
		size = sizing.Size
		riskAmount = sizing.RiskAmount
		if limit := e.cfg.MaxPositionFraction * equity / price; e.cfg.MaxPositionFraction > 0 && size > limit {
			size = limit
			riskAmount = size * sizing.RiskPerUnit
		}
	default:
		return 0, 0, "position size undefined: neither position_size nor stop_loss given"
	}
	if !(size > 0) || math.IsInf(size, 0) {
		return 0, 0, fmt.Sprintf("computed size %v not positive", size)
	}
	if d.StopLoss != nil && riskAmount == 0 {
		riskAmount = size * math.Abs(price-*d.StopLoss)
	}
	return size, riskAmount, ""
}

func (e *Executor) approve(ctx context.Context, d *decision.TradingDecision) error {
	if d.Status == decision.StatusApproved {
		return nil
	}
	if err := e.decisions.Transition(ctx, d.ID, decision.StatusApproved, ""); err != nil {
		return err
	}
	d.Status = decision.StatusApproved
	return nil
}

func (e *Executor) reject(ctx context.Context, d decision.TradingDecision, reason string) (Result, error) {
	e.logger.Info("决策被拒绝", zap.Int64("decision_id", d.ID), zap.String("symbol", d.Symbol), zap.String("reason", reason))
	return e.finish(ctx, d, decision.StatusRejected, reason)
}

func (e *Executor) fail(ctx context.Context, d decision.TradingDecision, cause error) (Result, error) {
	e.logger.Error("决策执行失败", zap.Int64("decision_id", d.ID), zap.String("symbol", d.Symbol), zap.Error(cause))
	return e.finish(ctx, d, decision.StatusFailed, cause.Error())
}

func (e *Executor) failWithOrder(ctx context.Context, d decision.TradingDecision, o order.Order, cause error) (Result, error) {
	res, err := e.fail(ctx, d, cause)
	res.OrderID = o.ID
	return res, err
}

func (e *Executor) finish(ctx context.Context, d decision.TradingDecision, to decision.Status, reason string) (Result, error) {
	res := Result{DecisionID: d.ID, Status: to, Reason: reason}
	if err := e.decisions.Transition(ctx, d.ID, to, reason); err != nil {
		return res, err
	}
	e.journal.Emit(ctx, string(monitor.EventDecisionUpdated), res)
	return res, nil
}
