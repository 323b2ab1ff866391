package position

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
)

// ExchangeSnapshot 读取交易所侧账户与持仓。
type ExchangeSnapshot interface {
	FetchSnapshot(ctx context.Context) (AccountBalance, []ExchangePosition, error)
}

// OutcomeRecorder 接收已实现盈亏。
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, pnl float64)
}

// ReconcileReport 为一次对账结果。
type ReconcileReport struct {
	Adopted int `json:"adopted"`
	Closed  int `json:"closed"`
	Synced  int `json:"synced"`
}

// sizeTolerance 以内的规模差异视为一致。
const sizeTolerance = 1e-9

// Reconciler 以交易所持仓为准修正本地记录。
type Reconciler struct {
	exchange ExchangeSnapshot
	repo     *Repository
	outcomes OutcomeRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler 创建对账器；exchange 为 nil 时（模拟盘）对账为空操作。
func NewReconciler(exchange ExchangeSnapshot, repo *Repository, outcomes OutcomeRecorder, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		exchange: exchange,
		repo:     repo,
		outcomes: outcomes,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile 接管本地缺失的交易所仓位，关闭交易所已不存在的本地仓位（manual），并同步规模与入场价。
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if r.exchange == nil {
		return report, nil
	}

	_, remote, err := r.exchange.FetchSnapshot(ctx)
	if err != nil {
		return report, err
	}
	local, err := r.repo.ListOpen(ctx)
	if err != nil {
		return report, err
	}

	type key struct{ symbol, direction string }
	remoteByKey := make(map[key]ExchangePosition, len(remote))
	for _, rp := range remote {
		remoteByKey[key{rp.Symbol, string(rp.Direction)}] = rp
	}
	seen := make(map[key]bool, len(local))

	for _, lp := range local {
		k := key{lp.Symbol, string(lp.Direction)}
		seen[k] = true
		rp, ok := remoteByKey[k]
		if !ok {
			if err := r.closeMissing(ctx, lp); err != nil {
				return report, err
			}
			report.Closed++
			continue
		}
		if math.Abs(rp.Size-lp.Size) > sizeTolerance || (rp.EntryPrice > 0 && math.Abs(rp.EntryPrice-lp.EntryPrice) > sizeTolerance) {
			entry := rp.EntryPrice
			if !(entry > 0) {
				entry = lp.EntryPrice
			}
			if err := r.repo.SyncExchange(ctx, lp.ID, rp.Size, entry); err != nil {
				return report, err
			}
			r.logger.Info("同步交易所仓位",
				zap.Int64("position_id", lp.ID),
				zap.String("symbol", lp.Symbol),
				zap.Float64("local_size", lp.Size),
				zap.Float64("exchange_size", rp.Size),
			)
			report.Synced++
		}
	}

	for k, rp := range remoteByKey {
		if seen[k] {
			continue
		}
		if !(rp.EntryPrice > 0) && !(rp.MarkPrice > 0) {
			r.logger.Warn("交易所仓位缺少价格，暂不接管", zap.String("symbol", rp.Symbol))
			continue
		}
		adopted, err := r.adopt(ctx, rp)
		if errors.Is(err, ErrOpenExists) {
			// closing 状态的本地仓位仍占位，等待其平仓流程结束。
			continue
		}
		if err != nil {
			return report, err
		}
		r.logger.Warn("接管交易所仓位",
			zap.Int64("position_id", adopted.ID),
			zap.String("symbol", adopted.Symbol),
			zap.String("direction", string(adopted.Direction)),
			zap.Float64("size", adopted.Size),
		)
		report.Adopted++
	}
	return report, nil
}

func (r *Reconciler) adopt(ctx context.Context, rp ExchangePosition) (Position, error) {
	lev := int(math.Round(rp.Leverage))
	if lev < 1 {
		lev = 1
	}
	if lev > 100 {
		lev = 100
	}
	entry := rp.EntryPrice
	if !(entry > 0) {
		entry = rp.MarkPrice
	}
	p := Position{
		Symbol:       rp.Symbol,
		Direction:    rp.Direction,
		Size:         rp.Size,
		EntryPrice:   entry,
		CurrentPrice: rp.MarkPrice,
		Leverage:     lev,
		OpenedAt:     r.now().UTC(),
	}
	if p.CurrentPrice > 0 {
		p.UpdatePrice(p.CurrentPrice)
	}
	err := r.repo.Create(ctx, &p)
	return p, err
}

func (r *Reconciler) closeMissing(ctx context.Context, p Position) error {
	if err := p.MarkClosing(CloseManual); err != nil {
		return err
	}
	if err := r.repo.Transition(ctx, p, StatusOpen); err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil
		}
		return err
	}
	if err := p.Close(0, r.now()); err != nil {
		return err
	}
	if err := r.repo.Transition(ctx, p, StatusClosing); err != nil {
		return err
	}
	r.logger.Warn("交易所已无该仓位，本地标记为手动平仓",
		zap.Int64("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.Float64("realized_pnl", p.RealizedPnL),
	)
	if r.outcomes != nil {
		r.outcomes.RecordOutcome(ctx, p.RealizedPnL)
	}
	return nil
}
