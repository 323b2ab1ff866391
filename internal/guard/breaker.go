package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-pilot/internal/config"
	"perp-pilot/internal/store"
)

// EquitySource 提供账户净值，用于计算日度亏损比例。
type EquitySource interface {
	AccountValue(ctx context.Context) (float64, error)
}

// EventSink 接收状态变更事件。
type EventSink interface {
	Emit(ctx context.Context, kind string, payload any)
}

// BreakerState 为熔断器当前状态。
type BreakerState struct {
	TradingAllowed    bool       `json:"trading_allowed"`
	DailyLoss         float64    `json:"daily_loss"`
	DailyLossPct      float64    `json:"daily_loss_pct"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	Triggered         bool       `json:"triggered"`
	TriggerReason     string     `json:"trigger_reason,omitempty"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	Day               string     `json:"day"`
}

// Breaker 在日度亏损或连续亏损超限时暂停开仓，冷却期满后恢复。
// 状态持久化为单行记录，所有修改在写事务内完成。
type Breaker struct {
	db      *sql.DB
	counter DailyCounter
	equity  EquitySource
	cfg     config.RiskConfig
	logger  *zap.Logger
	sink    EventSink
	now     func() time.Time
}

// BreakerOption 定制熔断器。
type BreakerOption func(*Breaker)

// WithClock 替换时间源。
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithEventSink 设置状态变更通知。
func WithEventSink(sink EventSink) BreakerOption {
	return func(b *Breaker) { b.sink = sink }
}

// NewBreaker 创建熔断器并初始化表结构。
func NewBreaker(db *sql.DB, counter DailyCounter, equity EquitySource, cfg config.RiskConfig, logger *zap.Logger, opts ...BreakerOption) (*Breaker, error) {
	if db == nil {
		return nil, errors.New("guard: 数据库实例不能为空")
	}
	if counter == nil {
		return nil, errors.New("guard: 日度计数器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		db:      db,
		counter: counter,
		equity:  equity,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	stmt := `
CREATE TABLE IF NOT EXISTS circuit_breaker (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	consecutive_losses INTEGER NOT NULL DEFAULT 0,
	triggered INTEGER NOT NULL DEFAULT 0,
	trigger_reason TEXT NOT NULL DEFAULT '',
	cooldown_until TEXT,
	updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("guard: 初始化熔断表失败: %w", err)
	}
	return b, nil
}

type breakerRow struct {
	consecutive   int
	triggered     bool
	reason        string
	cooldownUntil *time.Time
}

// RecordLoss 累加当日亏损并递增连续亏损次数，必要时触发熔断。
func (b *Breaker) RecordLoss(ctx context.Context, amount float64) (BreakerState, error) {
	now := b.now()
	day := DayKey(now, b.cfg.DayResetHour)

	loss := decimal.NewFromFloat(math.Abs(amount))
	total, err := b.counter.Add(ctx, day, loss, DayEnd(now, b.cfg.DayResetHour))
	if err != nil {
		return BreakerState{}, err
	}
	equity := b.accountValue(ctx)

	var (
		state   BreakerState
		tripped bool
	)
	err = b.mutate(ctx, func(row *breakerRow) {
		b.expireCooldown(row, now)
		row.consecutive++
		if !row.triggered {
			if reason := b.tripReason(total, equity, row.consecutive); reason != "" {
				b.trip(row, now, reason)
				tripped = true
			}
		}
		state = b.toState(*row, total, equity, day)
	})
	if err != nil {
		return BreakerState{}, err
	}

	b.logger.Info("记录亏损",
		zap.Float64("amount", loss.InexactFloat64()),
		zap.Float64("daily_loss", state.DailyLoss),
		zap.Int("consecutive_losses", state.ConsecutiveLosses),
	)
	if tripped {
		b.logger.Warn("熔断触发", zap.String("reason", state.TriggerReason), zap.Timep("cooldown_until", state.CooldownUntil))
		b.emit(ctx, state)
	}
	return state, nil
}

// RecordWin 清零连续亏损次数，不解除冷却中的熔断。
func (b *Breaker) RecordWin(ctx context.Context, amount float64) (BreakerState, error) {
	now := b.now()
	day := DayKey(now, b.cfg.DayResetHour)
	total, err := b.counter.Get(ctx, day)
	if err != nil {
		return BreakerState{}, err
	}
	equity := b.accountValue(ctx)

	var state BreakerState
	err = b.mutate(ctx, func(row *breakerRow) {
		row.consecutive = 0
		b.expireCooldown(row, now)
		state = b.toState(*row, total, equity, day)
	})
	if err != nil {
		return BreakerState{}, err
	}
	b.logger.Info("记录盈利", zap.Float64("amount", amount))
	return state, nil
}

// Status 返回当前状态；冷却期满时恢复交易，若当日亏损仍超限则重新进入冷却。
func (b *Breaker) Status(ctx context.Context) (BreakerState, error) {
	now := b.now()
	day := DayKey(now, b.cfg.DayResetHour)
	total, err := b.counter.Get(ctx, day)
	if err != nil {
		return BreakerState{}, err
	}
	equity := b.accountValue(ctx)

	var (
		state   BreakerState
		changed bool
	)
	err = b.mutate(ctx, func(row *breakerRow) {
		wasTriggered := row.triggered
		if b.expireCooldown(row, now) {
			if reason := b.tripReason(total, equity, row.consecutive); reason != "" {
				b.trip(row, now, reason)
			}
		}
		changed = wasTriggered != row.triggered
		state = b.toState(*row, total, equity, day)
	})
	if err != nil {
		return BreakerState{}, err
	}
	if changed {
		b.logger.Info("熔断冷却结束，恢复开仓")
		b.emit(ctx, state)
	}
	return state, nil
}

// Reset 人工解除熔断并清零计数。
func (b *Breaker) Reset(ctx context.Context) (BreakerState, error) {
	now := b.now()
	day := DayKey(now, b.cfg.DayResetHour)
	if err := b.counter.Reset(ctx, day); err != nil {
		return BreakerState{}, err
	}

	var state BreakerState
	err := b.mutate(ctx, func(row *breakerRow) {
		*row = breakerRow{}
		state = b.toState(*row, decimal.Zero, 0, day)
	})
	if err != nil {
		return BreakerState{}, err
	}
	b.logger.Warn("熔断已人工重置")
	b.emit(ctx, state)
	return state, nil
}

func (b *Breaker) mutate(ctx context.Context, fn func(row *breakerRow)) error {
	return store.WithTx(ctx, b.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO circuit_breaker (id, updated_at) VALUES (1, ?) ON CONFLICT(id) DO NOTHING`,
			store.Timestamp(b.now()),
		); err != nil {
			return fmt.Errorf("guard: 初始化熔断状态失败: %w", err)
		}

		var (
			row       breakerRow
			triggered int
			cooldown  sql.NullString
		)
		if err := tx.QueryRowContext(ctx,
			`SELECT consecutive_losses, triggered, trigger_reason, cooldown_until FROM circuit_breaker WHERE id = 1`,
		).Scan(&row.consecutive, &triggered, &row.reason, &cooldown); err != nil {
			return fmt.Errorf("guard: 读取熔断状态失败: %w", err)
		}
		row.triggered = triggered == 1
		until, err := store.ParseNullableTimestamp(cooldown)
		if err != nil {
			return err
		}
		row.cooldownUntil = until

		fn(&row)

		if _, err := tx.ExecContext(ctx,
			`UPDATE circuit_breaker SET consecutive_losses = ?, triggered = ?, trigger_reason = ?, cooldown_until = ?, updated_at = ?
			 WHERE id = 1`,
			row.consecutive, boolToInt(row.triggered), row.reason, store.NullableTimestamp(row.cooldownUntil), store.Timestamp(b.now()),
		); err != nil {
			return fmt.Errorf("guard: 更新熔断状态失败: %w", err)
		}
		return nil
	})
}

// expireCooldown 冷却期满时解除熔断并清零连续亏损，返回是否发生解除。
func (b *Breaker) expireCooldown(row *breakerRow, now time.Time) bool {
	if !row.triggered || row.cooldownUntil == nil || now.Before(*row.cooldownUntil) {
		return false
	}
	row.triggered = false
	row.reason = ""
	row.cooldownUntil = nil
	row.consecutive = 0
	return true
}

func (b *Breaker) tripReason(dailyLoss decimal.Decimal, equity float64, consecutive int) string {
	if equity > 0 && b.cfg.MaxDailyLoss > 0 {
		pct := dailyLoss.Div(decimal.NewFromFloat(equity))
		if pct.GreaterThanOrEqual(decimal.NewFromFloat(b.cfg.MaxDailyLoss)) {
			return fmt.Sprintf("circuit breaker: daily loss %s%% reached limit %s%%",
				pct.Mul(decimal.NewFromInt(100)).StringFixed(2),
				decimal.NewFromFloat(b.cfg.MaxDailyLoss*100).StringFixed(2))
		}
	}
	if b.cfg.MaxConsecutiveLosses > 0 && consecutive >= b.cfg.MaxConsecutiveLosses {
		return fmt.Sprintf("circuit breaker: %d consecutive losses reached limit %d", consecutive, b.cfg.MaxConsecutiveLosses)
	}
	return ""
}

func (b *Breaker) trip(row *breakerRow, now time.Time, reason string) {
	until := now.Add(b.cfg.Cooldown()).UTC()
	row.triggered = true
	row.reason = reason
	row.cooldownUntil = &until
}

func (b *Breaker) accountValue(ctx context.Context) float64 {
	if b.equity == nil {
		return 0
	}
	v, err := b.equity.AccountValue(ctx)
	if err != nil {
		b.logger.Warn("获取账户净值失败，跳过日度亏损比例检查", zap.Error(err))
		return 0
	}
	return v
}

func (b *Breaker) toState(row breakerRow, dailyLoss decimal.Decimal, equity float64, day string) BreakerState {
	state := BreakerState{
		TradingAllowed:    !row.triggered,
		DailyLoss:         dailyLoss.InexactFloat64(),
		ConsecutiveLosses: row.consecutive,
		Triggered:         row.triggered,
		TriggerReason:     row.reason,
		CooldownUntil:     row.cooldownUntil,
		Day:               day,
	}
	if equity > 0 {
		state.DailyLossPct = dailyLoss.Div(decimal.NewFromFloat(equity)).InexactFloat64()
	}
	return state
}

func (b *Breaker) emit(ctx context.Context, state BreakerState) {
	if b.sink != nil {
		b.sink.Emit(ctx, "breaker_changed", state)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
