package decision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"perp-pilot/internal/store"
)

var (
	// ErrNotFound 表示决策不存在。
	ErrNotFound = errors.New("decision: 记录不存在")
	// ErrStaleStatus 表示条件更新时状态已被其他写入者改变。
	ErrStaleStatus = errors.New("decision: 状态已变更")
)

// Repository 持久化决策记录，记录只追加，仅状态可迁移。
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository 创建决策仓储并初始化表结构。
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("decision: 数据库实例不能为空")
	}
	r := &Repository{db: db, now: time.Now}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			operation TEXT NOT NULL,
			direction TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL,
			leverage INTEGER,
			position_fraction REAL,
			stop_loss REAL,
			take_profit REAL,
			reasoning TEXT NOT NULL DEFAULT '',
			risk_profile TEXT NOT NULL DEFAULT '',
			volatility TEXT NOT NULL DEFAULT '',
			atr REAL NOT NULL DEFAULT 0,
			atr_percent REAL NOT NULL DEFAULT 0,
			next_cycle_seconds INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			rejection_reason TEXT NOT NULL DEFAULT '',
			raw_response TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON decisions(cycle_id);`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("decision: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

const decisionColumns = `id, cycle_id, symbol, operation, direction, confidence, leverage, position_fraction,
	stop_loss, take_profit, reasoning, risk_profile, volatility, atr, atr_percent, next_cycle_seconds,
	status, rejection_reason, raw_response, created_at, updated_at`

// Create 追加一条决策，回写 ID 与时间戳。
func (r *Repository) Create(ctx context.Context, d *TradingDecision) error {
	if d.Status == "" {
		d.Status = StatusPending
	}
	now := r.now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	var leverage sql.NullInt64
	if d.Leverage != nil {
		leverage = sql.NullInt64{Int64: int64(*d.Leverage), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO decisions (
			cycle_id, symbol, operation, direction, confidence, leverage, position_fraction,
			stop_loss, take_profit, reasoning, risk_profile, volatility, atr, atr_percent,
			next_cycle_seconds, status, rejection_reason, raw_response, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.CycleID, d.Symbol, string(d.Operation), string(d.Direction), d.Confidence, leverage,
		store.NullableFloat(d.PositionFraction), store.NullableFloat(d.StopLoss), store.NullableFloat(d.TakeProfit),
		d.Reasoning, d.RiskProfile, string(d.Volatility), d.ATR, d.ATRPercent,
		int64(d.NextCycleInterval/time.Second), string(d.Status), d.RejectionReason, d.RawResponse,
		store.Timestamp(now), store.Timestamp(now),
	)
	if err != nil {
		return fmt.Errorf("decision: 写入决策失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("decision: 获取决策ID失败: %w", err)
	}
	d.ID = id
	return nil
}

// Transition 以条件更新迁移状态；当前状态不允许迁移到 to 时返回 ErrStaleStatus。
func (r *Repository) Transition(ctx context.Context, id int64, to Status, reason string) error {
	sources := sourcesOf(to)
	if len(sources) == 0 {
		return fmt.Errorf("decision: 不允许迁移到状态 %s", to)
	}

	placeholders := make([]string, len(sources))
	args := []any{string(to), reason, store.Timestamp(r.now()), id}
	for i, s := range sources {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE decisions SET status = ?, rejection_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("decision: 更新决策状态失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decision: 读取更新结果失败: %w", err)
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: id=%d -> %s", ErrStaleStatus, id, to)
	}
	return nil
}

// Get 按 ID 读取决策。
func (r *Repository) Get(ctx context.Context, id int64) (TradingDecision, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TradingDecision{}, ErrNotFound
	}
	return d, err
}

// Latest 返回某品种最近一条决策。
func (r *Repository) Latest(ctx context.Context, symbol string) (TradingDecision, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE symbol = ? ORDER BY created_at DESC, id DESC LIMIT 1`, symbol)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TradingDecision{}, ErrNotFound
	}
	return d, err
}

// Recent 按时间倒序返回最近的决策。
func (r *Repository) Recent(ctx context.Context, limit int) ([]TradingDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("decision: 查询决策失败: %w", err)
	}
	defer rows.Close()

	var out []TradingDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LastCreatedAt 返回最近一条决策的创建时间，没有记录时 ok 为 false。
func (r *Repository) LastCreatedAt(ctx context.Context) (time.Time, bool, error) {
	var raw sql.NullString
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM decisions`).Scan(&raw); err != nil {
		return time.Time{}, false, fmt.Errorf("decision: 查询最近决策时间失败: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	ts, err := store.ParseTimestamp(raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// NextInterval 返回最近一个周期内各品种建议间隔的最小值，无记录时 ok 为 false。
func (r *Repository) NextInterval(ctx context.Context) (time.Duration, bool, error) {
	var secs sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(next_cycle_seconds) FROM decisions
		WHERE next_cycle_seconds > 0 AND cycle_id = (
			SELECT cycle_id FROM decisions ORDER BY created_at DESC, id DESC LIMIT 1
		)`).Scan(&secs)
	if err != nil {
		return 0, false, fmt.Errorf("decision: 查询下次周期间隔失败: %w", err)
	}
	if !secs.Valid {
		return 0, false, nil
	}
	return time.Duration(secs.Int64) * time.Second, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (TradingDecision, error) {
	var (
		d                                 TradingDecision
		operation, direction, status, vol string
		leverage                          sql.NullInt64
		fraction, stopLoss, takeProfit    sql.NullFloat64
		nextSeconds                       int64
		createdAt, updatedAt              string
	)
	err := row.Scan(&d.ID, &d.CycleID, &d.Symbol, &operation, &direction, &d.Confidence, &leverage, &fraction,
		&stopLoss, &takeProfit, &d.Reasoning, &d.RiskProfile, &vol, &d.ATR, &d.ATRPercent, &nextSeconds,
		&status, &d.RejectionReason, &d.RawResponse, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("decision: 读取决策失败: %w", err)
	}

	d.Operation = Operation(operation)
	d.Direction = Direction(direction)
	d.Status = Status(status)
	d.Volatility = VolatilityLevel(vol)
	if leverage.Valid {
		lev := int(leverage.Int64)
		d.Leverage = &lev
	}
	d.PositionFraction = store.FloatPtr(fraction)
	d.StopLoss = store.FloatPtr(stopLoss)
	d.TakeProfit = store.FloatPtr(takeProfit)
	d.NextCycleInterval = time.Duration(nextSeconds) * time.Second

	if d.CreatedAt, err = store.ParseTimestamp(createdAt); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = store.ParseTimestamp(updatedAt); err != nil {
		return d, err
	}
	return d, nil
}
