package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"perp-pilot/internal/decision"
	"perp-pilot/internal/store"
)

var (
	// ErrNotFound 表示仓位不存在。
	ErrNotFound = errors.New("position: 仓位不存在")
	// ErrOpenExists 表示同一品种同一方向已有未平仓位。
	ErrOpenExists = errors.New("position: 同方向已有持仓")
	// ErrStaleState 表示条件更新时状态已被其他写入者改变。
	ErrStaleState = errors.New("position: 仓位状态已变更")
)

// Repository 持久化仓位。
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository 创建仓位仓储并初始化表结构。
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("position: 数据库实例不能为空")
	}
	r := &Repository{db: db, now: time.Now}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			size REAL NOT NULL CHECK (size > 0),
			entry_price REAL NOT NULL CHECK (entry_price > 0),
			current_price REAL NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL CHECK (leverage BETWEEN 1 AND 100),
			stop_loss REAL,
			take_profit REAL,
			risk_amount REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			realized_pnl REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			decision_id INTEGER,
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_active
			ON positions(symbol, direction) WHERE status IN ('open', 'closing');`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("position: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

const positionColumns = `id, symbol, direction, size, entry_price, current_price, leverage, stop_loss, take_profit,
	risk_amount, status, close_reason, realized_pnl, unrealized_pnl, decision_id, opened_at, closed_at`

// execer 由 *sql.DB 与 *sql.Tx 共同满足。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create 写入新仓位；同品种同方向已有未平仓位时返回 ErrOpenExists。
func (r *Repository) Create(ctx context.Context, p *Position) error {
	return r.insert(ctx, r.db, p)
}

func (r *Repository) insert(ctx context.Context, db execer, p *Position) error {
	if p.Status == "" {
		p.Status = StatusOpen
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = r.now().UTC()
	}
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.EntryPrice
	}
	if err := p.Validate(); err != nil {
		return err
	}

	var decisionID sql.NullInt64
	if p.DecisionID != nil {
		decisionID = sql.NullInt64{Int64: *p.DecisionID, Valid: true}
	}

	res, err := db.ExecContext(ctx, `INSERT INTO positions (
			symbol, direction, size, entry_price, current_price, leverage, stop_loss, take_profit, risk_amount,
			status, close_reason, realized_pnl, unrealized_pnl, decision_id, opened_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Symbol, string(p.Direction), p.Size, p.EntryPrice, p.CurrentPrice, p.Leverage,
		store.NullableFloat(p.StopLoss), store.NullableFloat(p.TakeProfit), p.RiskAmount,
		string(p.Status), string(p.CloseReason), p.RealizedPnL, p.UnrealizedPnL, decisionID,
		store.Timestamp(p.OpenedAt), store.NullableTimestamp(p.ClosedAt), store.Timestamp(r.now()),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s %s", ErrOpenExists, p.Symbol, p.Direction)
		}
		return fmt.Errorf("position: 写入仓位失败: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("position: 获取仓位ID失败: %w", err)
	}
	return nil
}

// SettlePartial 在同一事务内把 closing 的 rest 恢复为 open 并缩减规模，同时写入已平仓的切片 slice。
func (r *Repository) SettlePartial(ctx context.Context, rest Position, slice *Position) error {
	if rest.Status != StatusOpen || slice.Status != StatusClosed {
		return fmt.Errorf("%w: rest=%s slice=%s", ErrInvalidTransition, rest.Status, slice.Status)
	}
	if err := rest.Validate(); err != nil {
		return err
	}
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE positions SET status = 'open', close_reason = '', size = ?, risk_amount = ?,
				realized_pnl = 0, current_price = ?, unrealized_pnl = ?, updated_at = ?
			 WHERE id = ? AND status = 'closing'`,
			rest.Size, rest.RiskAmount, rest.CurrentPrice, rest.UnrealizedPnL, store.Timestamp(r.now()), rest.ID,
		)
		if err != nil {
			return fmt.Errorf("position: 更新剩余仓位失败: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("position: 读取更新结果失败: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: id=%d closing -> open", ErrStaleState, rest.ID)
		}
		return r.insert(ctx, tx, slice)
	})
}

// Get 按 ID 读取仓位。
func (r *Repository) Get(ctx context.Context, id int64) (Position, error) {
	return r.queryOne(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
}

// FindActive 返回某品种某方向处于 open 或 closing 的仓位。
func (r *Repository) FindActive(ctx context.Context, symbol string, dir decision.Direction) (Position, error) {
	return r.queryOne(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE symbol = ? AND direction = ? AND status IN ('open', 'closing')
		 ORDER BY opened_at DESC LIMIT 1`,
		symbol, string(dir))
}

// FindOpenBySymbol 返回某品种任一方向的 open 仓位。
func (r *Repository) FindOpenBySymbol(ctx context.Context, symbol string) (Position, error) {
	return r.queryOne(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE symbol = ? AND status = 'open' ORDER BY opened_at DESC LIMIT 1`,
		symbol)
}

// ListOpenBySymbol 返回某品种全部 open 仓位，最新开仓的在前。
func (r *Repository) ListOpenBySymbol(ctx context.Context, symbol string) ([]Position, error) {
	return r.queryMany(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE symbol = ? AND status = 'open' ORDER BY opened_at DESC, id DESC`,
		symbol)
}

// ListOpen 按开仓时间返回全部 open 仓位。
func (r *Repository) ListOpen(ctx context.Context) ([]Position, error) {
	return r.queryMany(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = 'open' ORDER BY opened_at, id`)
}

// ListActive 返回 open 与 closing 仓位。
func (r *Repository) ListActive(ctx context.Context) ([]Position, error) {
	return r.queryMany(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status IN ('open', 'closing') ORDER BY opened_at, id`)
}

// ListClosed 按平仓时间倒序返回最近的已平仓位。
func (r *Repository) ListClosed(ctx context.Context, limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryMany(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'closed' ORDER BY closed_at DESC, id DESC LIMIT ?`, limit)
}

// RealizedTotal 返回全部已平仓位的已实现盈亏之和。
func (r *Repository) RealizedTotal(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	if err := r.db.QueryRowContext(ctx,
		`SELECT SUM(realized_pnl) FROM positions WHERE status = 'closed'`).Scan(&total); err != nil {
		return 0, fmt.Errorf("position: 统计已实现盈亏失败: %w", err)
	}
	return total.Float64, nil
}

// UpdatePrice 刷新 open/closing 仓位的现价与未实现盈亏。
func (r *Repository) UpdatePrice(ctx context.Context, p Position) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE positions SET current_price = ?, unrealized_pnl = ?, updated_at = ?
		 WHERE id = ? AND status IN ('open', 'closing')`,
		p.CurrentPrice, p.UnrealizedPnL, store.Timestamp(r.now()), p.ID,
	)
	if err != nil {
		return fmt.Errorf("position: 更新现价失败: %w", err)
	}
	return nil
}

// SyncExchange 以交易所数据覆盖规模与入场价。
func (r *Repository) SyncExchange(ctx context.Context, id int64, size, entry float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE positions SET size = ?, entry_price = ?, updated_at = ? WHERE id = ? AND status = 'open'`,
		size, entry, store.Timestamp(r.now()), id,
	)
	if err != nil {
		return fmt.Errorf("position: 同步交易所仓位失败: %w", err)
	}
	return nil
}

// Transition 在状态仍为 from 时保存 p 的新状态，否则返回 ErrStaleState。
func (r *Repository) Transition(ctx context.Context, p Position, from Status) error {
	if err := p.Validate(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE positions SET status = ?, close_reason = ?, realized_pnl = ?, unrealized_pnl = ?,
			current_price = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(p.Status), string(p.CloseReason), p.RealizedPnL, p.UnrealizedPnL,
		p.CurrentPrice, store.NullableTimestamp(p.ClosedAt), store.Timestamp(r.now()),
		p.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("position: 更新仓位状态失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("position: 读取更新结果失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d %s -> %s", ErrStaleState, p.ID, from, p.Status)
	}
	return nil
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...any) (Position, error) {
	p, err := scanPosition(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	return p, err
}

func (r *Repository) queryMany(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("position: 查询仓位失败: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (Position, error) {
	var (
		p                         Position
		direction, status, reason string
		stopLoss, takeProfit      sql.NullFloat64
		decisionID                sql.NullInt64
		openedAt                  string
		closedAt                  sql.NullString
	)
	err := row.Scan(&p.ID, &p.Symbol, &direction, &p.Size, &p.EntryPrice, &p.CurrentPrice, &p.Leverage,
		&stopLoss, &takeProfit, &p.RiskAmount, &status, &reason, &p.RealizedPnL, &p.UnrealizedPnL,
		&decisionID, &openedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("position: 读取仓位失败: %w", err)
	}

	p.Direction = decision.Direction(direction)
	p.Status = Status(status)
	p.CloseReason = CloseReason(reason)
	p.StopLoss = store.FloatPtr(stopLoss)
	p.TakeProfit = store.FloatPtr(takeProfit)
	if decisionID.Valid {
		id := decisionID.Int64
		p.DecisionID = &id
	}
	if p.OpenedAt, err = store.ParseTimestamp(openedAt); err != nil {
		return p, err
	}
	if p.ClosedAt, err = store.ParseNullableTimestamp(closedAt); err != nil {
		return p, err
	}
	return p, nil
}
