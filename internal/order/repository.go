package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"perp-pilot/internal/store"
)

var (
	// ErrNotFound 表示订单不存在。
	ErrNotFound = errors.New("order: 订单不存在")
	// ErrStaleState 表示条件更新时状态已被其他写入者改变。
	ErrStaleState = errors.New("order: 订单状态已变更")
)

// Repository 持久化订单。
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository 创建订单仓储并初始化表结构。
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("order: 数据库实例不能为空")
	}
	stmt := `
CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id TEXT NOT NULL UNIQUE,
	symbol TEXT NOT NULL,
	order_type TEXT NOT NULL,
	side TEXT NOT NULL,
	size REAL NOT NULL CHECK (size > 0),
	price REAL,
	stop_price REAL,
	reduce_only INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	filled_size REAL NOT NULL DEFAULT 0,
	average_fill_price REAL NOT NULL DEFAULT 0,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	decision_id INTEGER,
	position_id INTEGER,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	filled_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol, created_at);
`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("order: 初始化表结构失败: %w", err)
	}
	return &Repository{db: db, now: time.Now}, nil
}

const orderColumns = `id, client_id, symbol, order_type, side, size, price, stop_price, reduce_only, status,
	filled_size, average_fill_price, exchange_order_id, decision_id, position_id, error, created_at, filled_at`

// Create 写入 pending 订单。
func (r *Repository) Create(ctx context.Context, o *Order) error {
	if o.Status == "" {
		o.Status = StatusPending
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO orders (
			client_id, symbol, order_type, side, size, price, stop_price, reduce_only, status,
			filled_size, average_fill_price, exchange_order_id, decision_id, position_id, error,
			created_at, filled_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientID, o.Symbol, string(o.Type), string(o.Side), o.Size,
		store.NullableFloat(o.Price), store.NullableFloat(o.StopPrice), boolToInt(o.ReduceOnly), string(o.Status),
		o.FilledSize, o.AverageFillPrice, o.ExchangeOrderID, nullableID(o.DecisionID), nullableID(o.PositionID),
		o.Error, store.Timestamp(o.CreatedAt), store.NullableTimestamp(o.FilledAt), store.Timestamp(r.now()),
	)
	if err != nil {
		return fmt.Errorf("order: 写入订单失败: %w", err)
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("order: 获取订单ID失败: %w", err)
	}
	return nil
}

// Save 在状态仍为 from 时保存 o 的可变字段。
func (r *Repository) Save(ctx context.Context, o Order, from Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, filled_size = ?, average_fill_price = ?, exchange_order_id = ?,
			position_id = ?, error = ?, filled_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(o.Status), o.FilledSize, o.AverageFillPrice, o.ExchangeOrderID,
		nullableID(o.PositionID), o.Error, store.NullableTimestamp(o.FilledAt), store.Timestamp(r.now()),
		o.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("order: 更新订单失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("order: 读取更新结果失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d %s -> %s", ErrStaleState, o.ID, from, o.Status)
	}
	return nil
}

// Get 按 ID 读取订单。
func (r *Repository) Get(ctx context.Context, id int64) (Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

// ListByDecision 返回某决策产生的订单。
func (r *Repository) ListByDecision(ctx context.Context, decisionID int64) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE decision_id = ? ORDER BY created_at, id`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("order: 查询订单失败: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var (
		o                      Order
		typ, side, status      string
		price, stopPrice       sql.NullFloat64
		reduceOnly             int
		decisionID, positionID sql.NullInt64
		createdAt              string
		filledAt               sql.NullString
	)
	err := row.Scan(&o.ID, &o.ClientID, &o.Symbol, &typ, &side, &o.Size, &price, &stopPrice, &reduceOnly, &status,
		&o.FilledSize, &o.AverageFillPrice, &o.ExchangeOrderID, &decisionID, &positionID, &o.Error, &createdAt, &filledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, err
		}
		return o, fmt.Errorf("order: 读取订单失败: %w", err)
	}
	o.Type = Type(typ)
	o.Side = Side(side)
	o.Status = Status(status)
	o.Price = store.FloatPtr(price)
	o.StopPrice = store.FloatPtr(stopPrice)
	o.ReduceOnly = reduceOnly == 1
	if decisionID.Valid {
		id := decisionID.Int64
		o.DecisionID = &id
	}
	if positionID.Valid {
		id := positionID.Int64
		o.PositionID = &id
	}
	if o.CreatedAt, err = store.ParseTimestamp(createdAt); err != nil {
		return o, err
	}
	if o.FilledAt, err = store.ParseNullableTimestamp(filledAt); err != nil {
		return o, err
	}
	return o, nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
