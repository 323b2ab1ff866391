package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perp-pilot/internal/store"
)

// DailyCounter 是按交易日累加、到日终自动失效的亏损计数器。
type DailyCounter interface {
	Add(ctx context.Context, day string, amount decimal.Decimal, expireAt time.Time) (decimal.Decimal, error)
	Get(ctx context.Context, day string) (decimal.Decimal, error)
	Reset(ctx context.Context, day string) error
}

// SQLCounter 以交易日为主键在 SQLite 中累加。
type SQLCounter struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLCounter 创建计数器并初始化表结构。
func NewSQLCounter(db *sql.DB) (*SQLCounter, error) {
	if db == nil {
		return nil, errors.New("guard: 数据库实例不能为空")
	}
	stmt := `
CREATE TABLE IF NOT EXISTS daily_loss_counter (
	day TEXT PRIMARY KEY,
	amount TEXT NOT NULL,
	expires_at TEXT NOT NULL
);`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("guard: 初始化日度亏损表失败: %w", err)
	}
	return &SQLCounter{db: db, now: time.Now}, nil
}

// Add 在写事务内读改写，返回累加后的值。
func (c *SQLCounter) Add(ctx context.Context, day string, amount decimal.Decimal, expireAt time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM daily_loss_counter WHERE expires_at <= ?`, store.Timestamp(c.now())); err != nil {
			return fmt.Errorf("guard: 清理过期计数失败: %w", err)
		}

		current, err := readAmount(ctx, tx, day)
		if err != nil {
			return err
		}
		total = current.Add(amount)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO daily_loss_counter (day, amount, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(day) DO UPDATE SET amount = excluded.amount, expires_at = excluded.expires_at`,
			day, total.String(), store.Timestamp(expireAt),
		); err != nil {
			return fmt.Errorf("guard: 更新日度亏损失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// Get 返回当日累计值，过期或不存在时为 0。
func (c *SQLCounter) Get(ctx context.Context, day string) (decimal.Decimal, error) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		`SELECT amount FROM daily_loss_counter WHERE day = ? AND expires_at > ?`,
		day, store.Timestamp(c.now()),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("guard: 查询日度亏损失败: %w", err)
	}
	return parseAmount(raw)
}

// Reset 清零当日计数。
func (c *SQLCounter) Reset(ctx context.Context, day string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM daily_loss_counter WHERE day = ?`, day); err != nil {
		return fmt.Errorf("guard: 清零日度亏损失败: %w", err)
	}
	return nil
}

func readAmount(ctx context.Context, tx *sql.Tx, day string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT amount FROM daily_loss_counter WHERE day = ?`, day).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("guard: 查询日度亏损失败: %w", err)
	}
	return parseAmount(raw)
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("guard: 解析日度亏损 %q 失败: %w", raw, err)
	}
	return d, nil
}
