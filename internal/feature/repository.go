package feature

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"perp-pilot/internal/store"
)

// ErrNotFound 表示没有可用的行情快照。
var ErrNotFound = errors.New("feature: 行情快照不存在")

// Repository 持久化行情快照。
type Repository struct {
	db *sql.DB
}

// NewRepository 创建行情快照仓储并初始化表结构。
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("feature: 数据库实例不能为空")
	}
	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS market_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			price REAL NOT NULL,
			change_24h REAL NOT NULL DEFAULT 0,
			rsi REAL NOT NULL DEFAULT 0,
			rsi_state TEXT NOT NULL DEFAULT '',
			atr REAL NOT NULL DEFAULT 0,
			atr_pct REAL NOT NULL DEFAULT 0,
			ema12 REAL NOT NULL DEFAULT 0,
			ema26 REAL NOT NULL DEFAULT 0,
			ema50 REAL NOT NULL DEFAULT 0,
			ema_alignment TEXT NOT NULL DEFAULT '',
			macd_histogram REAL NOT NULL DEFAULT 0,
			bollinger_position REAL NOT NULL DEFAULT 0,
			adx REAL NOT NULL DEFAULT 0,
			trend_strength TEXT NOT NULL DEFAULT '',
			volume_ratio REAL NOT NULL DEFAULT 0,
			volume_divergence TEXT NOT NULL DEFAULT '',
			support REAL NOT NULL DEFAULT 0,
			resistance REAL NOT NULL DEFAULT 0,
			order_book_imbalance REAL NOT NULL DEFAULT 0,
			order_flow TEXT NOT NULL DEFAULT '',
			spread REAL NOT NULL DEFAULT 0,
			session TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_market_snapshots_symbol_created ON market_snapshots(symbol, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("feature: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

const snapshotColumns = `id, symbol, price, change_24h, rsi, rsi_state, atr, atr_pct, ema12, ema26, ema50, ema_alignment,
	macd_histogram, bollinger_position, adx, trend_strength, volume_ratio, volume_divergence, support, resistance,
	order_book_imbalance, order_flow, spread, session, created_at`

// Insert 写入一条快照。
func (r *Repository) Insert(ctx context.Context, s *Snapshot) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.Symbol = strings.ToUpper(s.Symbol)
	res, err := r.db.ExecContext(ctx, `INSERT INTO market_snapshots (
			symbol, price, change_24h, rsi, rsi_state, atr, atr_pct, ema12, ema26, ema50, ema_alignment,
			macd_histogram, bollinger_position, adx, trend_strength, volume_ratio, volume_divergence, support,
			resistance, order_book_imbalance, order_flow, spread, session, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Symbol, s.Price, s.Change24h, s.RSI, s.RSIState, s.ATR, s.ATRPercent, s.EMA12, s.EMA26, s.EMA50,
		s.EMAAlignment, s.MACDHistogram, s.BollingerPosition, s.ADX, s.TrendStrength, s.VolumeRatio,
		s.VolumeDivergence, s.Support, s.Resistance, s.OrderBookImbalance, s.OrderFlow, s.Spread, s.Session,
		store.Timestamp(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("feature: 写入行情快照失败: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("feature: 获取快照ID失败: %w", err)
	}
	return nil
}

// Latest 返回品种最新快照。
func (r *Repository) Latest(ctx context.Context, symbol string) (Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM market_snapshots
		WHERE symbol = ? ORDER BY created_at DESC, id DESC LIMIT 1`, strings.ToUpper(symbol))
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return s, err
}

// LatestAll 返回每个品种的最新快照，按品种排序。
func (r *Repository) LatestAll(ctx context.Context) ([]Snapshot, error) {
	return r.query(ctx, `SELECT `+snapshotColumns+` FROM market_snapshots m
		WHERE id = (SELECT id FROM market_snapshots WHERE symbol = m.symbol ORDER BY created_at DESC, id DESC LIMIT 1)
		ORDER BY symbol`)
}

// History 返回 since 之后的快照，按时间升序。
func (r *Repository) History(ctx context.Context, symbol string, since time.Time) ([]Snapshot, error) {
	return r.query(ctx, `SELECT `+snapshotColumns+` FROM market_snapshots
		WHERE symbol = ? AND created_at >= ? ORDER BY created_at, id`,
		strings.ToUpper(symbol), store.Timestamp(since))
}

// Price 返回最新价格与采集时间。
func (r *Repository) Price(ctx context.Context, symbol string) (float64, time.Time, error) {
	s, err := r.Latest(ctx, symbol)
	if err != nil {
		return 0, time.Time{}, err
	}
	return s.Price, s.CreatedAt, nil
}

// Prune 删除 before 之前的快照，返回删除条数。
func (r *Repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM market_snapshots WHERE created_at < ?`, store.Timestamp(before))
	if err != nil {
		return 0, fmt.Errorf("feature: 清理行情快照失败: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("feature: 查询行情快照失败: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		s       Snapshot
		created string
	)
	err := row.Scan(&s.ID, &s.Symbol, &s.Price, &s.Change24h, &s.RSI, &s.RSIState, &s.ATR, &s.ATRPercent,
		&s.EMA12, &s.EMA26, &s.EMA50, &s.EMAAlignment, &s.MACDHistogram, &s.BollingerPosition, &s.ADX,
		&s.TrendStrength, &s.VolumeRatio, &s.VolumeDivergence, &s.Support, &s.Resistance,
		&s.OrderBookImbalance, &s.OrderFlow, &s.Spread, &s.Session, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("feature: 读取行情快照失败: %w", err)
	}
	if s.CreatedAt, err = store.ParseTimestamp(created); err != nil {
		return s, err
	}
	return s, nil
}
