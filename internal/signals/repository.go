package signals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"perp-pilot/internal/store"
)

// ErrNotFound 表示没有对应记录。
var ErrNotFound = errors.New("signals: 记录不存在")

// Repository 读写外部采集的情绪、预测、新闻与大额转账记录。
type Repository struct {
	db *sql.DB
}

// NewRepository 创建仓储并初始化表结构。
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("signals: 数据库实例不能为空")
	}
	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sentiment_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL DEFAULT '',
			fear_greed INTEGER NOT NULL,
			classification TEXT NOT NULL DEFAULT '',
			social_score REAL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sentiment_symbol_created ON sentiment_snapshots(symbol, created_at);`,
		`CREATE TABLE IF NOT EXISTS forecasts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			predicted_price REAL NOT NULL,
			change_pct REAL NOT NULL DEFAULT 0,
			confidence REAL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_forecasts_symbol_tf ON forecasts(symbol, timeframe, created_at);`,
		`CREATE TABLE IF NOT EXISTS news_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			sentiment TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			published_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_news_published ON news_items(published_at);`,
		`CREATE TABLE IF NOT EXISTS whale_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			amount REAL NOT NULL,
			amount_usd REAL NOT NULL,
			from_owner TEXT NOT NULL DEFAULT '',
			to_owner TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_whale_symbol_created ON whale_alerts(symbol, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("signals: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// InsertSentiment 写入情绪快照。
func (r *Repository) InsertSentiment(ctx context.Context, s Sentiment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sentiment_snapshots (symbol, fear_greed, classification, social_score, created_at) VALUES (?, ?, ?, ?, ?)`,
		strings.ToUpper(s.Symbol), s.FearGreed, s.Classification, store.NullableFloat(s.SocialScore), store.Timestamp(orNow(s.CreatedAt)))
	if err != nil {
		return fmt.Errorf("signals: 写入情绪快照失败: %w", err)
	}
	return nil
}

// LatestSentiment 优先返回品种自身的最新情绪，缺失时回落到全市场指标。
func (r *Repository) LatestSentiment(ctx context.Context, symbol string) (Sentiment, error) {
	var (
		s       Sentiment
		social  sql.NullFloat64
		created string
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, symbol, fear_greed, classification, social_score, created_at
		FROM sentiment_snapshots WHERE symbol IN (?, '')
		ORDER BY CASE WHEN symbol = '' THEN 1 ELSE 0 END, created_at DESC, id DESC LIMIT 1`,
		strings.ToUpper(symbol)).Scan(&s.ID, &s.Symbol, &s.FearGreed, &s.Classification, &social, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Sentiment{}, ErrNotFound
	}
	if err != nil {
		return Sentiment{}, fmt.Errorf("signals: 查询情绪快照失败: %w", err)
	}
	s.SocialScore = store.FloatPtr(social)
	if s.CreatedAt, err = store.ParseTimestamp(created); err != nil {
		return Sentiment{}, err
	}
	return s, nil
}

// InsertForecast 写入价格预测。
func (r *Repository) InsertForecast(ctx context.Context, f Forecast) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO forecasts (symbol, timeframe, predicted_price, change_pct, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(f.Symbol), f.Timeframe, f.PredictedPrice, f.ChangePct, store.NullableFloat(f.Confidence),
		store.Timestamp(orNow(f.CreatedAt)))
	if err != nil {
		return fmt.Errorf("signals: 写入价格预测失败: %w", err)
	}
	return nil
}

// ForecastsByTimeframe 返回品种在每个预测周期上的最新预测。
func (r *Repository) ForecastsByTimeframe(ctx context.Context, symbol string) (map[string]Forecast, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, symbol, timeframe, predicted_price, change_pct, confidence, created_at
		FROM forecasts f WHERE symbol = ? AND id = (
			SELECT id FROM forecasts WHERE symbol = f.symbol AND timeframe = f.timeframe
			ORDER BY created_at DESC, id DESC LIMIT 1)`, strings.ToUpper(symbol))
	if err != nil {
		return nil, fmt.Errorf("signals: 查询价格预测失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Forecast)
	for rows.Next() {
		var (
			f       Forecast
			conf    sql.NullFloat64
			created string
		)
		if err := rows.Scan(&f.ID, &f.Symbol, &f.Timeframe, &f.PredictedPrice, &f.ChangePct, &conf, &created); err != nil {
			return nil, fmt.Errorf("signals: 读取价格预测失败: %w", err)
		}
		f.Confidence = store.FloatPtr(conf)
		if f.CreatedAt, err = store.ParseTimestamp(created); err != nil {
			return nil, err
		}
		out[f.Timeframe] = f
	}
	return out, rows.Err()
}

// InsertNews 写入新闻。
func (r *Repository) InsertNews(ctx context.Context, n NewsItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO news_items (symbol, title, source, sentiment, url, published_at) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(n.Symbol), n.Title, n.Source, n.Sentiment, n.URL, store.Timestamp(orNow(n.PublishedAt)))
	if err != nil {
		return fmt.Errorf("signals: 写入新闻失败: %w", err)
	}
	return nil
}

// RecentNews 返回与品种相关（含未标注品种）的最新新闻。
func (r *Repository) RecentNews(ctx context.Context, symbol string, limit int) ([]NewsItem, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, symbol, title, source, sentiment, url, published_at
		FROM news_items WHERE symbol IN (?, '') ORDER BY published_at DESC, id DESC LIMIT ?`,
		strings.ToUpper(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("signals: 查询新闻失败: %w", err)
	}
	defer rows.Close()

	var out []NewsItem
	for rows.Next() {
		var (
			n         NewsItem
			published string
		)
		if err := rows.Scan(&n.ID, &n.Symbol, &n.Title, &n.Source, &n.Sentiment, &n.URL, &published); err != nil {
			return nil, fmt.Errorf("signals: 读取新闻失败: %w", err)
		}
		if n.PublishedAt, err = store.ParseTimestamp(published); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertWhaleAlert 写入大额转账。
func (r *Repository) InsertWhaleAlert(ctx context.Context, w WhaleAlert) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO whale_alerts (symbol, amount, amount_usd, from_owner, to_owner, tx_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(w.Symbol), w.Amount, w.AmountUSD, w.From, w.To, w.TxHash, store.Timestamp(orNow(w.CreatedAt)))
	if err != nil {
		return fmt.Errorf("signals: 写入大额转账失败: %w", err)
	}
	return nil
}

// RecentWhaleAlerts 返回品种最新的大额转账。
func (r *Repository) RecentWhaleAlerts(ctx context.Context, symbol string, limit int) ([]WhaleAlert, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, symbol, amount, amount_usd, from_owner, to_owner, tx_hash, created_at
		FROM whale_alerts WHERE symbol = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		strings.ToUpper(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("signals: 查询大额转账失败: %w", err)
	}
	defer rows.Close()

	var out []WhaleAlert
	for rows.Next() {
		var (
			w       WhaleAlert
			created string
		)
		if err := rows.Scan(&w.ID, &w.Symbol, &w.Amount, &w.AmountUSD, &w.From, &w.To, &w.TxHash, &created); err != nil {
			return nil, fmt.Errorf("signals: 读取大额转账失败: %w", err)
		}
		if w.CreatedAt, err = store.ParseTimestamp(created); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
