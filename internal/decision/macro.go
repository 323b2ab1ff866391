package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"perp-pilot/internal/store"
)

// MacroRepository 持久化日度宏观策略。
type MacroRepository struct {
	db *sql.DB
}

// NewMacroRepository 创建宏观策略仓储。
func NewMacroRepository(db *sql.DB) (*MacroRepository, error) {
	if db == nil {
		return nil, errors.New("decision: 数据库实例不能为空")
	}
	r := &MacroRepository{db: db}
	stmt := `
CREATE TABLE IF NOT EXISTS macro_strategies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	narrative TEXT NOT NULL,
	bias TEXT NOT NULL,
	risk_tolerance REAL NOT NULL,
	levels TEXT NOT NULL DEFAULT '{}',
	valid_until TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_macro_valid_until ON macro_strategies(valid_until);
`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("decision: 初始化宏观策略表失败: %w", err)
	}
	return r, nil
}

// Create 由提案生成策略，有效期为 createdAt + validity。
func (r *MacroRepository) Create(ctx context.Context, p MacroProposal, createdAt time.Time, validity time.Duration) (MacroStrategy, error) {
	levels := p.Levels
	if levels == nil {
		levels = map[string]Levels{}
	}
	payload, err := json.Marshal(levels)
	if err != nil {
		return MacroStrategy{}, fmt.Errorf("decision: 序列化支撑阻力位失败: %w", err)
	}

	m := MacroStrategy{
		Narrative:     p.Narrative,
		Bias:          p.Bias,
		RiskTolerance: p.RiskTolerance,
		Levels:        levels,
		ValidUntil:    createdAt.Add(validity).UTC(),
		CreatedAt:     createdAt.UTC(),
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO macro_strategies (narrative, bias, risk_tolerance, levels, valid_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.Narrative, string(m.Bias), m.RiskTolerance, string(payload),
		store.Timestamp(m.ValidUntil), store.Timestamp(m.CreatedAt),
	)
	if err != nil {
		return MacroStrategy{}, fmt.Errorf("decision: 写入宏观策略失败: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return MacroStrategy{}, fmt.Errorf("decision: 获取宏观策略ID失败: %w", err)
	}
	return m, nil
}

// Active 返回 now 时刻最近创建且未过期的策略，没有时返回 ErrNotFound。
func (r *MacroRepository) Active(ctx context.Context, now time.Time) (MacroStrategy, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, narrative, bias, risk_tolerance, levels, valid_until, created_at
		 FROM macro_strategies WHERE valid_until >= ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		store.Timestamp(now),
	)

	var (
		m                     MacroStrategy
		bias, levels          string
		validUntil, createdAt string
	)
	if err := row.Scan(&m.ID, &m.Narrative, &bias, &m.RiskTolerance, &levels, &validUntil, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MacroStrategy{}, ErrNotFound
		}
		return MacroStrategy{}, fmt.Errorf("decision: 查询宏观策略失败: %w", err)
	}
	m.Bias = Bias(bias)
	if err := json.Unmarshal([]byte(levels), &m.Levels); err != nil {
		return MacroStrategy{}, fmt.Errorf("decision: 解析支撑阻力位失败: %w", err)
	}
	var err error
	if m.ValidUntil, err = store.ParseTimestamp(validUntil); err != nil {
		return MacroStrategy{}, err
	}
	if m.CreatedAt, err = store.ParseTimestamp(createdAt); err != nil {
		return MacroStrategy{}, err
	}
	return m, nil
}

// NeedsRefresh 判断 now 时刻是否缺少有效策略。
func (r *MacroRepository) NeedsRefresh(ctx context.Context, now time.Time) (bool, error) {
	_, err := r.Active(ctx, now)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, ErrNotFound):
		return true, nil
	default:
		return false, err
	}
}
