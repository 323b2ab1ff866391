package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"perp-pilot/internal/store"
)

// Profile 是一组可切换的风险参数。
type Profile struct {
	Name             string  `json:"name"`
	RSIOversold      float64 `json:"rsi_oversold"`
	RSIOverbought    float64 `json:"rsi_overbought"`
	MinConfidence    float64 `json:"min_confidence"`
	DefaultLeverage  int     `json:"default_leverage"`
	MaxOpenPositions int     `json:"max_open_positions"`
}

const (
	ProfileCautious = "cautious"
	ProfileModerate = "moderate"
	ProfileFearless = "fearless"
)

var profiles = map[string]Profile{
	ProfileCautious: {Name: ProfileCautious, RSIOversold: 25, RSIOverbought: 75, MinConfidence: 0.75, DefaultLeverage: 2, MaxOpenPositions: 2},
	ProfileModerate: {Name: ProfileModerate, RSIOversold: 30, RSIOverbought: 70, MinConfidence: 0.60, DefaultLeverage: 3, MaxOpenPositions: 3},
	ProfileFearless: {Name: ProfileFearless, RSIOversold: 35, RSIOverbought: 65, MinConfidence: 0.45, DefaultLeverage: 5, MaxOpenPositions: 5},
}

// LookupProfile 按名称查找参数集。
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("risk: 未知风险档位 %q", name)
	}
	return p, nil
}

// ProfileRepository 持久化当前风险档位，表中始终只有一行。
type ProfileRepository struct {
	db       *sql.DB
	fallback string
	now      func() time.Time
}

// NewProfileRepository 创建档位仓储，fallback 为首次读取时写入的默认档位。
func NewProfileRepository(db *sql.DB, fallback string) (*ProfileRepository, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if _, err := LookupProfile(fallback); err != nil {
		return nil, err
	}
	stmt := `
CREATE TABLE IF NOT EXISTS risk_profile (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	name TEXT NOT NULL,
	changed_by TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("risk: 初始化档位表失败: %w", err)
	}
	return &ProfileRepository{db: db, fallback: strings.ToLower(fallback), now: time.Now}, nil
}

// Current 返回当前档位，不存在时写入默认档位。
func (r *ProfileRepository) Current(ctx context.Context) (Profile, error) {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO risk_profile (id, name, changed_by, updated_at) VALUES (1, ?, 'system', ?)
		 ON CONFLICT(id) DO NOTHING`,
		r.fallback, store.Timestamp(r.now()),
	); err != nil {
		return Profile{}, fmt.Errorf("risk: 初始化默认档位失败: %w", err)
	}

	var name string
	if err := r.db.QueryRowContext(ctx, `SELECT name FROM risk_profile WHERE id = 1`).Scan(&name); err != nil {
		return Profile{}, fmt.Errorf("risk: 读取风险档位失败: %w", err)
	}
	return LookupProfile(name)
}

// Set 切换档位。
func (r *ProfileRepository) Set(ctx context.Context, name, changedBy string) (Profile, error) {
	p, err := LookupProfile(name)
	if err != nil {
		return Profile{}, err
	}
	if changedBy == "" {
		changedBy = "operator"
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO risk_profile (id, name, changed_by, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, changed_by = excluded.changed_by, updated_at = excluded.updated_at`,
		p.Name, changedBy, store.Timestamp(r.now()),
	); err != nil {
		return Profile{}, fmt.Errorf("risk: 更新风险档位失败: %w", err)
	}
	return p, nil
}
