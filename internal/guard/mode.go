package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"perp-pilot/internal/store"
)

// Mode 是人工可设置的交易模式。
type Mode string

const (
	ModeEnabled  Mode = "enabled"
	ModeExitOnly Mode = "exit_only"
	ModeBlocked  Mode = "blocked"
)

// ParseMode 解析模式名称。
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeEnabled, ModeExitOnly, ModeBlocked:
		return m, nil
	default:
		return "", fmt.Errorf("guard: 未知交易模式 %q", raw)
	}
}

// AllowsOpen 仅 enabled 允许开仓。
func (m Mode) AllowsOpen() bool { return m == ModeEnabled }

// AllowsClose enabled 与 exit_only 允许平仓。
func (m Mode) AllowsClose() bool { return m == ModeEnabled || m == ModeExitOnly }

// ModeRecord 为当前模式记录。
type ModeRecord struct {
	Mode      Mode      `json:"mode"`
	ChangedBy string    `json:"changed_by"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModeStore 持久化交易模式，表中始终只有一行。
type ModeStore struct {
	db     *sql.DB
	logger *zap.Logger
	sink   EventSink
	now    func() time.Time
}

// NewModeStore 创建模式存储。
func NewModeStore(db *sql.DB, sink EventSink, logger *zap.Logger) (*ModeStore, error) {
	if db == nil {
		return nil, errors.New("guard: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stmt := `
CREATE TABLE IF NOT EXISTS trading_mode (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	mode TEXT NOT NULL,
	changed_by TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("guard: 初始化交易模式表失败: %w", err)
	}
	return &ModeStore{db: db, logger: logger, sink: sink, now: time.Now}, nil
}

// Get 返回当前模式，不存在时写入默认 enabled 记录。
func (s *ModeStore) Get(ctx context.Context) (ModeRecord, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO trading_mode (id, mode, changed_by, reason, updated_at) VALUES (1, ?, 'system', '', ?)
		 ON CONFLICT(id) DO NOTHING`,
		string(ModeEnabled), store.Timestamp(s.now()),
	); err != nil {
		return ModeRecord{}, fmt.Errorf("guard: 初始化交易模式失败: %w", err)
	}

	var (
		rec     ModeRecord
		mode    string
		updated string
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT mode, changed_by, reason, updated_at FROM trading_mode WHERE id = 1`,
	).Scan(&mode, &rec.ChangedBy, &rec.Reason, &updated); err != nil {
		return ModeRecord{}, fmt.Errorf("guard: 读取交易模式失败: %w", err)
	}
	m, err := ParseMode(mode)
	if err != nil {
		return ModeRecord{}, err
	}
	rec.Mode = m
	if rec.UpdatedAt, err = store.ParseTimestamp(updated); err != nil {
		return ModeRecord{}, err
	}
	return rec, nil
}

// Set 更新模式。
func (s *ModeStore) Set(ctx context.Context, mode Mode, changedBy, reason string) (ModeRecord, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return ModeRecord{}, err
	}
	if changedBy == "" {
		changedBy = "operator"
	}
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO trading_mode (id, mode, changed_by, reason, updated_at) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET mode = excluded.mode, changed_by = excluded.changed_by,
		 reason = excluded.reason, updated_at = excluded.updated_at`,
		string(mode), changedBy, reason, store.Timestamp(now),
	); err != nil {
		return ModeRecord{}, fmt.Errorf("guard: 更新交易模式失败: %w", err)
	}

	rec := ModeRecord{Mode: mode, ChangedBy: changedBy, Reason: reason, UpdatedAt: now}
	s.logger.Warn("交易模式已变更", zap.String("mode", string(mode)), zap.String("changed_by", changedBy), zap.String("reason", reason))
	if s.sink != nil {
		s.sink.Emit(ctx, "mode_changed", rec)
	}
	return rec, nil
}
