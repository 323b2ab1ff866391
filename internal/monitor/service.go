package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-pilot/internal/store"
)

// Publisher 将事件广播给外部订阅者。
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// Service 负责持久化监控事件与审计记录。
type Service struct {
	db        *sql.DB
	publisher Publisher
	channel   string
	logger    *zap.Logger
	now       func() time.Time
}

// Option 定制监控服务。
type Option func(*Service)

// WithPublisher 在写库后同时发布到指定频道。
func WithPublisher(p Publisher, channel string) Option {
	return func(s *Service) {
		s.publisher = p
		s.channel = channel
	}
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(db *sql.DB, logger *zap.Logger, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("monitor: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:      db,
		channel: "events",
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ref_kind TEXT NOT NULL CHECK (ref_kind IN ('order', 'position')),
	ref_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ref ON audit_log(ref_kind, ref_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件并返回其 ID。
func (s *Service) Record(ctx context.Context, typ EventType, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(typ), string(raw), store.Timestamp(now),
	)
	if err != nil {
		return 0, fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("monitor: 获取事件ID失败: %w", err)
	}

	if s.publisher != nil {
		event := Event{ID: id, Type: typ, Timestamp: now, Payload: raw}
		if err := s.publisher.Publish(ctx, s.channel, event); err != nil {
			s.logger.Warn("发布监控事件失败", zap.String("type", string(typ)), zap.Error(err))
		}
	}
	return id, nil
}

// Emit 记录事件，失败只记日志。
func (s *Service) Emit(ctx context.Context, kind string, payload any) {
	if _, err := s.Record(ctx, EventType(kind), payload); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", kind), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, fields map[string]any) {
	payload := ErrorPayload{Message: msg, Context: fields}
	if err != nil {
		payload.Error = err.Error()
	}
	s.Emit(ctx, string(EventError), payload)
}

// ListEvents 按类型检索最近事件，eventType 为空时不过滤。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, payload, created_at FROM monitor_events`
	args := make([]any, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev      Event
			typ     string
			payload string
			created string
		)
		if err := rows.Scan(&ev.ID, &typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		if ev.Timestamp, err = store.ParseTimestamp(created); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}

// Audit 写入审计记录，失败只记日志。
func (s *Service) Audit(ctx context.Context, ref Ref, action string, detail any) {
	if err := s.AppendAudit(ctx, ref, action, detail); err != nil {
		s.logger.Warn("写入审计记录失败",
			zap.String("kind", string(ref.Kind)),
			zap.Int64("id", ref.ID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// AppendAudit 写入审计记录。
func (s *Service) AppendAudit(ctx context.Context, ref Ref, action string, detail any) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	raw := []byte{}
	if detail != nil {
		var err error
		if raw, err = json.Marshal(detail); err != nil {
			return fmt.Errorf("monitor: 序列化审计详情失败: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (ref_kind, ref_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(ref.Kind), ref.ID, action, string(raw), store.Timestamp(s.now()),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入审计记录失败: %w", err)
	}
	return nil
}

// AuditTrail 按时间顺序返回某实体的审计记录。
func (s *Service) AuditTrail(ctx context.Context, ref Ref) ([]AuditEntry, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, detail, created_at FROM audit_log WHERE ref_kind = ? AND ref_id = ? ORDER BY id`,
		string(ref.Kind), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询审计记录失败: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			entry   = AuditEntry{Ref: ref}
			detail  string
			created string
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &detail, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析审计记录失败: %w", err)
		}
		if detail != "" {
			entry.Detail = json.RawMessage(detail)
		}
		if entry.CreatedAt, err = store.ParseTimestamp(created); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
