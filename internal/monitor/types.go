package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventDecisionCreated EventType = "decision_created"
	EventDecisionUpdated EventType = "decision_updated"
	EventPositionOpened  EventType = "position_opened"
	EventPositionClosed  EventType = "position_closed"
	EventBreakerChanged  EventType = "breaker_changed"
	EventModeChanged     EventType = "mode_changed"
	EventCycleCompleted  EventType = "cycle_completed"
	EventError           EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        int64           `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrorPayload 记录异常信息。
type ErrorPayload struct {
	Message string         `json:"message"`
	Error   string         `json:"error"`
	Context map[string]any `json:"context,omitempty"`
}

// RefKind 为审计记录引用的实体类型。
type RefKind string

const (
	RefOrder    RefKind = "order"
	RefPosition RefKind = "position"
)

// Ref 指向一条订单或仓位记录。
type Ref struct {
	Kind RefKind `json:"kind"`
	ID   int64   `json:"id"`
}

// OrderRef 引用订单。
func OrderRef(id int64) Ref { return Ref{Kind: RefOrder, ID: id} }

// PositionRef 引用仓位。
func PositionRef(id int64) Ref { return Ref{Kind: RefPosition, ID: id} }

// Validate 检查引用类型与 ID。
func (r Ref) Validate() error {
	if r.Kind != RefOrder && r.Kind != RefPosition {
		return fmt.Errorf("monitor: 未知引用类型 %q", r.Kind)
	}
	if r.ID <= 0 {
		return fmt.Errorf("monitor: 引用ID非法: %d", r.ID)
	}
	return nil
}

// AuditEntry 是一条审计记录。
type AuditEntry struct {
	ID        int64           `json:"id"`
	Ref       Ref             `json:"ref"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
