package execution

import (
	"context"

	"perp-pilot/internal/decision"
	"perp-pilot/internal/guard"
	"perp-pilot/internal/monitor"
	"perp-pilot/internal/risk"
)

// Result 为单个决策的执行摘要。
type Result struct {
	DecisionID int64           `json:"decision_id"`
	Status     decision.Status `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	OrderID    int64           `json:"order_id,omitempty"`
	PositionID int64           `json:"position_id,omitempty"`
}

// Executed 判断决策是否已落地。
func (r Result) Executed() bool { return r.Status == decision.StatusExecuted }

type decisionStore interface {
	Transition(ctx context.Context, id int64, to decision.Status, reason string) error
}

type gate interface {
	CheckOpen(ctx context.Context) (guard.Permission, error)
	CheckClose(ctx context.Context) (guard.Permission, error)
}

type outcomeRecorder interface {
	RecordLoss(ctx context.Context, amount float64) (guard.BreakerState, error)
	RecordWin(ctx context.Context, amount float64) (guard.BreakerState, error)
}

type profileSource interface {
	Current(ctx context.Context) (risk.Profile, error)
}

type journal interface {
	Emit(ctx context.Context, kind string, payload any)
	Audit(ctx context.Context, ref monitor.Ref, action string, detail any)
}

type nopJournal struct{}

func (nopJournal) Emit(context.Context, string, any)               {}
func (nopJournal) Audit(context.Context, monitor.Ref, string, any) {}
