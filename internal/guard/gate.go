package guard

import (
	"context"
	"fmt"
)

// Permission 为闸门检查结果。
type Permission struct {
	Allowed bool
	Reason  string
}

// Gate 组合熔断器与交易模式：开仓需两者同时放行，平仓只看模式。
type Gate struct {
	breaker *Breaker
	modes   *ModeStore
}

// NewGate 创建闸门。
func NewGate(breaker *Breaker, modes *ModeStore) *Gate {
	return &Gate{breaker: breaker, modes: modes}
}

// CheckOpen 每次开仓前读取最新状态。
func (g *Gate) CheckOpen(ctx context.Context) (Permission, error) {
	rec, err := g.modes.Get(ctx)
	if err != nil {
		return Permission{}, err
	}
	if !rec.Mode.AllowsOpen() {
		return Permission{Reason: fmt.Sprintf("trading mode %s does not allow opening positions", rec.Mode)}, nil
	}

	state, err := g.breaker.Status(ctx)
	if err != nil {
		return Permission{}, err
	}
	if !state.TradingAllowed {
		return Permission{Reason: state.TriggerReason}, nil
	}
	return Permission{Allowed: true}, nil
}

// CheckClose 仅检查交易模式。
func (g *Gate) CheckClose(ctx context.Context) (Permission, error) {
	rec, err := g.modes.Get(ctx)
	if err != nil {
		return Permission{}, err
	}
	if !rec.Mode.AllowsClose() {
		return Permission{Reason: fmt.Sprintf("trading mode %s does not allow closing positions", rec.Mode)}, nil
	}
	return Permission{Allowed: true}, nil
}

// Breaker 返回熔断器。
func (g *Gate) Breaker() *Breaker { return g.breaker }

// Modes 返回模式存储。
func (g *Gate) Modes() *ModeStore { return g.modes }
