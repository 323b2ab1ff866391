package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/ai"
	"perp-pilot/internal/config"
	"perp-pilot/internal/decision"
	"perp-pilot/internal/execution"
	"perp-pilot/internal/feature"
	"perp-pilot/internal/guard"
	"perp-pilot/internal/marketctx"
	"perp-pilot/internal/position"
	"perp-pilot/internal/risk"
)

type stubGate struct{ perm guard.Permission }

func (g stubGate) CheckOpen(context.Context) (guard.Permission, error) { return g.perm, nil }

type stubContext struct {
	atrPct  map[string]float64
	missing map[string]bool
}

func (s stubContext) Assemble(_ context.Context, symbol string) (marketctx.Bundle, error) {
	if s.missing[symbol] {
		return marketctx.Bundle{}, feature.ErrNotFound
	}
	return marketctx.Bundle{
		Symbol: symbol,
		Market: feature.Snapshot{Symbol: symbol, Price: 100, ATR: s.atrPct[symbol], ATRPercent: s.atrPct[symbol]},
	}, nil
}

func (s stubContext) AssembleMacro(context.Context) (marketctx.MacroBundle, error) {
	return marketctx.MacroBundle{Days: 7}, nil
}

type queueJudge struct {
	responses []ai.Response
	calls     int
}

func (j *queueJudge) Generate(context.Context, string, string) ai.Response {
	j.calls++
	if len(j.responses) == 0 {
		return ai.Response{Outcome: ai.OutcomeEmpty}
	}
	next := j.responses[0]
	j.responses = j.responses[1:]
	return next
}

type memoryDecisions struct {
	rows map[int64]*decision.TradingDecision
	next int64
}

func (m *memoryDecisions) Create(_ context.Context, d *decision.TradingDecision) error {
	if m.rows == nil {
		m.rows = map[int64]*decision.TradingDecision{}
	}
	m.next++
	d.ID = m.next
	if d.Status == "" {
		d.Status = decision.StatusPending
	}
	cp := *d
	m.rows[d.ID] = &cp
	return nil
}

func (m *memoryDecisions) Transition(_ context.Context, id int64, to decision.Status, reason string) error {
	d, ok := m.rows[id]
	if !ok {
		return decision.ErrNotFound
	}
	if !d.Status.CanTransition(to) {
		return decision.ErrStaleStatus
	}
	d.Status = to
	d.RejectionReason = reason
	return nil
}

type stubMacro struct {
	stale   bool
	created []decision.MacroProposal
}

func (s *stubMacro) NeedsRefresh(context.Context, time.Time) (bool, error) { return s.stale, nil }

func (s *stubMacro) Create(_ context.Context, p decision.MacroProposal, createdAt time.Time, validity time.Duration) (decision.MacroStrategy, error) {
	s.created = append(s.created, p)
	return decision.MacroStrategy{ID: int64(len(s.created)), Bias: p.Bias, ValidUntil: createdAt.Add(validity)}, nil
}

type stubProfiles struct{}

func (stubProfiles) Current(context.Context) (risk.Profile, error) {
	return risk.LookupProfile(risk.ProfileModerate)
}

type recordingExecutor struct {
	seen []decision.TradingDecision
}

func (r *recordingExecutor) Execute(_ context.Context, d decision.TradingDecision) (execution.Result, error) {
	r.seen = append(r.seen, d)
	return execution.Result{DecisionID: d.ID, Status: decision.StatusExecuted}, nil
}

type recordingEvents struct{ kinds []string }

func (r *recordingEvents) Emit(_ context.Context, kind string, _ any) { r.kinds = append(r.kinds, kind) }

type stubReconciler struct{ calls int }

func (s *stubReconciler) Reconcile(context.Context) (position.ReconcileReport, error) {
	s.calls++
	return position.ReconcileReport{}, nil
}

type harness struct {
	judge     *queueJudge
	decisions *memoryDecisions
	macro     *stubMacro
	executor  *recordingExecutor
	events    *recordingEvents
	recon     *stubReconciler
	orch      *Orchestrator
}

func newHarness(t *testing.T, perm guard.Permission, ctxSrc stubContext, responses ...ai.Response) *harness {
	t.Helper()
	h := &harness{
		judge:     &queueJudge{responses: responses},
		decisions: &memoryDecisions{},
		macro:     &stubMacro{},
		executor:  &recordingExecutor{},
		events:    &recordingEvents{},
		recon:     &stubReconciler{},
	}
	orch, err := NewOrchestrator(CycleDeps{
		Gate:       stubGate{perm: perm},
		Reconciler: h.recon,
		Context:    ctxSrc,
		Judge:      h.judge,
		Decisions:  h.decisions,
		Macro:      h.macro,
		Profiles:   stubProfiles{},
		Executor:   h.executor,
		Events:     h.events,
	}, []string{"BTC", "ETH"}, config.RiskConfig{
		MaxLeverage:         5,
		MaxPositionFraction: 0.25,
		MinRiskReward:       1.5,
		EnforceRiskReward:   true,
	}, 24*time.Hour, 12*time.Minute, nil)
	require.NoError(t, err)
	orch.newID = func() string { return "cycle-1" }
	h.orch = orch
	return h
}

var allowed = guard.Permission{Allowed: true}

func ok(text string) ai.Response { return ai.Response{Outcome: ai.OutcomeOK, Text: text} }

const btcOpen = `{"operation":"open","symbol":"BTC","direction":"long","confidence":0.8,"leverage":3,
"position_size":0.1,"stop_loss":95,"take_profit":110,"reasoning":"breakout"}`

const ethHold = "```json\n{\"operation\":\"hold\",\"symbol\":\"ETH\",\"confidence\":0.5,\"reasoning\":\"range\"}\n```"

func TestRunCycleAbortsWhenGateBlocks(t *testing.T) {
	h := newHarness(t, guard.Permission{Reason: "circuit breaker active until 2026-05-01T04:00:00Z"}, stubContext{})

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Contains(t, report.Reason, "circuit breaker")
	assert.Zero(t, h.judge.calls)
	assert.Zero(t, h.recon.calls)
	assert.Equal(t, 12*time.Minute, report.NextInterval)
}

func TestRunCycleExecutesApprovedDecisions(t *testing.T) {
	h := newHarness(t, allowed, stubContext{atrPct: map[string]float64{"BTC": 2.4, "ETH": 0.6}}, ok(btcOpen), ok(ethHold))

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Aborted)
	assert.Equal(t, 1, h.recon.calls)
	require.Len(t, report.Results, 2)
	require.Len(t, h.executor.seen, 2)

	btc := h.executor.seen[0]
	assert.Equal(t, "cycle-1", btc.CycleID)
	assert.Equal(t, decision.OperationOpen, btc.Operation)
	assert.Equal(t, risk.ProfileModerate, btc.RiskProfile)
	assert.Equal(t, decision.VolatilityHigh, btc.Volatility)
	assert.Equal(t, 6*time.Minute, btc.NextCycleInterval)
	assert.Equal(t, btcOpen, btc.RawResponse)

	eth := h.executor.seen[1]
	assert.Equal(t, decision.OperationHold, eth.Operation)
	assert.Equal(t, decision.VolatilityLow, eth.Volatility)

	assert.Equal(t, 6*time.Minute, report.NextInterval, "取各品种最短间隔")
	assert.Contains(t, h.events.kinds, "decision_created")
	assert.Equal(t, "cycle_completed", h.events.kinds[len(h.events.kinds)-1])
}

func TestRunCycleRateLimitDegradesToHold(t *testing.T) {
	h := newHarness(t, allowed, stubContext{},
		ai.Response{Outcome: ai.OutcomeRateLimited, Err: errors.New("429")},
		ok(ethHold),
	)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	btc := h.decisions.rows[report.Results[0].DecisionID]
	assert.Equal(t, decision.OperationHold, btc.Operation)
	assert.Equal(t, decision.StatusRejected, btc.Status)
	assert.Equal(t, "judgment unavailable (rate_limited)", btc.RejectionReason)

	require.Len(t, h.executor.seen, 1, "限流只影响当前品种")
	assert.Equal(t, "ETH", h.executor.seen[0].Symbol)
}

func TestRunCycleValidationFailureRecordsViolations(t *testing.T) {
	h := newHarness(t, allowed, stubContext{},
		ok(`{"operation":"open","symbol":"BTC","confidence":0.9}`),
		ok(ethHold),
	)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	btc := h.decisions.rows[report.Results[0].DecisionID]
	assert.Equal(t, decision.StatusRejected, btc.Status)
	assert.Contains(t, btc.RejectionReason, "validation failed")
	assert.Contains(t, btc.RejectionReason, "direction is required when operation is open")
	assert.Contains(t, btc.RejectionReason, "stop_loss is required when operation is open")
}

func TestRunCycleRiskRejectionSkipsExecution(t *testing.T) {
	over := `{"operation":"open","symbol":"BTC","direction":"short","confidence":0.9,"leverage":8,"stop_loss":105,"take_profit":90}`
	h := newHarness(t, allowed, stubContext{}, ok(over), ok(ethHold))

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, decision.StatusRejected, report.Results[0].Status)
	assert.Equal(t, "leverage 8 exceeds maximum 5", report.Results[0].Reason)
	require.Len(t, h.executor.seen, 1)
	assert.Equal(t, "ETH", h.executor.seen[0].Symbol)
}

func TestRunCycleMissingContextRecordsHold(t *testing.T) {
	h := newHarness(t, allowed, stubContext{missing: map[string]bool{"BTC": true}}, ok(ethHold))

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Contains(t, report.Results[0].Reason, "market context unavailable")
	assert.Equal(t, 1, h.judge.calls)
}

func TestRunCycleConfigErrorAbortsCycle(t *testing.T) {
	h := newHarness(t, allowed, stubContext{}, ai.Response{Outcome: ai.OutcomeConfigError, Err: errors.New("401")})

	report, err := h.orch.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrJudgmentConfig)
	assert.True(t, report.Aborted)
	assert.Equal(t, 1, h.judge.calls)
	assert.Empty(t, h.executor.seen)
}

func TestRunCycleRefreshesStaleMacro(t *testing.T) {
	macro := `{"narrative":"risk-on across majors","bias":"bullish","risk_tolerance":0.6}`
	h := newHarness(t, allowed, stubContext{}, ok(macro), ok(`{"operation":"hold","symbol":"BTC","confidence":0.4}`), ok(ethHold))
	h.macro.stale = true

	_, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.macro.created, 1)
	assert.Equal(t, decision.BiasBullish, h.macro.created[0].Bias)
	assert.Equal(t, 3, h.judge.calls)
}

func TestRefreshMacroSkipsFreshStrategy(t *testing.T) {
	h := newHarness(t, allowed, stubContext{})

	refreshed, err := h.orch.RefreshMacro(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Zero(t, h.judge.calls)
}

func TestClassifyVolatility(t *testing.T) {
	cases := []struct {
		atrPct   float64
		level    decision.VolatilityLevel
		interval time.Duration
	}{
		{3.0, decision.VolatilityVeryHigh, 3 * time.Minute},
		{5.2, decision.VolatilityVeryHigh, 3 * time.Minute},
		{2.0, decision.VolatilityHigh, 6 * time.Minute},
		{1.99, decision.VolatilityMedium, 12 * time.Minute},
		{1.0, decision.VolatilityMedium, 12 * time.Minute},
		{0.99, decision.VolatilityLow, 25 * time.Minute},
		{0, decision.VolatilityLow, 25 * time.Minute},
	}
	for _, tc := range cases {
		level, interval := ClassifyVolatility(tc.atrPct)
		assert.Equal(t, tc.level, level, "atr%%=%v", tc.atrPct)
		assert.Equal(t, tc.interval, interval, "atr%%=%v", tc.atrPct)
	}
}
