package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perp-pilot/internal/ai"
	"perp-pilot/internal/config"
	"perp-pilot/internal/decision"
	"perp-pilot/internal/execution"
	"perp-pilot/internal/guard"
	"perp-pilot/internal/marketctx"
	"perp-pilot/internal/monitor"
	"perp-pilot/internal/position"
	"perp-pilot/internal/risk"
)

type openGate interface {
	CheckOpen(ctx context.Context) (guard.Permission, error)
}

type reconciler interface {
	Reconcile(ctx context.Context) (position.ReconcileReport, error)
}

type contextAssembler interface {
	Assemble(ctx context.Context, symbol string) (marketctx.Bundle, error)
	AssembleMacro(ctx context.Context) (marketctx.MacroBundle, error)
}

type judge interface {
	Generate(ctx context.Context, system, user string) ai.Response
}

type decisionStore interface {
	Create(ctx context.Context, d *decision.TradingDecision) error
	Transition(ctx context.Context, id int64, to decision.Status, reason string) error
}

type macroStore interface {
	NeedsRefresh(ctx context.Context, now time.Time) (bool, error)
	Create(ctx context.Context, p decision.MacroProposal, createdAt time.Time, validity time.Duration) (decision.MacroStrategy, error)
}

type profileSource interface {
	Current(ctx context.Context) (risk.Profile, error)
}

type decisionExecutor interface {
	Execute(ctx context.Context, d decision.TradingDecision) (execution.Result, error)
}

type eventSink interface {
	Emit(ctx context.Context, kind string, payload any)
}

// ErrJudgmentConfig 表示判断服务配置错误，周期无法继续。
var ErrJudgmentConfig = errors.New("app: 判断服务配置错误")

// CycleDeps 汇总交易周期的依赖。
type CycleDeps struct {
	Gate       openGate
	Reconciler reconciler
	Context    contextAssembler
	Judge      judge
	Decisions  decisionStore
	Macro      macroStore
	Profiles   profileSource
	Executor   decisionExecutor
	Events     eventSink
}

// CycleReport 为一次交易周期的摘要。
type CycleReport struct {
	CycleID      string             `json:"cycle_id"`
	Aborted      bool               `json:"aborted"`
	Reason       string             `json:"reason,omitempty"`
	Results      []execution.Result `json:"results"`
	NextInterval time.Duration      `json:"next_interval"`
}

// Orchestrator 串联门禁、对账、宏观刷新与逐品种的判断、风控、执行。
type Orchestrator struct {
	deps          CycleDeps
	symbols       []string
	risk          config.RiskConfig
	macroValidity time.Duration
	fallback      time.Duration
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
}

// NewOrchestrator 创建周期编排器；fallback 为无法得出波动等级时的下次间隔。
func NewOrchestrator(deps CycleDeps, symbols []string, riskCfg config.RiskConfig, macroValidity, fallback time.Duration, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Gate == nil || deps.Context == nil || deps.Judge == nil || deps.Decisions == nil ||
		deps.Profiles == nil || deps.Executor == nil {
		return nil, errors.New("app: 周期依赖不完整")
	}
	if len(symbols) == 0 {
		return nil, errors.New("app: 交易品种不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback <= 0 {
		fallback = 12 * time.Minute
	}
	if macroValidity <= 0 {
		macroValidity = 24 * time.Hour
	}
	return &Orchestrator{
		deps:          deps,
		symbols:       symbols,
		risk:          riskCfg,
		macroValidity: macroValidity,
		fallback:      fallback,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

// RunCycle 执行一次完整交易周期。单品种失败不影响其他品种，仅存储异常与配置错误返回 error。
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{CycleID: o.newID(), NextInterval: o.fallback}
	logger := o.logger.With(zap.String("cycle_id", report.CycleID))

	perm, err := o.deps.Gate.CheckOpen(ctx)
	if err != nil {
		return report, fmt.Errorf("app: 读取交易门禁失败: %w", err)
	}
	if !perm.Allowed {
		report.Aborted = true
		report.Reason = perm.Reason
		logger.Warn("交易门禁未放行，跳过本周期", zap.String("reason", perm.Reason))
		o.emitCycle(ctx, report)
		return report, nil
	}

	if o.deps.Reconciler != nil {
		rec, err := o.deps.Reconciler.Reconcile(ctx)
		if err != nil {
			logger.Warn("持仓对账失败", zap.Error(err))
		} else if rec != (position.ReconcileReport{}) {
			logger.Info("持仓对账完成",
				zap.Int("adopted", rec.Adopted),
				zap.Int("closed", rec.Closed),
				zap.Int("synced", rec.Synced),
			)
		}
	}

	if _, err := o.RefreshMacro(ctx, false); err != nil {
		logger.Warn("宏观策略刷新失败，本周期以无宏观上下文继续", zap.Error(err))
	}

	profile, err := o.deps.Profiles.Current(ctx)
	if err != nil {
		return report, fmt.Errorf("app: 读取风险档位失败: %w", err)
	}

	var next time.Duration
	for _, symbol := range o.symbols {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, interval, err := o.runSymbol(ctx, report.CycleID, symbol, profile)
		if err != nil {
			if errors.Is(err, ErrJudgmentConfig) {
				report.Aborted = true
				report.Reason = err.Error()
				return report, err
			}
			logger.Error("品种处理失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		report.Results = append(report.Results, res)
		if interval > 0 && (next == 0 || interval < next) {
			next = interval
		}
	}
	if next > 0 {
		report.NextInterval = next
	}

	logger.Info("交易周期完成",
		zap.Int("decisions", len(report.Results)),
		zap.Duration("next_interval", report.NextInterval),
	)
	o.emitCycle(ctx, report)
	return report, nil
}

func (o *Orchestrator) runSymbol(ctx context.Context, cycleID, symbol string, profile risk.Profile) (execution.Result, time.Duration, error) {
	logger := o.logger.With(zap.String("cycle_id", cycleID), zap.String("symbol", symbol))

	bundle, err := o.deps.Context.Assemble(ctx, symbol)
	if err != nil {
		logger.Warn("上下文组装失败，记录观望", zap.Error(err))
		d := decision.Hold(symbol, "market context unavailable")
		return o.rejectHold(ctx, cycleID, profile, d, fmt.Sprintf("market context unavailable: %v", err))
	}

	level, interval := ClassifyVolatility(bundle.Market.ATRPercent)

	prompt, err := ai.BuildTradingPrompt(bundle, profile, ai.Limits{
		MaxLeverage:         o.risk.MaxLeverage,
		MaxPositionFraction: o.risk.MaxPositionFraction,
		MinRiskReward:       o.risk.MinRiskReward,
	}, o.symbols)
	if err != nil {
		return execution.Result{}, interval, err
	}

	resp := o.deps.Judge.Generate(ctx, prompt.System, prompt.User)
	annotate := func(d *decision.TradingDecision) {
		d.CycleID = cycleID
		d.RiskProfile = profile.Name
		d.Volatility = level
		d.ATR = bundle.Market.ATR
		d.ATRPercent = bundle.Market.ATRPercent
		d.NextCycleInterval = interval
		d.RawResponse = resp.Text
	}

	switch resp.Outcome {
	case ai.OutcomeOK:
	case ai.OutcomeConfigError:
		return execution.Result{}, interval, fmt.Errorf("%w: %v", ErrJudgmentConfig, resp.Err)
	default:
		logger.Warn("判断服务不可用，记录观望", zap.String("outcome", string(resp.Outcome)), zap.Error(resp.Err))
		d := decision.Hold(symbol, "judgment unavailable")
		annotate(&d)
		res, _, err := o.persistRejected(ctx, d, fmt.Sprintf("judgment unavailable (%s)", resp.Outcome))
		return res, interval, err
	}

	proposal, err := decision.ParseTrading(resp.Text, o.symbols)
	if err != nil {
		var verr *decision.ValidationError
		if !errors.As(err, &verr) {
			return execution.Result{}, interval, err
		}
		logger.Warn("判断结果未通过校验", zap.Strings("violations", decision.Messages(err)))
		d := decision.Hold(symbol, "judgment failed validation")
		annotate(&d)
		res, _, err := o.persistRejected(ctx, d, "validation failed: "+strings.Join(decision.Messages(err), "; "))
		return res, interval, err
	}
	if proposal.Symbol != symbol {
		logger.Warn("判断结果品种与请求不符", zap.String("got", proposal.Symbol))
		d := decision.Hold(symbol, "judgment symbol mismatch")
		annotate(&d)
		res, _, err := o.persistRejected(ctx, d, fmt.Sprintf("symbol mismatch: requested %s got %s", symbol, proposal.Symbol))
		return res, interval, err
	}

	d := decision.FromProposal(proposal)
	annotate(&d)
	if err := o.deps.Decisions.Create(ctx, &d); err != nil {
		return execution.Result{}, interval, err
	}
	o.emit(ctx, monitor.EventDecisionCreated, d)

	if d.Operation == decision.OperationOpen {
		verdict := risk.NewManager(o.risk, profile, o.logger).Validate(d, bundle.Market.Price)
		if !verdict.Approved {
			logger.Info("风控拒绝", zap.String("reason", verdict.Reason))
			res := execution.Result{DecisionID: d.ID, Status: decision.StatusRejected, Reason: verdict.Reason}
			if err := o.deps.Decisions.Transition(ctx, d.ID, decision.StatusRejected, verdict.Reason); err != nil {
				return res, interval, err
			}
			o.emit(ctx, monitor.EventDecisionUpdated, res)
			return res, interval, nil
		}
		if verdict.Advisory != "" {
			logger.Warn("风控提示", zap.String("advisory", verdict.Advisory))
		}
	}

	res, err := o.deps.Executor.Execute(ctx, d)
	if err != nil {
		return res, interval, err
	}
	logger.Info("决策处理完成",
		zap.Int64("decision_id", d.ID),
		zap.String("operation", string(d.Operation)),
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason),
	)
	return res, interval, nil
}

func (o *Orchestrator) rejectHold(ctx context.Context, cycleID string, profile risk.Profile, d decision.TradingDecision, reason string) (execution.Result, time.Duration, error) {
	d.CycleID = cycleID
	d.RiskProfile = profile.Name
	return o.persistRejected(ctx, d, reason)
}

// persistRejected 记录一条兜底观望并直接拒绝；不参与下次间隔计算。
func (o *Orchestrator) persistRejected(ctx context.Context, d decision.TradingDecision, reason string) (execution.Result, time.Duration, error) {
	if err := o.deps.Decisions.Create(ctx, &d); err != nil {
		return execution.Result{}, 0, err
	}
	o.emit(ctx, monitor.EventDecisionCreated, d)
	res := execution.Result{DecisionID: d.ID, Status: decision.StatusRejected, Reason: reason}
	if err := o.deps.Decisions.Transition(ctx, d.ID, decision.StatusRejected, reason); err != nil {
		return res, 0, err
	}
	o.emit(ctx, monitor.EventDecisionUpdated, res)
	return res, d.NextCycleInterval, nil
}

// RefreshMacro 在宏观策略缺失或过期时重新生成；force 为 true 时无条件刷新。返回是否写入了新策略。
func (o *Orchestrator) RefreshMacro(ctx context.Context, force bool) (bool, error) {
	if o.deps.Macro == nil {
		return false, nil
	}
	now := o.now().UTC()
	if !force {
		stale, err := o.deps.Macro.NeedsRefresh(ctx, now)
		if err != nil {
			return false, err
		}
		if !stale {
			return false, nil
		}
	}

	bundle, err := o.deps.Context.AssembleMacro(ctx)
	if err != nil {
		return false, err
	}
	prompt, err := ai.BuildMacroPrompt(bundle)
	if err != nil {
		return false, err
	}
	resp := o.deps.Judge.Generate(ctx, prompt.System, prompt.User)
	if !resp.OK() {
		return false, fmt.Errorf("app: 宏观判断不可用 (%s): %v", resp.Outcome, resp.Err)
	}
	proposal, err := decision.ParseMacro(resp.Text)
	if err != nil {
		return false, fmt.Errorf("app: 宏观判断未通过校验: %w", err)
	}
	strategy, err := o.deps.Macro.Create(ctx, proposal, now, o.macroValidity)
	if err != nil {
		return false, err
	}
	o.logger.Info("宏观策略已刷新",
		zap.Int64("macro_id", strategy.ID),
		zap.String("bias", string(strategy.Bias)),
		zap.Time("valid_until", strategy.ValidUntil),
	)
	return true, nil
}

func (o *Orchestrator) emit(ctx context.Context, typ monitor.EventType, payload any) {
	if o.deps.Events != nil {
		o.deps.Events.Emit(ctx, string(typ), payload)
	}
}

func (o *Orchestrator) emitCycle(ctx context.Context, report CycleReport) {
	o.emit(ctx, monitor.EventCycleCompleted, report)
}
