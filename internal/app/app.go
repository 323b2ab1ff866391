package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-pilot/internal/ai"
	"perp-pilot/internal/cache"
	"perp-pilot/internal/config"
	"perp-pilot/internal/decision"
	"perp-pilot/internal/exchange"
	"perp-pilot/internal/execution"
	"perp-pilot/internal/feature"
	"perp-pilot/internal/guard"
	"perp-pilot/internal/indicator"
	"perp-pilot/internal/marketctx"
	"perp-pilot/internal/monitor"
	"perp-pilot/internal/order"
	"perp-pilot/internal/position"
	"perp-pilot/internal/risk"
	"perp-pilot/internal/signals"
	"perp-pilot/internal/sltp"
	"perp-pilot/internal/store"
)

// App 聚合核心依赖并驱动各后台任务。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	redis        *cache.Redis
	monitor      *monitor.Service
	modes        *guard.ModeStore
	breaker      *guard.Breaker
	profiles     *risk.ProfileRepository
	decisions    *decision.Repository
	collector    *feature.Collector
	executor     *execution.Executor
	sltp         *sltp.Monitor
	orchestrator *Orchestrator

	kick chan struct{}
}

// New 按配置装配全部组件。模拟盘不连接执行端交易所，对账为空操作。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, store: st, kick: make(chan struct{}, 1)}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger, db := a.cfg, a.logger, a.store.DB()

	var counter guard.DailyCounter
	var monitorOpts []monitor.Option
	if cfg.Redis.Enabled {
		r, err := cache.NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		a.redis = r
		counter = r
		monitorOpts = append(monitorOpts, monitor.WithPublisher(r, cache.EventsChannel))
	} else {
		c, err := guard.NewSQLCounter(db)
		if err != nil {
			return err
		}
		counter = c
	}

	var err error
	if a.monitor, err = monitor.NewService(db, logger, monitorOpts...); err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}
	if a.modes, err = guard.NewModeStore(db, a.monitor, logger); err != nil {
		return err
	}
	if a.profiles, err = risk.NewProfileRepository(db, cfg.Risk.DefaultProfile); err != nil {
		return err
	}
	if a.decisions, err = decision.NewRepository(db); err != nil {
		return err
	}
	macros, err := decision.NewMacroRepository(db)
	if err != nil {
		return err
	}
	snapshots, err := feature.NewRepository(db)
	if err != nil {
		return err
	}
	signalRepo, err := signals.NewRepository(db)
	if err != nil {
		return err
	}
	positions, err := position.NewRepository(db)
	if err != nil {
		return err
	}
	orders, err := order.NewRepository(db)
	if err != nil {
		return err
	}

	sources := make([]*exchange.MarketDataService, 0, len(cfg.Exchange.Markets))
	for i, market := range cfg.Exchange.Markets {
		client, err := exchange.NewClient(cfg.Exchange, market, config.AssetKey(cfg.Trade.Markets[i]), logger)
		if err != nil {
			return fmt.Errorf("初始化行情客户端失败 (%s): %w", market, err)
		}
		sources = append(sources, exchange.NewMarketDataService(client, logger))
	}
	extractor := feature.NewExtractor(indicator.NewCalculator(), logger)
	retention := time.Duration(cfg.Trading.HistoryDays+1) * 24 * time.Hour
	a.collector = feature.NewCollector(sources, extractor, snapshots, retention, logger)

	var broker execution.Broker
	var remote position.ExchangeSnapshot
	if cfg.Trading.PaperTrading {
		broker, err = execution.NewPaperBroker(cfg.Trading.PaperEquity, snapshots, positions, logger)
		if err != nil {
			return err
		}
	} else {
		tradeClient := exchange.NewTradeClient(cfg.Trade)
		pairs := exchange.MarketPairs(cfg.Trade.Markets)
		account := position.NewAccountReader(tradeClient, pairs, logger)
		retry := exchange.NewRetrier(config.RetryConfig{
			MaxAttempts: cfg.Execution.MaxRetry,
			MinDelay:    cfg.Exchange.Retry.MinDelay,
			MaxDelay:    cfg.Exchange.Retry.MaxDelay,
		}, logger)
		broker, err = execution.NewLiveBroker(tradeClient, account, snapshots, pairs, retry, cfg.Execution, logger)
		if err != nil {
			return err
		}
		remote = account
	}
	logger.Info("下单通道已就绪", zap.String("broker", broker.Name()))

	if a.breaker, err = guard.NewBreaker(db, counter, broker, cfg.Risk, logger, guard.WithEventSink(a.monitor)); err != nil {
		return err
	}
	gate := guard.NewGate(a.breaker, a.modes)

	a.executor, err = execution.NewExecutor(execution.Deps{
		Decisions: a.decisions,
		Positions: positions,
		Orders:    orders,
		Broker:    broker,
		Gate:      gate,
		Breaker:   a.breaker,
		Profiles:  a.profiles,
		Journal:   a.monitor,
	}, cfg.Risk, logger)
	if err != nil {
		return err
	}

	priceAge := 3 * cfg.Scheduler.SnapshotInterval
	if a.sltp, err = sltp.NewMonitor(positions, snapshots, gate, a.executor, priceAge, logger); err != nil {
		return err
	}

	judgeClient, err := ai.NewClient(cfg.OpenAI, logger)
	if err != nil {
		return fmt.Errorf("初始化AI客户端失败: %w", err)
	}
	assembler := marketctx.NewAssembler(marketctx.Sources{
		Snapshots: snapshots,
		Signals:   signalRepo,
		Macro:     macros,
		Positions: positions,
	}, cfg.Trading.SourceWeights, cfg.Trading.HistoryDays, logger)

	a.orchestrator, err = NewOrchestrator(CycleDeps{
		Gate:       gate,
		Reconciler: position.NewReconciler(remote, positions, a.executor, logger),
		Context:    assembler,
		Judge:      judgeClient,
		Decisions:  a.decisions,
		Macro:      macros,
		Profiles:   a.profiles,
		Executor:   a.executor,
		Events:     a.monitor,
	}, cfg.Symbols(), cfg.Risk, cfg.Trading.MacroValidity, cfg.Scheduler.InitialCycle, logger)
	return err
}

// Close 释放外部连接；数据库由调用方关闭。
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("关闭 Redis 失败", zap.Error(err))
		}
	}
}

// Modes 返回交易模式存储。
func (a *App) Modes() *guard.ModeStore { return a.modes }

// Profiles 返回风险档位存储。
func (a *App) Profiles() *risk.ProfileRepository { return a.profiles }

// Breaker 返回熔断器。
func (a *App) Breaker() *guard.Breaker { return a.breaker }

// Monitor 返回监控服务。
func (a *App) Monitor() *monitor.Service { return a.monitor }

// RunCycle 先采集一次行情再执行单次交易周期。
func (a *App) RunCycle(ctx context.Context) (CycleReport, error) {
	if _, err := a.collector.Collect(ctx); err != nil {
		return CycleReport{}, err
	}
	return a.orchestrator.RunCycle(ctx)
}

// Run 启动全部后台任务，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	sc := a.cfg.Scheduler
	a.logger.Info("交易系统已启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.Bool("paper_trading", a.cfg.Trading.PaperTrading),
		zap.Strings("symbols", a.cfg.Symbols()),
	)

	a.safeRun(ctx, "snapshot", func(ctx context.Context) error {
		_, err := a.collector.Collect(ctx)
		return err
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.every(ctx, "snapshot", sc.SnapshotInterval, func(ctx context.Context) error {
			_, err := a.collector.Collect(ctx)
			return err
		})
	})
	g.Go(func() error {
		return a.every(ctx, "sltp", sc.RiskMonitorInterval, func(ctx context.Context) error {
			_, err := a.sltp.Run(ctx)
			return err
		})
	})
	g.Go(func() error {
		return a.every(ctx, "macro", sc.MacroInterval, func(ctx context.Context) error {
			_, err := a.orchestrator.RefreshMacro(ctx, true)
			return err
		})
	})
	g.Go(func() error {
		return a.every(ctx, "bootstrap", sc.BootstrapInterval, a.bootstrap)
	})
	g.Go(func() error { return a.cycleLoop(ctx) })

	if a.cfg.Monitor.Enabled {
		handler := newMonitorHandler(a.monitor, a.breaker, a.modes, a.logger)
		startMonitorServer(ctx, handler, a.cfg.Monitor.Port, a.logger)
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// cycleLoop 按上一周期给出的间隔调度下一次交易周期，bootstrap 可提前唤醒。
func (a *App) cycleLoop(ctx context.Context) error {
	wait := a.startupDelay(ctx)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	a.logger.Info("首个交易周期已排期", zap.Duration("in", wait))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-a.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next := a.cfg.Scheduler.InitialCycle
		a.safeRun(ctx, "cycle", func(ctx context.Context) error {
			report, err := a.orchestrator.RunCycle(ctx)
			if report.NextInterval > 0 {
				next = report.NextInterval
			}
			return err
		})
		timer.Reset(next)
	}
}

// startupDelay 延续重启前最后一个周期给出的间隔，超时则立即执行。
func (a *App) startupDelay(ctx context.Context) time.Duration {
	last, ok, err := a.decisions.LastCreatedAt(ctx)
	if err != nil || !ok {
		return 0
	}
	interval, ok, err := a.decisions.NextInterval(ctx)
	if err != nil || !ok {
		interval = a.cfg.Scheduler.InitialCycle
	}
	if wait := time.Until(last.Add(interval)); wait > 0 {
		return wait
	}
	return 0
}

// bootstrap 在超过阈值未产生新决策时唤醒交易周期。
func (a *App) bootstrap(ctx context.Context) error {
	last, ok, err := a.decisions.LastCreatedAt(ctx)
	if err != nil {
		return err
	}
	if ok && time.Since(last) < a.cfg.Scheduler.StallThreshold {
		return nil
	}
	a.logger.Warn("交易周期停滞，重新唤醒", zap.Time("last_decision", last))
	select {
	case a.kick <- struct{}{}:
	default:
	}
	return nil
}

func (a *App) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.safeRun(ctx, name, fn)
		}
	}
}

// safeRun 单次任务的错误与 panic 仅记录日志，不影响调度。
func (a *App) safeRun(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("后台任务崩溃",
				zap.String("task", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			a.monitor.RecordError(ctx, "后台任务崩溃", fmt.Errorf("%v", r), map[string]any{"task": name})
		}
	}()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("后台任务失败", zap.String("task", name), zap.Error(err))
		a.monitor.RecordError(ctx, "后台任务失败", err, map[string]any{"task": name})
	}
}
