package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perp-pilot/internal/app"
	"perp-pilot/internal/config"
	"perp-pilot/internal/guard"
	"perp-pilot/internal/log"
	"perp-pilot/internal/monitor"
	"perp-pilot/internal/store"
)

const operator = "cli"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "perp-pilot",
		Short:         "永续合约 AI 决策与执行引擎",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduler(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "启动全部后台任务",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduler(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "cycle",
			Short: "立即执行一次交易周期",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app.App) error {
					report, err := a.RunCycle(ctx)
					if err != nil {
						return err
					}
					return printJSON(report)
				})
			},
		},
		newModeCmd(&configPath),
		newProfileCmd(&configPath),
		newBreakerCmd(&configPath),
		newEventsCmd(&configPath),
	)
	return root
}

func newModeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "mode", Short: "查看或设置交易模式"}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "查看当前交易模式",
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				rec, err := a.Modes().Get(ctx)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	})

	var reason string
	set := &cobra.Command{
		Use:       "set <enabled|exit_only|blocked>",
		Short:     "设置交易模式",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(guard.ModeEnabled), string(guard.ModeExitOnly), string(guard.ModeBlocked)},
		RunE: func(c *cobra.Command, args []string) error {
			mode, err := guard.ParseMode(args[0])
			if err != nil {
				return err
			}
			return withApp(c.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				rec, err := a.Modes().Set(ctx, mode, operator, reason)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	set.Flags().StringVar(&reason, "reason", "", "变更原因")
	cmd.AddCommand(set)
	return cmd
}

func newProfileCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "查看或切换风险档位"}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "查看当前风险档位",
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				p, err := a.Profiles().Current(ctx)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}, &cobra.Command{
		Use:   "set <cautious|moderate|fearless>",
		Short: "切换风险档位",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(c.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				p, err := a.Profiles().Set(ctx, args[0], operator)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	})
	return cmd
}

func newBreakerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "breaker", Short: "熔断器状态与人工复位"}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "查看熔断器状态",
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				state, err := a.Breaker().Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(state)
			})
		},
	}, &cobra.Command{
		Use:   "reset",
		Short: "清除熔断与当日亏损计数",
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				state, err := a.Breaker().Reset(ctx)
				if err != nil {
					return err
				}
				return printJSON(state)
			})
		},
	})
	return cmd
}

func newEventsCmd(configPath *string) *cobra.Command {
	var (
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "列出最近的监控事件",
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				events, err := a.Monitor().ListEvents(ctx, monitor.EventType(eventType), limit)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "按事件类型过滤")
	cmd.Flags().IntVar(&limit, "limit", 50, "返回条数")
	return cmd
}

func runScheduler(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, configPath, func(ctx context.Context, a *app.App) error {
		return a.Run(ctx)
	})
}

// withApp 装配应用并在 fn 返回后释放资源。
func withApp(ctx context.Context, configPath string, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	a, err := app.New(ctx, cfg, logger, st)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
