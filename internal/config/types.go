package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig           `mapstructure:"app"`
	Exchange  ExchangeConfig      `mapstructure:"exchange"`
	Trade     TradeExchangeConfig `mapstructure:"trade_exchange"`
	OpenAI    OpenAIConfig        `mapstructure:"openai"`
	Trading   TradingConfig       `mapstructure:"trading"`
	Risk      RiskConfig          `mapstructure:"risk"`
	Execution ExecutionConfig     `mapstructure:"execution"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Scheduler SchedulerConfig     `mapstructure:"scheduler"`
	Monitor   MonitorConfig       `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述行情交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	Markets    []string    `mapstructure:"markets"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// TradeExchangeConfig 描述执行端交易所配置。
type TradeExchangeConfig struct {
	Name       string   `mapstructure:"name"`
	Markets    []string `mapstructure:"markets"`
	APIKey     string   `mapstructure:"api_key"`
	APISecret  string   `mapstructure:"api_secret"`
	APIPass    string   `mapstructure:"api_password"`
	UseSandbox bool     `mapstructure:"use_sandbox"`
	Wallet     string   `mapstructure:"wallet_address"`
	PrivateKey string   `mapstructure:"private_key"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
}

// TradingConfig 控制交易标的、模拟盘与上下文权重。
type TradingConfig struct {
	PaperTrading  bool               `mapstructure:"paper_trading"`
	PaperEquity   float64            `mapstructure:"paper_equity"`
	MacroValidity time.Duration      `mapstructure:"macro_validity"`
	HistoryDays   int                `mapstructure:"history_days"`
	SourceWeights map[string]float64 `mapstructure:"source_weights"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxLeverage          int     `mapstructure:"max_leverage"`
	MaxPositionFraction  float64 `mapstructure:"max_position_fraction"`
	MaxRiskFraction      float64 `mapstructure:"max_risk_fraction"`
	MinRiskReward        float64 `mapstructure:"min_risk_reward"`
	EnforceRiskReward    bool    `mapstructure:"enforce_risk_reward"`
	MaxDailyLoss         float64 `mapstructure:"max_daily_loss"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	CooldownHours        float64 `mapstructure:"cooldown_hours"`
	DefaultProfile       string  `mapstructure:"default_profile"`
	DayResetHour         int     `mapstructure:"day_reset_hour"`
}

// Cooldown 将冷却小时数转换为时长。
func (r RiskConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours * float64(time.Hour))
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	Slippage         float64       `mapstructure:"slippage"`
	FillTimeout      time.Duration `mapstructure:"fill_timeout"`
	FillPollInterval time.Duration `mapstructure:"fill_poll_interval"`
	MaxRetry         int           `mapstructure:"max_retry"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// RedisConfig 控制日度亏损计数器所用的缓存。
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制各后台任务节奏。
type SchedulerConfig struct {
	SnapshotInterval    time.Duration `mapstructure:"snapshot_interval"`
	RiskMonitorInterval time.Duration `mapstructure:"risk_monitor_interval"`
	MacroInterval       time.Duration `mapstructure:"macro_interval"`
	BootstrapInterval   time.Duration `mapstructure:"bootstrap_interval"`
	StallThreshold      time.Duration `mapstructure:"stall_threshold"`
	InitialCycle        time.Duration `mapstructure:"initial_cycle"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Symbols 返回交易白名单（由执行市场推导出的资产代码）。
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Trade.Markets))
	for _, m := range c.Trade.Markets {
		if key := AssetKey(m); key != "" {
			out = append(out, key)
		}
	}
	return out
}

// AssetKey 将 "BTC/USDC:USDC" 形式的市场符号归一为 "BTC"。
func AssetKey(symbol string) string {
	s := strings.TrimSpace(symbol)
	if s == "" {
		return ""
	}
	if idx := strings.Index(s, "/"); idx > 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, ":"); idx > 0 {
		s = s[:idx]
	}
	return strings.ToUpper(s)
}

var validProfiles = map[string]struct{}{
	"cautious": {},
	"moderate": {},
	"fearless": {},
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if len(c.Exchange.Markets) == 0 {
		err = multierr.Append(err, errors.New("exchange.markets 至少包含一个市场"))
	}
	if len(c.Trade.Markets) != len(c.Exchange.Markets) {
		err = multierr.Append(err, fmt.Errorf("exchange.markets 与 trade_exchange.markets 数量不一致: %d vs %d",
			len(c.Exchange.Markets), len(c.Trade.Markets)))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空（可通过 PERP_OPENAI_API_KEY 设置）"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.Trade.Name == "" {
		err = multierr.Append(err, errors.New("trade_exchange.name 不能为空"))
	}
	if !c.Trading.PaperTrading && strings.EqualFold(c.Trade.Name, "hyperliquid") {
		if c.Trade.Wallet == "" || c.Trade.PrivateKey == "" {
			err = multierr.Append(err, errors.New("实盘 hyperliquid 交易需要配置 wallet_address 与 private_key"))
		}
	}
	if c.Trading.PaperTrading && c.Trading.PaperEquity <= 0 {
		err = multierr.Append(err, errors.New("trading.paper_equity 必须大于0"))
	}
	if c.Trading.MacroValidity <= 0 {
		err = multierr.Append(err, errors.New("trading.macro_validity 必须大于0"))
	}
	if c.Trading.HistoryDays <= 0 {
		err = multierr.Append(err, errors.New("trading.history_days 必须大于0"))
	}
	for name, w := range c.Trading.SourceWeights {
		if w < 0 || w > 1 || math.IsNaN(w) {
			err = multierr.Append(err, fmt.Errorf("trading.source_weights.%s 必须位于[0,1]", name))
		}
	}
	if c.Risk.MaxLeverage < 1 || c.Risk.MaxLeverage > 100 {
		err = multierr.Append(err, errors.New("risk.max_leverage 必须位于[1,100]"))
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		err = multierr.Append(err, errors.New("risk.max_position_fraction 必须位于(0,1]"))
	}
	if c.Risk.MaxRiskFraction <= 0 || c.Risk.MaxRiskFraction > 1 {
		err = multierr.Append(err, errors.New("risk.max_risk_fraction 必须位于(0,1]"))
	}
	if c.Risk.MinRiskReward < 0 {
		err = multierr.Append(err, errors.New("risk.min_risk_reward 不能为负"))
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于(0,1]"))
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		err = multierr.Append(err, errors.New("risk.max_consecutive_losses 必须大于0"))
	}
	if c.Risk.CooldownHours <= 0 {
		err = multierr.Append(err, errors.New("risk.cooldown_hours 必须大于0"))
	}
	if _, ok := validProfiles[strings.ToLower(c.Risk.DefaultProfile)]; !ok {
		err = multierr.Append(err, fmt.Errorf("risk.default_profile 取值非法: %q", c.Risk.DefaultProfile))
	}
	if c.Risk.DayResetHour < 0 || c.Risk.DayResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.day_reset_hour 必须位于[0,23]"))
	}
	if c.Execution.Slippage < 0 || c.Execution.Slippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.slippage 应位于[0,0.2]"))
	}
	if c.Execution.FillTimeout <= 0 || c.Execution.FillPollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.fill_timeout 与 fill_poll_interval 必须为正"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		err = multierr.Append(err, errors.New("redis.addr 不能为空"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if c.Scheduler.SnapshotInterval <= 0 || c.Scheduler.RiskMonitorInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.snapshot_interval 与 risk_monitor_interval 必须大于0"))
	}
	if c.Scheduler.MacroInterval <= 0 || c.Scheduler.BootstrapInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.macro_interval 与 bootstrap_interval 必须大于0"))
	}
	if c.Scheduler.InitialCycle <= 0 {
		err = multierr.Append(err, errors.New("scheduler.initial_cycle 必须大于0"))
	}
	if c.Scheduler.StallThreshold < c.Scheduler.InitialCycle {
		err = multierr.Append(err, errors.New("scheduler.stall_threshold 不应小于 initial_cycle"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 非法"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
