package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "perp"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.markets", []string{"BTC/USDT:USDT", "ETH/USDT:USDT"})
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("trade_exchange.name", "hyperliquid")
	v.SetDefault("trade_exchange.markets", []string{"BTC/USDC:USDC", "ETH/USDC:USDC"})
	v.SetDefault("trade_exchange.api_key", "")
	v.SetDefault("trade_exchange.api_secret", "")
	v.SetDefault("trade_exchange.api_password", "")
	v.SetDefault("trade_exchange.use_sandbox", false)
	v.SetDefault("trade_exchange.wallet_address", "")
	v.SetDefault("trade_exchange.private_key", "")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "30s")
	v.SetDefault("openai.temperature", 0.2)

	v.SetDefault("trading.paper_trading", true)
	v.SetDefault("trading.paper_equity", 10000)
	v.SetDefault("trading.macro_validity", "24h")
	v.SetDefault("trading.history_days", 7)
	v.SetDefault("trading.source_weights", map[string]float64{
		"market":    0.4,
		"sentiment": 0.2,
		"forecast":  0.2,
		"news":      0.1,
		"whale":     0.1,
	})

	v.SetDefault("risk.max_leverage", 10)
	v.SetDefault("risk.max_position_fraction", 0.25)
	v.SetDefault("risk.max_risk_fraction", 0.02)
	v.SetDefault("risk.min_risk_reward", 1.5)
	v.SetDefault("risk.enforce_risk_reward", true)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.cooldown_hours", 4)
	v.SetDefault("risk.default_profile", "moderate")
	v.SetDefault("risk.day_reset_hour", 0)

	v.SetDefault("execution.slippage", 0.01)
	v.SetDefault("execution.fill_timeout", "30s")
	v.SetDefault("execution.fill_poll_interval", "1s")
	v.SetDefault("execution.max_retry", 3)

	v.SetDefault("database.path", "data/perp_pilot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "perp-pilot")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.snapshot_interval", "1m")
	v.SetDefault("scheduler.risk_monitor_interval", "1m")
	v.SetDefault("scheduler.macro_interval", "24h")
	v.SetDefault("scheduler.bootstrap_interval", "30m")
	v.SetDefault("scheduler.stall_threshold", "60m")
	v.SetDefault("scheduler.initial_cycle", "12m")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8080)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
