package exchange

import (
	ccxt "github.com/ccxt/ccxt/go/v4"

	"perp-pilot/internal/config"
)

// NewTradeClient 构造执行端 Hyperliquid 客户端。
func NewTradeClient(cfg config.TradeExchangeConfig) *ccxt.Hyperliquid {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}
	if cfg.Wallet != "" {
		userConfig["walletAddress"] = cfg.Wallet
	}
	if cfg.PrivateKey != "" {
		userConfig["privateKey"] = cfg.PrivateKey
	}
	client := ccxt.NewHyperliquid(userConfig)
	if cfg.UseSandbox {
		client.SetSandboxMode(true)
	}
	return client
}

// MarketPairs 将执行端市场映射为资产代码，如 "BTC/USDC:USDC" → "BTC"。
func MarketPairs(markets []string) map[string]string {
	out := make(map[string]string, len(markets))
	for _, m := range markets {
		if key := config.AssetKey(m); key != "" {
			out[m] = key
		}
	}
	return out
}
