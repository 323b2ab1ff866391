package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("PERP_OPENAI_API_KEY", "sk-test")
	t.Setenv("PERP_RISK_DEFAULT_PROFILE", "cautious")
	path := writeConfig(t, `
app:
  environment: test
database:
  path: `+filepath.Join(t.TempDir(), "perp.db")+`
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, "cautious", cfg.Risk.DefaultProfile)
	assert.Equal(t, 10, cfg.Risk.MaxLeverage)
	assert.Equal(t, 4*time.Hour, cfg.Risk.Cooldown())
	assert.Equal(t, 12*time.Minute, cfg.Scheduler.InitialCycle)
	assert.Equal(t, 30*time.Second, cfg.Execution.FillTimeout)
	assert.True(t, cfg.Trading.PaperTrading)
	assert.InDelta(t, 0.4, cfg.Trading.SourceWeights["market"], 1e-9)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Symbols())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateAggregatesProblems(t *testing.T) {
	t.Setenv("PERP_OPENAI_API_KEY", "")
	path := writeConfig(t, `
risk:
  max_leverage: 0
  default_profile: reckless
trade_exchange:
  markets: ["BTC/USDC:USDC"]
`)

	_, err := Load(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "openai.api_key 不能为空")
	assert.Contains(t, msg, "risk.max_leverage 必须位于[1,100]")
	assert.Contains(t, msg, `risk.default_profile 取值非法: "reckless"`)
	assert.Contains(t, msg, "数量不一致")
}

func TestValidateLiveHyperliquidNeedsCredentials(t *testing.T) {
	t.Setenv("PERP_OPENAI_API_KEY", "sk-test")
	path := writeConfig(t, `
trading:
  paper_trading: false
database:
  path: `+filepath.Join(t.TempDir(), "perp.db")+`
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet_address 与 private_key")
}

func TestAssetKey(t *testing.T) {
	assert.Equal(t, "BTC", AssetKey("BTC/USDC:USDC"))
	assert.Equal(t, "ETH", AssetKey(" eth/usdt:usdt "))
	assert.Equal(t, "SOL", AssetKey("SOL"))
	assert.Empty(t, AssetKey("  "))
}
