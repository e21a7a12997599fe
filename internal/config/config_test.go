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

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "exchange:\n  paper: true\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 200.0, cfg.Trading.InitialBalance)
	assert.Equal(t, 0.15, cfg.Trading.CapitalPercentage)
	assert.Equal(t, 3, cfg.Trading.MaxConcurrentTrades)
	assert.Equal(t, 0.10, cfg.Trading.DailyLossLimit)
	assert.Equal(t, 30*time.Minute, cfg.CooldownAfterLoss())
	assert.Equal(t, 30*time.Second, cfg.FastScanInterval())
	assert.Equal(t, 5*time.Minute, cfg.SlowScanInterval())
	assert.Equal(t, time.Minute, cfg.MonitorInterval())
	assert.Equal(t, time.Minute, cfg.CandleDuration())
	h, m := cfg.DailyResetClock()
	assert.Equal(t, 0, h)
	assert.Equal(t, 0, m)
}

func TestLoadConservativeProfile(t *testing.T) {
	path := writeConfig(t, `
exchange:
  paper: true
trading:
  capital_percentage: 0.05
  max_concurrent_trades: 3
  daily_loss_limit: 0.10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.05, cfg.Trading.CapitalPercentage)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cases := map[string]string{
		"capital above one":   "exchange:\n  paper: true\ntrading:\n  capital_percentage: 1.5\n",
		"negative cooldown":   "exchange:\n  paper: true\ntrading:\n  cooldown_after_loss: -1\n",
		"bad interval":        "exchange:\n  paper: true\nscheduler:\n  monitor_interval: soon\n",
		"bad reset time":      "exchange:\n  paper: true\nscheduler:\n  daily_reset_time: midnight\n",
		"live without keys":   "exchange:\n  paper: false\n",
		"telegram no token":   "exchange:\n  paper: true\ntelegram:\n  enabled: true\n  chat_id: 1\n",
		"inverted ema":        "exchange:\n  paper: true\nscanner:\n  ema_fast: 30\n  ema_slow: 10\n",
		"short window":        "exchange:\n  paper: true\nscanner:\n  pump_time_window: 10\n",
		"external weight one": "exchange:\n  paper: true\nscanner:\n  weights:\n    trend: 1\n    external: 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("BINANCE_API_KEY", "")
			t.Setenv("BINANCE_SECRET_KEY", "")
			t.Setenv("TELEGRAM_BOT_TOKEN", "")
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_SECRET_KEY", "secret")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load(writeConfig(t, "telegram:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.Exchange.APIKey)
	assert.Equal(t, "secret", cfg.Exchange.SecretKey)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
}

func TestCandleDuration(t *testing.T) {
	assert.Equal(t, "24h", candleDuration("1d"))
	assert.Equal(t, "5m", candleDuration("5m"))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsPaper())
	assert.Equal(t, "USDT", cfg.Exchange.QuoteAsset)
}
