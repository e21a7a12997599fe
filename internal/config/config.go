package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigurationError reports an invalid or missing setting. It is only ever
// produced at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Trading   TradingConfig   `yaml:"trading"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Storage   StorageConfig   `yaml:"storage"`
	Web       WebConfig       `yaml:"web"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ExchangeConfig struct {
	BaseURL        string  `yaml:"base_url"`
	WSURL          string  `yaml:"ws_url"`
	APIKey         string  `yaml:"api_key"`
	SecretKey      string  `yaml:"secret_key"`
	Paper          bool    `yaml:"paper"`
	QuoteAsset     string  `yaml:"quote_asset"`
	MinNotional    float64 `yaml:"min_notional"`
	RequestTimeout string  `yaml:"request_timeout"`
	Stream         bool    `yaml:"stream"`
}

type TradingConfig struct {
	InitialBalance        float64  `yaml:"initial_balance"`
	CapitalPercentage     float64  `yaml:"capital_percentage"`
	MaxConcurrentTrades   int      `yaml:"max_concurrent_trades"`
	DailyLossLimit        float64  `yaml:"daily_loss_limit"`
	DailyTargetPercentage float64  `yaml:"daily_target_percentage"`
	StopLossPercent       float64  `yaml:"stop_loss_percent"`
	TakeProfitPercent     float64  `yaml:"take_profit_percent"`
	TrailingStopPercent   float64  `yaml:"trailing_stop_percent"`
	CooldownAfterLoss     int      `yaml:"cooldown_after_loss"` // seconds
	Symbols               []string `yaml:"symbols"`
	UniverseSize          int      `yaml:"universe_size"`
	Blacklist             []string `yaml:"blacklist"`
}

type ScannerConfig struct {
	PumpThresholdPercent float64 `yaml:"pump_threshold_percent"`
	PumpTimeWindow       int     `yaml:"pump_time_window"` // seconds
	PumpVolumeMultiplier float64 `yaml:"pump_volume_multiplier"`
	MaxPumpPercent       float64 `yaml:"max_pump_percent"`
	TopMoversThreshold   float64 `yaml:"top_movers_threshold"`
	TopMoversTimeWindow  int     `yaml:"top_movers_time_window"` // seconds
	TopMoversLimit       int     `yaml:"top_movers_limit"`
	MinLiquidity         float64 `yaml:"min_liquidity"`
	MinVolumeRatio       float64 `yaml:"min_volume_ratio"`
	CandleInterval       string  `yaml:"candle_interval"`
	HistoryLength        int     `yaml:"history_length"`
	Concurrency          int     `yaml:"concurrency"`

	EMAFast         int     `yaml:"ema_fast"`
	EMASlow         int     `yaml:"ema_slow"`
	RSIPeriod       int     `yaml:"rsi_period"`
	MACDFast        int     `yaml:"macd_fast"`
	MACDSlow        int     `yaml:"macd_slow"`
	MACDSignal      int     `yaml:"macd_signal"`
	BollingerPeriod int     `yaml:"bollinger_period"`
	BollingerStd    float64 `yaml:"bollinger_std"`

	Weights        WeightsConfig `yaml:"weights"`
	LongThreshold  float64       `yaml:"long_threshold"`
	ShortThreshold float64       `yaml:"short_threshold"`
	MinAgreement   float64       `yaml:"min_agreement"`
}

// WeightsConfig weights each normalized signal component. External is the
// share of the predictive score; the rest is split among the indicators.
type WeightsConfig struct {
	Trend      float64 `yaml:"trend"`
	Momentum   float64 `yaml:"momentum"`
	Volatility float64 `yaml:"volatility"`
	Volume     float64 `yaml:"volume"`
	External   float64 `yaml:"external"`
}

type SchedulerConfig struct {
	FastScanInterval       string `yaml:"fast_scan_interval"`
	SlowScanInterval       string `yaml:"slow_scan_interval"`
	MonitorInterval        string `yaml:"monitor_interval"`
	TaskTimeout            string `yaml:"task_timeout"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
	DailyResetTime         string `yaml:"daily_reset_time"` // HH:MM
	Timezone               string `yaml:"timezone"`
	MonitorConcurrency     int    `yaml:"monitor_concurrency"`
}

type ScoringConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Tracing bool   `yaml:"tracing"`
}

// Load reads the YAML file at path, overlays secrets from the environment
// (and a .env file when present), applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// missing .env is fine
	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a paper-trading configuration with every default applied.
func Default() *Config {
	cfg := &Config{Exchange: ExchangeConfig{Paper: true}}
	setDefaults(cfg)
	return cfg
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.Exchange.SecretKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Scoring.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return invalid("TELEGRAM_CHAT_ID", "not an integer: %q", v)
		}
		cfg.Telegram.ChatID = id
	}
	return nil
}

// Defaults mirror the aggressive profile of the original deployment.
func setDefaults(cfg *Config) {
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.binance.com"
	}
	if cfg.Exchange.WSURL == "" {
		cfg.Exchange.WSURL = "wss://stream.binance.com:9443/ws/!miniTicker@arr"
	}
	if cfg.Exchange.QuoteAsset == "" {
		cfg.Exchange.QuoteAsset = "USDT"
	}
	if cfg.Exchange.MinNotional == 0 {
		cfg.Exchange.MinNotional = 10
	}
	if cfg.Exchange.RequestTimeout == "" {
		cfg.Exchange.RequestTimeout = "10s"
	}

	t := &cfg.Trading
	if t.InitialBalance == 0 {
		t.InitialBalance = 200
	}
	if t.CapitalPercentage == 0 {
		t.CapitalPercentage = 0.15
	}
	if t.MaxConcurrentTrades == 0 {
		t.MaxConcurrentTrades = 3
	}
	if t.DailyLossLimit == 0 {
		t.DailyLossLimit = 0.10
	}
	if t.DailyTargetPercentage == 0 {
		t.DailyTargetPercentage = 75
	}
	if t.StopLossPercent == 0 {
		t.StopLossPercent = 2.0
	}
	if t.TakeProfitPercent == 0 {
		t.TakeProfitPercent = 4.0
	}
	if t.TrailingStopPercent == 0 {
		t.TrailingStopPercent = 1.5
	}
	if t.CooldownAfterLoss == 0 {
		t.CooldownAfterLoss = 1800
	}
	if t.UniverseSize == 0 {
		t.UniverseSize = 50
	}

	s := &cfg.Scanner
	if s.PumpThresholdPercent == 0 {
		s.PumpThresholdPercent = 3.0
	}
	if s.PumpTimeWindow == 0 {
		s.PumpTimeWindow = 180
	}
	if s.PumpVolumeMultiplier == 0 {
		s.PumpVolumeMultiplier = 1.5
	}
	if s.MaxPumpPercent == 0 {
		s.MaxPumpPercent = 15
	}
	if s.TopMoversThreshold == 0 {
		s.TopMoversThreshold = 1.5
	}
	if s.TopMoversTimeWindow == 0 {
		s.TopMoversTimeWindow = 900
	}
	if s.TopMoversLimit == 0 {
		s.TopMoversLimit = 10
	}
	if s.MinLiquidity == 0 {
		s.MinLiquidity = 10000
	}
	if s.MinVolumeRatio == 0 {
		s.MinVolumeRatio = 0.5
	}
	if s.CandleInterval == "" {
		s.CandleInterval = "1m"
	}
	if s.HistoryLength == 0 {
		s.HistoryLength = 100
	}
	if s.Concurrency == 0 {
		s.Concurrency = 10
	}
	if s.EMAFast == 0 {
		s.EMAFast = 9
	}
	if s.EMASlow == 0 {
		s.EMASlow = 21
	}
	if s.RSIPeriod == 0 {
		s.RSIPeriod = 14
	}
	if s.MACDFast == 0 {
		s.MACDFast = 12
	}
	if s.MACDSlow == 0 {
		s.MACDSlow = 26
	}
	if s.MACDSignal == 0 {
		s.MACDSignal = 9
	}
	if s.BollingerPeriod == 0 {
		s.BollingerPeriod = 20
	}
	if s.BollingerStd == 0 {
		s.BollingerStd = 2.0
	}
	if s.Weights == (WeightsConfig{}) {
		s.Weights = WeightsConfig{Trend: 0.3, Momentum: 0.3, Volatility: 0.2, Volume: 0.2, External: 0.4}
	}
	if s.LongThreshold == 0 {
		s.LongThreshold = 0.4
	}
	if s.ShortThreshold == 0 {
		s.ShortThreshold = -0.4
	}
	if s.MinAgreement == 0 {
		s.MinAgreement = 0.5
	}

	sc := &cfg.Scheduler
	if sc.FastScanInterval == "" {
		sc.FastScanInterval = "30s"
	}
	if sc.SlowScanInterval == "" {
		sc.SlowScanInterval = "5m"
	}
	if sc.MonitorInterval == "" {
		sc.MonitorInterval = "1m"
	}
	if sc.TaskTimeout == "" {
		sc.TaskTimeout = "25s"
	}
	if sc.MaxConsecutiveFailures == 0 {
		sc.MaxConsecutiveFailures = 5
	}
	if sc.DailyResetTime == "" {
		sc.DailyResetTime = "00:00"
	}
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	if sc.MonitorConcurrency == 0 {
		sc.MonitorConcurrency = 8
	}

	if cfg.Scoring.Model == "" {
		cfg.Scoring.Model = "gpt-4o-mini"
	}
	if cfg.Scoring.TimeoutSeconds == 0 {
		cfg.Scoring.TimeoutSeconds = 5
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/cryptopump.db"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	t := c.Trading
	if t.InitialBalance <= 0 {
		return invalid("trading.initial_balance", "must be positive, got %.2f", t.InitialBalance)
	}
	if t.CapitalPercentage <= 0 || t.CapitalPercentage > 1 {
		return invalid("trading.capital_percentage", "must be in (0, 1], got %.4f", t.CapitalPercentage)
	}
	if t.MaxConcurrentTrades < 1 {
		return invalid("trading.max_concurrent_trades", "must be at least 1, got %d", t.MaxConcurrentTrades)
	}
	if t.DailyLossLimit <= 0 || t.DailyLossLimit > 1 {
		return invalid("trading.daily_loss_limit", "must be in (0, 1], got %.4f", t.DailyLossLimit)
	}
	if t.StopLossPercent <= 0 || t.StopLossPercent >= 100 {
		return invalid("trading.stop_loss_percent", "must be in (0, 100), got %.2f", t.StopLossPercent)
	}
	if t.TakeProfitPercent <= 0 {
		return invalid("trading.take_profit_percent", "must be positive, got %.2f", t.TakeProfitPercent)
	}
	if t.TrailingStopPercent <= 0 || t.TrailingStopPercent >= 100 {
		return invalid("trading.trailing_stop_percent", "must be in (0, 100), got %.2f", t.TrailingStopPercent)
	}
	if t.CooldownAfterLoss < 0 {
		return invalid("trading.cooldown_after_loss", "must not be negative")
	}

	s := c.Scanner
	if s.PumpThresholdPercent <= 0 || s.TopMoversThreshold <= 0 {
		return invalid("scanner", "pump and top mover thresholds must be positive")
	}
	if s.PumpTimeWindow < 60 || s.TopMoversTimeWindow < 60 {
		return invalid("scanner", "time windows must be at least 60 seconds")
	}
	if _, err := time.ParseDuration(candleDuration(s.CandleInterval)); err != nil {
		return invalid("scanner.candle_interval", "unsupported interval %q", s.CandleInterval)
	}
	if s.EMAFast >= s.EMASlow || s.MACDFast >= s.MACDSlow {
		return invalid("scanner", "fast periods must be shorter than slow periods")
	}
	if s.LongThreshold <= 0 || s.ShortThreshold >= 0 {
		return invalid("scanner", "long_threshold must be positive and short_threshold negative")
	}
	w := s.Weights
	if w.Trend < 0 || w.Momentum < 0 || w.Volatility < 0 || w.Volume < 0 || w.External < 0 || w.External >= 1 {
		return invalid("scanner.weights", "weights must be non-negative and external below 1")
	}
	if w.Trend+w.Momentum+w.Volatility+w.Volume == 0 {
		return invalid("scanner.weights", "at least one indicator weight is required")
	}

	for name, v := range map[string]string{
		"scheduler.fast_scan_interval": c.Scheduler.FastScanInterval,
		"scheduler.slow_scan_interval": c.Scheduler.SlowScanInterval,
		"scheduler.monitor_interval":   c.Scheduler.MonitorInterval,
		"scheduler.task_timeout":       c.Scheduler.TaskTimeout,
		"exchange.request_timeout":     c.Exchange.RequestTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return invalid(name, "invalid duration %q: %v", v, err)
		}
		if d <= 0 {
			return invalid(name, "must be positive")
		}
	}
	if _, err := time.Parse("15:04", c.Scheduler.DailyResetTime); err != nil {
		return invalid("scheduler.daily_reset_time", "expected HH:MM, got %q", c.Scheduler.DailyResetTime)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return invalid("scheduler.timezone", "%v", err)
	}

	if !c.Exchange.Paper && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		return invalid("exchange.api_key", "api_key and secret_key are required unless exchange.paper is set")
	}
	if c.Scoring.Enabled && c.Scoring.APIKey == "" {
		return invalid("scoring.api_key", "required when scoring is enabled")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return invalid("telegram.bot_token", "required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return invalid("telegram.chat_id", "required when telegram is enabled")
		}
	}
	return nil
}

// IsConfigurationError reports whether err came from validation.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func (c *Config) IsPaper() bool {
	return c.Exchange.Paper
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return loc
}

func (c *Config) FastScanInterval() time.Duration { return mustDuration(c.Scheduler.FastScanInterval) }
func (c *Config) SlowScanInterval() time.Duration { return mustDuration(c.Scheduler.SlowScanInterval) }
func (c *Config) MonitorInterval() time.Duration  { return mustDuration(c.Scheduler.MonitorInterval) }
func (c *Config) TaskTimeout() time.Duration      { return mustDuration(c.Scheduler.TaskTimeout) }
func (c *Config) RequestTimeout() time.Duration   { return mustDuration(c.Exchange.RequestTimeout) }

func (c *Config) CooldownAfterLoss() time.Duration {
	return time.Duration(c.Trading.CooldownAfterLoss) * time.Second
}

func (c *Config) ScoringTimeout() time.Duration {
	return time.Duration(c.Scoring.TimeoutSeconds) * time.Second
}

// CandleDuration is the length of one candle of Scanner.CandleInterval.
func (c *Config) CandleDuration() time.Duration {
	return mustDuration(candleDuration(c.Scanner.CandleInterval))
}

// DailyResetClock returns the hour and minute of the daily reset boundary.
func (c *Config) DailyResetClock() (int, int) {
	t, err := time.Parse("15:04", c.Scheduler.DailyResetTime)
	if err != nil {
		return 0, 0
	}
	return t.Hour(), t.Minute()
}

// candleDuration maps exchange interval notation (1m, 1h, 1d) to a Go duration.
func candleDuration(interval string) string {
	if n := len(interval); n > 1 && interval[n-1] == 'd' {
		days, err := strconv.Atoi(interval[:n-1])
		if err != nil {
			return interval
		}
		return fmt.Sprintf("%dh", days*24)
	}
	return interval
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
