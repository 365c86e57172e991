package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"watchlist-scanner/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Range     RangeConfig     `mapstructure:"range"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ProviderConfig carries per-provider connectivity and quota limits.
type ProviderConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	PerMinute       int           `mapstructure:"per_minute"`
	PerDay          int           `mapstructure:"per_day"`
	MinDelay        time.Duration `mapstructure:"min_delay"`
	QuoteCacheTTL   time.Duration `mapstructure:"quote_cache_ttl"`
	HistoryCacheTTL time.Duration `mapstructure:"history_cache_ttl"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// ProvidersConfig groups all quote providers. Order is the global
// fallback priority, most generous provider first.
type ProvidersConfig struct {
	Order        []string       `mapstructure:"order"`
	Yahoo        ProviderConfig `mapstructure:"yahoo"`
	Stooq        ProviderConfig `mapstructure:"stooq"`
	Finnhub      ProviderConfig `mapstructure:"finnhub"`
	AlphaVantage ProviderConfig `mapstructure:"alphavantage"`
}

// ByName returns the config block for a provider name.
func (p *ProvidersConfig) ByName(name string) (ProviderConfig, bool) {
	switch name {
	case "yahoo":
		return p.Yahoo, true
	case "stooq":
		return p.Stooq, true
	case "finnhub":
		return p.Finnhub, true
	case "alphavantage":
		return p.AlphaVantage, true
	}
	return ProviderConfig{}, false
}

// WeightsConfig holds the 0-100 priority sliders.
type WeightsConfig struct {
	BuyLimitDistance int `mapstructure:"buy_limit_distance"`
	Volatility       int `mapstructure:"volatility"`
	Rainbow          int `mapstructure:"rainbow"`
}

// RefreshConfig governs the continuous refresh engine.
type RefreshConfig struct {
	SuccessDelay    time.Duration `mapstructure:"success_delay"`
	FailureDelay    time.Duration `mapstructure:"failure_delay"`
	CycleDelay      time.Duration `mapstructure:"cycle_delay"`
	CooldownBase    time.Duration `mapstructure:"cooldown_base"`
	CooldownMax     time.Duration `mapstructure:"cooldown_max"`
	BlockThreshold  int           `mapstructure:"block_threshold"`
	FailurePenalty  float64       `mapstructure:"failure_penalty"`
	Weights         WeightsConfig `mapstructure:"weights"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// RangeConfig tunes the historical range batch job.
type RangeConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	ShrinkGuardPct float64       `mapstructure:"shrink_guard_pct"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	Cron           string        `mapstructure:"cron"`
}

// AlertingConfig defines buy-limit alert thresholds and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WATCHLIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "watchlist-scanner")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("providers.order", []string{"yahoo", "stooq", "finnhub", "alphavantage"})

	v.SetDefault("providers.yahoo.enabled", true)
	v.SetDefault("providers.yahoo.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("providers.yahoo.per_minute", 30)
	v.SetDefault("providers.yahoo.per_day", 2000)
	v.SetDefault("providers.yahoo.min_delay", "2s")
	v.SetDefault("providers.yahoo.quote_cache_ttl", "2m")
	v.SetDefault("providers.yahoo.history_cache_ttl", "12h")
	v.SetDefault("providers.yahoo.request_timeout", "10s")
	v.SetDefault("providers.yahoo.user_agent", "watchlist-scanner/1.0")

	v.SetDefault("providers.stooq.enabled", true)
	v.SetDefault("providers.stooq.base_url", "https://stooq.com")
	v.SetDefault("providers.stooq.per_minute", 20)
	v.SetDefault("providers.stooq.per_day", 5000)
	v.SetDefault("providers.stooq.min_delay", "3s")
	v.SetDefault("providers.stooq.quote_cache_ttl", "5m")
	v.SetDefault("providers.stooq.history_cache_ttl", "12h")
	v.SetDefault("providers.stooq.request_timeout", "10s")

	v.SetDefault("providers.finnhub.enabled", false)
	v.SetDefault("providers.finnhub.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("providers.finnhub.per_minute", 60)
	v.SetDefault("providers.finnhub.per_day", 10000)
	v.SetDefault("providers.finnhub.min_delay", "1s")
	v.SetDefault("providers.finnhub.quote_cache_ttl", "2m")
	v.SetDefault("providers.finnhub.history_cache_ttl", "12h")
	v.SetDefault("providers.finnhub.request_timeout", "10s")

	v.SetDefault("providers.alphavantage.enabled", false)
	v.SetDefault("providers.alphavantage.base_url", "https://www.alphavantage.co")
	v.SetDefault("providers.alphavantage.per_minute", 5)
	v.SetDefault("providers.alphavantage.per_day", 25)
	v.SetDefault("providers.alphavantage.min_delay", "15s")
	v.SetDefault("providers.alphavantage.quote_cache_ttl", "10m")
	v.SetDefault("providers.alphavantage.history_cache_ttl", "24h")
	v.SetDefault("providers.alphavantage.request_timeout", "10s")

	v.SetDefault("refresh.success_delay", "2s")
	v.SetDefault("refresh.failure_delay", "5s")
	v.SetDefault("refresh.cycle_delay", "30s")
	v.SetDefault("refresh.cooldown_base", "5m")
	v.SetDefault("refresh.cooldown_max", "2h")
	v.SetDefault("refresh.block_threshold", 3)
	v.SetDefault("refresh.failure_penalty", 10.0)
	v.SetDefault("refresh.weights.buy_limit_distance", 50)
	v.SetDefault("refresh.weights.volatility", 30)
	v.SetDefault("refresh.weights.rainbow", 20)
	v.SetDefault("refresh.advisory_lock_key", int64(0x77617463))

	v.SetDefault("range.batch_size", 100)
	v.SetDefault("range.shrink_guard_pct", 0.2)
	v.SetDefault("range.stale_after", 24*time.Hour)
	v.SetDefault("range.cron", "")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Range.BatchSize <= 0 {
		return fmt.Errorf("range.batch_size must be greater than zero")
	}
	if c.Range.ShrinkGuardPct < 0 || c.Range.ShrinkGuardPct >= 1 {
		return fmt.Errorf("range.shrink_guard_pct must be within [0,1)")
	}
	if c.Range.StaleAfter < 0 {
		return fmt.Errorf("range.stale_after must not be negative")
	}
	if c.Refresh.CooldownBase <= 0 || c.Refresh.CooldownMax < c.Refresh.CooldownBase {
		return fmt.Errorf("refresh cooldown bounds are invalid")
	}
	if c.Refresh.BlockThreshold <= 0 {
		return fmt.Errorf("refresh.block_threshold must be greater than zero")
	}
	for _, w := range []int{c.Refresh.Weights.BuyLimitDistance, c.Refresh.Weights.Volatility, c.Refresh.Weights.Rainbow} {
		if w < 0 || w > 100 {
			return fmt.Errorf("refresh.weights values must be within [0,100]")
		}
	}
	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("providers.order must name at least one provider")
	}
	for _, name := range c.Providers.Order {
		if _, ok := c.Providers.ByName(name); !ok {
			return fmt.Errorf("providers.order references unknown provider %q", name)
		}
	}
	if c.Providers.AlphaVantage.Enabled && c.Providers.AlphaVantage.APIKey == "" {
		return fmt.Errorf("providers.alphavantage.api_key 必须配置")
	}
	if c.Providers.Finnhub.Enabled && c.Providers.Finnhub.APIKey == "" {
		return fmt.Errorf("providers.finnhub.api_key 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
