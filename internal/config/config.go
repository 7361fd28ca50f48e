package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"manipwatch/internal/alerting"
	"manipwatch/internal/detector"
	"manipwatch/internal/ensemble"
	"manipwatch/internal/features"
	"manipwatch/internal/logging"
	"manipwatch/internal/market"
	"manipwatch/internal/scheduler"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig            `mapstructure:"app"`
	Logging   logging.Config       `mapstructure:"logging"`
	Sentry    logging.SentryConfig `mapstructure:"sentry"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Exchange  ExchangeConfig       `mapstructure:"exchange"`
	Monitor   MonitorConfig        `mapstructure:"monitor"`
	Detection detector.Thresholds  `mapstructure:"detection"`
	Features  features.Options     `mapstructure:"features"`
	Ensemble  ensemble.Options     `mapstructure:"ensemble"`
	Alerting  AlertingConfig       `mapstructure:"alerting"`
	HTTP      HTTPConfig           `mapstructure:"http"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs check cadence and the worker pool.
type SchedulerConfig struct {
	scheduler.Options `mapstructure:",squash"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
	LockRetry         time.Duration `mapstructure:"lock_retry"`
}

// ExchangeConfig covers Binance REST and websocket access.
type ExchangeConfig struct {
	SpotBaseURL       string        `mapstructure:"spot_base_url"`
	FuturesBaseURL    string        `mapstructure:"futures_base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInitial      time.Duration `mapstructure:"retry_initial"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
	Liquidations      StreamConfig  `mapstructure:"liquidations"`
}

// StreamConfig configures the force-order websocket feeding liquidation history.
type StreamConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	PerMarket int           `mapstructure:"per_market"`
	Retention time.Duration `mapstructure:"retention"`
}

// MonitorConfig drives discovery and per-market cycles.
type MonitorConfig struct {
	Type             market.Type     `mapstructure:"type"`
	QuoteCurrency    string          `mapstructure:"quote_currency"`
	MinVolume        float64         `mapstructure:"min_volume"`
	Markets          []string        `mapstructure:"markets"`
	BookDepth        int             `mapstructure:"book_depth"`
	KlineInterval    string          `mapstructure:"kline_interval"`
	KlineLimit       int             `mapstructure:"kline_limit"`
	TradeLimit       int             `mapstructure:"trade_limit"`
	FundingHistory   int             `mapstructure:"funding_history"`
	BasisInterval    string          `mapstructure:"basis_interval"`
	BasisLimit       int             `mapstructure:"basis_limit"`
	LiquidationLimit int             `mapstructure:"liquidation_limit"`
	CycleBudget      time.Duration   `mapstructure:"cycle_budget"`
	Rediscovery      string          `mapstructure:"rediscovery"`
	DiscoveryTimeout time.Duration   `mapstructure:"discovery_timeout"`
	ModelFlagScore   float64         `mapstructure:"model_flag_score"`
	Window           features.Limits `mapstructure:"window"`
	Promotion        PromotionConfig `mapstructure:"promotion"`
}

// PromotionConfig holds the limits that move a market to the high tier.
type PromotionConfig struct {
	VolatilityPct float64 `mapstructure:"volatility_pct"`
	VolumeSpike   float64 `mapstructure:"volume_spike"`
	ImbalancePct  float64 `mapstructure:"imbalance_pct"`
	RSILow        float64 `mapstructure:"rsi_low"`
	RSIHigh       float64 `mapstructure:"rsi_high"`
}

// AlertingConfig defines dedup, buffering and routing.
type AlertingConfig struct {
	alerting.Options `mapstructure:",squash"`
	Sinks            []string       `mapstructure:"sinks"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
	Kafka            KafkaConfig    `mapstructure:"kafka"`
	Redis            RedisConfig    `mapstructure:"redis"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	alerting.TelegramOptions `mapstructure:",squash"`
	Enabled                  bool `mapstructure:"enabled"`
}

// KafkaConfig publishes alerts to a topic.
type KafkaConfig struct {
	alerting.KafkaOptions `mapstructure:",squash"`
	Enabled               bool `mapstructure:"enabled"`
}

// RedisConfig backs the shared cooldown store. An empty Addr keeps cooldowns in memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// HTTPConfig is the ops server.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("MANIPWATCH")
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

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "manipwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.instance", "")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	sched := scheduler.DefaultOptions()
	v.SetDefault("scheduler.max_concurrent_checks", sched.MaxConcurrent)
	v.SetDefault("scheduler.high_interval", sched.HighInterval)
	v.SetDefault("scheduler.medium_interval", sched.MediumInterval)
	v.SetDefault("scheduler.low_interval", sched.LowInterval)
	v.SetDefault("scheduler.failure_threshold", sched.FailureThreshold)
	v.SetDefault("scheduler.failure_ceiling", sched.FailureCeiling)
	v.SetDefault("scheduler.max_backoff", sched.MaxBackoff)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d616e69))
	v.SetDefault("scheduler.lock_retry", "30s")

	v.SetDefault("exchange.spot_base_url", "https://api.binance.com")
	v.SetDefault("exchange.futures_base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.user_agent", "")
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.fetch_timeout", "30s")
	v.SetDefault("exchange.requests_per_minute", 1200)
	v.SetDefault("exchange.burst", 0)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.retry_initial", "500ms")
	v.SetDefault("exchange.retry_max", "5s")
	v.SetDefault("exchange.liquidations.enabled", true)
	v.SetDefault("exchange.liquidations.url", "wss://fstream.binance.com/ws/!forceOrder@arr")
	v.SetDefault("exchange.liquidations.per_market", 500)
	v.SetDefault("exchange.liquidations.retention", "15m")

	v.SetDefault("monitor.type", string(market.Spot))
	v.SetDefault("monitor.quote_currency", "USDT")
	v.SetDefault("monitor.min_volume", 1_000_000.0)
	v.SetDefault("monitor.markets", []string{})
	v.SetDefault("monitor.book_depth", 20)
	v.SetDefault("monitor.kline_interval", "1h")
	v.SetDefault("monitor.kline_limit", 48)
	v.SetDefault("monitor.trade_limit", 500)
	v.SetDefault("monitor.funding_history", 30)
	v.SetDefault("monitor.basis_interval", "5m")
	v.SetDefault("monitor.basis_limit", 30)
	v.SetDefault("monitor.liquidation_limit", 100)
	v.SetDefault("monitor.cycle_budget", "2s")
	v.SetDefault("monitor.rediscovery", "@every 15m")
	v.SetDefault("monitor.discovery_timeout", "2m")
	v.SetDefault("monitor.model_flag_score", 50.0)
	limits := features.DefaultLimits()
	v.SetDefault("monitor.window.snapshots", limits.Snapshots)
	v.SetDefault("monitor.window.trades", limits.Trades)
	v.SetDefault("monitor.window.funding", limits.Funding)
	v.SetDefault("monitor.window.basis", limits.Basis)
	v.SetDefault("monitor.window.liquidation_age", limits.LiquidationAge)
	v.SetDefault("monitor.promotion.volatility_pct", 2.0)
	v.SetDefault("monitor.promotion.volume_spike", 1.5)
	v.SetDefault("monitor.promotion.imbalance_pct", 60.0)
	v.SetDefault("monitor.promotion.rsi_low", 30.0)
	v.SetDefault("monitor.promotion.rsi_high", 70.0)

	th := detector.DefaultThresholds()
	v.SetDefault("detection.wash_window", th.WashWindow)
	v.SetDefault("detection.wash_price_tolerance_pct", th.WashPriceTolerancePct)
	v.SetDefault("detection.wash_min_matches", th.WashMinMatches)
	v.SetDefault("detection.pump_price_change_pct", th.PumpPriceChangePct)
	v.SetDefault("detection.pump_volume_spike", th.PumpVolumeSpike)
	v.SetDefault("detection.pump_reversal_pct", th.PumpReversalPct)
	v.SetDefault("detection.spoof_large_order_notional", th.SpoofLargeOrderNotional)
	v.SetDefault("detection.spoof_distance_pct", th.SpoofDistancePct)
	v.SetDefault("detection.spoof_max_lifetime", th.SpoofMaxLifetime)
	v.SetDefault("detection.layering_min_levels", th.LayeringMinLevels)
	v.SetDefault("detection.layering_cancel_ratio", th.LayeringCancelRatio)
	v.SetDefault("detection.layering_window", th.LayeringWindow)
	v.SetDefault("detection.hft_trades_per_hour", th.HFTTradesPerHour)
	v.SetDefault("detection.hft_orders_per_minute", th.HFTOrdersPerMinute)
	v.SetDefault("detection.funding_z_score", th.FundingZScore)
	v.SetDefault("detection.funding_min_history", th.FundingMinHistory)
	v.SetDefault("detection.liquidation_count", th.LiquidationCount)
	v.SetDefault("detection.liquidation_window", th.LiquidationWindow)
	v.SetDefault("detection.basis_rate_pct", th.BasisRatePct)
	v.SetDefault("detection.basis_min_samples", th.BasisMinSamples)
	v.SetDefault("detection.concentration_pct", th.ConcentrationPct)

	feat := features.DefaultOptions()
	v.SetDefault("features.ma_period", feat.MAPeriod)
	v.SetDefault("features.rsi_period", feat.RSIPeriod)
	v.SetDefault("features.bollinger_period", feat.BollingerPeriod)
	v.SetDefault("features.bollinger_dev", feat.BollingerDev)
	v.SetDefault("features.volume_trailing", feat.VolumeTrailing)
	v.SetDefault("features.book_levels", feat.BookLevels)
	v.SetDefault("features.liquidation_window", feat.LiquidationWindow)
	v.SetDefault("features.pump_horizon", feat.PumpHorizon)

	weights := ensemble.DefaultWeights()
	v.SetDefault("ensemble.weights.outlier", weights.Outlier)
	v.SetDefault("ensemble.weights.reconstruction", weights.Reconstruction)
	v.SetDefault("ensemble.weights.classifier", weights.Classifier)
	v.SetDefault("ensemble.model_file", "")
	v.SetDefault("ensemble.onnx.model_path", "")
	v.SetDefault("ensemble.onnx.library_path", "")
	v.SetDefault("ensemble.onnx.input_name", "input")
	v.SetDefault("ensemble.onnx.output_name", "probabilities")

	al := alerting.DefaultOptions()
	v.SetDefault("alerting.cooldown", al.Cooldown)
	v.SetDefault("alerting.buffer_size", al.BufferSize)
	v.SetDefault("alerting.recent_size", al.RecentSize)
	v.SetDefault("alerting.retry_initial", al.RetryInitial)
	v.SetDefault("alerting.retry_max", al.RetryMax)
	v.SetDefault("alerting.delivery_timeout", al.DeliveryTimeout)
	v.SetDefault("alerting.sinks", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.base_url", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.telegram.min_risk", string(market.RiskMedium))
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.brokers", []string{})
	v.SetDefault("alerting.kafka.topic", "manipwatch.alerts")
	v.SetDefault("alerting.kafka.write_timeout", "10s")
	v.SetDefault("alerting.redis.addr", "")
	v.SetDefault("alerting.redis.password", "")
	v.SetDefault("alerting.redis.db", 0)
	v.SetDefault("alerting.redis.prefix", "manipwatch:cooldown:")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
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

var knownSinks = map[string]bool{"log": true, "postgres": true, "telegram": true, "kafka": true}

// Validate performs sanity checks on the configuration values. Any error here is fatal at startup.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}

	s := c.Scheduler
	if s.MaxConcurrent <= 0 {
		fail("scheduler.max_concurrent_checks must be greater than zero")
	}
	if s.HighInterval <= 0 || s.MediumInterval <= 0 || s.LowInterval <= 0 {
		fail("scheduler tier intervals must be greater than zero")
	}
	if s.FailureThreshold <= 0 {
		fail("scheduler.failure_threshold must be greater than zero")
	}
	if s.FailureCeiling < s.FailureThreshold {
		fail("scheduler.failure_ceiling must not be below failure_threshold")
	}

	if c.Exchange.RequestsPerMinute <= 0 {
		fail("exchange.requests_per_minute must be greater than zero")
	}
	if c.Exchange.MaxRetries < 0 {
		fail("exchange.max_retries cannot be negative")
	}

	m := c.Monitor
	if m.Type != market.Spot && m.Type != market.Futures {
		fail("monitor.type must be %q or %q, got %q", market.Spot, market.Futures, m.Type)
	}
	if m.MinVolume < 0 {
		fail("monitor.min_volume cannot be negative")
	}
	if m.BookDepth <= 0 || m.KlineLimit <= 0 || m.TradeLimit <= 0 {
		fail("monitor fetch limits must be greater than zero")
	}
	if m.ModelFlagScore < 0 || m.ModelFlagScore > 100 {
		fail("monitor.model_flag_score must be within [0,100]")
	}
	if m.Promotion.RSILow >= m.Promotion.RSIHigh {
		fail("monitor.promotion.rsi_low must be below rsi_high")
	}
	if m.Rediscovery != "" {
		if _, err := cron.ParseStandard(m.Rediscovery); err != nil {
			fail("monitor.rediscovery: %v", err)
		}
	}

	if err := c.Detection.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Ensemble.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}

	a := c.Alerting
	if a.Cooldown < 0 {
		fail("alerting.cooldown cannot be negative")
	}
	if a.BufferSize <= 0 {
		fail("alerting.buffer_size must be greater than zero")
	}
	for _, sink := range a.Sinks {
		if !knownSinks[sink] {
			fail("alerting.sinks: unknown sink %q", sink)
		}
	}
	if c.SinkEnabled("telegram") {
		if a.Telegram.BotToken == "" {
			fail("alerting.telegram.bot_token 必须配置")
		}
		if a.Telegram.ChatID == "" {
			fail("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.SinkEnabled("kafka") && (len(a.Kafka.Brokers) == 0 || a.Kafka.Topic == "") {
		fail("alerting.kafka requires brokers and topic")
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		fail("http.addr is required when http.enabled")
	}
	return errors.Join(errs...)
}

// SinkEnabled reports whether a sink is listed or switched on by its own section.
func (c *Config) SinkEnabled(name string) bool {
	switch name {
	case "telegram":
		if c.Alerting.Telegram.Enabled {
			return true
		}
	case "kafka":
		if c.Alerting.Kafka.Enabled {
			return true
		}
	}
	for _, s := range c.Alerting.Sinks {
		if s == name {
			return true
		}
	}
	return false
}
