package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"signal-relay/internal/logging"
	"signal-relay/internal/signal"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig governs generation cadence.
type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	AlignToBucket  bool          `mapstructure:"align_to_bucket"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
	RunImmediately bool          `mapstructure:"run_immediately"`
}

// PriceRangeConfig bounds generated entry prices of one instrument.
type PriceRangeConfig struct {
	Min    float64 `mapstructure:"min"`
	Max    float64 `mapstructure:"max"`
	Places int32   `mapstructure:"places"`
}

// SignalsConfig describes what gets generated.
type SignalsConfig struct {
	Instruments   []string                    `mapstructure:"instruments"`
	Timeframes    []string                    `mapstructure:"timeframes"`
	HistorySize   int                         `mapstructure:"history_size"`
	ConfidenceMin int                         `mapstructure:"confidence_min"`
	ConfidenceMax int                         `mapstructure:"confidence_max"`
	PriceRanges   map[string]PriceRangeConfig `mapstructure:"price_ranges"`
}

// DispatcherConfig tunes push delivery.
type DispatcherConfig struct {
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	QueueSize        int           `mapstructure:"queue_size"`
}

// HTTPConfig configures the query API.
type HTTPConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Addr              string        `mapstructure:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	DefaultInstrument string        `mapstructure:"default_instrument"`
	DefaultTimeframe  string        `mapstructure:"default_timeframe"`
}

// TelegramConfig covers the chat bot and the optional broadcast channel.
type TelegramConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BotToken        string        `mapstructure:"bot_token"`
	APIBase         string        `mapstructure:"api_base"`
	BroadcastChatID string        `mapstructure:"broadcast_chat_id"`
	PollTimeout     int           `mapstructure:"poll_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// WebSocketConfig enables push to browser clients.
type WebSocketConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Path         string        `mapstructure:"path"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// RedisConfig enables the pub/sub broadcast sink.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// KafkaConfig enables the topic broadcast sink.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIGNALRELAY")
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
	v.SetDefault("app.name", "signal-relay")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)

	v.SetDefault("signals.instruments", []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "BTCUSD"})
	v.SetDefault("signals.timeframes", []string{"1m", "2m", "3m", "5m"})
	v.SetDefault("signals.history_size", 20)
	v.SetDefault("signals.confidence_min", 55)
	v.SetDefault("signals.confidence_max", 95)

	v.SetDefault("dispatcher.delivery_timeout", "5s")
	v.SetDefault("dispatcher.failure_threshold", 5)
	v.SetDefault("dispatcher.queue_size", 16)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":5000")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.default_instrument", "EURUSD")
	v.SetDefault("http.default_timeframe", "1m")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.request_timeout", "10s")

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.ping_interval", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "signals")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "signals")
	v.SetDefault("kafka.write_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Signals.Instruments) == 0 {
		return fmt.Errorf("signals.instruments cannot be empty")
	}
	for _, inst := range c.Signals.Instruments {
		if _, err := signal.NormalizeInstrument(inst); err != nil {
			return fmt.Errorf("signals.instruments: %w", err)
		}
	}
	if _, err := c.TimeframeMinutes(); err != nil {
		return err
	}
	if c.Signals.HistorySize <= 0 {
		return fmt.Errorf("signals.history_size must be greater than zero")
	}
	if c.Signals.ConfidenceMin < 0 || c.Signals.ConfidenceMax < 1 || c.Signals.ConfidenceMax > 100 || c.Signals.ConfidenceMin > c.Signals.ConfidenceMax {
		return fmt.Errorf("signals.confidence_min/max must satisfy 0 <= min <= max <= 100 and max >= 1")
	}
	for inst, rng := range c.Signals.PriceRanges {
		if rng.Min <= 0 || rng.Max < rng.Min {
			return fmt.Errorf("signals.price_ranges.%s must satisfy 0 < min <= max", inst)
		}
	}
	if c.Dispatcher.DeliveryTimeout <= 0 {
		return fmt.Errorf("dispatcher.delivery_timeout must be greater than zero")
	}
	if c.Dispatcher.FailureThreshold <= 0 {
		return fmt.Errorf("dispatcher.failure_threshold must be greater than zero")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token must be set when telegram is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Redis.Enabled && c.Redis.Channel == "" {
		return fmt.Errorf("redis.channel is required when redis is enabled")
	}
	return nil
}

// TimeframeMinutes parses signals.timeframes.
func (c *Config) TimeframeMinutes() ([]int, error) {
	if len(c.Signals.Timeframes) == 0 {
		return nil, fmt.Errorf("signals.timeframes cannot be empty")
	}
	out := make([]int, 0, len(c.Signals.Timeframes))
	for _, raw := range c.Signals.Timeframes {
		minutes, err := signal.ParseTimeframe(raw)
		if err != nil {
			return nil, fmt.Errorf("signals.timeframes: %w", err)
		}
		out = append(out, minutes)
	}
	return out, nil
}

// FactoryConfig merges configured price ranges over the built-in ones.
func (c *Config) FactoryConfig() signal.FactoryConfig {
	fc := signal.DefaultFactoryConfig()
	fc.ConfidenceMin = c.Signals.ConfidenceMin
	fc.ConfidenceMax = c.Signals.ConfidenceMax
	for inst, rng := range c.Signals.PriceRanges {
		key, err := signal.NormalizeInstrument(inst)
		if err != nil {
			continue
		}
		places := rng.Places
		if places <= 0 {
			places = 5
		}
		fc.PriceRanges[key] = signal.PriceRange{
			Min:    decimal.NewFromFloat(rng.Min),
			Max:    decimal.NewFromFloat(rng.Max),
			Places: places,
		}
	}
	return fc
}

// QueryableInstruments lists the instruments that may be queried on demand:
// the broadcast set plus every instrument with an explicit price range.
func (c *Config) QueryableInstruments() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		inst, err := signal.NormalizeInstrument(raw)
		if err != nil {
			return
		}
		if _, ok := seen[inst]; ok {
			return
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	for _, inst := range c.Signals.Instruments {
		add(inst)
	}
	for inst := range c.FactoryConfig().PriceRanges {
		add(inst)
	}
	sort.Strings(out)
	return out
}
