package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that must stop the process at startup.
var ErrInvalid = errors.New("invalid configuration")

const (
	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Venue     VenueConfig     `yaml:"venue"`
	Gate      GateConfig      `yaml:"gate"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Events    EventsConfig    `yaml:"events"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type VenueConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	QuoteAsset     string        `yaml:"quote_asset"`
	WalletAddress  string        `yaml:"wallet_address"`
	AccountAddress string        `yaml:"account_address"`
	VaultAddress   string        `yaml:"vault_address"`
	PrivateKey     string        `yaml:"-"`
}

type GateConfig struct {
	MaxInFlight       int           `yaml:"max_in_flight"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	Burst             int           `yaml:"burst"`
	MarketDataRetries int           `yaml:"market_data_retries"`
	AccountRetries    int           `yaml:"account_retries"`
	OrderRetries      int           `yaml:"order_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
}

type StateConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type StrategyConfig struct {
	TickInterval          time.Duration `yaml:"tick_interval"`
	CapitalFraction       float64       `yaml:"capital_fraction"`
	Leverage              int           `yaml:"leverage"`
	MinAPR                float64       `yaml:"min_apr"`
	FeeCoverageMultiplier float64       `yaml:"fee_coverage_multiplier"`
	MaxHold               time.Duration `yaml:"max_hold"`
	MinVolumeUSD          float64       `yaml:"min_volume_usd"`
	MaxSpreadPct          float64       `yaml:"max_spread_pct"`
	MAPeriods             int           `yaml:"ma_periods"`
	CurrentRateWeight     float64       `yaml:"current_rate_weight"`
	Instruments           []string      `yaml:"instruments"`
	ScanConcurrency       int           `yaml:"scan_concurrency"`
}

type RotationConfig struct {
	Disabled           bool          `yaml:"disabled"`
	MinImprovementAPR  float64       `yaml:"min_improvement_apr"`
	MinHold            time.Duration `yaml:"min_hold"`
	Multiplier         float64       `yaml:"multiplier"`
	MultiplierMinHold  time.Duration `yaml:"multiplier_min_hold"`
	MultiplierDisabled bool          `yaml:"multiplier_disabled"`
}

type RiskConfig struct {
	MaintenanceMargin    float64 `yaml:"maintenance_margin"`
	StopLossBuffer       float64 `yaml:"stop_loss_buffer"`
	MaxLeverage          int     `yaml:"max_leverage"`
	ImbalanceWarnPct     float64 `yaml:"imbalance_warn_pct"`
	ImbalanceCriticalPct float64 `yaml:"imbalance_critical_pct"`
	MinNotionalUSD       float64 `yaml:"min_notional_usd"`
	CloseOnCritical      *bool   `yaml:"close_on_critical"`
}

func (r RiskConfig) CloseOnCriticalValue() bool {
	if r.CloseOnCritical == nil {
		return true
	}
	return *r.CloseOnCritical
}

type ExecutionConfig struct {
	CrossTicks   int           `yaml:"cross_ticks"`
	TakerFeeRate float64       `yaml:"taker_fee_rate"`
	OrderTimeout time.Duration `yaml:"order_timeout"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is required", ErrInvalid)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// environment overrides.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Venue.BaseURL == "" {
		cfg.Venue.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.Venue.WSURL == "" {
		cfg.Venue.WSURL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.Venue.Timeout == 0 {
		cfg.Venue.Timeout = 10 * time.Second
	}
	if cfg.Venue.ReconnectDelay == 0 {
		cfg.Venue.ReconnectDelay = 3 * time.Second
	}
	if cfg.Venue.PingInterval == 0 {
		cfg.Venue.PingInterval = 30 * time.Second
	}
	if cfg.Venue.QuoteAsset == "" {
		cfg.Venue.QuoteAsset = "USDC"
	}

	if cfg.Gate.MaxInFlight == 0 {
		cfg.Gate.MaxInFlight = 2
	}
	if cfg.Gate.RatePerSecond == 0 {
		cfg.Gate.RatePerSecond = 5
	}
	if cfg.Gate.Burst == 0 {
		cfg.Gate.Burst = 5
	}
	if cfg.Gate.MarketDataRetries == 0 {
		cfg.Gate.MarketDataRetries = 5
	}
	if cfg.Gate.AccountRetries == 0 {
		cfg.Gate.AccountRetries = 3
	}
	if cfg.Gate.OrderRetries == 0 {
		cfg.Gate.OrderRetries = 2
	}
	if cfg.Gate.InitialBackoff == 0 {
		cfg.Gate.InitialBackoff = time.Second
	}
	if cfg.Gate.MaxBackoff == 0 {
		cfg.Gate.MaxBackoff = 30 * time.Second
	}
	if cfg.Gate.CallTimeout == 0 {
		cfg.Gate.CallTimeout = 15 * time.Second
	}

	if cfg.State.Backend == "" {
		cfg.State.Backend = StateBackendSQLite
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-rotation-bot.db"
	}
	if cfg.State.RedisPrefix == "" {
		cfg.State.RedisPrefix = "frb:"
	}

	if cfg.Strategy.TickInterval == 0 {
		cfg.Strategy.TickInterval = 5 * time.Minute
	}
	if cfg.Strategy.CapitalFraction == 0 {
		cfg.Strategy.CapitalFraction = 0.95
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 3
	}
	if cfg.Strategy.MinAPR == 0 {
		cfg.Strategy.MinAPR = 15
	}
	if cfg.Strategy.FeeCoverageMultiplier == 0 {
		cfg.Strategy.FeeCoverageMultiplier = 1.5
	}
	if cfg.Strategy.MaxHold == 0 {
		cfg.Strategy.MaxHold = 24 * time.Hour
	}
	if cfg.Strategy.MinVolumeUSD == 0 {
		cfg.Strategy.MinVolumeUSD = 250_000_000
	}
	if cfg.Strategy.MaxSpreadPct == 0 {
		cfg.Strategy.MaxSpreadPct = 0.15
	}
	if cfg.Strategy.MAPeriods == 0 {
		cfg.Strategy.MAPeriods = 10
	}
	if cfg.Strategy.CurrentRateWeight == 0 {
		cfg.Strategy.CurrentRateWeight = 1 / float64(cfg.Strategy.MAPeriods)
	}
	if cfg.Strategy.ScanConcurrency == 0 {
		cfg.Strategy.ScanConcurrency = 4
	}

	if cfg.Rotation.MinImprovementAPR == 0 {
		cfg.Rotation.MinImprovementAPR = 10
	}
	if cfg.Rotation.MinHold == 0 {
		cfg.Rotation.MinHold = 4 * time.Hour
	}
	if cfg.Rotation.Multiplier == 0 {
		cfg.Rotation.Multiplier = 2
	}
	if cfg.Rotation.MultiplierMinHold == 0 {
		cfg.Rotation.MultiplierMinHold = 2 * time.Hour
	}

	if cfg.Risk.MaintenanceMargin == 0 {
		cfg.Risk.MaintenanceMargin = 0.005
	}
	if cfg.Risk.StopLossBuffer == 0 {
		cfg.Risk.StopLossBuffer = 0.007
	}
	if cfg.Risk.MaxLeverage == 0 {
		cfg.Risk.MaxLeverage = 3
	}
	if cfg.Risk.ImbalanceWarnPct == 0 {
		cfg.Risk.ImbalanceWarnPct = 5
	}
	if cfg.Risk.ImbalanceCriticalPct == 0 {
		cfg.Risk.ImbalanceCriticalPct = 10
	}
	if cfg.Risk.MinNotionalUSD == 0 {
		cfg.Risk.MinNotionalUSD = 5
	}

	if cfg.Execution.CrossTicks == 0 {
		cfg.Execution.CrossTicks = 100
	}
	if cfg.Execution.TakerFeeRate == 0 {
		cfg.Execution.TakerFeeRate = 0.001
	}
	if cfg.Execution.OrderTimeout == 0 {
		cfg.Execution.OrderTimeout = 20 * time.Second
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9108"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}

	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "frb.lifecycle"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := envValue("FRB_PRIVATE_KEY"); v != "" {
		cfg.Venue.PrivateKey = v
	}
	if v := envValue("FRB_WALLET_ADDRESS"); v != "" {
		cfg.Venue.WalletAddress = v
	}
	if v := envValue("FRB_ACCOUNT_ADDRESS"); v != "" {
		cfg.Venue.AccountAddress = v
	}
	if v := envValue("FRB_VAULT_ADDRESS"); v != "" {
		cfg.Venue.VaultAddress = v
	}
	if v := envValue("FRB_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := envValue("FRB_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := envValue("FRB_TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := envValue("FRB_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := envValue("FRB_REDIS_ADDR"); v != "" {
		cfg.State.RedisAddr = v
	}
	if cfg.Venue.AccountAddress == "" {
		cfg.Venue.AccountAddress = cfg.Venue.WalletAddress
	}
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	switch {
	case s.TickInterval <= 0:
		return invalid("strategy.tick_interval must be > 0")
	case s.CapitalFraction <= 0 || s.CapitalFraction > 1:
		return invalid("strategy.capital_fraction must be in (0, 1]")
	case s.Leverage < 1:
		return invalid("strategy.leverage must be >= 1")
	case s.Leverage > cfg.Risk.MaxLeverage:
		return invalid("strategy.leverage %d exceeds risk.max_leverage %d", s.Leverage, cfg.Risk.MaxLeverage)
	case s.FeeCoverageMultiplier <= 0:
		return invalid("strategy.fee_coverage_multiplier must be > 0")
	case s.MaxHold <= 0:
		return invalid("strategy.max_hold must be > 0")
	case s.MinVolumeUSD < 0:
		return invalid("strategy.min_volume_usd must be >= 0")
	case s.MaxSpreadPct <= 0:
		return invalid("strategy.max_spread_pct must be > 0")
	case s.MAPeriods < 1:
		return invalid("strategy.ma_periods must be >= 1")
	case s.CurrentRateWeight < 0 || s.CurrentRateWeight > 1:
		return invalid("strategy.current_rate_weight must be in [0, 1]")
	}
	r := cfg.Risk
	switch {
	case r.MaintenanceMargin < 0 || r.MaintenanceMargin >= 1:
		return invalid("risk.maintenance_margin must be in [0, 1)")
	case r.StopLossBuffer < 0:
		return invalid("risk.stop_loss_buffer must be >= 0")
	case r.ImbalanceWarnPct <= 0 || r.ImbalanceCriticalPct < r.ImbalanceWarnPct:
		return invalid("risk imbalance thresholds must satisfy 0 < warn <= critical")
	}
	if cfg.Rotation.Multiplier <= 1 && !cfg.Rotation.MultiplierDisabled {
		return invalid("rotation.multiplier must be > 1")
	}
	if cfg.Execution.CrossTicks < 0 {
		return invalid("execution.cross_ticks must be >= 0")
	}
	if cfg.Execution.TakerFeeRate < 0 {
		return invalid("execution.taker_fee_rate must be >= 0")
	}
	switch cfg.State.Backend {
	case StateBackendSQLite:
		if cfg.State.SQLitePath == "" {
			return invalid("state.sqlite_path is required")
		}
	case StateBackendRedis:
		if cfg.State.RedisAddr == "" {
			return invalid("state.redis_addr is required for redis backend")
		}
	default:
		return invalid("state.backend %q is not supported", cfg.State.Backend)
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return invalid("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return invalid("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Events.Enabled && cfg.Events.NATSURL == "" {
		return invalid("events.nats_url is required when events are enabled")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}
