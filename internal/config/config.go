// Package config provides configuration management for the worker runtime.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/hskwon/stampede/internal/traderr"
)

// Trading modes.
const (
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

// Interval defaults, in milliseconds.
const (
	defaultPollIntervalMs      = 5000
	defaultHeartbeatIntervalMs = 30000
	defaultLockTTLMs           = 300000
	defaultShutdownDeadlineMs  = 60000
	defaultRPCTimeoutMs        = 10000
	defaultRPCMaxRetries       = 3
	defaultRateLimitPerSec     = 20
	defaultSweepIntervalMs     = 30000
	defaultLostOrderTimeoutMs  = 300000
	defaultExitOrderTimeoutMs  = 30000
	defaultExitMaxRetries      = 3
	defaultStalenessMs         = 60000
	defaultMaxCandidates       = 10
)

// Config is the complete application configuration.
type Config struct {
	Trading       TradingConfig  `yaml:"trading"`
	Broker        BrokerConfig   `yaml:"broker"`
	Runtime       RuntimeConfig  `yaml:"runtime"`
	Risk          RiskConfig     `yaml:"risk"`
	Strategy      StrategyConfig `yaml:"strategy"`
	Universe      UniverseConfig `yaml:"universe"`
	Notifications NotifyConfig   `yaml:"notifications"`
	Store         StoreConfig    `yaml:"store"`
	Health        HealthConfig   `yaml:"health"`
}

// TradingConfig selects the trading mode and the worker identity.
type TradingConfig struct {
	Mode     string `yaml:"mode"`      // PAPER | LIVE
	WorkerID string `yaml:"worker_id"` // overridable by --worker-id
}

// BrokerConfig defines broker API credentials and endpoints. Mode selects
// between the paper and live URL pairs.
type BrokerConfig struct {
	AppKey        string `yaml:"app_key"`
	AppSecret     string `yaml:"app_secret"`
	AccountNumber string `yaml:"account_number"`

	PaperBaseURL   string `yaml:"paper_base_url"`
	PaperStreamURL string `yaml:"paper_stream_url"`
	LiveBaseURL    string `yaml:"live_base_url"`
	LiveStreamURL  string `yaml:"live_stream_url"`

	RPCTimeoutMs    int     `yaml:"rpc_timeout_ms"`
	RPCMaxRetries   int     `yaml:"rpc_max_retries"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

// RuntimeConfig defines the loop cadences and coordination windows.
type RuntimeConfig struct {
	PollIntervalMs      int `yaml:"poll_interval_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	LockTTLMs           int `yaml:"lock_ttl_ms"`
	LockRenewThreshMs   int `yaml:"lock_renew_threshold_ms"` // default TTL/3
	ShutdownDeadlineMs  int `yaml:"shutdown_deadline_ms"`
	SweepIntervalMs     int `yaml:"sweep_interval_ms"`
	LostOrderTimeoutMs  int `yaml:"lost_order_timeout_ms"`
	ExitOrderTimeoutMs  int `yaml:"exit_order_timeout_ms"`
	ExitMaxRetries      int `yaml:"exit_max_retries"`
}

// RiskConfig bounds capital use and forces liquidation before close.
type RiskConfig struct {
	CapitalLimitPerWorker      float64 `yaml:"capital_limit_per_worker"`
	DailyLossLimit             float64 `yaml:"daily_loss_limit"`
	SessionClose               string  `yaml:"session_close"` // HH:MM local session time
	SessionLiquidationOffsetMn int     `yaml:"session_liquidation_offset_min"`
}

// StrategyConfig selects and parameterizes the trading strategy.
type StrategyConfig struct {
	Name             string             `yaml:"name"`
	MinBuyConfidence float64            `yaml:"min_buy_confidence"`
	Params           map[string]float64 `yaml:"params"`
}

// UniverseConfig enumerates the scanned symbols and their coarse filters.
type UniverseConfig struct {
	Symbols       []string `yaml:"symbols"`
	MinVolume     int64    `yaml:"min_volume"`
	MinTurnover   float64  `yaml:"min_turnover"`
	PriceMin      float64  `yaml:"price_min"`
	PriceMax      float64  `yaml:"price_max"`
	StalenessMs   int      `yaml:"staleness_ms"`
	MaxCandidates int      `yaml:"max_candidates"`
}

// NotifyConfig configures operational alerts. Empty webhook = no-op.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// StoreConfig points at the shared coordination store.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// HealthConfig configures the status HTTP listener. Empty addr disables it.
type HealthConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads the YAML file at configPath, expanding ${VAR} references from
// the environment (a .env file beside the process is honored when present).
func Load(configPath string) (*Config, error) {
	// Missing .env is fine; explicit env wins either way.
	_ = godotenv.Load()

	if configPath == "" {
		configPath = "config.yaml"
	}
	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	r := &c.Runtime
	setIfZero(&r.PollIntervalMs, defaultPollIntervalMs)
	setIfZero(&r.HeartbeatIntervalMs, defaultHeartbeatIntervalMs)
	setIfZero(&r.LockTTLMs, defaultLockTTLMs)
	setIfZero(&r.LockRenewThreshMs, r.LockTTLMs/3)
	setIfZero(&r.ShutdownDeadlineMs, defaultShutdownDeadlineMs)
	setIfZero(&r.SweepIntervalMs, defaultSweepIntervalMs)
	setIfZero(&r.LostOrderTimeoutMs, defaultLostOrderTimeoutMs)
	setIfZero(&r.ExitOrderTimeoutMs, defaultExitOrderTimeoutMs)
	setIfZero(&r.ExitMaxRetries, defaultExitMaxRetries)

	b := &c.Broker
	setIfZero(&b.RPCTimeoutMs, defaultRPCTimeoutMs)
	setIfZero(&b.RPCMaxRetries, defaultRPCMaxRetries)
	if b.RateLimitPerSec == 0 {
		b.RateLimitPerSec = defaultRateLimitPerSec
	}

	u := &c.Universe
	setIfZero(&u.StalenessMs, defaultStalenessMs)
	setIfZero(&u.MaxCandidates, defaultMaxCandidates)

	if c.Strategy.Name == "" {
		c.Strategy.Name = "momentum"
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModePaper
	}
}

func setIfZero(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that the configuration is complete and consistent. All
// failures are ConfigError: fatal at startup, never raised at runtime.
func (c *Config) Validate() error {
	if c.Trading.Mode != ModePaper && c.Trading.Mode != ModeLive {
		return &traderr.ConfigError{Field: "trading.mode", Msg: "must be PAPER or LIVE"}
	}
	if c.Broker.AppKey == "" {
		return &traderr.ConfigError{Field: "broker.app_key", Msg: "required"}
	}
	if c.Broker.AppSecret == "" {
		return &traderr.ConfigError{Field: "broker.app_secret", Msg: "required"}
	}
	if c.Broker.AccountNumber == "" {
		return &traderr.ConfigError{Field: "broker.account_number", Msg: "required"}
	}
	if c.BaseURL() == "" {
		return &traderr.ConfigError{Field: "broker", Msg: "base URL for mode " + c.Trading.Mode + " is required"}
	}
	if c.Store.DatabaseURL == "" {
		return &traderr.ConfigError{Field: "store.database_url", Msg: "required"}
	}
	if len(c.Universe.Symbols) == 0 {
		return &traderr.ConfigError{Field: "universe.symbols", Msg: "at least one symbol is required"}
	}
	if c.Strategy.MinBuyConfidence < 0 || c.Strategy.MinBuyConfidence > 1 {
		return &traderr.ConfigError{Field: "strategy.min_buy_confidence", Msg: "must be in [0, 1]"}
	}
	if c.Risk.SessionClose != "" {
		if _, err := time.Parse("15:04", c.Risk.SessionClose); err != nil {
			return &traderr.ConfigError{Field: "risk.session_close", Msg: "must be HH:MM"}
		}
	}
	if c.Runtime.LockRenewThreshMs >= c.Runtime.LockTTLMs {
		return &traderr.ConfigError{Field: "runtime.lock_renew_threshold_ms", Msg: "must be below lock_ttl_ms"}
	}
	return nil
}

// BaseURL returns the REST endpoint for the configured mode.
func (c *Config) BaseURL() string {
	if c.Trading.Mode == ModeLive {
		return c.Broker.LiveBaseURL
	}
	return c.Broker.PaperBaseURL
}

// StreamURL returns the WebSocket endpoint for the configured mode.
func (c *Config) StreamURL() string {
	if c.Trading.Mode == ModeLive {
		return c.Broker.LiveStreamURL
	}
	return c.Broker.PaperStreamURL
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r RuntimeConfig) PollInterval() time.Duration       { return ms(r.PollIntervalMs) }
func (r RuntimeConfig) HeartbeatInterval() time.Duration  { return ms(r.HeartbeatIntervalMs) }
func (r RuntimeConfig) LockTTL() time.Duration            { return ms(r.LockTTLMs) }
func (r RuntimeConfig) LockRenewThreshold() time.Duration { return ms(r.LockRenewThreshMs) }
func (r RuntimeConfig) ShutdownDeadline() time.Duration   { return ms(r.ShutdownDeadlineMs) }
func (r RuntimeConfig) SweepInterval() time.Duration      { return ms(r.SweepIntervalMs) }
func (r RuntimeConfig) LostOrderTimeout() time.Duration   { return ms(r.LostOrderTimeoutMs) }
func (r RuntimeConfig) ExitOrderTimeout() time.Duration   { return ms(r.ExitOrderTimeoutMs) }

func (b BrokerConfig) RPCTimeout() time.Duration { return ms(b.RPCTimeoutMs) }

func (u UniverseConfig) Staleness() time.Duration { return ms(u.StalenessMs) }

// LiquidationTime returns the forced-exit window opening for the given day,
// or the zero time when no session close is configured.
func (c *Config) LiquidationTime(day time.Time) time.Time {
	if c.Risk.SessionClose == "" {
		return time.Time{}
	}
	closeAt, err := time.Parse("15:04", c.Risk.SessionClose)
	if err != nil {
		return time.Time{}
	}
	t := time.Date(day.Year(), day.Month(), day.Day(), closeAt.Hour(), closeAt.Minute(), 0, 0, day.Location())
	return t.Add(-time.Duration(c.Risk.SessionLiquidationOffsetMn) * time.Minute)
}
