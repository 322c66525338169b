package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hskwon/stampede/internal/traderr"
)

const validYAML = `
trading:
  mode: PAPER
  worker_id: w1
broker:
  app_key: ${TEST_APP_KEY}
  app_secret: secret
  account_number: "12345678"
  paper_base_url: https://paperapi.example.com
  paper_stream_url: wss://paperstream.example.com
risk:
  capital_limit_per_worker: 1000000
  daily_loss_limit: 50000
  session_close: "15:30"
  session_liquidation_offset_min: 10
strategy:
  name: momentum
  min_buy_confidence: 0.5
  params:
    min_change_pct: 3.0
universe:
  symbols: [AAA, BBB]
  min_volume: 10000
store:
  database_url: /tmp/stampede.db
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_APP_KEY", "key-from-env")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Broker.AppKey != "key-from-env" {
		t.Errorf("AppKey = %q, want env-expanded value", cfg.Broker.AppKey)
	}
	if cfg.Runtime.PollInterval() != 5*time.Second {
		t.Errorf("PollInterval = %v, want default 5s", cfg.Runtime.PollInterval())
	}
	if cfg.Runtime.LockTTL() != 5*time.Minute {
		t.Errorf("LockTTL = %v, want default 5m", cfg.Runtime.LockTTL())
	}
	// The renew threshold defaults to a third of the TTL.
	if cfg.Runtime.LockRenewThreshold() != cfg.Runtime.LockTTL()/3 {
		t.Errorf("LockRenewThreshold = %v, want TTL/3", cfg.Runtime.LockRenewThreshold())
	}
	if cfg.Universe.MaxCandidates != 10 {
		t.Errorf("MaxCandidates = %d, want default 10", cfg.Universe.MaxCandidates)
	}
	if cfg.Broker.RateLimitPerSec != 20 {
		t.Errorf("RateLimitPerSec = %v, want default 20", cfg.Broker.RateLimitPerSec)
	}
	if cfg.BaseURL() != "https://paperapi.example.com" {
		t.Errorf("BaseURL = %q, want paper endpoint", cfg.BaseURL())
	}
	if cfg.Strategy.Params["min_change_pct"] != 3.0 {
		t.Errorf("Params = %v, want min_change_pct 3.0", cfg.Strategy.Params)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Setenv("TEST_APP_KEY", "k")
	_, err := Load(writeConfig(t, validYAML+"\nbogus_section:\n  x: 1\n"))
	if err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing config file accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		c := &Config{}
		c.Trading.Mode = ModePaper
		c.Broker.AppKey = "k"
		c.Broker.AppSecret = "s"
		c.Broker.AccountNumber = "1"
		c.Broker.PaperBaseURL = "https://api.example.com"
		c.Store.DatabaseURL = "/tmp/db"
		c.Universe.Symbols = []string{"AAA"}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"bad mode", func(c *Config) { c.Trading.Mode = "DEMO" }, "trading.mode"},
		{"missing app key", func(c *Config) { c.Broker.AppKey = "" }, "broker.app_key"},
		{"missing secret", func(c *Config) { c.Broker.AppSecret = "" }, "broker.app_secret"},
		{"missing account", func(c *Config) { c.Broker.AccountNumber = "" }, "broker.account_number"},
		{"missing base url for mode", func(c *Config) {
			c.Trading.Mode = ModeLive
			c.Broker.LiveBaseURL = ""
		}, "broker"},
		{"missing database", func(c *Config) { c.Store.DatabaseURL = "" }, "store.database_url"},
		{"empty universe", func(c *Config) { c.Universe.Symbols = nil }, "universe.symbols"},
		{"confidence out of range", func(c *Config) { c.Strategy.MinBuyConfidence = 1.5 }, "strategy.min_buy_confidence"},
		{"bad session close", func(c *Config) { c.Risk.SessionClose = "9pm" }, "risk.session_close"},
		{"renew threshold too large", func(c *Config) {
			c.Runtime.LockRenewThreshMs = c.Runtime.LockTTLMs
		}, "runtime.lock_renew_threshold_ms"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			var cerr *traderr.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate = %v, want ConfigError", err)
			}
			if cerr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", cerr.Field, tt.wantField)
			}
		})
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestLiquidationTime(t *testing.T) {
	t.Parallel()

	c := &Config{}
	c.Risk.SessionClose = "15:30"
	c.Risk.SessionLiquidationOffsetMn = 10

	day := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got := c.LiquidationTime(day)
	want := time.Date(2026, 3, 2, 15, 20, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("LiquidationTime = %v, want %v", got, want)
	}

	c.Risk.SessionClose = ""
	if !c.LiquidationTime(day).IsZero() {
		t.Error("LiquidationTime without session close should be zero")
	}
}
