package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backtester.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STORAGE_DRIVER", "DATA_DIR", "SQLITE_PATH", "POSTGRES_DSN",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_DATA_URL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
		"LOG_LEVEL", "OTLP_ENDPOINT", "ADVISOR_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  data_dir: "/tmp/backtester/data"
  sqlite_path: "/tmp/backtester/bars.db"
  market: "crypto"
server:
  host: "127.0.0.1"
  port: 8081
  grpc_port: 9091
  script_dir: "/srv/strategies"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  data_url: "https://data.alpaca.markets"
  rate_limit_per_min: 150
logging:
  level: "debug"
  format: "text"
telemetry:
  otlp_endpoint: "localhost:4318"
  interval: 5s
backtest:
  symbol: "BTCUSDT"
  start: "2024-01-01"
  end: "2024-06-30"
  initial_capital: "25000"
  commission_rate: "0.0005"
  strategy: "sma-cross"
  params:
    short_period: "5"
    long_period: "20"
risk:
  max_position_pct: 0.1
  max_daily_loss_pct: 0.02
advisor:
  transport: "grpc"
  addr: "localhost:9091"
  timeout: 10s
sweep:
  short_periods: [3, 5]
  long_periods: [20, 30]
  workers: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.SQLitePath != "/tmp/backtester/bars.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/backtester/bars.db")
	}

	// -- Server --
	if cfg.Server.Port != 8081 || cfg.Server.GRPCPort != 9091 {
		t.Errorf("Server ports = %d/%d, want 8081/9091", cfg.Server.Port, cfg.Server.GRPCPort)
	}
	if cfg.Server.ScriptDir != "/srv/strategies" || cfg.Server.RunTimeout != 2*time.Minute {
		t.Errorf("Server script dir/timeout = %q/%s, want /srv/strategies/2m0s (default)", cfg.Server.ScriptDir, cfg.Server.RunTimeout)
	}

	// -- Telemetry --
	if cfg.Telemetry.Interval != 5*time.Second {
		t.Errorf("Telemetry.Interval = %v, want 5s", cfg.Telemetry.Interval)
	}
	if cfg.Telemetry.ServiceName != "backtester" {
		t.Errorf("Telemetry.ServiceName = %q, want default %q", cfg.Telemetry.ServiceName, "backtester")
	}

	// -- Backtest --
	start, end, err := cfg.Backtest.Window()
	if err != nil {
		t.Fatalf("Window() returned error: %v", err)
	}
	if !start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if end.Format(time.DateOnly) != "2024-06-30" || end.Hour() != 23 {
		t.Errorf("end = %v, want the last instant of 2024-06-30", end)
	}
	capital, _ := cfg.Backtest.Capital()
	if capital.String() != "25000" {
		t.Errorf("Capital() = %s, want 25000", capital)
	}
	if cfg.Backtest.Params["long_period"] != "20" {
		t.Errorf("Params[long_period] = %q, want 20", cfg.Backtest.Params["long_period"])
	}
	if cfg.Backtest.RiskFreeRate != 0.02 {
		t.Errorf("RiskFreeRate = %v, want default 0.02", cfg.Backtest.RiskFreeRate)
	}

	// -- Risk / Advisor / Sweep --
	if cfg.Risk.MaxPositionPct != 0.1 {
		t.Errorf("Risk.MaxPositionPct = %v, want 0.1", cfg.Risk.MaxPositionPct)
	}
	if cfg.Advisor.Timeout != 10*time.Second {
		t.Errorf("Advisor.Timeout = %v, want 10s", cfg.Advisor.Timeout)
	}
	if len(cfg.Sweep.ShortPeriods) != 2 || cfg.Sweep.Workers != 4 {
		t.Errorf("Sweep = %+v", cfg.Sweep)
	}

	opts := cfg.StoreOptions()
	if opts.Alpaca.RateLimitPerMin != 150 || string(opts.Market) != "crypto" {
		t.Errorf("StoreOptions() = %+v", opts)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/from/file"
alpaca:
  api_key: "file-key"
`)

	t.Setenv("DATA_DIR", "/from/env")
	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@db/bars")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Storage.DataDir != "/from/env" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/from/env")
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("Alpaca.APIKey = %q, want APCA_API_KEY_ID to win", cfg.Alpaca.APIKey)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Storage.PostgresDSN != "postgres://u:p@db/bars" {
		t.Errorf("Storage.PostgresDSN = %q", cfg.Storage.PostgresDSN)
	}
	if cfg.Storage.Driver != "parquet" {
		t.Errorf("Storage.Driver = %q, want default parquet", cfg.Storage.Driver)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want not-exist", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Load() returned nil error for malformed YAML")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("BACKTEST_CONFIG", "")
	if got := Path(); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv("BACKTEST_CONFIG", "/etc/bt.yaml")
	if got := Path(); got != "/etc/bt.yaml" {
		t.Errorf("Path() = %q, want /etc/bt.yaml", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"unknown market", func(c *Config) { c.Storage.Market = "mars" }, "storage.market"},
		{"inverted window", func(c *Config) { c.Backtest.Start, c.Backtest.End = "2024-02-01", "2024-01-01" }, "before start"},
		{"bad date", func(c *Config) { c.Backtest.Start, c.Backtest.End = "yesterday", "2024-01-01" }, "start"},
		{"negative capital", func(c *Config) { c.Backtest.InitialCapital = "-1" }, "negative"},
		{"bad capital", func(c *Config) { c.Backtest.InitialCapital = "lots" }, "initial_capital"},
		{"commission too high", func(c *Config) { c.Backtest.CommissionRate = "1" }, "commission_rate"},
		{"negative run timeout", func(c *Config) { c.Server.RunTimeout = -time.Second }, "server.run_timeout"},
		{"negative risk", func(c *Config) { c.Risk.MaxDailyLossPct = -0.1 }, "risk limits"},
		{"grpc without addr", func(c *Config) { c.Advisor.Transport = "grpc" }, "advisor.addr"},
		{"unknown transport", func(c *Config) { c.Advisor.Transport = "pigeon" }, "advisor.transport"},
		{"bad threshold", func(c *Config) { c.Advisor.Threshold = "2%" }, "advisor.threshold"},
		{"zero sweep period", func(c *Config) { c.Sweep.ShortPeriods = []int{0} }, "sweep periods"},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestAdvisorOptions(t *testing.T) {
	cfg := Default()
	o, err := cfg.AdvisorOptions(nil)
	if err != nil {
		t.Fatalf("AdvisorOptions() error = %v", err)
	}
	if o.Transport != "momentum" || o.Lookback != 20*24*time.Hour || o.Threshold.String() != "0.02" {
		t.Errorf("AdvisorOptions() = %+v", o)
	}

	cfg.Advisor.Threshold = "x"
	if _, err := cfg.AdvisorOptions(nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("AdvisorOptions() error = %v, want ErrInvalid", err)
	}

	cfg.Advisor = Advisor{Transport: "grpc", Addr: "advisor:9090", Threshold: "x"}
	o, err = cfg.AdvisorOptions(nil)
	if err != nil || o.Addr != "advisor:9090" {
		t.Errorf("AdvisorOptions() = %+v, %v", o, err)
	}
}
