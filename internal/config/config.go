// Package config loads the backtester configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"backtester/internal/advice"
	"backtester/internal/domain"
	"backtester/internal/store"
)

// DefaultPath is used when BACKTEST_CONFIG is unset.
const DefaultPath = "config/backtester.yaml"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the backtester.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
	Backtest  Backtest  `yaml:"backtest"`
	Risk      Risk      `yaml:"risk"`
	Advisor   Advisor   `yaml:"advisor"`
	Sweep     Sweep     `yaml:"sweep"`
}

// Storage selects the historical data backend.
type Storage struct {
	Driver      string `yaml:"driver"` // parquet | sqlite | postgres | alpaca
	DataDir     string `yaml:"data_dir"`
	Market      string `yaml:"market"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Server holds network listener configuration. Scripted strategies are
// served only when ScriptDir is set, and only from inside it.
type Server struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	GRPCPort   int           `yaml:"grpc_port"`
	ScriptDir  string        `yaml:"script_dir"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Telemetry configures metric export. An empty endpoint disables export.
type Telemetry struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	ServiceName  string        `yaml:"service_name"`
	Interval     time.Duration `yaml:"interval"`
}

// Backtest describes the default run. Money values are decimal strings so
// they never pass through float64.
type Backtest struct {
	Symbol         string            `yaml:"symbol"`
	Start          string            `yaml:"start"` // YYYY-MM-DD
	End            string            `yaml:"end"`   // YYYY-MM-DD, inclusive
	InitialCapital string            `yaml:"initial_capital"`
	CommissionRate string            `yaml:"commission_rate"`
	RiskFreeRate   float64           `yaml:"risk_free_rate"`
	Strategy       string            `yaml:"strategy"`
	Params         map[string]string `yaml:"params"`
}

// Risk holds the optional pre-trade limits. Zero disables a rule.
type Risk struct {
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
}

// Advisor configures the signal source of the advised strategy.
type Advisor struct {
	Transport    string        `yaml:"transport"` // momentum | grpc | websocket | none
	Addr         string        `yaml:"addr"`
	Timeout      time.Duration `yaml:"timeout"`
	LookbackDays int           `yaml:"lookback_days"`
	Threshold    string        `yaml:"threshold"`
}

// Sweep lists the SMA periods tried by a parameter sweep.
type Sweep struct {
	ShortPeriods []int `yaml:"short_periods"`
	LongPeriods  []int `yaml:"long_periods"`
	Workers      int   `yaml:"workers"`
}

// Default returns the configuration used for any field the file leaves out.
func Default() *Config {
	return &Config{
		Storage: Storage{Driver: "parquet", DataDir: "data", Market: string(domain.MarketUS)},
		Server:  Server{Host: "0.0.0.0", Port: 8080, GRPCPort: 9090, RunTimeout: 2 * time.Minute},
		Alpaca:  Alpaca{RateLimitPerMin: 200},
		Logging: Logging{Level: "info", Format: "json"},
		Telemetry: Telemetry{
			ServiceName: "backtester",
			Interval:    15 * time.Second,
		},
		Backtest: Backtest{
			InitialCapital: "10000",
			CommissionRate: "0.001",
			RiskFreeRate:   0.02,
			Strategy:       "sma-cross",
		},
		Advisor: Advisor{
			Transport:    "momentum",
			Timeout:      30 * time.Second,
			LookbackDays: 20,
			Threshold:    "0.02",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns BACKTEST_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("BACKTEST_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over Default,
// and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides lists the environment variables that override file values.
// Unset variables leave the file value alone.
type envOverrides struct {
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	DataDir       string `envconfig:"DATA_DIR"`
	SQLitePath    string `envconfig:"SQLITE_PATH"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	AlpacaKey     string `envconfig:"ALPACA_API_KEY"`
	AlpacaSecret  string `envconfig:"ALPACA_API_SECRET"`
	AlpacaDataURL string `envconfig:"ALPACA_DATA_URL"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	OTLPEndpoint  string `envconfig:"OTLP_ENDPOINT"`
	AdvisorAddr   string `envconfig:"ADVISOR_ADDR"`

	// Standard Alpaca names used by the SDK; they win over ALPACA_*.
	APCAKeyID     string `envconfig:"APCA_API_KEY_ID"`
	APCASecretKey string `envconfig:"APCA_API_SECRET_KEY"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.Driver, env.StorageDriver)
	set(&cfg.Storage.DataDir, env.DataDir)
	set(&cfg.Storage.SQLitePath, env.SQLitePath)
	set(&cfg.Storage.PostgresDSN, env.PostgresDSN)
	set(&cfg.Alpaca.APIKey, env.AlpacaKey)
	set(&cfg.Alpaca.APISecret, env.AlpacaSecret)
	set(&cfg.Alpaca.DataURL, env.AlpacaDataURL)
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Telemetry.OTLPEndpoint, env.OTLPEndpoint)
	set(&cfg.Advisor.Addr, env.AdvisorAddr)
	set(&cfg.Alpaca.APIKey, env.APCAKeyID)
	set(&cfg.Alpaca.APISecret, env.APCASecretKey)
	return nil
}

// ---------------------------------------------------------------------------
// Validation and typed accessors
// ---------------------------------------------------------------------------

// Validate checks the configuration for values no command can run with.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "parquet", "sqlite", "postgres", "alpaca":
	default:
		fail("storage.driver %q is not one of parquet, sqlite, postgres, alpaca", c.Storage.Driver)
	}
	switch domain.Market(c.Storage.Market) {
	case domain.MarketUS, domain.MarketCN, domain.MarketCrypto:
	default:
		fail("storage.market %q is not one of us, cn, crypto", c.Storage.Market)
	}

	if c.Backtest.Start != "" || c.Backtest.End != "" {
		if _, _, err := c.Backtest.Window(); err != nil {
			fail("backtest window: %v", err)
		}
	}
	if capital, err := c.Backtest.Capital(); err != nil {
		fail("backtest.initial_capital: %v", err)
	} else if capital.IsNegative() {
		fail("backtest.initial_capital %s is negative", capital)
	}
	if rate, err := c.Backtest.Commission(); err != nil {
		fail("backtest.commission_rate: %v", err)
	} else if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		fail("backtest.commission_rate %s outside [0, 1)", rate)
	}

	if c.Server.RunTimeout < 0 {
		fail("server.run_timeout must not be negative")
	}

	if c.Risk.MaxPositionPct < 0 || c.Risk.MaxDailyLossPct < 0 {
		fail("risk limits must not be negative")
	}

	switch c.Advisor.Transport {
	case "momentum", "none", "":
	case "grpc", "websocket":
		if c.Advisor.Addr == "" {
			fail("advisor.addr is required for transport %s", c.Advisor.Transport)
		}
	default:
		fail("advisor.transport %q is not one of momentum, grpc, websocket, none", c.Advisor.Transport)
	}

	if _, err := decimal.NewFromString(c.Advisor.Threshold); err != nil && c.Advisor.Transport == "momentum" {
		fail("advisor.threshold: %v", err)
	}

	for _, p := range append(append([]int{}, c.Sweep.ShortPeriods...), c.Sweep.LongPeriods...) {
		if p <= 0 {
			fail("sweep periods must be positive, got %d", p)
			break
		}
	}
	return errors.Join(errs...)
}

// Window parses start and end. End is inclusive: it is moved to the last
// instant of its day.
func (b Backtest) Window() (time.Time, time.Time, error) {
	start, err := time.Parse(time.DateOnly, b.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}
	end, err := time.Parse(time.DateOnly, b.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}
	end = end.Add(24*time.Hour - time.Nanosecond)
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is before start %s", b.End, b.Start)
	}
	return start, end, nil
}

// Capital parses initial_capital.
func (b Backtest) Capital() (decimal.Decimal, error) {
	return decimal.NewFromString(b.InitialCapital)
}

// Commission parses commission_rate.
func (b Backtest) Commission() (decimal.Decimal, error) {
	return decimal.NewFromString(b.CommissionRate)
}

// StoreOptions translates the storage and alpaca sections for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:      c.Storage.Driver,
		DataDir:     c.Storage.DataDir,
		Market:      domain.Market(c.Storage.Market),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		Alpaca: store.AlpacaOptions{
			APIKey:          c.Alpaca.APIKey,
			APISecret:       c.Alpaca.APISecret,
			DataURL:         c.Alpaca.DataURL,
			Feed:            c.Alpaca.Feed,
			RateLimitPerMin: c.Alpaca.RateLimitPerMin,
		},
	}
}

// AdvisorOptions translates the advisor section for advice.Open. bars feeds
// the momentum advisor.
func (c *Config) AdvisorOptions(bars store.BarReader) (advice.Options, error) {
	o := advice.Options{
		Transport: c.Advisor.Transport,
		Addr:      c.Advisor.Addr,
		Lookback:  time.Duration(c.Advisor.LookbackDays) * 24 * time.Hour,
		Bars:      bars,
	}
	if c.Advisor.Transport == "momentum" {
		t, err := decimal.NewFromString(c.Advisor.Threshold)
		if err != nil {
			return advice.Options{}, fmt.Errorf("%w: advisor.threshold: %v", ErrInvalid, err)
		}
		o.Threshold = t
	}
	return o, nil
}
