// Package app assembles the backtester from its configuration: storage,
// advisor, strategy registry, telemetry and the engine options shared by the
// command-line tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/metric"

	"backtester/internal/advice"
	"backtester/internal/config"
	"backtester/internal/engine"
	"backtester/internal/metrics"
	"backtester/internal/store"
	"backtester/internal/strategy"
	"backtester/internal/strategy/builtins"
	"backtester/internal/telemetry"
)

// App holds the long-lived collaborators of one process.
type App struct {
	Config     *config.Config
	Bars       store.BarReader
	Advisor    advice.Advisor
	Backtester *engine.Backtester
	Meter      metric.MeterProvider

	log     *slog.Logger
	opts    []engine.Option
	closers []func(context.Context) error
}

// New opens storage, the advisor and telemetry described by cfg. Close
// releases them in reverse order.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	mp, shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.Meter = mp
	a.closers = append(a.closers, shutdown)

	bars, closeStore, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Bars = bars
	a.closers = append(a.closers, func(context.Context) error { return closeStore() })

	advOpts, err := cfg.AdvisorOptions(bars)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	advisor, closeAdvisor, err := advice.Open(advOpts)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open advisor: %w", err)
	}
	a.Advisor = advisor
	a.closers = append(a.closers, func(context.Context) error { return closeAdvisor() })

	a.opts = []engine.Option{
		engine.WithLogger(log),
		engine.WithMeterProvider(mp),
		engine.WithRiskLimits(cfg.Risk.MaxPositionPct, cfg.Risk.MaxDailyLossPct),
		engine.WithCalculator(metrics.NewCalculator(metrics.WithRiskFreeRate(cfg.Backtest.RiskFreeRate))),
	}

	reg := strategy.NewRegistry()
	builtins.RegisterDefaults(reg, advisor, log)
	a.Backtester = engine.NewBacktester(bars, reg, a.opts...)
	return a, nil
}

// ServerBacktester returns a Backtester for requests from the network.
// Scripted strategies are available only when server.script_dir is set and
// may only load files inside it.
func (a *App) ServerBacktester() *engine.Backtester {
	scripts := builtins.WithoutScripts()
	if dir := a.Config.Server.ScriptDir; dir != "" {
		scripts = builtins.WithScriptDir(dir)
	}
	reg := strategy.NewRegistry()
	builtins.RegisterDefaults(reg, a.Advisor, a.log, scripts)
	return engine.NewBacktester(a.Bars, reg, a.opts...)
}

// Close releases every resource New acquired.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// BaseRequest builds the run described by the backtest section.
func (a *App) BaseRequest() (engine.Request, error) {
	bt := a.Config.Backtest
	start, end, err := bt.Window()
	if err != nil {
		return engine.Request{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	capital, err := bt.Capital()
	if err != nil {
		return engine.Request{}, fmt.Errorf("%w: initial_capital: %v", config.ErrInvalid, err)
	}
	rate, err := bt.Commission()
	if err != nil {
		return engine.Request{}, fmt.Errorf("%w: commission_rate: %v", config.ErrInvalid, err)
	}
	params := strategy.Params(bt.Params).Clone()
	if bt.Strategy == "advised" && params["timeout"] == "" && a.Config.Advisor.Timeout > 0 {
		params["timeout"] = a.Config.Advisor.Timeout.String()
	}
	return engine.Request{
		Config: engine.Config{
			Symbol:         bt.Symbol,
			Start:          start,
			End:            end,
			InitialCapital: capital,
			CommissionRate: rate,
		},
		Strategy: bt.Strategy,
		Params:   params,
	}, nil
}

// SweepGrid expands the sweep section into SMA parameter sets, keeping only
// pairs with short < long.
func (a *App) SweepGrid() []strategy.Params {
	axes := map[string][]string{
		"short_period": itoa(a.Config.Sweep.ShortPeriods),
		"long_period":  itoa(a.Config.Sweep.LongPeriods),
	}
	var out []strategy.Params
	for _, p := range engine.ParamGrid(axes) {
		short, _ := p.Int("short_period", 0)
		long, _ := p.Int("long_period", 0)
		if short < long {
			out = append(out, p)
		}
	}
	return out
}

func itoa(ns []int) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = strconv.Itoa(n)
	}
	return out
}
