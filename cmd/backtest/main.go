package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"backtester/internal/app"
	"backtester/internal/config"
	"backtester/internal/engine"
	"backtester/internal/strategy"
	"backtester/internal/util"
)

// paramFlags collects repeated -param key=value flags.
type paramFlags map[string]string

func (p paramFlags) String() string { return fmt.Sprint(map[string]string(p)) }

func (p paramFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("want key=value, got %q", v)
	}
	p[k] = val
	return nil
}

func main() {
	cfgPath := flag.String("config", config.Path(), "path to the YAML config")
	symbol := flag.String("symbol", "", "symbol to backtest (overrides backtest.symbol)")
	start := flag.String("start", "", "first day, YYYY-MM-DD")
	end := flag.String("end", "", "last day, YYYY-MM-DD (inclusive)")
	strat := flag.String("strategy", "", "strategy name")
	capital := flag.String("capital", "", "initial capital")
	commission := flag.String("commission", "", "commission rate, e.g. 0.001")
	sweep := flag.Bool("sweep", false, "run the SMA parameter sweep from the sweep section")
	workers := flag.Int("workers", 0, "parallel sweep runs (0 = config or one per CPU)")
	asJSON := flag.Bool("json", false, "print the full result as JSON")
	params := paramFlags{}
	flag.Var(params, "param", "strategy parameter key=value (repeatable)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	override(&cfg.Backtest.Symbol, *symbol)
	override(&cfg.Backtest.Start, *start)
	override(&cfg.Backtest.End, *end)
	override(&cfg.Backtest.Strategy, *strat)
	override(&cfg.Backtest.InitialCapital, *capital)
	override(&cfg.Backtest.CommissionRate, *commission)
	if len(params) > 0 {
		if cfg.Backtest.Params == nil {
			cfg.Backtest.Params = map[string]string{}
		}
		for k, v := range params {
			cfg.Backtest.Params[k] = v
		}
	}
	if *workers > 0 {
		cfg.Sweep.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config:\n%v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	req, err := a.BaseRequest()
	if err != nil {
		log.Fatalf("building request: %v", err)
	}

	if *sweep {
		grid := a.SweepGrid()
		if len(grid) == 0 {
			log.Fatalf("sweep: no short<long period pairs configured")
		}
		logger.Info("starting sweep", "symbol", req.Symbol, "runs", len(grid), "workers", cfg.Sweep.Workers)
		results, err := a.Backtester.Sweep(ctx, req, grid, cfg.Sweep.Workers)
		if err != nil {
			log.Fatalf("sweep: %v", err)
		}
		if err := report(os.Stdout, *asJSON, grid, results); err != nil {
			log.Fatalf("writing report: %v", err)
		}
		return
	}

	logger.Info("starting backtest", "symbol", req.Symbol, "strategy", req.Strategy)
	res, err := a.Backtester.Run(ctx, req)
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}
	if err := report(os.Stdout, *asJSON, []strategy.Params{req.Params}, []*engine.Result{res}); err != nil {
		log.Fatalf("writing report: %v", err)
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// report prints one row per result, or the results themselves as JSON.
func report(w io.Writer, asJSON bool, grid []strategy.Params, results []*engine.Result) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(results) == 1 {
			return enc.Encode(results[0])
		}
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "strategy\tparams\ttrades\treturn %\tannual %\tmax dd %\tsharpe\tsortino\twin %\tpf\tfinal\t")
	for i, r := range results {
		m := r.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%.3f\t%.3f\t%s\t%s\t%s\t\n",
			r.Strategy,
			formatParams(grid[i]),
			m.TotalTrades,
			m.TotalReturn.StringFixed(2),
			m.AnnualReturn.StringFixed(2),
			m.MaxDrawdown.StringFixed(2),
			m.SharpeRatio,
			m.SortinoRatio,
			m.WinRate.StringFixed(1),
			m.ProfitFactor.StringFixed(2),
			r.Final.TotalValue.StringFixed(2),
		)
	}
	return tw.Flush()
}

func formatParams(p strategy.Params) string {
	if len(p) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p[k]
	}
	return strings.Join(parts, ",")
}
