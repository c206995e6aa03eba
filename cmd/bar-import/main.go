package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"backtester/internal/config"
	"backtester/internal/domain"
	"backtester/internal/store"
	"backtester/internal/util"
)

func main() {
	cfgPath := flag.String("config", config.Path(), "path to the YAML config")
	csvPath := flag.String("csv", "", "CSV file with timestamp,open,high,low,close,volume columns")
	symbol := flag.String("symbol", "", "symbol of the imported bars")
	fromAlpaca := flag.Bool("alpaca", false, "pull daily bars from Alpaca instead of a CSV file")
	start := flag.String("start", "", "first day to pull from Alpaca, YYYY-MM-DD")
	end := flag.String("end", "", "last day to pull from Alpaca, YYYY-MM-DD")
	list := flag.Bool("list", false, "print the symbols already in the store and exit")
	flag.Parse()

	if !*list && (*symbol == "" || (*csvPath == "") == !*fromAlpaca) {
		flag.Usage()
		log.Fatal("need -list, or -symbol and exactly one of -csv or -alpaca")
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config:\n%v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reader, closeStore, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer closeStore()
	target, ok := reader.(store.BarStore)
	if !ok {
		log.Fatalf("storage driver %q is read-only", cfg.Storage.Driver)
	}

	if *list {
		symbols, err := target.ListSymbols(ctx)
		if err != nil {
			log.Fatalf("listing symbols: %v", err)
		}
		for _, s := range symbols {
			fmt.Println(s)
		}
		return
	}

	var points []domain.MarketDataPoint
	if *fromAlpaca {
		from, to, err := config.Backtest{Start: *start, End: *end}.Window()
		if err != nil {
			log.Fatalf("alpaca window: %v", err)
		}
		src := store.NewAlpacaStore(cfg.StoreOptions().Alpaca)
		points, err = src.ReadBars(ctx, *symbol, from, to)
		if err != nil {
			log.Fatalf("fetching from alpaca: %v", err)
		}
	} else {
		f, err := os.Open(*csvPath)
		if err != nil {
			log.Fatalf("opening csv: %v", err)
		}
		points, err = store.ReadCSV(f, *symbol)
		f.Close()
		if err != nil {
			log.Fatalf("reading %s: %v", *csvPath, err)
		}
	}

	started := time.Now()
	if err := target.WriteBars(ctx, points); err != nil {
		log.Fatalf("writing bars: %v", err)
	}
	logger.Info("bars imported",
		"symbol", *symbol,
		"count", len(points),
		"driver", cfg.Storage.Driver,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
}
