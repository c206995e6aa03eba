package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"backtester/internal/api"
	"backtester/internal/app"
	"backtester/internal/config"
	"backtester/internal/store"
	"backtester/internal/util"
)

func main() {
	cfgPath := flag.String("config", config.Path(), "path to the YAML config")
	noGRPC := flag.Bool("no-grpc", false, "do not start the advisor gRPC listener")
	flag.Parse()

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

	httpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	grpcAddr := ""
	if !*noGRPC && a.Advisor != nil {
		grpcAddr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
	}

	logger.Info("starting backtest server",
		"http", httpAddr,
		"grpc", grpcAddr,
		"store", cfg.Storage.Driver,
		"advisor", cfg.Advisor.Transport,
		"script_dir", cfg.Server.ScriptDir,
	)
	opts := []api.Option{api.WithRunTimeout(cfg.Server.RunTimeout)}
	if lister, ok := a.Bars.(store.SymbolLister); ok {
		opts = append(opts, api.WithSymbols(lister))
	}
	srv := api.NewServer(a.ServerBacktester(), a.Advisor, logger, opts...)
	if err := srv.ListenAndServe(ctx, httpAddr, grpcAddr); err != nil {
		logger.Error("server error", "error", err)
	}
}
