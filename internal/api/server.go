// Package api serves backtests over HTTP and the advisor service over gRPC
// and websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sourcegraph/conc/pool"
	"google.golang.org/grpc"

	"backtester/internal/advice"
	"backtester/internal/engine"
	"backtester/internal/store"
)

const (
	shutdownTimeout   = 5 * time.Second
	defaultRunTimeout = 2 * time.Minute
)

// Server hosts the HTTP API and the advisor gRPC service.
type Server struct {
	backtester *engine.Backtester
	advisor    advice.Advisor
	symbols    store.SymbolLister
	runTimeout time.Duration
	log        *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRunTimeout bounds every backtest request. Zero keeps the default.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithSymbols serves GET /v1/symbols from l.
func WithSymbols(l store.SymbolLister) Option {
	return func(s *Server) { s.symbols = l }
}

// NewServer creates a Server running backtests with bt. advisor backs both
// the websocket and gRPC advisor endpoints; when nil those endpoints are not
// mounted.
func NewServer(bt *engine.Backtester, advisor advice.Advisor, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		backtester: bt,
		advisor:    advisor,
		runTimeout: defaultRunTimeout,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on httpAddr and grpcAddr and serves until ctx is
// cancelled. An empty grpcAddr disables the gRPC listener.
func (s *Server) ListenAndServe(ctx context.Context, httpAddr, grpcAddr string) error {
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", httpAddr, err)
	}
	var grpcLis net.Listener
	if grpcAddr != "" {
		grpcLis, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("listen grpc %s: %w", grpcAddr, err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve serves on the given listeners until ctx is cancelled, then shuts
// both servers down gracefully. grpcLis may be nil.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var grpcServer *grpc.Server
	if grpcLis != nil {
		grpcServer = s.newGRPCServer()
	}

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()

	p.Go(func(context.Context) error {
		s.log.Info("http server listening", "addr", httpLis.Addr().String())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcServer != nil {
		p.Go(func(context.Context) error {
			s.log.Info("grpc server listening", "addr", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		s.log.Info("shutting down api server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return p.Wait()
}
