package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"backtester/internal/engine"
	"backtester/internal/strategy"
)

const maxRequestBody = 1 << 20

// StrategiesResponse lists the strategies a backtest request may name.
type StrategiesResponse struct {
	Strategies []string `json:"strategies"`
}

// SymbolsResponse lists the symbols the store holds bars for.
type SymbolsResponse struct {
	Symbols []string `json:"symbols"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/strategies", s.handleStrategies)
	mux.HandleFunc("POST /v1/backtests", s.handleRunBacktest)
	if s.symbols != nil {
		mux.HandleFunc("GET /v1/symbols", s.handleSymbols)
	}
	if s.advisor != nil {
		mux.Handle("GET /v1/advisor/ws", s.advisorWebsocket())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StrategiesResponse{Strategies: s.backtester.Strategies()})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.symbols.ListSymbols(r.Context())
	if err != nil {
		s.log.Error("listing symbols", "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, SymbolsResponse{Symbols: symbols})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.runTimeout)
	defer cancel()

	res, err := s.backtester.Run(ctx, req)
	if err != nil {
		status := statusFor(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		if status >= http.StatusInternalServerError {
			// Server-side failures are logged in full; the caller only gets the status.
			s.log.Error("backtest failed", "symbol", req.Symbol, "strategy", req.Strategy, "status", status, "error", err)
			writeError(w, status, http.StatusText(status))
			return
		}
		s.log.Info("backtest refused", "symbol", req.Symbol, "strategy", req.Strategy, "error", err)
		writeError(w, status, err.Error())
		return
	}

	s.log.Info("backtest completed",
		slog.String("run_id", res.RunID),
		slog.String("symbol", req.Symbol),
		slog.String("strategy", res.Strategy),
		slog.Int("trades", len(res.Trades)),
	)
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps a backtest error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidConfig),
		errors.Is(err, engine.ErrInvalidRange),
		errors.Is(err, strategy.ErrUnknownStrategy),
		errors.Is(err, strategy.ErrBadParam):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
