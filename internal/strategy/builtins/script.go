package builtins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Script)(nil)

var errOnDataMissing = errors.New("script does not export onData")

// Script runs a JavaScript strategy in an embedded goja runtime. The module
// assigns module.exports.onData = function (tick, portfolio, params) { ... }
// and returns an array of {side, quantity[, symbol]} objects, or nothing.
// Quantities may be numbers or decimal strings.
//
// A Script owns its runtime and must not be shared between runs.
type Script struct {
	name   string
	rt     *goja.Runtime
	onData goja.Callable
	params goja.Value
	log    *slog.Logger
}

// CompileScript compiles source and evaluates the module once. name is used
// in error positions and logs.
func CompileScript(name, source string, params strategy.Params, log *slog.Logger) (*Script, error) {
	if log == nil {
		log = slog.Default()
	}
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("compiling script %s: %w", name, err)
	}

	s := &Script{
		name: name,
		rt:   goja.New(),
		log:  log.With("strategy", "script", "script", name),
	}
	exports, err := s.runModule(prog)
	if err != nil {
		return nil, fmt.Errorf("evaluating script %s: %w", name, err)
	}

	fn, ok := goja.AssertFunction(exports.Get("onData"))
	if !ok {
		return nil, fmt.Errorf("script %s: %w", name, errOnDataMissing)
	}
	s.onData = fn

	cfg := make(map[string]any, len(params))
	for k, v := range params {
		if k == "path" {
			continue
		}
		cfg[k] = v
	}
	s.params = s.rt.ToValue(cfg)
	return s, nil
}

// ScriptFactory returns a Factory that loads the script named by the path
// param. With a non-empty dir the path is resolved inside dir and may not
// leave it. Every other param is handed to the script as its third argument.
// Unreadable or invalid scripts are ErrBadParam.
func ScriptFactory(dir string, log *slog.Logger) strategy.Factory {
	return func(p strategy.Params) (strategy.Strategy, error) {
		path := p.String("path", "")
		if path == "" {
			return nil, fmt.Errorf("%w: path is required", strategy.ErrBadParam)
		}
		src, err := readScript(dir, path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading script: %w", strategy.ErrBadParam, err)
		}
		s, err := CompileScript(path, string(src), p, log)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", strategy.ErrBadParam, err)
		}
		return s, nil
	}
}

// readScript reads path, confined to dir when dir is set. Absolute paths,
// ".." components and symlinks that resolve outside dir are refused.
func readScript(dir, path string) ([]byte, error) {
	if dir == "" {
		return os.ReadFile(path)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Name returns "script".
func (s *Script) Name() string {
	return "script"
}

// OnData calls the script's onData export. A thrown exception or a malformed
// return value is an error. Cancelling ctx interrupts a running script.
func (s *Script) OnData(ctx context.Context, tick domain.Tick, view strategy.PortfolioView) ([]domain.Order, error) {
	stop := context.AfterFunc(ctx, func() { s.rt.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		s.rt.ClearInterrupt()
	}()

	res, err := s.onData(goja.Undefined(),
		s.rt.ToValue(tickObject(tick)),
		s.rt.ToValue(viewObject(tick.Symbol, view)),
		s.params,
	)
	if err != nil {
		return nil, fmt.Errorf("script %s onData: %w", s.name, err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}

	raw, ok := res.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("script %s onData: expected an array, got %s", s.name, res.ExportType())
	}
	orders := make([]domain.Order, 0, len(raw))
	for i, item := range raw {
		o, err := orderFromScript(item, tick)
		if err != nil {
			return nil, fmt.Errorf("script %s onData: order %d: %w", s.name, i, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *Script) runModule(prog *goja.Program) (*goja.Object, error) {
	module := s.rt.NewObject()
	exports := s.rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := s.rt.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := s.rt.Set("module", module); err != nil {
		return nil, err
	}
	if err := s.rt.Set("console", s.console()); err != nil {
		return nil, err
	}
	if _, err := s.rt.RunProgram(prog); err != nil {
		return nil, err
	}

	obj := module.Get("exports").ToObject(s.rt)
	if obj == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return obj, nil
}

// console forwards console.log and friends to the strategy logger.
func (s *Script) console() *goja.Object {
	console := s.rt.NewObject()
	logAt := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			s.log.Log(context.Background(), level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt(slog.LevelInfo))
	_ = console.Set("info", logAt(slog.LevelInfo))
	_ = console.Set("warn", logAt(slog.LevelWarn))
	_ = console.Set("error", logAt(slog.LevelError))
	return console
}

// ---------------------------------------------------------------------------
// Value mapping
// ---------------------------------------------------------------------------

func tickObject(t domain.Tick) map[string]any {
	return map[string]any{
		"symbol":    t.Symbol,
		"timestamp": t.Timestamp.UnixMilli(),
		"price":     t.Price.InexactFloat64(),
		"volume":    t.Volume.InexactFloat64(),
		"high":      t.High.InexactFloat64(),
		"low":       t.Low.InexactFloat64(),
		"open":      t.Open.InexactFloat64(),
		"close":     t.Close.InexactFloat64(),
	}
}

func viewObject(symbol string, v strategy.PortfolioView) map[string]any {
	out := map[string]any{
		"cash":       v.Cash().InexactFloat64(),
		"totalValue": v.TotalValue().InexactFloat64(),
		"position":   nil,
	}
	if pos, ok := v.Position(symbol); ok {
		out["position"] = map[string]any{
			"quantity":          pos.Quantity.String(),
			"averageEntryPrice": pos.AverageEntryPrice.InexactFloat64(),
		}
	}
	return out
}

func orderFromScript(item any, tick domain.Tick) (domain.Order, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return domain.Order{}, fmt.Errorf("expected an object, got %T", item)
	}

	side := domain.Side(strings.ToLower(fmt.Sprint(m["side"])))
	if !side.Valid() {
		return domain.Order{}, fmt.Errorf("invalid side %v", m["side"])
	}

	qty, err := scriptDecimal(m["quantity"])
	if err != nil {
		return domain.Order{}, fmt.Errorf("quantity: %w", err)
	}

	symbol := tick.Symbol
	if s, ok := m["symbol"].(string); ok && s != "" {
		symbol = s
	}
	return domain.Order{
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Timestamp: tick.Timestamp,
	}, nil
}

func scriptDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return domain.ToDecimal(n)
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Zero, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}
