// Package engine runs backtests: it replays a historical series through a
// strategy, applies the resulting orders to a simulated portfolio, and
// summarizes the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"backtester/internal/broker"
	"backtester/internal/domain"
	"backtester/internal/metrics"
	"backtester/internal/store"
	"backtester/internal/strategy"
)

var (
	// ErrNoData is returned when the data source has no points for the
	// requested symbol and window. It is distinct from a run with no trades.
	ErrNoData = errors.New("no historical data")
	// ErrInvalidRange is returned for a missing or inverted time window.
	ErrInvalidRange = errors.New("invalid time range")
	// ErrInvalidConfig is returned for any other invalid run configuration.
	ErrInvalidConfig = errors.New("invalid backtest config")
	// ErrEngineUsed is returned by a second call to Engine.Run.
	ErrEngineUsed = errors.New("engine already ran")
	// ErrFetch wraps a failure of the historical data source.
	ErrFetch = errors.New("fetching historical data")
	// ErrStrategy wraps an error returned by the strategy.
	ErrStrategy = errors.New("strategy failed")
)

// Config is the typed, pre-parsed configuration of one run.
type Config struct {
	Symbol         string          `json:"symbol"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

// Validate checks the fields the engine relies on.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	if c.Start.IsZero() || c.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	if c.End.Before(c.Start) {
		return fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange, c.End.Format(time.DateOnly), c.Start.Format(time.DateOnly))
	}
	if c.InitialCapital.IsNegative() {
		return fmt.Errorf("%w: initial capital %s is negative", ErrInvalidConfig, c.InitialCapital)
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: commission rate %s outside [0, 1)", ErrInvalidConfig, c.CommissionRate)
	}
	return nil
}

// Result is the outcome of a completed run. It is never modified after Run
// returns it.
type Result struct {
	RunID        string               `json:"run_id"`
	Strategy     string               `json:"strategy"`
	Config       Config               `json:"config"`
	Metrics      metrics.Metrics      `json:"metrics"`
	Trades       []domain.Trade       `json:"trades"`
	EquityCurve  []domain.EquityPoint `json:"equity_curve"`
	Final        broker.Snapshot      `json:"final"`
	Ticks        int                  `json:"ticks"`
	SkippedTicks int                  `json:"skipped_ticks"`
	Rejected     int                  `json:"rejected_orders"`
	Elapsed      time.Duration        `json:"elapsed"`
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger; runs log under a "run" attribute.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithBroker replaces the default commission-rate simulator.
func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithRiskLimits enables the pre-trade risk filter. Zero disables a rule.
func WithRiskLimits(maxPositionPct, maxDailyLossPct float64) Option {
	return func(e *Engine) {
		e.maxPositionPct = maxPositionPct
		e.maxDailyLossPct = maxDailyLossPct
	}
}

// WithCalculator sets the metrics calculator.
func WithCalculator(c *metrics.Calculator) Option {
	return func(e *Engine) {
		if c != nil {
			e.calc = c
		}
	}
}

// WithMeterProvider sets where run instruments are recorded. The global
// provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		if mp != nil {
			e.meterProvider = mp
		}
	}
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine executes exactly one backtest run. Construct a new Engine for every
// run; a second Run returns ErrEngineUsed.
type Engine struct {
	cfg      Config
	source   store.BarReader
	strategy strategy.Strategy

	broker          broker.Broker
	calc            *metrics.Calculator
	log             *slog.Logger
	meterProvider   metric.MeterProvider
	maxPositionPct  float64
	maxDailyLossPct float64

	used atomic.Bool
}

// NewEngine creates an Engine that will run strat over the points source
// returns for cfg.
func NewEngine(cfg Config, source store.BarReader, strat strategy.Strategy, opts ...Option) *Engine {
	e := &Engine{
		cfg:           cfg,
		source:        source,
		strategy:      strat,
		calc:          metrics.NewCalculator(),
		log:           slog.Default(),
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.broker == nil {
		e.broker = broker.NewSimulator(cfg.CommissionRate)
	}
	return e
}

// run carries the mutable state of one Run call.
type run struct {
	id        string
	log       *slog.Logger
	inst      instruments
	portfolio *broker.Portfolio
	risk      *RiskManager
	trades    []domain.Trade
	equity    []domain.EquityPoint
	ticks     int
	skipped   int
	rejected  int
}

// Run initializes the portfolio, fetches the series, replays every tick
// through the strategy and the broker, and computes metrics. It returns a
// complete Result or a single error; there is no partial result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.used.CompareAndSwap(false, true) {
		return nil, ErrEngineUsed
	}
	if e.strategy == nil {
		return nil, fmt.Errorf("%w: strategy is required", ErrInvalidConfig)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if closer, ok := e.strategy.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	started := time.Now()
	r := &run{
		id:   uuid.NewString(),
		inst: newInstruments(e.meterProvider),
	}
	r.log = e.log.With("run", r.id, "strategy", e.strategy.Name(), "symbol", e.cfg.Symbol)

	// Initialize.
	r.portfolio = broker.NewPortfolio(e.cfg.InitialCapital)
	r.equity = []domain.EquityPoint{{Timestamp: e.cfg.Start, Value: r.portfolio.TotalValue()}}
	if e.maxPositionPct > 0 || e.maxDailyLossPct > 0 {
		r.risk = NewRiskManager(e.maxPositionPct, e.maxDailyLossPct)
	}

	// Replay.
	points, err := e.source.ReadBars(ctx, e.cfg.Symbol, e.cfg.Start, e.cfg.End)
	if err != nil {
		r.inst.finish(ctx, "fetch_error", started)
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, e.cfg.Symbol, err)
	}
	if len(points) == 0 {
		r.inst.finish(ctx, "no_data", started)
		return nil, fmt.Errorf("%w: %s between %s and %s", ErrNoData, e.cfg.Symbol,
			e.cfg.Start.Format(time.DateOnly), e.cfg.End.Format(time.DateOnly))
	}
	r.log.Info("backtest started", "points", len(points), "initial_capital", e.cfg.InitialCapital)

	for _, p := range points {
		if err := ctx.Err(); err != nil {
			r.inst.finish(ctx, "cancelled", started)
			return nil, fmt.Errorf("run %s: %w", r.id, err)
		}
		if err := e.step(ctx, r, p); err != nil {
			r.inst.finish(ctx, "error", started)
			return nil, err
		}
	}

	// Finalize.
	res := &Result{
		RunID:        r.id,
		Strategy:     e.strategy.Name(),
		Config:       e.cfg,
		Metrics:      e.calc.Calculate(r.trades, r.equity),
		Trades:       r.trades,
		EquityCurve:  r.equity,
		Final:        r.portfolio.Snapshot(),
		Ticks:        r.ticks,
		SkippedTicks: r.skipped,
		Rejected:     r.rejected,
		Elapsed:      time.Since(started),
	}
	r.inst.finish(ctx, "ok", started)
	r.log.Info("backtest finished",
		"ticks", r.ticks,
		"skipped", r.skipped,
		"trades", len(r.trades),
		"rejected", r.rejected,
		"final_value", res.Final.TotalValue,
		"total_return", res.Metrics.TotalReturn,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// step processes one point: convert, consult the strategy, apply its orders
// in order, then mark to market and record equity.
func (e *Engine) step(ctx context.Context, r *run, p domain.MarketDataPoint) error {
	tick, err := domain.NewTick(p)
	if err != nil {
		r.skipped++
		r.log.Warn("skipping tick", "timestamp", p.Timestamp, "error", err)
		return nil
	}
	r.ticks++
	r.inst.ticks.Add(ctx, 1)

	if r.risk != nil {
		r.risk.Observe(tick, r.portfolio)
	}

	orders, err := e.strategy.OnData(ctx, tick, portfolioView{r.portfolio})
	if err != nil {
		return fmt.Errorf("%w: %s at %s: %w", ErrStrategy, e.strategy.Name(), tick.Timestamp.Format(time.RFC3339), err)
	}

	for _, o := range orders {
		trade, err := e.execute(o, tick, r)
		if err != nil {
			if !isRejection(err) {
				return fmt.Errorf("executing %s %s: %w", o.Side, o.Symbol, err)
			}
			r.rejected++
			reason := rejectionReason(err)
			r.inst.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
			r.log.Info("order rejected",
				"symbol", o.Symbol,
				"side", o.Side,
				"qty", o.Quantity,
				"price", tick.Price,
				"reason", reason,
				"error", err,
			)
			continue
		}
		r.trades = append(r.trades, trade)
		r.log.Debug("order filled",
			"symbol", trade.Symbol,
			"side", trade.Side,
			"qty", trade.Quantity,
			"price", trade.Price,
			"commission", trade.Commission,
		)
	}

	r.portfolio.Mark(tick.Symbol, tick.Price)
	r.equity = append(r.equity, domain.EquityPoint{Timestamp: tick.Timestamp, Value: r.portfolio.TotalValue()})
	return nil
}

func (e *Engine) execute(o domain.Order, tick domain.Tick, r *run) (domain.Trade, error) {
	if r.risk != nil {
		if err := r.risk.CheckOrder(o, tick, r.portfolio); err != nil {
			return domain.Trade{}, err
		}
	}
	return e.broker.Execute(o, tick, r.portfolio)
}

func isRejection(err error) bool {
	return broker.IsRejection(err) || errors.Is(err, ErrRiskLimit)
}

func rejectionReason(err error) string {
	if errors.Is(err, ErrRiskLimit) {
		return "risk_limit"
	}
	return broker.RejectionReason(err)
}

// portfolioView hides the mutable Portfolio from strategies.
type portfolioView struct{ p *broker.Portfolio }

func (v portfolioView) Cash() decimal.Decimal       { return v.p.Cash() }
func (v portfolioView) TotalValue() decimal.Decimal { return v.p.TotalValue() }
func (v portfolioView) Quantity(symbol string) decimal.Decimal {
	return v.p.Quantity(symbol)
}
func (v portfolioView) Holds(symbol string) bool { return v.p.Holds(symbol) }
func (v portfolioView) Position(symbol string) (domain.Position, bool) {
	return v.p.Position(symbol)
}

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

type instruments struct {
	runs     metric.Int64Counter
	ticks    metric.Int64Counter
	rejected metric.Int64Counter
	duration metric.Float64Histogram
}

// newInstruments creates the engine instruments. An instrument that cannot
// be created is replaced by a no-op rather than failing the run.
func newInstruments(mp metric.MeterProvider) instruments {
	meter := mp.Meter("backtester/engine")
	inst := instruments{
		runs:     noop.Int64Counter{},
		ticks:    noop.Int64Counter{},
		rejected: noop.Int64Counter{},
		duration: noop.Float64Histogram{},
	}

	if c, err := meter.Int64Counter("backtest.runs",
		metric.WithDescription("Completed and failed backtest runs by outcome"),
		metric.WithUnit("{run}")); err == nil {
		inst.runs = c
	}
	if c, err := meter.Int64Counter("backtest.ticks",
		metric.WithDescription("Ticks replayed through a strategy"),
		metric.WithUnit("{tick}")); err == nil {
		inst.ticks = c
	}
	if c, err := meter.Int64Counter("backtest.orders.rejected",
		metric.WithDescription("Orders rejected by the broker or risk filter"),
		metric.WithUnit("{order}")); err == nil {
		inst.rejected = c
	}
	if h, err := meter.Float64Histogram("backtest.run.duration",
		metric.WithDescription("Wall-clock duration of a backtest run"),
		metric.WithUnit("s")); err == nil {
		inst.duration = h
	}
	return inst
}

func (i *instruments) finish(ctx context.Context, outcome string, started time.Time) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	i.runs.Add(ctx, 1, attrs)
	i.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}
