package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"backtester/internal/advice"
	"backtester/internal/broker"
	"backtester/internal/domain"
	"backtester/internal/strategy"
	"backtester/internal/strategy/builtins"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func points(symbol string, prices ...float64) fixedSeries {
	out := make(fixedSeries, len(prices))
	for i, px := range prices {
		out[i] = domain.MarketDataPoint{
			Timestamp: day0.AddDate(0, 0, i+1),
			Symbol:    symbol,
			Price:     px,
			Open:      px,
			High:      px,
			Low:       px,
			Close:     px,
			Volume:    1000,
		}
	}
	return out
}

func config(capital string) Config {
	return Config{
		Symbol:         "X",
		Start:          day0,
		End:            day0.AddDate(1, 0, 0),
		InitialCapital: decimal.RequireFromString(capital),
		CommissionRate: decimal.Zero,
	}
}

// funcStrategy adapts a function to strategy.Strategy.
type funcStrategy struct {
	name string
	fn   func(ctx context.Context, tick domain.Tick, view strategy.PortfolioView) ([]domain.Order, error)
}

func (f funcStrategy) Name() string { return f.name }
func (f funcStrategy) OnData(ctx context.Context, tick domain.Tick, view strategy.PortfolioView) ([]domain.Order, error) {
	return f.fn(ctx, tick, view)
}

func idle() strategy.Strategy {
	return funcStrategy{name: "idle", fn: func(context.Context, domain.Tick, strategy.PortfolioView) ([]domain.Order, error) {
		return nil, nil
	}}
}

type failingReader struct{ err error }

func (f failingReader) ReadBars(context.Context, string, time.Time, time.Time) ([]domain.MarketDataPoint, error) {
	return nil, f.err
}

func TestCrossoverScenarioEndToEnd(t *testing.T) {
	strat := builtins.NewSMACross(2, 3, decimal.NewFromInt(1000))
	res, err := NewEngine(config("10000"), points("X", 100, 102, 104, 101, 99), strat, quiet()).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	buy, sell := res.Trades[0], res.Trades[1]
	assert.Equal(t, domain.SideBuy, buy.Side)
	assert.True(t, buy.Timestamp.Equal(day0.AddDate(0, 0, 3)), "buy on tick 3")
	assert.Equal(t, "104", buy.Price.String())
	assert.Equal(t, domain.SideSell, sell.Side)
	assert.True(t, sell.Timestamp.Equal(day0.AddDate(0, 0, 5)), "sell on tick 5")
	assert.True(t, sell.Quantity.Equal(buy.Quantity))

	require.Len(t, res.EquityCurve, 6)
	assert.Equal(t, "10000", res.EquityCurve[0].Value.String())
	assert.True(t, res.EquityCurve[0].Timestamp.Equal(day0))
	assert.Empty(t, res.Final.Positions)

	// 10000 − q×104 + q×99
	want := decimal.NewFromInt(10000).Sub(buy.Quantity.Mul(decimal.NewFromInt(5)))
	assert.True(t, res.Final.Cash.Equal(want), "cash %s, want %s", res.Final.Cash, want)
	assert.Equal(t, 1, res.Metrics.LosingTrades)
	assert.Equal(t, 5, res.Ticks)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "sma-cross", res.Strategy)
}

func TestEquityCurveBoundaryWithoutTrades(t *testing.T) {
	res, err := NewEngine(config("2500"), points("X", 10, 20, 5, 40), idle(), quiet()).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.EquityCurve, 5)
	for i, p := range res.EquityCurve {
		assert.Equal(t, "2500", p.Value.String(), "point %d", i)
	}
	assert.Empty(t, res.Trades)
	assert.Equal(t, 0, res.Metrics.TotalTrades)
	assert.True(t, res.Metrics.TotalReturn.IsZero())
}

func TestNoDataIsAnError(t *testing.T) {
	_, err := NewEngine(config("1000"), fixedSeries{}, idle(), quiet()).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoData)

	// Points for another symbol are not data for this run.
	_, err = NewEngine(config("1000"), points("Y", 1, 2), idle(), quiet()).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
}

func TestEngineIsSingleUse(t *testing.T) {
	e := NewEngine(config("1000"), points("X", 1, 2), idle(), quiet())
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrEngineUsed)
}

func TestInvalidConfig(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"inverted range":    {func(c *Config) { c.End = c.Start.Add(-time.Hour) }, ErrInvalidRange},
		"missing start":     {func(c *Config) { c.Start = time.Time{} }, ErrInvalidRange},
		"negative capital":  {func(c *Config) { c.InitialCapital = decimal.NewFromInt(-1) }, ErrInvalidConfig},
		"commission of one": {func(c *Config) { c.CommissionRate = decimal.NewFromInt(1) }, ErrInvalidConfig},
		"no symbol":         {func(c *Config) { c.Symbol = "" }, ErrInvalidConfig},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config("1000")
			tc.mutate(&cfg)
			_, err := NewEngine(cfg, points("X", 1), idle(), quiet()).Run(context.Background())
			assert.ErrorIs(t, err, tc.want)
		})
	}

	zero := config("0")
	res, err := NewEngine(zero, points("X", 1), idle(), quiet()).Run(context.Background())
	require.NoError(t, err, "zero capital is allowed")
	assert.True(t, res.Final.TotalValue.IsZero())
}

func TestFetchFailureIsWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := NewEngine(config("1000"), failingReader{boom}, idle(), quiet()).Run(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, boom)
}

func TestStrategyErrorAbortsRun(t *testing.T) {
	boom := errors.New("model diverged")
	calls := 0
	strat := funcStrategy{name: "flaky", fn: func(context.Context, domain.Tick, strategy.PortfolioView) ([]domain.Order, error) {
		calls++
		if calls == 2 {
			return nil, boom
		}
		return nil, nil
	}}
	res, err := NewEngine(config("1000"), points("X", 1, 2, 3), strat, quiet()).Run(context.Background())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrStrategy)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestConversionFailureSkipsTick(t *testing.T) {
	series := points("X", 10, math.NaN(), 12)
	var seen []string
	strat := funcStrategy{name: "spy", fn: func(_ context.Context, tick domain.Tick, _ strategy.PortfolioView) ([]domain.Order, error) {
		seen = append(seen, tick.Price.String())
		return nil, nil
	}}

	res, err := NewEngine(config("1000"), series, strat, quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "12"}, seen)
	assert.Equal(t, 2, res.Ticks)
	assert.Equal(t, 1, res.SkippedTicks)
	assert.Len(t, res.EquityCurve, 3)
}

func TestRejectedOrdersAreDropped(t *testing.T) {
	strat := funcStrategy{name: "greedy", fn: func(_ context.Context, tick domain.Tick, _ strategy.PortfolioView) ([]domain.Order, error) {
		return []domain.Order{
			{Symbol: tick.Symbol, Side: domain.SideSell, Quantity: decimal.NewFromInt(1)},   // nothing held
			{Symbol: tick.Symbol, Side: domain.SideBuy, Quantity: decimal.NewFromInt(1000)}, // too expensive
			{Symbol: tick.Symbol, Side: domain.SideBuy, Quantity: decimal.NewFromInt(1)},
		}, nil
	}}

	// Tick 1: sell and oversized buy rejected, small buy fills.
	// Tick 2: the sell now fills, the oversized buy is rejected again, the
	// small buy fills.
	res, err := NewEngine(config("100"), points("X", 10, 10), strat, quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Trades, 3)
	assert.Equal(t, 3, res.Rejected)
	assert.Equal(t, "90", res.Final.Cash.String())
}

func TestOrdersApplyInStrategyOrder(t *testing.T) {
	// Buying then selling within one tick only works if the buy lands first.
	strat := funcStrategy{name: "roundtrip", fn: func(_ context.Context, tick domain.Tick, _ strategy.PortfolioView) ([]domain.Order, error) {
		return []domain.Order{
			{Symbol: tick.Symbol, Side: domain.SideBuy, Quantity: decimal.NewFromInt(2)},
			{Symbol: tick.Symbol, Side: domain.SideSell, Quantity: decimal.NewFromInt(2)},
		}, nil
	}}
	res, err := NewEngine(config("100"), points("X", 10), strat, quiet()).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, 0, res.Rejected)
}

func TestStrategyCannotMutatePortfolio(t *testing.T) {
	strat := funcStrategy{name: "peek", fn: func(_ context.Context, _ domain.Tick, view strategy.PortfolioView) ([]domain.Order, error) {
		_, isPortfolio := view.(*broker.Portfolio)
		assert.False(t, isPortfolio)
		return nil, nil
	}}
	_, err := NewEngine(config("100"), points("X", 1), strat, quiet()).Run(context.Background())
	require.NoError(t, err)
}

func TestRandomOrdersPreserveInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	prices := make([]float64, 300)
	px := 100.0
	for i := range prices {
		px = math.Max(1, px+rng.Float64()*6-3)
		prices[i] = math.Round(px*100) / 100
	}

	var violations []string
	strat := funcStrategy{name: "random", fn: func(_ context.Context, tick domain.Tick, view strategy.PortfolioView) ([]domain.Order, error) {
		if view.Cash().IsNegative() {
			violations = append(violations, "negative cash")
		}
		if view.Quantity(tick.Symbol).IsNegative() {
			violations = append(violations, "negative quantity")
		}
		var orders []domain.Order
		for n := rng.IntN(3); n > 0; n-- {
			side := domain.SideBuy
			if rng.IntN(2) == 0 {
				side = domain.SideSell
			}
			orders = append(orders, domain.Order{
				Symbol:   tick.Symbol,
				Side:     side,
				Quantity: decimal.NewFromInt(int64(rng.IntN(40) + 1)),
			})
		}
		return orders, nil
	}}

	cfg := config("5000")
	cfg.CommissionRate = decimal.RequireFromString("0.001")
	series := points("X", prices...)
	res, err := NewEngine(cfg, series, strat, quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, violations)

	// Replaying the trades reproduces every equity point exactly.
	cash := cfg.InitialCapital
	qty := decimal.Zero
	next := 0
	for i, p := range series {
		price := decimal.NewFromFloat(p.Price)
		for next < len(res.Trades) && res.Trades[next].Timestamp.Equal(p.Timestamp) {
			tr := res.Trades[next]
			if tr.Side == domain.SideBuy {
				cash = cash.Sub(tr.Notional()).Sub(tr.Commission)
				qty = qty.Add(tr.Quantity)
			} else {
				cash = cash.Add(tr.Notional()).Sub(tr.Commission)
				qty = qty.Sub(tr.Quantity)
			}
			next++
		}
		require.False(t, cash.IsNegative())
		require.False(t, qty.IsNegative())
		want := cash.Add(qty.Mul(price))
		assert.True(t, res.EquityCurve[i+1].Value.Equal(want), "tick %d: %s != %s", i, res.EquityCurve[i+1].Value, want)
	}
	assert.Equal(t, len(res.Trades), next)
}

func TestDeterminism(t *testing.T) {
	series := points("X", 100, 98, 103, 107, 104, 99, 96, 101, 108, 111, 106, 100)
	cfg := config("10000")
	cfg.CommissionRate = decimal.RequireFromString("0.002")

	run := func() *Result {
		res, err := NewEngine(cfg, series, builtins.NewSMACross(2, 4, decimal.NewFromInt(3000)), quiet()).Run(context.Background())
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()

	require.NotEmpty(t, a.Trades)
	assert.Equal(t, a.Trades, b.Trades)
	assert.Equal(t, a.EquityCurve, b.EquityCurve)
	assert.Equal(t, a.Metrics, b.Metrics)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestContextCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	strat := funcStrategy{name: "cancel", fn: func(context.Context, domain.Tick, strategy.PortfolioView) ([]domain.Order, error) {
		cancel()
		return nil, nil
	}}
	_, err := NewEngine(config("1"), points("X", 1, 2, 3), strat, quiet()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdvisedStrategyNeverStallsReplay(t *testing.T) {
	released := make(chan struct{})
	adv := advice.Func(func(ctx context.Context, _ advice.Request) (advice.Signal, error) {
		<-ctx.Done()
		close(released)
		return advice.Hold, ctx.Err()
	})
	strat := builtins.NewAdvised(adv, builtins.AdvisedOptions{Notional: decimal.NewFromInt(10)}, nil)

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = NewEngine(config("1000"), points("X", 1, 2, 3, 4, 5), strat, quiet()).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on the advisor")
	}
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("advisor request outlived the run")
	}
}

func TestRunInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	strat := funcStrategy{name: "reject", fn: func(_ context.Context, tick domain.Tick, _ strategy.PortfolioView) ([]domain.Order, error) {
		return []domain.Order{{Symbol: tick.Symbol, Side: domain.SideSell, Quantity: decimal.NewFromInt(1)}}, nil
	}}
	_, err := NewEngine(config("10"), points("X", 1, 2, 3), strat, quiet(), WithMeterProvider(mp)).Run(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	var sawDuration bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				sawDuration = m.Name == "backtest.run.duration"
			}
		}
	}
	assert.Equal(t, int64(1), sums["backtest.runs"])
	assert.Equal(t, int64(3), sums["backtest.ticks"])
	assert.Equal(t, int64(3), sums["backtest.orders.rejected"])
	assert.True(t, sawDuration)
}
