package builtins

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/advice"
	"backtester/internal/broker"
	"backtester/internal/domain"
	"backtester/internal/strategy"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ticks(symbol string, prices ...string) []domain.Tick {
	out := make([]domain.Tick, len(prices))
	for i, p := range prices {
		px := decimal.RequireFromString(p)
		out[i] = domain.Tick{
			Timestamp: base.AddDate(0, 0, i),
			Symbol:    symbol,
			Price:     px,
			Open:      px,
			High:      px,
			Low:       px,
			Close:     px,
		}
	}
	return out
}

// replay drives s over series against a zero-commission simulator and returns
// the orders emitted at each tick.
func replay(t *testing.T, s strategy.Strategy, p *broker.Portfolio, series []domain.Tick) [][]domain.Order {
	t.Helper()
	sim := broker.NewSimulator(decimal.Zero)
	emitted := make([][]domain.Order, len(series))
	for i, tick := range series {
		orders, err := s.OnData(context.Background(), tick, p)
		require.NoError(t, err)
		emitted[i] = orders
		for _, o := range orders {
			_, err := sim.Execute(o, tick, p)
			require.NoError(t, err)
		}
		p.Mark(tick.Symbol, tick.Price)
	}
	return emitted
}

// ---------------------------------------------------------------------------
// SMACross
// ---------------------------------------------------------------------------

func TestSMACrossCrossoverScenario(t *testing.T) {
	s := NewSMACross(2, 3, decimal.NewFromInt(1000))
	p := broker.NewPortfolio(decimal.NewFromInt(10000))

	emitted := replay(t, s, p, ticks("X", "100", "102", "104", "101", "99"))

	assert.Empty(t, emitted[0])
	assert.Empty(t, emitted[1])
	require.Len(t, emitted[2], 1)
	buy := emitted[2][0]
	assert.Equal(t, domain.SideBuy, buy.Side)
	assert.Equal(t, "9.61538461", buy.Quantity.String())
	assert.True(t, buy.Quantity.Mul(decimal.NewFromInt(104)).LessThanOrEqual(decimal.NewFromInt(1000)))

	assert.Empty(t, emitted[3], "signal unchanged")

	require.Len(t, emitted[4], 1)
	sell := emitted[4][0]
	assert.Equal(t, domain.SideSell, sell.Side)
	assert.True(t, sell.Quantity.Equal(buy.Quantity), "sells the full position")
	assert.False(t, p.Holds("X"))
}

func TestSMACrossEdgeTriggered(t *testing.T) {
	// Short average stays above long average throughout a rising series.
	s := NewSMACross(2, 3, decimal.NewFromInt(100))
	p := broker.NewPortfolio(decimal.NewFromInt(10000))

	emitted := replay(t, s, p, ticks("X", "10", "11", "12", "13", "14", "15", "16"))

	var buys int
	for _, orders := range emitted {
		buys += len(orders)
	}
	assert.Equal(t, 1, buys)
}

func TestSMACrossNoBuyWhenAlreadyHolding(t *testing.T) {
	s := NewSMACross(2, 3, decimal.NewFromInt(100))
	p := broker.NewPortfolio(decimal.NewFromInt(10000))
	sim := broker.NewSimulator(decimal.Zero)
	seed := ticks("X", "10")[0]
	_, err := sim.Execute(domain.Order{Symbol: "X", Side: domain.SideBuy, Quantity: decimal.NewFromInt(1)}, seed, p)
	require.NoError(t, err)

	emitted := replay(t, s, p, ticks("X", "10", "11", "12"))
	for i, orders := range emitted {
		assert.Empty(t, orders, "tick %d", i)
	}
}

func TestSMACrossZeroPrice(t *testing.T) {
	s := NewSMACross(1, 2, decimal.NewFromInt(100))
	p := broker.NewPortfolio(decimal.NewFromInt(10000))
	emitted := replay(t, s, p, ticks("X", "0", "0"))
	for _, orders := range emitted {
		assert.Empty(t, orders)
	}
	assert.True(t, sizeByNotional(decimal.NewFromInt(100), decimal.Zero).IsZero())
	assert.True(t, sizeByNotional(decimal.NewFromInt(100), decimal.NewFromInt(-1)).IsZero())
}

func TestSMACrossFromParams(t *testing.T) {
	s, err := NewSMACrossFromParams(strategy.Params{"short_period": "3", "long_period": "7", "notional": "250"})
	require.NoError(t, err)
	sc := s.(*SMACross)
	assert.Equal(t, 3, sc.shortPeriod)
	assert.Equal(t, 7, sc.longPeriod)
	assert.Equal(t, "250", sc.notional.String())

	def, err := NewSMACrossFromParams(nil)
	require.NoError(t, err)
	assert.Equal(t, 5, def.(*SMACross).shortPeriod)
	assert.Equal(t, 20, def.(*SMACross).longPeriod)

	bad := []strategy.Params{
		{"short_period": "x"},
		{"short_period": "0"},
		{"short_period": "20", "long_period": "10"},
		{"notional": "-5"},
	}
	for _, p := range bad {
		_, err := NewSMACrossFromParams(p)
		assert.ErrorIs(t, err, strategy.ErrBadParam, "params %v", p)
	}
}

func TestWindow(t *testing.T) {
	w := newWindow(3)
	for _, v := range []int64{1, 2, 3, 4} {
		w.push(decimal.NewFromInt(v))
	}
	assert.True(t, w.full())
	assert.Len(t, w.values, 3)
	assert.Equal(t, "3", w.mean().String())
}

// ---------------------------------------------------------------------------
// Advised
// ---------------------------------------------------------------------------

func TestAdvisedDoesNotBlockOnSlowAdvisor(t *testing.T) {
	release := make(chan struct{})
	started := make(chan advice.Request, 1)
	adv := advice.Func(func(ctx context.Context, req advice.Request) (advice.Signal, error) {
		started <- req
		select {
		case <-release:
			return advice.Buy, nil
		case <-ctx.Done():
			return advice.Hold, ctx.Err()
		}
	})

	s := NewAdvised(adv, AdvisedOptions{Notional: decimal.NewFromInt(1000)}, quietLogger())
	defer s.Close()
	p := broker.NewPortfolio(decimal.NewFromInt(10000))
	series := ticks("X", "100", "100", "100", "100")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, tick := range series[:3] {
			orders, err := s.OnData(context.Background(), tick, p)
			assert.NoError(t, err)
			assert.Empty(t, orders)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnData blocked on the advisor")
	}

	req := <-started
	assert.Equal(t, "X", req.Symbol)
	assert.True(t, req.Timestamp.Equal(series[0].Timestamp))

	close(release)
	require.Eventually(t, func() bool { return len(s.signals) == 1 }, 2*time.Second, 5*time.Millisecond)

	orders, err := s.OnData(context.Background(), series[3], p)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideBuy, orders[0].Side)
	assert.Equal(t, "10", orders[0].Quantity.String())
}

func TestAdvisedDebounce(t *testing.T) {
	s := NewAdvised(advice.Func(func(context.Context, advice.Request) (advice.Signal, error) {
		return advice.Hold, nil
	}), AdvisedOptions{Quantity: decimal.NewFromInt(2)}, quietLogger())
	defer s.Close()
	p := broker.NewPortfolio(decimal.NewFromInt(10000))
	sim := broker.NewSimulator(decimal.Zero)
	series := ticks("X", "50", "50", "50", "50", "50", "50")

	// The first tick only dispatches.
	_, err := s.OnData(context.Background(), series[0], p)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.inflight.Load() }, 2*time.Second, 5*time.Millisecond)
	<-s.signals

	step := func(tick domain.Tick, sig advice.Signal) []domain.Order {
		s.signals <- sig
		orders, err := s.OnData(context.Background(), tick, p)
		require.NoError(t, err)
		for _, o := range orders {
			_, err := sim.Execute(o, tick, p)
			require.NoError(t, err)
		}
		return orders
	}

	first := step(series[1], advice.Buy)
	require.Len(t, first, 1)
	assert.Equal(t, "2", first[0].Quantity.String())

	assert.Empty(t, step(series[2], advice.Buy), "already long")
	assert.Empty(t, step(series[3], advice.Hold))

	sell := step(series[4], advice.Sell)
	require.Len(t, sell, 1)
	assert.Equal(t, domain.SideSell, sell[0].Side)
	assert.Equal(t, "2", sell[0].Quantity.String())

	assert.Empty(t, step(series[5], advice.Sell), "already flat")
}

func TestAdvisedKeepsNewestSignalOnly(t *testing.T) {
	calls := make(chan struct{}, 4)
	answers := []advice.Signal{advice.Sell, advice.Buy}
	n := 0
	s := NewAdvised(advice.Func(func(context.Context, advice.Request) (advice.Signal, error) {
		sig := answers[n]
		n++
		calls <- struct{}{}
		return sig, nil
	}), AdvisedOptions{Quantity: decimal.NewFromInt(1), Every: 1}, quietLogger())
	defer s.Close()

	// Deliver two answers without consuming the first; the slot keeps the newest.
	s.dispatch(context.Background(), ticks("X", "1")[0])
	<-calls
	require.Eventually(t, func() bool { return !s.inflight.Load() }, 2*time.Second, 5*time.Millisecond)
	s.dispatch(context.Background(), ticks("X", "1")[0])
	<-calls
	require.Eventually(t, func() bool { return !s.inflight.Load() }, 2*time.Second, 5*time.Millisecond)

	require.Len(t, s.signals, 1)
	assert.Equal(t, advice.Buy, <-s.signals)
}

func TestAdvisedSingleRequestInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int
	callc := make(chan struct{}, 8)
	s := NewAdvised(advice.Func(func(ctx context.Context, _ advice.Request) (advice.Signal, error) {
		callc <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return advice.Hold, nil
	}), AdvisedOptions{Quantity: decimal.NewFromInt(1), Every: 1}, quietLogger())
	p := broker.NewPortfolio(decimal.NewFromInt(100))

	for _, tick := range ticks("X", "1", "1", "1", "1") {
		_, err := s.OnData(context.Background(), tick, p)
		require.NoError(t, err)
	}
	<-callc
	calls++
	select {
	case <-callc:
		calls++
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, calls)

	close(release)
	require.NoError(t, s.Close())
}

func TestAdvisedCloseCancelsRequest(t *testing.T) {
	cancelled := make(chan struct{})
	s := NewAdvised(advice.Func(func(ctx context.Context, _ advice.Request) (advice.Signal, error) {
		<-ctx.Done()
		close(cancelled)
		return advice.Hold, ctx.Err()
	}), AdvisedOptions{Quantity: decimal.NewFromInt(1)}, quietLogger())

	_, err := s.OnData(context.Background(), ticks("X", "1")[0], broker.NewPortfolio(decimal.Zero))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("advisor request was not cancelled")
	}
}

func TestAdvisedFactory(t *testing.T) {
	adv := advice.Func(func(context.Context, advice.Request) (advice.Signal, error) { return advice.Hold, nil })

	s, err := AdvisedFactory(adv, nil)(strategy.Params{"quantity": "3", "every": "5", "timeout": "2s"})
	require.NoError(t, err)
	a := s.(*Advised)
	assert.Equal(t, "3", a.opts.Quantity.String())
	assert.Equal(t, 5, a.opts.Every)
	assert.Equal(t, 2*time.Second, a.opts.Timeout)

	_, err = AdvisedFactory(nil, nil)(nil)
	assert.ErrorIs(t, err, errNoAdvisor)

	_, err = AdvisedFactory(adv, nil)(strategy.Params{"timeout": "soon"})
	assert.ErrorIs(t, err, strategy.ErrBadParam)

	_, err = AdvisedFactory(adv, nil)(strategy.Params{"notional": "0"})
	assert.ErrorIs(t, err, strategy.ErrBadParam)
}

// ---------------------------------------------------------------------------
// Script
// ---------------------------------------------------------------------------

const thresholdScript = `
module.exports.onData = function (tick, portfolio, params) {
  var limit = Number(params.below);
  if (portfolio.position === null && tick.price < limit) {
    return [{ side: "buy", quantity: "1.5" }];
  }
  if (portfolio.position !== null && tick.price >= limit) {
    return [{ side: "sell", quantity: portfolio.position.quantity }];
  }
};
`

func TestScriptStrategy(t *testing.T) {
	s, err := CompileScript("threshold.js", thresholdScript, strategy.Params{"below": "100"}, quietLogger())
	require.NoError(t, err)

	p := broker.NewPortfolio(decimal.NewFromInt(1000))
	emitted := replay(t, s, p, ticks("X", "105", "95", "96", "101"))

	assert.Empty(t, emitted[0])
	require.Len(t, emitted[1], 1)
	assert.Equal(t, domain.SideBuy, emitted[1][0].Side)
	assert.Equal(t, "1.5", emitted[1][0].Quantity.String())
	assert.Equal(t, "X", emitted[1][0].Symbol)
	assert.Empty(t, emitted[2])
	require.Len(t, emitted[3], 1)
	assert.Equal(t, domain.SideSell, emitted[3][0].Side)
	assert.False(t, p.Holds("X"))
}

func TestScriptErrors(t *testing.T) {
	_, err := CompileScript("syntax.js", "module.exports.onData = function (", nil, quietLogger())
	assert.Error(t, err)

	_, err = CompileScript("missing.js", "module.exports.other = 1;", nil, quietLogger())
	assert.ErrorIs(t, err, errOnDataMissing)

	p := broker.NewPortfolio(decimal.NewFromInt(1000))
	tick := ticks("X", "1")[0]

	throws, err := CompileScript("throws.js", `module.exports.onData = function () { throw new Error("boom"); };`, nil, quietLogger())
	require.NoError(t, err)
	_, err = throws.OnData(context.Background(), tick, p)
	assert.ErrorContains(t, err, "boom")

	badSide, err := CompileScript("side.js", `module.exports.onData = function () { return [{ side: "short", quantity: 1 }]; };`, nil, quietLogger())
	require.NoError(t, err)
	_, err = badSide.OnData(context.Background(), tick, p)
	assert.ErrorContains(t, err, "invalid side")

	notArray, err := CompileScript("obj.js", `module.exports.onData = function () { return { side: "buy" }; };`, nil, quietLogger())
	require.NoError(t, err)
	_, err = notArray.OnData(context.Background(), tick, p)
	assert.Error(t, err)
}

func TestScriptInterruptedByContext(t *testing.T) {
	s, err := CompileScript("loop.js", `module.exports.onData = function () { for (;;) {} };`, nil, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.OnData(ctx, ticks("X", "1")[0], broker.NewPortfolio(decimal.Zero))
	require.Error(t, err)
}

func TestScriptFactoryReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.js")
	require.NoError(t, os.WriteFile(path, []byte(thresholdScript), 0o644))

	s, err := ScriptFactory("", quietLogger())(strategy.Params{"path": path, "below": "10"})
	require.NoError(t, err)
	assert.Equal(t, "script", s.Name())

	_, err = ScriptFactory("", quietLogger())(nil)
	assert.ErrorIs(t, err, strategy.ErrBadParam)

	_, err = ScriptFactory("", quietLogger())(strategy.Params{"path": filepath.Join(t.TempDir(), "nope.js")})
	assert.ErrorIs(t, err, strategy.ErrBadParam)
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.js")
	require.NoError(t, os.WriteFile(bad, []byte("db_password = hunter2"), 0o644))
	_, err = ScriptFactory("", quietLogger())(strategy.Params{"path": bad})
	assert.ErrorIs(t, err, strategy.ErrBadParam)
}

func TestScriptFactoryConfinedToDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "team"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "team", "s.js"), []byte(thresholdScript), 0o644))

	secretDir := t.TempDir()
	secret := filepath.Join(secretDir, "creds.toml")
	require.NoError(t, os.WriteFile(secret, []byte("db_password = \"x\""), 0o600))

	factory := ScriptFactory(dir, quietLogger())

	s, err := factory(strategy.Params{"path": "team/s.js"})
	require.NoError(t, err)
	assert.Equal(t, "script", s.Name())

	rel, err := filepath.Rel(dir, secret)
	require.NoError(t, err)
	for _, path := range []string{secret, rel, "../creds.toml", "team/../../creds.toml"} {
		_, err := factory(strategy.Params{"path": path})
		require.ErrorIs(t, err, strategy.ErrBadParam, path)
		assert.NotContains(t, err.Error(), "db_password", path)
	}

	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "link.js")))
	_, err = factory(strategy.Params{"path": "link.js"})
	require.ErrorIs(t, err, strategy.ErrBadParam)
	assert.NotContains(t, err.Error(), "db_password")
}

func TestRegisterDefaults(t *testing.T) {
	reg := strategy.NewRegistry()
	RegisterDefaults(reg, nil, quietLogger())
	assert.Equal(t, []string{"advised", "script", "sma-cross"}, reg.List())

	s, err := reg.Build("sma-cross", strategy.Params{"short_period": "2", "long_period": "3"})
	require.NoError(t, err)
	assert.Equal(t, "sma-cross", s.Name())

	_, err = reg.Build("advised", nil)
	assert.ErrorIs(t, err, errNoAdvisor)

	confined := strategy.NewRegistry()
	RegisterDefaults(confined, nil, quietLogger(), WithoutScripts())
	assert.Equal(t, []string{"advised", "sma-cross"}, confined.List())
}
