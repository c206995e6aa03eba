package builtins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"backtester/internal/advice"
	"backtester/internal/domain"
	"backtester/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy = (*Advised)(nil)
	_ io.Closer         = (*Advised)(nil)
)

var errNoAdvisor = errors.New("advised strategy requires an advisor")

// AdvisedOptions configures an Advised strategy.
type AdvisedOptions struct {
	// Quantity, when positive, is the fixed size of every buy. Otherwise buys
	// are sized to Notional / price.
	Quantity decimal.Decimal
	Notional decimal.Decimal

	// Every re-asks the advisor every N ticks; zero asks once, on the first
	// tick.
	Every int

	// Timeout bounds a single advisor call; zero means no bound beyond the
	// run context.
	Timeout time.Duration
}

// Advised trades on signals from an external advisor. The advisor is called
// on a background goroutine and answers through a single-slot channel that
// OnData polls without blocking, so a slow advisor never stalls replay.
type Advised struct {
	advisor advice.Advisor
	opts    AdvisedOptions
	log     *slog.Logger

	signals  chan advice.Signal
	inflight atomic.Bool
	ticks    int

	mu     sync.Mutex
	bg     context.Context
	cancel context.CancelFunc
}

// NewAdvised creates an Advised strategy backed by advisor.
func NewAdvised(advisor advice.Advisor, opts AdvisedOptions, log *slog.Logger) *Advised {
	if log == nil {
		log = slog.Default()
	}
	return &Advised{
		advisor: advisor,
		opts:    opts,
		log:     log.With("strategy", "advised"),
		signals: make(chan advice.Signal, 1),
	}
}

// AdvisedFactory returns a Factory building Advised strategies on advisor.
// Recognized params: quantity, notional (default 1000), every, timeout.
func AdvisedFactory(advisor advice.Advisor, log *slog.Logger) strategy.Factory {
	return func(p strategy.Params) (strategy.Strategy, error) {
		if advisor == nil {
			return nil, errNoAdvisor
		}
		qty, err := p.Decimal("quantity", decimal.Zero)
		if err != nil {
			return nil, err
		}
		notional, err := p.Decimal("notional", decimal.NewFromInt(1000))
		if err != nil {
			return nil, err
		}
		every, err := p.Int("every", 0)
		if err != nil {
			return nil, err
		}
		var timeout time.Duration
		if raw := p.String("timeout", ""); raw != "" {
			timeout, err = time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: timeout=%q: %v", strategy.ErrBadParam, raw, err)
			}
		}

		if qty.IsNegative() || every < 0 || timeout < 0 {
			return nil, fmt.Errorf("%w: quantity, every and timeout must not be negative", strategy.ErrBadParam)
		}
		if !qty.IsPositive() && !notional.IsPositive() {
			return nil, fmt.Errorf("%w: one of quantity or notional must be positive", strategy.ErrBadParam)
		}
		return NewAdvised(advisor, AdvisedOptions{
			Quantity: qty,
			Notional: notional,
			Every:    every,
			Timeout:  timeout,
		}, log), nil
	}
}

// Name returns "advised".
func (a *Advised) Name() string {
	return "advised"
}

// OnData dispatches the advisor request on the first tick (and every
// opts.Every ticks after it) and otherwise acts on whatever signal has
// arrived since the previous tick.
func (a *Advised) OnData(ctx context.Context, tick domain.Tick, view strategy.PortfolioView) ([]domain.Order, error) {
	a.ticks++
	if a.ticks == 1 {
		a.dispatch(ctx, tick)
		return nil, nil
	}
	if a.opts.Every > 0 && (a.ticks-1)%a.opts.Every == 0 {
		a.dispatch(ctx, tick)
	}

	var sig advice.Signal
	select {
	case sig = <-a.signals:
	default:
		return nil, nil
	}

	holding := view.Holds(tick.Symbol)
	switch {
	case sig == advice.Buy && !holding:
		qty := a.opts.Quantity
		if !qty.IsPositive() {
			qty = sizeByNotional(a.opts.Notional, tick.Price)
		}
		if !qty.IsPositive() {
			return nil, nil
		}
		return []domain.Order{{
			Symbol:    tick.Symbol,
			Side:      domain.SideBuy,
			Quantity:  qty,
			Timestamp: tick.Timestamp,
		}}, nil

	case sig == advice.Sell && holding:
		return []domain.Order{{
			Symbol:    tick.Symbol,
			Side:      domain.SideSell,
			Quantity:  view.Quantity(tick.Symbol),
			Timestamp: tick.Timestamp,
		}}, nil
	}
	return nil, nil
}

// dispatch starts one background advisor call unless one is already running.
func (a *Advised) dispatch(ctx context.Context, tick domain.Tick) {
	if !a.inflight.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	if a.cancel == nil {
		a.bg, a.cancel = context.WithCancel(ctx)
	}
	bg := a.bg
	a.mu.Unlock()
	if bg.Err() != nil {
		a.inflight.Store(false)
		return
	}

	req := advice.Request{
		Symbol:    tick.Symbol,
		Strategy:  a.Name(),
		Timestamp: tick.Timestamp,
		Price:     tick.Price,
	}
	go a.ask(bg, req)
}

func (a *Advised) ask(ctx context.Context, req advice.Request) {
	defer a.inflight.Store(false)

	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	sig, err := a.advisor.Advise(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("advisor request failed", "symbol", req.Symbol, "error", err)
		}
		return
	}
	a.log.Debug("advice received", "symbol", req.Symbol, "signal", sig)

	// The slot holds only the newest signal.
	select {
	case <-a.signals:
	default:
	}
	a.signals <- sig
}

// Close cancels any advisor call still in flight. It does not wait for it.
func (a *Advised) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}
