// Package builtins provides built-in strategy implementations that ship with
// the backtester.
package builtins

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// quantityPlaces bounds the precision of computed order sizes. Sizes are
// truncated, never rounded up, so a buy never costs more than its target.
const quantityPlaces = 8

// SMACross implements a simple moving average crossover strategy. It buys when
// the short-period SMA crosses above the long-period SMA and sells the whole
// position when it crosses below. Orders are emitted on signal changes only.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	notional    decimal.Decimal

	short window
	long  window

	// above is the previous signal; nil until both windows have filled.
	above *bool
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods. Each buy is sized to notional / price.
func NewSMACross(short, long int, notional decimal.Decimal) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		notional:    notional,
		short:       newWindow(short),
		long:        newWindow(long),
	}
}

// NewSMACrossFromParams builds an SMACross from short_period (default 5),
// long_period (default 20) and notional (default 1000).
func NewSMACrossFromParams(p strategy.Params) (strategy.Strategy, error) {
	short, err := p.Int("short_period", 5)
	if err != nil {
		return nil, err
	}
	long, err := p.Int("long_period", 20)
	if err != nil {
		return nil, err
	}
	notional, err := p.Decimal("notional", decimal.NewFromInt(1000))
	if err != nil {
		return nil, err
	}

	if short <= 0 || long <= 0 {
		return nil, fmt.Errorf("%w: periods must be positive (short=%d, long=%d)", strategy.ErrBadParam, short, long)
	}
	if short >= long {
		return nil, fmt.Errorf("%w: short_period %d must be less than long_period %d", strategy.ErrBadParam, short, long)
	}
	if !notional.IsPositive() {
		return nil, fmt.Errorf("%w: notional must be positive, got %s", strategy.ErrBadParam, notional)
	}
	return NewSMACross(short, long, notional), nil
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// OnData pushes the tick price into both windows and emits an order when the
// short SMA crosses the long SMA.
func (s *SMACross) OnData(_ context.Context, tick domain.Tick, view strategy.PortfolioView) ([]domain.Order, error) {
	s.short.push(tick.Price)
	s.long.push(tick.Price)

	if !s.short.full() || !s.long.full() {
		return nil, nil
	}

	above := s.short.mean().GreaterThan(s.long.mean())
	changed := s.above == nil || *s.above != above
	s.above = &above
	if !changed {
		return nil, nil
	}

	holding := view.Holds(tick.Symbol)
	switch {
	case above && !holding:
		qty := sizeByNotional(s.notional, tick.Price)
		if !qty.IsPositive() {
			return nil, nil
		}
		return []domain.Order{{
			Symbol:    tick.Symbol,
			Side:      domain.SideBuy,
			Quantity:  qty,
			Timestamp: tick.Timestamp,
		}}, nil

	case !above && holding:
		return []domain.Order{{
			Symbol:    tick.Symbol,
			Side:      domain.SideSell,
			Quantity:  view.Quantity(tick.Symbol),
			Timestamp: tick.Timestamp,
		}}, nil
	}
	return nil, nil
}

// sizeByNotional returns notional / price truncated to quantityPlaces, or
// zero for a non-positive price.
func sizeByNotional(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return notional.DivRound(price, quantityPlaces+4).Truncate(quantityPlaces)
}

// ---------------------------------------------------------------------------
// Rolling window
// ---------------------------------------------------------------------------

// window is a bounded FIFO of prices with a running sum.
type window struct {
	size   int
	values []decimal.Decimal
	sum    decimal.Decimal
}

func newWindow(size int) window {
	return window{size: size, values: make([]decimal.Decimal, 0, size)}
}

func (w *window) push(v decimal.Decimal) {
	w.values = append(w.values, v)
	w.sum = w.sum.Add(v)
	if len(w.values) > w.size {
		w.sum = w.sum.Sub(w.values[0])
		w.values = w.values[1:]
	}
}

func (w *window) full() bool { return len(w.values) >= w.size }

func (w *window) mean() decimal.Decimal {
	if len(w.values) == 0 {
		return decimal.Zero
	}
	return w.sum.Div(decimal.NewFromInt(int64(len(w.values))))
}
