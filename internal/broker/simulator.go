package broker

import (
	"fmt"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// Simulator implements Broker for backtesting. Every order fills in full at
// the tick price or is rejected; commission is a flat rate on notional for
// both sides. The commission rate is its only state.
type Simulator struct {
	commissionRate decimal.Decimal
}

// NewSimulator creates a Simulator charging commissionRate (e.g. 0.001 for
// 10 bps) on every fill.
func NewSimulator(commissionRate decimal.Decimal) *Simulator {
	return &Simulator{commissionRate: commissionRate}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// Execute fills order at tick.Price.
//
// Buy: cost = qty × price, commission = cost × rate; rejected when
// cost + commission exceeds cash. Sell: requires a held quantity of at least
// qty; cash is credited proceeds − commission and the position is removed
// once its quantity reaches exactly zero.
func (s *Simulator) Execute(order domain.Order, tick domain.Tick, p *Portfolio) (domain.Trade, error) {
	if order.Symbol != tick.Symbol {
		return domain.Trade{}, fmt.Errorf("%w: order %s, tick %s", ErrSymbolMismatch, order.Symbol, tick.Symbol)
	}
	if !order.Quantity.IsPositive() {
		return domain.Trade{}, fmt.Errorf("%w: %s", ErrInvalidQuantity, order.Quantity)
	}

	notional := order.Quantity.Mul(tick.Price)
	commission := notional.Mul(s.commissionRate)

	switch order.Side {
	case domain.SideBuy:
		debit := notional.Add(commission)
		if debit.GreaterThan(p.Cash()) {
			return domain.Trade{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, debit, p.Cash())
		}
		p.applyBuy(tick, order.Quantity, debit)

	case domain.SideSell:
		held := p.Quantity(order.Symbol)
		if held.LessThan(order.Quantity) {
			return domain.Trade{}, fmt.Errorf("%w: sell %s, hold %s", ErrInsufficientPosition, order.Quantity, held)
		}
		credit := notional.Sub(commission)
		if p.Cash().Add(credit).IsNegative() {
			return domain.Trade{}, fmt.Errorf("%w: commission %s exceeds cash after proceeds", ErrInsufficientCash, commission)
		}
		p.applySell(tick, order.Quantity, credit)

	default:
		return domain.Trade{}, fmt.Errorf("%w: %q", ErrInvalidSide, order.Side)
	}

	return domain.Trade{
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      tick.Price,
		Commission: commission,
		Timestamp:  tick.Timestamp,
	}, nil
}
