package broker

import (
	"sort"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
)

// Portfolio is the single mutable account aggregate of a backtest run: cash,
// open long positions keyed by symbol, and the derived total value. It is
// owned by one engine run and is not safe for concurrent use.
type Portfolio struct {
	cash       decimal.Decimal
	positions  map[string]*domain.Position
	totalValue decimal.Decimal
}

// NewPortfolio creates a Portfolio holding only cash.
func NewPortfolio(initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:       initialCash,
		positions:  make(map[string]*domain.Position),
		totalValue: initialCash,
	}
}

// Cash returns the available cash balance.
func (p *Portfolio) Cash() decimal.Decimal { return p.cash }

// TotalValue returns cash plus every position marked at its last price, as of
// the most recent Mark or Revalue call.
func (p *Portfolio) TotalValue() decimal.Decimal { return p.totalValue }

// Position returns a copy of the position in symbol, if one is open.
func (p *Portfolio) Position(symbol string) (domain.Position, bool) {
	pos, ok := p.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Quantity returns the held quantity of symbol, zero when flat.
func (p *Portfolio) Quantity(symbol string) decimal.Decimal {
	if pos, ok := p.positions[symbol]; ok {
		return pos.Quantity
	}
	return decimal.Zero
}

// Holds reports whether a position in symbol is open.
func (p *Portfolio) Holds(symbol string) bool {
	_, ok := p.positions[symbol]
	return ok
}

// Positions returns copies of all open positions sorted by symbol.
func (p *Portfolio) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Mark sets the current price of symbol and recomputes the total value.
func (p *Portfolio) Mark(symbol string, price decimal.Decimal) {
	if pos, ok := p.positions[symbol]; ok {
		pos.LastPrice = price
	}
	p.Revalue()
}

// Revalue recomputes total value as cash + Σ quantity × last price.
func (p *Portfolio) Revalue() {
	total := p.cash
	for _, pos := range p.positions {
		total = total.Add(pos.MarketValue())
	}
	p.totalValue = total
}

// Snapshot is an immutable copy of the portfolio state.
type Snapshot struct {
	Cash       decimal.Decimal   `json:"cash"`
	TotalValue decimal.Decimal   `json:"total_value"`
	Positions  []domain.Position `json:"positions"`
}

// Snapshot copies the current state.
func (p *Portfolio) Snapshot() Snapshot {
	return Snapshot{
		Cash:       p.cash,
		TotalValue: p.totalValue,
		Positions:  p.Positions(),
	}
}

// ---------------------------------------------------------------------------
// Mutations (executor only)
// ---------------------------------------------------------------------------

func (p *Portfolio) applyBuy(tick domain.Tick, qty, debit decimal.Decimal) {
	p.cash = p.cash.Sub(debit)

	pos, ok := p.positions[tick.Symbol]
	if !ok {
		p.positions[tick.Symbol] = &domain.Position{
			Symbol:            tick.Symbol,
			Quantity:          qty,
			AverageEntryPrice: tick.Price,
			LastPrice:         tick.Price,
			OpenedAt:          tick.Timestamp,
		}
		return
	}

	newQty := pos.Quantity.Add(qty)
	pos.AverageEntryPrice = pos.AverageEntryPrice.Mul(pos.Quantity).
		Add(tick.Price.Mul(qty)).
		Div(newQty)
	pos.Quantity = newQty
	pos.LastPrice = tick.Price
}

func (p *Portfolio) applySell(tick domain.Tick, qty, credit decimal.Decimal) {
	p.cash = p.cash.Add(credit)

	pos := p.positions[tick.Symbol]
	pos.Quantity = pos.Quantity.Sub(qty)
	pos.LastPrice = tick.Price
	if pos.Quantity.IsZero() {
		delete(p.positions, tick.Symbol)
	}
}
