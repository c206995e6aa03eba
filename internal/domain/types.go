// Package domain defines the core value types shared across the backtester:
// raw market data as it arrives from a data source, the decimal Tick the
// simulation works on, orders, trades, positions, and equity snapshots.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS     Market = "us"
	MarketCN     Market = "cn"
	MarketCrypto Market = "crypto"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// MarketDataPoint is one historical observation for a symbol as delivered by
// a data source. Prices are raw floating point; they are converted to Tick
// exactly once before entering the simulation.
type MarketDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Open      float64   `json:"open"`
	Close     float64   `json:"close"`
}

// Tick is a MarketDataPoint after the conversion boundary. All values are
// fixed-point decimals.
type Tick struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Open      decimal.Decimal `json:"open"`
	Close     decimal.Decimal `json:"close"`
}

// ---------------------------------------------------------------------------
// Orders, trades, positions
// ---------------------------------------------------------------------------

// Order is a market order emitted by a strategy. It lives only between the
// strategy call and the executor within a single tick.
type Order struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trade is an executed fill. Trades are created only by the executor and are
// never modified afterwards.
type Trade struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Notional returns quantity × price.
func (t Trade) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// Position is a long holding in one symbol.
type Position struct {
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	LastPrice         decimal.Decimal `json:"last_price"`
	OpenedAt          time.Time       `json:"opened_at"`
}

// MarketValue returns quantity × last marked price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.LastPrice)
}

// EquityPoint is one sample of the account's total value.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}
