package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrNonFinite is returned when a raw value is NaN or infinite and therefore
// has no decimal representation.
var ErrNonFinite = errors.New("value is not finite")

// ToDecimal converts a raw float64 into a decimal using the shortest exact
// representation of the float. NaN and ±Inf are rejected.
func ToDecimal(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNonFinite, v)
	}
	return decimal.NewFromFloat(v), nil
}

// NewTick converts a MarketDataPoint into a Tick. Any field that cannot be
// represented fails the whole point; nothing is coerced to zero.
func NewTick(p MarketDataPoint) (Tick, error) {
	fields := [...]struct {
		name string
		raw  float64
	}{
		{"price", p.Price},
		{"volume", p.Volume},
		{"high", p.High},
		{"low", p.Low},
		{"open", p.Open},
		{"close", p.Close},
	}

	var out [len(fields)]decimal.Decimal
	for i, f := range fields {
		d, err := ToDecimal(f.raw)
		if err != nil {
			return Tick{}, fmt.Errorf("tick %s@%s %s: %w", p.Symbol, p.Timestamp.Format("2006-01-02T15:04:05Z07:00"), f.name, err)
		}
		out[i] = d
	}

	return Tick{
		Timestamp: p.Timestamp,
		Symbol:    p.Symbol,
		Price:     out[0],
		Volume:    out[1],
		High:      out[2],
		Low:       out[3],
		Open:      out[4],
		Close:     out[5],
	}, nil
}
