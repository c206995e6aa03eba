package advice

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
	"backtester/internal/store"
)

// Compile-time interface check.
var _ Advisor = (*MomentumAdvisor)(nil)

// MomentumAdvisor compares the requested price with the mean price of the
// preceding lookback window read from a BarStore. A price above the mean by
// more than threshold is a Buy, below by more than threshold a Sell.
type MomentumAdvisor struct {
	bars      store.BarReader
	lookback  time.Duration
	threshold decimal.Decimal
}

// NewMomentumAdvisor creates a MomentumAdvisor. threshold is a fraction,
// e.g. 0.02 for 2%.
func NewMomentumAdvisor(bars store.BarReader, lookback time.Duration, threshold decimal.Decimal) *MomentumAdvisor {
	return &MomentumAdvisor{
		bars:      bars,
		lookback:  lookback,
		threshold: threshold,
	}
}

// Advise reads history strictly before req.Timestamp and classifies the
// request price against its mean. No history yields Hold.
func (m *MomentumAdvisor) Advise(ctx context.Context, req Request) (Signal, error) {
	end := req.Timestamp.Add(-time.Nanosecond)
	points, err := m.bars.ReadBars(ctx, req.Symbol, end.Add(-m.lookback), end)
	if err != nil {
		return Hold, fmt.Errorf("reading history for %s: %w", req.Symbol, err)
	}

	sum := decimal.Zero
	n := 0
	for _, p := range points {
		v, err := domain.ToDecimal(p.Price)
		if err != nil {
			continue
		}
		sum = sum.Add(v)
		n++
	}
	if n == 0 {
		return Hold, nil
	}

	mean := sum.Div(decimal.NewFromInt(int64(n)))
	one := decimal.NewFromInt(1)
	switch {
	case req.Price.GreaterThan(mean.Mul(one.Add(m.threshold))):
		return Buy, nil
	case req.Price.LessThan(mean.Mul(one.Sub(m.threshold))):
		return Sell, nil
	default:
		return Hold, nil
	}
}
