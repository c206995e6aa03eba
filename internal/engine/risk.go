package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"backtester/internal/broker"
	"backtester/internal/domain"
)

// ErrRiskLimit is returned by RiskManager.CheckOrder for an order that would
// breach a limit. Like broker rejections it drops the order without failing
// the run.
var ErrRiskLimit = errors.New("risk limit exceeded")

// RiskManager enforces pre-trade risk rules such as position sizing limits
// and maximum daily loss constraints. It only ever blocks buys; sells reduce
// exposure and always pass. A RiskManager tracks the current day and belongs
// to a single run.
type RiskManager struct {
	maxPositionPct  decimal.Decimal
	maxDailyLossPct decimal.Decimal

	day     time.Time
	dayOpen decimal.Decimal
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single position
//     (e.g. 0.10 for 10%).
//   - maxDailyLossPct: maximum fraction of equity that may be lost in a single
//     trading day (e.g. 0.02 for 2%).
//
// A zero threshold disables that rule.
func NewRiskManager(maxPositionPct, maxDailyLossPct float64) *RiskManager {
	return &RiskManager{
		maxPositionPct:  decimal.NewFromFloat(maxPositionPct),
		maxDailyLossPct: decimal.NewFromFloat(maxDailyLossPct),
	}
}

// Observe values the portfolio at tick's price and, on the first tick of a
// new calendar day (UTC), records that value as the day's opening equity.
func (rm *RiskManager) Observe(tick domain.Tick, p *broker.Portfolio) {
	day := tick.Timestamp.UTC().Truncate(24 * time.Hour)
	if rm.day.IsZero() || !day.Equal(rm.day) {
		rm.day = day
		rm.dayOpen = markedValue(p, tick)
	}
}

// CheckOrder evaluates whether the proposed order complies with the
// configured risk limits given the current account state.
func (rm *RiskManager) CheckOrder(order domain.Order, tick domain.Tick, p *broker.Portfolio) error {
	if order.Side != domain.SideBuy {
		return nil
	}

	equity := markedValue(p, tick)

	if rm.maxDailyLossPct.IsPositive() && rm.dayOpen.IsPositive() {
		loss := rm.dayOpen.Sub(equity).Div(rm.dayOpen)
		if loss.GreaterThanOrEqual(rm.maxDailyLossPct) {
			return fmt.Errorf("%w: daily loss %s%% reached limit %s%%",
				ErrRiskLimit, loss.Mul(hundred).StringFixed(2), rm.maxDailyLossPct.Mul(hundred).StringFixed(2))
		}
	}

	if rm.maxPositionPct.IsPositive() && equity.IsPositive() {
		after := p.Quantity(order.Symbol).Add(order.Quantity).Mul(tick.Price)
		limit := equity.Mul(rm.maxPositionPct)
		if after.GreaterThan(limit) {
			return fmt.Errorf("%w: position %s %s would exceed %s (%s%% of %s)",
				ErrRiskLimit, order.Symbol, after.StringFixed(2), limit.StringFixed(2),
				rm.maxPositionPct.Mul(hundred).StringFixed(2), equity.StringFixed(2))
		}
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// markedValue is cash plus every position, valuing tick's symbol at the tick
// price and others at their last mark.
func markedValue(p *broker.Portfolio, tick domain.Tick) decimal.Decimal {
	total := p.Cash()
	for _, pos := range p.Positions() {
		price := pos.LastPrice
		if pos.Symbol == tick.Symbol {
			price = tick.Price
		}
		total = total.Add(pos.Quantity.Mul(price))
	}
	return total
}
