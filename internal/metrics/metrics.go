// Package metrics computes performance and risk statistics from the trade
// list and equity curve of a completed backtest.
package metrics

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
)

// DefaultRiskFreeRate is the annual risk-free rate used by Sharpe and Sortino.
const DefaultRiskFreeRate = 0.02

// TradingDaysPerYear annualizes per-period returns.
const TradingDaysPerYear = 252

// MaxProfitFactor is reported when there are winning sells but no losing
// ones. It is the largest value of a 96-bit decimal mantissa.
var MaxProfitFactor = decimal.RequireFromString("79228162514264337593543950335")

var hundred = decimal.NewFromInt(100)

// Metrics is the summary of one backtest run. Percentages are expressed in
// percent (25 means 25%).
type Metrics struct {
	TotalReturn  decimal.Decimal `json:"total_return"`
	AnnualReturn decimal.Decimal `json:"annual_return"`

	TotalTrades   int `json:"total_trades"`
	WinningTrades int `json:"winning_trades"`
	LosingTrades  int `json:"losing_trades"`
	// WinRate is winning / (winning + losing) sells in percent; buys and
	// unclassified sells are not in the denominator, unlike TotalTrades.
	WinRate      decimal.Decimal `json:"win_rate"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`

	SharpeRatio         float64         `json:"sharpe_ratio"`
	SortinoRatio        float64         `json:"sortino_ratio"`
	MaxDrawdown         decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownDuration time.Duration   `json:"max_drawdown_duration"`

	AvgProfitPerTrade   decimal.Decimal `json:"avg_profit_per_trade"`
	AvgWinningTrade     decimal.Decimal `json:"avg_winning_trade"`
	AvgLosingTrade      decimal.Decimal `json:"avg_losing_trade"`
	LargestWinningTrade decimal.Decimal `json:"largest_winning_trade"`
	LargestLosingTrade  decimal.Decimal `json:"largest_losing_trade"`
	AvgTradeDuration    time.Duration   `json:"avg_trade_duration"`
	ProfitPerMonth      decimal.Decimal `json:"profit_per_month"`
	AvgPositionSize     decimal.Decimal `json:"avg_position_size"`
	TotalCommission     decimal.Decimal `json:"total_commission"`
	TotalVolume         decimal.Decimal `json:"total_volume"`
}

// Calculator turns trades and an equity curve into Metrics. It holds only
// configuration and is safe for concurrent use.
type Calculator struct {
	riskFreeRate   float64
	periodsPerYear float64
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithRiskFreeRate sets the annual risk-free rate (0.02 = 2%).
func WithRiskFreeRate(r float64) Option {
	return func(c *Calculator) { c.riskFreeRate = r }
}

// WithPeriodsPerYear sets the annualization factor for per-point returns.
func WithPeriodsPerYear(n float64) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.periodsPerYear = n
		}
	}
}

// NewCalculator creates a Calculator with a 2% risk-free rate and 252
// periods per year unless overridden.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		riskFreeRate:   DefaultRiskFreeRate,
		periodsPerYear: TradingDaysPerYear,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate computes all metrics. trades must be in execution order and
// equity in time order; neither is modified.
func (c *Calculator) Calculate(trades []domain.Trade, equity []domain.EquityPoint) Metrics {
	book := analyzeTrades(trades)
	returns := Returns(equity)
	maxDD, ddDuration := MaxDrawdown(equity)
	totalReturn := TotalReturn(equity)
	span := curveSpan(equity)

	m := Metrics{
		TotalReturn:  totalReturn,
		AnnualReturn: annualize(totalReturn, span),

		TotalTrades:   len(trades),
		WinningTrades: len(book.wins),
		LosingTrades:  len(book.losses),
		WinRate:       winRate(len(book.wins), len(book.losses)),
		ProfitFactor:  profitFactor(book.wins, book.losses),

		SharpeRatio:         c.sharpe(returns),
		SortinoRatio:        c.sortino(returns),
		MaxDrawdown:         maxDD,
		MaxDrawdownDuration: ddDuration,

		AvgProfitPerTrade: avgProfit(trades),
		AvgTradeDuration:  meanDuration(book.holds),
		ProfitPerMonth:    profitPerMonth(equity, span),
		AvgPositionSize:   avgPositionSize(trades),
		TotalCommission:   decimal.Zero,
		TotalVolume:       decimal.Zero,
	}
	m.AvgWinningTrade, m.LargestWinningTrade = meanAndExtreme(book.winPnL, true)
	m.AvgLosingTrade, m.LargestLosingTrade = meanAndExtreme(book.lossPnL, false)

	for _, t := range trades {
		m.TotalCommission = m.TotalCommission.Add(t.Commission)
		m.TotalVolume = m.TotalVolume.Add(t.Notional())
	}
	return m
}

// ---------------------------------------------------------------------------
// Trade classification
// ---------------------------------------------------------------------------

type lot struct {
	qty      decimal.Decimal
	avg      decimal.Decimal
	openedAt time.Time
}

type tradeBook struct {
	wins, losses    []domain.Trade
	winPnL, lossPnL []decimal.Decimal
	holds           []time.Duration
}

// analyzeTrades replays trades against a running per-symbol average cost. A
// sell is winning when its price exceeds the average entry price at the
// moment it executes. Sells with no recorded holding are not classified.
func analyzeTrades(trades []domain.Trade) tradeBook {
	var b tradeBook
	lots := make(map[string]*lot)

	for _, t := range trades {
		switch t.Side {
		case domain.SideBuy:
			l, ok := lots[t.Symbol]
			if !ok {
				l = &lot{openedAt: t.Timestamp}
				lots[t.Symbol] = l
			}
			newQty := l.qty.Add(t.Quantity)
			if newQty.IsZero() {
				continue
			}
			l.avg = l.avg.Mul(l.qty).Add(t.Price.Mul(t.Quantity)).Div(newQty)
			l.qty = newQty

		case domain.SideSell:
			l, ok := lots[t.Symbol]
			if !ok {
				continue
			}
			pnl := t.Price.Sub(l.avg).Mul(t.Quantity).Sub(t.Commission)
			if t.Price.GreaterThan(l.avg) {
				b.wins = append(b.wins, t)
				b.winPnL = append(b.winPnL, pnl)
			} else {
				b.losses = append(b.losses, t)
				b.lossPnL = append(b.lossPnL, pnl)
			}

			l.qty = l.qty.Sub(t.Quantity)
			if !l.qty.IsPositive() {
				b.holds = append(b.holds, t.Timestamp.Sub(l.openedAt))
				delete(lots, t.Symbol)
			}
		}
	}
	return b
}

func winRate(wins, losses int) decimal.Decimal {
	closed := wins + losses
	if closed == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(closed))).Mul(hundred)
}

func profitFactor(wins, losses []domain.Trade) decimal.Decimal {
	profit := decimal.Zero
	for _, t := range wins {
		profit = profit.Add(t.Price.Sub(t.Commission).Mul(t.Quantity))
	}
	loss := decimal.Zero
	for _, t := range losses {
		loss = loss.Add(t.Price.Add(t.Commission).Mul(t.Quantity))
	}

	if loss.IsZero() {
		if profit.IsZero() {
			return decimal.NewFromInt(1)
		}
		return MaxProfitFactor
	}
	return profit.Div(loss)
}

func avgProfit(trades []domain.Trade) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Notional().Sub(t.Commission))
	}
	return total.Div(decimal.NewFromInt(int64(len(trades))))
}

func avgPositionSize(trades []domain.Trade) decimal.Decimal {
	total := decimal.Zero
	n := 0
	for _, t := range trades {
		if t.Side == domain.SideBuy {
			total = total.Add(t.Notional())
			n++
		}
	}
	if n == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(n)))
}

// meanAndExtreme returns the mean of values and their maximum (largest true)
// or minimum (largest false).
func meanAndExtreme(values []decimal.Decimal, largest bool) (decimal.Decimal, decimal.Decimal) {
	if len(values) == 0 {
		return decimal.Zero, decimal.Zero
	}
	sum := decimal.Zero
	extreme := values[0]
	for _, v := range values {
		sum = sum.Add(v)
		if (largest && v.GreaterThan(extreme)) || (!largest && v.LessThan(extreme)) {
			extreme = v
		}
	}
	return sum.Div(decimal.NewFromInt(int64(len(values)))), extreme
}

func meanDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}

// ---------------------------------------------------------------------------
// Equity curve statistics
// ---------------------------------------------------------------------------

// TotalReturn is (last − first) / first × 100; zero with fewer than two
// points or a zero starting value.
func TotalReturn(equity []domain.EquityPoint) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}
	first := equity[0].Value
	last := equity[len(equity)-1].Value
	if first.IsZero() {
		return decimal.Zero
	}
	return last.Sub(first).Div(first).Mul(hundred)
}

// Returns computes the per-point simple return series. A zero prior value
// yields a zero return.
func Returns(equity []domain.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Value
		if prev.IsZero() {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i].Value.Sub(prev).Div(prev).InexactFloat64())
	}
	return out
}

// MaxDrawdown tracks the running peak and returns the largest fractional
// decline from it, in percent, with the time elapsed between that peak and
// the trough where the maximum was observed.
func MaxDrawdown(equity []domain.EquityPoint) (decimal.Decimal, time.Duration) {
	maxDD := decimal.Zero
	var duration time.Duration
	if len(equity) == 0 {
		return maxDD, duration
	}

	peak := equity[0].Value
	peakAt := equity[0].Timestamp
	for _, p := range equity[1:] {
		if p.Value.GreaterThan(peak) {
			peak = p.Value
			peakAt = p.Timestamp
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(p.Value).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			duration = p.Timestamp.Sub(peakAt)
		}
	}
	return maxDD.Mul(hundred), duration
}

func (c *Calculator) sharpe(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	mean := meanOf(returns)
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	vol := math.Sqrt(ss/float64(len(returns))) * math.Sqrt(c.periodsPerYear)
	if vol == 0 {
		return 0
	}
	return (mean*c.periodsPerYear - c.riskFreeRate) / vol
}

func (c *Calculator) sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var ss float64
	n := 0
	for _, r := range returns {
		if r < 0 {
			ss += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	downside := math.Sqrt(ss/float64(n)) * math.Sqrt(c.periodsPerYear)
	if downside == 0 {
		return 0
	}
	return (meanOf(returns)*c.periodsPerYear - c.riskFreeRate) / downside
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// ---------------------------------------------------------------------------
// Calendar scaling
// ---------------------------------------------------------------------------

const (
	year  = 365 * 24 * time.Hour
	month = 30 * 24 * time.Hour
)

func curveSpan(equity []domain.EquityPoint) time.Duration {
	if len(equity) < 2 {
		return 0
	}
	return equity[len(equity)-1].Timestamp.Sub(equity[0].Timestamp)
}

// annualize scales a total percentage return linearly to a 365-day year.
func annualize(totalReturn decimal.Decimal, span time.Duration) decimal.Decimal {
	if span <= 0 {
		return decimal.Zero
	}
	return totalReturn.Mul(decimal.NewFromInt(int64(year))).Div(decimal.NewFromInt(int64(span)))
}

// profitPerMonth divides absolute profit by the number of 30-day months in
// the run, counting at least one.
func profitPerMonth(equity []domain.EquityPoint, span time.Duration) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}
	profit := equity[len(equity)-1].Value.Sub(equity[0].Value)
	months := decimal.NewFromInt(int64(span)).Div(decimal.NewFromInt(int64(month)))
	if months.LessThan(decimal.NewFromInt(1)) {
		return profit
	}
	return profit.Div(months)
}
