// Package advice defines external trading-signal sources ("advisors") and
// the transports used to reach them: an in-process momentum rule, a gRPC
// service, and a websocket endpoint.
package advice

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is an advisor's recommendation.
type Signal string

const (
	Buy  Signal = "buy"
	Sell Signal = "sell"
	Hold Signal = "hold"
)

// Parse reads free-form advisor output. Text containing BUY wins over SELL;
// anything else is Hold.
func Parse(text string) Signal {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "BUY"):
		return Buy
	case strings.Contains(upper, "SELL"):
		return Sell
	default:
		return Hold
	}
}

// Request describes the market situation an advisor is asked about.
type Request struct {
	Symbol    string          `json:"symbol"`
	Strategy  string          `json:"strategy"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// Response is the wire form of an advisor's answer.
type Response struct {
	Signal Signal `json:"signal"`
	Reason string `json:"reason,omitempty"`
}

// Advisor produces a signal for a request. Implementations may be slow;
// callers must not invoke them from a latency-sensitive loop.
type Advisor interface {
	Advise(ctx context.Context, req Request) (Signal, error)
}

// Func adapts a plain function to the Advisor interface.
type Func func(ctx context.Context, req Request) (Signal, error)

// Advise calls f.
func (f Func) Advise(ctx context.Context, req Request) (Signal, error) {
	return f(ctx, req)
}
