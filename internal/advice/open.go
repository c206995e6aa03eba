package advice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"backtester/internal/store"
)

// ErrUnknownTransport is returned by Open for an unrecognised transport.
var ErrUnknownTransport = errors.New("unknown advisor transport")

// Options selects and configures an advisor.
type Options struct {
	Transport string // momentum | grpc | websocket | none
	Addr      string
	Lookback  time.Duration
	Threshold decimal.Decimal
	Bars      store.BarReader // momentum only
}

// Open builds the configured advisor. Transport "none" (or "") returns a nil
// Advisor. The returned close function is never nil.
func Open(o Options) (Advisor, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(o.Transport) {
	case "", "none":
		return nil, noop, nil
	case "momentum":
		if o.Bars == nil {
			return nil, noop, fmt.Errorf("momentum advisor: no bar source")
		}
		return NewMomentumAdvisor(o.Bars, o.Lookback, o.Threshold), noop, nil
	case "grpc":
		c, err := DialGRPC(o.Addr)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	case "websocket":
		c := NewWebsocketClient(o.Addr)
		return c, c.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnknownTransport, o.Transport)
	}
}
