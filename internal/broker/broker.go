// Package broker holds the simulated account of a backtest and the executor
// that fills strategy orders against it.
package broker

import (
	"errors"

	"backtester/internal/domain"
)

// Order rejection reasons. A rejected order leaves the portfolio untouched;
// rejections are expected outcomes of strategy behaviour, not run failures.
var (
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidSide          = errors.New("invalid side")
	ErrSymbolMismatch       = errors.New("order symbol does not match tick")
)

var rejections = []error{
	ErrInsufficientCash,
	ErrInsufficientPosition,
	ErrInvalidQuantity,
	ErrInvalidSide,
	ErrSymbolMismatch,
}

// IsRejection reports whether err is an order rejection rather than a fault.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// RejectionReason returns a short label for a rejection, used in logs and
// metric attributes.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCash):
		return "insufficient_cash"
	case errors.Is(err, ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ErrSymbolMismatch):
		return "symbol_mismatch"
	default:
		return "other"
	}
}

// Broker fills orders against a Portfolio.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Execute validates order against the current tick and portfolio. On
	// success it mutates the portfolio and returns the resulting Trade; on
	// rejection it returns an error satisfying IsRejection and changes nothing.
	Execute(order domain.Order, tick domain.Tick, p *Portfolio) (domain.Trade, error)
}
