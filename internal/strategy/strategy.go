// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for building named strategy implementations.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"backtester/internal/domain"
)

var (
	// ErrUnknownStrategy is returned by Registry.Build for an unregistered name.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrBadParam is returned when a strategy parameter cannot be parsed or is
	// out of range.
	ErrBadParam = errors.New("bad strategy parameter")
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// OnData is called exactly once per tick, in tick order. It returns the
	// orders to apply for this tick, in the order they should be executed.
	// Implementations must not block on external resources.
	OnData(ctx context.Context, tick domain.Tick, view PortfolioView) ([]domain.Order, error)
}

// PortfolioView is the read-only account state a strategy may inspect.
type PortfolioView interface {
	Cash() decimal.Decimal
	TotalValue() decimal.Decimal
	Position(symbol string) (domain.Position, bool)
	Quantity(symbol string) decimal.Decimal
	Holds(symbol string) bool
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

// Params carries string-valued strategy parameters as they arrive from config
// files, flags, or API requests.
type Params map[string]string

// String returns the value for key, or def when unset.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Int returns the integer value for key, or def when unset.
func (p Params) Int(key string, def int) (int, error) {
	v := p.String(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrBadParam, key, v, err)
	}
	return n, nil
}

// Decimal returns the decimal value for key, or def when unset.
func (p Params) Decimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := p.String(key, "")
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s=%q: %v", ErrBadParam, key, v, err)
	}
	return d, nil
}

// Clone returns a copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Factory builds a fresh strategy instance from parameters. Strategies carry
// per-run state, so every run gets its own instance.
type Factory func(params Params) (Strategy, error)

// Registry holds a named collection of strategy factories for lookup and
// enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Build constructs a new instance of the named strategy.
func (r *Registry) Build(name string, params Params) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("building strategy %s: %w", name, err)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
