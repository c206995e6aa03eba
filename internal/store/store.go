// Package store defines the historical market-data collaborator of the
// backtester and its implementations: Parquet files, SQLite, Postgres, and
// the Alpaca market-data API.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"backtester/internal/domain"
)

// ErrUnknownDriver is returned by Open for an unsupported storage driver.
var ErrUnknownDriver = errors.New("unknown storage driver")

// BarReader fetches historical market data.
type BarReader interface {
	// ReadBars returns the points for symbol with timestamps in [start, end],
	// sorted ascending by timestamp. An empty result is not an error.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error)
}

// SymbolLister reports which symbols a store holds data for.
type SymbolLister interface {
	// ListSymbols returns all distinct symbols with stored data.
	ListSymbols(ctx context.Context) ([]string, error)
}

// BarStore persists and retrieves historical market data.
type BarStore interface {
	BarReader
	SymbolLister

	// WriteBars persists a batch of points, replacing any existing point with
	// the same symbol and timestamp.
	WriteBars(ctx context.Context, points []domain.MarketDataPoint) error
}

// inRange reports whether ts lies in the closed interval [start, end].
func inRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}

// sortPoints orders points by timestamp, keeping the input order for ties.
func sortPoints(points []domain.MarketDataPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
}
