package store

import (
	"context"
	"fmt"
	"strings"

	"backtester/internal/domain"
)

// Options selects and configures a storage backend.
type Options struct {
	Driver      string // parquet | sqlite | postgres | alpaca
	DataDir     string
	Market      domain.Market
	SQLitePath  string
	PostgresDSN string
	Alpaca      AlpacaOptions
}

// Open builds the configured backend. The returned close function releases
// its resources and is never nil. Every driver except alpaca also satisfies
// BarStore.
func Open(ctx context.Context, o Options) (BarReader, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(o.Driver) {
	case "", "parquet":
		return NewParquetStore(o.DataDir, o.Market), noop, nil
	case "sqlite":
		s, err := NewSQLiteStore(ctx, o.SQLitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite %s: %w", o.SQLitePath, err)
		}
		return s, s.Close, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, o.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres: %w", err)
		}
		return s, s.Close, nil
	case "alpaca":
		return NewAlpacaStore(o.Alpaca), noop, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnknownDriver, o.Driver)
	}
}
