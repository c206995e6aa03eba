package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"backtester/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*PostgresStore)(nil)

// PostgresStore implements BarStore on a Postgres market_data table, the
// layout written by the live market-data collector.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, applies the schema migrations, and
// returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(ctx, DialectPostgres, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const upsertMarketData = `
	INSERT INTO market_data (symbol, timestamp, price, volume, high, low, open, close)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (symbol, timestamp) DO UPDATE SET
		price = EXCLUDED.price, volume = EXCLUDED.volume,
		high = EXCLUDED.high, low = EXCLUDED.low,
		open = EXCLUDED.open, close = EXCLUDED.close`

// WriteBars upserts points in a single batch transaction.
func (s *PostgresStore) WriteBars(ctx context.Context, points []domain.MarketDataPoint) error {
	if len(points) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range points {
			batch.Queue(upsertMarketData,
				strings.ToUpper(p.Symbol), p.Timestamp.UTC(),
				p.Price, p.Volume, p.High, p.Low, p.Open, p.Close,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert market_data: %w", err)
		}
		return nil
	})
}

// ReadBars returns points for symbol in [start, end] ordered by timestamp.
func (s *PostgresStore) ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, timestamp, price, volume, high, low, open, close
		FROM market_data
		WHERE symbol = $1 AND timestamp BETWEEN $2 AND $3
		ORDER BY timestamp ASC`,
		strings.ToUpper(symbol), start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query market_data: %w", err)
	}

	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MarketDataPoint, error) {
		var p domain.MarketDataPoint
		err := row.Scan(&p.Symbol, &p.Timestamp, &p.Price, &p.Volume, &p.High, &p.Low, &p.Open, &p.Close)
		p.Timestamp = p.Timestamp.UTC()
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan market_data: %w", err)
	}
	return points, nil
}

// ListSymbols returns distinct symbols in ascending order.
func (s *PostgresStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT symbol FROM market_data ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
