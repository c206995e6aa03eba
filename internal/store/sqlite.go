package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"backtester/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*SQLiteStore)(nil)

// SQLiteStore implements BarStore backed by a SQLite database with a
// market_data table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema migrations, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := Migrate(ctx, DialectSQLite, dbPath); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars upserts points inside one transaction.
func (s *SQLiteStore) WriteBars(ctx context.Context, points []domain.MarketDataPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_data (symbol, timestamp, price, volume, high, low, open, close)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timestamp) DO UPDATE SET
			price = excluded.price, volume = excluded.volume,
			high = excluded.high, low = excluded.low,
			open = excluded.open, close = excluded.close`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			strings.ToUpper(p.Symbol), p.Timestamp.UnixMilli(),
			p.Price, p.Volume, p.High, p.Low, p.Open, p.Close,
		); err != nil {
			return fmt.Errorf("insert %s@%s: %w", p.Symbol, p.Timestamp.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

// ReadBars returns points for symbol in [start, end] ordered by timestamp.
func (s *SQLiteStore) ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timestamp, price, volume, high, low, open, close
		FROM market_data
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`,
		strings.ToUpper(symbol), start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query market_data: %w", err)
	}
	defer rows.Close()

	var points []domain.MarketDataPoint
	for rows.Next() {
		var (
			p  domain.MarketDataPoint
			ms int64
		)
		if err := rows.Scan(&p.Symbol, &ms, &p.Price, &p.Volume, &p.High, &p.Low, &p.Open, &p.Close); err != nil {
			return nil, fmt.Errorf("scan market_data: %w", err)
		}
		p.Timestamp = time.UnixMilli(ms).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListSymbols returns distinct symbols in ascending order.
func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM market_data ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}
