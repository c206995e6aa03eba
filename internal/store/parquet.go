package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"backtester/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
	Market  domain.Market
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory for one market.
func NewParquetStore(dataDir string, market domain.Market) *ParquetStore {
	if market == "" {
		market = domain.MarketUS
	}
	return &ParquetStore{DataDir: dataDir, Market: market}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for one market data point.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Price     float64 `parquet:"price"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

func recordFromPoint(p domain.MarketDataPoint) BarRecord {
	return BarRecord{
		Symbol:    strings.ToUpper(p.Symbol),
		Timestamp: p.Timestamp.UnixMilli(),
		Price:     p.Price,
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
		Volume:    p.Volume,
	}
}

func (r BarRecord) point() domain.MarketDataPoint {
	return domain.MarketDataPoint{
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Symbol:    r.Symbol,
		Price:     r.Price,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes points to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(ctx context.Context, points []domain.MarketDataPoint) error {
	if len(points) == 0 {
		return nil
	}

	// Group by symbol → year.
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, p := range points {
		k := key{symbol: strings.ToUpper(p.Symbol), year: p.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], recordFromPoint(p))
	}

	for k, records := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.barPath(k.symbol, k.year)

		// Read existing records to merge.
		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading existing bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads points from Parquet files for the given symbol and time range.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	if end.Before(start) {
		return nil, nil
	}

	var points []domain.MarketDataPoint
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.barPath(symbol, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// No file for this year.
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			p := r.point()
			if inRange(p.Timestamp, start, end) {
				points = append(points, p)
			}
		}
	}
	return points, nil
}

// ListSymbols lists all symbols that have data in the store's market.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(s.Market), "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, string(s.Market), "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
