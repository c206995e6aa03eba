package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"backtester/internal/domain"
)

// ReadCSV parses market data with a header row. Recognised columns
// (case-insensitive): timestamp, symbol, price, open, high, low, close,
// volume. timestamp is RFC3339 or Unix seconds. When price is absent the
// close is used; when symbol is absent defaultSymbol is used.
func ReadCSV(r io.Reader, defaultSymbol string) ([]domain.MarketDataPoint, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["timestamp"]; !ok {
		return nil, fmt.Errorf("csv header missing timestamp column")
	}
	if _, ok := col["close"]; !ok {
		if _, ok := col["price"]; !ok {
			return nil, fmt.Errorf("csv header needs a price or close column")
		}
	}

	var points []domain.MarketDataPoint
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}

		p, err := parseCSVRecord(record, col, defaultSymbol)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		points = append(points, p)
	}

	sortPoints(points)
	return points, nil
}

func parseCSVRecord(record []string, col map[string]int, defaultSymbol string) (domain.MarketDataPoint, error) {
	field := func(name string) (string, bool) {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[i]), true
	}
	number := func(name string) (float64, error) {
		raw, ok := field(name)
		if !ok || raw == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", name, err)
		}
		return v, nil
	}

	var p domain.MarketDataPoint
	rawTS, _ := field("timestamp")
	ts, err := parseTimestamp(rawTS)
	if err != nil {
		return p, err
	}
	p.Timestamp = ts

	p.Symbol = defaultSymbol
	if sym, ok := field("symbol"); ok && sym != "" {
		p.Symbol = strings.ToUpper(sym)
	}
	if p.Symbol == "" {
		return p, fmt.Errorf("no symbol column and no default symbol")
	}

	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"open", &p.Open}, {"high", &p.High}, {"low", &p.Low},
		{"close", &p.Close}, {"volume", &p.Volume}, {"price", &p.Price},
	} {
		v, err := number(f.name)
		if err != nil {
			return p, err
		}
		*f.dst = v
	}
	if _, ok := field("price"); !ok {
		p.Price = p.Close
	}
	return p, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
