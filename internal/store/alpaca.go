package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"backtester/internal/domain"
	"backtester/internal/util"
)

// Compile-time interface check.
var _ BarReader = (*AlpacaStore)(nil)

// AlpacaStore is a read-only BarReader that pulls bars from the Alpaca
// market-data API. Each bar becomes one point priced at its close. Calls are
// rate limited and retried with exponential backoff.
type AlpacaStore struct {
	client    *marketdata.Client
	timeFrame marketdata.TimeFrame
	feed      string
	limiter   *util.RateLimiter
	attempts  int
	log       *slog.Logger
}

// AlpacaOptions configures an AlpacaStore.
type AlpacaOptions struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string // "sip" or "iex"; empty uses the account default
	Minute          bool   // minute bars instead of daily
	RateLimitPerMin int
}

// NewAlpacaStore creates an AlpacaStore from the given credentials.
func NewAlpacaStore(o AlpacaOptions) *AlpacaStore {
	opts := marketdata.ClientOpts{
		APIKey:    o.APIKey,
		APISecret: o.APISecret,
	}
	if o.DataURL != "" {
		opts.BaseURL = o.DataURL
	}

	tf := marketdata.OneDay
	if o.Minute {
		tf = marketdata.OneMin
	}

	return &AlpacaStore{
		client:    marketdata.NewClient(opts),
		timeFrame: tf,
		feed:      o.Feed,
		limiter:   util.NewRateLimiter(o.RateLimitPerMin),
		attempts:  4,
		log:       slog.Default().With("store", "alpaca"),
	}
}

// ReadBars fetches bars for symbol in [start, end] from Alpaca.
func (s *AlpacaStore) ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	symbol = strings.ToUpper(symbol)

	var bars []marketdata.Bar
	err := util.Retry(ctx, s.attempts, time.Second, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		bars, err = s.client.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: s.timeFrame,
			Start:     start,
			End:       end,
			Feed:      s.feed,
		})
		if err != nil {
			s.log.Warn("GetBars failed", "symbol", symbol, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}

	points := make([]domain.MarketDataPoint, 0, len(bars))
	for _, b := range bars {
		ts := b.Timestamp.UTC()
		if !inRange(ts, start, end) {
			continue
		}
		points = append(points, domain.MarketDataPoint{
			Timestamp: ts,
			Symbol:    symbol,
			Price:     b.Close,
			Volume:    float64(b.Volume),
			High:      b.High,
			Low:       b.Low,
			Open:      b.Open,
			Close:     b.Close,
		})
	}
	sortPoints(points)
	return points, nil
}
