package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"backtester/internal/domain"
	"backtester/internal/store"
	"backtester/internal/strategy"
)

// Request names a strategy and its parameters for one run.
type Request struct {
	Config
	Strategy string          `json:"strategy"`
	Params   strategy.Params `json:"params,omitempty"`
}

// Backtester builds strategies by name and runs each on a fresh Engine.
type Backtester struct {
	store    store.BarReader
	registry *strategy.Registry
	opts     []Option
}

// NewBacktester creates a Backtester that reads bars from the given store and
// looks up strategies in the provided registry. opts apply to every Engine it
// creates.
func NewBacktester(bars store.BarReader, registry *strategy.Registry, opts ...Option) *Backtester {
	return &Backtester{
		store:    bars,
		registry: registry,
		opts:     opts,
	}
}

// Strategies lists the registered strategy names.
func (bt *Backtester) Strategies() []string {
	return bt.registry.List()
}

// Run builds the requested strategy and runs it once.
func (bt *Backtester) Run(ctx context.Context, req Request) (*Result, error) {
	strat, err := bt.registry.Build(req.Strategy, req.Params)
	if err != nil {
		return nil, err
	}
	return NewEngine(req.Config, bt.store, strat, bt.opts...).Run(ctx)
}

// Sweep runs base once for every parameter set in grid, each merged over
// base.Params. The series is fetched once and shared read-only by all runs;
// at most workers runs execute at a time (one per CPU when workers <= 0).
// Results are returned in grid order. The first failing run cancels the rest
// and its error is returned.
func (bt *Backtester) Sweep(ctx context.Context, base Request, grid []strategy.Params, workers int) ([]*Result, error) {
	if err := base.Config.Validate(); err != nil {
		return nil, err
	}
	if len(grid) == 0 {
		return nil, nil
	}

	points, err := bt.store.ReadBars(ctx, base.Symbol, base.Start, base.End)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, base.Symbol, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, base.Symbol)
	}
	series := fixedSeries(points)

	results := make([]*Result, len(grid))
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	if workers > 0 {
		p = p.WithMaxGoroutines(workers)
	}
	for i, params := range grid {
		merged := base.Params.Clone()
		for k, v := range params {
			merged[k] = v
		}
		p.Go(func(ctx context.Context) error {
			strat, err := bt.registry.Build(base.Strategy, merged)
			if err != nil {
				return fmt.Errorf("sweep %d %v: %w", i, params, err)
			}
			res, err := NewEngine(base.Config, series, strat, bt.opts...).Run(ctx)
			if err != nil {
				return fmt.Errorf("sweep %d %v: %w", i, params, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ParamGrid returns the cartesian product of axes, iterating keys in sorted
// order with the last key varying fastest.
func ParamGrid(axes map[string][]string) []strategy.Params {
	keys := make([]string, 0, len(axes))
	for k, vs := range axes {
		if len(vs) == 0 {
			return nil
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	grid := []strategy.Params{{}}
	for _, k := range keys {
		next := make([]strategy.Params, 0, len(grid)*len(axes[k]))
		for _, g := range grid {
			for _, v := range axes[k] {
				p := g.Clone()
				p[k] = v
				next = append(next, p)
			}
		}
		grid = next
	}
	return grid
}

// fixedSeries serves an already fetched, sorted series. The series was
// read for one symbol, and stores normalise symbol case, so only the
// window is applied.
type fixedSeries []domain.MarketDataPoint

func (s fixedSeries) ReadBars(_ context.Context, _ string, start, end time.Time) ([]domain.MarketDataPoint, error) {
	out := make([]domain.MarketDataPoint, 0, len(s))
	for _, p := range s {
		if !p.Timestamp.Before(start) && !p.Timestamp.After(end) {
			out = append(out, p)
		}
	}
	return out, nil
}
