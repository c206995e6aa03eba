// Package client is a Go SDK for the backtester API server.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Client calls the backtester HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new backtester API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// BacktestRequest describes one run.
type BacktestRequest struct {
	Symbol         string            `json:"symbol"`
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	InitialCapital decimal.Decimal   `json:"initial_capital"`
	CommissionRate decimal.Decimal   `json:"commission_rate"`
	Strategy       string            `json:"strategy"`
	Params         map[string]string `json:"params,omitempty"`
}

// Trade is one executed fill.
type Trade struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EquityPoint is the account value after a tick.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// Metrics holds the headline statistics of a run. Percentages are in
// percent.
type Metrics struct {
	TotalReturn     decimal.Decimal `json:"total_return"`
	AnnualReturn    decimal.Decimal `json:"annual_return"`
	TotalTrades     int             `json:"total_trades"`
	WinRate         decimal.Decimal `json:"win_rate"`
	ProfitFactor    decimal.Decimal `json:"profit_factor"`
	SharpeRatio     float64         `json:"sharpe_ratio"`
	SortinoRatio    float64         `json:"sortino_ratio"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	TotalCommission decimal.Decimal `json:"total_commission"`
}

// BacktestResult is the server's answer to a run.
type BacktestResult struct {
	RunID       string        `json:"run_id"`
	Strategy    string        `json:"strategy"`
	Metrics     Metrics       `json:"metrics"`
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	Ticks       int           `json:"ticks"`
	Rejected    int           `json:"rejected_orders"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backtester api: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404, which the
// server returns when the store holds no bars for the requested window.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// RunBacktest runs req on the server and waits for the result.
func (c *Client) RunBacktest(ctx context.Context, req BacktestRequest) (*BacktestResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	var res BacktestResult
	if err := c.do(ctx, http.MethodPost, "/v1/backtests", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListStrategies returns the strategy names the server accepts.
func (c *Client) ListStrategies(ctx context.Context) ([]string, error) {
	var out struct {
		Strategies []string `json:"strategies"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/strategies", nil, &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
