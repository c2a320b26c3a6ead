package data

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/model"
)

// DefaultYahooBaseURL is the Yahoo Finance chart API root.
const DefaultYahooBaseURL = "https://query1.finance.yahoo.com"

// YahooProvider fetches daily bars from the public Yahoo Finance chart API.
type YahooProvider struct {
	baseURL string
	http    *httpFetcher
}

// YahooOption configures the provider.
type YahooOption func(*YahooProvider)

// WithYahooBaseURL overrides the API root (used by tests).
func WithYahooBaseURL(baseURL string) YahooOption {
	return func(p *YahooProvider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// NewYahooProvider creates a Yahoo provider limited to requestsPerSecond.
func NewYahooProvider(requestsPerSecond float64, logger *zap.Logger, opts ...YahooOption) *YahooProvider {
	p := &YahooProvider{
		baseURL: DefaultYahooBaseURL,
		http:    newHTTPFetcher("yahoo", requestsPerSecond, logger),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchCandles retrieves daily candles within the specified time range
func (p *YahooProvider) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error) {
	if end.IsZero() {
		end = time.Now().UTC()
	}
	interval := timeframe
	if interval == "" {
		interval = DefaultTimeframe
	}
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&period1=%d&period2=%d",
		p.baseURL, url.PathEscape(symbol), interval, start.Unix(), end.Add(24*time.Hour).Unix())

	var chart yahooChart
	if err := p.http.getJSON(ctx, u, &chart); err != nil {
		return nil, fmt.Errorf("yahoo fetch %s: %w", symbol, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo api error for %s: %s", symbol, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	candles := make([]model.Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		o, h, l, c := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if o == nil || h == nil || l == nil || c == nil {
			continue // null bars (holidays, halts)
		}
		vol := 0.0
		if v := at(quote.Volume, i); v != nil {
			vol = *v
		}
		candles = append(candles, model.Candle{
			Symbol:    symbol,
			Timeframe: interval,
			OpenTime:  model.Date(time.Unix(ts, 0)),
			Open:      *o,
			High:      *h,
			Low:       *l,
			Close:     *c,
			Volume:    vol,
		})
	}
	sortCandles(candles)
	candles = filterRange(candles, model.Date(start), end)
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	return candles, nil
}

// FetchLatestCandles retrieves the most recent N candles
func (p *YahooProvider) FetchLatestCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	end := time.Now().UTC()
	candles, err := p.FetchCandles(ctx, symbol, timeframe, end.Add(-Lookback(limit)), end)
	if err != nil {
		return nil, err
	}
	return lastN(candles, limit), nil
}

func at(values []*float64, i int) *float64 {
	if i >= len(values) {
		return nil
	}
	return values[i]
}
