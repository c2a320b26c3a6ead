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

const (
	// DefaultEODHDBaseURL is the base URL for the EODHD API.
	DefaultEODHDBaseURL = "https://eodhd.com/api"

	// DefaultEODHDRateLimit is the default rate limit (requests per second).
	DefaultEODHDRateLimit = 10
)

// EODHDClient serves both daily bars and fundamentals from EODHD.
type EODHDClient struct {
	baseURL string
	apiKey  string
	http    *httpFetcher
}

// EODHDOption configures the client.
type EODHDOption func(*EODHDClient)

// WithEODHDBaseURL sets a custom base URL.
func WithEODHDBaseURL(baseURL string) EODHDOption {
	return func(c *EODHDClient) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// NewEODHDClient creates a new EODHD API client.
func NewEODHDClient(apiKey string, requestsPerSecond float64, logger *zap.Logger, opts ...EODHDOption) *EODHDClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultEODHDRateLimit
	}
	c := &EODHDClient{
		baseURL: DefaultEODHDBaseURL,
		apiKey:  apiKey,
		http:    newHTTPFetcher("eodhd", requestsPerSecond, logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EODHDClient) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_token", c.apiKey)
	params.Set("fmt", "json")
	return c.http.getJSON(ctx, fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode()), result)
}

type eodBar struct {
	Date          string  `json:"date"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	AdjustedClose float64 `json:"adjusted_close"`
	Volume        float64 `json:"volume"`
}

// FetchCandles retrieves end-of-day bars in ascending order.
func (c *EODHDClient) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("period", "d")
	params.Set("order", "a")
	if !start.IsZero() {
		params.Set("from", start.Format(model.DateLayout))
	}
	if !end.IsZero() {
		params.Set("to", end.Format(model.DateLayout))
	}

	var bars []eodBar
	if err := c.get(ctx, "/eod/"+url.PathEscape(symbol), params, &bars); err != nil {
		return nil, fmt.Errorf("eodhd fetch %s: %w", symbol, err)
	}

	candles := make([]model.Candle, 0, len(bars))
	for _, b := range bars {
		date, err := time.Parse(model.DateLayout, b.Date)
		if err != nil {
			continue
		}
		candles = append(candles, model.Candle{
			Symbol:    symbol,
			Timeframe: DefaultTimeframe,
			OpenTime:  date,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	sortCandles(candles)
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	return candles, nil
}

// FetchLatestCandles retrieves the most recent N candles
func (c *EODHDClient) FetchLatestCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	end := time.Now().UTC()
	candles, err := c.FetchCandles(ctx, symbol, timeframe, end.Add(-Lookback(limit)), end)
	if err != nil {
		return nil, err
	}
	return lastN(candles, limit), nil
}

type eodFundamentals struct {
	Highlights *struct {
		PERatio           *float64 `json:"PERatio"`
		ReturnOnEquityTTM *float64 `json:"ReturnOnEquityTTM"`
	} `json:"Highlights"`
	Valuation *struct {
		TrailingPE *float64 `json:"TrailingPE"`
		ForwardPE  *float64 `json:"ForwardPE"`
	} `json:"Valuation"`
}

// Fundamentals fetches valuation highlights. Absent figures leave the
// corresponding Has flag unset.
func (c *EODHDClient) Fundamentals(ctx context.Context, symbol string) (*model.Fundamentals, error) {
	params := url.Values{}
	params.Set("filter", "Highlights,Valuation")

	var raw eodFundamentals
	if err := c.get(ctx, "/fundamentals/"+url.PathEscape(symbol), params, &raw); err != nil {
		return nil, fmt.Errorf("eodhd fundamentals %s: %w", symbol, err)
	}

	f := &model.Fundamentals{Symbol: symbol, FetchedAt: time.Now().UTC()}
	if v := raw.Valuation; v != nil {
		if v.TrailingPE != nil && *v.TrailingPE != 0 {
			f.TrailingPE = *v.TrailingPE
			f.HasPE = true
		}
		if v.ForwardPE != nil && *v.ForwardPE != 0 {
			f.ForwardPE = *v.ForwardPE
			f.HasPE = true
		}
	}
	if h := raw.Highlights; h != nil {
		if !f.HasPE && h.PERatio != nil && *h.PERatio != 0 {
			f.TrailingPE = *h.PERatio
			f.HasPE = true
		}
		if h.ReturnOnEquityTTM != nil {
			f.ROE = *h.ReturnOnEquityTTM
			f.HasROE = true
		}
	}
	return f, nil
}
