// Package data provides historical bar and fundamentals sources.
package data

import (
	"context"
	"errors"
	"time"

	"github.com/tunogya/visionquant/pkg/model"
)

// ErrNoData is returned when a source has no bars for the request.
var ErrNoData = errors.New("no data")

// DefaultTimeframe is the bar interval used throughout: daily.
const DefaultTimeframe = "1d"

// CandleProvider defines the interface for fetching historical candle data
type CandleProvider interface {
	// FetchCandles retrieves bars for symbol with OpenTime in [start, end],
	// ordered oldest first.
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error)

	// FetchLatestCandles retrieves the most recent N candles
	FetchLatestCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error)
}

// FundamentalsProvider returns valuation figures for a symbol. Implementations
// may return partially populated results.
type FundamentalsProvider interface {
	Fundamentals(ctx context.Context, symbol string) (*model.Fundamentals, error)
}

// filterRange keeps candles with OpenTime in [start, end]. A zero end means no upper bound.
func filterRange(candles []model.Candle, start, end time.Time) []model.Candle {
	var out []model.Candle
	for _, c := range candles {
		if c.OpenTime.Before(start) {
			continue
		}
		if !end.IsZero() && c.OpenTime.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// lastN returns the final n candles.
func lastN(candles []model.Candle, n int) []model.Candle {
	if n <= 0 || len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

// Lookback converts a bar count into a calendar lookback for daily bars,
// allowing for weekends and holidays.
func Lookback(limit int) time.Duration {
	days := limit*7/5 + 10
	return time.Duration(days) * 24 * time.Hour
}
