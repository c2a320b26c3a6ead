package data

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/model"
)

// DefaultBinanceBaseURL is the Binance spot REST root.
const DefaultBinanceBaseURL = "https://api.binance.com"

// binanceMaxLimit is the per-request kline cap.
const binanceMaxLimit = 1000

// BinanceProvider fetches klines from the Binance spot API. Crypto symbols
// (e.g. BTCUSDT) trade every day, so the series has no weekend gaps.
type BinanceProvider struct {
	baseURL string
	http    *httpFetcher
}

// NewBinanceProvider creates a Binance provider. An empty baseURL selects the public API.
func NewBinanceProvider(baseURL string, requestsPerSecond float64, logger *zap.Logger) *BinanceProvider {
	if baseURL == "" {
		baseURL = DefaultBinanceBaseURL
	}
	return &BinanceProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    newHTTPFetcher("binance", requestsPerSecond, logger),
	}
}

// FetchCandles pages through /api/v3/klines until end is reached.
func (p *BinanceProvider) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error) {
	if timeframe == "" {
		timeframe = DefaultTimeframe
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	var candles []model.Candle
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()
	for cursor <= endMs {
		u := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
			p.baseURL, strings.ToUpper(symbol), timeframe, cursor, endMs, binanceMaxLimit)

		var klines [][]interface{}
		if err := p.http.getJSON(ctx, u, &klines); err != nil {
			return nil, fmt.Errorf("binance fetch %s: %w", symbol, err)
		}
		if len(klines) == 0 {
			break
		}

		var lastOpen int64
		for _, k := range klines {
			c, openMs, err := parseKline(k)
			if err != nil {
				continue
			}
			c.Symbol = symbol
			c.Timeframe = timeframe
			candles = append(candles, c)
			lastOpen = openMs
		}
		if len(klines) < binanceMaxLimit || lastOpen == 0 {
			break
		}
		cursor = lastOpen + 1
	}

	candles = filterRange(candles, model.Date(start), end)
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	return candles, nil
}

// FetchLatestCandles retrieves the most recent N candles
func (p *BinanceProvider) FetchLatestCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	end := time.Now().UTC()
	candles, err := p.FetchCandles(ctx, symbol, timeframe, end.AddDate(0, 0, -limit-1), end)
	if err != nil {
		return nil, err
	}
	return lastN(candles, limit), nil
}

// parseKline decodes one kline row:
// [0] open time (ms), [1] open, [2] high, [3] low, [4] close, [5] volume, ...
func parseKline(k []interface{}) (model.Candle, int64, error) {
	if len(k) < 6 {
		return model.Candle{}, 0, fmt.Errorf("short kline row: %d fields", len(k))
	}
	openMs, ok := k[0].(float64)
	if !ok {
		return model.Candle{}, 0, fmt.Errorf("invalid open time %v", k[0])
	}
	var vals [5]float64
	for i := 0; i < 5; i++ {
		s, ok := k[i+1].(string)
		if !ok {
			return model.Candle{}, 0, fmt.Errorf("invalid field %d: %v", i+1, k[i+1])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.Candle{}, 0, err
		}
		vals[i] = v
	}
	return model.Candle{
		OpenTime: model.Date(time.UnixMilli(int64(openMs))),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, int64(openMs), nil
}
