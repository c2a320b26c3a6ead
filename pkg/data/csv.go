package data

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/model"
)

var csvHeader = []string{"time", "open", "high", "low", "close", "volume"}

// ReadCSV loads a cached series. Columns are located by header name; rows
// that fail to parse are skipped.
func ReadCSV(path, symbol string) ([]model.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	colMap := make(map[string]int)
	for i, col := range header {
		colMap[strings.ToLower(strings.TrimSpace(col))] = i
	}

	var candles []model.Candle
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		c, err := parseRecord(record, colMap)
		if err != nil {
			continue
		}
		c.Symbol = symbol
		c.Timeframe = DefaultTimeframe
		candles = append(candles, c)
	}
	sortCandles(candles)
	return candles, nil
}

func parseRecord(record []string, colMap map[string]int) (model.Candle, error) {
	get := func(name string) string {
		if idx, ok := colMap[name]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	ts, err := time.Parse(model.DateLayout, get("time"))
	if err != nil {
		return model.Candle{}, fmt.Errorf("invalid time: %w", err)
	}
	var vals [5]float64
	for i, col := range csvHeader[1:] {
		v, err := strconv.ParseFloat(get(col), 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("invalid %s: %w", col, err)
		}
		vals[i] = v
	}
	return model.Candle{
		OpenTime: ts,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

// WriteCSV writes candles to path through a temp file and rename.
func WriteCSV(path string, candles []model.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvHeader); err != nil {
		tmp.Close()
		return err
	}
	for _, c := range candles {
		row := []string{
			model.Date(c.OpenTime).Format(model.DateLayout),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// CachedProvider serves bars from an upstream provider and keeps a per-symbol
// CSV copy under dir. When upstream fails, or is nil, the cache answers.
// Only daily bars are cached; other timeframes pass straight through.
type CachedProvider struct {
	dir      string
	upstream CandleProvider
	logger   *zap.Logger
}

// NewCachedProvider creates a caching provider; upstream may be nil for offline use.
func NewCachedProvider(dir string, upstream CandleProvider, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{dir: dir, upstream: upstream, logger: logger}
}

// Path returns the cache file for symbol.
func (p *CachedProvider) Path(symbol string) string {
	return filepath.Join(p.dir, SafeName(symbol)+".csv")
}

// FetchCandles retrieves candles within the specified time range
func (p *CachedProvider) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error) {
	// cache rows are keyed by date
	if timeframe != "" && timeframe != DefaultTimeframe {
		if p.upstream == nil {
			return nil, fmt.Errorf("%w for %s: only %s bars are cached, not %s", ErrNoData, symbol, DefaultTimeframe, timeframe)
		}
		return p.upstream.FetchCandles(ctx, symbol, timeframe, start, end)
	}
	if p.upstream != nil {
		candles, err := p.upstream.FetchCandles(ctx, symbol, timeframe, start, end)
		if err == nil && len(candles) > 0 {
			if err := p.store(symbol, candles); err != nil {
				p.logger.Warn("Failed to update bar cache", zap.String("symbol", symbol), zap.Error(err))
			}
			return candles, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("Upstream fetch failed, falling back to cache",
			zap.String("symbol", symbol), zap.Error(err))
	}

	cached, err := ReadCSV(p.Path(symbol), symbol)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
		}
		return nil, err
	}
	out := filterRange(cached, start, end)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %s in range", ErrNoData, symbol)
	}
	return out, nil
}

// FetchLatestCandles retrieves the most recent N candles
func (p *CachedProvider) FetchLatestCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	end := time.Now().UTC()
	candles, err := p.FetchCandles(ctx, symbol, timeframe, end.Add(-Lookback(limit)), end)
	if err != nil {
		return nil, err
	}
	return lastN(candles, limit), nil
}

// store merges fresh bars into the cache file, fresh bars winning on the same date.
func (p *CachedProvider) store(symbol string, fresh []model.Candle) error {
	byDate := make(map[time.Time]model.Candle)
	if existing, err := ReadCSV(p.Path(symbol), symbol); err == nil {
		for _, c := range existing {
			byDate[model.Date(c.OpenTime)] = c
		}
	}
	for _, c := range fresh {
		byDate[model.Date(c.OpenTime)] = c
	}
	merged := make([]model.Candle, 0, len(byDate))
	for _, c := range byDate {
		merged = append(merged, c)
	}
	sortCandles(merged)
	return WriteCSV(p.Path(symbol), merged)
}

// MemoryProvider implements CandleProvider with in-memory storage
type MemoryProvider struct {
	series map[string][]model.Candle
}

// NewMemoryProvider creates a new in-memory candle provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{series: make(map[string][]model.Candle)}
}

// AddCandles adds candles for symbol
func (p *MemoryProvider) AddCandles(symbol string, candles []model.Candle) {
	merged := append(p.series[symbol], candles...)
	sortCandles(merged)
	p.series[symbol] = merged
}

// FetchCandles retrieves candles within the specified time range
func (p *MemoryProvider) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.Candle, error) {
	out := filterRange(p.series[symbol], start, end)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	return out, nil
}

// FetchLatestCandles retrieves the most recent N candles
func (p *MemoryProvider) FetchLatestCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	all := p.series[symbol]
	if len(all) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	return lastN(all, limit), nil
}

func sortCandles(candles []model.Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})
}

// SafeName maps a symbol to a string usable as a file or directory name.
func SafeName(symbol string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '^', r == '=':
			return r
		default:
			return '_'
		}
	}, strings.ToUpper(symbol))
}
