// Package window slides fixed-length windows over a candle series.
package window

import (
	"fmt"

	"github.com/tunogya/visionquant/pkg/model"
)

// Config holds configuration for the window builder
type Config struct {
	Size   int    // bars per window
	Stride int    // bars between consecutive window ends
	Warmup int    // bars pushed before the first window; defaults to Size
	Symbol string // symbol stamped on produced windows
}

// DefaultConfig returns a Config with the chart defaults
func DefaultConfig(symbol string) Config {
	return Config{
		Size:   60,
		Stride: 5,
		Symbol: symbol,
	}
}

// Validate checks the sizes are usable.
func (c Config) Validate() error {
	if c.Size <= 1 {
		return fmt.Errorf("window size must be greater than 1, got %d", c.Size)
	}
	if c.Stride <= 0 {
		return fmt.Errorf("stride must be positive, got %d", c.Stride)
	}
	return nil
}

// Builder turns a stream of candles into windows, one every Stride candles
// once the warmup is satisfied.
type Builder struct {
	config    Config
	buffer    *RingBuffer
	pushed    int
	stepCount int
	warmedUp  bool
}

// NewBuilder creates a new window builder
func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Warmup < cfg.Size {
		cfg.Warmup = cfg.Size
	}
	return &Builder{
		config: cfg,
		buffer: NewRingBuffer(cfg.Size),
	}, nil
}

// Push adds a candle and returns a window when one is due. EndIndex is the
// candle's position in the pushed stream; SeriesLen is left for the caller.
func (b *Builder) Push(c model.Candle) (*model.Window, bool) {
	b.buffer.Push(c)
	b.pushed++
	b.stepCount++

	if !b.warmedUp && b.pushed >= b.config.Warmup {
		b.warmedUp = true
		b.stepCount = b.config.Stride
	}
	if !b.warmedUp || !b.buffer.IsFull() || b.stepCount < b.config.Stride {
		return nil, false
	}

	b.stepCount = 0
	return model.NewWindow(b.config.Symbol, b.pushed-1, 0, b.buffer.Snapshot()), true
}

// Reset clears the builder state
func (b *Builder) Reset() {
	b.buffer.Clear()
	b.pushed = 0
	b.stepCount = 0
	b.warmedUp = false
}

// ProcessCandles slides over a complete series and returns every window,
// each stamped with the series length. Any previously pushed candles are
// discarded first.
func (b *Builder) ProcessCandles(candles []model.Candle) []*model.Window {
	b.Reset()
	var windows []*model.Window
	for _, c := range candles {
		if w, ok := b.Push(c); ok {
			w.SeriesLen = len(candles)
			windows = append(windows, w)
		}
	}
	return windows
}

// Latest returns the window made of the last Size candles, or an error if
// the series is too short.
func Latest(symbol string, candles []model.Candle, size int) (*model.Window, error) {
	if len(candles) < size {
		return nil, fmt.Errorf("%s: need %d bars for a window, have %d", symbol, size, len(candles))
	}
	tail := make([]model.Candle, size)
	copy(tail, candles[len(candles)-size:])
	return model.NewWindow(symbol, len(candles)-1, len(candles), tail), nil
}
