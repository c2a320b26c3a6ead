package model

import (
	"fmt"
	"time"
)

// Window is a contiguous run of bars for one symbol. EndIndex points at the
// last bar of the window inside the symbol's full series.
type Window struct {
	Symbol    string    `json:"symbol"`
	EndDate   time.Time `json:"end_date"`
	EndIndex  int       `json:"end_index"`
	SeriesLen int       `json:"series_len"`
	Candles   []Candle  `json:"-"`
}

// NewWindow creates a window over candles ending at endIndex of a series of length seriesLen.
func NewWindow(symbol string, endIndex, seriesLen int, candles []Candle) *Window {
	w := &Window{
		Symbol:    symbol,
		EndIndex:  endIndex,
		SeriesLen: seriesLen,
		Candles:   candles,
	}
	if last := w.LastCandle(); last != nil {
		w.EndDate = Date(last.OpenTime)
	}
	return w
}

// Key identifies the window on disk: SYMBOL_YYYY-MM-DD.
func (w *Window) Key() string {
	return fmt.Sprintf("%s_%s", w.Symbol, w.EndDate.Format(DateLayout))
}

// FirstCandle returns the first candle in the window
func (w *Window) FirstCandle() *Candle {
	if len(w.Candles) == 0 {
		return nil
	}
	return &w.Candles[0]
}

// LastCandle returns the last candle in the window
func (w *Window) LastCandle() *Candle {
	if len(w.Candles) == 0 {
		return nil
	}
	return &w.Candles[len(w.Candles)-1]
}
