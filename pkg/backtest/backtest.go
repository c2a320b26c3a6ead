// Package backtest walks a daily series with the MA+RSI+MACD long-only
// strategy and reports a trade log, an equity curve and summary metrics.
package backtest

import (
	"errors"
	"fmt"
	"math"

	"github.com/tunogya/visionquant/pkg/indicator"
	"github.com/tunogya/visionquant/pkg/model"
)

// ErrInsufficientData is returned when the series is shorter than warmup+10 bars.
var ErrInsufficientData = errors.New("insufficient bars for backtest")

// Exit reasons
const (
	ExitStopLoss    = "stop_loss"
	ExitTakeProfit  = "take_profit"
	ExitMaxHold     = "max_hold"
	ExitRSI         = "rsi_overbought"
	ExitEndOfPeriod = "end_of_period"
)

// ProfitFactorCap stands in for an infinite profit factor when there are no losing trades.
const ProfitFactorCap = 999.99

// Config holds strategy parameters
type Config struct {
	InitialCapital float64 `json:"capital" mapstructure:"capital" validate:"gt=0"`
	StopLoss       float64 `json:"stop_loss" mapstructure:"stop_loss" validate:"gt=0,lt=1"`
	TakeProfit     float64 `json:"take_profit" mapstructure:"take_profit" validate:"gt=0"`
	MaxHold        int     `json:"max_hold" mapstructure:"max_hold" validate:"gt=0"`
	EntryRSI       float64 `json:"entry_rsi" mapstructure:"entry_rsi" validate:"gt=0,lte=100"`
	ExitRSI        float64 `json:"exit_rsi" mapstructure:"exit_rsi" validate:"gt=0,lte=100"`
	MAPeriod       int     `json:"ma_period" mapstructure:"ma_period" validate:"gt=0"`
	RSIPeriod      int     `json:"rsi_period" mapstructure:"rsi_period" validate:"gt=0"`
	MACDFast       int     `json:"macd_fast" mapstructure:"macd_fast" validate:"gt=0"`
	MACDSlow       int     `json:"macd_slow" mapstructure:"macd_slow" validate:"gtfield=MACDFast"`
	MACDSignal     int     `json:"macd_signal" mapstructure:"macd_signal" validate:"gt=0"`
}

// DefaultConfig returns default strategy parameters
func DefaultConfig() Config {
	return Config{
		InitialCapital: 100000,
		StopLoss:       0.08,
		TakeProfit:     0.15,
		MaxHold:        20,
		EntryRSI:       70,
		ExitRSI:        80,
		MAPeriod:       60,
		RSIPeriod:      14,
		MACDFast:       12,
		MACDSlow:       26,
		MACDSignal:     9,
	}
}

// Warmup is the number of bars consumed before the first trading decision.
func (c Config) Warmup() int {
	w := c.MAPeriod
	if m := c.MACDSlow + c.MACDSignal; m > w {
		w = m
	}
	if r := c.RSIPeriod + 1; r > w {
		w = r
	}
	return w
}

// Trade is a closed position
type Trade struct {
	EntryDate   string  `json:"entry_date"`
	ExitDate    string  `json:"exit_date"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	Shares      int64   `json:"shares"`
	PnL         float64 `json:"pnl"`
	PnLPct      float64 `json:"pnl_pct"`
	HoldingBars int     `json:"holding_bars"`
	ExitReason  string  `json:"exit_reason"`
}

// EquityPoint is one mark-to-market sample
type EquityPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
}

// Result is the outcome of a backtest run
type Result struct {
	Symbol         string        `json:"symbol"`
	Start          string        `json:"start"`
	End            string        `json:"end"`
	InitialCapital float64       `json:"initial_capital"`
	FinalEquity    float64       `json:"final_equity"`
	TotalReturn    float64       `json:"total_return"`
	ReturnPct      float64       `json:"return_pct"`
	SharpeRatio    float64       `json:"sharpe_ratio"`
	MaxDrawdownPct float64       `json:"max_drawdown_pct"`
	TotalTrades    int           `json:"total_trades"`
	WinRate        float64       `json:"win_rate"`
	AvgPnL         float64       `json:"avg_pnl"`
	AvgHolding     float64       `json:"avg_holding"`
	ProfitFactor   float64       `json:"profit_factor"`
	Trades         []Trade       `json:"trades"`
	EquityCurve    []EquityPoint `json:"equity_curve"`
}

type position struct {
	shares     int64
	entryPrice float64
	entryIdx   int
}

// Run executes the strategy over candles (oldest first).
func Run(symbol string, candles []model.Candle, cfg Config) (*Result, error) {
	warmup := cfg.Warmup()
	if len(candles) < warmup+10 {
		return nil, fmt.Errorf("%w: %s needs %d bars, have %d", ErrInsufficientData, symbol, warmup+10, len(candles))
	}

	closes := model.Closes(candles)
	ma, err := indicator.SMA(closes, cfg.MAPeriod)
	if err != nil {
		return nil, err
	}
	rsi, err := indicator.RSI(closes, cfg.RSIPeriod)
	if err != nil {
		return nil, err
	}
	macd, err := indicator.MACD(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	if err != nil {
		return nil, err
	}
	hist := macd.Histogram

	res := &Result{
		Symbol:         symbol,
		Start:          candles[0].OpenTime.Format(model.DateLayout),
		End:            candles[len(candles)-1].OpenTime.Format(model.DateLayout),
		InitialCapital: cfg.InitialCapital,
		Trades:         []Trade{},
		EquityCurve:    make([]EquityPoint, 0, len(candles)-warmup),
	}

	cash := cfg.InitialCapital
	var pos *position
	last := len(candles) - 1

	closePosition := func(i int, reason string) {
		price := closes[i]
		pnl := float64(pos.shares) * (price - pos.entryPrice)
		cash += float64(pos.shares) * price
		res.Trades = append(res.Trades, Trade{
			EntryDate:   candles[pos.entryIdx].OpenTime.Format(model.DateLayout),
			ExitDate:    candles[i].OpenTime.Format(model.DateLayout),
			EntryPrice:  pos.entryPrice,
			ExitPrice:   price,
			Shares:      pos.shares,
			PnL:         pnl,
			PnLPct:      price/pos.entryPrice - 1,
			HoldingBars: i - pos.entryIdx,
			ExitReason:  reason,
		})
		pos = nil
	}

	for i := warmup; i <= last; i++ {
		price := closes[i]
		if pos != nil {
			if reason := exitReason(cfg, pos, i, price, rsi[i]); reason != "" {
				closePosition(i, reason)
			} else if i == last {
				closePosition(i, ExitEndOfPeriod)
			}
		} else if i < last && entrySignal(cfg, price, ma[i], rsi[i], hist[i], hist[i-1]) {
			if shares := int64(math.Floor(cash / price)); shares > 0 {
				cash -= float64(shares) * price
				pos = &position{shares: shares, entryPrice: price, entryIdx: i}
			}
		}

		equity := cash
		if pos != nil {
			equity += float64(pos.shares) * price
		}
		res.EquityCurve = append(res.EquityCurve, EquityPoint{
			Date:   candles[i].OpenTime.Format(model.DateLayout),
			Equity: equity,
		})
	}

	computeMetrics(res)
	return res, nil
}

func entrySignal(cfg Config, price, ma, rsi, hist, prevHist float64) bool {
	if math.IsNaN(ma) || math.IsNaN(rsi) {
		return false
	}
	return price > ma && rsi < cfg.EntryRSI && hist > 0 && hist > prevHist
}

// exitReason checks exits in priority order: stop-loss, take-profit,
// max holding period, RSI overbought.
func exitReason(cfg Config, pos *position, i int, price, rsi float64) string {
	ret := price/pos.entryPrice - 1
	switch {
	case ret <= -cfg.StopLoss:
		return ExitStopLoss
	case ret >= cfg.TakeProfit:
		return ExitTakeProfit
	case i-pos.entryIdx >= cfg.MaxHold:
		return ExitMaxHold
	case !math.IsNaN(rsi) && rsi > cfg.ExitRSI:
		return ExitRSI
	}
	return ""
}
