package backtest

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunogya/visionquant/pkg/model"
)

func makeCandles(closes []float64) []model.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{
			Symbol:   "TEST",
			OpenTime: start.AddDate(0, 0, i),
			Open:     c,
			High:     c,
			Low:      c,
			Close:    c,
			Volume:   1000,
		}
	}
	return out
}

// fastConfig uses short periods so hand-built series trigger entries.
// Entry fires on the first bar that lifts above a flat base.
func fastConfig() Config {
	return Config{
		InitialCapital: 100000,
		StopLoss:       0.08,
		TakeProfit:     0.15,
		MaxHold:        100,
		EntryRSI:       101,
		ExitRSI:        101,
		MAPeriod:       5,
		RSIPeriod:      3,
		MACDFast:       2,
		MACDSlow:       4,
		MACDSignal:     2,
	}
}

func flatThen(base float64, flatBars int, tail ...float64) []float64 {
	out := make([]float64, 0, flatBars+len(tail))
	for i := 0; i < flatBars; i++ {
		out = append(out, base)
	}
	return append(out, tail...)
}

func TestRun_InsufficientData(t *testing.T) {
	_, err := Run("TEST", makeCandles(flatThen(100, 30)), DefaultConfig())
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Contains(t, err.Error(), "needs 70 bars, have 30")
}

func TestWarmup(t *testing.T) {
	assert.Equal(t, 60, DefaultConfig().Warmup())
	cfg := DefaultConfig()
	cfg.MAPeriod = 20
	assert.Equal(t, 35, cfg.Warmup())
	assert.Equal(t, 6, fastConfig().Warmup())
}

func TestRun_StopLossTakesPriority(t *testing.T) {
	closes := flatThen(100, 10, 101, 90)
	closes = append(closes, flatThen(90, 8)...)

	cfg := fastConfig()
	cfg.MaxHold = 1 // max-hold would also fire on the crash bar
	cfg.ExitRSI = 1 // and so would the RSI exit

	res, err := Run("TEST", makeCandles(closes), cfg)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	assert.Equal(t, ExitStopLoss, tr.ExitReason)
	assert.Equal(t, 101.0, tr.EntryPrice)
	assert.Equal(t, 90.0, tr.ExitPrice)
	assert.Equal(t, int64(990), tr.Shares)
	assert.Equal(t, 1, tr.HoldingBars)
	assert.InDelta(t, -10890, tr.PnL, 1e-6)

	assert.InDelta(t, 89110, res.FinalEquity, 1e-6)
	assert.Equal(t, 0.0, res.WinRate)
	assert.Equal(t, 0.0, res.ProfitFactor)
	assert.Greater(t, res.MaxDrawdownPct, 0.0)
}

func TestRun_TakeProfit(t *testing.T) {
	closes := flatThen(100, 10, 101, 120)
	closes = append(closes, flatThen(120, 8)...)

	res, err := Run("TEST", makeCandles(closes), fastConfig())
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)
	assert.Equal(t, ExitTakeProfit, res.Trades[0].ExitReason)
	assert.Greater(t, res.Trades[0].PnL, 0.0)
}

func TestRun_EndOfPeriod(t *testing.T) {
	closes := flatThen(100, 10)
	for i := 0; i < 10; i++ {
		closes = append(closes, 101+0.1*float64(i))
	}

	res, err := Run("TEST", makeCandles(closes), fastConfig())
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, ExitEndOfPeriod, tr.ExitReason)
	assert.Equal(t, res.End, tr.ExitDate)
	assert.Equal(t, ProfitFactorCap, res.ProfitFactor)
	assert.Equal(t, 100.0, res.WinRate)
}

func TestRun_NoTrades(t *testing.T) {
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 200 - float64(i)
	}

	res, err := Run("TEST", makeCandles(closes), DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, 0, res.TotalTrades)
	assert.Equal(t, res.InitialCapital, res.FinalEquity)
	assert.Zero(t, res.ReturnPct)
	assert.Zero(t, res.SharpeRatio)
	assert.Zero(t, res.MaxDrawdownPct)
	assert.Zero(t, res.ProfitFactor)
	assert.Len(t, res.EquityCurve, 120-60)
}

func TestRun_Deterministic(t *testing.T) {
	closes := make([]float64, 400)
	for i := range closes {
		x := float64(i)
		closes[i] = 100 + 0.05*x + 8*math.Sin(x/9) + 3*math.Cos(x/3.7)
	}
	candles := makeCandles(closes)

	a, err := Run("TEST", candles, DefaultConfig())
	require.NoError(t, err)
	b, err := Run("TEST", candles, DefaultConfig())
	require.NoError(t, err)

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ja, jb)
}

func TestExitReason_Priority(t *testing.T) {
	cfg := DefaultConfig()
	pos := &position{shares: 10, entryPrice: 100, entryIdx: 0}

	assert.Equal(t, ExitStopLoss, exitReason(cfg, pos, 50, 90, 95))
	assert.Equal(t, ExitTakeProfit, exitReason(cfg, pos, 50, 120, 95))
	assert.Equal(t, ExitMaxHold, exitReason(cfg, pos, 20, 101, 95))
	assert.Equal(t, ExitRSI, exitReason(cfg, pos, 5, 101, 85))
	assert.Equal(t, "", exitReason(cfg, pos, 5, 101, 60))
}

func TestMaxDrawdownAndSharpe(t *testing.T) {
	curve := []EquityPoint{{Equity: 100}, {Equity: 120}, {Equity: 90}, {Equity: 130}}
	assert.InDelta(t, 25.0, maxDrawdownPct(curve), 1e-9)

	flat := []EquityPoint{{Equity: 100}, {Equity: 100}, {Equity: 100}}
	assert.Zero(t, sharpe(flat))
}
