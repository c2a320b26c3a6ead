package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const tradingDaysPerYear = 252

// computeMetrics fills the summary fields from the trade log and equity curve.
func computeMetrics(res *Result) {
	res.FinalEquity = res.InitialCapital
	if n := len(res.EquityCurve); n > 0 {
		res.FinalEquity = res.EquityCurve[n-1].Equity
	}
	res.TotalReturn = res.FinalEquity - res.InitialCapital
	if res.InitialCapital > 0 {
		res.ReturnPct = 100 * res.TotalReturn / res.InitialCapital
	}
	res.MaxDrawdownPct = maxDrawdownPct(res.EquityCurve)
	res.SharpeRatio = sharpe(res.EquityCurve)

	res.TotalTrades = len(res.Trades)
	if res.TotalTrades == 0 {
		return
	}

	var wins int
	var sumPnL, sumHold, grossProfit, grossLoss float64
	for _, t := range res.Trades {
		sumPnL += t.PnL
		sumHold += float64(t.HoldingBars)
		if t.PnL > 0 {
			wins++
			grossProfit += t.PnL
		} else {
			grossLoss -= t.PnL
		}
	}
	n := float64(res.TotalTrades)
	res.WinRate = 100 * float64(wins) / n
	res.AvgPnL = sumPnL / n
	res.AvgHolding = sumHold / n

	switch {
	case grossLoss > 0:
		res.ProfitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		res.ProfitFactor = ProfitFactorCap
	}
}

// maxDrawdownPct is the largest peak-to-trough decline, as a positive percent.
func maxDrawdownPct(curve []EquityPoint) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return 100 * maxDD
}

// sharpe annualizes the mean/std ratio of bar-to-bar equity returns.
func sharpe(curve []EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}
