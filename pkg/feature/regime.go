// Package feature describes the market regime of a run of bars: trend,
// volatility, drawdown and volume. Search results carry one for the query
// window and one for each match so callers can see whether a visually
// similar chart came from a comparable market.
package feature

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tunogya/visionquant/pkg/model"
)

// Trend buckets
const (
	TrendStrongDown = "strong_down"
	TrendDown       = "down"
	TrendFlat       = "flat"
	TrendUp         = "up"
	TrendStrongUp   = "strong_up"
)

// Regime summarizes a window of bars.
type Regime struct {
	// TrendSlope is the least-squares slope of closes relative to the first
	// close, per bar.
	TrendSlope  float64 `json:"trend_slope"`
	Volatility  float64 `json:"volatility"`
	MaxDrawdown float64 `json:"max_drawdown"`
	ATR         float64 `json:"atr"`
	VolumeZ     float64 `json:"volume_z"`
	Trend       string  `json:"trend"`
	// VolumeBucket maps VolumeZ from [-2, 2] onto 0..9.
	VolumeBucket int `json:"volume_bucket"`
}

// Describe computes the regime of candles. Fewer than two bars give a flat
// zero regime.
func Describe(candles []model.Candle) Regime {
	r := Regime{Trend: TrendFlat, VolumeBucket: volumeBucket(0)}
	if len(candles) < 2 || candles[0].Close <= 0 {
		return r
	}
	r.TrendSlope = trendSlope(candles)
	r.Volatility = realizedVolatility(candles)
	r.MaxDrawdown = maxDrawdown(candles)
	r.ATR = averageTrueRange(candles)
	r.VolumeZ = volumeZScore(candles)
	r.Trend = trendBucket(r.TrendSlope)
	r.VolumeBucket = volumeBucket(r.VolumeZ)
	return r
}

func trendSlope(candles []model.Candle) float64 {
	base := candles[0].Close
	xs := make([]float64, len(candles))
	ys := make([]float64, len(candles))
	for i, c := range candles {
		xs[i] = float64(i)
		ys[i] = (c.Close - base) / base
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(slope) {
		return 0
	}
	return slope
}

// realizedVolatility is the population standard deviation of close-to-close returns.
func realizedVolatility(candles []model.Candle) float64 {
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if prev := candles[i-1].Close; prev > 0 {
			returns = append(returns, (candles[i].Close-prev)/prev)
		}
	}
	if len(returns) == 0 {
		return 0
	}
	_, std := stat.PopMeanStdDev(returns, nil)
	return std
}

func maxDrawdown(candles []model.Candle) float64 {
	peak := candles[0].Close
	worst := 0.0
	for _, c := range candles {
		if c.Close > peak {
			peak = c.Close
		}
		if peak > 0 {
			if dd := (peak - c.Close) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// averageTrueRange is the mean true range as a fraction of the first close.
func averageTrueRange(candles []model.Candle) float64 {
	var sum float64
	for i := 1; i < len(candles); i++ {
		cur, prev := candles[i], candles[i-1]
		sum += math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
	}
	return sum / float64(len(candles)-1) / candles[0].Close
}

// volumeZScore is the z-score of the last bar's volume within the window.
func volumeZScore(candles []model.Candle) float64 {
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}
	mean, std := stat.PopMeanStdDev(volumes, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return (volumes[len(volumes)-1] - mean) / std
}

func trendBucket(slope float64) string {
	switch {
	case slope < -0.02:
		return TrendStrongDown
	case slope < -0.005:
		return TrendDown
	case slope < 0.005:
		return TrendFlat
	case slope < 0.02:
		return TrendUp
	default:
		return TrendStrongUp
	}
}

func volumeBucket(z float64) int {
	b := int((z + 2) * 2.25)
	if b < 0 {
		return 0
	}
	if b > 9 {
		return 9
	}
	return b
}
