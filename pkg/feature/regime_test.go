package feature

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tunogya/visionquant/pkg/model"
)

func bars(closes []float64, volumes []float64) []model.Candle {
	day0 := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		v := 100.0
		if volumes != nil {
			v = volumes[i]
		}
		out[i] = model.Candle{OpenTime: day0.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: v}
	}
	return out
}

func TestDescribe_Trend(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		trend  string
	}{
		{"flat", []float64{100, 100, 100, 100, 100}, TrendFlat},
		{"strong up", []float64{100, 105, 110, 115, 120}, TrendStrongUp},
		{"up", []float64{100, 101, 102, 103, 104}, TrendUp},
		{"down", []float64{100, 99, 98, 97, 96}, TrendDown},
		{"strong down", []float64{100, 95, 90, 85, 80}, TrendStrongDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.trend, Describe(bars(tt.closes, nil)).Trend)
		})
	}
}

func TestDescribe_Metrics(t *testing.T) {
	r := Describe(bars([]float64{100, 110, 99, 121}, []float64{100, 100, 100, 400}))

	assert.InDelta(t, 0.052, r.TrendSlope, 1e-9)
	assert.InDelta(t, 0.1, r.MaxDrawdown, 1e-9)
	// true ranges: 11, 12, 23
	assert.InDelta(t, (11.0+12+23)/3/100, r.ATR, 1e-9)
	assert.InDelta(t, math.Sqrt(3), r.VolumeZ, 1e-9)
	assert.Equal(t, 8, r.VolumeBucket)
	assert.Greater(t, r.Volatility, 0.0)
}

func TestDescribe_Degenerate(t *testing.T) {
	for _, candles := range [][]model.Candle{nil, bars([]float64{100}, nil), bars([]float64{0, 5}, nil)} {
		r := Describe(candles)
		assert.Equal(t, TrendFlat, r.Trend)
		assert.Zero(t, r.TrendSlope)
		assert.Zero(t, r.ATR)
		assert.Equal(t, 4, r.VolumeBucket)
	}
}
