package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	out, err := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-12)
	assert.InDelta(t, 3.0, out[3], 1e-12)
	assert.InDelta(t, 4.0, out[4], 1e-12)

	_, err = SMA([]float64{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestEMA_SeededWithFirstValue(t *testing.T) {
	out, err := EMA([]float64{10, 20}, 3)
	require.NoError(t, err)
	assert.Equal(t, 10.0, out[0])
	// alpha = 0.5
	assert.InDelta(t, 15.0, out[1], 1e-12)
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"all gains", []float64{1, 2, 3, 4, 5, 6}, 100},
		{"all losses", []float64{6, 5, 4, 3, 2, 1}, 0},
		{"flat", []float64{3, 3, 3, 3, 3, 3}, 50},
		{"alternating", []float64{10, 11, 10, 11, 10, 11}, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := RSI(tt.values, 5)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, Last(out), 1e-9)
			assert.True(t, math.IsNaN(out[4]))
		})
	}
}

func TestRSI_Insufficient(t *testing.T) {
	out, err := RSI([]float64{1, 2}, 14)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.True(t, math.IsNaN(Last(out)))
}

func TestMACD(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	res, err := MACD(values, 12, 26, 9)
	require.NoError(t, err)
	require.Len(t, res.Histogram, 60)
	// A steady uptrend keeps the fast EMA above the slow one.
	assert.Greater(t, Last(res.Line), 0.0)
	assert.InDelta(t, Last(res.Line)-Last(res.Signal), Last(res.Histogram), 1e-12)

	_, err = MACD(values, 26, 12, 9)
	assert.Error(t, err)
}
