package scorer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunogya/visionquant/pkg/model"
)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestScoreVision(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		winRate float64
		want    float64
		label   string
	}{
		{0, 0, "Weak"},
		{20, 0.25, "Weak"},
		{40, 0.5, "Weak"},
		{55, 1.5, "Moderate"},
		{62.5, 2.0, "Moderate"},
		{70, 2.5, "Strong"},
		{100, 3.0, "Strong"},
		{140, 3.0, "Strong"},
	}

	for _, tt := range tests {
		got := scoreVision(cfg, tt.winRate)
		assert.InDelta(t, tt.want, got.Score, 1e-9, "win rate %v", tt.winRate)
		assert.Equal(t, tt.label, got.Label, "win rate %v", tt.winRate)
	}
}

func TestScoreVision_Monotonic(t *testing.T) {
	cfg := DefaultConfig()
	prev := -1.0
	for wr := 0.0; wr <= 100; wr += 0.25 {
		got := scoreVision(cfg, wr).Score
		assert.GreaterOrEqual(t, got, prev, "win rate %v", wr)
		assert.LessOrEqual(t, got, VisionMax)
		prev = got
	}
}

func TestScoreFundamental(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		f    *model.Fundamentals
		pe   float64
		roe  float64
	}{
		{"missing", nil, 1, 1},
		{"cheap and profitable", &model.Fundamentals{HasPE: true, TrailingPE: 10, HasROE: true, ROE: 0.25}, 2, 2},
		{"forward pe fallback", &model.Fundamentals{HasPE: true, TrailingPE: 0, ForwardPE: 30, HasROE: true, ROE: 0.12}, 1, 1},
		{"negative earnings", &model.Fundamentals{HasPE: true, TrailingPE: -5, ForwardPE: -2}, 0, 1},
		{"expensive", &model.Fundamentals{HasPE: true, TrailingPE: 60, HasROE: true, ROE: 0.01}, 0, 0},
		{"only roe", &model.Fundamentals{HasROE: true, ROE: 0.16}, 1, 1.5},
		{"boundaries", &model.Fundamentals{HasPE: true, TrailingPE: 15, HasROE: true, ROE: 0.05}, 1.5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreFundamental(cfg, tt.f)
			assert.Equal(t, tt.pe, got.PEScore)
			assert.Equal(t, tt.roe, got.ROEScore)
			assert.Equal(t, tt.pe+tt.roe, got.Score)
		})
	}
}

func TestScoreRSIAndMACDTiers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1.0, scoreRSI(cfg, 25))
	assert.Equal(t, 0.8, scoreRSI(cfg, 35))
	assert.Equal(t, 0.6, scoreRSI(cfg, 45))
	assert.Equal(t, 0.5, scoreRSI(cfg, 55))
	assert.Equal(t, 0.3, scoreRSI(cfg, 65))
	assert.Equal(t, 0.0, scoreRSI(cfg, 75))

	assert.Equal(t, 1.0, scoreMACD(0.5, 0.2))
	assert.Equal(t, 0.6, scoreMACD(0.5, 0.8))
	assert.Equal(t, 0.4, scoreMACD(-0.5, -0.8))
	assert.Equal(t, 0.0, scoreMACD(-0.5, -0.2))

	assert.Equal(t, 1.0, scoreMA(cfg, 110, 100))
	assert.Equal(t, 0.7, scoreMA(cfg, 102, 100))
	assert.Equal(t, 0.4, scoreMA(cfg, 98, 100))
	assert.Equal(t, 0.0, scoreMA(cfg, 90, 100))
}

func TestScoreTechnical_InsufficientHistory(t *testing.T) {
	got := scoreTechnical(DefaultConfig(), []float64{1, 2, 3})
	assert.Equal(t, 1.5, got.Score)
	assert.Contains(t, got.Error, "need 60 bars, have 3")
}

func TestScoreTechnical_Bounded(t *testing.T) {
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/7)
	}
	got := scoreTechnical(DefaultConfig(), closes)
	assert.Empty(t, got.Error)
	assert.GreaterOrEqual(t, got.Score, 0.0)
	assert.LessOrEqual(t, got.Score, TechnicalMax)
	assert.InDelta(t, got.MAScore+got.RSIScore+got.MACDScore, got.Score, 1e-12)
}

func TestAction_Boundaries(t *testing.T) {
	s := newTestScorer(t)
	assert.Equal(t, ActionBuy, s.Action(7.0))
	assert.Equal(t, ActionWait, s.Action(6.99))
	assert.Equal(t, ActionWait, s.Action(5.0))
	assert.Equal(t, ActionSell, s.Action(4.99))
}

func TestScore_Composite(t *testing.T) {
	s := newTestScorer(t)
	card := s.Score(Input{
		Symbol:       "AAPL",
		WinRate:      70,
		Fundamentals: &model.Fundamentals{HasPE: true, TrailingPE: 12, HasROE: true, ROE: 0.3},
		Closes:       []float64{1, 2},
	})
	// 2.5 vision + 4 fundamental + 1.5 neutral technical
	assert.InDelta(t, 8.0, card.TotalScore, 1e-9)
	assert.Equal(t, ActionBuy, card.Action)
	assert.Equal(t, MaxScore, card.MaxScore)
	assert.NotEmpty(t, card.Technical.Error)
}

func TestScore_VisionMonotonicInTotal(t *testing.T) {
	s := newTestScorer(t)
	prev := -1.0
	for wr := 0.0; wr <= 100; wr += 5 {
		card := s.Score(Input{Symbol: "X", WinRate: wr})
		assert.GreaterOrEqual(t, card.TotalScore, prev)
		prev = card.TotalScore
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VisionMid = 30
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.WaitThreshold = 8
	_, err = New(cfg)
	assert.Error(t, err)
}
