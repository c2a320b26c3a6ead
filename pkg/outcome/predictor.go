package outcome

import (
	"fmt"
	"time"
)

// Forecast calls
const (
	CallBullish = "BULLISH"
	CallBearish = "BEARISH"
	CallNeutral = "NEUTRAL"
)

// PredictorConfig holds configuration for aggregating match outcomes
type PredictorConfig struct {
	MinMatches int     `json:"min_matches" mapstructure:"min_matches"`
	CallPct    float64 `json:"call_pct" mapstructure:"call_pct"` // minimum bucket share (percent) for a directional call
}

// DefaultPredictorConfig returns default configuration
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		MinMatches: 5,
		CallPct:    40,
	}
}

// MatchOutcome is one historical match with its realized outcome.
type MatchOutcome struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Score  float64   `json:"score"`
	Result Result    `json:"result"`
}

// Prediction aggregates match outcomes into a forecast.
type Prediction struct {
	Valid          bool           `json:"valid"`
	Reason         string         `json:"reason,omitempty"`
	NMatches       int            `json:"n_matches"`
	BullishCount   int            `json:"bullish_count"`
	NeutralCount   int            `json:"neutral_count"`
	BearishCount   int            `json:"bearish_count"`
	BullishPct     float64        `json:"bullish_pct"`
	NeutralPct     float64        `json:"neutral_pct"`
	BearishPct     float64        `json:"bearish_pct"`
	WinRate        float64        `json:"win_rate"`
	Call           string         `json:"call,omitempty"`
	Confidence     float64        `json:"confidence"`
	WeightedLabel  float64        `json:"weighted_label"`
	ExpectedReturn float64        `json:"expected_return"`
	AvgMaxReturn   float64        `json:"avg_max_return"`
	AvgMinReturn   float64        `json:"avg_min_return"`
	AvgFinalReturn float64        `json:"avg_final_return"`
	AvgHitDay      float64        `json:"avg_hit_day"`
	Details        []MatchOutcome `json:"details,omitempty"`
}

// Predictor turns labeled matches into a probabilistic call.
type Predictor struct {
	config PredictorConfig
}

// NewPredictor creates a new predictor
func NewPredictor(cfg PredictorConfig) *Predictor {
	if cfg.MinMatches <= 0 {
		cfg.MinMatches = DefaultPredictorConfig().MinMatches
	}
	if cfg.CallPct <= 0 {
		cfg.CallPct = DefaultPredictorConfig().CallPct
	}
	return &Predictor{config: cfg}
}

// Predict aggregates the outcomes. Below MinMatches it returns an invalid
// prediction and computes nothing else.
func (p *Predictor) Predict(matches []MatchOutcome) Prediction {
	n := len(matches)
	if n < p.config.MinMatches {
		return Prediction{
			Valid:    false,
			Reason:   fmt.Sprintf("insufficient matches: need %d, have %d", p.config.MinMatches, n),
			NMatches: n,
		}
	}

	pred := Prediction{Valid: true, NMatches: n, Details: matches}
	var sumMax, sumMin, sumFinal, sumHit float64
	for _, m := range matches {
		switch m.Result.Label {
		case Bullish:
			pred.BullishCount++
		case Bearish:
			pred.BearishCount++
		default:
			pred.NeutralCount++
		}
		sumMax += m.Result.MaxReturn
		sumMin += m.Result.MinReturn
		sumFinal += m.Result.FinalReturn
		sumHit += float64(m.Result.HitDay)
	}

	total := float64(n)
	pred.BullishPct = 100 * float64(pred.BullishCount) / total
	pred.NeutralPct = 100 * float64(pred.NeutralCount) / total
	pred.BearishPct = 100 * float64(pred.BearishCount) / total
	pred.WinRate = pred.BullishPct
	pred.AvgMaxReturn = sumMax / total
	pred.AvgMinReturn = sumMin / total
	pred.AvgFinalReturn = sumFinal / total
	pred.AvgHitDay = sumHit / total

	weights := similarityWeights(matches)
	for i, m := range matches {
		pred.WeightedLabel += weights[i] * float64(m.Result.Label)
		pred.ExpectedReturn += weights[i] * m.Result.FinalReturn
	}

	switch {
	case pred.BullishCount > pred.NeutralCount && pred.BullishCount > pred.BearishCount && pred.BullishPct >= p.config.CallPct:
		pred.Call = CallBullish
		pred.Confidence = pred.BullishPct / 100
	case pred.BearishCount > pred.NeutralCount && pred.BearishCount > pred.BullishCount && pred.BearishPct >= p.config.CallPct:
		pred.Call = CallBearish
		pred.Confidence = pred.BearishPct / 100
	default:
		pred.Call = CallNeutral
		pred.Confidence = pred.NeutralPct / 100
	}
	return pred
}

// similarityWeights normalizes non-negative similarity scores to sum to one.
// If every score is zero or negative the weights are uniform.
func similarityWeights(matches []MatchOutcome) []float64 {
	weights := make([]float64, len(matches))
	sum := 0.0
	for i, m := range matches {
		if m.Score > 0 {
			weights[i] = m.Score
			sum += m.Score
		}
	}
	if sum == 0 {
		for i := range weights {
			weights[i] = 1 / float64(len(weights))
		}
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}
