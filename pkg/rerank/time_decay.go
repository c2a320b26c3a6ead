// Package rerank reorders similarity matches so that recent history counts
// for more than distant history.
package rerank

import (
	"math"
	"sort"
	"time"

	"github.com/tunogya/visionquant/pkg/model"
)

// TimeDecayConfig holds configuration for time decay reranking
type TimeDecayConfig struct {
	Lambda float64 `json:"lambda" mapstructure:"lambda"` // decay rate per year of pattern age
	// Segment weights replace the exponential curve when UseSegments is set.
	UseSegments  bool    `json:"use_segments" mapstructure:"use_segments"`
	RecentDays   float64 `json:"recent_days" mapstructure:"recent_days"`
	MediumDays   float64 `json:"medium_days" mapstructure:"medium_days"`
	RecentWeight float64 `json:"recent_weight" mapstructure:"recent_weight"`
	MediumWeight float64 `json:"medium_weight" mapstructure:"medium_weight"`
	OldWeight    float64 `json:"old_weight" mapstructure:"old_weight"`
}

// DefaultTimeDecayConfig returns a default configuration
func DefaultTimeDecayConfig() TimeDecayConfig {
	return TimeDecayConfig{
		Lambda:       0.2,
		RecentDays:   365,
		MediumDays:   3 * 365,
		RecentWeight: 1.0,
		MediumWeight: 0.8,
		OldWeight:    0.6,
	}
}

// Ranked is a match with its time weight applied.
type Ranked struct {
	model.Match
	OriginalScore float64 `json:"original_score"`
	TimeWeight    float64 `json:"time_weight"`
}

// Reranker performs time-based reranking of matches
type Reranker struct {
	config TimeDecayConfig
}

// NewReranker creates a new reranker with the given configuration
func NewReranker(config TimeDecayConfig) *Reranker {
	return &Reranker{config: config}
}

// Rerank weights each match by the age of its pattern at asOf and sorts by
// the weighted score. Ties keep their incoming order.
func (r *Reranker) Rerank(matches []model.Match, asOf time.Time) []Ranked {
	ranked := make([]Ranked, len(matches))
	for i, m := range matches {
		ageDays := asOf.Sub(m.Pattern.EndDate).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}

		var weight float64
		if r.config.UseSegments {
			weight = r.segmentWeight(ageDays)
		} else {
			weight = r.exponentialDecay(ageDays)
		}

		ranked[i] = Ranked{Match: m, OriginalScore: m.Score, TimeWeight: weight}
		ranked[i].Score = m.Score * weight
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

func (r *Reranker) exponentialDecay(ageDays float64) float64 {
	return math.Exp(-r.config.Lambda * ageDays / 365)
}

func (r *Reranker) segmentWeight(ageDays float64) float64 {
	switch {
	case ageDays <= r.config.RecentDays:
		return r.config.RecentWeight
	case ageDays <= r.config.MediumDays:
		return r.config.MediumWeight
	default:
		return r.config.OldWeight
	}
}

// TopN reranks matches and keeps the best n. n <= 0 keeps them all.
func (r *Reranker) TopN(matches []model.Match, asOf time.Time, n int) []Ranked {
	ranked := r.Rerank(matches, asOf)
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// FilterByMinScore drops matches whose weighted score is below minScore.
func FilterByMinScore(ranked []Ranked, minScore float64) []Ranked {
	filtered := make([]Ranked, 0, len(ranked))
	for _, r := range ranked {
		if r.Score >= minScore {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
