// Package scorer combines vision, fundamental and technical sub-scores into
// a 0-10 composite and a BUY/WAIT/SELL action.
package scorer

import (
	"time"

	"github.com/tunogya/visionquant/pkg/model"
)

// Actions
const (
	ActionBuy  = "BUY"
	ActionWait = "WAIT"
	ActionSell = "SELL"
)

// MaxScore is the composite maximum.
const MaxScore = VisionMax + FundamentalMax + TechnicalMax

// Input carries everything one scoring call needs. Closes must end at the
// as-of date; Fundamentals may be nil.
type Input struct {
	Symbol       string
	Date         time.Time
	WinRate      float64
	Fundamentals *model.Fundamentals
	Closes       []float64
}

// Scorecard is the scoring result for one (symbol, date).
type Scorecard struct {
	Symbol      string           `json:"symbol"`
	Date        string           `json:"date"`
	TotalScore  float64          `json:"total_score"`
	MaxScore    float64          `json:"max_score"`
	Action      string           `json:"action"`
	Vision      VisionScore      `json:"vision"`
	Fundamental FundamentalScore `json:"fundamental"`
	Technical   TechnicalScore   `json:"technical"`
}

// Scorer computes scorecards
type Scorer struct {
	config Config
}

// New creates a scorer; the config must pass Validate.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{config: cfg}, nil
}

// Config returns the scorer thresholds
func (s *Scorer) Config() Config {
	return s.config
}

// Score computes the composite scorecard.
func (s *Scorer) Score(in Input) Scorecard {
	vision := scoreVision(s.config, in.WinRate)
	fundamental := scoreFundamental(s.config, in.Fundamentals)
	technical := scoreTechnical(s.config, in.Closes)

	total := vision.Score + fundamental.Score + technical.Score
	card := Scorecard{
		Symbol:      in.Symbol,
		TotalScore:  total,
		MaxScore:    MaxScore,
		Action:      s.Action(total),
		Vision:      vision,
		Fundamental: fundamental,
		Technical:   technical,
	}
	if !in.Date.IsZero() {
		card.Date = in.Date.Format(model.DateLayout)
	}
	return card
}

// Action maps a total score to a recommendation.
func (s *Scorer) Action(total float64) string {
	switch {
	case total >= s.config.BuyThreshold:
		return ActionBuy
	case total >= s.config.WaitThreshold:
		return ActionWait
	default:
		return ActionSell
	}
}
