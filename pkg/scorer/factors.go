package scorer

import (
	"fmt"
	"math"

	"github.com/tunogya/visionquant/pkg/indicator"
	"github.com/tunogya/visionquant/pkg/model"
)

// Sub-score maxima
const (
	VisionMax      = 3.0
	FundamentalMax = 4.0
	TechnicalMax   = 3.0
	neutralPart    = 1.0
	neutralTech    = 1.5
)

// VisionScore is the pattern-match sub-score.
type VisionScore struct {
	Score   float64 `json:"score"`
	Max     float64 `json:"max"`
	WinRate float64 `json:"win_rate"`
	Label   string  `json:"label"`
}

// FundamentalScore is the valuation sub-score.
type FundamentalScore struct {
	Score    float64 `json:"score"`
	Max      float64 `json:"max"`
	PEScore  float64 `json:"pe_score"`
	ROEScore float64 `json:"roe_score"`
	PE       float64 `json:"pe,omitempty"`
	ROE      float64 `json:"roe,omitempty"`
	Note     string  `json:"note,omitempty"`
}

// TechnicalScore is the trend/momentum sub-score.
type TechnicalScore struct {
	Score     float64 `json:"score"`
	Max       float64 `json:"max"`
	MAScore   float64 `json:"ma_score"`
	RSIScore  float64 `json:"rsi_score"`
	MACDScore float64 `json:"macd_score"`
	Price     float64 `json:"price,omitempty"`
	MA        float64 `json:"ma,omitempty"`
	RSI       float64 `json:"rsi,omitempty"`
	MACDHist  float64 `json:"macd_hist,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// scoreVision maps a win rate (percent) onto [0,3] piecewise-linearly:
// [0,low) -> [0,0.5), [low,mid) -> [0.5,1.5), [mid,high) -> [1.5,2.5),
// [high,100] -> [2.5,3].
func scoreVision(cfg Config, winRate float64) VisionScore {
	wr := math.Max(0, math.Min(100, winRate))

	var score float64
	switch {
	case wr < cfg.VisionLow:
		score = 0.5 * wr / cfg.VisionLow
	case wr < cfg.VisionMid:
		score = 0.5 + (wr-cfg.VisionLow)/(cfg.VisionMid-cfg.VisionLow)
	case wr < cfg.VisionHigh:
		score = 1.5 + (wr-cfg.VisionMid)/(cfg.VisionHigh-cfg.VisionMid)
	default:
		score = 2.5 + 0.5*(wr-cfg.VisionHigh)/(100-cfg.VisionHigh)
	}
	score = math.Min(score, VisionMax)

	label := "Weak"
	switch {
	case score >= 2.5:
		label = "Strong"
	case score >= 1.5:
		label = "Moderate"
	}
	return VisionScore{Score: score, Max: VisionMax, WinRate: winRate, Label: label}
}

func scoreFundamental(cfg Config, f *model.Fundamentals) FundamentalScore {
	res := FundamentalScore{Max: FundamentalMax, PEScore: neutralPart, ROEScore: neutralPart}
	if f == nil {
		res.Score = res.PEScore + res.ROEScore
		res.Note = "fundamentals unavailable"
		return res
	}

	if f.HasPE {
		pe := f.TrailingPE
		if pe <= 0 {
			pe = f.ForwardPE
		}
		res.PE = pe
		res.PEScore = scorePE(cfg, pe)
	}
	if f.HasROE {
		res.ROE = f.ROE
		res.ROEScore = scoreROE(cfg, f.ROE)
	}
	res.Score = res.PEScore + res.ROEScore
	return res
}

func scorePE(cfg Config, pe float64) float64 {
	t := cfg.PEThresholds
	switch {
	case pe <= 0:
		return 0
	case pe < t[0]:
		return 2
	case pe < t[1]:
		return 1.5
	case pe < t[2]:
		return 1
	case pe < t[3]:
		return 0.5
	default:
		return 0
	}
}

func scoreROE(cfg Config, roe float64) float64 {
	t := cfg.ROEThresholds
	switch {
	case roe >= t[0]:
		return 2
	case roe >= t[1]:
		return 1.5
	case roe >= t[2]:
		return 1
	case roe >= t[3]:
		return 0.5
	default:
		return 0
	}
}

func scoreTechnical(cfg Config, closes []float64) TechnicalScore {
	res := TechnicalScore{Max: TechnicalMax}
	if len(closes) < cfg.MAPeriod {
		res.Score = neutralTech
		res.Error = fmt.Sprintf("insufficient history: need %d bars, have %d", cfg.MAPeriod, len(closes))
		return res
	}

	ma, _ := indicator.SMA(closes, cfg.MAPeriod)
	rsi, _ := indicator.RSI(closes, cfg.RSIPeriod)
	macd, err := indicator.MACD(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	if err != nil {
		res.Score = neutralTech
		res.Error = err.Error()
		return res
	}

	n := len(closes)
	res.Price = closes[n-1]
	res.MA = ma[n-1]
	res.RSI = rsi[n-1]
	res.MACDHist = macd.Histogram[n-1]

	res.MAScore = scoreMA(cfg, res.Price, res.MA)
	if math.IsNaN(res.RSI) {
		res.RSIScore = 0.5
	} else {
		res.RSIScore = scoreRSI(cfg, res.RSI)
	}
	prevHist := res.MACDHist
	if n > 1 {
		prevHist = macd.Histogram[n-2]
	}
	res.MACDScore = scoreMACD(res.MACDHist, prevHist)
	res.Score = res.MAScore + res.RSIScore + res.MACDScore
	return res
}

func scoreMA(cfg Config, price, ma float64) float64 {
	if ma <= 0 || math.IsNaN(ma) {
		return 0.5
	}
	dev := price/ma - 1
	switch {
	case dev > cfg.MATiers[0]:
		return 1
	case dev > cfg.MATiers[1]:
		return 0.7
	case dev > cfg.MATiers[2]:
		return 0.4
	default:
		return 0
	}
}

func scoreRSI(cfg Config, rsi float64) float64 {
	b := cfg.RSIBounds
	switch {
	case rsi < b[0]:
		return 1
	case rsi < b[1]:
		return 0.8
	case rsi < b[2]:
		return 0.6
	case rsi < b[3]:
		return 0.5
	case rsi < b[4]:
		return 0.3
	default:
		return 0
	}
}

func scoreMACD(hist, prev float64) float64 {
	rising := hist > prev
	switch {
	case hist > 0 && rising:
		return 1
	case hist > 0:
		return 0.6
	case rising:
		return 0.4
	default:
		return 0
	}
}
