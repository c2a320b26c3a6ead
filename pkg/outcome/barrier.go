package outcome

import (
	"errors"
	"fmt"
)

// ErrNotLabelable is returned when fewer than MaxHold bars follow the entry.
var ErrNotLabelable = errors.New("not enough forward bars to label")

// Label is the triple-barrier outcome class.
type Label int

const (
	Bearish Label = -1
	Neutral Label = 0
	Bullish Label = 1
)

// String returns the lowercase label name
func (l Label) String() string {
	switch l {
	case Bullish:
		return "bullish"
	case Bearish:
		return "bearish"
	default:
		return "neutral"
	}
}

// Barrier hit types
const (
	HitUpper   = "upper"
	HitLower   = "lower"
	HitTimeout = "timeout"
)

// BarrierConfig holds the triple-barrier parameters. LowerBarrier is a
// positive magnitude.
type BarrierConfig struct {
	UpperBarrier float64 `json:"upper_barrier" mapstructure:"upper_barrier"`
	LowerBarrier float64 `json:"lower_barrier" mapstructure:"lower_barrier"`
	MaxHold      int     `json:"max_hold" mapstructure:"max_hold"`
}

// DefaultBarrierConfig returns default configuration
func DefaultBarrierConfig() BarrierConfig {
	return BarrierConfig{
		UpperBarrier: 0.05,
		LowerBarrier: 0.03,
		MaxHold:      20,
	}
}

// Validate checks the barrier parameters.
func (c BarrierConfig) Validate() error {
	if c.UpperBarrier <= 0 {
		return fmt.Errorf("upper_barrier must be positive, got %v", c.UpperBarrier)
	}
	if c.LowerBarrier <= 0 {
		return fmt.Errorf("lower_barrier must be positive, got %v", c.LowerBarrier)
	}
	if c.MaxHold <= 0 {
		return fmt.Errorf("max_hold must be positive, got %d", c.MaxHold)
	}
	return nil
}

// Result is the outcome of labeling one entry point.
type Result struct {
	Label       Label   `json:"label"`
	HitDay      int     `json:"hit_day"`
	HitType     string  `json:"hit_type"`
	FinalReturn float64 `json:"final_return"`
	MaxReturn   float64 `json:"max_return"`
	MinReturn   float64 `json:"min_return"`
}

// Labeler applies the triple-barrier rule.
type Labeler struct {
	config BarrierConfig
}

// NewLabeler creates a labeler; the config must be valid.
func NewLabeler(cfg BarrierConfig) (*Labeler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Labeler{config: cfg}, nil
}

// Config returns the barrier parameters
func (l *Labeler) Config() BarrierConfig {
	return l.config
}

// Label classifies the path forward (closes after the entry bar, oldest
// first) relative to entry. Only the first MaxHold bars are considered.
//
// When both barriers would be touched at the same offset the upper barrier
// wins. With close-only paths a single return cannot satisfy both, so the
// rule only matters for callers passing degenerate barriers.
func (l *Labeler) Label(entry float64, forward []float64) (Result, error) {
	if entry <= 0 {
		return Result{}, fmt.Errorf("entry price must be positive, got %v", entry)
	}
	if len(forward) < l.config.MaxHold {
		return Result{}, fmt.Errorf("%w: need %d, have %d", ErrNotLabelable, l.config.MaxHold, len(forward))
	}

	res := Result{Label: Neutral, HitDay: l.config.MaxHold, HitType: HitTimeout}
	for day := 1; day <= l.config.MaxHold; day++ {
		ret := forward[day-1]/entry - 1
		if day == 1 || ret > res.MaxReturn {
			res.MaxReturn = ret
		}
		if day == 1 || ret < res.MinReturn {
			res.MinReturn = ret
		}
		res.FinalReturn = ret

		if ret >= l.config.UpperBarrier {
			res.Label, res.HitDay, res.HitType = Bullish, day, HitUpper
			return res, nil
		}
		if ret <= -l.config.LowerBarrier {
			res.Label, res.HitDay, res.HitType = Bearish, day, HitLower
			return res, nil
		}
	}
	return res, nil
}

// LabelAt labels the entry at index i of closes. It needs MaxHold+1 bars
// starting at i.
func (l *Labeler) LabelAt(closes []float64, i int) (Result, error) {
	if i < 0 || i >= len(closes) {
		return Result{}, fmt.Errorf("entry index %d out of range [0,%d)", i, len(closes))
	}
	if len(closes)-i < l.config.MaxHold+1 {
		return Result{}, fmt.Errorf("%w: need %d bars from index %d, have %d",
			ErrNotLabelable, l.config.MaxHold+1, i, len(closes)-i)
	}
	return l.Label(closes[i], closes[i+1:i+1+l.config.MaxHold])
}
