package scorer

import "fmt"

// Config holds every threshold the scorer uses.
type Config struct {
	// Vision breakpoints on win rate (percent), ascending.
	VisionLow  float64 `json:"vision_low" mapstructure:"vision_low"`
	VisionMid  float64 `json:"vision_mid" mapstructure:"vision_mid"`
	VisionHigh float64 `json:"vision_high" mapstructure:"vision_high"`

	// P/E thresholds, ascending. Below the first scores 2, above the last scores 0.
	PEThresholds [4]float64 `json:"pe_thresholds" mapstructure:"pe_thresholds"`
	// ROE thresholds (fractions), descending. At or above the first scores 2.
	ROEThresholds [4]float64 `json:"roe_thresholds" mapstructure:"roe_thresholds"`

	MAPeriod int `json:"ma_period" mapstructure:"ma_period"`
	// Price deviation from the MA, descending tiers.
	MATiers [3]float64 `json:"ma_tiers" mapstructure:"ma_tiers"`

	RSIPeriod int `json:"rsi_period" mapstructure:"rsi_period"`
	// RSI range boundaries, ascending. Oversold scores highest.
	RSIBounds [5]float64 `json:"rsi_bounds" mapstructure:"rsi_bounds"`

	MACDFast   int `json:"macd_fast" mapstructure:"macd_fast"`
	MACDSlow   int `json:"macd_slow" mapstructure:"macd_slow"`
	MACDSignal int `json:"macd_signal" mapstructure:"macd_signal"`

	BuyThreshold  float64 `json:"buy_threshold" mapstructure:"buy_threshold"`
	WaitThreshold float64 `json:"wait_threshold" mapstructure:"wait_threshold"`
}

// DefaultConfig returns the default scoring thresholds
func DefaultConfig() Config {
	return Config{
		VisionLow:     40,
		VisionMid:     55,
		VisionHigh:    70,
		PEThresholds:  [4]float64{15, 25, 35, 50},
		ROEThresholds: [4]float64{0.20, 0.15, 0.10, 0.05},
		MAPeriod:      60,
		MATiers:       [3]float64{0.05, 0, -0.05},
		RSIPeriod:     14,
		RSIBounds:     [5]float64{30, 40, 50, 60, 70},
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		BuyThreshold:  7,
		WaitThreshold: 5,
	}
}

// Validate checks ordering constraints.
func (c Config) Validate() error {
	if !(0 < c.VisionLow && c.VisionLow < c.VisionMid && c.VisionMid < c.VisionHigh && c.VisionHigh < 100) {
		return fmt.Errorf("vision breakpoints must satisfy 0 < low < mid < high < 100")
	}
	for i := 1; i < len(c.PEThresholds); i++ {
		if c.PEThresholds[i] <= c.PEThresholds[i-1] {
			return fmt.Errorf("pe_thresholds must be ascending")
		}
	}
	for i := 1; i < len(c.ROEThresholds); i++ {
		if c.ROEThresholds[i] >= c.ROEThresholds[i-1] {
			return fmt.Errorf("roe_thresholds must be descending")
		}
	}
	for i := 1; i < len(c.RSIBounds); i++ {
		if c.RSIBounds[i] <= c.RSIBounds[i-1] {
			return fmt.Errorf("rsi_bounds must be ascending")
		}
	}
	if c.MAPeriod <= 0 || c.RSIPeriod <= 0 {
		return fmt.Errorf("ma_period and rsi_period must be positive")
	}
	if c.MACDFast <= 0 || c.MACDSlow <= c.MACDFast || c.MACDSignal <= 0 {
		return fmt.Errorf("macd periods must satisfy 0 < fast < slow and signal > 0")
	}
	if c.WaitThreshold > c.BuyThreshold {
		return fmt.Errorf("wait_threshold must not exceed buy_threshold")
	}
	return nil
}
