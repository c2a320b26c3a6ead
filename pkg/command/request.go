package command

import (
	"github.com/tunogya/visionquant/pkg/backtest"
	"github.com/tunogya/visionquant/pkg/builder"
	"github.com/tunogya/visionquant/pkg/engine"
)

// BuildRequest starts an index build. Omitted fields take the configured
// build defaults.
type BuildRequest struct {
	Symbols      []string `json:"symbols" validate:"required,min=1,dive,required"`
	Start        string   `json:"start" validate:"omitempty,datetime=2006-01-02"`
	End          string   `json:"end" validate:"omitempty,datetime=2006-01-02"`
	Stride       int      `json:"stride" validate:"gte=1"`
	Window       int      `json:"window" validate:"gte=2"`
	Epochs       int      `json:"epochs" validate:"gte=1"`
	BatchSize    int      `json:"batch_size" validate:"gte=1"`
	ChartStyle   string   `json:"chart_style" validate:"oneof=candle ohlc line"`
	Volume       bool     `json:"volume"`
	LearningRate float64  `json:"learning_rate" validate:"gt=0"`
	MaxHold      int      `json:"max_hold" validate:"gte=1"`
}

// StatusRequest takes no parameters.
type StatusRequest struct{}

// BacktestRequest runs the MA+RSI+MACD strategy. Strategy fields default
// to the configured backtest parameters.
type BacktestRequest struct {
	Symbol string `json:"symbol" validate:"required"`
	Start  string `json:"start" validate:"omitempty,datetime=2006-01-02"`
	End    string `json:"end" validate:"omitempty,datetime=2006-01-02"`
	backtest.Config
}

// ScoreRequest scores a symbol. Without win_rate the vision factor comes
// from a prediction against the live index.
type ScoreRequest struct {
	Symbol   string   `json:"symbol" validate:"required"`
	Date     string   `json:"date" validate:"omitempty,datetime=2006-01-02"`
	WinRate  *float64 `json:"win_rate" validate:"omitempty,gte=0,lte=100"`
	TopK     int      `json:"top_k" validate:"gte=1,lte=200"`
	MinScore *float64 `json:"min_score" validate:"omitempty,gte=-1,lte=1"`
}

// QueryRequest is shared by search, predict and analyze. min_score drops
// matches whose (time-weighted) similarity is below it.
type QueryRequest struct {
	Symbol   string   `json:"symbol" validate:"required"`
	Date     string   `json:"date" validate:"omitempty,datetime=2006-01-02"`
	TopK     int      `json:"top_k" validate:"gte=1,lte=200"`
	MinScore *float64 `json:"min_score" validate:"omitempty,gte=-1,lte=1"`
}

// Failure is the result of any command that did not complete.
type Failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Param   string `json:"param,omitempty"`
}

// BuildResponse reports a committed build.
type BuildResponse struct {
	Success bool `json:"success"`
	*builder.Result
}

// StatusResponse reports the live generation.
type StatusResponse struct {
	Success bool `json:"success"`
	*engine.Status
}

// BacktestResponse carries metrics, trades and the equity curve.
type BacktestResponse struct {
	Success bool `json:"success"`
	*backtest.Result
}

// ScoreResponse carries the scorecard.
type ScoreResponse struct {
	Success bool `json:"success"`
	*engine.ScoreResult
}

// SearchResponse lists matches.
type SearchResponse struct {
	Success bool `json:"success"`
	*engine.SearchResult
}

// PredictResponse carries the outcome distribution of the matches.
type PredictResponse struct {
	Success bool `json:"success"`
	*engine.PredictResult
}

// AnalyzeResponse carries a prediction and its scorecard.
type AnalyzeResponse struct {
	Success bool `json:"success"`
	*engine.AnalyzeResult
}
