// Package recorder journals builds, backtests and scorecards for later
// analysis.
package recorder

import (
	"context"
	"time"
)

// BuildRun summarizes one index build attempt.
type BuildRun struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         string // "success" or "failed"
	Error          string
	SymbolsCount   int
	ImagesCount    int
	VectorsCount   int
	SkippedSymbols int
	BestLoss       float64
}

// BacktestRun summarizes one backtest.
type BacktestRun struct {
	Symbol         string
	Start          string
	End            string
	InitialCapital float64
	FinalEquity    float64
	ReturnPct      float64
	SharpeRatio    float64
	MaxDrawdownPct float64
	TotalTrades    int
	WinRate        float64
	ProfitFactor   float64
}

// ScorecardRun records one composite score.
type ScorecardRun struct {
	Symbol      string
	Date        string
	Total       float64
	Vision      float64
	Fundamental float64
	Technical   float64
	Action      string
	WinRate     float64
}

// Recorder persists run history.
type Recorder interface {
	RecordBuild(ctx context.Context, run *BuildRun) error
	RecordBacktest(ctx context.Context, run *BacktestRun) error
	RecordScorecard(ctx context.Context, run *ScorecardRun) error
	RecentBuilds(ctx context.Context, limit int) ([]BuildRun, error)
	Close() error
}
