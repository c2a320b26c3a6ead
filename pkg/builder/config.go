// Package builder runs the offline index build: download bars, render chart
// windows, train the autoencoder and index every chart embedding. Each build
// writes a new generation and publishes it atomically.
package builder

import (
	"errors"
	"fmt"
	"time"

	"github.com/tunogya/visionquant/pkg/artifact"
	"github.com/tunogya/visionquant/pkg/chart"
	"github.com/tunogya/visionquant/pkg/vision"
)

// MinSamples is the smallest corpus a build will index.
const MinSamples = 10

var (
	// ErrInsufficientData means too few images or vectors were produced.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrBuildInProgress is returned when another build holds the lock.
	ErrBuildInProgress = artifact.ErrBuildInProgress
)

// Config parameterizes one build.
type Config struct {
	Symbols  []string
	Start    time.Time
	End      time.Time // zero means up to now
	Interval string
	Window   int
	Stride   int
	Chart    chart.Options // Size is taken from Model.ImageSize
	Model    vision.Config
	Train    vision.TrainConfig
	MaxHold  int // forward bars a pattern needs to be labelable
	Workers  int // parallel renderers
}

// DefaultConfig returns the standard build for symbols.
func DefaultConfig(symbols ...string) Config {
	return Config{
		Symbols:  symbols,
		Start:    time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval: "1d",
		Window:   60,
		Stride:   5,
		Chart:    chart.DefaultOptions(),
		Model:    vision.DefaultConfig(),
		Train:    vision.DefaultTrainConfig(),
		MaxHold:  20,
		Workers:  4,
	}
}

// Validate checks the build parameters before any work starts.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	if c.Window < 2 {
		return fmt.Errorf("window must be at least 2, got %d", c.Window)
	}
	if c.Stride <= 0 {
		return fmt.Errorf("stride must be positive, got %d", c.Stride)
	}
	if c.MaxHold <= 0 {
		return fmt.Errorf("max_hold must be positive, got %d", c.MaxHold)
	}
	if !c.End.IsZero() && !c.End.After(c.Start) {
		return fmt.Errorf("end must be after start")
	}
	if _, err := chart.ParseStyle(string(c.Chart.Style)); err != nil {
		return err
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Train.Validate(); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	return nil
}

// Result describes a committed build.
type Result struct {
	RunID          string   `json:"run_id"`
	Generation     string   `json:"generation"`
	SymbolsCount   int      `json:"symbols_count"`
	ImagesCount    int      `json:"images_count"`
	VectorsCount   int      `json:"vectors_count"`
	IndexDim       int      `json:"index_dim"`
	ModelPath      string   `json:"model_path"`
	IndexPath      string   `json:"index_path"`
	MetaPath       string   `json:"meta_path"`
	BestLoss       float64  `json:"best_loss"`
	SkippedSymbols []string `json:"skipped_symbols"`
}
