package vision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/nn"
)

// ErrEmptyEpoch is returned when no sample in an epoch could be loaded.
var ErrEmptyEpoch = errors.New("vision: no trainable samples in epoch")

// TrainConfig controls the optimization loop.
type TrainConfig struct {
	Epochs       int     `json:"epochs" mapstructure:"epochs"`
	BatchSize    int     `json:"batch_size" mapstructure:"batch_size"`
	LearningRate float64 `json:"learning_rate" mapstructure:"learning_rate"`
	ClipNorm     float64 `json:"clip_norm" mapstructure:"clip_norm"`
	Seed         int64   `json:"seed" mapstructure:"seed"`
}

// DefaultTrainConfig returns the default schedule.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{Epochs: 20, BatchSize: 32, LearningRate: 1e-3, ClipNorm: 1.0, Seed: 42}
}

// Validate checks the schedule.
func (c TrainConfig) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	return nil
}

// EpochStats is reported after every epoch.
type EpochStats struct {
	Epoch    int           `json:"epoch"`
	Epochs   int           `json:"epochs"`
	Loss     float64       `json:"loss"`
	LR       float64       `json:"lr"`
	Samples  int           `json:"samples"`
	Skipped  int           `json:"skipped"`
	Improved bool          `json:"improved"`
	Elapsed  time.Duration `json:"elapsed"`
}

// TrainResult summarizes a finished run.
type TrainResult struct {
	BestLoss  float64 `json:"best_loss"`
	BestEpoch int     `json:"best_epoch"`
	Epochs    int     `json:"epochs"`
}

// Trainer fits a Model to a Dataset by reconstruction.
type Trainer struct {
	model  *Model
	cfg    TrainConfig
	opt    *nn.Adam
	logger *zap.Logger
}

// NewTrainer creates a trainer. The model must have a decoder.
func NewTrainer(model *Model, cfg TrainConfig, logger *zap.Logger) (*Trainer, error) {
	if !model.HasDecoder() {
		return nil, ErrNoDecoder
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClipNorm <= 0 {
		cfg.ClipNorm = 1.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{model: model, cfg: cfg, opt: nn.NewAdam(), logger: logger}, nil
}

// Train runs cfg.Epochs epochs and writes the model to checkpointPath each
// time the epoch loss improves on the best so far. onEpoch may be nil. The
// context is checked between batches.
func (t *Trainer) Train(ctx context.Context, ds *Dataset, checkpointPath string, onEpoch func(EpochStats)) (*TrainResult, error) {
	if ds.Len() == 0 {
		return nil, ErrEmptyEpoch
	}
	rng := rand.New(rand.NewSource(t.cfg.Seed))
	params := t.model.Params()
	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}

	res := &TrainResult{BestLoss: math.Inf(1), BestEpoch: -1, Epochs: t.cfg.Epochs}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		lr := nn.CosineLR(t.cfg.LearningRate, epoch, t.cfg.Epochs)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		total, samples, skipped := 0.0, 0, 0
		for b := 0; b < len(order); b += t.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := b + t.cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}

			nn.ZeroGrads(params)
			inBatch := 0
			for _, idx := range order[b:end] {
				img, err := ds.Load(idx)
				if err != nil {
					skipped++
					t.logger.Warn("Skipping unreadable sample", zap.String("path", ds.Path(idx)), zap.Error(err))
					continue
				}
				loss, err := t.model.TrainStep(img)
				if err != nil {
					return nil, err
				}
				total += loss
				inBatch++
			}
			if inBatch == 0 {
				continue
			}
			samples += inBatch
			nn.ScaleGrads(params, 1/float64(inBatch))
			nn.ClipGradNorm(params, t.cfg.ClipNorm)
			t.opt.Step(params, lr)
		}
		if samples == 0 {
			return nil, ErrEmptyEpoch
		}

		stats := EpochStats{
			Epoch:   epoch + 1,
			Epochs:  t.cfg.Epochs,
			Loss:    total / float64(samples),
			LR:      lr,
			Samples: samples,
			Skipped: skipped,
			Elapsed: time.Since(start),
		}
		if stats.Loss < res.BestLoss {
			stats.Improved = true
			res.BestLoss, res.BestEpoch = stats.Loss, epoch+1
			if checkpointPath != "" {
				if err := t.model.Save(checkpointPath, epoch+1, stats.Loss); err != nil {
					return nil, fmt.Errorf("failed to save checkpoint: %w", err)
				}
			}
		}

		t.logger.Info("Epoch complete",
			zap.Int("epoch", stats.Epoch),
			zap.Int("epochs", stats.Epochs),
			zap.Float64("loss", stats.Loss),
			zap.Float64("lr", lr),
			zap.Int("skipped", skipped),
			zap.Bool("improved", stats.Improved),
			zap.Duration("elapsed", stats.Elapsed))
		if onEpoch != nil {
			onEpoch(stats)
		}
	}
	return res, nil
}
