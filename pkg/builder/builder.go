package builder

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/artifact"
	"github.com/tunogya/visionquant/pkg/chart"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/events"
	"github.com/tunogya/visionquant/pkg/model"
	"github.com/tunogya/visionquant/pkg/recorder"
)

// Progress ranges per step, in percent of the whole build.
const (
	pctDownload = 20
	pctRender   = 40
	pctTrain    = 85
	pctIndex    = 95
)

// Mirror receives a copy of every committed generation, replacing the one
// it held before.
type Mirror interface {
	Mirror(ctx context.Context, collection, generation string, patterns []model.Pattern, vectors [][]float32) error
}

// Builder runs index builds against one data directory.
type Builder struct {
	layout     *artifact.Layout
	provider   data.CandleProvider
	reporter   *events.Reporter
	recorder   recorder.Recorder
	mirror     Mirror
	collection string
	logger     *zap.Logger

	newRunID  func() string
	now       func() time.Time
	afterStep func(step string) error

	reportMu sync.Mutex
}

// Option configures a Builder.
type Option func(*Builder)

// WithReporter sends progress to r.
func WithReporter(r *events.Reporter) Option {
	return func(b *Builder) { b.reporter = r }
}

// WithRecorder journals every build attempt to r.
func WithRecorder(r recorder.Recorder) Option {
	return func(b *Builder) { b.recorder = r }
}

// WithMirror copies committed generations into collection through m.
func WithMirror(m Mirror, collection string) Option {
	return func(b *Builder) {
		b.mirror = m
		b.collection = collection
	}
}

// New creates a builder writing under dataDir and reading bars from provider.
func New(dataDir string, provider data.CandleProvider, logger *zap.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Builder{
		layout:   artifact.NewLayout(dataDir),
		provider: provider,
		recorder: recorder.NewNoopRecorder(),
		logger:   logger,
		newRunID: func() string { return uuid.New().String() },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Layout returns the data directory layout the builder writes.
func (b *Builder) Layout() *artifact.Layout { return b.layout }

// Build runs all four steps into a staging generation and commits it. On any
// error, including cancellation, the staging generation is removed and the
// live generation is left untouched.
func (b *Builder) Build(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Chart.Size = cfg.Model.ImageSize
	cfg.Chart.Style, _ = chart.ParseStyle(string(cfg.Chart.Style))
	cfg.Symbols = normalizeSymbols(cfg.Symbols)
	if cfg.Interval == "" {
		cfg.Interval = data.DefaultTimeframe
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	runID := b.newRunID()
	unlock, err := b.layout.Lock(runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			b.logger.Warn("Failed to release build lock", zap.Error(err))
		}
	}()

	started := b.now()
	logger := b.logger.With(zap.String("run_id", runID))
	logger.Info("Build started",
		zap.Strings("symbols", cfg.Symbols),
		zap.Int("window", cfg.Window),
		zap.Int("stride", cfg.Stride),
		zap.Int("epochs", cfg.Train.Epochs))
	b.report(ctx, runID, events.StepStart, 0, fmt.Sprintf("building %d symbols", len(cfg.Symbols)))

	res, st, err := b.run(ctx, runID, cfg, logger)

	// progress and journal entries outlive a cancelled build
	bg := context.WithoutCancel(ctx)
	run := &recorder.BuildRun{
		RunID:          runID,
		StartedAt:      started,
		FinishedAt:     b.now(),
		SymbolsCount:   st.symbols,
		ImagesCount:    st.images,
		VectorsCount:   st.vectors,
		SkippedSymbols: len(st.skipped),
		BestLoss:       st.bestLoss,
	}
	if err != nil {
		if aerr := b.layout.Abort(runID); aerr != nil {
			logger.Warn("Failed to remove staging generation", zap.Error(aerr))
		}
		logger.Error("Build failed", zap.Error(err))
		b.report(bg, runID, events.StepFailed, 100, err.Error())
		run.Status, run.Error = "failed", err.Error()
		b.journal(bg, run)
		return nil, err
	}

	run.Status = "success"
	b.journal(bg, run)
	b.report(bg, runID, events.StepDone, 100, fmt.Sprintf("indexed %d charts", res.VectorsCount))
	logger.Info("Build committed",
		zap.Int("symbols", res.SymbolsCount),
		zap.Int("images", res.ImagesCount),
		zap.Int("vectors", res.VectorsCount),
		zap.Float64("best_loss", res.BestLoss),
		zap.Duration("elapsed", b.now().Sub(started)))
	return res, nil
}

// stats carries counts out of a run, including a failed one.
type stats struct {
	symbols  int
	images   int
	vectors  int
	skipped  []string
	bestLoss float64
}

func (b *Builder) run(ctx context.Context, runID string, cfg Config, logger *zap.Logger) (*Result, stats, error) {
	var st stats
	staging := b.layout.Staging(runID)
	if err := os.MkdirAll(staging.Images, 0o755); err != nil {
		return nil, st, fmt.Errorf("failed to create staging dir: %w", err)
	}

	series, skipped, err := b.download(ctx, runID, cfg, logger)
	st.skipped = skipped
	if err != nil {
		return nil, st, err
	}
	st.symbols = len(series)
	if len(series) == 0 {
		return nil, st, fmt.Errorf("%w: no symbol has at least %d bars", ErrInsufficientData, cfg.Window+1)
	}
	if err := b.stepDone(ctx, events.StepDownload); err != nil {
		return nil, st, err
	}

	patterns, err := b.render(ctx, runID, cfg, series, staging, logger)
	if err != nil {
		return nil, st, err
	}
	st.images = len(patterns)
	if len(patterns) < MinSamples {
		return nil, st, fmt.Errorf("%w: %d images generated, need at least %d", ErrInsufficientData, len(patterns), MinSamples)
	}
	if err := b.stepDone(ctx, events.StepRender); err != nil {
		return nil, st, err
	}

	patterns, bestLoss, err := b.train(ctx, runID, cfg, patterns, staging, logger)
	st.bestLoss = bestLoss
	if err != nil {
		return nil, st, err
	}
	// unreadable images were dropped before training
	st.images = len(patterns)
	if err := b.stepDone(ctx, events.StepTrain); err != nil {
		return nil, st, err
	}

	indexed, flat, err := b.index(ctx, runID, cfg, patterns, series, staging, bestLoss, logger)
	if err != nil {
		return nil, st, err
	}
	st.vectors = len(indexed)
	if err := b.stepDone(ctx, events.StepIndex); err != nil {
		return nil, st, err
	}

	final, previous, err := b.layout.Commit(runID)
	if err != nil {
		return nil, st, err
	}
	b.report(ctx, runID, events.StepCommit, 100, "generation "+runID+" is live")
	if previous != "" && previous != runID {
		if err := b.layout.Remove(previous); err != nil {
			logger.Warn("Failed to remove previous generation", zap.String("generation", previous), zap.Error(err))
		}
	}

	if b.mirror != nil {
		vectors := make([][]float32, flat.Len())
		for i := range vectors {
			vectors[i] = flat.Vector(i)
		}
		if err := b.mirror.Mirror(ctx, b.collection, runID, indexed, vectors); err != nil {
			logger.Warn("Failed to mirror generation", zap.String("collection", b.collection), zap.Error(err))
		}
	}

	if skipped == nil {
		skipped = []string{}
	}
	return &Result{
		RunID:          runID,
		Generation:     runID,
		SymbolsCount:   len(series),
		ImagesCount:    len(patterns),
		VectorsCount:   len(indexed),
		IndexDim:       flat.Dim(),
		ModelPath:      final.Model,
		IndexPath:      final.Index,
		MetaPath:       final.Meta,
		BestLoss:       bestLoss,
		SkippedSymbols: skipped,
	}, st, nil
}

// stepDone is the cancellation point between steps.
func (b *Builder) stepDone(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.afterStep != nil {
		return b.afterStep(step)
	}
	return nil
}

func (b *Builder) report(ctx context.Context, runID, step string, percent int, msg string) {
	b.reportMu.Lock()
	defer b.reportMu.Unlock()
	b.reporter.Report(ctx, events.Progress{RunID: runID, Step: step, Percent: percent, Message: msg})
}

func (b *Builder) journal(ctx context.Context, run *recorder.BuildRun) {
	if err := b.recorder.RecordBuild(ctx, run); err != nil {
		b.logger.Warn("Failed to record build", zap.String("run_id", run.RunID), zap.Error(err))
	}
}

// normalizeSymbols upper-cases, trims and de-duplicates, keeping first order.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
