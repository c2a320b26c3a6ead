package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tunogya/visionquant/pkg/artifact"
	"github.com/tunogya/visionquant/pkg/chart"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/events"
	"github.com/tunogya/visionquant/pkg/index"
	"github.com/tunogya/visionquant/pkg/model"
	"github.com/tunogya/visionquant/pkg/store/duckdb"
	"github.com/tunogya/visionquant/pkg/vision"
	"github.com/tunogya/visionquant/pkg/window"
)

type symbolSeries struct {
	symbol  string
	candles []model.Candle
}

// download fetches every symbol in order. Symbols that fail or are too short
// are skipped with a warning.
func (b *Builder) download(ctx context.Context, runID string, cfg Config, logger *zap.Logger) ([]symbolSeries, []string, error) {
	end := cfg.End
	if end.IsZero() {
		end = b.now().UTC()
	}

	var series []symbolSeries
	var skipped []string
	for i, sym := range cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}

		candles, err := b.provider.FetchCandles(ctx, sym, cfg.Interval, cfg.Start, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, skipped, ctx.Err()
			}
			logger.Warn("Skipping symbol: download failed", zap.String("symbol", sym), zap.Error(err))
			skipped = append(skipped, sym)
			continue
		}

		valid := make([]model.Candle, 0, len(candles))
		for _, c := range candles {
			if c.Valid() {
				c.Symbol = sym
				valid = append(valid, c)
			}
		}
		if len(valid) < cfg.Window+1 {
			logger.Warn("Skipping symbol: not enough bars",
				zap.String("symbol", sym),
				zap.Int("bars", len(valid)),
				zap.Int("required", cfg.Window+1))
			skipped = append(skipped, sym)
			continue
		}

		series = append(series, symbolSeries{symbol: sym, candles: valid})
		b.report(ctx, runID, events.StepDownload, pctDownload*(i+1)/len(cfg.Symbols),
			fmt.Sprintf("%s: %d bars", sym, len(valid)))
	}
	return series, skipped, nil
}

// render draws every window of every series. Symbols render in parallel;
// the result keeps symbol order, then window order.
func (b *Builder) render(ctx context.Context, runID string, cfg Config, series []symbolSeries, staging artifact.Paths, logger *zap.Logger) ([]model.Pattern, error) {
	results := make([][]model.Pattern, len(series))
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, s := range series {
		g.Go(func() error {
			pats, err := b.renderSymbol(gctx, cfg, s, staging, logger)
			if err != nil {
				return err
			}
			results[i] = pats
			n := int(done.Add(1))
			b.report(ctx, runID, events.StepRender,
				pctDownload+(pctRender-pctDownload)*n/len(series),
				fmt.Sprintf("%s: %d charts", s.symbol, len(pats)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var patterns []model.Pattern
	for _, pats := range results {
		patterns = append(patterns, pats...)
	}
	return patterns, nil
}

func (b *Builder) renderSymbol(ctx context.Context, cfg Config, s symbolSeries, staging artifact.Paths, logger *zap.Logger) ([]model.Pattern, error) {
	wb, err := window.NewBuilder(window.Config{Size: cfg.Window, Stride: cfg.Stride, Symbol: s.symbol})
	if err != nil {
		return nil, err
	}

	dir := data.SafeName(s.symbol)
	var patterns []model.Pattern
	for _, w := range wb.ProcessCandles(s.candles) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := chart.Render(w.Candles, cfg.Chart)
		if err != nil {
			logger.Warn("Skipping window: render failed", zap.String("key", w.Key()), zap.Error(err))
			continue
		}
		rel := filepath.Join(artifact.ImagesDir, dir, fmt.Sprintf("%s_%s.png", dir, w.EndDate.Format(model.DateLayout)))
		if err := chart.SavePNG(staging.Resolve(rel), img); err != nil {
			return nil, err
		}
		patterns = append(patterns, model.Pattern{
			Symbol:    s.symbol,
			EndDate:   w.EndDate,
			ImagePath: rel,
			EndIndex:  w.EndIndex,
			SeriesLen: w.SeriesLen,
		})
	}
	return patterns, nil
}

// train fits a fresh model on the rendered charts, checkpointing the best
// epoch into the staging generation. Patterns whose images fail validation
// are dropped so later steps see the same corpus.
func (b *Builder) train(ctx context.Context, runID string, cfg Config, patterns []model.Pattern, staging artifact.Paths, logger *zap.Logger) ([]model.Pattern, float64, error) {
	paths := make([]string, len(patterns))
	for i, p := range patterns {
		paths[i] = staging.Resolve(p.ImagePath)
	}
	ds := vision.NewDataset(paths, cfg.Model.ImageSize, logger)
	if len(ds.Dropped()) > 0 {
		dropped := make(map[string]bool, len(ds.Dropped()))
		for _, p := range ds.Dropped() {
			dropped[p] = true
		}
		kept := make([]model.Pattern, 0, ds.Len())
		for i, p := range patterns {
			if !dropped[paths[i]] {
				kept = append(kept, p)
			}
		}
		patterns = kept
	}
	if ds.Len() < MinSamples {
		return nil, 0, fmt.Errorf("%w: %d readable images, need at least %d", ErrInsufficientData, ds.Len(), MinSamples)
	}

	m, err := vision.New(cfg.Model)
	if err != nil {
		return nil, 0, err
	}
	trainer, err := vision.NewTrainer(m, cfg.Train, logger)
	if err != nil {
		return nil, 0, err
	}
	res, err := trainer.Train(ctx, ds, staging.Model, func(s vision.EpochStats) {
		pct := pctRender + (pctTrain-pctRender)*s.Epoch/s.Epochs
		b.report(ctx, runID, events.StepTrain, pct,
			fmt.Sprintf("epoch %d/%d loss %.6f", s.Epoch, s.Epochs, s.Loss))
	})
	if err != nil {
		return nil, 0, err
	}
	return patterns, res.BestLoss, nil
}

// index encodes every chart with the best checkpoint and writes the index
// and the metadata database. Row i of the index is pattern ID i.
func (b *Builder) index(ctx context.Context, runID string, cfg Config, patterns []model.Pattern, series []symbolSeries, staging artifact.Paths, bestLoss float64, logger *zap.Logger) ([]model.Pattern, *index.Flat, error) {
	enc, info, err := vision.LoadEncoder(staging.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reload best checkpoint: %w", err)
	}
	logger.Info("Encoding charts", zap.Int("charts", len(patterns)), zap.Int("checkpoint_epoch", info.Epoch))

	indexed := make([]model.Pattern, 0, len(patterns))
	vectors := make([][]float32, 0, len(patterns))
	for i, p := range patterns {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		img, err := chart.LoadTensor(staging.Resolve(p.ImagePath), cfg.Model.ImageSize)
		if err != nil {
			logger.Warn("Skipping chart: load failed", zap.String("path", p.ImagePath), zap.Error(err))
			continue
		}
		vec, err := enc.Encode(img)
		if err != nil {
			logger.Warn("Skipping chart: encode failed", zap.String("path", p.ImagePath), zap.Error(err))
			continue
		}
		p.ID = int64(len(indexed))
		indexed = append(indexed, p)
		vectors = append(vectors, vec)

		if (i+1)%100 == 0 || i+1 == len(patterns) {
			b.report(ctx, runID, events.StepIndex, pctTrain+(pctIndex-pctTrain)*(i+1)/len(patterns),
				fmt.Sprintf("encoded %d/%d charts", i+1, len(patterns)))
		}
	}
	if len(indexed) < MinSamples {
		return nil, nil, fmt.Errorf("%w: %d vectors embedded, need at least %d", ErrInsufficientData, len(indexed), MinSamples)
	}

	flat := index.NewFlat(cfg.Model.LatentDim)
	if err := flat.Add(vectors...); err != nil {
		return nil, nil, err
	}
	flat.Normalize()
	if err := flat.Save(staging.Index); err != nil {
		return nil, nil, err
	}

	if err := b.writeMeta(ctx, runID, cfg, staging.Meta, indexed, series, bestLoss, flat.Dim()); err != nil {
		return nil, nil, err
	}
	return indexed, flat, nil
}

func (b *Builder) writeMeta(ctx context.Context, runID string, cfg Config, path string, patterns []model.Pattern, series []symbolSeries, bestLoss float64, dim int) error {
	client, err := duckdb.NewClient(ctx, path)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := duckdb.InitializeSchema(ctx, client); err != nil {
		return err
	}
	patternRepo := duckdb.NewPatternRepo(client)
	if err := patternRepo.InsertBatch(ctx, patterns); err != nil {
		return err
	}
	if n, err := patternRepo.Count(ctx); err != nil {
		return err
	} else if n != int64(len(patterns)) {
		return fmt.Errorf("metadata has %d pattern rows, expected %d", n, len(patterns))
	}

	// patterns address bars by position, so every bar must land in its own row
	bars := duckdb.NewBarRepo(client)
	for _, s := range series {
		if err := bars.InsertBatch(ctx, s.candles); err != nil {
			return fmt.Errorf("failed to snapshot %s bars: %w", s.symbol, err)
		}
		if n, err := bars.Count(ctx, s.symbol); err != nil {
			return err
		} else if n != int64(len(s.candles)) {
			return fmt.Errorf("snapshot of %s has %d bars, expected %d", s.symbol, n, len(s.candles))
		}
	}
	return duckdb.NewMetaRepo(client).Set(ctx, map[string]string{
		duckdb.MetaRunID:      runID,
		duckdb.MetaCreatedAt:  b.now().UTC().Format(time.RFC3339),
		duckdb.MetaMaxHold:    strconv.Itoa(cfg.MaxHold),
		duckdb.MetaWindow:     strconv.Itoa(cfg.Window),
		duckdb.MetaStride:     strconv.Itoa(cfg.Stride),
		duckdb.MetaInterval:   cfg.Interval,
		duckdb.MetaImageSize:  strconv.Itoa(cfg.Model.ImageSize),
		duckdb.MetaChartStyle: string(cfg.Chart.Style),
		duckdb.MetaVolume:     strconv.FormatBool(cfg.Chart.Volume),
		duckdb.MetaIndexDim:   strconv.Itoa(dim),
		duckdb.MetaBestLoss:   strconv.FormatFloat(bestLoss, 'g', -1, 64),
	})
}
