// Package engine answers queries against a committed generation: it embeds
// a query chart, searches the index and labels what happened after each
// match.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tunogya/visionquant/pkg/artifact"
	"github.com/tunogya/visionquant/pkg/chart"
	"github.com/tunogya/visionquant/pkg/feature"
	"github.com/tunogya/visionquant/pkg/index"
	"github.com/tunogya/visionquant/pkg/model"
	"github.com/tunogya/visionquant/pkg/outcome"
	"github.com/tunogya/visionquant/pkg/store/duckdb"
	"github.com/tunogya/visionquant/pkg/vision"
)

var (
	// ErrIndexNotReady means there is no committed generation to query.
	ErrIndexNotReady = errors.New("index not ready")
	// ErrCorruptArtifacts means the model, index and metadata of a generation disagree.
	ErrCorruptArtifacts = errors.New("corrupt artifacts")
)

// Handle is one loaded generation. It is never mutated after Load, so any
// number of goroutines may query it.
type Handle struct {
	generation string
	paths      artifact.Paths
	encoder    *vision.Model
	flat       *index.Flat
	patterns   []model.Pattern
	bars       map[string][]model.Candle
	meta       map[string]string
	chart      chart.Options
	window     int
	maxHold    int
	loadedAt   time.Time
}

// Load opens the live generation of dataDir.
func Load(ctx context.Context, dataDir string) (*Handle, error) {
	layout := artifact.NewLayout(dataDir)
	name, err := layout.Current()
	if err != nil {
		if errors.Is(err, artifact.ErrNoGeneration) {
			return nil, fmt.Errorf("%w: %v", ErrIndexNotReady, err)
		}
		return nil, err
	}
	return LoadGeneration(ctx, name, layout.Generation(name))
}

// LoadGeneration opens the generation stored at paths and checks that its
// three artifacts line up: one pattern row per index vector with IDs
// 0..n-1, and vectors of the encoder's latent size.
func LoadGeneration(ctx context.Context, name string, paths artifact.Paths) (*Handle, error) {
	if p := paths.Check(); !p.Complete() {
		return nil, fmt.Errorf("%w: generation %s is missing files (model=%t index=%t meta=%t)",
			ErrCorruptArtifacts, name, p.Model, p.Index, p.Meta)
	}

	enc, _, err := vision.LoadEncoder(paths.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoder: %w", err)
	}
	flat, err := index.Load(paths.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	client, err := duckdb.OpenReadOnly(ctx, paths.Meta)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	patterns, err := duckdb.NewPatternRepo(client).All(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := duckdb.NewMetaRepo(client).All(ctx)
	if err != nil {
		return nil, err
	}

	if flat.Dim() != enc.Config().LatentDim {
		return nil, fmt.Errorf("%w: index dim %d, encoder latent dim %d", ErrCorruptArtifacts, flat.Dim(), enc.Config().LatentDim)
	}
	if len(patterns) != flat.Len() {
		return nil, fmt.Errorf("%w: %d metadata rows, %d index vectors", ErrCorruptArtifacts, len(patterns), flat.Len())
	}
	for i, p := range patterns {
		if p.ID != int64(i) {
			return nil, fmt.Errorf("%w: row %d has id %d", ErrCorruptArtifacts, i, p.ID)
		}
	}

	barRepo := duckdb.NewBarRepo(client)
	bars := make(map[string][]model.Candle)
	for _, p := range patterns {
		series, ok := bars[p.Symbol]
		if !ok {
			series, err = barRepo.BySymbol(ctx, p.Symbol)
			if err != nil {
				return nil, err
			}
			bars[p.Symbol] = series
		}
		if len(series) != p.SeriesLen || p.EndIndex < 0 || p.EndIndex >= p.SeriesLen {
			return nil, fmt.Errorf("%w: pattern %d (%s) expects %d bars ending at %d, snapshot has %d",
				ErrCorruptArtifacts, p.ID, p.Symbol, p.SeriesLen, p.EndIndex, len(series))
		}
	}

	window, err := metaInt(meta, duckdb.MetaWindow)
	if err != nil {
		return nil, err
	}
	maxHold, err := metaInt(meta, duckdb.MetaMaxHold)
	if err != nil {
		return nil, err
	}
	style, err := chart.ParseStyle(meta[duckdb.MetaChartStyle])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifacts, err)
	}
	volume, _ := strconv.ParseBool(meta[duckdb.MetaVolume])

	return &Handle{
		generation: name,
		paths:      paths,
		encoder:    enc,
		flat:       flat,
		patterns:   patterns,
		bars:       bars,
		meta:       meta,
		chart:      chart.Options{Size: enc.Config().ImageSize, Style: style, Volume: volume},
		window:     window,
		maxHold:    maxHold,
		loadedAt:   time.Now(),
	}, nil
}

func metaInt(meta map[string]string, key string) (int, error) {
	v, ok := meta[key]
	if !ok {
		return 0, fmt.Errorf("%w: build meta has no %s", ErrCorruptArtifacts, key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: build meta %s=%q", ErrCorruptArtifacts, key, v)
	}
	return n, nil
}

// Generation is the name of the loaded generation.
func (h *Handle) Generation() string { return h.generation }

// Paths locates the loaded artifacts.
func (h *Handle) Paths() artifact.Paths { return h.paths }

// Len is the number of indexed charts.
func (h *Handle) Len() int { return len(h.patterns) }

// Dim is the embedding size.
func (h *Handle) Dim() int { return h.flat.Dim() }

// Window is the number of bars per chart.
func (h *Handle) Window() int { return h.window }

// MaxHold is the forward horizon every searchable pattern has.
func (h *Handle) MaxHold() int { return h.maxHold }

// LoadedAt is when the handle was opened.
func (h *Handle) LoadedAt() time.Time { return h.loadedAt }

// Meta returns a copy of the build parameters.
func (h *Handle) Meta() map[string]string {
	out := make(map[string]string, len(h.meta))
	for k, v := range h.meta {
		out[k] = v
	}
	return out
}

// Pattern returns the metadata row with the given ID.
func (h *Handle) Pattern(id int64) (model.Pattern, bool) {
	if id < 0 || id >= int64(len(h.patterns)) {
		return model.Pattern{}, false
	}
	return h.patterns[id], true
}

// Embed renders w the way the generation's charts were rendered and encodes it.
func (h *Handle) Embed(w *model.Window) ([]float32, error) {
	img, err := chart.Render(w.Candles, h.chart)
	if err != nil {
		return nil, err
	}
	tensor, err := chart.ToTensor(img, h.chart.Size)
	if err != nil {
		return nil, err
	}
	return h.encoder.Encode(tensor)
}

// Search returns the k most similar labelable patterns. With a non-zero
// asOf, only patterns whose whole forward horizon closed on or before asOf
// are considered.
func (h *Handle) Search(vec []float32, k int, asOf time.Time) ([]model.Match, error) {
	hits, err := h.flat.SearchFunc(vec, k, func(row int) bool {
		p := &h.patterns[row]
		if !p.Labelable(h.maxHold) {
			return false
		}
		if asOf.IsZero() {
			return true
		}
		last := h.bars[p.Symbol][p.EndIndex+h.maxHold]
		return !model.Date(last.OpenTime).After(asOf)
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.Match, len(hits))
	for i, hit := range hits {
		out[i] = model.Match{Pattern: h.patterns[hit.Row], Score: float64(hit.Score)}
	}
	return out, nil
}

// Outcome labels the path that followed p in the bar snapshot.
func (h *Handle) Outcome(l *outcome.Labeler, p model.Pattern) (outcome.Result, error) {
	series, ok := h.bars[p.Symbol]
	if !ok {
		return outcome.Result{}, fmt.Errorf("no bars for %s", p.Symbol)
	}
	return l.LabelAt(model.Closes(series), p.EndIndex)
}

// Regime describes the window of bars that p was rendered from.
func (h *Handle) Regime(p model.Pattern) feature.Regime {
	series := h.bars[p.Symbol]
	end := p.EndIndex + 1
	if end > len(series) {
		return feature.Describe(nil)
	}
	start := end - h.window
	if start < 0 {
		start = 0
	}
	return feature.Describe(series[start:end])
}
