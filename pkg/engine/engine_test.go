package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/backtest"
	"github.com/tunogya/visionquant/pkg/builder"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/feature"
	"github.com/tunogya/visionquant/pkg/index"
	"github.com/tunogya/visionquant/pkg/model"
	"github.com/tunogya/visionquant/pkg/recorder"
	"github.com/tunogya/visionquant/pkg/rerank"
	"github.com/tunogya/visionquant/pkg/vision"
)

var day0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func randomWalk(symbol string, n int, seed int64) []model.Candle {
	rng := rand.New(rand.NewSource(seed))
	price := 50.0
	out := make([]model.Candle, n)
	for i := range out {
		open := price
		price *= 1 + (rng.Float64()-0.48)*0.05
		out[i] = model.Candle{
			Symbol:   symbol,
			OpenTime: day0.AddDate(0, 0, i),
			Open:     open,
			High:     math.Max(open, price) * 1.01,
			Low:      math.Min(open, price) * 0.99,
			Close:    price,
			Volume:   1000 + 500*rng.Float64(),
		}
	}
	return out
}

func fixtureProvider() *data.MemoryProvider {
	p := data.NewMemoryProvider()
	p.AddCandles("AAA", randomWalk("AAA", 200, 11))
	p.AddCandles("BBB", randomWalk("BBB", 200, 12))
	return p
}

// buildFixture commits one small generation into a fresh data directory.
func buildFixture(t *testing.T, provider data.CandleProvider) (string, *builder.Result) {
	t.Helper()
	dir := t.TempDir()
	cfg := builder.DefaultConfig("AAA", "BBB")
	cfg.Start = day0
	cfg.End = day0.AddDate(1, 0, 0)
	cfg.Window = 20
	cfg.Stride = 5
	cfg.MaxHold = 5
	cfg.Workers = 2
	cfg.Model = vision.Config{
		ImageSize:   32,
		Widths:      []int{4, 4, 8, 8},
		Heads:       2,
		LatentDim:   8,
		DecoderSeed: 4,
		Groups:      2,
		Seed:        7,
	}
	cfg.Train = vision.TrainConfig{Epochs: 1, BatchSize: 8, LearningRate: 0.01, ClipNorm: 1, Seed: 1}

	res, err := builder.New(dir, provider, zap.NewNop()).Build(context.Background(), cfg)
	require.NoError(t, err)
	return dir, res
}

type memRecorder struct {
	recorder.NoopRecorder
	scorecards []recorder.ScorecardRun
	backtests  []recorder.BacktestRun
}

func (m *memRecorder) RecordScorecard(_ context.Context, run *recorder.ScorecardRun) error {
	m.scorecards = append(m.scorecards, *run)
	return nil
}

func (m *memRecorder) RecordBacktest(_ context.Context, run *recorder.BacktestRun) error {
	m.backtests = append(m.backtests, *run)
	return nil
}

type failingFundamentals struct{}

func (failingFundamentals) Fundamentals(context.Context, string) (*model.Fundamentals, error) {
	return nil, errors.New("upstream down")
}

func newService(t *testing.T, dir string, provider data.CandleProvider, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(NewHolder(dir, zap.NewNop()), provider, DefaultConfig(), zap.NewNop(), opts...)
	require.NoError(t, err)
	svc.now = func() time.Time { return day0.AddDate(0, 0, 199) }
	return svc
}

func TestLoad_NoGeneration(t *testing.T) {
	_, err := Load(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrIndexNotReady)
}

func TestLoad_Generation(t *testing.T) {
	provider := fixtureProvider()
	dir, res := buildFixture(t, provider)

	h, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, res.Generation, h.Generation())
	assert.Equal(t, res.VectorsCount, h.Len())
	assert.Equal(t, 8, h.Dim())
	assert.Equal(t, 20, h.Window())
	assert.Equal(t, 5, h.MaxHold())
	assert.Equal(t, "5", h.Meta()["stride"])

	p, ok := h.Pattern(0)
	require.True(t, ok)
	assert.Equal(t, "AAA", p.Symbol)
	_, ok = h.Pattern(int64(h.Len()))
	assert.False(t, ok)
}

func TestLoad_MisalignedArtifacts(t *testing.T) {
	tests := []struct {
		name  string
		flat  func(n int) *index.Flat
		wants string
	}{
		{
			name: "fewer vectors than rows",
			flat: func(n int) *index.Flat {
				f := index.NewFlat(8)
				require.NoError(t, f.Add(make([]float32, 8)))
				return f
			},
			wants: "metadata rows",
		},
		{
			name: "wrong dimension",
			flat: func(n int) *index.Flat {
				f := index.NewFlat(4)
				for i := 0; i < n; i++ {
					require.NoError(t, f.Add([]float32{1, 0, 0, 0}))
				}
				return f
			},
			wants: "index dim",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, res := buildFixture(t, fixtureProvider())
			require.NoError(t, tt.flat(res.VectorsCount).Save(res.IndexPath))

			_, err := Load(context.Background(), dir)
			require.ErrorIs(t, err, ErrCorruptArtifacts)
			assert.Contains(t, err.Error(), tt.wants)
		})
	}
}

func TestHandle_SearchFindsItself(t *testing.T) {
	provider := fixtureProvider()
	dir, _ := buildFixture(t, provider)
	h, err := Load(context.Background(), dir)
	require.NoError(t, err)

	series := randomWalk("AAA", 200, 11)
	w := model.NewWindow("AAA", 19, len(series), series[:20])
	vec, err := h.Embed(w)
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)

	matches, err := h.Search(vec, h.Len()+10, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-3)

	found := false
	for _, m := range matches {
		assert.True(t, m.Pattern.Labelable(h.MaxHold()), "pattern %d is not labelable", m.Pattern.ID)
		if m.Pattern.ID == 0 {
			found = true
			assert.InDelta(t, 1.0, m.Score, 1e-3)
		}
	}
	assert.True(t, found)

	// the last window of each symbol ends too close to the final bar to be labeled
	assert.Len(t, matches, h.Len()-2)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
}

func TestHandle_SearchExcludesLookAhead(t *testing.T) {
	dir, _ := buildFixture(t, fixtureProvider())
	h, err := Load(context.Background(), dir)
	require.NoError(t, err)

	series := randomWalk("AAA", 200, 11)
	w := model.NewWindow("AAA", 99, len(series), series[80:100])
	vec, err := h.Embed(w)
	require.NoError(t, err)

	asOf := w.EndDate
	matches, err := h.Search(vec, h.Len(), asOf)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	for _, m := range matches {
		horizonEnd := day0.AddDate(0, 0, m.Pattern.EndIndex+h.MaxHold())
		assert.False(t, horizonEnd.After(asOf), "pattern %d outcome closes %s", m.Pattern.ID, horizonEnd)
	}
	// ends 19..94 step 5 on both symbols
	assert.Len(t, matches, 2*16)
}

func TestHolder_GetAndSwap(t *testing.T) {
	provider := fixtureProvider()
	dir := t.TempDir()
	holder := NewHolder(dir, zap.NewNop())
	ctx := context.Background()

	_, err := holder.Get(ctx)
	assert.ErrorIs(t, err, ErrIndexNotReady)
	assert.Nil(t, holder.Peek())

	built, res := buildFixture(t, provider)
	holder = NewHolder(built, zap.NewNop())
	first, err := holder.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Generation, first.Generation())

	again, err := holder.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, again)

	reloaded, err := holder.Reload(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, reloaded)
	assert.Same(t, reloaded, holder.Peek())
}

func TestService_Status(t *testing.T) {
	ctx := context.Background()
	empty := t.TempDir()
	st, err := newService(t, empty, fixtureProvider()).Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.IndexReady)
	assert.False(t, st.Building)
	assert.Equal(t, empty, st.DataDir)
	assert.Zero(t, st.NRecords)

	dir, res := buildFixture(t, fixtureProvider())
	svc := newService(t, dir, fixtureProvider())
	st, err = svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IndexReady)
	assert.True(t, st.ModelExists)
	assert.True(t, st.IndexExists)
	assert.True(t, st.MetaExists)
	assert.Equal(t, res.VectorsCount, st.NRecords)
	assert.Equal(t, res.Generation, st.Generation)
	assert.Nil(t, st.LoadedAt)
	assert.Empty(t, st.Build)

	_, err = svc.Holder().Get(ctx)
	require.NoError(t, err)
	st, err = svc.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LoadedAt)
	assert.Equal(t, "20", st.Build["window"])
	assert.Equal(t, res.Generation, st.Build["run_id"])

	unlock, err := svc.Holder().Layout().Lock("other")
	require.NoError(t, err)
	defer unlock()
	st, err = svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Building)
	assert.True(t, st.IndexReady)
}

func TestService_SearchAndPredict(t *testing.T) {
	provider := fixtureProvider()
	dir, _ := buildFixture(t, provider)
	svc := newService(t, dir, provider)
	ctx := context.Background()
	date := day0.AddDate(0, 0, 150)

	res, err := svc.Search(ctx, Query{Symbol: "BBB", Date: date, TopK: 7})
	require.NoError(t, err)
	assert.Equal(t, "2020-05-30", res.Date)
	assert.Len(t, res.Matches, 7)
	for _, m := range res.Matches {
		assert.Equal(t, 1.0, m.TimeWeight)
		assert.Equal(t, m.Similarity, m.Score)
		assert.FileExists(t, m.ImagePath)
		d, err := time.Parse(model.DateLayout, m.Date)
		require.NoError(t, err)
		assert.False(t, d.AddDate(0, 0, 5).After(date))
	}

	bbb := randomWalk("BBB", 200, 12)
	assert.Equal(t, feature.Describe(bbb[131:151]), res.Regime)
	h, err := svc.Holder().Get(ctx)
	require.NoError(t, err)
	top, ok := h.Pattern(res.Matches[0].ID)
	require.True(t, ok)
	series := map[string][]model.Candle{"AAA": randomWalk("AAA", 200, 11), "BBB": bbb}[top.Symbol]
	assert.Equal(t, feature.Describe(series[top.EndIndex-19:top.EndIndex+1]), res.Matches[0].Regime)

	pred, err := svc.Predict(ctx, Query{Symbol: "BBB", Date: date, TopK: 7})
	require.NoError(t, err)
	assert.True(t, pred.Prediction.Valid)
	assert.Equal(t, 7, pred.Prediction.NMatches)
	assert.Equal(t, 7, pred.Prediction.BullishCount+pred.Prediction.NeutralCount+pred.Prediction.BearishCount)

	_, err = svc.Search(ctx, Query{Symbol: "ZZZ", Date: date})
	assert.ErrorIs(t, err, data.ErrNoData)
}

func TestService_SearchMinScore(t *testing.T) {
	provider := fixtureProvider()
	dir, _ := buildFixture(t, provider)
	svc := newService(t, dir, provider)
	ctx := context.Background()
	q := Query{Symbol: "BBB", Date: day0.AddDate(0, 0, 150), TopK: 7}

	all, err := svc.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, all.Matches, 7)

	cut := all.Matches[3].Score
	q.MinScore = &cut
	kept, err := svc.Search(ctx, q)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(kept.Matches), 4)
	for i, m := range kept.Matches {
		assert.Equal(t, all.Matches[i].ID, m.ID)
		assert.GreaterOrEqual(t, m.Score, cut)
	}

	above := 1.5
	q.MinScore = &above
	none, err := svc.Search(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, none.Matches)

	pred, err := svc.Predict(ctx, q)
	require.NoError(t, err)
	assert.False(t, pred.Prediction.Valid)
	assert.Zero(t, pred.Prediction.NMatches)
}

func TestService_SearchWithTimeDecay(t *testing.T) {
	provider := fixtureProvider()
	dir, _ := buildFixture(t, provider)
	svc := newService(t, dir, provider, WithTimeDecay(rerank.DefaultTimeDecayConfig()))

	res, err := svc.Search(context.Background(), Query{Symbol: "AAA", Date: day0.AddDate(0, 0, 180), TopK: 5})
	require.NoError(t, err)
	require.Len(t, res.Matches, 5)
	for i, m := range res.Matches {
		assert.Less(t, m.TimeWeight, 1.0)
		assert.InDelta(t, m.Similarity*m.TimeWeight, m.Score, 1e-9)
		if i > 0 {
			assert.GreaterOrEqual(t, res.Matches[i-1].Score, m.Score)
		}
	}
}

func TestService_Score(t *testing.T) {
	provider := fixtureProvider()
	ctx := context.Background()
	date := day0.AddDate(0, 0, 150)

	t.Run("explicit win rate without index", func(t *testing.T) {
		rec := &memRecorder{}
		svc := newService(t, t.TempDir(), provider,
			WithRecorder(rec),
			WithFundamentals(data.StaticFundamentals{"AAA": {TrailingPE: 12, ROE: 0.25, HasPE: true, HasROE: true}}))
		wr := 72.0
		card, err := svc.Score(ctx, ScoreQuery{Symbol: "AAA", Date: date, WinRate: &wr})
		require.NoError(t, err)
		assert.Equal(t, WinRateFromRequest, card.WinRateSource)
		assert.Equal(t, 72.0, card.Vision.WinRate)
		assert.Equal(t, 4.0, card.Fundamental.Score)
		assert.Equal(t, "2020-05-30", card.Date)
		assert.Empty(t, card.Technical.Error)
		require.Len(t, rec.scorecards, 1)
		assert.Equal(t, card.Action, rec.scorecards[0].Action)
	})

	t.Run("no index falls back to neutral", func(t *testing.T) {
		svc := newService(t, t.TempDir(), provider, WithFundamentals(failingFundamentals{}))
		card, err := svc.Score(ctx, ScoreQuery{Symbol: "AAA", Date: date})
		require.NoError(t, err)
		assert.Equal(t, WinRateNeutral, card.WinRateSource)
		assert.Equal(t, NeutralWinRate, card.Vision.WinRate)
		assert.Equal(t, 2.0, card.Fundamental.Score)
		assert.Equal(t, "fundamentals unavailable", card.Fundamental.Note)
	})

	t.Run("win rate from prediction", func(t *testing.T) {
		dir, _ := buildFixture(t, provider)
		svc := newService(t, dir, provider)
		card, err := svc.Score(ctx, ScoreQuery{Symbol: "AAA", Date: date, TopK: 6})
		require.NoError(t, err)
		assert.Equal(t, WinRateFromPrediction, card.WinRateSource)
		assert.GreaterOrEqual(t, card.TotalScore, 0.0)
		assert.LessOrEqual(t, card.TotalScore, card.MaxScore)
		assert.Equal(t, 2.0, card.Fundamental.Score)
		assert.Equal(t, NoteFundamentalsNotConfigured, card.Fundamental.Note)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		wr := 50.0
		_, err := newService(t, t.TempDir(), provider).Score(ctx, ScoreQuery{Symbol: "ZZZ", WinRate: &wr})
		assert.ErrorIs(t, err, data.ErrNoData)
	})
}

func TestService_Analyze(t *testing.T) {
	provider := fixtureProvider()
	dir, res := buildFixture(t, provider)
	svc := newService(t, dir, provider)

	out, err := svc.Analyze(context.Background(), Query{Symbol: "AAA", Date: day0.AddDate(0, 0, 160)})
	require.NoError(t, err)
	assert.Equal(t, res.Generation, out.Generation)
	assert.Equal(t, "2020-06-09", out.Date)
	require.True(t, out.Prediction.Valid)
	assert.Equal(t, DefaultTopK, out.Prediction.NMatches)
	assert.Equal(t, WinRateFromPrediction, out.Scorecard.WinRateSource)
	assert.Equal(t, out.Prediction.WinRate, out.Scorecard.Vision.WinRate)

	_, err = newService(t, t.TempDir(), provider).Analyze(context.Background(), Query{Symbol: "AAA"})
	assert.ErrorIs(t, err, ErrIndexNotReady)
}

func TestService_Backtest(t *testing.T) {
	provider := data.NewMemoryProvider()
	provider.AddCandles("AAA", randomWalk("AAA", 300, 21))
	rec := &memRecorder{}
	svc := newService(t, t.TempDir(), provider, WithRecorder(rec))
	ctx := context.Background()

	q := BacktestQuery{Symbol: "AAA", Start: day0, End: day0.AddDate(0, 0, 299), Config: backtest.DefaultConfig()}
	first, err := svc.Backtest(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "AAA", first.Symbol)
	assert.Equal(t, "2020-01-01", first.Start)
	assert.Len(t, first.EquityCurve, 300-backtest.DefaultConfig().Warmup())
	require.Len(t, rec.backtests, 1)
	assert.Equal(t, first.FinalEquity, rec.backtests[0].FinalEquity)

	second, err := svc.Backtest(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	q.End = day0.AddDate(0, 0, 30)
	_, err = svc.Backtest(ctx, q)
	assert.ErrorIs(t, err, backtest.ErrInsufficientData)
}
