package command

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/config"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/engine"
	"github.com/tunogya/visionquant/pkg/events"
	"github.com/tunogya/visionquant/pkg/model"
	"github.com/tunogya/visionquant/pkg/vision"
)

var day0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func randomWalk(symbol string, n int, seed int64) []model.Candle {
	rng := rand.New(rand.NewSource(seed))
	price := 40.0
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

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := config.Default()
	cfg.Data.Dir = t.TempDir()
	cfg.Build.Workers = 2
	cfg.Model = vision.Config{
		ImageSize:   32,
		Widths:      []int{4, 4, 8, 8},
		Heads:       2,
		LatentDim:   8,
		DecoderSeed: 4,
		Groups:      2,
		Seed:        7,
	}

	provider := data.NewMemoryProvider()
	provider.AddCandles("AAA", randomWalk("AAA", 300, 21))
	provider.AddCandles("BBB", randomWalk("BBB", 300, 22))

	svc, err := engine.NewService(engine.NewHolder(cfg.Data.Dir, zap.NewNop()), provider, engine.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	return NewRunner(&cfg, svc, provider, zap.NewNop())
}

// asMap renders a response the way the CLI prints it.
func asMap(t *testing.T, res interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRunner_Names(t *testing.T) {
	r := newTestRunner(t)
	assert.Equal(t, []string{"analyze", "backtest", "build", "predict", "score", "search", "status"}, r.Names())
}

func TestRunner_UnknownCommand(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), "train", nil)

	f, ok := res.(Failure)
	require.True(t, ok)
	assert.False(t, f.Success)
	assert.Contains(t, f.Error, `unknown command "train"`)
	assert.Empty(t, f.Param)
}

func TestRunner_InvalidParams(t *testing.T) {
	tests := []struct {
		name    string
		command string
		params  string
		param   string
	}{
		{"missing symbols", Build, `{}`, "symbols"},
		{"empty symbol", Build, `{"symbols":["AAA",""]}`, "symbols[1]"},
		{"bad chart style", Build, `{"symbols":["AAA"],"chart_style":"bars"}`, "chart_style"},
		{"end before start", Build, `{"symbols":["AAA"],"start":"2021-01-01","end":"2020-01-01"}`, "end"},
		{"window too small", Build, `{"symbols":["AAA"],"window":1}`, "window"},
		{"missing symbol", Search, `{"top_k":3}`, "symbol"},
		{"bad date", Predict, `{"symbol":"AAA","date":"2020/05/30"}`, "date"},
		{"top_k zero", Analyze, `{"symbol":"AAA","top_k":0}`, "top_k"},
		{"win rate above 100", Score, `{"symbol":"AAA","win_rate":150}`, "win_rate"},
		{"min score above 1", Search, `{"symbol":"AAA","min_score":1.5}`, "min_score"},
		{"min score below -1", Score, `{"symbol":"AAA","min_score":-2}`, "min_score"},
		{"wrong type", Search, `{"symbol":5}`, "symbol"},
		{"non-positive capital", Backtest, `{"symbol":"AAA","capital":0}`, "capital"},
	}
	r := newTestRunner(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Run(context.Background(), tt.command, []byte(tt.params))
			f, ok := res.(Failure)
			require.True(t, ok, "got %T", res)
			assert.False(t, f.Success)
			assert.Equal(t, tt.param, f.Param)
			assert.NotEmpty(t, f.Error)
		})
	}
}

func TestRunner_MalformedJSON(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), Status, []byte(`{"oops"`))
	f, ok := res.(Failure)
	require.True(t, ok)
	assert.NotEmpty(t, f.Error)
}

func TestRunner_StatusEmpty(t *testing.T) {
	r := newTestRunner(t)
	for _, params := range []string{"", "null", "{}"} {
		out := asMap(t, r.Run(context.Background(), Status, []byte(params)))
		assert.Equal(t, true, out["success"])
		assert.Equal(t, false, out["index_ready"])
		assert.Equal(t, false, out["building"])
		assert.EqualValues(t, 0, out["n_records"])
	}
}

func TestRunner_QueriesBeforeBuild(t *testing.T) {
	r := newTestRunner(t)
	for _, name := range []string{Search, Predict, Analyze} {
		res := r.Run(context.Background(), name, []byte(`{"symbol":"AAA","date":"2020-05-30"}`))
		f, ok := res.(Failure)
		require.True(t, ok, name)
		assert.Contains(t, f.Error, "index", name)
	}
}

func TestRunner_ScoreWithWinRate(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), Score, []byte(`{"symbol":" aaa ","date":"2020-07-18","win_rate":72.5}`))

	resp, ok := res.(ScoreResponse)
	require.True(t, ok, "got %#v", res)
	assert.True(t, resp.Success)
	assert.Equal(t, "AAA", resp.Symbol)
	assert.Equal(t, "2020-07-18", resp.Date)
	assert.Equal(t, engine.WinRateFromRequest, resp.WinRateSource)

	out := asMap(t, res)
	for _, key := range []string{"success", "symbol", "total_score", "action", "vision", "fundamental", "technical", "win_rate_source"} {
		assert.Contains(t, out, key)
	}
}

func TestRunner_ScoreWithoutIndexIsNeutral(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), Score, []byte(`{"symbol":"BBB","date":"2020-07-18"}`))
	resp, ok := res.(ScoreResponse)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, engine.WinRateNeutral, resp.WinRateSource)
}

func TestRunner_Backtest(t *testing.T) {
	r := newTestRunner(t)
	res := r.Run(context.Background(), Backtest, []byte(`{"symbol":"AAA","start":"2020-01-01","capital":50000}`))

	resp, ok := res.(BacktestResponse)
	require.True(t, ok, "got %#v", res)
	assert.True(t, resp.Success)
	assert.Equal(t, "AAA", resp.Symbol)
	assert.Equal(t, 50000.0, resp.InitialCapital)
	assert.NotEmpty(t, resp.EquityCurve)

	f, ok := r.Run(context.Background(), Backtest, []byte(`{"symbol":"ZZZ"}`)).(Failure)
	require.True(t, ok)
	assert.Contains(t, f.Error, "ZZZ")
}

func TestRunner_BuildThenQuery(t *testing.T) {
	r := newTestRunner(t)
	var progress bytes.Buffer

	res := r.Run(context.Background(), Build, []byte(`{
		"symbols": ["aaa", "BBB", "MISSING"],
		"start": "2020-01-01",
		"end": "2020-12-31",
		"window": 20,
		"stride": 5,
		"epochs": 1,
		"batch_size": 8,
		"learning_rate": 0.01,
		"max_hold": 5
	}`), events.NewJSONLinesPublisher(&progress))

	built, ok := res.(BuildResponse)
	require.True(t, ok, "got %#v", res)
	assert.True(t, built.Success)
	assert.Equal(t, 2, built.SymbolsCount)
	assert.Equal(t, []string{"MISSING"}, built.SkippedSymbols)
	assert.Equal(t, 8, built.IndexDim)

	lines := strings.Split(strings.TrimSpace(progress.String()), "\n")
	require.NotEmpty(t, lines)
	var last events.Progress
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, events.StepDone, last.Step)
	assert.Equal(t, 100, last.Percent)
	assert.Contains(t, lines[0], `"type":"progress"`)

	status := asMap(t, r.Run(context.Background(), Status, nil))
	assert.Equal(t, true, status["index_ready"])
	assert.EqualValues(t, built.VectorsCount, status["n_records"])
	assert.Equal(t, built.Generation, status["generation"])

	search, ok := r.Run(context.Background(), Search, []byte(`{"symbol":"AAA","date":"2020-05-30","top_k":4}`)).(SearchResponse)
	require.True(t, ok)
	assert.Equal(t, built.Generation, search.Generation)
	assert.NotEmpty(t, search.Matches)
	assert.LessOrEqual(t, len(search.Matches), 4)

	predict, ok := r.Run(context.Background(), Predict, []byte(`{"symbol":"BBB","date":"2020-05-30"}`)).(PredictResponse)
	require.True(t, ok)
	assert.True(t, predict.Success)

	analyze, ok := r.Run(context.Background(), Analyze, []byte(`{"symbol":"AAA","date":"2020-06-09"}`)).(AnalyzeResponse)
	require.True(t, ok)
	require.NotNil(t, analyze.Scorecard)
	assert.Equal(t, "AAA", analyze.Scorecard.Symbol)
}
