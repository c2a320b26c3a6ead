package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTemp(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "runs.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteRecorder_Builds(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.RecordBuild(ctx, &BuildRun{
		RunID: "a", StartedAt: base, FinishedAt: base.Add(time.Minute),
		Status: "success", SymbolsCount: 3, ImagesCount: 120, VectorsCount: 120, BestLoss: 0.01,
	}))
	require.NoError(t, r.RecordBuild(ctx, &BuildRun{
		RunID: "b", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Second),
		Status: "failed", Error: "insufficient data",
	}))

	runs, err := r.RecentBuilds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].RunID)
	assert.Equal(t, "insufficient data", runs[0].Error)
	assert.Equal(t, 120, runs[1].ImagesCount)
	assert.Equal(t, base, runs[1].StartedAt)

	runs, err = r.RecentBuilds(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteRecorder_BacktestAndScorecard(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()

	require.NoError(t, r.RecordBacktest(ctx, &BacktestRun{Symbol: "AAPL", Start: "2020-01-01", End: "2021-01-01", TotalTrades: 4}))
	require.NoError(t, r.RecordScorecard(ctx, &ScorecardRun{Symbol: "AAPL", Date: "2021-01-04", Total: 7.5, Action: "BUY"}))

	var n int
	require.NoError(t, r.db.QueryRow("SELECT COUNT(*) FROM backtest_runs").Scan(&n))
	assert.Equal(t, 1, n)

	var action string
	require.NoError(t, r.db.QueryRow("SELECT action FROM scorecards WHERE symbol = ?", "AAPL").Scan(&action))
	assert.Equal(t, "BUY", action)
}

func TestSQLiteRecorder_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	r, err := NewSQLiteRecorder(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.RecordBuild(ctx, &BuildRun{RunID: "x", Status: "success"}))
	require.NoError(t, r.Close())

	r, err = NewSQLiteRecorder(path, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()
	runs, err := r.RecentBuilds(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "x", runs[0].RunID)
}

func TestNoopRecorder(t *testing.T) {
	var rec Recorder = NewNoopRecorder()
	ctx := context.Background()
	assert.NoError(t, rec.RecordBuild(ctx, &BuildRun{}))
	runs, err := rec.RecentBuilds(ctx, 3)
	assert.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, rec.Close())
}
