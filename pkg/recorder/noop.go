package recorder

import "context"

// NoopRecorder is a no-op implementation used when the journal is disabled.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordBuild(context.Context, *BuildRun) error         { return nil }
func (n *NoopRecorder) RecordBacktest(context.Context, *BacktestRun) error   { return nil }
func (n *NoopRecorder) RecordScorecard(context.Context, *ScorecardRun) error { return nil }
func (n *NoopRecorder) RecentBuilds(context.Context, int) ([]BuildRun, error) {
	return nil, nil
}
func (n *NoopRecorder) Close() error { return nil }
