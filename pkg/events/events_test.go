package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestReporter_FansOutAndSurvivesFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	var got []Progress
	failing := FuncPublisher(func(context.Context, Progress) error { return errors.New("broker down") })
	recording := FuncPublisher(func(_ context.Context, p Progress) error {
		got = append(got, p)
		return nil
	})

	r := NewReporter(zap.New(core), failing, recording)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Report(context.Background(), Progress{RunID: "r1", Step: StepTrain, Percent: 40, Message: "epoch 1/5"})

	require.Len(t, got, 1)
	assert.Equal(t, fixed, got[0].Time)
	assert.Equal(t, 40, got[0].Percent)
	assert.Equal(t, 1, logs.FilterMessage("Failed to publish progress").Len())
}

func TestReporter_NilIsNoop(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() { r.Report(context.Background(), Progress{Step: StepDone}) })
}

func TestJSONLinesPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := NewJSONLinesPublisher(&buf)
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, Progress{RunID: "r1", Step: StepDownload, Percent: 5, Message: "AAPL"}))
	require.NoError(t, pub.Publish(ctx, Progress{RunID: "r1", Step: StepRender, Percent: 25}))

	sc := bufio.NewScanner(&buf)
	var lines []map[string]interface{}
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "progress", lines[0]["type"])
	assert.Equal(t, "download", lines[0]["step"])
	assert.Equal(t, float64(25), lines[1]["percent"])
}

func TestNATSPublisher_NotConnected(t *testing.T) {
	pub := &NATSPublisher{config: NATSConfig{Subject: "visionquant.build.progress"}}
	err := pub.Publish(context.Background(), Progress{RunID: "r", Step: StepStart})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, pub.Close())
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestKafkaPublisher(t *testing.T) {
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 || string(msgs[0].Key) != "run-7" {
			return false
		}
		var p Progress
		return json.Unmarshal(msgs[0].Value, &p) == nil && p.Step == StepCommit
	})).Return(nil).Once()
	w.On("Close").Return(nil)

	pub := &KafkaPublisher{writer: w, topic: "t", logger: zap.NewNop()}
	require.NoError(t, pub.Publish(context.Background(), Progress{RunID: "run-7", Step: StepCommit, Percent: 100}))
	require.NoError(t, CloseAll(pub, NewLogPublisher(zap.NewNop())))
	w.AssertExpectations(t)
}

func TestKafkaPublisher_Error(t *testing.T) {
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("no leader"))

	pub := &KafkaPublisher{writer: w, topic: "t", logger: zap.NewNop()}
	assert.Error(t, pub.Publish(context.Background(), Progress{RunID: "r"}))
}
