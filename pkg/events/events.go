// Package events carries build progress to observers: the log, a JSON-lines
// stream, NATS JetStream and Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Build steps
const (
	StepStart    = "start"
	StepDownload = "download"
	StepRender   = "render"
	StepTrain    = "train"
	StepIndex    = "index"
	StepCommit   = "commit"
	StepDone     = "done"
	StepFailed   = "failed"
)

// Progress is one build progress notification.
type Progress struct {
	RunID   string    `json:"run_id"`
	Step    string    `json:"step"`
	Percent int       `json:"percent"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Encode serializes a message to JSON bytes
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Publisher delivers progress notifications somewhere.
type Publisher interface {
	Publish(ctx context.Context, p Progress) error
}

// Reporter fans progress out to every publisher. Publisher failures are
// logged and never fail the build.
type Reporter struct {
	publishers []Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// NewReporter creates a reporter over the given publishers.
func NewReporter(logger *zap.Logger, publishers ...Publisher) *Reporter {
	return &Reporter{publishers: publishers, logger: logger, now: time.Now}
}

// Report stamps p and hands it to each publisher in order.
func (r *Reporter) Report(ctx context.Context, p Progress) {
	if r == nil {
		return
	}
	if p.Time.IsZero() {
		p.Time = r.now().UTC()
	}
	for _, pub := range r.publishers {
		if err := pub.Publish(ctx, p); err != nil {
			r.logger.Warn("Failed to publish progress",
				zap.String("run_id", p.RunID),
				zap.String("step", p.Step),
				zap.Error(err))
		}
	}
}

// LogPublisher writes progress to a zap logger.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that logs at info level.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the notification.
func (l *LogPublisher) Publish(_ context.Context, p Progress) error {
	l.logger.Info("Build progress",
		zap.String("run_id", p.RunID),
		zap.String("step", p.Step),
		zap.Int("percent", p.Percent),
		zap.String("message", p.Message))
	return nil
}

// JSONLinesPublisher writes one JSON object per line.
type JSONLinesPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLinesPublisher creates a publisher over w.
func NewJSONLinesPublisher(w io.Writer) *JSONLinesPublisher {
	return &JSONLinesPublisher{w: w}
}

// Publish writes p as a progress line.
func (j *JSONLinesPublisher) Publish(_ context.Context, p Progress) error {
	line := struct {
		Type string `json:"type"`
		Progress
	}{Type: "progress", Progress: p}
	data, err := Encode(line)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.w.Write(append(data, '\n'))
	return err
}

// FuncPublisher adapts a function to Publisher.
type FuncPublisher func(ctx context.Context, p Progress) error

// Publish calls f.
func (f FuncPublisher) Publish(ctx context.Context, p Progress) error {
	return f(ctx, p)
}

// Closer is implemented by publishers holding connections.
type Closer interface {
	Close() error
}

// CloseAll closes every publisher that holds a connection.
func CloseAll(publishers ...Publisher) error {
	var errs []error
	for _, p := range publishers {
		if c, ok := p.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
