package api

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/artifact"
	"github.com/tunogya/visionquant/pkg/command"
)

// Scheduler rebuilds the index from the configured build defaults on a
// cron schedule.
type Scheduler struct {
	ctx    context.Context
	runner *command.Runner
	cron   *cron.Cron
	logger *zap.Logger

	manual sync.WaitGroup
}

// NewScheduler creates a rebuild scheduler. Cancelling ctx aborts a running
// rebuild at its next step.
func NewScheduler(ctx context.Context, runner *command.Runner, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		ctx:    ctx,
		runner: runner,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
}

// Start begins scheduled rebuilds. schedule has a leading seconds field.
func (s *Scheduler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.rebuild); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Rebuild scheduler started", zap.String("schedule", schedule))
	return nil
}

// Stop stops the scheduler and waits for running rebuilds, scheduled or
// triggered by RunNow. Cancel the scheduler's context first to cut them short.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.manual.Wait()
	s.logger.Info("Rebuild scheduler stopped")
}

// RunNow triggers an immediate rebuild in the background.
func (s *Scheduler) RunNow() {
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		s.rebuild()
	}()
}

func (s *Scheduler) rebuild() {
	s.logger.Info("Starting scheduled rebuild")
	res, err := s.runner.Exec(s.ctx, command.Build, nil)
	switch {
	case errors.Is(err, artifact.ErrBuildInProgress):
		s.logger.Warn("Skipping scheduled rebuild, another build is running")
	case errors.Is(err, context.Canceled):
		s.logger.Warn("Scheduled rebuild cancelled")
	case err != nil:
		s.logger.Error("Scheduled rebuild failed", zap.Error(err))
	default:
		if built, ok := res.(command.BuildResponse); ok {
			s.logger.Info("Scheduled rebuild completed",
				zap.String("generation", built.Generation),
				zap.Int("vectors", built.VectorsCount))
		}
	}
}
