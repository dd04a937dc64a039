package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/stankur/pipeline-processor/internal/logging"
	"github.com/stankur/pipeline-processor/internal/ports"
)

// Scheduler wires the ticker driver with the feed rebuild use case.
type Scheduler struct {
	driver ports.Scheduler
	feeds  *FeedBuilder
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring feed rebuilds.
func NewScheduler(driver ports.Scheduler, feeds *FeedBuilder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{driver: driver, feeds: feeds, logger: logger}
}

// Start registers RebuildAll with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.feeds == nil {
		return nil
	}

	job := func(trigger time.Time) {
		s.logger.Info("scheduled rebuild", "trigger", trigger)
		if err := s.feeds.RebuildAll(ctx); err != nil {
			s.logger.Warn("scheduled rebuild finished with errors", "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
