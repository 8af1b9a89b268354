package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// jobTimeout bounds a single run of a periodic job.
const jobTimeout = 10 * time.Minute

// startJobs schedules the periodic jobs. Callers hold stateMu.
func (s *Service) startJobs() error {
	if s.scheduler != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := c.AddFunc(s.config.CleanupSchedule, func() { s.runCleanupJob(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule channel cleanup %q: %w", s.config.CleanupSchedule, err)
	}
	if s.config.Sessions != nil {
		if _, err := c.AddFunc(s.config.SessionCleanupSchedule, func() { s.runSessionCleanupJob(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("schedule session cleanup %q: %w", s.config.SessionCleanupSchedule, err)
		}
	}

	c.Start()
	go s.config.Connections.Run(ctx)

	s.scheduler = c
	s.jobsCancel = cancel
	return nil
}

// stopJobs cancels running jobs and waits for them up to ctx. Callers hold stateMu.
func (s *Service) stopJobs(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	s.jobsCancel()
	select {
	case <-s.scheduler.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("periodic jobs still running at shutdown")
	}
	s.scheduler = nil
	s.jobsCancel = nil
}

func (s *Service) runCleanupJob(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	if _, err := s.CleanupDisabledChannels(ctx); err != nil {
		s.logger.Error("channel cleanup failed", "error", err)
	}
}

func (s *Service) runSessionCleanupJob(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	removed, err := s.config.Sessions.CleanupOldSessions(ctx, s.config.SessionCleanupDays)
	if err != nil {
		s.logger.Error("session cleanup failed", "error", err)
	}
	if removed > 0 {
		s.metrics.SessionsCleaned.Add(float64(removed))
		s.logger.Info("removed inactive sessions", "count", removed, "days_inactive", s.config.SessionCleanupDays)
	}
}
