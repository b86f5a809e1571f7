/**
 * @description
 * Cron scheduler setup for the billing jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions the scheduler runs the jobs on.
type Schedules struct {
	RetrySchedule     string
	DunningSchedule   string
	OverdueSchedule   string
	ReconcileSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedules.RetrySchedule, s.jobs.RunDueRetries); err != nil {
		s.logger.Error("failed to schedule retry job", "error", err)
	} else {
		s.logger.Info("scheduled retry job", "schedule", s.schedules.RetrySchedule)
	}

	if _, err := s.cron.AddFunc(s.schedules.DunningSchedule, s.jobs.RunDunningEscalation); err != nil {
		s.logger.Error("failed to schedule dunning job", "error", err)
	} else {
		s.logger.Info("scheduled dunning job", "schedule", s.schedules.DunningSchedule)
	}

	if _, err := s.cron.AddFunc(s.schedules.OverdueSchedule, s.jobs.RunOverdueMarking); err != nil {
		s.logger.Error("failed to schedule overdue job", "error", err)
	} else {
		s.logger.Info("scheduled overdue job", "schedule", s.schedules.OverdueSchedule)
	}

	if _, err := s.cron.AddFunc(s.schedules.ReconcileSchedule, s.jobs.RunReconciliation); err != nil {
		s.logger.Error("failed to schedule reconciliation job", "error", err)
	} else {
		s.logger.Info("scheduled reconciliation job", "schedule", s.schedules.ReconcileSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
