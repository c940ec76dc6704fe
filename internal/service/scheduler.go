package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/scalar/service/internal/dispatch"
	"github.com/scalar/service/internal/logging"
)

// ScheduledTask is a recurring sweep: first run after Due, then every Period.
type ScheduledTask struct {
	Task   dispatch.Task
	Due    time.Duration
	Period time.Duration
}

// DefaultSchedule is the recurring maintenance plan.
var DefaultSchedule = []ScheduledTask{
	{Task: dispatch.TaskConfig, Due: 0, Period: 24 * time.Hour},
	{Task: dispatch.TaskFetch, Due: 15 * time.Minute, Period: 15 * time.Minute},
	{Task: dispatch.TaskLooseObjects, Due: 5 * time.Minute, Period: 6 * time.Hour},
	{Task: dispatch.TaskPackFiles, Due: 30 * time.Minute, Period: 12 * time.Hour},
	{Task: dispatch.TaskCommitGraph, Due: 15 * time.Minute, Period: time.Hour},
}

// scheduler fires each task on its own timer and feeds a single worker, so
// at most one sweep runs at a time. A tick that arrives while the queue is
// full is dropped; the next period catches up.
type scheduler struct {
	tasks  []ScheduledTask
	sweep  func(ctx context.Context, task dispatch.Task)
	queue  chan dispatch.Task
	logger zerolog.Logger
}

func newScheduler(tasks []ScheduledTask, sweep func(context.Context, dispatch.Task), logger zerolog.Logger) *scheduler {
	return &scheduler{
		tasks:  tasks,
		sweep:  sweep,
		queue:  make(chan dispatch.Task, len(tasks)),
		logger: logging.Component(logger, "scheduler"),
	}
}

// run blocks until ctx is done. The sweep in progress, if any, is allowed
// to finish.
func (s *scheduler) run(ctx context.Context) {
	for _, t := range s.tasks {
		go s.tick(ctx, t)
	}
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("maintenance schedule started")

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.queue:
			s.sweep(ctx, task)
		}
	}
}

func (s *scheduler) tick(ctx context.Context, t ScheduledTask) {
	timer := time.NewTimer(t.Due)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		select {
		case s.queue <- t.Task:
		default:
			s.logger.Warn().Str("task", string(t.Task)).Msg("sweep queue full; skipping tick")
		}

		if t.Period <= 0 {
			return
		}
		timer.Reset(t.Period)
	}
}

// runScheduled is the scheduler's sweep callback.
func (s *Service) runScheduled(ctx context.Context, task dispatch.Task) {
	if _, err := s.RunSweep(ctx, task); err != nil {
		s.logger.Debug().Err(err).Str("task", string(task)).Msg("scheduled sweep not run")
	}
}
