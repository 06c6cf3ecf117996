// Package scheduler runs the control plane's periodic maintenance tasks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one run of a periodic task.
type Task func(ctx context.Context) error

// Scheduler runs registered tasks on fixed intervals. A task whose previous
// run is still in flight is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register schedules task every interval. Intervals below one second are rejected.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) error {
	if interval < time.Second {
		return fmt.Errorf("register %s: interval %s is below 1s", name, interval)
	}

	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{logger: s.logger})).Then(cron.FuncJob(func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			s.logger.Error("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Debug("scheduled task finished", "task", name, "duration", time.Since(start))
	}))

	s.cron.Schedule(cron.Every(interval), job)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling, cancels the context passed to running tasks and
// waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
