// Package scheduler runs the server-side settlement sweeps on a cron schedule.
// Each tick takes a distributed lock so only one instance sweeps at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/metrics"
)

// Job is one unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Params struct {
	Schedule string
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Logger   zerolog.Logger
	Jobs     []Job
}

type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	expr     string
	lock     Lock
	metrics  *metrics.CronJobMetrics
	log      zerolog.Logger
	jobs     []Job
	now      func() time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Lock == nil {
		return nil, errors.New("lock required")
	}
	if p.Schedule == "" {
		p.Schedule = "@every 30s"
	}
	schedule, err := cron.ParseStandard(p.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", p.Schedule, err)
	}
	log := p.Logger.With().Str("component", "scheduler").Logger()
	s := &Scheduler{
		schedule: schedule,
		expr:     p.Schedule,
		lock:     p.Lock,
		metrics:  p.Metrics,
		log:      log,
		now:      time.Now,
	}
	for _, job := range p.Jobs {
		if job != nil {
			s.jobs = append(s.jobs, job)
		}
	}

	clog := cronLogger{log: log}
	s.cron = cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	return s, nil
}

// Run schedules the sweep and blocks until ctx is cancelled, then waits for a
// running cycle to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error().Err(err).Msg("sweep cycle failed")
		}
	}))
	s.cron.Start()
	s.log.Info().Str("schedule", s.expr).Int("jobs", len(s.jobs)).Msg("scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

// RunOnce runs every job once under the lock. A held lock skips the cycle.
// Job failures are logged and counted; they do not stop later jobs.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.log.Debug().Msg("another instance is sweeping; skipping this cycle")
		return nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Error().Err(err).Msg("release sweep lock")
		}
	}()

	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.runJob(ctx, job)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	log := s.log.With().Str("job", job.Name()).Logger()
	start := s.now()
	err := job.Run(log.WithContext(ctx))
	duration := s.now().Sub(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	if err != nil {
		log.Error().Err(err).Dur("duration", duration).Msg("job failed")
		s.metrics.IncFailure(job.Name())
		return
	}
	log.Debug().Dur("duration", duration).Msg("job completed")
	s.metrics.IncSuccess(job.Name())
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
