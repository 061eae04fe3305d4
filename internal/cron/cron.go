// Package cron runs periodic maintenance jobs inside "stackup serve".
// Only the "@every <duration>" schedule form is supported.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a named function run on a schedule. With Singleton set (the
// default), a tick is skipped while the previous run is still active.
type Job struct {
	Name      string
	Schedule  string
	Run       func(ctx context.Context) error
	Singleton bool

	running atomic.Bool
	runs    atomic.Int64
}

// Runs returns how many times the job has been started.
func (j *Job) Runs() int64 { return j.runs.Load() }

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// Validate checks a schedule expression without registering a job.
func Validate(expr string) error {
	_, err := parseEvery(expr)
	return err
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no function", j.Name)
	}
	if _, err := parseEvery(j.Schedule); err != nil {
		return fmt.Errorf("cron job %s: %w", j.Name, err)
	}
	return nil
}

// Scheduler runs jobs until Stop or until the context given to Start ends.
type Scheduler struct {
	logger *slog.Logger
	jobs   []*Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers job. Singleton defaults to true.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("duplicate cron job %q", job.Name)
		}
	}
	if !job.Singleton {
		job.Singleton = true
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		d, _ := parseEvery(j.Schedule)
		s.wg.Add(1)
		go s.runJob(ctx, j, d)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job, period time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if j.Singleton {
				if !j.running.CompareAndSwap(false, true) {
					s.logger.Debug("cron tick skipped; previous run active", slog.String("job", j.Name))
					continue
				}
			} else {
				j.running.Store(true)
			}
			s.wg.Add(1)
			go func(j *Job) {
				defer s.wg.Done()
				defer j.running.Store(false)
				j.runs.Add(1)
				if err := j.Run(ctx); err != nil {
					s.logger.Warn("cron job failed", slog.String("job", j.Name), slog.Any("error", err))
				}
			}(j)
		}
	}
}

// Stop cancels all jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}
