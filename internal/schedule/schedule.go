// Package schedule runs the periodic sweeps.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"go.uber.org/zap"
)

const defaultLeaseTTL = 10 * time.Minute

// Schedule computes the next run strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Every fires on multiples of Interval since the Unix epoch, so an hourly schedule fires at the
// top of each hour.
type Every struct {
	Interval time.Duration
}

func (every Every) Next(after time.Time) time.Time {
	next := after.Truncate(every.Interval).Add(every.Interval)
	if !next.After(after) {
		next = next.Add(every.Interval)
	}
	return next
}

// DailyAt fires once a day at Clock in Location.
type DailyAt struct {
	Clock    booking.ClockTime
	Location *time.Location
}

func (daily DailyAt) Next(after time.Time) time.Time {
	location := daily.Location
	if location == nil {
		location = time.UTC
	}
	local := after.In(location)
	candidate := daily.Clock.On(local)
	for !candidate.After(after) {
		local = local.AddDate(0, 0, 1)
		candidate = daily.Clock.On(local)
	}
	return candidate
}

// Job is one named periodic task.
type Job struct {
	Name     string
	Schedule Schedule
	LeaseTTL time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives jobs on their schedules. Each run first takes the job's lease so that only one
// replica executes it.
type Runner struct {
	jobs    []Job
	lease   Lease
	logger  *zap.Logger
	nowFn   func() time.Time
	afterFn func(wait time.Duration) <-chan time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLease replaces the in-process lease.
func WithLease(lease Lease) RunnerOption {
	return func(runner *Runner) {
		if lease != nil {
			runner.lease = lease
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(runner *Runner) {
		if logger != nil {
			runner.logger = logger
		}
	}
}

// NewRunner validates jobs and returns a Runner.
func NewRunner(jobs []Job, options ...RunnerOption) (*Runner, error) {
	for _, job := range jobs {
		if job.Name == "" || job.Schedule == nil || job.Run == nil {
			return nil, errors.New("schedule: job needs a name, a schedule and a run function")
		}
	}
	runner := &Runner{
		jobs:    jobs,
		lease:   NewLocalLease(),
		logger:  zap.NewNop(),
		nowFn:   time.Now,
		afterFn: time.After,
	}
	for _, option := range options {
		if option != nil {
			option(runner)
		}
	}
	runner.logger = runner.logger.Named("schedule")
	return runner, nil
}

// Run blocks until ctx is cancelled.
func (runner *Runner) Run(ctx context.Context) {
	var waitGroup sync.WaitGroup
	for _, job := range runner.jobs {
		waitGroup.Add(1)
		go func(job Job) {
			defer waitGroup.Done()
			runner.loop(ctx, job)
		}(job)
	}
	waitGroup.Wait()
}

func (runner *Runner) loop(ctx context.Context, job Job) {
	runner.logger.Info("job scheduled", zap.String("job", job.Name))
	for {
		now := runner.nowFn()
		next := job.Schedule.Next(now)
		select {
		case <-ctx.Done():
			runner.logger.Info("job stopped", zap.String("job", job.Name))
			return
		case <-runner.afterFn(next.Sub(now)):
			_, _ = runner.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes job immediately if its lease can be taken. It reports whether the job ran.
func (runner *Runner) RunOnce(ctx context.Context, job Job) (bool, error) {
	ttl := job.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	release, acquired, err := runner.lease.Acquire(ctx, job.Name, ttl)
	if err != nil {
		runner.logger.Warn("lease unavailable", zap.String("job", job.Name), zap.Error(err))
		return false, err
	}
	if !acquired {
		runner.logger.Debug("lease held elsewhere", zap.String("job", job.Name))
		return false, nil
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			runner.logger.Warn("lease release failed", zap.String("job", job.Name), zap.Error(releaseErr))
		}
	}()

	startedAt := runner.nowFn()
	err = job.Run(ctx)
	if err != nil {
		runner.logger.Error("job failed", zap.String("job", job.Name), zap.Duration("elapsed", runner.nowFn().Sub(startedAt)), zap.Error(err))
		return true, err
	}
	runner.logger.Debug("job completed", zap.String("job", job.Name), zap.Duration("elapsed", runner.nowFn().Sub(startedAt)))
	return true, nil
}
