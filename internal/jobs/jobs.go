// Package jobs registers the periodic settlement work on a gocron scheduler.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/congo-pay/giftlock/internal/release"
	"github.com/congo-pay/giftlock/internal/settlement"
)

// Job names.
const (
	JobLockPending     = "lock-pending"
	JobCheckAndRelease = "check-and-release"
	JobSweepExpired    = "sweep-expired"
	JobPoolTopUp       = "pool-top-up"
)

// Settler locks received gifts in batches.
type Settler interface {
	LockPending(ctx context.Context) (settlement.BatchResult, error)
}

// Releaser releases matured escrow and sweeps stale gifts.
type Releaser interface {
	CheckAndRelease(ctx context.Context) (int, error)
	SweepExpired(ctx context.Context) (release.SweepResult, error)
}

// Pool keeps enough free wallets around.
type Pool interface {
	EnsureCapacity(ctx context.Context, min, batch int) (int, error)
}

// Schedule sets the job intervals. A zero interval disables the job.
type Schedule struct {
	LockInterval    time.Duration
	ReleaseInterval time.Duration
	SweepInterval   time.Duration
	PoolInterval    time.Duration
	PoolMin         int
	PoolBatch       int
	// Timeout bounds a single run of any job.
	Timeout time.Duration
}

// DefaultSchedule locks hourly, checks upkeep every five minutes and sweeps daily.
var DefaultSchedule = Schedule{
	LockInterval:    time.Hour,
	ReleaseInterval: 5 * time.Minute,
	SweepInterval:   24 * time.Hour,
	PoolInterval:    10 * time.Minute,
	PoolMin:         20,
	PoolBatch:       10,
	Timeout:         2 * time.Minute,
}

// Runner owns the scheduler and the context handed to every job run.
type Runner struct {
	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	names  []string
}

// New registers the jobs. Runs of the same job never overlap.
func New(settler Settler, releaser Releaser, pool Pool, schedule Schedule, logger *slog.Logger) (*Runner, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if schedule.Timeout <= 0 {
		schedule.Timeout = DefaultSchedule.Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{sched: sched, ctx: ctx, cancel: cancel, logger: logger.With("component", "jobs")}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context) error
	}{
		{JobLockPending, schedule.LockInterval, func(ctx context.Context) error {
			res, err := settler.LockPending(ctx)
			if len(res.Locked) > 0 || len(res.AlreadyLocked) > 0 {
				r.logger.Info("pending gifts locked", "locked", len(res.Locked), "already_locked", len(res.AlreadyLocked), "skipped", len(res.Skipped))
			}
			return err
		}},
		{JobCheckAndRelease, schedule.ReleaseInterval, func(ctx context.Context) error {
			_, err := releaser.CheckAndRelease(ctx)
			return err
		}},
		{JobSweepExpired, schedule.SweepInterval, func(ctx context.Context) error {
			_, err := releaser.SweepExpired(ctx)
			return err
		}},
		{JobPoolTopUp, schedule.PoolInterval, func(ctx context.Context) error {
			created, err := pool.EnsureCapacity(ctx, schedule.PoolMin, schedule.PoolBatch)
			if created > 0 {
				r.logger.Info("wallet pool topped up", "created", created)
			}
			return err
		}},
	}

	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		j := j
		_, err := sched.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() { r.run(j.name, schedule.Timeout, j.run) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = sched.Shutdown()
			return nil, fmt.Errorf("register %s: %w", j.name, err)
		}
		r.names = append(r.names, j.name)
	}
	return r, nil
}

func (r *Runner) run(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		r.logger.Error("job failed", "job", name, "duration", time.Since(start), "error", err)
		return
	}
	r.logger.Debug("job finished", "job", name, "duration", time.Since(start))
}

// Names lists the registered jobs.
func (r *Runner) Names() []string { return append([]string(nil), r.names...) }

// Start begins scheduling.
func (r *Runner) Start() { r.sched.Start() }

// Shutdown cancels running jobs and waits for them to return.
func (r *Runner) Shutdown() error {
	r.cancel()
	return r.sched.Shutdown()
}
