package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is a periodic task run by Runner.
type JobFunc func(ctx context.Context) error

type runnerJob struct {
	name string
	spec string
	fn   JobFunc
}

// Runner invokes periodic tasks on cron schedules.
type Runner struct {
	cron *cron.Cron
	log  *zap.Logger
	jobs []runnerJob

	mu  sync.Mutex
	ctx context.Context
}

// NewRunner creates a runner. Schedules accept five-field cron expressions
// and descriptors such as "@every 1m".
func NewRunner(log *zap.Logger) *Runner {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{log: log.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
		ctx: context.Background(),
	}
}

// Add registers fn under a cron schedule.
func (r *Runner) Add(name, spec string, fn JobFunc) error {
	_, err := r.cron.AddFunc(spec, func() { r.invoke(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	r.jobs = append(r.jobs, runnerJob{name: name, spec: spec, fn: fn})
	return nil
}

func (r *Runner) invoke(name string, fn JobFunc) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
	}
}

// Run invokes every job once, then on schedule. Blocks until ctx is cancelled
// and running jobs have returned.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	for _, j := range r.jobs {
		r.log.Info("scheduler: initial run", zap.String("job", j.name), zap.String("schedule", j.spec))
		r.invoke(j.name, j.fn)
	}

	r.cron.Start()
	<-ctx.Done()

	stopped := r.cron.Stop()
	<-stopped.Done()
	r.log.Info("scheduler: stopped")
	return ctx.Err()
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
