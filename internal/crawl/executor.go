package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/dealradar/internal/store"
	"go.uber.org/zap"
)

// ExecutorConfig tunes an Executor.
type ExecutorConfig struct {
	// MaxConcurrent caps jobs in the running state across the database.
	MaxConcurrent    int
	DispatchInterval time.Duration
	// StaleAfter is how long a job may stay queued or running before the
	// reaper fails it. Zero disables reaping.
	StaleAfter time.Duration
}

// Executor claims queued crawl jobs and runs their workflows.
type Executor struct {
	store    store.Store
	workflow *Workflow
	cfg      ExecutorConfig
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup
}

// NewExecutor creates an executor.
func NewExecutor(s store.Store, wf *Workflow, cfg ExecutorConfig, log *zap.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Second
	}
	return &Executor{
		store:    s,
		workflow: wf,
		cfg:      cfg,
		log:      log.With(zap.String("component", "executor")),
		now:      time.Now,
		base:     context.Background(),
	}
}

// Run resumes interrupted jobs, then dispatches queued jobs every
// DispatchInterval until ctx is cancelled. It waits for started workflows
// before returning.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	e.base = ctx
	e.mu.Unlock()

	e.log.Info("starting", zap.Int("max_concurrent", e.cfg.MaxConcurrent), zap.Duration("interval", e.cfg.DispatchInterval))

	if _, err := e.Resume(ctx); err != nil {
		e.log.Error("resume failed", zap.Error(err))
	}

	ticker := time.NewTicker(e.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		if _, err := e.Dispatch(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("dispatch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			e.Wait()
			e.log.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until every workflow started by this executor has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) baseContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.base
}

// Dispatch claims as many queued jobs as free running slots allow and starts
// their workflows. It returns the number started.
func (e *Executor) Dispatch(ctx context.Context) (int, error) {
	var claimed []store.CrawlJob
	err := e.store.WithTx(ctx, func(q store.Querier) error {
		running, err := q.CountJobs(ctx, store.JobRunning)
		if err != nil {
			return err
		}
		claimed, err = q.ClaimQueuedJobs(ctx, e.cfg.MaxConcurrent-running, e.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("claim crawl jobs: %w", err)
	}

	for _, job := range claimed {
		e.start(job)
	}
	if len(claimed) > 0 {
		e.log.Debug("dispatched crawl jobs", zap.Int("count", len(claimed)))
	}
	return len(claimed), nil
}

// Resume restarts jobs left running by a previous process.
func (e *Executor) Resume(ctx context.Context) (int, error) {
	jobs, err := e.store.ListJobs(ctx, store.JobListOpts{Status: store.JobRunning, Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("list running crawl jobs: %w", err)
	}
	for _, job := range jobs {
		e.log.Info("resuming crawl job", zap.String("job_id", job.ID), zap.String("store_id", job.StoreID))
		e.start(job)
	}
	return len(jobs), nil
}

// ReapStale fails jobs that have been queued or running longer than
// StaleAfter and releases their stores.
func (e *Executor) ReapStale(ctx context.Context) (int, error) {
	if e.cfg.StaleAfter <= 0 {
		return 0, nil
	}

	now := e.now()
	var reaped []store.CrawlJob
	err := e.store.WithTx(ctx, func(q store.Querier) error {
		jobs, err := q.UnfinishedJobsBefore(ctx, now.Add(-e.cfg.StaleAfter))
		if err != nil {
			return err
		}
		for i := range jobs {
			j := &jobs[i]
			details := fmt.Sprintf("stale: %s since %s", j.Status, j.EnqueuedAt.UTC().Format(time.RFC3339))
			j.Status = store.JobFailed
			j.FinishedAt = store.AtPtr(now)
			j.ErrorDetails = &details
			if err := q.UpdateJob(ctx, j); err != nil {
				return err
			}
			if err := q.SetCrawling(ctx, j.StoreID, false); err != nil {
				return err
			}
		}
		reaped = jobs
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reap stale crawl jobs: %w", err)
	}

	for _, j := range reaped {
		e.log.Warn("reaped stale crawl job",
			zap.String("job_id", j.ID),
			zap.String("store_id", j.StoreID),
			zap.Int("attempt", j.Attempt),
		)
	}
	return len(reaped), nil
}

// BeginManualCrawl marks the store busy, records a running job and starts
// its workflow immediately, bypassing rate and concurrency limits.
func (e *Executor) BeginManualCrawl(ctx context.Context, storeID string) (*store.CrawlJob, error) {
	var job *store.CrawlJob
	err := e.store.WithTx(ctx, func(q store.Querier) error {
		shop, err := q.GetShop(ctx, storeID)
		if err != nil {
			return err
		}
		if shop.IsCrawling {
			return &CrawlInProgressError{StoreID: storeID}
		}
		if err := q.SetCrawling(ctx, storeID, true); err != nil {
			return err
		}

		now := e.now()
		job = &store.CrawlJob{
			StoreID:    storeID,
			EnqueuedAt: store.At(now),
			StartedAt:  store.AtPtr(now),
			Status:     store.JobRunning,
			Attempt:    1,
			Trigger:    store.TriggerManual,
		}
		return q.InsertJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("manual crawl started", zap.String("job_id", job.ID), zap.String("store_id", storeID))
	e.start(*job)
	return job, nil
}

func (e *Executor) start(job store.CrawlJob) {
	ctx := e.baseContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		shop, err := e.store.GetShop(ctx, job.StoreID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				e.log.Error("load store for crawl job", zap.String("job_id", job.ID), zap.Error(err))
			}
			return
		}
		// Failures are recorded on the job by the workflow.
		_ = e.workflow.Run(ctx, &job, shop)
	}()
}
