package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/dealradar/internal/store"
	"go.uber.org/zap"
)

// TickResult is the outcome of one crawl tick.
type TickResult struct {
	Processed int `json:"processed"`
}

// RetryResult is the outcome of a retry sweep.
type RetryResult struct {
	RetriedCount int `json:"retriedCount"`
}

// Scheduler decides which stores to crawl and enqueues jobs for them. It
// never runs crawls itself.
type Scheduler struct {
	store  store.Store
	limits Limits
	lock   TickLock
	log    *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a new scheduler.
func New(s store.Store, limits Limits, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:  s,
		limits: limits,
		log:    log,
		now:    time.Now,
	}
}

// SetLock adds a cross-process lock around ticks and retry sweeps.
func (s *Scheduler) SetLock(l TickLock) {
	s.lock = l
}

// Limits returns the admission-control constants in use.
func (s *Scheduler) Limits() Limits {
	return s.limits
}

// serialize runs fn under the in-process mutex and, if configured, the
// distributed lock.
func (s *Scheduler) serialize(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()
	}
	return fn()
}

// Tick runs one admission-control pass in a single transaction.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	err := s.serialize(ctx, func() error {
		now := s.now()
		return s.store.WithTx(ctx, func(q store.Querier) error {
			snap, err := s.loadSnapshot(ctx, q, now)
			if err != nil {
				return err
			}

			for _, a := range Plan(snap, now, s.limits) {
				if err := enqueue(ctx, q, a, now); err != nil {
					return err
				}
				s.log.Debug("enqueued crawl",
					zap.String("store_id", a.StoreID),
					zap.Int("attempt", a.Attempt),
					zap.String("trigger", string(a.Trigger)),
				)
				result.Processed++
			}
			return nil
		})
	})
	if err != nil {
		return TickResult{}, fmt.Errorf("crawl tick: %w", err)
	}

	s.log.Info("crawl tick", zap.Int("processed", result.Processed))
	return result, nil
}

func (s *Scheduler) loadSnapshot(ctx context.Context, q store.Querier, now time.Time) (Snapshot, error) {
	shops, err := q.ListShops(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	recent, err := q.JobsEnqueuedSince(ctx, now.Add(-s.limits.RateWindow))
	if err != nil {
		return Snapshot{}, err
	}
	failed, err := q.FailedJobs(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Shops: shops, RecentJobs: recent, FailedJobs: failed}, nil
}

func enqueue(ctx context.Context, q store.Querier, a Admission, now time.Time) error {
	if err := q.SetCrawling(ctx, a.StoreID, true); err != nil {
		return err
	}
	return q.InsertJob(ctx, &store.CrawlJob{
		StoreID:    a.StoreID,
		EnqueuedAt: store.At(now),
		Status:     store.JobQueued,
		Attempt:    a.Attempt,
		Trigger:    a.Trigger,
	})
}

// RetryFailedJobs enqueues a new attempt for every idle store whose latest
// failure has waited out its backoff. Rate and interval limits do not apply.
func (s *Scheduler) RetryFailedJobs(ctx context.Context) (RetryResult, error) {
	var result RetryResult
	err := s.serialize(ctx, func() error {
		now := s.now()
		return s.store.WithTx(ctx, func(q store.Querier) error {
			shops, err := q.ListShops(ctx)
			if err != nil {
				return err
			}
			failed, err := q.FailedJobs(ctx)
			if err != nil {
				return err
			}

			byStore := make(map[string][]store.CrawlJob)
			for _, j := range failed {
				byStore[j.StoreID] = append(byStore[j.StoreID], j)
			}

			for _, shop := range shops {
				if shop.IsCrawling {
					continue
				}
				last, ok := latestFailure(byStore[shop.ID], shop.LastCrawlAt)
				if !ok || !s.limits.retryReady(last, now) {
					continue
				}

				a := Admission{StoreID: shop.ID, Attempt: last.Attempt + 1, Trigger: store.TriggerRetry}
				if err := enqueue(ctx, q, a, now); err != nil {
					return err
				}
				s.log.Info("retrying failed crawl",
					zap.String("store_id", shop.ID),
					zap.Int("attempt", a.Attempt),
				)
				result.RetriedCount++
			}
			return nil
		})
	})
	if err != nil {
		return RetryResult{}, fmt.Errorf("retry failed jobs: %w", err)
	}
	return result, nil
}
