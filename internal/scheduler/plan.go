package scheduler

import (
	"time"

	"github.com/elonfeng/dealradar/internal/store"
)

// Limits are the admission-control constants. The cap on concurrently
// running jobs is enforced where jobs start, by the crawl executor.
type Limits struct {
	CrawlInterval    time.Duration
	Cooldown         time.Duration
	MaxJobsPerMinute int
	RetryBackoff     []time.Duration
	MaxAttempts      int
	RateWindow       time.Duration
}

// DefaultLimits returns the production constants.
func DefaultLimits() Limits {
	return Limits{
		CrawlInterval:    6 * time.Hour,
		Cooldown:         3 * time.Minute,
		MaxJobsPerMinute: 10,
		RetryBackoff:     []time.Duration{60 * time.Second, 240 * time.Second, 600 * time.Second},
		MaxAttempts:      3,
		RateWindow:       time.Minute,
	}
}

// backoff returns the wait after a failure at attempt. Attempts past the end
// of the table reuse its last entry.
func (l Limits) backoff(attempt int) time.Duration {
	if len(l.RetryBackoff) == 0 {
		return 0
	}
	idx := min(max(attempt-1, 0), len(l.RetryBackoff)-1)
	return l.RetryBackoff[idx]
}

// retryReady reports whether a failed job may be followed by another attempt.
func (l Limits) retryReady(failed store.CrawlJob, now time.Time) bool {
	if failed.Attempt >= l.MaxAttempts {
		return false
	}
	return now.Sub(failed.LastActivity()) >= l.backoff(failed.Attempt)
}

// Snapshot is the state a tick decides over.
type Snapshot struct {
	Shops []store.Shop
	// RecentJobs are jobs enqueued within the rate window, oldest first.
	RecentJobs []store.CrawlJob
	// FailedJobs are all failed jobs, oldest first.
	FailedJobs []store.CrawlJob
}

// Admission is a decision to enqueue a crawl.
type Admission struct {
	StoreID string
	Attempt int
	Trigger store.Trigger
}

// rateBudget counts jobs against the per-window cap.
type rateBudget struct {
	used int
	max  int
}

func (b rateBudget) exhausted() bool { return b.used >= b.max }

func (b rateBudget) take() rateBudget {
	b.used++
	return b
}

// Plan decides which stores to enqueue. Stores are considered in snapshot
// order; the rate budget is threaded through the loop so later stores see
// the admissions of earlier ones.
func Plan(snap Snapshot, now time.Time, limits Limits) []Admission {
	windowStart := now.Add(-limits.RateWindow)

	budget := rateBudget{max: limits.MaxJobsPerMinute}
	latestActive := make(map[string]store.CrawlJob)
	for _, j := range snap.RecentJobs {
		if j.EnqueuedAt.Before(windowStart) {
			continue
		}
		budget.used++
		if j.Status.Active() {
			latestActive[j.StoreID] = j
		}
	}

	failedByStore := make(map[string][]store.CrawlJob)
	for _, j := range snap.FailedJobs {
		failedByStore[j.StoreID] = append(failedByStore[j.StoreID], j)
	}

	var admissions []Admission
	for _, shop := range snap.Shops {
		if budget.exhausted() {
			break
		}

		active, hasActive := latestActive[shop.ID]
		attempt, ok := eligible(shop, active, hasActive, failedByStore[shop.ID], now, limits)
		if !ok {
			continue
		}

		trigger := store.TriggerSchedule
		if attempt > 1 {
			trigger = store.TriggerRetry
		}
		admissions = append(admissions, Admission{StoreID: shop.ID, Attempt: attempt, Trigger: trigger})
		budget = budget.take()
	}
	return admissions
}

func eligible(shop store.Shop, active store.CrawlJob, hasActive bool, failed []store.CrawlJob, now time.Time, limits Limits) (int, bool) {
	if shop.IsCrawling {
		return 0, false
	}
	if shop.LastCrawlAt != nil && !shop.LastCrawlAt.IsZero() && now.Sub(shop.LastCrawlAt.Time) < limits.CrawlInterval {
		return 0, false
	}
	if hasActive {
		if active.Status == store.JobRunning {
			return 0, false
		}
		if active.Status == store.JobQueued && now.Sub(active.EnqueuedAt.Time) < limits.Cooldown {
			return 0, false
		}
	}

	last, ok := latestFailure(failed, shop.LastCrawlAt)
	if !ok {
		return 1, true
	}
	if !limits.retryReady(last, now) {
		return 0, false
	}
	return last.Attempt + 1, true
}

// latestFailure returns the highest-attempt failed job since the store's last
// successful crawl. A success resets the retry chain, so a store that failed
// MaxAttempts times and later recovered is crawled again on schedule instead
// of being skipped forever.
func latestFailure(failed []store.CrawlJob, lastSuccess *store.Millis) (store.CrawlJob, bool) {
	var best store.CrawlJob
	found := false
	for _, j := range failed {
		if lastSuccess != nil && !lastSuccess.IsZero() && !j.EnqueuedAt.After(lastSuccess.Time) {
			continue
		}
		if !found || j.Attempt >= best.Attempt {
			best = j
			found = true
		}
	}
	return best, found
}
