package store

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Millis is a timestamp persisted as Unix milliseconds. The zero value is
// stored as NULL.
type Millis struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Millis {
	return Millis{Time: t.UTC()}
}

// AtPtr wraps t for optional columns.
func AtPtr(t time.Time) *Millis {
	m := At(t)
	return &m
}

func (m Millis) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	return m.UnixMilli(), nil
}

func (m *Millis) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		m.Time = time.Time{}
	case int64:
		m.Time = time.UnixMilli(v).UTC()
	case float64:
		m.Time = time.UnixMilli(int64(v)).UTC()
	default:
		return fmt.Errorf("scan millis: unsupported type %T", src)
	}
	return nil
}

// Shop is a configured web store. The table is "stores"; the Go name avoids
// colliding with the Store persistence interface.
type Shop struct {
	ID          string  `db:"id" json:"id"`
	Name        string  `db:"name" json:"name"`
	URL         string  `db:"url" json:"url"`
	LastCrawlAt *Millis `db:"last_crawl_at" json:"lastCrawlAt,omitempty"`
	IsCrawling  bool    `db:"is_crawling" json:"isCrawling"`
	RobotsRules *string `db:"robots_rules" json:"robotsRules,omitempty"`
	CreatedAt   Millis  `db:"created_at" json:"createdAt"`
}

// ShopStats is a shop with the numbers shown in the admin listing.
type ShopStats struct {
	Shop
	DealCount     int        `db:"deal_count" json:"dealCount"`
	LastJobStatus *JobStatus `db:"last_job_status" json:"lastJobStatus,omitempty"`
	LastJobAt     *Millis    `db:"last_job_at" json:"lastJobAt,omitempty"`
}

// JobStatus is the lifecycle state of a crawl job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Active reports whether the job still occupies its store.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Trigger records what created a crawl job.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerRetry    Trigger = "retry"
	TriggerManual   Trigger = "manual"
)

// CrawlJob is one entry in the append-only crawl ledger.
type CrawlJob struct {
	ID              string    `db:"id" json:"id"`
	StoreID         string    `db:"store_id" json:"storeId"`
	EnqueuedAt      Millis    `db:"enqueued_at" json:"enqueuedAt"`
	StartedAt       *Millis   `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt      *Millis   `db:"finished_at" json:"finishedAt,omitempty"`
	Status          JobStatus `db:"status" json:"status"`
	Attempt         int       `db:"attempt" json:"attempt"`
	ResultCount     *int      `db:"result_count" json:"resultCount,omitempty"`
	BlockedByRobots *bool     `db:"blocked_by_robots" json:"blockedByRobots,omitempty"`
	BlockedRule     *string   `db:"blocked_rule" json:"blockedRule,omitempty"`
	ErrorDetails    *string   `db:"error_details" json:"errorDetails,omitempty"`
	Trigger         Trigger   `db:"trigger" json:"trigger"`
}

// LastActivity is finishedAt, else startedAt, else enqueuedAt.
func (j CrawlJob) LastActivity() time.Time {
	if j.FinishedAt != nil && !j.FinishedAt.IsZero() {
		return j.FinishedAt.Time
	}
	if j.StartedAt != nil && !j.StartedAt.IsZero() {
		return j.StartedAt.Time
	}
	return j.EnqueuedAt.Time
}

// Deal is a deduplicated product offer.
type Deal struct {
	ID           string   `db:"id" json:"id"`
	StoreID      string   `db:"store_id" json:"storeId"`
	Title        string   `db:"title" json:"title"`
	URL          string   `db:"url" json:"url"`
	CanonicalURL string   `db:"canonical_url" json:"canonicalUrl"`
	DedupKey     string   `db:"dedup_key" json:"dedupKey"`
	Image        *string  `db:"image" json:"image,omitempty"`
	Price        float64  `db:"price" json:"price"`
	Currency     string   `db:"currency" json:"currency"`
	MSRP         *float64 `db:"msrp" json:"msrp,omitempty"`
	PercentOff   int      `db:"percent_off" json:"percentOff"`
	CreatedAt    Millis   `db:"created_at" json:"createdAt"`
	UpdatedAt    Millis   `db:"updated_at" json:"updatedAt"`
}

// PricePoint is one price observation for a deal.
type PricePoint struct {
	ID     string  `db:"id" json:"id"`
	DealID string  `db:"deal_id" json:"dealId"`
	Price  float64 `db:"price" json:"price"`
	At     Millis  `db:"at" json:"at"`
}

// WorkflowStep is a completed step of a crawl workflow run.
type WorkflowStep struct {
	JobID       string `db:"job_id" json:"jobId"`
	Step        string `db:"step" json:"step"`
	Output      string `db:"output" json:"output"`
	CompletedAt Millis `db:"completed_at" json:"completedAt"`
}
