package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DealSort selects the ordering of the public deals feed.
type DealSort string

const (
	SortNewest      DealSort = "newest"
	SortBiggestDrop DealSort = "biggestDrop"
	SortPrice       DealSort = "price"
	SortAll         DealSort = "all"
)

// MinFeedDiscount is the percentOff a deal must exceed to appear in the feed.
const MinFeedDiscount = 4.99

// DealListOpts controls deal listing.
type DealListOpts struct {
	StoreID string
	// Sort, when set, applies the public feed ordering and discount filter.
	Sort   DealSort
	Limit  int
	Offset int
}

// JobListOpts controls crawl job listing.
type JobListOpts struct {
	StoreID string
	Status  JobStatus
	Limit   int
}

// Querier is the set of operations available both on the database and
// inside a transaction.
type Querier interface {
	CreateShop(ctx context.Context, s *Shop) error
	GetShop(ctx context.Context, id string) (*Shop, error)
	ListShops(ctx context.Context) ([]Shop, error)
	ListShopStats(ctx context.Context) ([]ShopStats, error)
	DeleteShop(ctx context.Context, id string) error
	SetCrawling(ctx context.Context, id string, crawling bool) error
	FinishCrawl(ctx context.Context, id string, at time.Time) error
	SetRobotsRules(ctx context.Context, id, rules string) error

	InsertJob(ctx context.Context, j *CrawlJob) error
	GetJob(ctx context.Context, id string) (*CrawlJob, error)
	UpdateJob(ctx context.Context, j *CrawlJob) error
	ListJobs(ctx context.Context, opts JobListOpts) ([]CrawlJob, error)
	JobsEnqueuedSince(ctx context.Context, since time.Time) ([]CrawlJob, error)
	FailedJobs(ctx context.Context) ([]CrawlJob, error)
	CountJobs(ctx context.Context, status JobStatus) (int, error)
	ClaimQueuedJobs(ctx context.Context, limit int, now time.Time) ([]CrawlJob, error)
	UnfinishedJobsBefore(ctx context.Context, before time.Time) ([]CrawlJob, error)

	GetDeal(ctx context.Context, id string) (*Deal, error)
	GetDealByKey(ctx context.Context, storeID, dedupKey string) (*Deal, error)
	InsertDeal(ctx context.Context, d *Deal) error
	UpdateDeal(ctx context.Context, d *Deal) error
	ListDeals(ctx context.Context, opts DealListOpts) ([]Deal, error)

	AppendPrice(ctx context.Context, dealID string, price float64, at time.Time) error
	PriceHistory(ctx context.Context, dealID string) ([]PricePoint, error)

	GetStep(ctx context.Context, jobID, step string) (*WorkflowStep, error)
	SaveStep(ctx context.Context, s *WorkflowStep) error
}

// Store is the persistence interface.
type Store interface {
	Querier
	// WithTx runs fn in a transaction, committing when fn returns nil.
	// fn must only use the Querier it is given.
	WithTx(ctx context.Context, fn func(q Querier) error) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	queries
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return Wrap(db), nil
}

// Wrap uses an already opened database without running migrations.
func Wrap(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{queries: queries{ext: db}, db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(queries{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// queries implements Querier over either *sqlx.DB or *sqlx.Tx.
type queries struct {
	ext sqlx.ExtContext
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func requireAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func (q queries) CreateShop(ctx context.Context, s *Shop) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = At(time.Now())
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO stores (id, name, url, last_crawl_at, is_crawling, robots_rules, created_at)
		VALUES (:id, :name, :url, :last_crawl_at, :is_crawling, :robots_rules, :created_at)
	`, s)
	if err != nil {
		return fmt.Errorf("insert store %s: %w", s.Name, err)
	}
	return nil
}

func (q queries) GetShop(ctx context.Context, id string) (*Shop, error) {
	var s Shop
	if err := sqlx.GetContext(ctx, q.ext, &s, "SELECT * FROM stores WHERE id = ?", id); err != nil {
		return nil, notFound(err, "store", id)
	}
	return &s, nil
}

// ListShops returns all stores in insertion order.
func (q queries) ListShops(ctx context.Context) ([]Shop, error) {
	var shops []Shop
	if err := sqlx.SelectContext(ctx, q.ext, &shops, "SELECT * FROM stores ORDER BY created_at, rowid"); err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	return shops, nil
}

func (q queries) ListShopStats(ctx context.Context) ([]ShopStats, error) {
	var stats []ShopStats
	err := sqlx.SelectContext(ctx, q.ext, &stats, `
		SELECT s.*,
			(SELECT COUNT(*) FROM deals d WHERE d.store_id = s.id) AS deal_count,
			j.status AS last_job_status,
			COALESCE(j.finished_at, j.started_at, j.enqueued_at) AS last_job_at
		FROM stores s
		LEFT JOIN crawl_jobs j ON j.id = (
			SELECT id FROM crawl_jobs WHERE store_id = s.id
			ORDER BY enqueued_at DESC, rowid DESC LIMIT 1
		)
		ORDER BY s.created_at, s.rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("list store stats: %w", err)
	}
	return stats, nil
}

func (q queries) DeleteShop(ctx context.Context, id string) error {
	res, err := q.ext.ExecContext(ctx, "DELETE FROM stores WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete store %s: %w", id, err)
	}
	return requireAffected(res, "delete store", id)
}

func (q queries) SetCrawling(ctx context.Context, id string, crawling bool) error {
	res, err := q.ext.ExecContext(ctx, "UPDATE stores SET is_crawling = ? WHERE id = ?", crawling, id)
	if err != nil {
		return fmt.Errorf("set crawling %s: %w", id, err)
	}
	return requireAffected(res, "set crawling", id)
}

// FinishCrawl records a successful crawl and releases the store.
func (q queries) FinishCrawl(ctx context.Context, id string, at time.Time) error {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE stores SET last_crawl_at = ?, is_crawling = 0 WHERE id = ?", At(at), id)
	if err != nil {
		return fmt.Errorf("finish crawl %s: %w", id, err)
	}
	return requireAffected(res, "finish crawl", id)
}

func (q queries) SetRobotsRules(ctx context.Context, id, rules string) error {
	res, err := q.ext.ExecContext(ctx, "UPDATE stores SET robots_rules = ? WHERE id = ?", rules, id)
	if err != nil {
		return fmt.Errorf("set robots rules %s: %w", id, err)
	}
	return requireAffected(res, "set robots rules", id)
}

func (q queries) InsertJob(ctx context.Context, j *CrawlJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Trigger == "" {
		j.Trigger = TriggerSchedule
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO crawl_jobs (id, store_id, enqueued_at, started_at, finished_at, status, attempt,
			result_count, blocked_by_robots, blocked_rule, error_details, trigger)
		VALUES (:id, :store_id, :enqueued_at, :started_at, :finished_at, :status, :attempt,
			:result_count, :blocked_by_robots, :blocked_rule, :error_details, :trigger)
	`, j)
	if err != nil {
		return fmt.Errorf("insert crawl job for store %s: %w", j.StoreID, err)
	}
	return nil
}

func (q queries) GetJob(ctx context.Context, id string) (*CrawlJob, error) {
	var j CrawlJob
	if err := sqlx.GetContext(ctx, q.ext, &j, "SELECT * FROM crawl_jobs WHERE id = ?", id); err != nil {
		return nil, notFound(err, "crawl job", id)
	}
	return &j, nil
}

// UpdateJob writes the mutable lifecycle fields of a job.
func (q queries) UpdateJob(ctx context.Context, j *CrawlJob) error {
	res, err := sqlx.NamedExecContext(ctx, q.ext, `
		UPDATE crawl_jobs SET
			started_at = :started_at,
			finished_at = :finished_at,
			status = :status,
			result_count = :result_count,
			blocked_by_robots = :blocked_by_robots,
			blocked_rule = :blocked_rule,
			error_details = :error_details
		WHERE id = :id
	`, j)
	if err != nil {
		return fmt.Errorf("update crawl job %s: %w", j.ID, err)
	}
	return requireAffected(res, "update crawl job", j.ID)
}

func (q queries) ListJobs(ctx context.Context, opts JobListOpts) ([]CrawlJob, error) {
	query := "SELECT * FROM crawl_jobs WHERE 1=1"
	var args []any

	if opts.StoreID != "" {
		query += " AND store_id = ?"
		args = append(args, opts.StoreID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}

	query += " ORDER BY enqueued_at DESC, rowid DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var jobs []CrawlJob
	if err := sqlx.SelectContext(ctx, q.ext, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list crawl jobs: %w", err)
	}
	return jobs, nil
}

// JobsEnqueuedSince returns jobs with enqueuedAt >= since, oldest first.
func (q queries) JobsEnqueuedSince(ctx context.Context, since time.Time) ([]CrawlJob, error) {
	var jobs []CrawlJob
	err := sqlx.SelectContext(ctx, q.ext, &jobs,
		"SELECT * FROM crawl_jobs WHERE enqueued_at >= ? ORDER BY enqueued_at, rowid", At(since))
	if err != nil {
		return nil, fmt.Errorf("list recent crawl jobs: %w", err)
	}
	return jobs, nil
}

func (q queries) FailedJobs(ctx context.Context) ([]CrawlJob, error) {
	var jobs []CrawlJob
	err := sqlx.SelectContext(ctx, q.ext, &jobs,
		"SELECT * FROM crawl_jobs WHERE status = ? ORDER BY enqueued_at, rowid", JobFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed crawl jobs: %w", err)
	}
	return jobs, nil
}

func (q queries) CountJobs(ctx context.Context, status JobStatus) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q.ext, &n, "SELECT COUNT(*) FROM crawl_jobs WHERE status = ?", status); err != nil {
		return 0, fmt.Errorf("count %s crawl jobs: %w", status, err)
	}
	return n, nil
}

// ClaimQueuedJobs marks up to limit of the oldest queued jobs as running.
func (q queries) ClaimQueuedJobs(ctx context.Context, limit int, now time.Time) ([]CrawlJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []CrawlJob
	err := sqlx.SelectContext(ctx, q.ext, &jobs,
		"SELECT * FROM crawl_jobs WHERE status = ? ORDER BY enqueued_at, rowid LIMIT ?", JobQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("select queued crawl jobs: %w", err)
	}

	for i := range jobs {
		jobs[i].Status = JobRunning
		jobs[i].StartedAt = AtPtr(now)
		if err := q.UpdateJob(ctx, &jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// UnfinishedJobsBefore returns queued or running jobs enqueued before the cutoff.
func (q queries) UnfinishedJobsBefore(ctx context.Context, before time.Time) ([]CrawlJob, error) {
	var jobs []CrawlJob
	err := sqlx.SelectContext(ctx, q.ext, &jobs, `
		SELECT * FROM crawl_jobs
		WHERE status IN (?, ?) AND enqueued_at < ?
		ORDER BY enqueued_at, rowid
	`, JobQueued, JobRunning, At(before))
	if err != nil {
		return nil, fmt.Errorf("list unfinished crawl jobs: %w", err)
	}
	return jobs, nil
}

func (q queries) GetDeal(ctx context.Context, id string) (*Deal, error) {
	var d Deal
	if err := sqlx.GetContext(ctx, q.ext, &d, "SELECT * FROM deals WHERE id = ?", id); err != nil {
		return nil, notFound(err, "deal", id)
	}
	return &d, nil
}

func (q queries) GetDealByKey(ctx context.Context, storeID, dedupKey string) (*Deal, error) {
	var d Deal
	err := sqlx.GetContext(ctx, q.ext, &d,
		"SELECT * FROM deals WHERE dedup_key = ? AND store_id = ?", dedupKey, storeID)
	if err != nil {
		return nil, notFound(err, "deal", dedupKey)
	}
	return &d, nil
}

func (q queries) InsertDeal(ctx context.Context, d *Deal) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO deals (id, store_id, title, url, canonical_url, dedup_key, image, price, currency,
			msrp, percent_off, created_at, updated_at)
		VALUES (:id, :store_id, :title, :url, :canonical_url, :dedup_key, :image, :price, :currency,
			:msrp, :percent_off, :created_at, :updated_at)
	`, d)
	if err != nil {
		return fmt.Errorf("insert deal %s: %w", d.DedupKey, err)
	}
	return nil
}

func (q queries) UpdateDeal(ctx context.Context, d *Deal) error {
	res, err := sqlx.NamedExecContext(ctx, q.ext, `
		UPDATE deals SET
			title = :title,
			url = :url,
			canonical_url = :canonical_url,
			image = :image,
			price = :price,
			currency = :currency,
			msrp = :msrp,
			percent_off = :percent_off,
			updated_at = :updated_at
		WHERE id = :id
	`, d)
	if err != nil {
		return fmt.Errorf("update deal %s: %w", d.ID, err)
	}
	return requireAffected(res, "update deal", d.ID)
}

func (q queries) ListDeals(ctx context.Context, opts DealListOpts) ([]Deal, error) {
	query := "SELECT * FROM deals WHERE 1=1"
	var args []any

	if opts.StoreID != "" {
		query += " AND store_id = ?"
		args = append(args, opts.StoreID)
	}
	if opts.Sort != "" {
		query += " AND percent_off > ?"
		args = append(args, MinFeedDiscount)
	}

	switch opts.Sort {
	case SortBiggestDrop:
		query += " ORDER BY percent_off DESC, rowid DESC"
	case SortPrice:
		query += " ORDER BY price ASC, rowid"
	case SortAll:
		query += " ORDER BY percent_off ASC, rowid"
	case SortNewest, "":
		query += " ORDER BY created_at DESC, rowid DESC"
	default:
		return nil, fmt.Errorf("unknown deal sort %q", opts.Sort)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(opts.Offset, 0))

	var deals []Deal
	if err := sqlx.SelectContext(ctx, q.ext, &deals, query, args...); err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	return deals, nil
}

func (q queries) AppendPrice(ctx context.Context, dealID string, price float64, at time.Time) error {
	_, err := q.ext.ExecContext(ctx,
		"INSERT INTO price_history (id, deal_id, price, at) VALUES (?, ?, ?, ?)",
		uuid.NewString(), dealID, price, At(at))
	if err != nil {
		return fmt.Errorf("append price for deal %s: %w", dealID, err)
	}
	return nil
}

// PriceHistory returns a deal's price points, oldest first.
func (q queries) PriceHistory(ctx context.Context, dealID string) ([]PricePoint, error) {
	var points []PricePoint
	err := sqlx.SelectContext(ctx, q.ext, &points,
		"SELECT * FROM price_history WHERE deal_id = ? ORDER BY at, rowid", dealID)
	if err != nil {
		return nil, fmt.Errorf("price history %s: %w", dealID, err)
	}
	return points, nil
}

func (q queries) GetStep(ctx context.Context, jobID, step string) (*WorkflowStep, error) {
	var s WorkflowStep
	err := sqlx.GetContext(ctx, q.ext, &s,
		"SELECT * FROM workflow_steps WHERE job_id = ? AND step = ?", jobID, step)
	if err != nil {
		return nil, notFound(err, "workflow step", jobID+"/"+step)
	}
	return &s, nil
}

func (q queries) SaveStep(ctx context.Context, s *WorkflowStep) error {
	if s.CompletedAt.IsZero() {
		s.CompletedAt = At(time.Now())
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO workflow_steps (job_id, step, output, completed_at)
		VALUES (:job_id, :step, :output, :completed_at)
		ON CONFLICT(job_id, step) DO UPDATE SET
			output = excluded.output,
			completed_at = excluded.completed_at
	`, s)
	if err != nil {
		return fmt.Errorf("save workflow step %s/%s: %w", s.JobID, s.Step, err)
	}
	return nil
}
