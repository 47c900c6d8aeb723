// Package crawl runs crawl jobs: it drives an extraction agent for a store,
// ingests the result and records the outcome on the job and the store.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/elonfeng/dealradar/internal/ingest"
	"github.com/elonfeng/dealradar/internal/store"
	"github.com/elonfeng/dealradar/pkg/agent"
	"github.com/elonfeng/dealradar/pkg/alert"
	"github.com/elonfeng/dealradar/pkg/robots"
	"go.uber.org/zap"
)

// Checkpointed steps of a workflow run.
const (
	StepRobots     = "robots"
	StepStartAgent = "start_agent"
	StepPoll       = "poll"
	StepIngest     = "ingest"
)

// Options tunes a Workflow.
type Options struct {
	MaxPolls      int
	PollInterval  time.Duration
	EnforceRobots bool
	// MinDropPercent is the smallest price drop worth an alert.
	MinDropPercent float64
	// MaxAttempts is the attempt at which a failure is final and alerted.
	MaxAttempts int
}

// DefaultOptions returns the stock poll budget and alert thresholds.
func DefaultOptions() Options {
	return Options{
		MaxPolls:       10,
		PollInterval:   5 * time.Second,
		MinDropPercent: 10,
		MaxAttempts:    3,
	}
}

// Workflow executes one crawl job. Each completed step is persisted, so a
// job re-run after a crash continues where it stopped.
type Workflow struct {
	store    store.Store
	agent    agent.Agent
	pipeline *ingest.Pipeline
	robots   *robots.Fetcher
	alerts   *alert.Manager
	opts     Options
	log      *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWorkflow creates a workflow. A nil robots fetcher skips the robots step
// and a nil alert manager disables notifications.
func NewWorkflow(s store.Store, a agent.Agent, p *ingest.Pipeline, rf *robots.Fetcher, am *alert.Manager, opts Options, log *zap.Logger) *Workflow {
	def := DefaultOptions()
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = def.MaxPolls
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	return &Workflow{
		store:    s,
		agent:    a,
		pipeline: p,
		robots:   rf,
		alerts:   am,
		opts:     opts,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes job for shop and records the outcome. The returned error is
// the crawl failure, if any, after it has been written to the job. When ctx
// is cancelled the job is left running so that it can be resumed.
func (w *Workflow) Run(ctx context.Context, job *store.CrawlJob, shop *store.Shop) error {
	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("store_id", shop.ID),
		zap.Int("attempt", job.Attempt),
	)

	summary, runErr := w.execute(ctx, job, shop, log)
	if runErr != nil && ctx.Err() != nil {
		log.Info("crawl interrupted, leaving job for resume", zap.Error(runErr))
		return runErr
	}

	if err := w.finish(ctx, job, shop, summary, runErr); err != nil {
		return fmt.Errorf("finish crawl job %s: %w", job.ID, err)
	}

	if runErr != nil {
		log.Warn("crawl failed", zap.Error(runErr))
	} else {
		log.Info("crawl done",
			zap.Int("deals", summary.Total()),
			zap.Int("inserted", summary.Inserted),
			zap.Int("price_changes", len(summary.PriceChanges)),
		)
	}

	w.notify(ctx, job, shop, summary, runErr, log)
	return runErr
}

func (w *Workflow) execute(ctx context.Context, job *store.CrawlJob, shop *store.Shop, log *zap.Logger) (*ingest.Summary, error) {
	if err := w.checkRobots(ctx, job, shop, log); err != nil {
		return nil, err
	}

	agentJob, resumed, err := w.startAgent(ctx, job, shop, true)
	if err != nil {
		return nil, err
	}

	candidates, err := w.poll(ctx, job, agentJob, log)
	if resumed && errors.Is(err, agent.ErrUnknownJob) {
		// The agent lost the checkpointed job, e.g. an in-process agent
		// after a restart. Submit it again once.
		log.Info("agent job unknown, resubmitting", zap.String("agent_job", agentJob.ID))
		if agentJob, _, err = w.startAgent(ctx, job, shop, false); err != nil {
			return nil, err
		}
		candidates, err = w.poll(ctx, job, agentJob, log)
	}
	if err != nil {
		return nil, err
	}

	return w.ingest(ctx, job, shop, candidates)
}

type robotsOutcome struct {
	Rules   string `json:"rules,omitempty"`
	Blocked bool   `json:"blocked"`
	Rule    string `json:"rule,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (w *Workflow) checkRobots(ctx context.Context, job *store.CrawlJob, shop *store.Shop, log *zap.Logger) error {
	if w.robots == nil {
		return nil
	}

	var out robotsOutcome
	done, err := loadStep(ctx, w.store, job.ID, StepRobots, &out)
	if err != nil {
		return err
	}

	if !done {
		rules, err := w.robots.FetchAndParse(ctx, shop.URL)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("robots.txt unavailable", zap.Error(err))
			out.Error = err.Error()
		default:
			path := pathOf(shop.URL)
			out.Rules = rules.String()
			out.Blocked = rules.IsBlocked(path)
			if out.Blocked {
				out.Rule = rules.BlockingRule(path)
				if out.Rule == "" {
					// No directive text reproduces the parser's match; record the path.
					out.Rule = path
				}
			}
		}

		job.BlockedByRobots = &out.Blocked
		if out.Blocked {
			job.BlockedRule = &out.Rule
		}

		err = w.store.WithTx(ctx, func(q store.Querier) error {
			if out.Error == "" {
				if err := q.SetRobotsRules(ctx, shop.ID, out.Rules); err != nil {
					return err
				}
			}
			if err := q.UpdateJob(ctx, job); err != nil {
				return err
			}
			return saveStep(ctx, q, job.ID, StepRobots, out)
		})
		if err != nil {
			return err
		}
	}

	if out.Blocked {
		log.Info("store url disallowed by robots.txt", zap.String("rule", out.Rule), zap.Bool("enforced", w.opts.EnforceRobots))
		if w.opts.EnforceRobots {
			return &BlockedError{URL: shop.URL, Rule: out.Rule}
		}
	}
	return nil
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.EscapedPath()
}

// startAgent submits the extraction, reusing a checkpointed submission when
// reuse is set. resumed reports whether the checkpoint was used.
func (w *Workflow) startAgent(ctx context.Context, job *store.CrawlJob, shop *store.Shop, reuse bool) (aj agent.Job, resumed bool, err error) {
	if reuse {
		done, err := loadStep(ctx, w.store, job.ID, StepStartAgent, &aj)
		if err != nil || done {
			return aj, done, err
		}
	}

	aj, err = w.agent.StartAgent(ctx, []string{shop.URL})
	if err != nil {
		return agent.Job{}, false, err
	}
	if err := saveStep(ctx, w.store, job.ID, StepStartAgent, aj); err != nil {
		return agent.Job{}, false, err
	}
	return aj, false, nil
}

func (w *Workflow) poll(ctx context.Context, job *store.CrawlJob, aj agent.Job, log *zap.Logger) ([]agent.Candidate, error) {
	var candidates []agent.Candidate
	done, err := loadStep(ctx, w.store, job.ID, StepPoll, &candidates)
	if err != nil || done {
		return candidates, err
	}

	for i := 1; i <= w.opts.MaxPolls; i++ {
		state, err := w.agent.AgentStatus(ctx, aj.ID)
		if err != nil {
			return nil, err
		}

		switch s := state.(type) {
		case agent.Completed:
			if err := saveStep(ctx, w.store, job.ID, StepPoll, s.Data); err != nil {
				return nil, err
			}
			return s.Data, nil
		case agent.Failed:
			return nil, &ExtractionError{AgentJobID: aj.ID, Message: s.ErrorMessage}
		case agent.Pending:
			log.Debug("extraction pending", zap.String("agent_job", aj.ID), zap.Int("poll", i))
		}

		if i < w.opts.MaxPolls {
			if err := w.sleep(ctx, w.opts.PollInterval); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("agent job %s after %d polls: %w", aj.ID, w.opts.MaxPolls, ErrPollTimeout)
}

// ingest writes the deals and the step checkpoint in one transaction.
func (w *Workflow) ingest(ctx context.Context, job *store.CrawlJob, shop *store.Shop, candidates []agent.Candidate) (*ingest.Summary, error) {
	summary := &ingest.Summary{}
	done, err := loadStep(ctx, w.store, job.ID, StepIngest, summary)
	if err != nil || done {
		return summary, err
	}

	err = w.store.WithTx(ctx, func(q store.Querier) error {
		s, err := w.pipeline.Apply(ctx, q, shop.ID, candidates)
		if err != nil {
			return err
		}
		summary = s
		return saveStep(ctx, q, job.ID, StepIngest, s)
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (w *Workflow) finish(ctx context.Context, job *store.CrawlJob, shop *store.Shop, summary *ingest.Summary, runErr error) error {
	now := w.now()
	job.FinishedAt = store.AtPtr(now)
	if job.StartedAt == nil {
		job.StartedAt = store.AtPtr(now)
	}

	return w.store.WithTx(ctx, func(q store.Querier) error {
		if runErr != nil {
			details := runErr.Error()
			job.Status = store.JobFailed
			job.ErrorDetails = &details
			if err := q.UpdateJob(ctx, job); err != nil {
				return err
			}
			return q.SetCrawling(ctx, shop.ID, false)
		}

		count := summary.Total()
		job.Status = store.JobDone
		job.ResultCount = &count
		if err := q.UpdateJob(ctx, job); err != nil {
			return err
		}
		return q.FinishCrawl(ctx, shop.ID, now)
	})
}

// notify is best effort; delivery failures are only logged.
func (w *Workflow) notify(ctx context.Context, job *store.CrawlJob, shop *store.Shop, summary *ingest.Summary, runErr error, log *zap.Logger) {
	if !w.alerts.HasNotifiers() {
		return
	}

	var n *alert.Notification
	if runErr != nil {
		if job.Attempt < w.opts.MaxAttempts {
			return
		}
		n = &alert.Notification{
			Kind:    alert.KindCrawlFailed,
			Title:   fmt.Sprintf("Crawl of %s failed", shop.Name),
			Body:    fmt.Sprintf("Attempt %d of %d failed: %v", job.Attempt, w.opts.MaxAttempts, runErr),
			JobID:   job.ID,
			Attempt: job.Attempt,
		}
	} else {
		n = priceDropNotification(summary, w.opts.MinDropPercent)
		if n == nil {
			return
		}
		n.Title += " at " + shop.Name
		n.JobID = job.ID
	}
	n.StoreID = shop.ID
	n.StoreName = shop.Name
	n.StoreURL = shop.URL

	if err := w.alerts.Broadcast(ctx, n); err != nil {
		log.Warn("alert delivery failed", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

func priceDropNotification(summary *ingest.Summary, minDrop float64) *alert.Notification {
	var lines []alert.DealLine
	for _, c := range summary.PriceChanges {
		drop := c.DropPercent()
		if drop <= 0 || drop < minDrop {
			continue
		}
		lines = append(lines, alert.DealLine{
			Title:       c.Title,
			URL:         c.URL,
			OldPrice:    c.OldPrice,
			NewPrice:    c.NewPrice,
			DropPercent: drop,
		})
	}
	if len(lines) == 0 {
		return nil
	}

	title := "1 price drop"
	if len(lines) > 1 {
		title = fmt.Sprintf("%d price drops", len(lines))
	}
	return &alert.Notification{
		Kind:  alert.KindPriceDrop,
		Title: title,
		Body:  fmt.Sprintf("Prices fell by at least %.0f%%.", minDrop),
		Deals: lines,
	}
}

func loadStep(ctx context.Context, q store.Querier, jobID, step string, v any) (bool, error) {
	s, err := q.GetStep(ctx, jobID, step)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s.Output), v); err != nil {
		return false, fmt.Errorf("decode %s checkpoint of job %s: %w", step, jobID, err)
	}
	return true, nil
}

func saveStep(ctx context.Context, q store.Querier, jobID, step string, v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s checkpoint of job %s: %w", step, jobID, err)
	}
	return q.SaveStep(ctx, &store.WorkflowStep{JobID: jobID, Step: step, Output: string(out)})
}
