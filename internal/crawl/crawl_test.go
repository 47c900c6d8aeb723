package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/elonfeng/dealradar/internal/ingest"
	"github.com/elonfeng/dealradar/internal/scheduler"
	"github.com/elonfeng/dealradar/internal/store"
	"github.com/elonfeng/dealradar/pkg/agent"
	"github.com/elonfeng/dealradar/pkg/alert"
	"github.com/elonfeng/dealradar/pkg/robots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedAgent returns states in order, repeating the last one.
type scriptedAgent struct {
	mu       sync.Mutex
	states   []agent.State
	startErr error
	release  chan struct{}
	starts   int
	polls    int
}

func (a *scriptedAgent) StartAgent(ctx context.Context, urls []string) (agent.Job, error) {
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return agent.Job{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	if a.startErr != nil {
		return agent.Job{}, &agent.StartAgentError{URLs: urls, Err: a.startErr}
	}
	return agent.Job{ID: fmt.Sprintf("agent-%d", a.starts)}, nil
}

func (a *scriptedAgent) AgentStatus(_ context.Context, _ string) (agent.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := min(a.polls, len(a.states)-1)
	a.polls++
	return a.states[i], nil
}

func (a *scriptedAgent) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts, a.polls
}

func completed(cands ...agent.Candidate) agent.State {
	return agent.Completed{Data: cands}
}

func candidate(url, title string, price float64) agent.Candidate {
	return agent.Candidate{Title: title, URL: url, Price: price, Currency: "USD"}
}

type env struct {
	store    *store.SQLiteStore
	pipeline *ingest.Pipeline
	shop     *store.Shop
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	shop := &store.Shop{Name: "Gadgets", URL: "https://gadgets.test"}
	require.NoError(t, s.CreateShop(context.Background(), shop))

	return &env{store: s, pipeline: ingest.New(s, zap.NewNop()), shop: shop}
}

func (e *env) workflow(a agent.Agent, opts Options, rf *robots.Fetcher, am *alert.Manager) *Workflow {
	return NewWorkflow(e.store, a, e.pipeline, rf, am, opts, zap.NewNop())
}

// runningJob marks the shop busy and inserts a running job for it.
func (e *env) runningJob(t *testing.T, shop *store.Shop, attempt int) *store.CrawlJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.SetCrawling(ctx, shop.ID, true))
	now := time.Now()
	job := &store.CrawlJob{
		StoreID:    shop.ID,
		EnqueuedAt: store.At(now),
		StartedAt:  store.AtPtr(now),
		Status:     store.JobRunning,
		Attempt:    attempt,
	}
	require.NoError(t, e.store.InsertJob(ctx, job))
	return job
}

func (e *env) reload(t *testing.T, job *store.CrawlJob) (*store.CrawlJob, *store.Shop) {
	t.Helper()
	ctx := context.Background()
	j, err := e.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	s, err := e.store.GetShop(ctx, job.StoreID)
	require.NoError(t, err)
	return j, s
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.PollInterval = 0
	return opts
}

func TestWorkflow_Success(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := &scriptedAgent{states: []agent.State{
		agent.Pending{},
		agent.Pending{},
		completed(
			candidate("https://gadgets.test/p/1", "Widget", 15),
			candidate("https://gadgets.test/p/2", "Lamp", 30),
		),
	}}

	job := e.runningJob(t, e.shop, 1)
	require.NoError(t, e.workflow(a, fastOptions(), nil, nil).Run(ctx, job, e.shop))

	got, shop := e.reload(t, job)
	assert.Equal(t, store.JobDone, got.Status)
	require.NotNil(t, got.ResultCount)
	assert.Equal(t, 2, *got.ResultCount)
	assert.NotNil(t, got.FinishedAt)
	assert.Nil(t, got.ErrorDetails)
	assert.False(t, shop.IsCrawling)
	require.NotNil(t, shop.LastCrawlAt)

	starts, polls := a.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 3, polls)

	for _, step := range []string{StepStartAgent, StepPoll, StepIngest} {
		_, err := e.store.GetStep(ctx, job.ID, step)
		assert.NoError(t, err, step)
	}

	deals, err := e.store.ListDeals(ctx, store.DealListOpts{StoreID: e.shop.ID})
	require.NoError(t, err)
	assert.Len(t, deals, 2)
}

func TestWorkflow_AgentFailure(t *testing.T) {
	e := newEnv(t)
	a := &scriptedAgent{states: []agent.State{agent.Failed{ErrorMessage: "blocked by captcha"}}}

	job := e.runningJob(t, e.shop, 1)
	err := e.workflow(a, fastOptions(), nil, nil).Run(context.Background(), job, e.shop)

	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "blocked by captcha", extErr.Message)

	got, shop := e.reload(t, job)
	assert.Equal(t, store.JobFailed, got.Status)
	require.NotNil(t, got.ErrorDetails)
	assert.Contains(t, *got.ErrorDetails, "blocked by captcha")
	assert.False(t, shop.IsCrawling)
	assert.Nil(t, shop.LastCrawlAt, "failures do not count as a crawl")
}

func TestWorkflow_PollTimeout(t *testing.T) {
	e := newEnv(t)
	a := &scriptedAgent{states: []agent.State{agent.Pending{}}}
	opts := fastOptions()
	opts.MaxPolls = 3

	job := e.runningJob(t, e.shop, 2)
	err := e.workflow(a, opts, nil, nil).Run(context.Background(), job, e.shop)
	require.ErrorIs(t, err, ErrPollTimeout)

	_, polls := a.counts()
	assert.Equal(t, 3, polls)

	got, _ := e.reload(t, job)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.Contains(t, *got.ErrorDetails, "timed out")
}

func TestWorkflow_StartAgentError(t *testing.T) {
	e := newEnv(t)
	a := &scriptedAgent{startErr: errors.New("402 payment required")}

	job := e.runningJob(t, e.shop, 1)
	err := e.workflow(a, fastOptions(), nil, nil).Run(context.Background(), job, e.shop)

	var startErr *agent.StartAgentError
	require.ErrorAs(t, err, &startErr)

	got, shop := e.reload(t, job)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.False(t, shop.IsCrawling)
}

func TestWorkflow_CancelledRunIsLeftForResume(t *testing.T) {
	e := newEnv(t)
	a := &scriptedAgent{states: []agent.State{agent.Pending{}}}
	opts := fastOptions()
	opts.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	job := e.runningJob(t, e.shop, 1)

	done := make(chan error, 1)
	go func() { done <- e.workflow(a, opts, nil, nil).Run(ctx, job, e.shop) }()

	require.Eventually(t, func() bool {
		_, polls := a.counts()
		return polls > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	got, shop := e.reload(t, job)
	assert.Equal(t, store.JobRunning, got.Status)
	assert.True(t, shop.IsCrawling)
}

func TestWorkflow_ResumeReusesCheckpoints(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := &scriptedAgent{states: []agent.State{completed(candidate("https://gadgets.test/p/1", "Widget", 15))}}
	wf := e.workflow(a, fastOptions(), nil, nil)

	job := e.runningJob(t, e.shop, 1)
	require.NoError(t, wf.Run(ctx, job, e.shop))

	// Simulate a crash between ingest and finish.
	job.Status = store.JobRunning
	job.FinishedAt = nil
	require.NoError(t, e.store.UpdateJob(ctx, job))
	require.NoError(t, wf.Run(ctx, job, e.shop))

	starts, polls := a.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, polls)

	deals, err := e.store.ListDeals(ctx, store.DealListOpts{StoreID: e.shop.ID})
	require.NoError(t, err)
	require.Len(t, deals, 1)
	history, err := e.store.PriceHistory(ctx, deals[0].ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "ingest ran once")

	got, _ := e.reload(t, job)
	assert.Equal(t, store.JobDone, got.Status)
	assert.Equal(t, 1, *got.ResultCount)
}

func TestWorkflow_ResubmitsJobUnknownToAgent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// A previous process submitted to an in-process agent that is now gone.
	job := e.runningJob(t, e.shop, 1)
	require.NoError(t, saveStep(ctx, e.store, job.ID, StepStartAgent, agent.Job{ID: "lost"}))

	opts := fastOptions()
	opts.PollInterval = 2 * time.Millisecond
	opts.MaxPolls = 500
	require.NoError(t, e.workflow(localAgent(), opts, nil, nil).Run(ctx, job, e.shop))

	got, _ := e.reload(t, job)
	assert.Equal(t, store.JobDone, got.Status)
	assert.Equal(t, 1, *got.ResultCount)

	var aj agent.Job
	done, err := loadStep(ctx, e.store, job.ID, StepStartAgent, &aj)
	require.NoError(t, err)
	require.True(t, done)
	assert.NotEqual(t, "lost", aj.ID, "checkpoint points at the new submission")
}

func TestWorkflow_UnknownFreshJobIsNotResubmitted(t *testing.T) {
	e := newEnv(t)
	a := &forgetfulAgent{}
	job := e.runningJob(t, e.shop, 1)

	err := e.workflow(a, fastOptions(), nil, nil).Run(context.Background(), job, e.shop)
	require.ErrorIs(t, err, agent.ErrUnknownJob)
	assert.Equal(t, 1, a.starts)
}

// forgetfulAgent accepts jobs but never knows about them.
type forgetfulAgent struct{ starts int }

func (a *forgetfulAgent) StartAgent(context.Context, []string) (agent.Job, error) {
	a.starts++
	return agent.Job{ID: fmt.Sprintf("gone-%d", a.starts)}, nil
}

func (a *forgetfulAgent) AgentStatus(_ context.Context, id string) (agent.State, error) {
	return nil, &agent.StatusError{JobID: id, Err: agent.ErrUnknownJob}
}

func TestWorkflow_Robots(t *testing.T) {
	cases := []struct {
		name   string
		robots string
		path   string
		rule   string
	}{
		{name: "prefix", robots: "User-agent: *\nDisallow: /sale\n", path: "/sale/today", rule: "/sale"},
		{name: "wildcard", robots: "User-agent: *\nDisallow: /*/private\n", path: "/shop/private", rule: "/*/private"},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/robots.txt" {
				fmt.Fprint(w, tc.robots)
				return
			}
			http.NotFound(w, r)
		}))
		defer srv.Close()

		fetcher := robots.NewFetcher(srv.Client(), "dealradar")

		for _, enforce := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/enforce=%v", tc.name, enforce), func(t *testing.T) {
				e := newEnv(t)
				ctx := context.Background()
				shop := &store.Shop{Name: "Outlet", URL: srv.URL + tc.path}
				require.NoError(t, e.store.CreateShop(ctx, shop))

				a := &scriptedAgent{states: []agent.State{completed()}}
				opts := fastOptions()
				opts.EnforceRobots = enforce

				job := e.runningJob(t, shop, 1)
				err := e.workflow(a, opts, fetcher, nil).Run(ctx, job, shop)

				got, reloaded := e.reload(t, job)
				require.NotNil(t, got.BlockedByRobots)
				assert.True(t, *got.BlockedByRobots)
				require.NotNil(t, got.BlockedRule)
				assert.Equal(t, tc.rule, *got.BlockedRule)
				require.NotNil(t, reloaded.RobotsRules)
				assert.Contains(t, *reloaded.RobotsRules, "Disallow: "+tc.rule)

				if enforce {
					var blocked *BlockedError
					require.ErrorAs(t, err, &blocked)
					assert.Equal(t, store.JobFailed, got.Status)
					starts, _ := a.counts()
					assert.Zero(t, starts)
				} else {
					require.NoError(t, err)
					assert.Equal(t, store.JobDone, got.Status)
				}
			})
		}
	}
}

func TestWorkflow_RobotsFetchFailureIsIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newEnv(t)
	ctx := context.Background()
	shop := &store.Shop{Name: "Flaky", URL: srv.URL}
	require.NoError(t, e.store.CreateShop(ctx, shop))

	a := &scriptedAgent{states: []agent.State{completed()}}
	job := e.runningJob(t, shop, 1)
	require.NoError(t, e.workflow(a, fastOptions(), robots.NewFetcher(srv.Client(), ""), nil).Run(ctx, job, shop))

	got, reloaded := e.reload(t, job)
	assert.Equal(t, store.JobDone, got.Status)
	assert.Equal(t, 0, *got.ResultCount)
	assert.Nil(t, reloaded.RobotsRules)
}

type capturedAlerts struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (c *capturedAlerts) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n alert.Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		c.mu.Lock()
		c.sent = append(c.sent, n)
		c.mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capturedAlerts) all() []alert.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.Notification(nil), c.sent...)
}

func TestWorkflow_PriceDropAlert(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.pipeline.UpdateDealsForStore(ctx, e.shop.ID, []agent.Candidate{
		candidate("https://gadgets.test/p/1", "Widget", 20),
		candidate("https://gadgets.test/p/2", "Lamp", 40),
	})
	require.NoError(t, err)

	var captured capturedAlerts
	am := alert.NewManager([]alert.Notifier{alert.NewWebhook(captured.server(t).URL, "")})

	// Widget drops 25%, Lamp only 5%.
	a := &scriptedAgent{states: []agent.State{completed(
		candidate("https://gadgets.test/p/1", "Widget", 15),
		candidate("https://gadgets.test/p/2", "Lamp", 38),
	)}}
	job := e.runningJob(t, e.shop, 1)
	require.NoError(t, e.workflow(a, fastOptions(), nil, am).Run(ctx, job, e.shop))

	sent := captured.all()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.KindPriceDrop, sent[0].Kind)
	assert.Equal(t, "1 price drop at Gadgets", sent[0].Title)
	require.Len(t, sent[0].Deals, 1)
	assert.Equal(t, "Widget", sent[0].Deals[0].Title)
	assert.InDelta(t, 25.0, sent[0].Deals[0].DropPercent, 1e-9)
	assert.Equal(t, job.ID, sent[0].JobID)
}

func TestWorkflow_FinalFailureAlert(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var captured capturedAlerts
	am := alert.NewManager([]alert.Notifier{alert.NewWebhook(captured.server(t).URL, "")})
	failing := func() agent.Agent {
		return &scriptedAgent{states: []agent.State{agent.Failed{ErrorMessage: "gone"}}}
	}
	wf := func() *Workflow { return e.workflow(failing(), fastOptions(), nil, am) }

	require.Error(t, wf().Run(ctx, e.runningJob(t, e.shop, 1), e.shop))
	assert.Empty(t, captured.all(), "early attempts are retried quietly")

	job := e.runningJob(t, e.shop, 3)
	require.Error(t, wf().Run(ctx, job, e.shop))

	sent := captured.all()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.KindCrawlFailed, sent[0].Kind)
	assert.Equal(t, 3, sent[0].Attempt)
	assert.Equal(t, e.shop.ID, sent[0].StoreID)
}

func newExecutor(e *env, a agent.Agent, cfg ExecutorConfig) *Executor {
	opts := fastOptions()
	opts.PollInterval = 2 * time.Millisecond
	opts.MaxPolls = 500
	return NewExecutor(e.store, e.workflow(a, opts, nil, nil), cfg, zap.NewNop())
}

func localAgent() *agent.Local {
	return agent.NewLocal(agent.ExtractorFunc(func(_ context.Context, url string) ([]agent.Candidate, error) {
		return []agent.Candidate{candidate(url+"/p/1", "Widget", 10)}, nil
	}), time.Second)
}

func queueJob(t *testing.T, s store.Store, shopID string, enqueuedAt time.Time) *store.CrawlJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SetCrawling(ctx, shopID, true))
	job := &store.CrawlJob{StoreID: shopID, EnqueuedAt: store.At(enqueuedAt), Status: store.JobQueued, Attempt: 1}
	require.NoError(t, s.InsertJob(ctx, job))
	return job
}

func TestExecutor_DispatchRespectsConcurrency(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// One job already running elsewhere leaves two slots.
	e.runningJob(t, e.shop, 1)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 4; i++ {
		shop := &store.Shop{Name: fmt.Sprintf("s%d", i), URL: fmt.Sprintf("https://s%d.test", i)}
		require.NoError(t, e.store.CreateShop(ctx, shop))
		queueJob(t, e.store, shop.ID, base.Add(time.Duration(i)*time.Second))
	}

	a := &scriptedAgent{states: []agent.State{completed()}, release: make(chan struct{})}
	ex := newExecutor(e, a, ExecutorConfig{MaxConcurrent: 3})

	n, err := ex.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	running, err := e.store.CountJobs(ctx, store.JobRunning)
	require.NoError(t, err)
	assert.Equal(t, 3, running)

	n, err = ex.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no free slots")

	close(a.release)
	ex.Wait()

	done, err := e.store.CountJobs(ctx, store.JobDone)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	queued, err := e.store.CountJobs(ctx, store.JobQueued)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
}

func TestExecutor_TickQueuesWhileSlotsAreFull(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Three long-running jobs enqueued before the rate window fill every slot
	// without touching the per-minute budget.
	old := time.Now().Add(-2 * time.Minute)
	for i := 0; i < 3; i++ {
		shop := &store.Shop{Name: fmt.Sprintf("busy%d", i), URL: fmt.Sprintf("https://busy%d.test", i)}
		require.NoError(t, e.store.CreateShop(ctx, shop))
		require.NoError(t, e.store.SetCrawling(ctx, shop.ID, true))
		require.NoError(t, e.store.InsertJob(ctx, &store.CrawlJob{
			StoreID:    shop.ID,
			EnqueuedAt: store.At(old),
			StartedAt:  store.AtPtr(old),
			Status:     store.JobRunning,
			Attempt:    1,
		}))
	}
	// e.shop plus nine more are due.
	for i := 0; i < 9; i++ {
		shop := &store.Shop{Name: fmt.Sprintf("due%d", i), URL: fmt.Sprintf("https://due%d.test", i)}
		require.NoError(t, e.store.CreateShop(ctx, shop))
	}

	res, err := scheduler.New(e.store, scheduler.DefaultLimits(), zap.NewNop()).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Processed)

	a := &scriptedAgent{states: []agent.State{completed()}}
	n, err := newExecutor(e, a, ExecutorConfig{MaxConcurrent: 3}).Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	queued, err := e.store.CountJobs(ctx, store.JobQueued)
	require.NoError(t, err)
	assert.Equal(t, 10, queued)
	running, err := e.store.CountJobs(ctx, store.JobRunning)
	require.NoError(t, err)
	assert.Equal(t, 3, running)
}

func TestExecutor_BeginManualCrawl(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	la := localAgent()
	ex := newExecutor(e, la, ExecutorConfig{})

	job, err := ex.BeginManualCrawl(ctx, e.shop.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, job.Status)
	assert.Equal(t, store.TriggerManual, job.Trigger)
	assert.Equal(t, 1, job.Attempt)

	ex.Wait()
	la.Wait()

	got, shop := e.reload(t, job)
	assert.Equal(t, store.JobDone, got.Status)
	assert.Equal(t, 1, *got.ResultCount)
	assert.False(t, shop.IsCrawling)
	assert.NotNil(t, shop.LastCrawlAt)

	_, err = ex.BeginManualCrawl(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutor_BeginManualCrawl_InProgress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := &scriptedAgent{states: []agent.State{completed()}, release: make(chan struct{})}
	ex := newExecutor(e, a, ExecutorConfig{})

	_, err := ex.BeginManualCrawl(ctx, e.shop.ID)
	require.NoError(t, err)

	_, err = ex.BeginManualCrawl(ctx, e.shop.ID)
	var inProgress *CrawlInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, e.shop.ID, inProgress.StoreID)

	jobs, err := e.store.ListJobs(ctx, store.JobListOpts{StoreID: e.shop.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	close(a.release)
	ex.Wait()
}

func TestExecutor_ReapStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	other := &store.Shop{Name: "Fresh", URL: "https://fresh.test"}
	require.NoError(t, e.store.CreateShop(ctx, other))

	stale := queueJob(t, e.store, e.shop.ID, time.Now().Add(-2*time.Hour))
	fresh := queueJob(t, e.store, other.ID, time.Now().Add(-time.Minute))

	ex := newExecutor(e, &scriptedAgent{}, ExecutorConfig{StaleAfter: time.Hour})
	n, err := ex.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, shop := e.reload(t, stale)
	assert.Equal(t, store.JobFailed, got.Status)
	require.NotNil(t, got.ErrorDetails)
	assert.Contains(t, *got.ErrorDetails, "stale: queued")
	assert.False(t, shop.IsCrawling)

	got, shop = e.reload(t, fresh)
	assert.Equal(t, store.JobQueued, got.Status)
	assert.True(t, shop.IsCrawling)

	disabled := newExecutor(e, &scriptedAgent{}, ExecutorConfig{})
	n, err = disabled.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecutor_ResumeAndRun(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other := &store.Shop{Name: "Queued", URL: "https://queued.test"}
	require.NoError(t, e.store.CreateShop(ctx, other))

	interrupted := e.runningJob(t, e.shop, 1)
	queued := queueJob(t, e.store, other.ID, time.Now())

	la := localAgent()
	ex := newExecutor(e, la, ExecutorConfig{DispatchInterval: 10 * time.Millisecond})

	errc := make(chan error, 1)
	go func() { errc <- ex.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := e.store.CountJobs(context.Background(), store.JobDone)
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	la.Wait()

	for _, j := range []*store.CrawlJob{interrupted, queued} {
		got, shop := e.reload(t, j)
		assert.Equal(t, store.JobDone, got.Status)
		assert.False(t, shop.IsCrawling)
	}
}

func TestRegisterStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nAllow: /deals\nDisallow: /cart\n")
	}))
	defer srv.Close()

	e := newEnv(t)
	ctx := context.Background()
	rf := robots.NewFetcher(srv.Client(), "")

	shop, err := RegisterStore(ctx, e.store, rf, "  Outlet ", " "+srv.URL+" ")
	require.NoError(t, err)
	assert.Equal(t, "Outlet", shop.Name)
	assert.Equal(t, srv.URL, shop.URL)
	require.NotNil(t, shop.RobotsRules)
	assert.Equal(t, "Allow: /deals\nDisallow: /cart", *shop.RobotsRules)

	_, err = e.store.GetShop(ctx, shop.ID)
	require.NoError(t, err)

	_, err = RegisterStore(ctx, e.store, nil, "", "https://x.test")
	assert.ErrorIs(t, err, ErrInvalidStore)
	_, err = RegisterStore(ctx, e.store, nil, "Bad", "ftp://x.test")
	assert.ErrorIs(t, err, ErrInvalidStore)

	preview := PreviewRobots(ctx, rf, srv.URL)
	assert.Equal(t, "Allow: /deals\nDisallow: /cart", preview.Rules)
	assert.Empty(t, preview.Error)
	assert.Equal(t, "URL is required", PreviewRobots(ctx, rf, " ").Error)
}
