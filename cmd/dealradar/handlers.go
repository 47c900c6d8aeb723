package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/dealradar/internal/config"
	"github.com/elonfeng/dealradar/internal/crawl"
	"github.com/elonfeng/dealradar/internal/ingest"
	"github.com/elonfeng/dealradar/internal/logger"
	"github.com/elonfeng/dealradar/internal/scheduler"
	"github.com/elonfeng/dealradar/internal/store"
	"github.com/elonfeng/dealradar/pkg/agent"
	"github.com/elonfeng/dealradar/pkg/alert"
	"github.com/elonfeng/dealradar/pkg/robots"
	"github.com/elonfeng/dealradar/pkg/server"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reapSchedule = "@every 5m"

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// app holds the wired components shared by subcommands.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *store.SQLiteStore
	redis     *redis.Client
	robots    *robots.Fetcher
	scheduler *scheduler.Scheduler
	executor  *crawl.Executor
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, log: log, db: db}
	if cfg.Robots.Enabled {
		a.robots = robots.NewFetcher(nil, cfg.Robots.UserAgent)
	}

	a.scheduler = scheduler.New(db, buildLimits(cfg), log.Named("scheduler"))
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.scheduler.SetLock(scheduler.NewRedisLock(a.redis, cfg.Redis.ParseLockTTL()))
	}

	ag, err := buildAgent(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	wf := crawl.NewWorkflow(db, ag, ingest.New(db, log.Named("ingest")), a.robots, buildAlertManager(cfg), crawl.Options{
		MaxPolls:       cfg.Crawl.MaxPolls,
		PollInterval:   cfg.Crawl.ParsePollInterval(),
		EnforceRobots:  cfg.Robots.Enforce,
		MinDropPercent: cfg.Alerts.MinDropPercent,
		MaxAttempts:    cfg.Limits.MaxAttempts,
	}, log.Named("crawl"))

	a.executor = crawl.NewExecutor(db, wf, crawl.ExecutorConfig{
		MaxConcurrent:    cfg.Limits.MaxConcurrentJobs,
		DispatchInterval: cfg.Crawl.ParseDispatchInterval(),
		StaleAfter:       cfg.Crawl.ParseStaleAfter(),
	}, log)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
	_ = a.log.Sync()
}

func buildLimits(cfg *config.Config) scheduler.Limits {
	limits := scheduler.DefaultLimits()
	limits.CrawlInterval = cfg.Limits.ParseCrawlInterval()
	limits.Cooldown = cfg.Limits.ParseCooldown()
	limits.MaxJobsPerMinute = cfg.Limits.MaxJobsPerMinute
	limits.RetryBackoff = cfg.Limits.ParseRetryBackoff()
	limits.MaxAttempts = cfg.Limits.MaxAttempts
	return limits
}

func buildAgent(cfg *config.Config) (agent.Agent, error) {
	timeout := cfg.Agent.ParseTimeout()
	switch cfg.Agent.Provider {
	case "feed":
		return agent.NewLocal(agent.NewFeedExtractor(), timeout), nil
	case "jsonld":
		return agent.NewLocal(agent.NewJSONLDExtractor(), timeout), nil
	default:
		if cfg.Agent.APIKey == "" {
			return nil, errors.New("agent.api_key (or FIRECRAWL_API_KEY) is required for the firecrawl provider")
		}
		return agent.NewFirecrawl(cfg.Agent.APIKey, cfg.Agent.BaseURL), nil
	}
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runTick(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.scheduler.Tick(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runRetry(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.scheduler.RetryFailedJobs(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runCrawl(ctx context.Context, storeID string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.executor.BeginManualCrawl(ctx, storeID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "crawling store %s (job %s)...\n", storeID, job.ID)
	a.executor.Wait()

	job, err = a.db.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if job.Status == store.JobFailed {
		return fmt.Errorf("crawl failed: %s", deref(job.ErrorDetails))
	}
	return printJSON(job)
}

func runDaemon(ctx context.Context, port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(ctx)
	defer cancel()

	runner := scheduler.NewRunner(a.log.Named("cron"))
	if err := runner.Add("crawl-tick", a.cfg.Schedule.TickCron, func(ctx context.Context) error {
		_, err := a.scheduler.Tick(ctx)
		if errors.Is(err, scheduler.ErrTickInProgress) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	if err := runner.Add("reap-stale", reapSchedule, func(ctx context.Context) error {
		_, err := a.executor.ReapStale(ctx)
		return err
	}); err != nil {
		return err
	}

	srv := a.server(port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return a.executor.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	err = g.Wait()
	a.log.Info("shut down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServe(ctx context.Context, port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(ctx)
	defer cancel()

	err = a.server(port).ListenAndServe(ctx)
	a.executor.Wait()
	return err
}

func (a *app) server(port int) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	return server.New(a.db, a.scheduler, a.executor, a.robots, server.Config{
		Port:              port,
		RequestsPerMinute: a.cfg.Server.RequestsPerMinute,
	}, a.log.Named("http"))
}

func runStoresAdd(ctx context.Context, name, url string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	shop, err := crawl.RegisterStore(ctx, a.db, a.robots, name, url)
	if err != nil {
		return err
	}
	fmt.Println(shop.ID)
	return nil
}

func runStoresList(ctx context.Context, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.db.ListShopStats(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}
	if len(stats) == 0 {
		fmt.Println("no stores yet (add one: dealradar stores add <name> <url>)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEALS\tCRAWLING\tLAST JOB\tLAST CRAWL\tURL")
	for _, s := range stats {
		lastJob := "-"
		if s.LastJobStatus != nil {
			lastJob = string(*s.LastJobStatus)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\t%s\t%s\n",
			s.ID, s.Name, s.DealCount, s.IsCrawling, lastJob, formatTime(s.LastCrawlAt), s.URL)
	}
	return w.Flush()
}

func runStoresRemove(ctx context.Context, id string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.db.DeleteShop(ctx, id)
}

func runStoresRobots(ctx context.Context, url string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rf := a.robots
	if rf == nil {
		rf = robots.NewFetcher(nil, a.cfg.Robots.UserAgent)
	}
	preview := crawl.PreviewRobots(ctx, rf, url)
	if preview.Error != "" {
		return errors.New(preview.Error)
	}
	if preview.Rules == "" {
		fmt.Println("(no rules)")
		return nil
	}
	fmt.Println(preview.Rules)
	return nil
}

func runDeals(ctx context.Context, storeID, sort string, limit, offset int, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	deals, err := a.db.ListDeals(ctx, store.DealListOpts{
		StoreID: storeID,
		Sort:    store.DealSort(sort),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return fmt.Errorf("list deals: %w", err)
	}
	if jsonOutput {
		return printJSON(deals)
	}
	if len(deals) == 0 {
		fmt.Println("no deals found (try crawling first: dealradar tick)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OFF\tPRICE\tMSRP\tTITLE\tID")
	for _, d := range deals {
		msrp := "-"
		if d.MSRP != nil {
			msrp = fmt.Sprintf("%.2f", *d.MSRP)
		}
		fmt.Fprintf(w, "%d%%\t%.2f %s\t%s\t%s\t%s\n", d.PercentOff, d.Price, d.Currency, msrp, d.Title, d.ID)
	}
	return w.Flush()
}

func runHistory(ctx context.Context, dealID string, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	deal, err := a.db.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	points, err := a.db.PriceHistory(ctx, dealID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(points)
	}

	fmt.Printf("%s (%s)\n", deal.Title, deal.URL)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tPRICE")
	for _, p := range points {
		fmt.Fprintf(w, "%s\t%.2f %s\n", p.At.Format(time.RFC3339), p.Price, deal.Currency)
	}
	return w.Flush()
}

func runJobs(ctx context.Context, storeID, status string, limit int, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.db.ListJobs(ctx, store.JobListOpts{StoreID: storeID, Status: store.JobStatus(status), Limit: limit})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENQUEUED\tSTATUS\tATTEMPT\tTRIGGER\tDEALS\tSTORE\tERROR")
	for _, j := range jobs {
		deals := "-"
		if j.ResultCount != nil {
			deals = fmt.Sprint(*j.ResultCount)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			j.EnqueuedAt.Format(time.RFC3339), j.Status, j.Attempt, j.Trigger, deals, j.StoreID, deref(j.ErrorDetails))
	}
	return w.Flush()
}

func formatTime(m *store.Millis) string {
	if m == nil || m.IsZero() {
		return "never"
	}
	return m.Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
