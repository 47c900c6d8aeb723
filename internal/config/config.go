package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Limits   LimitsConfig   `yaml:"limits"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Agent    AgentConfig    `yaml:"agent"`
	Robots   RobotsConfig   `yaml:"robots"`
	Redis    RedisConfig    `yaml:"redis"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ScheduleConfig configures when the crawl tick runs.
type ScheduleConfig struct {
	TickCron string `yaml:"tick_cron"`
}

// LimitsConfig holds the admission-control constants.
type LimitsConfig struct {
	CrawlInterval     string   `yaml:"crawl_interval"`
	Cooldown          string   `yaml:"cooldown"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	MaxJobsPerMinute  int      `yaml:"max_jobs_per_minute"`
	RetryBackoff      []string `yaml:"retry_backoff"`
	MaxAttempts       int      `yaml:"max_attempts"`
}

// ParseCrawlInterval returns the minimum time between crawls of one store.
func (l LimitsConfig) ParseCrawlInterval() time.Duration {
	return parseDuration(l.CrawlInterval, 6*time.Hour)
}

// ParseCooldown returns how long a queued job blocks a re-enqueue.
func (l LimitsConfig) ParseCooldown() time.Duration {
	return parseDuration(l.Cooldown, 3*time.Minute)
}

// ParseRetryBackoff returns the per-attempt backoff delays. Unparseable
// entries fall back to the default delay at the same position.
func (l LimitsConfig) ParseRetryBackoff() []time.Duration {
	defaults := []time.Duration{60 * time.Second, 240 * time.Second, 600 * time.Second}
	if len(l.RetryBackoff) == 0 {
		return defaults
	}
	out := make([]time.Duration, len(l.RetryBackoff))
	for i, raw := range l.RetryBackoff {
		fallback := defaults[len(defaults)-1]
		if i < len(defaults) {
			fallback = defaults[i]
		}
		out[i] = parseDuration(raw, fallback)
	}
	return out
}

// CrawlConfig configures job execution.
type CrawlConfig struct {
	MaxPolls         int    `yaml:"max_polls"`
	PollInterval     string `yaml:"poll_interval"`
	DispatchInterval string `yaml:"dispatch_interval"`
	StaleAfter       string `yaml:"stale_after"`
}

// ParsePollInterval returns the delay between agent status checks.
func (c CrawlConfig) ParsePollInterval() time.Duration {
	return parseDuration(c.PollInterval, 5*time.Second)
}

// ParseDispatchInterval returns how often queued jobs are claimed.
func (c CrawlConfig) ParseDispatchInterval() time.Duration {
	return parseDuration(c.DispatchInterval, 5*time.Second)
}

// ParseStaleAfter returns the age after which an unfinished job is reaped.
// Zero disables reaping.
func (c CrawlConfig) ParseStaleAfter() time.Duration {
	return parseDuration(c.StaleAfter, time.Hour)
}

// AgentConfig selects and configures the extraction agent.
type AgentConfig struct {
	Provider string `yaml:"provider"` // "firecrawl", "feed" or "jsonld"
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// ParseTimeout returns the extraction timeout for local agents.
func (a AgentConfig) ParseTimeout() time.Duration {
	return parseDuration(a.Timeout, 2*time.Minute)
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Enforce   bool   `yaml:"enforce"`
	UserAgent string `yaml:"user_agent"`
}

// RedisConfig enables the distributed tick lock.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LockTTL  string `yaml:"lock_ttl"`
}

// ParseLockTTL returns the expiry of the tick lock key.
func (r RedisConfig) ParseLockTTL() time.Duration {
	return parseDuration(r.LockTTL, 30*time.Second)
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	MinDropPercent float64       `yaml:"min_drop_percent"`
	Slack          SlackConfig   `yaml:"slack"`
	Discord        DiscordConfig `yaml:"discord"`
	Webhook        WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port              int `yaml:"port"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./dealradar.db"},
		Schedule: ScheduleConfig{TickCron: "@every 1m"},
		Limits: LimitsConfig{
			CrawlInterval:     "6h",
			Cooldown:          "3m",
			MaxConcurrentJobs: 3,
			MaxJobsPerMinute:  10,
			RetryBackoff:      []string{"60s", "240s", "600s"},
			MaxAttempts:       3,
		},
		Crawl: CrawlConfig{
			MaxPolls:         10,
			PollInterval:     "5s",
			DispatchInterval: "5s",
			StaleAfter:       "1h",
		},
		Agent: AgentConfig{
			Provider: "firecrawl",
			Timeout:  "2m",
		},
		Robots: RobotsConfig{
			Enabled:   true,
			UserAgent: "dealradar",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			LockTTL: "30s",
		},
		Alerts: AlertsConfig{MinDropPercent: 10},
		Server: ServerConfig{Port: 8080, RequestsPerMinute: 120},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Limits.MaxConcurrentJobs < 1 {
		return fmt.Errorf("limits.max_concurrent_jobs must be at least 1")
	}
	if c.Limits.MaxJobsPerMinute < 1 {
		return fmt.Errorf("limits.max_jobs_per_minute must be at least 1")
	}
	if c.Limits.MaxAttempts < 1 {
		return fmt.Errorf("limits.max_attempts must be at least 1")
	}
	if c.Crawl.MaxPolls < 1 {
		return fmt.Errorf("crawl.max_polls must be at least 1")
	}
	switch c.Agent.Provider {
	case "firecrawl", "feed", "jsonld":
	default:
		return fmt.Errorf("unknown agent provider %q", c.Agent.Provider)
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEALRADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FIRECRAWL_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("DEALRADAR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("DEALRADAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
