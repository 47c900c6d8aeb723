// Package robots fetches and parses a store's robots.txt. The result is
// advisory: it is recorded on stores and crawl jobs, not enforced by the
// scheduler.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

const (
	robotsTxtPath      = "/robots.txt"
	maxRobotsBodyBytes = 512 * 1024
	defaultUserAgent   = "dealradar"
)

// Rule is a single Allow or Disallow directive. Exactly one field is set.
type Rule struct {
	Allow    string `json:"allow,omitempty"`
	Disallow string `json:"disallow,omitempty"`
}

// Rules is a parsed robots.txt.
type Rules struct {
	Rules     []Rule
	data      *robotstxt.RobotsData
	userAgent string
}

// FetchError is returned when robots.txt cannot be retrieved.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch robots.txt %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves robots.txt files over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher creates a fetcher. A nil client gets a 15s timeout client.
func NewFetcher(client *http.Client, userAgent string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Fetcher{client: client, userAgent: userAgent}
}

// RobotsURL resolves the robots.txt location for a store URL. Bare hosts are
// assumed to be https.
func RobotsURL(baseURL string) (string, error) {
	raw := strings.TrimSpace(baseURL)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("empty host in %q", baseURL)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: robotsTxtPath}).String(), nil
}

// FetchAndParse downloads and parses robots.txt for baseURL. A 404 yields
// empty rules that block nothing; network failures and other non-2xx
// statuses return a *FetchError.
func (f *Fetcher) FetchAndParse(ctx context.Context, baseURL string) (*Rules, error) {
	robotsURL, err := RobotsURL(baseURL)
	if err != nil {
		return nil, &FetchError{URL: baseURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, &FetchError{URL: robotsURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: robotsURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Parse("", f.userAgent)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: robotsURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: robotsURL, Err: err}
	}
	return Parse(string(body), f.userAgent)
}

// Parse parses robots.txt content for the given user agent.
func Parse(content, userAgent string) (*Rules, error) {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	data, err := robotstxt.FromString(content)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return &Rules{
		Rules:     directives(content),
		data:      data,
		userAgent: userAgent,
	}, nil
}

// directives lists Allow rules followed by Disallow rules, ignoring comments
// and empty values.
func directives(content string) []Rule {
	var allows, disallows []Rule
	for _, line := range strings.Split(content, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "allow:"):
			if v := strings.TrimSpace(line[len("allow:"):]); v != "" {
				allows = append(allows, Rule{Allow: v})
			}
		case strings.HasPrefix(lower, "disallow:"):
			if v := strings.TrimSpace(line[len("disallow:"):]); v != "" {
				disallows = append(disallows, Rule{Disallow: v})
			}
		}
	}
	return append(allows, disallows...)
}

// IsBlocked reports whether path is disallowed for the fetcher's user agent.
func (r *Rules) IsBlocked(path string) bool {
	if r == nil || r.data == nil {
		return false
	}
	if path == "" {
		path = "/"
	}
	return !r.data.TestAgent(path, r.userAgent)
}

// BlockingRule returns the longest Disallow pattern matching path, or "" when
// the path is not blocked.
func (r *Rules) BlockingRule(path string) string {
	if !r.IsBlocked(path) {
		return ""
	}
	best := ""
	for _, rule := range r.Rules {
		if rule.Disallow != "" && matches(path, rule.Disallow) && len(rule.Disallow) > len(best) {
			best = rule.Disallow
		}
	}
	return best
}

// matches applies robots.txt pattern syntax: "*" matches any run of
// characters and a trailing "$" anchors the end of the path.
func matches(path, pattern string) bool {
	anchored := strings.HasSuffix(pattern, "$")
	pattern = strings.TrimSuffix(pattern, "$")

	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		if anchored {
			return path == pattern
		}
		return strings.HasPrefix(path, pattern)
	}

	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	rest := path[len(parts[0]):]
	middle := parts[1:]
	if anchored {
		last := parts[len(parts)-1]
		if !strings.HasSuffix(rest, last) {
			return false
		}
		rest = rest[:len(rest)-len(last)]
		middle = parts[1 : len(parts)-1]
	}
	for _, part := range middle {
		i := strings.Index(rest, part)
		if i < 0 {
			return false
		}
		rest = rest[i+len(part):]
	}
	return true
}

// String renders the rules as robots.txt directive lines.
func (r *Rules) String() string {
	if r == nil {
		return ""
	}
	lines := make([]string, 0, len(r.Rules))
	for _, rule := range r.Rules {
		if rule.Allow != "" {
			lines = append(lines, "Allow: "+rule.Allow)
		} else {
			lines = append(lines, "Disallow: "+rule.Disallow)
		}
	}
	return strings.Join(lines, "\n")
}
