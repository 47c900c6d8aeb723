package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a notification.
type Kind string

const (
	KindPriceDrop   Kind = "price_drop"
	KindCrawlFailed Kind = "crawl_failed"
)

// DealLine is one deal mentioned in a notification.
type DealLine struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	OldPrice    float64 `json:"oldPrice"`
	NewPrice    float64 `json:"newPrice"`
	Currency    string  `json:"currency,omitempty"`
	DropPercent float64 `json:"dropPercent"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Kind      Kind       `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	StoreID   string     `json:"storeId"`
	StoreName string     `json:"storeName"`
	StoreURL  string     `json:"storeUrl"`
	JobID     string     `json:"jobId,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	Deals     []DealLine `json:"deals,omitempty"`
}

// topDeals returns at most limit deal lines.
func (n *Notification) topDeals(limit int) []DealLine {
	return n.Deals[:min(limit, len(n.Deals))]
}

func (n *Notification) emoji() string {
	if n.Kind == KindCrawlFailed {
		return "⚠️"
	}
	return "💸"
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// postJSON sends payload to url and fails on a non-2xx response.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dealradar/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func marshal(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return body, nil
}
