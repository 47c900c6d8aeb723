package agent

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// FeedExtractor reads product feeds (RSS/Atom with the Google Merchant "g"
// namespace) and turns priced entries into candidates.
type FeedExtractor struct {
	client *http.Client
	parser *gofeed.Parser
}

// NewFeedExtractor creates a feed extractor.
func NewFeedExtractor() *FeedExtractor {
	return &FeedExtractor{
		client: &http.Client{Timeout: 30 * time.Second},
		parser: gofeed.NewParser(),
	}
}

func (f *FeedExtractor) Extract(ctx context.Context, url string) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	req.Header.Set("User-Agent", "dealradar/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed status %d", resp.StatusCode)
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var deals []Candidate
	for _, item := range parsed.Items {
		if c, ok := feedCandidate(item); ok {
			deals = append(deals, c)
		}
	}
	return deals, nil
}

// feedCandidate maps a feed entry. Entries without a parseable price are skipped.
func feedCandidate(item *gofeed.Item) (Candidate, bool) {
	price, currency, ok := parsePrice(merchantField(item, "price"))
	if !ok {
		return Candidate{}, false
	}

	c := Candidate{
		Title:    firstNonEmpty(item.Title, merchantField(item, "title")),
		URL:      firstNonEmpty(item.Link, merchantField(item, "link")),
		Price:    price,
		Currency: currency,
	}
	if c.URL == "" && len(item.Links) > 0 {
		c.URL = item.Links[0]
	}

	// A sale price makes the regular price the MSRP.
	if sale, saleCurrency, ok := parsePrice(merchantField(item, "sale_price")); ok {
		msrp := c.Price
		c.MSRP = &msrp
		c.Price = sale
		c.Currency = saleCurrency
	}

	if item.Image != nil && item.Image.URL != "" {
		c.Image = item.Image.URL
	} else {
		c.Image = merchantField(item, "image_link")
	}
	return c, true
}

func merchantField(item *gofeed.Item, name string) string {
	if item.Extensions == nil {
		return ""
	}
	values := item.Extensions["g"][name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

// parsePrice reads Merchant-style prices such as "19.99 USD".
func parsePrice(raw string) (float64, string, bool) {
	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return 0, "", false
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", ""), 64)
	if err != nil || amount < 0 {
		return 0, "", false
	}
	return amount, strings.ToUpper(fields[1]), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
