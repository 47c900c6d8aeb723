package crawl

import (
	"context"
	"fmt"
	"strings"

	"github.com/elonfeng/dealradar/internal/store"
	"github.com/elonfeng/dealradar/pkg/robots"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RegisterStore validates and inserts a store. When rf is set, robots.txt is
// fetched up front and its rules recorded; failures are ignored.
func RegisterStore(ctx context.Context, q store.Querier, rf *robots.Fetcher, name, rawURL string) (*store.Shop, error) {
	name = strings.TrimSpace(name)
	rawURL = strings.TrimSpace(rawURL)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidStore)
	}
	if err := validate.Var(rawURL, "required,http_url"); err != nil {
		return nil, fmt.Errorf("%w: url %q is not an http(s) URL", ErrInvalidStore, rawURL)
	}

	shop := &store.Shop{Name: name, URL: rawURL}
	if rf != nil {
		if rules, err := rf.FetchAndParse(ctx, rawURL); err == nil {
			s := rules.String()
			shop.RobotsRules = &s
		}
	}
	if err := q.CreateShop(ctx, shop); err != nil {
		return nil, err
	}
	return shop, nil
}

// RobotsPreview is robots.txt as directive lines, or the reason it could not
// be read.
type RobotsPreview struct {
	Rules string `json:"rules"`
	Error string `json:"error,omitempty"`
}

// PreviewRobots fetches robots.txt for rawURL without touching the database.
// A nil fetcher falls back to a default one.
func PreviewRobots(ctx context.Context, rf *robots.Fetcher, rawURL string) RobotsPreview {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return RobotsPreview{Error: "URL is required"}
	}
	if rf == nil {
		rf = robots.NewFetcher(nil, "")
	}
	rules, err := rf.FetchAndParse(ctx, rawURL)
	if err != nil {
		return RobotsPreview{Error: err.Error()}
	}
	return RobotsPreview{Rules: rules.String()}
}
