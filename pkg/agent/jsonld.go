package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// JSONLDExtractor reads schema.org Product markup embedded as JSON-LD.
type JSONLDExtractor struct {
	client *http.Client
}

// NewJSONLDExtractor creates a JSON-LD extractor.
func NewJSONLDExtractor() *JSONLDExtractor {
	return &JSONLDExtractor{client: &http.Client{Timeout: 30 * time.Second}}
}

func (j *JSONLDExtractor) Extract(ctx context.Context, pageURL string) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create page request: %w", err)
	}
	req.Header.Set("User-Agent", "dealradar/1.0")

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page status %d", resp.StatusCode)
	}
	return ParseJSONLD(resp.Body, pageURL)
}

// ParseJSONLD extracts Product entries from the JSON-LD blocks of an HTML page.
// Relative product URLs are resolved against pageURL.
func ParseJSONLD(r io.Reader, pageURL string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	var deals []Candidate
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var node any
		if err := json.Unmarshal([]byte(s.Text()), &node); err != nil {
			return
		}
		for _, product := range findProducts(node) {
			if c, ok := productCandidate(product, base); ok {
				deals = append(deals, c)
			}
		}
	})
	return deals, nil
}

// findProducts walks arrays, @graph and ItemList wrappers.
func findProducts(node any) []map[string]any {
	switch v := node.(type) {
	case []any:
		var out []map[string]any
		for _, child := range v {
			out = append(out, findProducts(child)...)
		}
		return out
	case map[string]any:
		if hasType(v, "Product") {
			return []map[string]any{v}
		}
		var out []map[string]any
		for _, key := range []string{"@graph", "itemListElement", "item"} {
			if child, ok := v[key]; ok {
				out = append(out, findProducts(child)...)
			}
		}
		return out
	}
	return nil
}

func hasType(node map[string]any, want string) bool {
	switch t := node["@type"].(type) {
	case string:
		return t == want
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func productCandidate(p map[string]any, base *url.URL) (Candidate, bool) {
	offer := firstObject(p["offers"])
	if offer == nil {
		return Candidate{}, false
	}

	price, ok := number(offer["price"])
	if !ok {
		if price, ok = number(offer["lowPrice"]); !ok {
			return Candidate{}, false
		}
	}

	c := Candidate{
		Title:    str(p["name"]),
		URL:      resolve(base, firstNonEmpty(str(p["url"]), str(offer["url"]))),
		Image:    resolve(base, imageURL(p["image"])),
		Price:    price,
		Currency: strings.ToUpper(str(offer["priceCurrency"])),
	}
	if c.URL == "" && base != nil {
		c.URL = base.String()
	}
	if msrp, ok := listPrice(offer["priceSpecification"]); ok {
		c.MSRP = &msrp
	}
	return c, true
}

// listPrice finds a ListPrice or StrikethroughPrice specification.
func listPrice(spec any) (float64, bool) {
	specs, ok := spec.([]any)
	if !ok {
		specs = []any{spec}
	}
	for _, s := range specs {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		kind := str(m["priceType"])
		if strings.HasSuffix(kind, "ListPrice") || strings.HasSuffix(kind, "StrikethroughPrice") {
			if v, ok := number(m["price"]); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func firstObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, child := range t {
			if m, ok := child.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func imageURL(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			return imageURL(t[0])
		}
	case map[string]any:
		return str(t["url"])
	}
	return ""
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
		return f, err == nil
	}
	return 0, false
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func resolve(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
