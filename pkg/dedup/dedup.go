// Package dedup builds the canonical URL and content-hash key that identify
// the same deal across repeated crawls of a store.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// trackingParams are dropped from the query string. Keys match case-sensitively.
var trackingParams = map[string]struct{}{
	"utm_source":       {},
	"utm_medium":       {},
	"utm_campaign":     {},
	"utm_term":         {},
	"utm_content":      {},
	"gclid":            {},
	"fbclid":           {},
	"mc_eid":           {},
	"mc_cid":           {},
	"ref":              {},
	"referrer":         {},
	"aff":              {},
	"aff_id":           {},
	"affiliate":        {},
	"utm_id":           {},
	"utm_reader":       {},
	"utm_viz_id":       {},
	"utm_pubreferrer":  {},
	"oly_enc_id":       {},
	"oly_anon_id":      {},
	"ascsrc":           {},
	"cmp":              {},
	"_branch_match_id": {},
	"_branch_referrer": {},
	"igshid":           {},
	"mkt_tok":          {},
	"spm":              {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

var errMissingSchemeOrHost = errors.New("missing scheme or host")

// URLParseError is returned when a raw URL cannot be canonicalized.
type URLParseError struct {
	URL string
	Err error
}

func (e *URLParseError) Error() string {
	return fmt.Sprintf("normalize url %q: %v", e.URL, e.Err)
}

func (e *URLParseError) Unwrap() error { return e.Err }

// Key is the result of BuildDedupKey.
type Key struct {
	CanonicalURL string `json:"canonical_url"`
	DedupKey     string `json:"dedup_key"`
}

// IsTrackingParam reports whether a query key is stripped during normalization.
func IsTrackingParam(key string) bool {
	_, ok := trackingParams[key]
	return ok
}

// NormalizeURL canonicalizes a URL for comparison: lowercased host, default
// port removed, fragment dropped, tracking parameters stripped, remaining
// parameters sorted by key and a single trailing slash removed from the path.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", &URLParseError{URL: raw, Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &URLParseError{URL: raw, Err: errMissingSchemeOrHost}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = normalizeHost(u)
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = cleanQuery(u.Query())
	u.ForceQuery = false

	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = strings.TrimSuffix(u.RawPath, "/")
	}

	return u.String(), nil
}

func normalizeHost(u *url.URL) string {
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || defaultPorts[u.Scheme] == port {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]"
		}
		return hostname
	}
	return net.JoinHostPort(hostname, port)
}

// cleanQuery drops tracking parameters and encodes the rest sorted by key.
// url.Values.Encode keeps the order of repeated keys.
func cleanQuery(values url.Values) string {
	for key := range values {
		if IsTrackingParam(key) {
			delete(values, key)
		}
	}
	if len(values) == 0 {
		return ""
	}
	return values.Encode()
}

// NormalizeTitle trims, lowercases and collapses whitespace runs to one space.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// CreateHash returns the lowercase hex SHA-256 digest of input (64 characters).
func CreateHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// BuildDedupKey derives the canonical URL and the dedup key for a deal.
func BuildDedupKey(rawURL, title string) (Key, error) {
	canonical, err := NormalizeURL(rawURL)
	if err != nil {
		return Key{}, err
	}
	return Key{
		CanonicalURL: canonical,
		DedupKey:     CreateHash(canonical + "|" + NormalizeTitle(title)),
	}, nil
}
