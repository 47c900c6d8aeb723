package robots

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRobots = `# shop robots
User-agent: *
Disallow: /checkout
Disallow: /account/   # private
Allow: /account/deals
`

func TestParse(t *testing.T) {
	rules, err := Parse(sampleRobots, "")
	require.NoError(t, err)

	assert.Equal(t, []Rule{
		{Allow: "/account/deals"},
		{Disallow: "/checkout"},
		{Disallow: "/account/"},
	}, rules.Rules)

	assert.True(t, rules.IsBlocked("/checkout"))
	assert.True(t, rules.IsBlocked("/account/settings"))
	assert.False(t, rules.IsBlocked("/account/deals"))
	assert.False(t, rules.IsBlocked("/products/1"))
	assert.False(t, rules.IsBlocked(""))

	assert.Equal(t, "/checkout", rules.BlockingRule("/checkout/step-1"))
	assert.Equal(t, "", rules.BlockingRule("/products/1"))
	assert.Equal(t, "Allow: /account/deals\nDisallow: /checkout\nDisallow: /account/", rules.String())
}

func TestParse_Empty(t *testing.T) {
	rules, err := Parse("", "")
	require.NoError(t, err)
	assert.Empty(t, rules.Rules)
	assert.False(t, rules.IsBlocked("/anything"))
}

func TestRobotsURL(t *testing.T) {
	got, err := RobotsURL("https://shop.example.com/deals?page=2")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/robots.txt", got)

	got, err = RobotsURL("shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/robots.txt", got)
}

func TestFetchAndParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/robots.txt", r.URL.Path)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /cart\n"))
	}))
	defer srv.Close()

	rules, err := NewFetcher(srv.Client(), "").FetchAndParse(context.Background(), srv.URL+"/deals")
	require.NoError(t, err)
	assert.True(t, rules.IsBlocked("/cart"))
	assert.False(t, rules.IsBlocked("/deals"))
}

func TestFetchAndParse_NotFoundAllowsAll(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rules, err := NewFetcher(srv.Client(), "").FetchAndParse(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, rules.Rules)
	assert.False(t, rules.IsBlocked("/cart"))
}

func TestFetchAndParse_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), "").FetchAndParse(context.Background(), srv.URL)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, fetchErr.Error(), "status 500")
}

func TestFetchAndParse_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewFetcher(nil, "").FetchAndParse(context.Background(), addr)

	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestBlockingRule_Wildcards(t *testing.T) {
	rules, err := Parse("User-agent: *\nDisallow: /*/private\nDisallow: /*.pdf$\nDisallow: /tmp*\n", "dealradar")
	require.NoError(t, err)

	tests := []struct {
		path string
		rule string
	}{
		{"/shop/private", "/*/private"},
		{"/a/b/private/x", "/*/private"},
		{"/docs/catalog.pdf", "/*.pdf$"},
		{"/docs/catalog.pdf?x=1", ""},
		{"/tmpfiles", "/tmp*"},
		{"/shop/public", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.rule != "", rules.IsBlocked(tt.path))
			assert.Equal(t, tt.rule, rules.BlockingRule(tt.path))
		})
	}
}

func TestMatches(t *testing.T) {
	assert.True(t, matches("/anything", "/"))
	assert.True(t, matches("/a/x/b/y/c", "/a*b*c$"))
	assert.False(t, matches("/a/x/b/y/cd", "/a*b*c$"))
	assert.True(t, matches("/exact", "/exact$"))
	assert.False(t, matches("/exact/more", "/exact$"))
	assert.False(t, matches("/ab", "/ab*b$"))
}
