package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/elonfeng/dealradar/internal/store"
	"github.com/elonfeng/dealradar/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*Pipeline, *store.SQLiteStore, *store.Shop) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	shop := &store.Shop{Name: "Gadgets", URL: "https://gadgets.test"}
	require.NoError(t, s.CreateShop(context.Background(), shop))

	p := New(s, zap.NewNop())
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return p, s, shop
}

func ptr(v float64) *float64 { return &v }

func candidate(url, title string, price float64) agent.Candidate {
	return agent.Candidate{Title: title, URL: url, Price: price, Currency: "USD"}
}

func TestUpdateDealsForStore_UpsertHistory(t *testing.T) {
	p, s, shop := setup(t)
	ctx := context.Background()

	first := candidate("https://gadgets.test/p/1?utm_source=x", "Widget", 20)
	sum, err := p.UpdateDealsForStore(ctx, shop.ID, []agent.Candidate{first})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Inserted)

	// Same deal behind a different tracking parameter and title spacing.
	second := candidate("https://GADGETS.test/p/1?fbclid=y", "  widget ", 15)
	sum, err = p.UpdateDealsForStore(ctx, shop.ID, []agent.Candidate{second})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Inserted)
	assert.Equal(t, 1, sum.Updated)
	require.Len(t, sum.PriceChanges, 1)
	assert.Equal(t, 20.0, sum.PriceChanges[0].OldPrice)
	assert.Equal(t, 15.0, sum.PriceChanges[0].NewPrice)
	assert.InDelta(t, 25.0, sum.PriceChanges[0].DropPercent(), 1e-9)

	deals, err := s.ListDeals(ctx, store.DealListOpts{StoreID: shop.ID})
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, 15.0, deals[0].Price)
	assert.Equal(t, "  widget ", deals[0].Title, "title is overwritten verbatim")
	assert.Equal(t, "https://gadgets.test/p/1", deals[0].CanonicalURL)

	history, err := s.PriceHistory(ctx, deals[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 20.0, history[0].Price)
	assert.Equal(t, 15.0, history[1].Price)

	// Unchanged price: no new history row.
	sum, err = p.UpdateDealsForStore(ctx, shop.ID, []agent.Candidate{second})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Unchanged)
	assert.Empty(t, sum.PriceChanges)

	history, err = s.PriceHistory(ctx, deals[0].ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestUpdateDealsForStore_PercentOff(t *testing.T) {
	p, s, shop := setup(t)
	ctx := context.Background()

	discounted := candidate("https://gadgets.test/a", "A", 75)
	discounted.MSRP = ptr(100)
	marked := candidate("https://gadgets.test/b", "B", 120)
	marked.MSRP = ptr(100)
	zero := candidate("https://gadgets.test/c", "C", 10)
	zero.MSRP = ptr(0)
	none := candidate("https://gadgets.test/d", "D", 10)

	_, err := p.UpdateDealsForStore(ctx, shop.ID, []agent.Candidate{discounted, marked, zero, none})
	require.NoError(t, err)

	want := map[string]int{"A": 25, "B": -20, "C": 0, "D": 0}
	deals, err := s.ListDeals(ctx, store.DealListOpts{StoreID: shop.ID})
	require.NoError(t, err)
	require.Len(t, deals, 4)
	for _, d := range deals {
		assert.Equal(t, want[d.Title], d.PercentOff, d.Title)
	}
}

func TestPercentOff(t *testing.T) {
	assert.Equal(t, 33, PercentOff(2, ptr(3)))
	assert.Equal(t, 100, PercentOff(0, ptr(50)))
	assert.Equal(t, -50, PercentOff(150, ptr(100)))
	assert.Equal(t, 0, PercentOff(10, nil))
}

func TestUpdateDealsForStore_AtomicOnInvalidCandidate(t *testing.T) {
	tests := []struct {
		name    string
		bad     agent.Candidate
		checkFn func(t *testing.T, err error)
	}{
		{
			name: "negative price",
			bad:  candidate("https://gadgets.test/x", "X", -1),
			checkFn: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, 1, ve.Index)
				assert.Equal(t, "Price", ve.Field)
			},
		},
		{
			name: "bad currency",
			bad:  agent.Candidate{Title: "X", URL: "https://gadgets.test/x", Price: 1, Currency: "EURO"},
			checkFn: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "Currency", ve.Field)
			},
		},
		{
			name: "non-http url",
			bad:  candidate("ftp://gadgets.test/x", "X", 1),
			checkFn: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "URL", ve.Field)
			},
		},
		{
			name: "missing title",
			bad:  candidate("https://gadgets.test/x", "", 1),
			checkFn: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "Title", ve.Field)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s, shop := setup(t)
			ctx := context.Background()

			good := candidate("https://gadgets.test/good", "Good", 5)
			_, err := p.UpdateDealsForStore(ctx, shop.ID, []agent.Candidate{good, tt.bad})
			require.Error(t, err)
			tt.checkFn(t, err)

			deals, err := s.ListDeals(ctx, store.DealListOpts{StoreID: shop.ID})
			require.NoError(t, err)
			assert.Empty(t, deals, "no partial writes")
		})
	}
}

func TestUpdateDealsForStore_DuplicateKeysInBatch(t *testing.T) {
	p, s, shop := setup(t)
	ctx := context.Background()

	a := candidate("https://gadgets.test/p/9#reviews", "Lamp", 30)
	b := candidate("https://gadgets.test/p/9/", "LAMP", 25)

	sum, err := p.UpdateDealsForStore(ctx, shop.ID, []agent.Candidate{a, b})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Inserted)
	assert.Equal(t, 1, sum.Total())

	deals, err := s.ListDeals(ctx, store.DealListOpts{StoreID: shop.ID})
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, 25.0, deals[0].Price, "last occurrence wins")
}

func TestUpdateDealsForStore_UnknownStore(t *testing.T) {
	p, _, _ := setup(t)
	_, err := p.UpdateDealsForStore(context.Background(), "missing", []agent.Candidate{candidate("https://a.test", "A", 1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateDealsForStore_StoresAreIsolated(t *testing.T) {
	p, s, shop := setup(t)
	ctx := context.Background()
	other := &store.Shop{Name: "Other", URL: "https://other.test"}
	require.NoError(t, s.CreateShop(ctx, other))

	c := candidate("https://shared.test/item", "Item", 10)
	_, err := p.UpdateDealsForStore(ctx, shop.ID, []agent.Candidate{c})
	require.NoError(t, err)
	sum, err := p.UpdateDealsForStore(ctx, other.ID, []agent.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Inserted, "same key in another store is a new deal")
}

func TestUpdateDealsForStore_Empty(t *testing.T) {
	p, _, shop := setup(t)
	sum, err := p.UpdateDealsForStore(context.Background(), shop.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total())
}
