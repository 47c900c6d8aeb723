// Package ingest deduplicates extracted deal candidates and upserts them
// together with their price history.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/elonfeng/dealradar/internal/store"
	"github.com/elonfeng/dealradar/pkg/agent"
	"github.com/elonfeng/dealradar/pkg/dedup"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 5

// ValidationError reports a candidate that failed validation.
type ValidationError struct {
	Index int
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid deal candidate %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("invalid deal candidate %d: field %s: %v", e.Index, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PriceChange describes an existing deal whose price moved.
type PriceChange struct {
	DealID   string  `json:"dealId"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	OldPrice float64 `json:"oldPrice"`
	NewPrice float64 `json:"newPrice"`
}

// DropPercent is the size of a price drop relative to the old price.
// Increases yield a negative value.
func (c PriceChange) DropPercent() float64 {
	if c.OldPrice == 0 {
		return 0
	}
	return (1 - c.NewPrice/c.OldPrice) * 100
}

// Summary counts what one ingestion did.
type Summary struct {
	Inserted int `json:"inserted"`
	// Updated counts existing deals whose price changed.
	Updated int `json:"updated"`
	// Unchanged counts existing deals rewritten at the same price.
	Unchanged    int           `json:"unchanged"`
	PriceChanges []PriceChange `json:"priceChanges,omitempty"`
}

// Total is the number of distinct deals written.
func (s *Summary) Total() int {
	return s.Inserted + s.Updated + s.Unchanged
}

// Pipeline turns candidates into deals.
type Pipeline struct {
	store       store.Store
	validate    *validator.Validate
	log         *zap.Logger
	now         func() time.Time
	concurrency int
}

// New creates an ingestion pipeline.
func New(s store.Store, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:       s,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         log,
		now:         time.Now,
		concurrency: defaultConcurrency,
	}
}

type prepared struct {
	candidate  agent.Candidate
	key        dedup.Key
	percentOff int
}

// UpdateDealsForStore upserts candidates for a store in one transaction.
// Nothing is written if any candidate is invalid.
func (p *Pipeline) UpdateDealsForStore(ctx context.Context, storeID string, candidates []agent.Candidate) (*Summary, error) {
	var summary *Summary
	err := p.store.WithTx(ctx, func(q store.Querier) error {
		var err error
		summary, err = p.Apply(ctx, q, storeID, candidates)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Apply upserts candidates using q, typically a caller's transaction.
func (p *Pipeline) Apply(ctx context.Context, q store.Querier, storeID string, candidates []agent.Candidate) (*Summary, error) {
	if _, err := q.GetShop(ctx, storeID); err != nil {
		return nil, err
	}

	items, err := p.prepare(ctx, candidates)
	if err != nil {
		return nil, err
	}

	now := p.now()
	summary := &Summary{}
	for _, item := range items {
		if err := p.upsert(ctx, q, storeID, item, now, summary); err != nil {
			return nil, err
		}
	}

	p.log.Debug("ingested deals",
		zap.String("store_id", storeID),
		zap.Int("candidates", len(candidates)),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Int("unchanged", summary.Unchanged),
	)
	return summary, nil
}

// prepare validates and keys every candidate with bounded concurrency, then
// collapses duplicate keys so the last occurrence wins.
func (p *Pipeline) prepare(ctx context.Context, candidates []agent.Candidate) ([]prepared, error) {
	out := make([]prepared, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			item, err := p.prepareOne(i, candidates[i])
			if err != nil {
				return err
			}
			out[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	position := make(map[string]int, len(out))
	unique := make([]prepared, 0, len(out))
	for _, item := range out {
		if idx, ok := position[item.key.DedupKey]; ok {
			unique[idx] = item
			continue
		}
		position[item.key.DedupKey] = len(unique)
		unique = append(unique, item)
	}
	return unique, nil
}

func (p *Pipeline) prepareOne(index int, c agent.Candidate) (prepared, error) {
	if err := p.validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return prepared{}, &ValidationError{
				Index: index,
				Field: fe.Field(),
				Err:   fmt.Errorf("failed %q check", fe.Tag()),
			}
		}
		return prepared{}, &ValidationError{Index: index, Err: err}
	}

	key, err := dedup.BuildDedupKey(c.URL, c.Title)
	if err != nil {
		return prepared{}, err
	}

	return prepared{candidate: c, key: key, percentOff: PercentOff(c.Price, c.MSRP)}, nil
}

func (p *Pipeline) upsert(ctx context.Context, q store.Querier, storeID string, item prepared, now time.Time, summary *Summary) error {
	c := item.candidate

	existing, err := q.GetDealByKey(ctx, storeID, item.key.DedupKey)
	if errors.Is(err, store.ErrNotFound) {
		deal := &store.Deal{
			StoreID:      storeID,
			Title:        c.Title,
			URL:          c.URL,
			CanonicalURL: item.key.CanonicalURL,
			DedupKey:     item.key.DedupKey,
			Image:        optional(c.Image),
			Price:        c.Price,
			Currency:     c.Currency,
			MSRP:         c.MSRP,
			PercentOff:   item.percentOff,
			CreatedAt:    store.At(now),
			UpdatedAt:    store.At(now),
		}
		if err := q.InsertDeal(ctx, deal); err != nil {
			return err
		}
		if err := q.AppendPrice(ctx, deal.ID, c.Price, now); err != nil {
			return err
		}
		summary.Inserted++
		return nil
	}
	if err != nil {
		return err
	}

	oldPrice := existing.Price
	existing.Title = c.Title
	existing.URL = c.URL
	existing.CanonicalURL = item.key.CanonicalURL
	existing.Image = optional(c.Image)
	existing.Price = c.Price
	existing.Currency = c.Currency
	existing.MSRP = c.MSRP
	existing.PercentOff = item.percentOff
	existing.UpdatedAt = store.At(now)
	if err := q.UpdateDeal(ctx, existing); err != nil {
		return err
	}

	if oldPrice == c.Price {
		summary.Unchanged++
		return nil
	}
	if err := q.AppendPrice(ctx, existing.ID, c.Price, now); err != nil {
		return err
	}
	summary.Updated++
	summary.PriceChanges = append(summary.PriceChanges, PriceChange{
		DealID:   existing.ID,
		Title:    existing.Title,
		URL:      existing.URL,
		OldPrice: oldPrice,
		NewPrice: c.Price,
	})
	return nil
}

// PercentOff is round((1 - price/msrp) * 100), or 0 without a nonzero msrp.
// A price above msrp yields a negative value.
func PercentOff(price float64, msrp *float64) int {
	if msrp == nil || *msrp == 0 {
		return 0
	}
	return int(math.Round((1 - price/(*msrp)) * 100))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
