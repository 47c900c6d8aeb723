package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/elonfeng/dealradar/internal/crawl"
	"github.com/elonfeng/dealradar/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 24
	maxPageSize     = 100
	recentJobsLimit = 10
)

type storeSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	opts, ok := dealListOpts(w, r)
	if !ok {
		return
	}
	opts.StoreID = r.URL.Query().Get("store")
	s.listDeals(w, r, opts)
}

func (s *Server) handleStoreDeals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetShop(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, ok := dealListOpts(w, r)
	if !ok {
		return
	}
	opts.StoreID = id
	s.listDeals(w, r, opts)
}

func (s *Server) listDeals(w http.ResponseWriter, r *http.Request, opts store.DealListOpts) {
	deals, err := s.store.ListDeals(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   deals,
		"count":  len(deals),
		"offset": opts.Offset,
		"isDone": len(deals) < opts.Limit,
	})
}

// dealListOpts parses sort and pagination parameters, writing a problem on
// bad input.
func dealListOpts(w http.ResponseWriter, r *http.Request) (store.DealListOpts, bool) {
	q := r.URL.Query()
	opts := store.DealListOpts{Limit: defaultPageSize}

	switch sort := store.DealSort(q.Get("sort")); sort {
	case "":
	case store.SortNewest, store.SortBiggestDrop, store.SortPrice, store.SortAll:
		opts.Sort = sort
	default:
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "unknown sort "+strconv.Quote(string(sort)))
		return opts, false
	}

	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeProblem(w, r, http.StatusBadRequest, "Bad Request", name+" must be a non-negative integer")
			return opts, false
		}
		*dst = n
	}
	if opts.Limit == 0 {
		opts.Limit = defaultPageSize
	}
	opts.Limit = min(opts.Limit, maxPageSize)
	return opts, true
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := s.store.GetDeal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{"deal": deal}
	shop, err := s.store.GetShop(r.Context(), deal.StoreID)
	switch {
	case err == nil:
		resp["store"] = storeSummary{ID: shop.ID, Name: shop.Name, URL: shop.URL}
	case !errors.Is(err, store.ErrNotFound):
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetDeal(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	points, err := s.store.PriceHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": points, "count": len(points)})
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ListShopStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats, "count": len(stats)})
}

func (s *Server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	shop, err := s.store.GetShop(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), store.JobListOpts{StoreID: id, Limit: recentJobsLimit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"store": shop, "recentJobs": jobs})
}

func (s *Server) handleStoreJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetShop(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := store.JobListOpts{StoreID: id, Status: store.JobStatus(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.Limit = n
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": jobs, "count": len(jobs)})
}

type createStoreRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req createStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error())
		return
	}
	shop, err := crawl.RegisterStore(r.Context(), s.store, s.robots, req.Name, req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"storeId": shop.ID, "store": shop})
}

func (s *Server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteShop(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePreviewRobots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, crawl.PreviewRobots(r.Context(), s.robots, r.URL.Query().Get("url")))
}

func (s *Server) handleCrawlNow(w http.ResponseWriter, r *http.Request) {
	job, err := s.crawler.BeginManualCrawl(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": job.ID})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	res, err := s.scheduler.Tick(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	res, err := s.scheduler.RetryFailedJobs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
