// Package server exposes deals, stores and crawl controls over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/dealradar/internal/scheduler"
	"github.com/elonfeng/dealradar/internal/store"
	"github.com/elonfeng/dealradar/pkg/robots"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// Scheduler runs admission-control passes.
type Scheduler interface {
	Tick(ctx context.Context) (scheduler.TickResult, error)
	RetryFailedJobs(ctx context.Context) (scheduler.RetryResult, error)
}

// Crawler starts crawls on demand.
type Crawler interface {
	BeginManualCrawl(ctx context.Context, storeID string) (*store.CrawlJob, error)
}

// Config holds server settings.
type Config struct {
	Port int
	// RequestsPerMinute limits each client IP on mutating admin routes.
	// Zero disables the limit.
	RequestsPerMinute int
}

// Server provides the HTTP API.
type Server struct {
	store     store.Store
	scheduler Scheduler
	crawler   Crawler
	robots    *robots.Fetcher
	cfg       Config
	log       *zap.Logger
}

// New creates a new HTTP server.
func New(s store.Store, sched Scheduler, crawler Crawler, rf *robots.Fetcher, cfg Config, log *zap.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if rf == nil {
		rf = robots.NewFetcher(nil, "")
	}
	return &Server{
		store:     s,
		scheduler: sched,
		crawler:   crawler,
		robots:    rf,
		cfg:       cfg,
		log:       log,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(1 << 20))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/deals", s.handleListDeals)
		r.Get("/deals/{id}", s.handleGetDeal)
		r.Get("/deals/{id}/history", s.handlePriceHistory)

		r.Get("/stores", s.handleListStores)
		r.Get("/stores/{id}", s.handleGetStore)
		r.Get("/stores/{id}/deals", s.handleStoreDeals)
		r.Get("/stores/{id}/jobs", s.handleStoreJobs)
		r.Get("/robots", s.handlePreviewRobots)

		r.Group(func(r chi.Router) {
			if s.cfg.RequestsPerMinute > 0 {
				r.Use(httprate.LimitByIP(s.cfg.RequestsPerMinute, time.Minute))
			}
			r.Post("/stores", s.handleCreateStore)
			r.Delete("/stores/{id}", s.handleDeleteStore)
			r.Post("/stores/{id}/crawl", s.handleCrawlNow)
			r.Post("/crawl/tick", s.handleTick)
			r.Post("/crawl/retry", s.handleRetry)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", r.Method+" is not supported on "+r.URL.Path)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
