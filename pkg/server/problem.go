package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elonfeng/dealradar/internal/crawl"
	"github.com/elonfeng/dealradar/internal/scheduler"
	"github.com/elonfeng/dealradar/internal/store"
	"go.uber.org/zap"
)

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// writeError maps domain errors onto problem responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var inProgress *crawl.CrawlInProgressError

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &inProgress):
		writeProblem(w, r, http.StatusConflict, "CrawlInProgressError", err.Error())
	case errors.Is(err, scheduler.ErrTickInProgress):
		writeProblem(w, r, http.StatusConflict, "Tick In Progress", err.Error())
	case errors.Is(err, crawl.ErrInvalidStore):
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
}
