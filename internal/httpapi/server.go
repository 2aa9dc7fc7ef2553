// Package httpapi exposes the availability queries consumed by
// scheduling features.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/taskmirror/calsync/internal/availability"
)

type Availability interface {
	FreeBusy(ctx context.Context, linkIDs []int64, from, to time.Time) ([]availability.Interval, error)
	CommonFree(ctx context.Context, linkIDs []int64, from, to time.Time, minDuration time.Duration) ([]availability.Interval, error)
}

type Server struct {
	avail  Availability
	logger *zap.Logger
}

func NewServer(avail Availability, logger *zap.Logger) *Server {
	return &Server{avail: avail, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/v1/freebusy":
		s.handleFreeBusy(w, r)
	case "/v1/commonfree":
		s.handleCommonFree(w, r)
	default:
		http.NotFound(w, r)
	}
}

type intervalJSON struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleFreeBusy(w http.ResponseWriter, r *http.Request) {
	linkIDs, from, to, ok := s.windowParams(w, r)
	if !ok {
		return
	}
	busy, err := s.avail.FreeBusy(r.Context(), linkIDs, from, to)
	if err != nil {
		s.logger.Error("freebusy query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"busy": intervals(busy)})
}

func (s *Server) handleCommonFree(w http.ResponseWriter, r *http.Request) {
	linkIDs, from, to, ok := s.windowParams(w, r)
	if !ok {
		return
	}
	var minDuration time.Duration
	if v := r.URL.Query().Get("min"); v != "" {
		var err error
		minDuration, err = time.ParseDuration(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid min duration"})
			return
		}
	}
	free, err := s.avail.CommonFree(r.Context(), linkIDs, from, to, minDuration)
	if err != nil {
		s.logger.Error("commonfree query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"free": intervals(free)})
}

func (s *Server) windowParams(w http.ResponseWriter, r *http.Request) (linkIDs []int64, from, to time.Time, ok bool) {
	query := r.URL.Query()
	for _, raw := range query["link"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid link id"})
			return nil, from, to, false
		}
		linkIDs = append(linkIDs, id)
	}

	var err error
	from, err = time.Parse(time.RFC3339, query.Get("from"))
	if err == nil {
		to, err = time.Parse(time.RFC3339, query.Get("to"))
	}
	if err != nil || !from.Before(to) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window"})
		return nil, from, to, false
	}
	return linkIDs, from, to, true
}

func intervals(ivs []availability.Interval) []intervalJSON {
	out := make([]intervalJSON, len(ivs))
	for i, iv := range ivs {
		out[i] = intervalJSON{Start: iv.Start, End: iv.End}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
