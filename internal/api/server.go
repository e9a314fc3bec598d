// Package api exposes the HTTP interface for the scraper cluster master.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/localgrid/scraper-cluster/internal/cache"
	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/coordinator"
	"github.com/localgrid/scraper-cluster/internal/metrics"
	"github.com/localgrid/scraper-cluster/internal/monitor"
	"github.com/localgrid/scraper-cluster/internal/store"
)

// Server wires HTTP handlers to the coordinator and monitor.
type Server struct {
	router      chi.Router
	coordinator *coordinator.Coordinator
	monitor     *monitor.Monitor
	cache       *cache.Cache
	store       store.Store
	logger      *zap.Logger
	maxDeadline time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	coord *coordinator.Coordinator,
	mon *monitor.Monitor,
	resultCache *cache.Cache,
	st store.Store,
	maxDeadline time.Duration,
	logger *zap.Logger,
) *Server {
	if maxDeadline <= 0 {
		maxDeadline = 2 * time.Minute
	}
	s := &Server{
		coordinator: coord,
		monitor:     mon,
		cache:       resultCache,
		store:       st,
		logger:      logger,
		maxDeadline: maxDeadline,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/search", s.search)
		r.Get("/workers", s.workers)
		r.Get("/stats", s.stats)
		r.Post("/cache/clear", s.clearCache)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// search serves one synchronous search request. The handler blocks until
// the aggregation session resolves or its deadline fires.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseSearchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.coordinator.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, cluster.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "task queue is full, retry later")
		case errors.Is(err, cluster.ErrTimedOut):
			writeError(w, http.StatusGatewayTimeout, "no results before the deadline")
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful to write.
		default:
			writeError(w, http.StatusBadGateway, "search failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) parseSearchRequest(r *http.Request) (cluster.SearchRequest, error) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		return cluster.SearchRequest{}, errors.New("missing required parameter q")
	}
	req := cluster.SearchRequest{
		Query:    query,
		Location: strings.TrimSpace(q.Get("location")),
		Limit:    intParam(q.Get("limit"), 10),
		Priority: intParam(q.Get("priority"), 0),
		UseCache: q.Get("nocache") == "",
	}
	if raw := q.Get("timeout"); raw != "" {
		seconds := intParam(raw, 0)
		if seconds <= 0 {
			return cluster.SearchRequest{}, errors.New("timeout must be a positive number of seconds")
		}
		deadline := time.Duration(seconds) * time.Second
		if deadline > s.maxDeadline {
			deadline = s.maxDeadline
		}
		req.Deadline = deadline
	}
	return req, nil
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.monitor.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read cluster state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taken_at": snapshot.TakenAt,
		"workers":  snapshot.Workers,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.monitor.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read cluster state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taken_at":    snapshot.TakenAt,
		"performance": s.coordinator.Stats(),
		"queue":       snapshot.Queue,
		"workers":     snapshot.Workers,
		"credentials": snapshot.Credentials,
	})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
