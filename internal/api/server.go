// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/budget"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	idgen "github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/service"
)

// CrawlService is the crawl registry the server drives.
type CrawlService interface {
	Start(ctx context.Context, req service.Request) (service.Status, error)
	Get(id string) (service.Status, error)
	List() []service.Status
	Stop(id string) error
	AddSeeds(id string, seeds []string, limits budget.Limits) (string, error)
	EndSession(id, sessionID string) error
	Running() int
}

// Server wires HTTP handlers to the crawl service and progress store.
type Server struct {
	router   chi.Router
	crawls   CrawlService
	progress *ProgressHandler
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. progress may be
// nil, in which case the run endpoints answer 503.
func NewServer(crawls CrawlService, progress *ProgressHandler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = NewProgressHandler(nil, logger)
	}
	s := &Server{
		crawls:   crawls,
		progress: progress,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/", s.listCrawls)
			r.Route("/{crawl_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Post("/stop", s.stopCrawl)
				r.Post("/sessions", s.startSession)
				r.Delete("/sessions/{session_id}", s.endSession)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.progress.ListRuns)
			r.Get("/{crawl_id}", s.progress.GetRun)
			r.Get("/{crawl_id}/hosts", s.progress.ListRunHosts)
		})
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "running_crawls": s.crawls.Running()})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Seeds) == 0 {
		writeError(w, http.StatusBadRequest, "seeds required")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	st, err := s.crawls.Start(r.Context(), service.Request{
		Seeds:    req.Seeds,
		Query:    req.Query,
		MaxPages: valueOrDefault(req.MaxPages, 0),
		MaxDepth: valueOrDefault(req.MaxDepth, 0),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTooManyCrawls):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, service.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, crawler.ErrInvalidURL):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("start crawl failed", zap.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"crawl": toCrawlDTO(st)})
}

func (s *Server) listCrawls(w http.ResponseWriter, _ *http.Request) {
	list := s.crawls.List()
	out := make([]crawlDTO, 0, len(list))
	for _, st := range list {
		out = append(out, toCrawlDTO(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawls": out})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	id, ok := s.crawlID(w, r)
	if !ok {
		return
	}
	st, err := s.crawls.Get(id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": toCrawlDTO(st)})
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	id, ok := s.crawlID(w, r)
	if !ok {
		return
	}
	if err := s.crawls.Stop(id); err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crawl_id": id, "status": "stopping"})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.crawlID(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Seeds) == 0 {
		writeError(w, http.StatusBadRequest, "seeds required")
		return
	}
	limits := budget.Limits{
		MaxPages:     req.MaxPages,
		MaxBytes:     req.MaxBytes,
		MaxWallClock: time.Duration(req.MaxWallClockSeconds) * time.Second,
	}
	sid, err := s.crawls.AddSeeds(id, req.Seeds, limits)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeLookupError(w, err)
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"crawl_id": id, "session_id": sid})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.crawlID(w, r)
	if !ok {
		return
	}
	if err := s.crawls.EndSession(id, chi.URLParam(r, "session_id")); err != nil {
		s.writeLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) crawlID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "crawl_id")
	if !idgen.Valid(id) {
		writeError(w, http.StatusBadRequest, "invalid crawl_id")
		return "", false
	}
	return id, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrNotFound) {
		writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	s.logger.Error("crawl lookup failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

type startCrawlRequest struct {
	Seeds    []string `json:"seeds"`
	Query    string   `json:"query"`
	MaxPages *int64   `json:"max_pages"`
	MaxDepth *int     `json:"max_depth"`
}

type sessionRequest struct {
	Seeds               []string `json:"seeds"`
	MaxPages            int64    `json:"max_pages"`
	MaxBytes            int64    `json:"max_bytes"`
	MaxWallClockSeconds int      `json:"max_wall_clock_seconds"`
}

type crawlDTO struct {
	ID              string                  `json:"id"`
	Query           string                  `json:"query"`
	State           string                  `json:"state"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      *time.Time              `json:"finished_at,omitempty"`
	Pages           int64                   `json:"pages"`
	Bytes           int64                   `json:"bytes"`
	Failures        int64                   `json:"failures"`
	InFlight        int64                   `json:"in_flight"`
	Dispatched      int64                   `json:"dispatched"`
	Queued          int                     `json:"queued"`
	ElapsedSeconds  float64                 `json:"elapsed_seconds"`
	StopReason      string                  `json:"stop_reason,omitempty"`
	StoppedBranches []string                `json:"stopped_branches,omitempty"`
	Hosts           map[string]hostUsageDTO `json:"hosts,omitempty"`
	Error           string                  `json:"error,omitempty"`
	Diagnostic      string                  `json:"diagnostic,omitempty"`
}

type hostUsageDTO struct {
	Pages    int64 `json:"pages"`
	Bytes    int64 `json:"bytes"`
	Failures int64 `json:"failures"`
}

func toCrawlDTO(st service.Status) crawlDTO {
	dto := crawlDTO{
		ID:              st.ID,
		Query:           st.Query,
		State:           string(st.State),
		StartedAt:       st.StartedAt,
		Pages:           st.Stats.Pages,
		Bytes:           st.Stats.Bytes,
		Failures:        st.Stats.Failures,
		InFlight:        st.Stats.InFlight,
		Dispatched:      st.Stats.Dispatched,
		Queued:          st.Stats.Queued,
		ElapsedSeconds:  st.Stats.Elapsed.Seconds(),
		StopReason:      st.Stats.StopReason,
		StoppedBranches: st.Stats.StoppedBranches,
		Error:           st.Err,
		Diagnostic:      st.Stats.Diagnostic,
	}
	if !st.FinishedAt.IsZero() {
		finished := st.FinishedAt
		dto.FinishedAt = &finished
	}
	if len(st.Stats.PerHost) > 0 {
		dto.Hosts = make(map[string]hostUsageDTO, len(st.Stats.PerHost))
		for host, u := range st.Stats.PerHost {
			dto.Hosts[host] = hostUsageDTO{Pages: u.Pages, Bytes: u.Bytes, Failures: u.Failures}
		}
	}
	return dto
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
