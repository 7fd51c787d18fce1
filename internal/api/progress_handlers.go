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

	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

const (
	defaultRunLimit   = 50
	maxRunLimit       = 500
	defaultHostsLimit = 100
	maxHostsLimit     = 1000
	progressTimeout   = 3 * time.Second
)

// ProgressHandler exposes read-only persisted crawl progress.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns a JSON
// object {"runs": [...]} on success, 400 for invalid filters, 503 when the repo
// is unavailable, or 500 if the repository call fails.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if statusParam := strings.TrimSpace(r.URL.Query().Get("status")); statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	runs, err := h.repo.ListCrawls(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": toRunDTOs(runs),
	})
}

// GetRun handles GET /v1/runs/{crawl_id}. It returns {"run": {...}} on success,
// 400 for malformed IDs, 404 when the repository reports store.ErrNotFound,
// 503 if the repo is not initialized, or 500 otherwise.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	crawlID, err := parseCrawlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetCrawl(ctx, crawlID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListRunHosts handles GET /v1/runs/{crawl_id}/hosts?limit=&offset=.
func (h *ProgressHandler) ListRunHosts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	crawlID, err := parseCrawlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHostsLimit, maxHostsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	hosts, err := h.repo.ListCrawlHosts(ctx, crawlID, limit, offset)
	if err != nil {
		h.logger.Error("list run hosts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run hosts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hosts": toHostDTOs(hosts),
	})
}

func parseCrawlID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "crawl_id")
	if id == "" {
		return "", errors.New("crawl_id is required")
	}
	if !uuid.Valid(id) {
		return "", errors.New("invalid crawl_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success", "done":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTOs(in []store.CrawlRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.CrawlRun) runDTO {
	return runDTO{
		ID:         run.ID,
		Query:      run.Query,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		StopReason: run.StopReason,
	}
}

func toHostDTOs(in []store.HostStats) []hostDTO {
	out := make([]hostDTO, 0, len(in))
	for _, s := range in {
		out = append(out, hostDTO{
			Host:          s.Host,
			LastUpdate:    s.LastUpdate,
			Fetches:       s.Fetches,
			BytesTotal:    s.BytesTotal,
			Fetch2xx:      s.Fetch2xx,
			Fetch3xx:      s.Fetch3xx,
			Fetch4xx:      s.Fetch4xx,
			Fetch5xx:      s.Fetch5xx,
			FetchOther:    s.FetchOther,
			MeanRelevance: s.MeanRelevance(),
		})
	}
	return out
}

type runDTO struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	StopReason *string    `json:"stop_reason,omitempty"`
}

type hostDTO struct {
	Host          string    `json:"host"`
	LastUpdate    time.Time `json:"last_update"`
	Fetches       int64     `json:"fetches"`
	BytesTotal    int64     `json:"bytes_total"`
	Fetch2xx      int64     `json:"fetch_2xx"`
	Fetch3xx      int64     `json:"fetch_3xx"`
	Fetch4xx      int64     `json:"fetch_4xx"`
	Fetch5xx      int64     `json:"fetch_5xx"`
	FetchOther    int64     `json:"fetch_other"`
	MeanRelevance float64   `json:"mean_relevance"`
}
