// Package relay implements the asynchronous intermediary between the build
// pipeline and the downstream vulnerability-management system. It accepts
// delivery jobs over HTTP, fetches the referenced artifacts, and imports
// them without ever surfacing a failure back to the pipeline.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"scanrelay/internal/domain"
	"scanrelay/internal/relay/jobstore"
)

// maxListLimit bounds one /jobs response regardless of the requested limit.
const maxListLimit = 1000

// Handler exposes the relay intake and the read-only job observability
// endpoints.
type Handler struct {
	pool   *Pool
	store  jobstore.Store
	logger *slog.Logger
}

func NewHandler(pool *Pool, store jobstore.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pool: pool, store: store, logger: logger}
}

// Register mounts the relay routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/import", h.handleImport)
	r.Get("/jobs/{jobID}", h.handleGetJob)
	r.Get("/jobs", h.handleListJobs)
	r.Get("/healthz", h.handleHealthz)
}

// handleImport validates the payload and enqueues it. The response goes out
// the moment the job is queued; import duration is unbounded from the
// pipeline's point of view and must never hold this connection open.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var job domain.DeliveryJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JOB", "malformed JSON body")
		return
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JOB", "scan_type, engagement and file_url are required")
		return
	}
	if !job.ScanType.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_JOB", "unknown scan_type "+strconv.Quote(string(job.ScanType)))
		return
	}

	jobID, err := h.pool.Enqueue(r.Context(), job)
	if errors.Is(err, domain.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_FULL", "work queue at capacity, retry later")
		return
	}
	if err != nil {
		h.logger.Error("enqueue failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not record job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	res, err := h.store.Get(r.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	if err != nil {
		h.logger.Error("get job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	results, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list jobs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not list jobs")
		return
	}
	if results == nil {
		results = []domain.ImportResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": results})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
