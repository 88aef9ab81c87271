// Copyright 2025 James Ross
// Package httpapi is the thin REST adapter over the external interfaces of
// spec.md §6 (submitJob, getJob, listJobs, getJobResult, cancelJob,
// deleteJob, queueStats). It is a minimal local-smoke-testing front door,
// not the stable production HTTP surface, modeled on the teacher's
// internal/admin-api server/handler split.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/flyingrobots/go-redis-work-queue/internal/broker"
	"github.com/flyingrobots/go-redis-work-queue/internal/lifecycle"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/flyingrobots/go-redis-work-queue/internal/submission"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler holds the collaborators the REST surface dispatches to.
type Handler struct {
	store      store.Store
	broker     *broker.Broker
	submission *submission.Coordinator
	lifecycle  *lifecycle.Controller
	log        *zap.Logger
}

func NewHandler(st store.Store, b *broker.Broker, sub *submission.Coordinator, lc *lifecycle.Controller, log *zap.Logger) *Handler {
	return &Handler{store: st, broker: b, submission: sub, lifecycle: lc, log: log}
}

// NewRouter wires every handler onto a *mux.Router.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/v1/jobs", h.SubmitJob).Methods("POST")
	r.HandleFunc("/v1/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/v1/jobs/{jobId}", h.GetJob).Methods("GET")
	r.HandleFunc("/v1/jobs/{jobId}/result", h.GetJobResult).Methods("GET")
	r.HandleFunc("/v1/jobs/{jobId}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/v1/jobs/{jobId}", h.DeleteJob).Methods("DELETE")
	r.HandleFunc("/v1/queue/stats", h.QueueStats).Methods("GET")
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// submitJobRequest is the wire shape of a POST /v1/jobs body; orgId comes
// from a header rather than the body since tenant identity is established
// by whatever sits in front of this adapter in production.
type submitJobRequest struct {
	UserID       *string         `json:"userId,omitempty"`
	APIKeyID     *string         `json:"apiKeyId,omitempty"`
	InputMediaID string          `json:"inputMediaId"`
	ActionID     string          `json:"actionId"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Priority     int             `json:"priority,omitempty"`
}

func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	orgID := orgIDFrom(r)
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "X-Organization-Id header is required")
		return
	}

	var body submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body")
		return
	}

	job, err := h.submission.Submit(r.Context(), submission.Request{
		OrganizationID: orgID,
		UserID:         body.UserID,
		APIKeyID:       body.APIKeyID,
		InputMediaID:   body.InputMediaID,
		ActionID:       body.ActionID,
		Parameters:     []byte(body.Parameters),
		Priority:       body.Priority,
	})
	if err != nil {
		writeSubmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	orgID := orgIDFrom(r)
	jobID := mux.Vars(r)["jobId"]

	job, err := h.store.FindJob(r.Context(), orgID, jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	orgID := orgIDFrom(r)
	q := r.URL.Query()

	limit := intQuery(q, "limit", 100)
	filter := store.JobFilter{
		Limit:  limit,
		Offset: (intQuery(q, "page", 1) - 1) * limit,
	}
	if status := q.Get("status"); status != "" {
		s := model.JobStatus(status)
		filter.Status = &s
	}
	if actionID := q.Get("actionId"); actionID != "" {
		filter.ActionID = &actionID
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	jobs, total, err := h.store.ListJobs(r.Context(), orgID, filter)
	if err != nil {
		h.log.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "total": total})
}

type jobResultResponse struct {
	Type    model.ResultType `json:"type"`
	Data    json.RawMessage  `json:"data,omitempty"`
	MediaID *string          `json:"mediaId,omitempty"`
}

func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	orgID := orgIDFrom(r)
	jobID := mux.Vars(r)["jobId"]

	job, err := h.store.FindJob(r.Context(), orgID, jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.Status != model.StatusCompleted {
		writeError(w, http.StatusConflict, "ILLEGAL_STATE", "job has no result until it completes")
		return
	}
	writeJSON(w, http.StatusOK, jobResultResponse{Type: *job.ResultType, Data: job.ResultData, MediaID: job.ResultMediaID})
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	orgID := orgIDFrom(r)
	jobID := mux.Vars(r)["jobId"]

	job, err := h.lifecycle.Cancel(r.Context(), orgID, jobID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrIllegalState) {
			writeError(w, http.StatusConflict, "ILLEGAL_STATE", "job is already in a terminal state")
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	orgID := orgIDFrom(r)
	jobID := mux.Vars(r)["jobId"]
	alsoDeleteResultFile := r.URL.Query().Get("alsoDeleteResultFile") == "true"

	if err := h.lifecycle.Delete(r.Context(), orgID, jobID, alsoDeleteResultFile); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tierStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.broker.StatsSnapshot(r.Context())
	if err != nil {
		h.log.Error("queue stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to read queue stats")
		return
	}
	out := map[string]tierStats{}
	for _, tier := range []model.PriorityTier{model.TierHigh, model.TierNormal, model.TierLow} {
		out[string(tier)] = tierStats{
			Waiting:   snap.TierDepth[tier],
			Completed: snap.CompletedCount,
			Failed:    snap.DeadLetterCount,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func orgIDFrom(r *http.Request) string {
	return r.Header.Get("X-Organization-Id")
}

func intQuery(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeSubmissionError(w http.ResponseWriter, err error) {
	var verr *submission.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error())
	case errors.Is(err, submission.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "input media not found or not ready")
	case errors.Is(err, submission.ErrActionNotFound):
		writeError(w, http.StatusNotFound, "ACTION_NOT_FOUND", "action not found")
	case errors.Is(err, submission.ErrActionNotSupported):
		writeError(w, http.StatusUnprocessableEntity, "ACTION_NOT_SUPPORTED", "action does not support this media type")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to submit job")
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
