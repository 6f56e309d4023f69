// Package api exposes the edit queue over a small JSON HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ineyio/editqueue"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the edit endpoints.
type Handler struct {
	repo   editqueue.Repository
	queue  *editqueue.Queue
	logger *slog.Logger

	batches sync.WaitGroup
}

// NewHandler creates a Handler. If logger is nil, slog.Default() is used.
func NewHandler(repo editqueue.Repository, queue *editqueue.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, queue: queue, logger: logger}
}

// Router returns a router with the API, /health and, when metrics is non-nil, /metrics.
func (h *Handler) Router(metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/edits", h.CreateEdit).Methods(http.MethodPost)
	v1.HandleFunc("/edits/batch", h.CreateBatch).Methods(http.MethodPost)
	v1.HandleFunc("/edits/{id}", h.GetEdit).Methods(http.MethodGet)
	v1.HandleFunc("/edits/{id}/retry", h.RetryEdit).Methods(http.MethodPost)
	v1.HandleFunc("/users/{userID}/edits", h.ListUserEdits).Methods(http.MethodGet)
	v1.HandleFunc("/usage/{userID}", h.GetUsage).Methods(http.MethodGet)
	return r
}

// Wait blocks until every background batch started by CreateBatch has finished.
func (h *Handler) Wait() {
	h.batches.Wait()
}

// CreateEditRequest is the body of POST /api/v1/edits.
type CreateEditRequest struct {
	UserID        string            `json:"user_id"`
	InputImageURL string            `json:"input_image_url"`
	Prompt        string            `json:"prompt"`
	Model         string            `json:"ai_model"`
	Quality       editqueue.Quality `json:"quality"`
}

// CreateBatchRequest is the body of POST /api/v1/edits/batch.
type CreateBatchRequest struct {
	UserID  string            `json:"user_id"`
	Images  []string          `json:"images"`
	Prompt  string            `json:"prompt"`
	Model   string            `json:"ai_model"`
	Quality editqueue.Quality `json:"quality"`
}

// CreateBatchResponse is returned by POST /api/v1/edits/batch.
type CreateBatchResponse struct {
	EditIDs []string `json:"edit_ids"`
	Total   int      `json:"total"`
}

// UsageResponse is returned by GET /api/v1/usage/{userID}.
type UsageResponse struct {
	Usage editqueue.Usage `json:"usage"`
	Quota editqueue.Quota `json:"quota"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"processing": h.queue.ProcessingCount(),
	})
}

func (h *Handler) CreateEdit(w http.ResponseWriter, r *http.Request) {
	var req CreateEditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	quota, err := h.repo.Quota(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("quota check failed", "user_id", req.UserID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if !quota.CanUse {
		respondWithJSON(w, http.StatusForbidden, map[string]any{
			"error": "AI quota exceeded for this month",
			"quota": quota,
		})
		return
	}

	edit, err := h.repo.CreateEdit(r.Context(), editqueue.EditRequest{
		UserID:        req.UserID,
		InputImageURL: req.InputImageURL,
		Prompt:        req.Prompt,
		Model:         req.Model,
		Quality:       req.Quality,
	})
	if err != nil {
		h.respondCreateError(w, err)
		return
	}

	h.queue.SubmitSingle(r.Context(), edit.ID)
	w.Header().Set("Location", "/api/v1/edits/"+edit.ID)
	respondWithJSON(w, http.StatusAccepted, edit)
}

func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(req.Images) == 0 {
		respondWithError(w, http.StatusBadRequest, "images must not be empty")
		return
	}
	if limit := h.queue.MaxBatchSize(); len(req.Images) > limit {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("at most %d images per batch", limit))
		return
	}

	quota, err := h.repo.Quota(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("quota check failed", "user_id", req.UserID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if quota.Remaining < int64(len(req.Images)) {
		respondWithJSON(w, http.StatusForbidden, map[string]any{
			"error": fmt.Sprintf("batch of %d exceeds remaining quota of %d", len(req.Images), quota.Remaining),
			"quota": quota,
		})
		return
	}

	edits := make([]editqueue.EditRequest, len(req.Images))
	for i, img := range req.Images {
		edits[i] = editqueue.EditRequest{
			UserID:        req.UserID,
			InputImageURL: img,
			Prompt:        req.Prompt,
			Model:         req.Model,
			Quality:       req.Quality,
		}
		if _, err := editqueue.PrepareEdit(edits[i], time.Now()); err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("images[%d]: %v", i, err))
			return
		}
	}

	ids := make([]string, 0, len(edits))
	for _, e := range edits {
		edit, err := h.repo.CreateEdit(r.Context(), e)
		if err != nil {
			h.abandon(r.Context(), ids, err)
			h.respondCreateError(w, err)
			return
		}
		ids = append(ids, edit.ID)
	}

	ctx := context.WithoutCancel(r.Context())
	h.batches.Add(1)
	go func() {
		defer h.batches.Done()
		res, err := h.queue.SubmitBatch(ctx, ids)
		if err != nil {
			h.logger.Error("batch submission failed", "user_id", req.UserID, "error", err)
			return
		}
		h.logger.Info("batch processed",
			"user_id", req.UserID, "total", res.Total, "completed", res.Completed, "failed", res.Failed)
	}()

	respondWithJSON(w, http.StatusAccepted, CreateBatchResponse{EditIDs: ids, Total: len(ids)})
}

func (h *Handler) GetEdit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	edit, err := h.repo.GetEdit(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, edit)
}

func (h *Handler) RetryEdit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := h.queue.Retry(r.Context(), id)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(editqueue.StatusQueued)})
	case errors.Is(err, editqueue.ErrNotRetryable):
		respondWithError(w, http.StatusConflict, err.Error())
	default:
		h.respondLookupError(w, err)
	}
}

func (h *Handler) ListUserEdits(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	edits, err := h.repo.ListUserEdits(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list edits failed", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, edits)
}

func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	usage, err := h.repo.Usage(r.Context(), userID)
	if err != nil {
		h.logger.Error("usage lookup failed", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	quota, err := h.repo.Quota(r.Context(), userID)
	if err != nil {
		h.logger.Error("quota lookup failed", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, UsageResponse{Usage: usage, Quota: quota})
}

// abandon marks edits created before a failed batch insert as failed,
// so none of them stays queued without a caller holding its ID.
func (h *Handler) abandon(ctx context.Context, ids []string, cause error) {
	msg := fmt.Sprintf("batch creation aborted: %v", cause)
	for _, id := range ids {
		err := h.repo.UpdateEdit(ctx, id, editqueue.EditUpdate{
			Status:       editqueue.Ptr(editqueue.StatusFailed),
			ErrorMessage: editqueue.Ptr(msg),
		})
		if err != nil {
			h.logger.Error("failed to abandon batch edit", "edit_id", id, "error", err)
		}
	}
}

func (h *Handler) respondCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, editqueue.ErrInvalidEdit):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, editqueue.ErrInvalidEditID):
		respondWithError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("create edit failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (h *Handler) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, editqueue.ErrEditNotFound) {
		respondWithError(w, http.StatusNotFound, "Edit not found")
		return
	}
	h.logger.Error("edit lookup failed", "error", err)
	respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
