package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ayusman/gestureops/internal/training"
	"github.com/ayusman/gestureops/internal/workflow"
)

type startCollectionRequest struct {
	Gesture string `json:"gesture"`
	Target  int    `json:"target"`
}

type stopCollectionRequest struct {
	SessionID workflow.Token `json:"session_id"`
}

type listRunsResponse struct {
	Runs []training.Job `json:"runs"`
}

// startCollection handles POST /api/collection/start.
func (h *Handler) startCollection(w http.ResponseWriter, r *http.Request) {
	var req startCollectionRequest
	if err := decode(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}

	s, err := h.svc.StartCollection(r.Context(), req.Gesture, req.Target)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// stopCollection handles POST /api/collection/stop. Without a session id it
// stops the current session.
func (h *Handler) stopCollection(w http.ResponseWriter, r *http.Request) {
	var req stopCollectionRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeErr(w, r, err)
		return
	}

	s, err := h.svc.StopCollection(r.Context(), req.SessionID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// startTraining handles POST /api/training/start. A job the collaborator
// refused is still reported with 202; its state is error.
func (h *Handler) startTraining(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.StartTraining(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// listRuns handles GET /api/training/runs?limit=N.
func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.svc.TrainingRuns(r.Context(), limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []training.Job{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}
