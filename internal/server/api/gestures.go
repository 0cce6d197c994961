package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ayusman/gestureops/internal/detection"
	"github.com/ayusman/gestureops/internal/store"
)

type gestureResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Samples   int    `json:"samples"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type listGesturesResponse struct {
	Gestures []gestureResponse `json:"gestures"`
	Total    int               `json:"total"`
}

type setModeRequest struct {
	Mode detection.Mode `json:"mode"`
}

// toResponse converts a ledger entry to a gestureResponse.
func toResponse(g *store.Gesture) gestureResponse {
	return gestureResponse{
		ID:        g.ID,
		Name:      g.Name,
		Samples:   g.Samples,
		CreatedAt: g.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: g.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// listGestures handles GET /api/gestures and returns the sample ledger.
func (h *Handler) listGestures(w http.ResponseWriter, r *http.Request) {
	gestures, err := h.svc.Gestures(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list gestures")
		return
	}

	response := listGesturesResponse{
		Gestures: make([]gestureResponse, 0, len(gestures)),
	}
	for _, g := range gestures {
		response.Gestures = append(response.Gestures, toResponse(g))
		response.Total += g.Samples
	}

	writeJSON(w, http.StatusOK, response)
}

// resetGesture handles DELETE /api/gestures/{name} and drops the gesture's
// collected sample count.
func (h *Handler) resetGesture(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResetGesture(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setMode handles PUT /api/mode.
func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := decode(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.svc.SetMode(r.Context(), req.Mode); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
