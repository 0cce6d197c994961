// Package api provides the HTTP API handlers of the gestureops service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ayusman/gestureops/internal/camera"
	"github.com/ayusman/gestureops/internal/capture"
	"github.com/ayusman/gestureops/internal/collection"
	"github.com/ayusman/gestureops/internal/detection"
	"github.com/ayusman/gestureops/internal/status"
	"github.com/ayusman/gestureops/internal/store"
	"github.com/ayusman/gestureops/internal/training"
	"github.com/ayusman/gestureops/internal/workflow"
)

// Service is the application surface the handlers drive.
type Service interface {
	Status() status.View

	Cameras() []camera.Camera
	AddCamera(ctx context.Context, d camera.Descriptor) (camera.Camera, error)
	RemoveCamera(ctx context.Context, id int64) error
	SelectCamera(id int64) error
	WatchCamera(id int64) error
	UnwatchCamera(id int64) error
	UpdateCameraSettings(ctx context.Context, id int64, s camera.Settings) (camera.Camera, error)
	DetectCameras() []capture.Device

	StartCollection(ctx context.Context, gesture string, target int) (collection.Session, error)
	StopCollection(ctx context.Context, token workflow.Token) (collection.Session, error)
	StartTraining(ctx context.Context) (training.Job, error)
	TrainingRuns(ctx context.Context, limit int) ([]training.Job, error)

	Gestures(ctx context.Context) ([]*store.Gesture, error)
	ResetGesture(ctx context.Context, name string) error
	SetMode(ctx context.Context, mode detection.Mode) error
}

// Handler serves the JSON API.
type Handler struct {
	svc    Service
	logger *zap.Logger

	// Video, when set, serves GET /cameras/{id}/video.
	Video http.Handler
}

// NewHandler creates a Handler for svc.
func NewHandler(svc Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes registers the API routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.status)

	r.Route("/cameras", func(r chi.Router) {
		r.Get("/", h.listCameras)
		r.Post("/", h.addCamera)
		r.Get("/detect", h.detectCameras)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", h.removeCamera)
			r.Put("/settings", h.updateSettings)
			r.Post("/select", h.selectCamera)
			r.Post("/watch", h.watchCamera)
			r.Delete("/watch", h.unwatchCamera)
			if h.Video != nil {
				r.Get("/video", h.Video.ServeHTTP)
			}
		})
	})

	r.Post("/collection/start", h.startCollection)
	r.Post("/collection/stop", h.stopCollection)
	r.Post("/training/start", h.startTraining)
	r.Get("/training/runs", h.listRuns)

	r.Get("/gestures", h.listGestures)
	r.Delete("/gestures/{name}", h.resetGesture)

	r.Put("/mode", h.setMode)
}

type errorResponse struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeErr maps err onto an HTTP status. Rejections caused by current state
// carry that state so the view can explain them.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), State: workflow.StateOf(err)})
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	switch workflow.KindOf(err) {
	case workflow.KindInvalidArgument:
		return http.StatusBadRequest
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindPreconditionFailed, workflow.KindConflict, workflow.KindStaleToken:
		return http.StatusConflict
	case workflow.KindTransientConnection, workflow.KindUpstreamFailure, workflow.KindProtocol:
		return http.StatusBadGateway
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return workflow.Wrap("api.decode", workflow.KindInvalidArgument, err)
	}
	return nil
}

func cameraID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, workflow.E("api.cameraID", workflow.KindInvalidArgument, "", "invalid camera id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}
