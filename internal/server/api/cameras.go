package api

import (
	"net/http"

	"github.com/ayusman/gestureops/internal/camera"
	"github.com/ayusman/gestureops/internal/capture"
)

type addCameraRequest struct {
	// Source is a device index, a stream URL or a file path.
	Source string `json:"source"`
	FPS    int    `json:"fps"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Label  string `json:"label"`
}

type listCamerasResponse struct {
	Cameras []camera.Camera `json:"cameras"`
}

type detectCamerasResponse struct {
	Devices []capture.Device `json:"devices"`
}

// listCameras handles GET /api/cameras.
func (h *Handler) listCameras(w http.ResponseWriter, r *http.Request) {
	cams := h.svc.Cameras()
	if cams == nil {
		cams = []camera.Camera{}
	}
	writeJSON(w, http.StatusOK, listCamerasResponse{Cameras: cams})
}

// addCamera handles POST /api/cameras.
func (h *Handler) addCamera(w http.ResponseWriter, r *http.Request) {
	var req addCameraRequest
	if err := decode(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	src, err := camera.ParseSource(req.Source)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	cam, err := h.svc.AddCamera(r.Context(), camera.Descriptor{
		Source: src,
		FPS:    req.FPS,
		Width:  req.Width,
		Height: req.Height,
		Label:  req.Label,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cam)
}

// detectCameras handles GET /api/cameras/detect.
func (h *Handler) detectCameras(w http.ResponseWriter, r *http.Request) {
	devices := h.svc.DetectCameras()
	if devices == nil {
		devices = []capture.Device{}
	}
	writeJSON(w, http.StatusOK, detectCamerasResponse{Devices: devices})
}

// removeCamera handles DELETE /api/cameras/{id}.
func (h *Handler) removeCamera(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err == nil {
		err = h.svc.RemoveCamera(r.Context(), id)
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// updateSettings handles PUT /api/cameras/{id}/settings.
func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	var s camera.Settings
	if err := decode(r, &s); err != nil {
		h.writeErr(w, r, err)
		return
	}

	cam, err := h.svc.UpdateCameraSettings(r.Context(), id, s)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

// selectCamera handles POST /api/cameras/{id}/select.
func (h *Handler) selectCamera(w http.ResponseWriter, r *http.Request) {
	h.channelOp(w, r, h.svc.SelectCamera)
}

// watchCamera handles POST /api/cameras/{id}/watch.
func (h *Handler) watchCamera(w http.ResponseWriter, r *http.Request) {
	h.channelOp(w, r, h.svc.WatchCamera)
}

// unwatchCamera handles DELETE /api/cameras/{id}/watch.
func (h *Handler) unwatchCamera(w http.ResponseWriter, r *http.Request) {
	h.channelOp(w, r, h.svc.UnwatchCamera)
}

func (h *Handler) channelOp(w http.ResponseWriter, r *http.Request, op func(int64) error) {
	id, err := cameraID(r)
	if err == nil {
		err = op(id)
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status())
}
