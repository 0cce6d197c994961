package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// videoSource hands out per-camera live image feeds.
type videoSource interface {
	SubscribeVideo(id int64) (<-chan []byte, func(), error)
}

// VideoHandler relays a camera's live JPEG images as an MJPEG stream.
type VideoHandler struct {
	source videoSource
}

// NewVideoHandler creates a new VideoHandler over source.
func NewVideoHandler(source videoSource) *VideoHandler {
	return &VideoHandler{source: source}
}

// ServeHTTP streams MJPEG frames until the client leaves or the camera's
// channel closes.
func (h *VideoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid camera id", http.StatusBadRequest)
		return
	}
	frames, cancel, err := h.source.SubscribeVideo(id)
	if err != nil {
		http.Error(w, "Camera not found", http.StatusNotFound)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case img, ok := <-frames:
			if !ok {
				return
			}
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(img))
			if _, err := w.Write(img); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")

			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}
