package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ayusman/gestureops/internal/status"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// StatusHandler pushes the status view over a WebSocket whenever the
// snapshot changes. A slow client skips intermediate snapshots.
type StatusHandler struct {
	reconciler *status.Reconciler
	logger     *zap.Logger
}

// NewStatusHandler creates a StatusHandler reading from reconciler.
func NewStatusHandler(reconciler *status.Reconciler, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{reconciler: reconciler, logger: logger}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.reconciler.Subscribe()
	defer h.reconciler.Unsubscribe(sub)

	// The client never sends anything we act on; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var sent uint64
	push := func() bool {
		snap := h.reconciler.Snapshot()
		if sent != 0 && snap.Seq == sent {
			return true
		}
		sent = snap.Seq
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap.View()); err != nil {
			h.logger.Debug("status push failed", zap.Error(err))
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-sub.C():
			if !push() {
				return
			}
		}
	}
}
