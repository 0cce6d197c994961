package app

import "sync"

// videoHub fans live JPEG images out to per-camera subscribers. Each
// subscriber holds at most one pending image; a slow reader sees the newest
// image and skips the rest.
type videoHub struct {
	mu      sync.Mutex
	clients map[int64]map[chan []byte]struct{}
	closed  bool
}

func newVideoHub() *videoHub {
	return &videoHub{clients: make(map[int64]map[chan []byte]struct{})}
}

func (h *videoHub) subscribe(id int64) (<-chan []byte, func()) {
	c := make(chan []byte, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c)
		return c, func() {}
	}
	if h.clients[id] == nil {
		h.clients[id] = make(map[chan []byte]struct{})
	}
	h.clients[id][c] = struct{}{}

	var once sync.Once
	return c, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[id][c]; ok {
				delete(h.clients[id], c)
				close(c)
			}
		})
	}
}

func (h *videoHub) publish(id int64, img []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[id] {
		select {
		case c <- img:
			continue
		default:
		}
		// Replace the stale pending image.
		select {
		case <-c:
		default:
		}
		select {
		case c <- img:
		default:
		}
	}
}

// drop ends every subscription of a camera.
func (h *videoHub) drop(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[id] {
		close(c)
	}
	delete(h.clients, id)
}

func (h *videoHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, subs := range h.clients {
		for c := range subs {
			close(c)
		}
		delete(h.clients, id)
	}
	h.closed = true
}
