package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/ayusman/gestureops/internal/app"
	"github.com/ayusman/gestureops/internal/server"
	"github.com/ayusman/gestureops/internal/status"
	"github.com/ayusman/gestureops/internal/store"
	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/training"
	"github.com/ayusman/gestureops/internal/upstream"
)

// cameraServer streams a detection frame with one hand every interval to
// every websocket client until the test ends.
func cameraServer(t *testing.T, interval time.Duration) *httptest.Server {
	t.Helper()
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				msg := fmt.Sprintf(`{"type":"detection","timestamp":%d,"hands":[{"gesture":"fist","confidence":0.95}]}`,
					now.UnixMilli())
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(func() {
		close(done)
		ts.Close()
	})
	return ts
}

type env struct {
	ts     *httptest.Server
	collab *upstream.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()

	cams := cameraServer(t, 10*time.Millisecond)
	camURL := "ws" + strings.TrimPrefix(cams.URL, "http")

	s, err := store.New(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	collab := upstream.NewFake()
	collabServer := httptest.NewServer(collab)
	t.Cleanup(collabServer.Close)

	a := app.New(app.Config{
		Store:        s,
		Upstream:     upstream.NewClient(collabServer.URL, time.Second, nil),
		StreamURL:    func(id int64) string { return fmt.Sprintf("%s/cameras/%d", camURL, id) },
		Dialer:       stream.WebsocketDialer{HandshakeTimeout: time.Second},
		RetryDelay:   100 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		PollTimeout:  40 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	ts := httptest.NewServer(server.New(server.Config{App: a}))
	t.Cleanup(ts.Close)
	return &env{ts: ts, collab: collab}
}

func (e *env) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s decode error = %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *env) status(t *testing.T) status.View {
	t.Helper()
	var v status.View
	if code := e.do(t, http.MethodGet, "/api/status", "", &v); code != http.StatusOK {
		t.Fatalf("GET /api/status = %d", code)
	}
	return v
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestE2E_CollectAndTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}
	e := newEnv(t)

	t.Run("FocusCamera", func(t *testing.T) {
		if code := e.do(t, http.MethodPost, "/api/cameras", `{"source":"0","label":"bench"}`, nil); code != http.StatusCreated {
			t.Fatalf("add camera status = %d", code)
		}
		if code := e.do(t, http.MethodPost, "/api/cameras/1/select", "", nil); code != http.StatusOK {
			t.Fatalf("select status = %d", code)
		}
		eventually(t, "a live frame from the focused camera", func() bool {
			v := e.status(t)
			return v.FocusedCamera != nil && *v.FocusedCamera == 1 &&
				len(v.Cameras) == 1 && v.Cameras[0].State == "connected" && v.Cameras[0].Frame != nil
		})
		eventually(t, "the collaborator to be reachable", func() bool { return e.status(t).UpstreamReachable })
	})

	t.Run("Collect", func(t *testing.T) {
		var session struct {
			ID string `json:"id"`
		}
		if code := e.do(t, http.MethodPost, "/api/collection/start", `{"gesture":"fist","target":5}`, &session); code != http.StatusCreated {
			t.Fatalf("start collection status = %d", code)
		}
		if e.collab.SessionID().String() != session.ID {
			t.Errorf("collaborator session = %s, want %s", e.collab.SessionID(), session.ID)
		}

		eventually(t, "the session to reach its target", func() bool {
			v := e.status(t)
			return !v.Collecting && v.Collection.Collected == 5
		})
		eventually(t, "the ledger to record the samples", func() bool {
			var list struct {
				Gestures []struct {
					Name    string `json:"name"`
					Samples int    `json:"samples"`
				} `json:"gestures"`
			}
			e.do(t, http.MethodGet, "/api/gestures", "", &list)
			return len(list.Gestures) == 1 && list.Gestures[0].Name == "fist" && list.Gestures[0].Samples == 5
		})
		if got := e.collab.Calls("/training/collect/stop"); got != 1 {
			t.Errorf("collaborator stop calls = %d, want 1", got)
		}
	})

	t.Run("Train", func(t *testing.T) {
		var job training.Job
		if code := e.do(t, http.MethodPost, "/api/training/start", "", &job); code != http.StatusAccepted {
			t.Fatalf("start training status = %d", code)
		}
		if code := e.do(t, http.MethodPost, "/api/collection/start", `{"gesture":"palm","target":5}`, nil); code != http.StatusConflict {
			t.Errorf("collection during training status = %d, want 409", code)
		}

		e.collab.Progress(0.5)
		eventually(t, "training progress", func() bool {
			v := e.status(t)
			return v.IsTraining && v.Training.State == training.Training && v.Training.Progress == 0.5
		})

		acc := 0.93
		e.collab.Complete(&training.Metrics{Accuracy: &acc})
		eventually(t, "training to complete", func() bool {
			v := e.status(t)
			return !v.IsTraining && v.Training.State == training.Complete
		})

		var runs struct {
			Runs []training.Job `json:"runs"`
		}
		eventually(t, "the run to be recorded", func() bool {
			e.do(t, http.MethodGet, "/api/training/runs", "", &runs)
			return len(runs.Runs) == 1
		})
		if runs.Runs[0].ID != job.ID || runs.Runs[0].State != training.Complete {
			t.Fatalf("runs = %+v, want the completed job %s", runs.Runs, job.ID)
		}
		if m := runs.Runs[0].Metrics; m == nil || m.Accuracy == nil || *m.Accuracy != acc {
			t.Errorf("run metrics = %+v, want accuracy %v", m, acc)
		}
	})
}
