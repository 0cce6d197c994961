package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/ayusman/gestureops/internal/app"
	"github.com/ayusman/gestureops/internal/status"
	"github.com/ayusman/gestureops/internal/store"
	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/upstream"
)

func newTestServer(t *testing.T) (*httptest.Server, *stream.FakeDialer) {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	collab := httptest.NewServer(upstream.NewFake())
	t.Cleanup(collab.Close)

	dialer := stream.NewAutoDialer()
	a := app.New(app.Config{
		Store:        s,
		Upstream:     upstream.NewClient(collab.URL, time.Second, nil),
		StreamURL:    func(id int64) string { return fmt.Sprintf("ws://cameras.test/%d", id) },
		Dialer:       dialer,
		PollInterval: time.Minute,
		Logger:       zaptest.NewLogger(t),
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	ts := httptest.NewServer(New(Config{App: a, Logger: zaptest.NewLogger(t)}))
	t.Cleanup(ts.Close)
	return ts, dialer
}

func send(t *testing.T, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusWebSocket(t *testing.T) {
	ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first status.View
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if first.Collecting || first.IsTraining {
		t.Errorf("initial view = %+v, want idle workflows", first)
	}

	if resp := send(t, ts, http.MethodPut, "/api/mode", `{"mode":"safe"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /api/mode status = %d", resp.StatusCode)
	}

	for {
		var v status.View
		if err := conn.ReadJSON(&v); err != nil {
			t.Fatalf("no view with the new mode: %v", err)
		}
		if v.Seq <= first.Seq {
			t.Errorf("view seq %d not after %d", v.Seq, first.Seq)
		}
		if v.Mode == "safe" {
			return
		}
	}
}

func TestVideoRelay(t *testing.T) {
	ts, dialer := newTestServer(t)

	if resp := send(t, ts, http.MethodPost, "/api/cameras", `{"source":"0"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/cameras status = %d", resp.StatusCode)
	}
	if resp := send(t, ts, http.MethodPost, "/api/cameras/1/watch", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("watch status = %d", resp.StatusCode)
	}
	conn, ok := dialer.Conn("ws://cameras.test/1", 2*time.Second)
	if !ok {
		t.Fatal("camera channel never dialed")
	}

	if resp := send(t, ts, http.MethodGet, "/api/cameras/42/video", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown camera video status = %d, want 404", resp.StatusCode)
	}

	resp := send(t, ts, http.MethodGet, "/api/cameras/1/video", "")
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", ct)
	}

	jpeg := "\xff\xd8jpeg\xff\xd9"
	conn.SendBinary([]byte(jpeg))

	r := bufio.NewReader(resp.Body)
	var header []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading part header: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" && len(header) > 0 {
			break
		}
		if line != "" {
			header = append(header, line)
		}
	}
	want := []string{"--frame", "Content-Type: image/jpeg", fmt.Sprintf("Content-Length: %d", len(jpeg))}
	if strings.Join(header, "|") != strings.Join(want, "|") {
		t.Errorf("part header = %q, want %q", header, want)
	}
	body := make([]byte, len(jpeg))
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("reading part body: %v", err)
	}
	if string(body) != jpeg {
		t.Errorf("part body = %q, want %q", body, jpeg)
	}
}
