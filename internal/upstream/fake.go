package upstream

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ayusman/gestureops/internal/detection"
	"github.com/ayusman/gestureops/internal/training"
	"github.com/ayusman/gestureops/internal/workflow"
)

// Fake is an in-memory training collaborator for tests. Serve it with
// httptest.NewServer and drive its state from the test.
type Fake struct {
	router chi.Router

	mu     sync.Mutex
	status statusPayload
	mode   detection.Mode
	fail   map[string]string
	calls  map[string]int
}

// NewFake returns an idle Fake collaborator.
func NewFake() *Fake {
	f := &Fake{
		mode:  detection.ModeStandard,
		fail:  make(map[string]string),
		calls: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post("/training/collect/start", f.collectStart)
	r.Post("/training/collect/stop", f.collectStop)
	r.Post("/training/train", f.train)
	r.Get("/training/status", f.statusHandler)
	r.Post("/system/mode", f.setMode)
	f.router = r
	return f
}

func (f *Fake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.router.ServeHTTP(w, r)
}

// Fail makes the command at path reply with an error message. An empty
// message clears the failure.
func (f *Fake) Fail(path, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if message == "" {
		delete(f.fail, path)
		return
	}
	f.fail[path] = message
}

// Calls returns how many requests path has received.
func (f *Fake) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// Mode returns the last mode set.
func (f *Fake) Mode() detection.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// Collected sets the collaborator's sample count for the current session.
func (f *Fake) Collected(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.SamplesCollected = n
}

// Progress reports the current training job at progress p.
func (f *Fake) Progress(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Job != nil {
		f.status.Job.State = training.Training
		f.status.Job.Progress = p
	}
}

// Complete finishes the current training job with metrics.
func (f *Fake) Complete(m *training.Metrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Job != nil {
		f.status.Job.State = training.Complete
		f.status.Job.Progress = 1
		f.status.Job.Metrics = m
		f.status.IsTrainingModel = false
	}
}

// Restart forgets every session and job, as a restarted collaborator would.
func (f *Fake) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = statusPayload{}
}

// FailJob fails the current training job.
func (f *Fake) FailJob(cause string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Job != nil {
		f.status.Job.State = training.Error
		f.status.Job.Error = cause
		f.status.IsTrainingModel = false
	}
}

func (f *Fake) record(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	msg, failing := f.fail[r.URL.Path]
	f.mu.Unlock()
	if failing {
		writeReply(w, http.StatusOK, reply{Status: "error", Message: msg})
		return false
	}
	return true
}

func (f *Fake) collectStart(w http.ResponseWriter, r *http.Request) {
	if !f.record(w, r) {
		return
	}
	var req collectStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReply(w, http.StatusBadRequest, reply{Status: "error", Message: err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.IsCollecting {
		writeReply(w, http.StatusOK, reply{Status: "error", Message: "Already collecting"})
		return
	}
	f.status.SessionID = req.SessionID
	f.status.IsCollecting = true
	f.status.CurrentGesture = req.GestureName
	f.status.TargetSamples = req.NumSamples
	f.status.SamplesCollected = 0
	writeReply(w, http.StatusOK, reply{Status: "started"})
}

func (f *Fake) collectStop(w http.ResponseWriter, r *http.Request) {
	if !f.record(w, r) {
		return
	}
	var req collectStopRequest
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	if req.SessionID == f.status.SessionID {
		f.status.IsCollecting = false
	}
	writeReply(w, http.StatusOK, reply{Status: "stopped"})
}

func (f *Fake) train(w http.ResponseWriter, r *http.Request) {
	if !f.record(w, r) {
		return
	}
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID.IsZero() {
		writeReply(w, http.StatusBadRequest, reply{Status: "error", Message: "job_id required"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.IsTrainingModel {
		writeReply(w, http.StatusOK, reply{Status: "error", Message: "Already training"})
		return
	}
	f.status.IsTrainingModel = true
	f.status.Job = &jobPayload{JobID: req.JobID, State: training.Preparing}
	writeReply(w, http.StatusOK, reply{Status: "started"})
}

func (f *Fake) setMode(w http.ResponseWriter, r *http.Request) {
	if !f.record(w, r) {
		return
	}
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Mode.Valid() {
		writeReply(w, http.StatusBadRequest, reply{Status: "error", Message: "invalid mode"})
		return
	}
	f.mu.Lock()
	f.mode = req.Mode
	f.mu.Unlock()
	writeReply(w, http.StatusOK, reply{Status: "ok"})
}

func (f *Fake) statusHandler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	st := f.status
	if st.Job != nil {
		job := *st.Job
		st.Job = &job
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// SessionID returns the collection session the collaborator last started.
func (f *Fake) SessionID() workflow.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status.SessionID
}

func writeReply(w http.ResponseWriter, code int, r reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(r)
}
