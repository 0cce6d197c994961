package collection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/ayusman/gestureops/internal/workflow"
)

type fakeUpstream struct {
	mu       sync.Mutex
	beginErr error
	begun    []string
	ended    []workflow.Token
	onBegin  func()
}

func (u *fakeUpstream) BeginCollection(ctx context.Context, id workflow.Token, gesture string, target int) error {
	if u.onBegin != nil {
		u.onBegin()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.beginErr != nil {
		return u.beginErr
	}
	u.begun = append(u.begun, gesture)
	return nil
}

func (u *fakeUpstream) EndCollection(ctx context.Context, id workflow.Token) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ended = append(u.ended, id)
	return nil
}

func (u *fakeUpstream) endCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.ended)
}

type fakeLedger struct {
	mu      sync.Mutex
	samples map[string]int
}

func (l *fakeLedger) AddSamples(ctx context.Context, gesture string, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.samples == nil {
		l.samples = make(map[string]int)
	}
	l.samples[gesture] += n
	return nil
}

func (l *fakeLedger) count(gesture string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.samples[gesture]
}

type harness struct {
	m        *Machine
	slot     *workflow.Slot
	upstream *fakeUpstream
	ledger   *fakeLedger
	clock    *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		slot:     workflow.NewSlot(),
		upstream: &fakeUpstream{},
		ledger:   &fakeLedger{},
		clock:    clock.NewMock(),
	}
	h.m = New(Config{
		Slot:     h.slot,
		Upstream: h.upstream,
		Ledger:   h.ledger,
		Clock:    h.clock,
		Logger:   zaptest.NewLogger(t),
	})
	t.Cleanup(h.m.Wait)
	return h
}

func (h *harness) start(t *testing.T, gesture string, target int) workflow.Token {
	t.Helper()
	tok, err := h.m.Start(context.Background(), gesture, target)
	if err != nil {
		t.Fatalf("Start(%q, %d) error = %v", gesture, target, err)
	}
	return tok
}

func TestMachine_ScenarioA_ReachesTarget(t *testing.T) {
	h := newHarness(t)
	tok := h.start(t, "fist", 50)

	for i := 1; i <= 50; i++ {
		n, err := h.m.Accept(tok)
		if err != nil {
			t.Fatalf("Accept() #%d error = %v", i, err)
		}
		if n != i {
			t.Fatalf("Accept() #%d = %d, want %d", i, n, i)
		}
		if s := h.m.Session(); i < 50 && !s.Active {
			t.Fatalf("session ended early at %d samples", i)
		}
	}

	s := h.m.Session()
	if s.State != Idle || s.Active || s.Collected != 50 {
		t.Errorf("final session = %+v, want idle with 50 samples", s)
	}
	if owner, _ := h.slot.Holder(); owner != workflow.OwnerNone {
		t.Errorf("slot still held by %q", owner)
	}
	if got := h.ledger.count("fist"); got != 50 {
		t.Errorf("ledger fist = %d, want 50", got)
	}
	h.m.Wait()
	if h.upstream.endCount() != 1 {
		t.Errorf("EndCollection calls = %d, want 1", h.upstream.endCount())
	}
}

func TestMachine_NeverExceedsTarget(t *testing.T) {
	h := newHarness(t)
	tok := h.start(t, "palm", 3)
	for i := 0; i < 10; i++ {
		h.m.Accept(tok)
	}
	if s := h.m.Session(); s.Collected != 3 {
		t.Errorf("Collected = %d, want 3", s.Collected)
	}
}

func TestMachine_ScenarioB_StopKeepsPartialCount(t *testing.T) {
	h := newHarness(t)
	tok := h.start(t, "fist", 50)
	for i := 0; i < 10; i++ {
		h.m.Accept(tok)
	}

	first, err := h.m.Stop(context.Background(), tok)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	second, err := h.m.Stop(context.Background(), tok)
	if err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if first.State != Idle || first.Collected != 10 {
		t.Errorf("after Stop() = %+v, want idle with 10 samples", first)
	}
	if first != second {
		t.Errorf("Stop() is not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
	if got := h.ledger.count("fist"); got != 10 {
		t.Errorf("ledger fist = %d, want 10", got)
	}
	h.m.Wait()
	if h.upstream.endCount() != 1 {
		t.Errorf("EndCollection calls = %d, want 1", h.upstream.endCount())
	}
}

func TestMachine_StartValidation(t *testing.T) {
	tests := []struct {
		name    string
		gesture string
		target  int
	}{
		{"empty gesture", "", 10},
		{"blank gesture", "   ", 10},
		{"zero target", "fist", 0},
		{"negative target", "fist", -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.m.Start(context.Background(), tt.gesture, tt.target)
			if !errors.Is(err, workflow.ErrInvalidArgument) {
				t.Errorf("Start() error = %v, want invalid argument", err)
			}
			if owner, _ := h.slot.Holder(); owner != workflow.OwnerNone {
				t.Errorf("slot held by %q after rejected start", owner)
			}
		})
	}
}

func TestMachine_StartWhileActive(t *testing.T) {
	h := newHarness(t)
	h.start(t, "fist", 5)

	_, err := h.m.Start(context.Background(), "palm", 5)
	if !errors.Is(err, workflow.ErrPreconditionFailed) {
		t.Fatalf("Start() while collecting error = %v, want precondition failed", err)
	}
	if got := workflow.StateOf(err); got != "collection" {
		t.Errorf("error state = %q, want collection", got)
	}
}

func TestMachine_StartWhileTraining(t *testing.T) {
	h := newHarness(t)
	lease, err := h.slot.Reserve("test", workflow.OwnerTraining)
	if err != nil {
		t.Fatal(err)
	}
	lease.Commit()

	_, err = h.m.Start(context.Background(), "fist", 5)
	if !errors.Is(err, workflow.ErrPreconditionFailed) || workflow.StateOf(err) != "training" {
		t.Errorf("Start() while training error = %v, want precondition failed in state training", err)
	}
}

func TestMachine_ConcurrentStartConflicts(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.upstream.onBegin = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Start(context.Background(), "fist", 5)
		done <- err
	}()
	<-entered

	_, err := h.m.Start(context.Background(), "palm", 5)
	if !errors.Is(err, workflow.ErrConflict) {
		t.Errorf("concurrent Start() error = %v, want conflict", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Start() error = %v", err)
	}
}

func TestMachine_UpstreamFailureEndsWithError(t *testing.T) {
	h := newHarness(t)
	h.upstream.beginErr = workflow.E("upstream", workflow.KindUpstreamFailure, "", "camera busy")

	if _, err := h.m.Start(context.Background(), "fist", 5); !errors.Is(err, workflow.ErrUpstreamFailure) {
		t.Fatalf("Start() error = %v, want upstream failure", err)
	}
	s := h.m.Session()
	if s.State != IdleWithError || s.Cause == "" || s.Active {
		t.Errorf("session = %+v, want idle_with_error with cause", s)
	}
	if owner, _ := h.slot.Holder(); owner != workflow.OwnerNone {
		t.Errorf("slot held by %q after failed start", owner)
	}

	h.upstream.beginErr = nil
	tok := h.start(t, "fist", 5)
	if s := h.m.Session(); s.ID != tok || s.State != Collecting || s.Cause != "" {
		t.Errorf("restarted session = %+v", s)
	}
}

func TestMachine_GuardRecheckedAfterUpstream(t *testing.T) {
	slot := workflow.NewSlot()
	up := &fakeUpstream{}
	focused := true
	var mu sync.Mutex
	up.onBegin = func() {
		mu.Lock()
		focused = false
		mu.Unlock()
	}
	m := New(Config{
		Slot:     slot,
		Upstream: up,
		Clock:    clock.NewMock(),
		Logger:   zaptest.NewLogger(t),
		Guard: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if !focused {
				return workflow.E("guard", workflow.KindPreconditionFailed, "no_camera", "no focused camera")
			}
			return nil
		},
	})

	if _, err := m.Start(context.Background(), "fist", 5); !errors.Is(err, workflow.ErrPreconditionFailed) {
		t.Fatalf("Start() error = %v, want precondition failed", err)
	}
	if owner, _ := slot.Holder(); owner != workflow.OwnerNone {
		t.Errorf("slot held by %q", owner)
	}
	if m.Session().Active {
		t.Error("session should not be active")
	}
	m.Wait()
	if up.endCount() != 1 {
		t.Errorf("EndCollection calls = %d, want 1 to undo the begin", up.endCount())
	}
}

func TestMachine_StaleToken(t *testing.T) {
	h := newHarness(t)
	old := h.start(t, "fist", 5)
	h.m.Stop(context.Background(), old)
	cur := h.start(t, "palm", 5)

	if _, err := h.m.Accept(old); !errors.Is(err, workflow.ErrStaleToken) {
		t.Errorf("Accept(old) error = %v, want stale token", err)
	}
	if _, err := h.m.Stop(context.Background(), old); !errors.Is(err, workflow.ErrStaleToken) {
		t.Errorf("Stop(old) error = %v, want stale token", err)
	}
	if s := h.m.Session(); s.ID != cur || !s.Active || s.Collected != 0 {
		t.Errorf("current session disturbed: %+v", s)
	}
}

func TestMachine_FreshStartDiscardsCount(t *testing.T) {
	h := newHarness(t)
	tok := h.start(t, "fist", 5)
	h.m.Accept(tok)
	h.m.Accept(tok)
	h.m.Stop(context.Background(), tok)

	h.start(t, "fist", 5)
	if s := h.m.Session(); s.Collected != 0 {
		t.Errorf("Collected = %d after fresh start, want 0", s.Collected)
	}
}

func TestMachine_ConcurrentAccept(t *testing.T) {
	h := newHarness(t)
	tok := h.start(t, "fist", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.m.Accept(tok)
			}
		}()
	}
	wg.Wait()

	if s := h.m.Session(); s.Collected != 800 {
		t.Errorf("Collected = %d, want 800", s.Collected)
	}
}

func TestMachine_Observe(t *testing.T) {
	h := newHarness(t)
	issuedBefore := h.clock.Now()
	h.clock.Add(time.Second)
	tok := h.start(t, "fist", 10)
	h.m.Accept(tok)
	h.m.Accept(tok)
	h.m.Accept(tok)

	// Issued before the session started.
	h.m.Observe(Observation{SessionID: tok, Active: false}, issuedBefore)
	if !h.m.Session().Active {
		t.Fatal("observation issued before start ended the session")
	}

	h.clock.Add(time.Second)
	after := h.clock.Now()

	// Lower count never lowers the local one.
	h.m.Observe(Observation{SessionID: tok, Active: true, Collected: 1}, after)
	if s := h.m.Session(); s.Collected != 3 {
		t.Errorf("Collected = %d after lower observation, want 3", s.Collected)
	}

	// Another session's observation is ignored.
	h.m.Observe(Observation{SessionID: workflow.NewToken(), Active: true, Collected: 9}, after)
	if s := h.m.Session(); s.Collected != 3 {
		t.Errorf("Collected = %d after foreign observation, want 3", s.Collected)
	}

	h.m.Observe(Observation{SessionID: tok, Active: true, Collected: 7}, after)
	if s := h.m.Session(); s.Collected != 7 || !s.Active {
		t.Errorf("session = %+v, want active with 7", s)
	}

	h.m.Observe(Observation{SessionID: tok, Active: false, Collected: 8}, after)
	s := h.m.Session()
	if s.Active || s.State != Idle || s.Collected != 8 {
		t.Errorf("session = %+v, want idle with 8", s)
	}

	// Never restarts an ended session.
	h.clock.Add(time.Second)
	h.m.Observe(Observation{SessionID: tok, Active: true, Collected: 9}, h.clock.Now())
	if s := h.m.Session(); s.Active || s.Collected != 8 {
		t.Errorf("ended session changed by observation: %+v", s)
	}

	h.m.Wait()
	if h.upstream.endCount() != 0 {
		t.Errorf("EndCollection calls = %d, want 0 when upstream ended the session", h.upstream.endCount())
	}
}

func TestMachine_ObserveClampsToTarget(t *testing.T) {
	h := newHarness(t)
	tok := h.start(t, "fist", 5)
	h.clock.Add(time.Second)

	h.m.Observe(Observation{SessionID: tok, Active: true, Collected: 12}, h.clock.Now())
	s := h.m.Session()
	if s.Collected != 5 || s.Active {
		t.Errorf("session = %+v, want ended at target 5", s)
	}
}

func TestMachine_Abort(t *testing.T) {
	h := newHarness(t)
	tok := h.start(t, "fist", 5)
	h.m.Accept(tok)

	h.m.Abort("focused camera removed")
	s := h.m.Session()
	if s.State != IdleWithError || s.Cause != "focused camera removed" || s.Collected != 1 {
		t.Errorf("session = %+v", s)
	}
	h.m.Abort("again")
	if got := h.m.Session().Cause; got != "focused camera removed" {
		t.Errorf("second Abort() changed cause to %q", got)
	}
}

func TestMachine_OnChangeRevisionsIncrease(t *testing.T) {
	var mu sync.Mutex
	var revs []uint64
	m := New(Config{
		Clock:  clock.NewMock(),
		Logger: zaptest.NewLogger(t),
		OnChange: func(s Session) {
			mu.Lock()
			defer mu.Unlock()
			revs = append(revs, s.Rev)
		},
	})
	tok, err := m.Start(context.Background(), "fist", 2)
	if err != nil {
		t.Fatal(err)
	}
	m.Accept(tok)
	m.Accept(tok)

	mu.Lock()
	defer mu.Unlock()
	if len(revs) != 3 {
		t.Fatalf("notifications = %d, want 3", len(revs))
	}
	for i := 1; i < len(revs); i++ {
		if revs[i] <= revs[i-1] {
			t.Errorf("revisions not increasing: %v", revs)
		}
	}
}
