package status

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ayusman/gestureops/internal/collection"
	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/training"
	"github.com/ayusman/gestureops/internal/workflow"
)

func TestReconciler_SubscriptionCoalesces(t *testing.T) {
	r := NewReconciler(clock.NewMock())
	sub := r.Subscribe()
	defer r.Unsubscribe(sub)

	for i := 1; i <= 20; i++ {
		r.PushFrame(frame(1, "fist"), at(i), uint64(i))
	}

	select {
	case <-sub.C():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-sub.C():
		t.Fatal("signals should coalesce into one")
	default:
	}
	if got := r.Snapshot().Frames[1].Stamp.Rev; got != 20 {
		t.Errorf("latest frame rev = %d, want 20", got)
	}
}

func TestReconciler_NoSignalWithoutChange(t *testing.T) {
	r := NewReconciler(clock.NewMock())
	r.SetUpstream(true, at(5))
	sub := r.Subscribe()
	defer r.Unsubscribe(sub)

	r.SetUpstream(false, at(4))
	select {
	case <-sub.C():
		t.Error("stale update should not signal")
	default:
	}
	if !r.Snapshot().Upstream.Value {
		t.Error("stale poll overwrote reachability")
	}
}

func TestReconciler_WorkflowRevisions(t *testing.T) {
	r := NewReconciler(clock.NewMock())
	id := workflow.NewToken()

	// Notifications can arrive out of order; revision decides.
	r.SetCollection(collection.Session{ID: id, State: collection.Idle, Collected: 5, Rev: 4, UpdatedAt: at(1)})
	r.SetCollection(collection.Session{ID: id, State: collection.Collecting, Active: true, Collected: 4, Rev: 3, UpdatedAt: at(1)})

	s := r.Snapshot()
	if s.Collecting() || s.Collection.Value.Collected != 5 {
		t.Errorf("collection = %+v, want the rev 4 value", s.Collection.Value)
	}

	r.SetTraining(training.Job{ID: id, State: training.Training, Rev: 1, UpdatedAt: at(2)})
	if !r.Snapshot().IsTraining() {
		t.Error("IsTraining() = false")
	}
}

func TestReconciler_ChannelStateAndForget(t *testing.T) {
	mock := clock.NewMock()
	r := NewReconciler(mock)

	r.SetChannel(stream.Status{CameraID: 4, State: stream.Connecting})
	r.SetChannel(stream.Status{CameraID: 4, State: stream.Reconnecting, Attempts: 1})
	if got := r.Snapshot().Channels[4].Value.State; got != stream.Reconnecting {
		t.Errorf("channel state = %v, want reconnecting", got)
	}

	r.SetFocus(4, true)
	if got := r.Snapshot().View().FocusedCamera; got == nil || *got != 4 {
		t.Errorf("FocusedCamera = %v, want 4", got)
	}
	r.Forget(4)
	r.SetFocus(0, false)
	v := r.Snapshot().View()
	if len(v.Cameras) != 0 || v.FocusedCamera != nil {
		t.Errorf("view after forget = %+v", v)
	}
}

func TestReconciler_ConcurrentProducersNeverBlock(t *testing.T) {
	r := NewReconciler(clock.New())
	sub := r.Subscribe() // never read
	defer r.Unsubscribe(sub)

	var wg sync.WaitGroup
	for cam := int64(1); cam <= 4; cam++ {
		wg.Add(1)
		go func(cam int64) {
			defer wg.Done()
			for i := 1; i <= 200; i++ {
				r.PushFrame(frame(cam, "fist"), time.Now(), uint64(i))
			}
		}(cam)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producers blocked on an unread subscription")
	}

	s := r.Snapshot()
	if len(s.Frames) != 4 {
		t.Errorf("frames for %d cameras, want 4", len(s.Frames))
	}
	for cam, f := range s.Frames {
		if f.Stamp.Rev == 0 {
			t.Errorf("camera %d frame has no stamp", cam)
		}
	}
}
