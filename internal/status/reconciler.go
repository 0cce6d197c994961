package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ayusman/gestureops/internal/collection"
	"github.com/ayusman/gestureops/internal/detection"
	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/training"
)

// Reconciler owns the current snapshot. Producers never block: each update
// is merged under a short lock and subscribers are signalled through a
// one-slot channel, so a slow reader only ever misses intermediate values.
type Reconciler struct {
	clock clock.Clock
	snap  atomic.Pointer[Snapshot]
	rev   atomic.Uint64

	mu sync.Mutex // serializes merges

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// NewReconciler returns a Reconciler holding the empty snapshot.
func NewReconciler(c clock.Clock) *Reconciler {
	if c == nil {
		c = clock.New()
	}
	r := &Reconciler{clock: c, subs: make(map[*Subscription]struct{})}
	r.snap.Store(Empty())
	return r
}

// Snapshot returns the latest snapshot. The caller must not modify it.
func (r *Reconciler) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Apply merges u into the current snapshot.
func (r *Reconciler) Apply(u Update) {
	r.mu.Lock()
	prev := r.snap.Load()
	next := Merge(prev, u)
	if next != prev {
		r.snap.Store(next)
	}
	r.mu.Unlock()

	if next != prev {
		r.broadcast()
	}
}

// SetCollection records a collection session change.
func (r *Reconciler) SetCollection(s collection.Session) {
	r.Apply(Update{Collection: &Field[collection.Session]{Value: s, Stamp: Stamp{At: s.UpdatedAt, Rev: s.Rev}}})
}

// SetTraining records a training job change.
func (r *Reconciler) SetTraining(j training.Job) {
	r.Apply(Update{Training: &Field[training.Job]{Value: j, Stamp: Stamp{At: j.UpdatedAt, Rev: j.Rev}}})
}

// PushFrame records a detection frame received at the given time. seq is
// the channel's delivery sequence number.
func (r *Reconciler) PushFrame(f detection.Frame, received time.Time, seq uint64) {
	r.Apply(Update{Frames: []Field[detection.Frame]{{Value: f, Stamp: Stamp{At: received, Rev: seq}}}})
}

// SetChannel records a stream channel state change.
func (r *Reconciler) SetChannel(st stream.Status) {
	r.Apply(Update{Channels: []Field[stream.Status]{{Value: st, Stamp: r.now()}}})
}

// Forget drops everything known about a camera.
func (r *Reconciler) Forget(cameraID int64) {
	r.Apply(Update{Forget: []int64{cameraID}})
}

// SetFocus records the focused camera; ok false clears it.
func (r *Reconciler) SetFocus(cameraID int64, ok bool) {
	if !ok {
		cameraID = 0
	}
	r.Apply(Update{Focused: &Field[int64]{Value: cameraID, Stamp: r.now()}})
}

// SetMode records the detection mode as of at.
func (r *Reconciler) SetMode(m detection.Mode, at time.Time) {
	r.Apply(Update{Mode: &Field[detection.Mode]{Value: m, Stamp: Stamp{At: at, Rev: r.rev.Add(1)}}})
}

// SetUpstream records whether a poll issued at issuedAt reached the
// training collaborator.
func (r *Reconciler) SetUpstream(reachable bool, issuedAt time.Time) {
	r.Apply(Update{Upstream: &Field[bool]{Value: reachable, Stamp: Stamp{At: issuedAt, Rev: r.rev.Add(1)}}})
}

func (r *Reconciler) now() Stamp {
	return Stamp{At: r.clock.Now(), Rev: r.rev.Add(1)}
}

// Subscription signals that a newer snapshot is available.
type Subscription struct {
	c chan struct{}
}

// C receives a value whenever the snapshot has changed since the last
// receive. Signals coalesce.
func (s *Subscription) C() <-chan struct{} {
	return s.c
}

// Subscribe registers a new subscription.
func (r *Reconciler) Subscribe() *Subscription {
	s := &Subscription{c: make(chan struct{}, 1)}
	r.subMu.Lock()
	r.subs[s] = struct{}{}
	r.subMu.Unlock()
	return s
}

// Unsubscribe removes a subscription.
func (r *Reconciler) Unsubscribe(s *Subscription) {
	r.subMu.Lock()
	delete(r.subs, s)
	r.subMu.Unlock()
}

func (r *Reconciler) broadcast() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for s := range r.subs {
		select {
		case s.c <- struct{}{}:
		default:
		}
	}
}
