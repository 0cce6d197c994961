// Package status reconciles pushed detection events and polled workflow
// state into one immutable snapshot that views read.
package status

import (
	"sort"
	"time"

	"github.com/ayusman/gestureops/internal/collection"
	"github.com/ayusman/gestureops/internal/detection"
	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/training"
)

// Stamp orders updates to one field. At is the receipt (or poll issue) time;
// Rev breaks ties between updates from the same producer.
type Stamp struct {
	At  time.Time
	Rev uint64
}

// Newer reports whether s should replace o.
func (s Stamp) Newer(o Stamp) bool {
	if !s.At.Equal(o.At) {
		return s.At.After(o.At)
	}
	return s.Rev > o.Rev
}

// Field is a value with the stamp of the update that produced it.
type Field[T any] struct {
	Value T
	Stamp Stamp
}

// Snapshot is one consistent status value. Snapshots are never mutated once
// published; Merge always returns a new one.
type Snapshot struct {
	Seq        uint64
	Collection Field[collection.Session]
	Training   Field[training.Job]
	Frames     map[int64]Field[detection.Frame]
	Channels   map[int64]Field[stream.Status]
	// Focused holds the focused camera id, 0 when none.
	Focused  Field[int64]
	Mode     Field[detection.Mode]
	Upstream Field[bool]
}

// Empty returns the initial snapshot.
func Empty() *Snapshot {
	return &Snapshot{
		Collection: Field[collection.Session]{Value: collection.Session{State: collection.Idle}},
		Training:   Field[training.Job]{Value: training.Job{State: training.Idle}},
		Frames:     map[int64]Field[detection.Frame]{},
		Channels:   map[int64]Field[stream.Status]{},
		Mode:       Field[detection.Mode]{Value: detection.ModeStandard},
	}
}

// Collecting reports whether a collection session is active. It is never
// true at the same time as IsTraining: if both workflows look active the most
// recently updated one wins, training on a tie.
func (s *Snapshot) Collecting() bool {
	c := s.Collection.Value.Active
	if c && s.Training.Value.State.Running() {
		return s.Collection.Stamp.At.After(s.Training.Stamp.At)
	}
	return c
}

// IsTraining reports whether a training job is running.
func (s *Snapshot) IsTraining() bool {
	return s.Training.Value.State.Running() && !s.Collecting()
}

// Update carries changed fields. Nil pointers and empty slices leave the
// corresponding field alone.
type Update struct {
	Collection *Field[collection.Session]
	Training   *Field[training.Job]
	Frames     []Field[detection.Frame]
	Channels   []Field[stream.Status]
	// Forget drops every per-camera field for the listed cameras.
	Forget   []int64
	Focused  *Field[int64]
	Mode     *Field[detection.Mode]
	Upstream *Field[bool]
}

// Merge applies u to prev and returns the resulting snapshot. Each field is
// replaced only if the update's stamp is newer than the stored one. If
// nothing changes prev itself is returned. Merge never modifies prev.
func Merge(prev *Snapshot, u Update) *Snapshot {
	if prev == nil {
		prev = Empty()
	}
	next := *prev
	changed := false

	if u.Collection != nil && u.Collection.Stamp.Newer(prev.Collection.Stamp) {
		next.Collection = *u.Collection
		changed = true
	}
	if u.Training != nil && u.Training.Stamp.Newer(prev.Training.Stamp) {
		next.Training = *u.Training
		changed = true
	}
	if u.Focused != nil && u.Focused.Stamp.Newer(prev.Focused.Stamp) {
		next.Focused = *u.Focused
		changed = true
	}
	if u.Mode != nil && u.Mode.Stamp.Newer(prev.Mode.Stamp) {
		next.Mode = *u.Mode
		changed = true
	}
	if u.Upstream != nil && u.Upstream.Stamp.Newer(prev.Upstream.Stamp) {
		next.Upstream = *u.Upstream
		changed = true
	}

	if frames, ok := mergeCameras(prev.Frames, u.Frames, u.Forget, func(f detection.Frame) int64 { return f.CameraID }); ok {
		next.Frames = frames
		changed = true
	}
	if chans, ok := mergeCameras(prev.Channels, u.Channels, u.Forget, func(s stream.Status) int64 { return s.CameraID }); ok {
		next.Channels = chans
		changed = true
	}

	if !changed {
		return prev
	}
	next.Seq = prev.Seq + 1
	return &next
}

// mergeCameras returns a copy of m with updates applied and forgotten ids
// removed, or false if that would not change m.
func mergeCameras[T any](m map[int64]Field[T], updates []Field[T], forget []int64, id func(T) int64) (map[int64]Field[T], bool) {
	var out map[int64]Field[T]
	clone := func() {
		if out == nil {
			out = make(map[int64]Field[T], len(m)+len(updates))
			for k, v := range m {
				out[k] = v
			}
		}
	}

	for _, cam := range forget {
		if _, ok := m[cam]; ok {
			clone()
			delete(out, cam)
		}
	}
	for _, f := range updates {
		cam := id(f.Value)
		cur, ok := m[cam]
		if out != nil {
			cur, ok = out[cam]
		}
		if ok && !f.Stamp.Newer(cur.Stamp) {
			continue
		}
		clone()
		out[cam] = f
	}
	if out == nil {
		return m, false
	}
	return out, true
}

// CameraView is the per-camera part of View.
type CameraView struct {
	ID        int64            `json:"id"`
	State     string           `json:"state"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	Frame     *detection.Frame `json:"frame,omitempty"`
}

// View is the JSON document served to views.
type View struct {
	Seq               uint64             `json:"seq"`
	Collecting        bool               `json:"collecting"`
	IsTraining        bool               `json:"is_training"`
	Collection        collection.Session `json:"collection"`
	Training          training.Job       `json:"training"`
	Cameras           []CameraView       `json:"cameras"`
	FocusedCamera     *int64             `json:"focused_camera"`
	Mode              detection.Mode     `json:"mode"`
	UpstreamReachable bool               `json:"upstream_reachable"`
}

// View renders the snapshot as a document.
func (s *Snapshot) View() View {
	v := View{
		Seq:               s.Seq,
		Collecting:        s.Collecting(),
		IsTraining:        s.IsTraining(),
		Collection:        s.Collection.Value,
		Training:          s.Training.Value,
		Mode:              s.Mode.Value,
		UpstreamReachable: s.Upstream.Value,
		Cameras:           []CameraView{},
	}
	if id := s.Focused.Value; id != 0 {
		v.FocusedCamera = &id
	}

	ids := make(map[int64]struct{}, len(s.Channels))
	for id := range s.Channels {
		ids[id] = struct{}{}
	}
	for id := range s.Frames {
		ids[id] = struct{}{}
	}
	for id := range ids {
		cv := CameraView{ID: id, State: stream.Disconnected.String()}
		if ch, ok := s.Channels[id]; ok {
			cv.State = ch.Value.State.String()
			cv.Attempts = ch.Value.Attempts
			cv.LastError = ch.Value.LastError
		}
		if f, ok := s.Frames[id]; ok {
			frame := f.Value
			cv.Frame = &frame
		}
		v.Cameras = append(v.Cameras, cv)
	}
	sort.Slice(v.Cameras, func(i, j int) bool { return v.Cameras[i].ID < v.Cameras[j].ID })
	return v
}
