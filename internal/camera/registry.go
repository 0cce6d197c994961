package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/workflow"
)

// DefaultMaxCameras is the default limit on registered cameras.
const DefaultMaxCameras = 9

// Channel is the registry's view of a live stream channel.
type Channel interface {
	Close()
	Status() stream.Status
}

// Opener creates the live channel for a camera. It receives a copy of the
// camera record; the channel must not retain any other reference to it.
type Opener func(cam Camera) Channel

// Config configures a Registry.
type Config struct {
	Directory  Directory
	Open       Opener
	MaxCameras int
	Logger     *zap.Logger
	// OnFocus is called, outside the registry lock, whenever the focused
	// camera changes. ok is false when no camera is focused.
	OnFocus func(id int64, ok bool)
}

// Registry tracks the known cameras and at most one live channel per camera.
// It never holds its lock while closing a channel or talking to the
// directory.
type Registry struct {
	dir     Directory
	open    Opener
	max     int
	logger  *zap.Logger
	onFocus func(int64, bool)

	mu       sync.Mutex
	cameras  map[int64]Camera
	channels map[int64]Channel
	removing map[int64]bool
	adding   int
	focused  int64
	hasFocus bool
}

// NewRegistry returns an empty Registry. Call Load to hydrate it from the
// directory.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxCameras <= 0 {
		cfg.MaxCameras = DefaultMaxCameras
	}
	return &Registry{
		dir:      cfg.Directory,
		open:     cfg.Open,
		max:      cfg.MaxCameras,
		logger:   cfg.Logger,
		onFocus:  cfg.OnFocus,
		cameras:  make(map[int64]Camera),
		channels: make(map[int64]Channel),
		removing: make(map[int64]bool),
	}
}

// Load replaces the in-memory camera set with the directory's contents.
func (r *Registry) Load(ctx context.Context) error {
	cams, err := r.dir.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cameras: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras = make(map[int64]Camera, len(cams))
	for _, c := range cams {
		r.cameras[c.ID] = c
	}
	r.logger.Info("loaded cameras", zap.Int("count", len(cams)))
	return nil
}

// List returns all cameras ordered by id.
func (r *Registry) List() []Camera {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Camera, 0, len(r.cameras))
	for id, c := range r.cameras {
		if r.removing[id] {
			continue
		}
		out = append(out, r.viewLocked(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one camera.
func (r *Registry) Get(id int64) (Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cameras[id]
	if !ok || r.removing[id] {
		return Camera{}, notFound("camera.Get", id)
	}
	return r.viewLocked(c), nil
}

// Add registers a new camera.
func (r *Registry) Add(ctx context.Context, d Descriptor) (Camera, error) {
	const op = "camera.Add"

	d, err := d.Normalize()
	if err != nil {
		return Camera{}, err
	}

	r.mu.Lock()
	if n := len(r.cameras) + r.adding; n >= r.max {
		r.mu.Unlock()
		return Camera{}, workflow.E(op, workflow.KindPreconditionFailed, fmt.Sprintf("%d cameras", n),
			"camera limit of %d reached", r.max)
	}
	r.adding++
	r.mu.Unlock()

	cam, err := r.dir.Add(ctx, d)

	r.mu.Lock()
	r.adding--
	if err == nil {
		r.cameras[cam.ID] = cam
		cam = r.viewLocked(cam)
	}
	r.mu.Unlock()

	if err != nil {
		return Camera{}, fmt.Errorf("failed to add camera: %w", err)
	}
	r.logger.Info("camera added", zap.Int64("camera_id", cam.ID), zap.Stringer("source", cam.Source))
	return cam, nil
}

// Remove closes the camera's channel, if any, and then deletes the camera.
// If the directory refuses the delete, the channel is reopened and focus is
// given back before the error is returned.
func (r *Registry) Remove(ctx context.Context, id int64) error {
	const op = "camera.Remove"

	r.mu.Lock()
	cam, ok := r.cameras[id]
	if !ok || r.removing[id] {
		r.mu.Unlock()
		return notFound(op, id)
	}
	r.removing[id] = true
	ch := r.channels[id]
	delete(r.channels, id)
	lostFocus := r.hasFocus && r.focused == id
	if lostFocus {
		r.hasFocus = false
	}
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if lostFocus {
		r.notifyFocus(0, false)
	}

	if err := r.dir.Remove(ctx, id); err != nil {
		refocused := r.restore(cam, ch != nil, lostFocus)
		r.logger.Warn("camera remove failed; camera restored",
			zap.Int64("camera_id", id), zap.Bool("refocused", refocused), zap.Error(err))
		if refocused {
			r.notifyFocus(id, true)
		}
		return fmt.Errorf("failed to remove camera %d: %w", id, err)
	}

	r.mu.Lock()
	delete(r.cameras, id)
	delete(r.removing, id)
	r.mu.Unlock()

	r.logger.Info("camera removed", zap.Int64("camera_id", id))
	return nil
}

// Select focuses a camera and makes sure its channel is live. Selecting the
// focused camera again is a no-op; channels of previously selected cameras
// stay open.
func (r *Registry) Select(id int64) error {
	r.mu.Lock()
	cam, ok := r.cameras[id]
	if !ok || r.removing[id] {
		r.mu.Unlock()
		return notFound("camera.Select", id)
	}
	if r.hasFocus && r.focused == id && r.channels[id] != nil {
		r.mu.Unlock()
		return nil
	}
	r.ensureChannelLocked(cam)
	r.focused = id
	r.hasFocus = true
	r.mu.Unlock()

	r.logger.Info("camera focused", zap.Int64("camera_id", id))
	r.notifyFocus(id, true)
	return nil
}

// Watch makes sure a camera's channel is live without focusing it.
func (r *Registry) Watch(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cameras[id]
	if !ok || r.removing[id] {
		return notFound("camera.Watch", id)
	}
	r.ensureChannelLocked(cam)
	return nil
}

// Deselect closes a camera's channel and drops focus if it was focused.
func (r *Registry) Deselect(id int64) error {
	r.mu.Lock()
	if _, ok := r.cameras[id]; !ok || r.removing[id] {
		r.mu.Unlock()
		return notFound("camera.Deselect", id)
	}
	ch := r.channels[id]
	delete(r.channels, id)
	lostFocus := r.hasFocus && r.focused == id
	if lostFocus {
		r.hasFocus = false
	}
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if lostFocus {
		r.notifyFocus(0, false)
	}
	return nil
}

// Focused returns the focused camera.
func (r *Registry) Focused() (Camera, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasFocus {
		return Camera{}, false
	}
	c, ok := r.cameras[r.focused]
	return r.viewLocked(c), ok
}

// IsFocused reports whether id is the focused camera.
func (r *Registry) IsFocused(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasFocus && r.focused == id
}

// Watched returns the ids of cameras with a live channel.
func (r *Registry) Watched() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ChannelStatus returns the status of a camera's channel, if it has one.
func (r *Registry) ChannelStatus(id int64) (stream.Status, bool) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return stream.Status{}, false
	}
	return ch.Status(), true
}

// UpdateSettings applies image settings to a camera record.
func (r *Registry) UpdateSettings(ctx context.Context, id int64, s Settings) (Camera, error) {
	const op = "camera.UpdateSettings"
	if err := s.Validate(); err != nil {
		return Camera{}, err
	}
	if _, err := r.Get(id); err != nil {
		return Camera{}, err
	}

	cam, err := r.dir.UpdateSettings(ctx, id, s)
	if err != nil {
		return Camera{}, fmt.Errorf("failed to update camera %d: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cameras[id]; !ok || r.removing[id] {
		return Camera{}, notFound(op, id)
	}
	r.cameras[id] = cam
	return r.viewLocked(cam), nil
}

// Close closes every open channel.
func (r *Registry) Close() {
	r.mu.Lock()
	chs := r.channels
	r.channels = make(map[int64]Channel)
	r.hasFocus = false
	r.mu.Unlock()

	for _, ch := range chs {
		ch.Close()
	}
}

// restore undoes the first half of a failed Remove. Focus only comes back
// if nothing else took it in the meantime.
func (r *Registry) restore(cam Camera, watched, focused bool) (refocused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.removing, cam.ID)
	if watched {
		r.ensureChannelLocked(cam)
	}
	if focused && !r.hasFocus {
		r.focused = cam.ID
		r.hasFocus = true
		refocused = true
	}
	return refocused
}

// viewLocked reports Active from channel liveness; the directory's copy of
// the flag is not consulted.
func (r *Registry) viewLocked(c Camera) Camera {
	c.Active = r.channels[c.ID] != nil
	return c
}

func (r *Registry) ensureChannelLocked(cam Camera) {
	if _, ok := r.channels[cam.ID]; ok {
		return
	}
	r.channels[cam.ID] = r.open(cam)
	r.logger.Debug("camera channel opened", zap.Int64("camera_id", cam.ID))
}

func (r *Registry) notifyFocus(id int64, ok bool) {
	if r.onFocus != nil {
		r.onFocus(id, ok)
	}
}

func notFound(op string, id int64) error {
	return workflow.E(op, workflow.KindNotFound, "", "camera %d not found", id)
}
