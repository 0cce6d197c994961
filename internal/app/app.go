// Package app wires the camera registry, the stream channels, the
// collection and training workflows and the status reconciler into one
// running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ayusman/gestureops/internal/camera"
	"github.com/ayusman/gestureops/internal/capture"
	"github.com/ayusman/gestureops/internal/collection"
	"github.com/ayusman/gestureops/internal/detection"
	"github.com/ayusman/gestureops/internal/status"
	"github.com/ayusman/gestureops/internal/store"
	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/training"
	"github.com/ayusman/gestureops/internal/upstream"
	"github.com/ayusman/gestureops/internal/workflow"
)

// Timing defaults.
const (
	DefaultPollInterval   = time.Second
	DefaultPollTimeout    = 800 * time.Millisecond
	DefaultSampleInterval = 100 * time.Millisecond
	DefaultDialLimit      = 4
)

// Upstream is everything the service asks of the training collaborator.
type Upstream interface {
	collection.Upstream
	training.Upstream
	SetMode(ctx context.Context, mode detection.Mode) error
	Status(ctx context.Context) (upstream.Status, error)
}

// Config holds configuration options for the application.
type Config struct {
	Store    *store.Store
	Upstream Upstream
	// StreamURL builds the detection stream URL of a camera.
	StreamURL func(cameraID int64) string
	Dialer    stream.Dialer
	Prober    capture.Prober

	RetryDelay   time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
	// SampleInterval is the minimum spacing of accepted samples; zero
	// accepts every frame that shows a hand.
	SampleInterval time.Duration
	MaxCameras     int
	DialLimit      int
	ProbeLimit     int

	Clock  clock.Clock
	Logger *zap.Logger
}

// App is the running service.
type App struct {
	config     Config
	store      *store.Store
	upstream   Upstream
	clock      clock.Clock
	logger     *zap.Logger
	limiter    *semaphore.Weighted
	registry   *camera.Registry
	collection *collection.Machine
	training   *training.Machine
	reconciler *status.Reconciler
	video      *videoHub

	sampleMu    sync.Mutex
	lastSample  time.Time
	sampleToken workflow.Token

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	polling sync.Mutex
}

// New creates an App. Call Start to load persisted state and begin polling.
func New(config Config) *App {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Prober == nil {
		config.Prober = capture.DeviceProber{}
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.PollTimeout <= 0 || config.PollTimeout > config.PollInterval {
		config.PollTimeout = min(DefaultPollTimeout, config.PollInterval)
	}
	if config.SampleInterval < 0 {
		config.SampleInterval = DefaultSampleInterval
	}
	if config.DialLimit <= 0 {
		config.DialLimit = DefaultDialLimit
	}
	if config.ProbeLimit <= 0 {
		config.ProbeLimit = capture.DefaultProbeLimit
	}

	a := &App{
		config:     config,
		store:      config.Store,
		upstream:   config.Upstream,
		clock:      config.Clock,
		logger:     config.Logger,
		limiter:    semaphore.NewWeighted(int64(config.DialLimit)),
		reconciler: status.NewReconciler(config.Clock),
		video:      newVideoHub(),
	}

	slot := workflow.NewSlot()
	a.collection = collection.New(collection.Config{
		Slot:     slot,
		Upstream: config.Upstream,
		Ledger:   config.Store.Gestures(),
		Guard:    a.requireFocus,
		Clock:    config.Clock,
		Logger:   config.Logger.Named("collection"),
		OnChange: a.reconciler.SetCollection,
	})
	a.training = training.New(training.Config{
		Slot:     slot,
		Upstream: config.Upstream,
		Samples:  config.Store.Gestures(),
		Recorder: config.Store.Runs(),
		Clock:    config.Clock,
		Logger:   config.Logger.Named("training"),
		OnChange: a.reconciler.SetTraining,
	})
	a.registry = camera.NewRegistry(camera.Config{
		Directory:  config.Store.Cameras(),
		Open:       a.openChannel,
		MaxCameras: config.MaxCameras,
		Logger:     config.Logger.Named("camera"),
		OnFocus:    a.focusChanged,
	})
	return a
}

// Start loads cameras, the last training run and the persisted settings,
// then polls the training collaborator until ctx is done or Stop is called.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}

	if err := a.registry.Load(ctx); err != nil {
		return err
	}
	a.restore(ctx)

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pollLoop(pollCtx)
	}()

	a.logger.Info("service started",
		zap.Int("cameras", len(a.registry.List())),
		zap.Duration("poll_interval", a.config.PollInterval))
	return nil
}

func (a *App) restore(ctx context.Context) {
	if job, err := a.store.Runs().Latest(ctx); err == nil {
		a.training.Restore(job)
	} else if !errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("failed to restore last training run", zap.Error(err))
	}

	mode := detection.ModeStandard
	if v, err := a.store.Settings().Get(ctx, store.KeyDetectionMode); err == nil && detection.Mode(v).Valid() {
		mode = detection.Mode(v)
	}
	a.reconciler.SetMode(mode, a.clock.Now())

	v, err := a.store.Settings().Get(ctx, store.KeyFocusedCamera)
	if err != nil {
		return
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		err = a.registry.Select(id)
	}
	if err != nil {
		a.logger.Warn("dropping stale focused camera setting", zap.String("value", v), zap.Error(err))
		a.store.Settings().Delete(ctx, store.KeyFocusedCamera)
	}
}

// Stop ends polling, closes every stream channel and waits for outstanding
// workflow notifications.
func (a *App) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.registry.Close()
	a.video.close()
	a.collection.Wait()

	var err error
	if s := a.collection.Session(); s.Active {
		_, stopErr := a.collection.Stop(context.Background(), s.ID)
		err = multierr.Append(err, stopErr)
		a.collection.Wait()
	}
	a.logger.Info("service stopped")
	return err
}

// Reconciler returns the status reconciler views subscribe to.
func (a *App) Reconciler() *status.Reconciler {
	return a.reconciler
}

// Status returns the current status document.
func (a *App) Status() status.View {
	return a.reconciler.Snapshot().View()
}

// Cameras returns the registered cameras.
func (a *App) Cameras() []camera.Camera {
	return a.registry.List()
}

// AddCamera registers a camera.
func (a *App) AddCamera(ctx context.Context, d camera.Descriptor) (camera.Camera, error) {
	return a.registry.Add(ctx, d)
}

// RemoveCamera closes a camera's channel and deletes it.
func (a *App) RemoveCamera(ctx context.Context, id int64) error {
	if err := a.registry.Remove(ctx, id); err != nil {
		return err
	}
	a.reconciler.Forget(id)
	a.video.drop(id)
	return nil
}

// SelectCamera focuses a camera.
func (a *App) SelectCamera(id int64) error {
	return a.registry.Select(id)
}

// WatchCamera opens a camera's channel without focusing it.
func (a *App) WatchCamera(id int64) error {
	return a.registry.Watch(id)
}

// UnwatchCamera closes a camera's channel.
func (a *App) UnwatchCamera(id int64) error {
	if err := a.registry.Deselect(id); err != nil {
		return err
	}
	a.reconciler.Forget(id)
	a.video.drop(id)
	return nil
}

// UpdateCameraSettings stores a camera's image settings.
func (a *App) UpdateCameraSettings(ctx context.Context, id int64, s camera.Settings) (camera.Camera, error) {
	return a.registry.UpdateSettings(ctx, id, s)
}

// DetectCameras probes local capture devices.
func (a *App) DetectCameras() []capture.Device {
	return a.config.Prober.Probe(a.config.ProbeLimit)
}

// StartCollection begins a collection session on the focused camera.
func (a *App) StartCollection(ctx context.Context, gesture string, target int) (collection.Session, error) {
	if _, err := a.collection.Start(ctx, gesture, target); err != nil {
		return a.collection.Session(), err
	}
	return a.collection.Session(), nil
}

// StopCollection ends a collection session. A zero token stops whichever
// session is current.
func (a *App) StopCollection(ctx context.Context, token workflow.Token) (collection.Session, error) {
	if token.IsZero() {
		token = a.collection.Session().ID
	}
	return a.collection.Stop(ctx, token)
}

// StartTraining begins a training job.
func (a *App) StartTraining(ctx context.Context) (training.Job, error) {
	if _, err := a.training.Start(ctx); err != nil {
		return a.training.Job(), err
	}
	return a.training.Job(), nil
}

// TrainingRuns returns recorded training runs, newest first.
func (a *App) TrainingRuns(ctx context.Context, limit int) ([]training.Job, error) {
	return a.store.Runs().List(ctx, limit)
}

// Gestures returns the sample ledger.
func (a *App) Gestures(ctx context.Context) ([]*store.Gesture, error) {
	return a.store.Gestures().List(ctx)
}

// ResetGesture deletes a gesture's ledger entry. The gesture being collected
// cannot be reset.
func (a *App) ResetGesture(ctx context.Context, name string) error {
	const op = "app.ResetGesture"
	if s := a.collection.Session(); s.Active && s.Gesture == name {
		return workflow.E(op, workflow.KindPreconditionFailed, string(s.State), "gesture %q is being collected", name)
	}
	err := a.store.Gestures().Delete(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return workflow.E(op, workflow.KindNotFound, "", "gesture %q not found", name)
	}
	return err
}

// SetMode switches the gesture controller's detection mode and remembers it.
func (a *App) SetMode(ctx context.Context, mode detection.Mode) error {
	const op = "app.SetMode"
	if !mode.Valid() {
		return workflow.E(op, workflow.KindInvalidArgument, "", "unknown detection mode %q", mode)
	}
	if a.upstream != nil {
		if err := a.upstream.SetMode(ctx, mode); err != nil {
			return fmt.Errorf("failed to set mode: %w", err)
		}
	}
	if err := a.store.Settings().Set(ctx, store.KeyDetectionMode, string(mode)); err != nil {
		a.logger.Warn("failed to persist detection mode", zap.Error(err))
	}
	a.reconciler.SetMode(mode, a.clock.Now())
	a.logger.Info("detection mode changed", zap.String("mode", string(mode)))
	return nil
}

// SubscribeVideo returns the live JPEG feed of a camera and a function that
// ends the subscription.
func (a *App) SubscribeVideo(id int64) (<-chan []byte, func(), error) {
	if _, err := a.registry.Get(id); err != nil {
		return nil, nil, err
	}
	c, cancel := a.video.subscribe(id)
	return c, cancel, nil
}

func (a *App) requireFocus(context.Context) error {
	if _, ok := a.registry.Focused(); !ok {
		return workflow.E("collection.Start", workflow.KindPreconditionFailed, "no_focused_camera", "no camera selected")
	}
	return nil
}

func (a *App) focusChanged(id int64, ok bool) {
	a.reconciler.SetFocus(id, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if ok {
		err = a.store.Settings().Set(ctx, store.KeyFocusedCamera, strconv.FormatInt(id, 10))
	} else {
		err = a.store.Settings().Delete(ctx, store.KeyFocusedCamera)
		a.collection.Abort("focused camera closed")
	}
	if err != nil {
		a.logger.Warn("failed to persist focused camera", zap.Error(err))
	}
}
