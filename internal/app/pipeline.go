package app

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ayusman/gestureops/internal/camera"
	"github.com/ayusman/gestureops/internal/stream"
	"github.com/ayusman/gestureops/internal/workflow"
)

// openChannel is the registry's opener: one stream channel per camera, all
// sharing the dial limiter.
func (a *App) openChannel(cam camera.Camera) camera.Channel {
	return stream.Open(stream.Config{
		CameraID:   cam.ID,
		URL:        a.config.StreamURL(cam.ID),
		Dialer:     a.config.Dialer,
		RetryDelay: a.config.RetryDelay,
		Limiter:    a.limiter,
		Clock:      a.clock,
		Logger:     a.logger.Named("stream"),
		OnEvent:    a.handleEvent,
		OnState:    a.reconciler.SetChannel,
	})
}

// handleEvent runs on a channel's read goroutine for every inbound event.
//
// Pipeline:
//  1. Video images go to the camera's MJPEG subscribers
//  2. Detection frames replace the camera's newest frame in the snapshot
//  3. The controller record, when present, updates the detection mode
//  4. A frame with a hand on the focused camera is a collection sample
func (a *App) handleEvent(ev stream.Event) {
	if ev.Image != nil {
		a.video.publish(ev.CameraID, ev.Image)
		return
	}
	if ev.Frame == nil {
		return
	}

	a.reconciler.PushFrame(*ev.Frame, ev.Received, ev.Seq)
	if c := ev.Frame.Controller; c != nil && c.Mode.Valid() {
		a.reconciler.SetMode(c.Mode, ev.Received)
	}
	if ev.Frame.HandPresent() && a.registry.IsFocused(ev.CameraID) {
		a.acceptSample(ev)
	}
}

func (a *App) acceptSample(ev stream.Event) {
	token, active := a.collection.ActiveToken()
	if !active {
		return
	}

	a.sampleMu.Lock()
	if token == a.sampleToken && ev.Received.Sub(a.lastSample) < a.config.SampleInterval {
		a.sampleMu.Unlock()
		return
	}
	a.sampleToken = token
	a.lastSample = ev.Received
	a.sampleMu.Unlock()

	n, err := a.collection.Accept(token)
	switch {
	case errors.Is(err, workflow.ErrStaleToken):
		// The session ended between the check and the accept.
	case err != nil:
		a.logger.Warn("failed to accept sample", zap.Int64("camera_id", ev.CameraID), zap.Error(err))
	default:
		a.logger.Debug("sample accepted", zap.Int64("camera_id", ev.CameraID), zap.Int("collected", n))
	}
}

// pollLoop asks the collaborator for its status every PollInterval. A tick
// that finds the previous poll still running is skipped.
func (a *App) pollLoop(ctx context.Context) {
	ticker := a.clock.Ticker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.polling.TryLock() {
				a.logger.Debug("poll skipped, previous poll still in flight")
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				defer a.polling.Unlock()
				a.Poll(ctx)
			}()
		}
	}
}

// Poll reads the collaborator's status once and folds it into the
// workflows. Every observation carries the poll's issue time, so a slow
// response cannot overwrite newer local state.
func (a *App) Poll(ctx context.Context) {
	if a.upstream == nil {
		return
	}
	issued := a.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, a.config.PollTimeout)
	defer cancel()

	st, err := a.upstream.Status(ctx)
	if err != nil {
		a.logger.Debug("status poll failed", zap.Error(err))
		a.reconciler.SetUpstream(false, issued)
		return
	}
	a.reconciler.SetUpstream(true, issued)

	if st.Collection != nil {
		a.collection.Observe(*st.Collection, issued)
	}
	if st.Training != nil {
		a.training.Observe(*st.Training, issued)
	} else {
		a.training.Unreported(issued)
	}
}
