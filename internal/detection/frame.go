// Package detection defines the Detection Frame carried by a camera's live
// event stream and validates the wire messages that deliver it.
package detection

import (
	"time"
)

// Mode is the gesture controller's detection mode.
type Mode string

const (
	// ModeStandard triggers an action on a confident gesture, with cooldown.
	ModeStandard Mode = "standard"
	// ModeSafe requires the gesture to be held until progress reaches 1.
	ModeSafe Mode = "safe"
	// ModeAll reports every confident gesture.
	ModeAll Mode = "all"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeStandard, ModeSafe, ModeAll:
		return true
	}
	return false
}

// Hand is one detected hand with its gesture classification.
type Hand struct {
	Gesture    string  `json:"gesture"`
	Confidence float64 `json:"confidence"`
	Handedness string  `json:"handedness,omitempty"`
}

// Controller describes what the gesture controller did with the frame.
// Progress is only meaningful in ModeSafe.
type Controller struct {
	Mode            Mode    `json:"mode"`
	ActionTriggered bool    `json:"action_triggered"`
	Progress        float64 `json:"progress"`
	Message         string  `json:"message,omitempty"`
}

// Frame is one timestamped detection result from a camera.
type Frame struct {
	CameraID   int64       `json:"camera_id"`
	Timestamp  time.Time   `json:"timestamp"`
	HandCount  int         `json:"hand_count"`
	Hands      []Hand      `json:"hands"`
	Controller *Controller `json:"controller,omitempty"`
}

// HandPresent reports whether the frame saw at least one hand.
func (f Frame) HandPresent() bool {
	return f.HandCount > 0
}

// Best returns the most confident hand, if any.
func (f Frame) Best() (Hand, bool) {
	if len(f.Hands) == 0 {
		return Hand{}, false
	}
	best := f.Hands[0]
	for _, h := range f.Hands[1:] {
		if h.Confidence > best.Confidence {
			best = h
		}
	}
	return best, true
}
