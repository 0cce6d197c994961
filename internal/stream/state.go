package stream

import (
	"time"

	"github.com/ayusman/gestureops/internal/detection"
)

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Status is a point-in-time view of a Channel.
type Status struct {
	CameraID  int64
	State     State
	Attempts  int
	LastError string
	Since     time.Time
}

// Event is one inbound item from a camera stream: either a detection frame
// (text message) or a live video image (binary message).
type Event struct {
	CameraID int64
	Received time.Time
	Seq      uint64
	Frame    *detection.Frame
	Image    []byte
}
