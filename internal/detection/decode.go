package detection

import (
	"encoding/json"
	"time"

	"github.com/ayusman/gestureops/internal/workflow"
)

// MessageKind tags the variants a camera stream may send as text.
type MessageKind string

const (
	KindFrame     MessageKind = "detection"
	KindHeartbeat MessageKind = "heartbeat"
	KindNotice    MessageKind = "notice"
)

// Message is one decoded text message. Frame is set for KindFrame and Notice
// for KindNotice.
type Message struct {
	Kind   MessageKind
	Frame  *Frame
	Notice string
}

type wireHand struct {
	Gesture    *string  `json:"gesture"`
	Confidence *float64 `json:"confidence"`
	Handedness string   `json:"handedness"`
}

type wireController struct {
	Mode            Mode    `json:"mode"`
	ActionTriggered bool    `json:"action_triggered"`
	Progress        float64 `json:"progress"`
	Message         string  `json:"message"`
}

type wireMessage struct {
	Type       MessageKind     `json:"type"`
	Timestamp  *int64          `json:"timestamp"`
	HandCount  *int            `json:"hand_count"`
	Hands      []wireHand      `json:"hands"`
	Controller *wireController `json:"controller"`
	Message    string          `json:"message"`
}

// Decode parses and validates one text message from cameraID's stream.
// Invalid messages return a KindProtocol error and must be dropped by the
// caller without tearing down the stream.
func Decode(cameraID int64, data []byte) (Message, error) {
	const op = "detection.Decode"

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, workflow.Wrap(op, workflow.KindProtocol, err)
	}

	switch w.Type {
	case KindHeartbeat:
		return Message{Kind: KindHeartbeat}, nil
	case KindNotice:
		return Message{Kind: KindNotice, Notice: w.Message}, nil
	case KindFrame:
	default:
		return Message{}, workflow.E(op, workflow.KindProtocol, "", "unknown message type %q", w.Type)
	}

	if w.Timestamp == nil || *w.Timestamp <= 0 {
		return Message{}, workflow.E(op, workflow.KindProtocol, "", "missing timestamp")
	}

	frame := &Frame{
		CameraID:  cameraID,
		Timestamp: time.UnixMilli(*w.Timestamp),
		Hands:     make([]Hand, 0, len(w.Hands)),
	}

	for i, h := range w.Hands {
		if h.Gesture == nil || *h.Gesture == "" {
			return Message{}, workflow.E(op, workflow.KindProtocol, "", "hand %d has no gesture label", i)
		}
		if h.Confidence == nil || !unit(*h.Confidence) {
			return Message{}, workflow.E(op, workflow.KindProtocol, "", "hand %d confidence outside [0,1]", i)
		}
		frame.Hands = append(frame.Hands, Hand{
			Gesture:    *h.Gesture,
			Confidence: *h.Confidence,
			Handedness: h.Handedness,
		})
	}

	frame.HandCount = len(frame.Hands)
	if w.HandCount != nil {
		if *w.HandCount < len(frame.Hands) {
			return Message{}, workflow.E(op, workflow.KindProtocol, "",
				"hand_count %d below %d classified hands", *w.HandCount, len(frame.Hands))
		}
		frame.HandCount = *w.HandCount
	}

	if c := w.Controller; c != nil {
		if !c.Mode.Valid() {
			return Message{}, workflow.E(op, workflow.KindProtocol, "", "unknown controller mode %q", c.Mode)
		}
		if !unit(c.Progress) {
			return Message{}, workflow.E(op, workflow.KindProtocol, "", "controller progress outside [0,1]")
		}
		frame.Controller = &Controller{
			Mode:            c.Mode,
			ActionTriggered: c.ActionTriggered,
			Progress:        c.Progress,
			Message:         c.Message,
		}
	}

	return Message{Kind: KindFrame, Frame: frame}, nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
