package detection

import (
	"errors"
	"testing"
	"time"

	"github.com/ayusman/gestureops/internal/workflow"
)

func TestDecode_Frame(t *testing.T) {
	data := []byte(`{
		"type": "detection",
		"timestamp": 1700000000000,
		"hand_count": 2,
		"hands": [
			{"gesture": "fist", "confidence": 0.91, "handedness": "Right"},
			{"gesture": "open_hand", "confidence": 0.42}
		],
		"controller": {"mode": "safe", "action_triggered": false, "progress": 0.5}
	}`)

	msg, err := Decode(3, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind != KindFrame || msg.Frame == nil {
		t.Fatalf("Decode() kind = %q, frame = %v", msg.Kind, msg.Frame)
	}

	f := msg.Frame
	if f.CameraID != 3 {
		t.Errorf("CameraID = %d, want 3", f.CameraID)
	}
	if !f.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Timestamp = %v", f.Timestamp)
	}
	if f.HandCount != 2 || len(f.Hands) != 2 {
		t.Errorf("HandCount = %d, hands = %d; want 2, 2", f.HandCount, len(f.Hands))
	}
	if f.Controller == nil || f.Controller.Mode != ModeSafe || f.Controller.Progress != 0.5 {
		t.Errorf("Controller = %+v", f.Controller)
	}

	best, ok := f.Best()
	if !ok || best.Gesture != "fist" {
		t.Errorf("Best() = %+v, %v; want fist", best, ok)
	}
}

func TestDecode_HandCountDefaultsToHands(t *testing.T) {
	msg, err := Decode(1, []byte(`{"type":"detection","timestamp":5,"hands":[{"gesture":"ok_sign","confidence":1}]}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Frame.HandCount != 1 || !msg.Frame.HandPresent() {
		t.Errorf("HandCount = %d, want 1", msg.Frame.HandCount)
	}
}

func TestDecode_OtherVariants(t *testing.T) {
	msg, err := Decode(1, []byte(`{"type":"heartbeat"}`))
	if err != nil || msg.Kind != KindHeartbeat {
		t.Errorf("heartbeat: %+v, %v", msg, err)
	}

	msg, err = Decode(1, []byte(`{"type":"notice","message":"model reloaded"}`))
	if err != nil || msg.Kind != KindNotice || msg.Notice != "model reloaded" {
		t.Errorf("notice: %+v, %v", msg, err)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"telemetry"}`},
		{"missing type", `{"timestamp": 1}`},
		{"missing timestamp", `{"type":"detection","hands":[]}`},
		{"negative hand count", `{"type":"detection","timestamp":1,"hand_count":-1}`},
		{"hand count below hands", `{"type":"detection","timestamp":1,"hand_count":0,"hands":[{"gesture":"fist","confidence":0.5}]}`},
		{"missing label", `{"type":"detection","timestamp":1,"hands":[{"confidence":0.5}]}`},
		{"confidence too high", `{"type":"detection","timestamp":1,"hands":[{"gesture":"fist","confidence":1.2}]}`},
		{"missing confidence", `{"type":"detection","timestamp":1,"hands":[{"gesture":"fist"}]}`},
		{"bad mode", `{"type":"detection","timestamp":1,"controller":{"mode":"turbo"}}`},
		{"bad progress", `{"type":"detection","timestamp":1,"controller":{"mode":"safe","progress":-0.1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(1, []byte(tt.data))
			if !errors.Is(err, workflow.ErrProtocol) {
				t.Errorf("Decode() error = %v, want ErrProtocol", err)
			}
		})
	}
}
