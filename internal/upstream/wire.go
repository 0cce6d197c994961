package upstream

import (
	"fmt"
	"math"

	"github.com/ayusman/gestureops/internal/collection"
	"github.com/ayusman/gestureops/internal/detection"
	"github.com/ayusman/gestureops/internal/training"
	"github.com/ayusman/gestureops/internal/workflow"
)

type collectStartRequest struct {
	SessionID   workflow.Token `json:"session_id"`
	GestureName string         `json:"gesture_name"`
	NumSamples  int            `json:"num_samples"`
}

type collectStopRequest struct {
	SessionID workflow.Token `json:"session_id"`
}

type trainRequest struct {
	JobID workflow.Token `json:"job_id"`
}

type modeRequest struct {
	Mode detection.Mode `json:"mode"`
}

// reply is the acknowledgement body of every command endpoint.
type reply struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type jobPayload struct {
	JobID    workflow.Token    `json:"job_id"`
	State    training.State    `json:"state"`
	Progress float64           `json:"progress"`
	Error    string            `json:"error,omitempty"`
	Metrics  *training.Metrics `json:"metrics,omitempty"`
}

type statusPayload struct {
	SessionID        workflow.Token `json:"session_id"`
	IsCollecting     bool           `json:"is_collecting"`
	CurrentGesture   string         `json:"current_gesture,omitempty"`
	SamplesCollected int            `json:"samples_collected"`
	TargetSamples    int            `json:"target_samples"`
	IsTrainingModel  bool           `json:"is_training_model"`
	Job              *jobPayload    `json:"job,omitempty"`
}

// Status is the validated result of a status poll. A nil field means the
// collaborator reported nothing for that workflow.
type Status struct {
	Collection *collection.Observation
	Training   *training.Observation
}

func (p statusPayload) validate() (Status, error) {
	var st Status
	if !p.SessionID.IsZero() {
		if p.SamplesCollected < 0 {
			return Status{}, fmt.Errorf("negative samples_collected %d", p.SamplesCollected)
		}
		st.Collection = &collection.Observation{
			SessionID: p.SessionID,
			Active:    p.IsCollecting,
			Collected: p.SamplesCollected,
		}
	}
	if j := p.Job; j != nil && !j.JobID.IsZero() {
		if !j.State.Valid() {
			return Status{}, fmt.Errorf("unknown job state %q", j.State)
		}
		if math.IsNaN(j.Progress) || math.IsInf(j.Progress, 0) {
			return Status{}, fmt.Errorf("invalid progress %v", j.Progress)
		}
		st.Training = &training.Observation{
			JobID:    j.JobID,
			State:    j.State,
			Progress: j.Progress,
			Error:    j.Error,
			Metrics:  j.Metrics,
		}
	}
	return st, nil
}
