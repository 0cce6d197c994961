// Package capture discovers local capture devices using GoCV (OpenCV).
package capture

import (
	"gocv.io/x/gocv"
)

// DefaultProbeLimit is how many device indexes Probe tries by default.
const DefaultProbeLimit = 5

// Device is a local capture device that could be opened.
type Device struct {
	Index  int     `json:"index"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

// Prober finds local capture devices.
type Prober interface {
	Probe(limit int) []Device
}

// DeviceProber probes device indexes with OpenCV.
type DeviceProber struct{}

// Probe opens device indexes 0..limit-1 and reports the ones that respond.
// Each device is released again before Probe returns.
func (DeviceProber) Probe(limit int) []Device {
	if limit <= 0 {
		limit = DefaultProbeLimit
	}

	var found []Device
	for i := 0; i < limit; i++ {
		vc, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if vc.IsOpened() {
			found = append(found, Device{
				Index:  i,
				Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
				Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
				FPS:    vc.Get(gocv.VideoCaptureFPS),
			})
		}
		vc.Close()
	}
	return found
}

// StaticProber reports a fixed device list. It is used where no OpenCV
// devices are available, such as in tests.
type StaticProber []Device

// Probe returns the devices whose index is below limit.
func (p StaticProber) Probe(limit int) []Device {
	if limit <= 0 {
		limit = DefaultProbeLimit
	}
	var out []Device
	for _, d := range p {
		if d.Index < limit {
			out = append(out, d)
		}
	}
	return out
}
