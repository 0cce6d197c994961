// Package camera holds the camera model and the session registry that owns
// each camera's live stream channel.
package camera

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ayusman/gestureops/internal/workflow"
)

// Default capture parameters, matching what the capture nodes use when a
// camera is declared without them.
const (
	DefaultFPS    = 30
	DefaultWidth  = 640
	DefaultHeight = 480
)

// SourceKind tags a camera source descriptor.
type SourceKind string

const (
	SourceDevice SourceKind = "device"
	SourceURL    SourceKind = "url"
	SourceFile   SourceKind = "file"
)

// Source describes where a camera's frames come from.
type Source struct {
	Kind   SourceKind `json:"kind"`
	Device int        `json:"device,omitempty"`
	URL    string     `json:"url,omitempty"`
	Path   string     `json:"path,omitempty"`
}

// ParseSource infers a Source from a plain string: an integer is a device
// index, anything with a scheme is a URL, everything else a file path.
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Source{}, workflow.E("camera.ParseSource", workflow.KindInvalidArgument, "", "empty source")
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Source{Kind: SourceDevice, Device: n}, Source{Kind: SourceDevice, Device: n}.Validate()
	}
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		return Source{Kind: SourceURL, URL: s}, nil
	}
	return Source{Kind: SourceFile, Path: s}, nil
}

// Validate checks that the fields for the source's kind are set.
func (s Source) Validate() error {
	const op = "camera.Source.Validate"
	switch s.Kind {
	case SourceDevice:
		if s.Device < 0 {
			return workflow.E(op, workflow.KindInvalidArgument, "", "negative device index %d", s.Device)
		}
	case SourceURL:
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return workflow.E(op, workflow.KindInvalidArgument, "", "invalid source url %q", s.URL)
		}
	case SourceFile:
		if strings.TrimSpace(s.Path) == "" {
			return workflow.E(op, workflow.KindInvalidArgument, "", "empty file path")
		}
	default:
		return workflow.E(op, workflow.KindInvalidArgument, "", "unknown source kind %q", s.Kind)
	}
	return nil
}

// Value returns the kind-specific part of the source as a string.
func (s Source) Value() string {
	switch s.Kind {
	case SourceDevice:
		return strconv.Itoa(s.Device)
	case SourceURL:
		return s.URL
	case SourceFile:
		return s.Path
	}
	return ""
}

func (s Source) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.Value())
}

// Settings are image adjustments applied by the capture node. They never
// affect the camera's stream channel.
type Settings struct {
	Brightness int `json:"brightness"`
	Contrast   int `json:"contrast"`
	Saturation int `json:"saturation"`
	Exposure   int `json:"exposure"`
}

// DefaultSettings returns mid-scale adjustments.
func DefaultSettings() Settings {
	return Settings{Brightness: 50, Contrast: 50, Saturation: 50}
}

// Validate checks that the percentage settings are within 0..100.
func (s Settings) Validate() error {
	for name, v := range map[string]int{"brightness": s.Brightness, "contrast": s.Contrast, "saturation": s.Saturation} {
		if v < 0 || v > 100 {
			return workflow.E("camera.Settings.Validate", workflow.KindInvalidArgument, "", "%s %d outside 0..100", name, v)
		}
	}
	return nil
}

// Descriptor is the input to Registry.Add.
type Descriptor struct {
	Source Source `json:"source"`
	FPS    int    `json:"fps"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Label  string `json:"label"`
}

// Normalize fills defaults and validates the descriptor.
func (d Descriptor) Normalize() (Descriptor, error) {
	const op = "camera.Descriptor"
	if err := d.Source.Validate(); err != nil {
		return d, err
	}
	if d.FPS == 0 {
		d.FPS = DefaultFPS
	}
	if d.Width == 0 {
		d.Width = DefaultWidth
	}
	if d.Height == 0 {
		d.Height = DefaultHeight
	}
	if d.FPS < 0 || d.Width < 0 || d.Height < 0 {
		return d, workflow.E(op, workflow.KindInvalidArgument, "", "capture parameters must be positive")
	}
	d.Label = strings.TrimSpace(d.Label)
	return d, nil
}

// Camera is a registered camera.
type Camera struct {
	ID        int64     `json:"id"`
	Source    Source    `json:"source"`
	FPS       int       `json:"fps"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Label     string    `json:"label,omitempty"`
	// Active is true while the camera has a live stream channel. The
	// registry fills it in; directories may leave it unset.
	Active    bool      `json:"active"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory persists camera records.
type Directory interface {
	List(ctx context.Context) ([]Camera, error)
	Add(ctx context.Context, d Descriptor) (Camera, error)
	Remove(ctx context.Context, id int64) error
	UpdateSettings(ctx context.Context, id int64, s Settings) (Camera, error)
}
