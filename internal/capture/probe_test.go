package capture

import "testing"

func TestStaticProber_Probe(t *testing.T) {
	p := StaticProber{{Index: 0, Width: 640, Height: 480, FPS: 30}, {Index: 3}, {Index: 7}}

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default limit", 0, 2},
		{"only first", 1, 1},
		{"all", 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Probe(tt.limit); len(got) != tt.want {
				t.Errorf("Probe(%d) returned %d devices, want %d", tt.limit, len(got), tt.want)
			}
		})
	}
}

func TestDeviceProber_ImplementsProber(t *testing.T) {
	var _ Prober = DeviceProber{}
	var _ Prober = StaticProber{}
}
