package cadence

import (
	"math"
	"testing"
)

// referenceNeedsDenoise restates the rule order independently of the
// implementation so the brute-force test compares two formulations.
func referenceNeedsDenoise(frame, maxFrames int, cfg Config) bool {
	if !cfg.Enabled {
		return false
	}
	if frame == maxFrames {
		return true
	}
	multiple := frame%cfg.EveryNFrames == 0
	firstSkipped := frame == 0 && !cfg.DenoiseFirstFrame
	return multiple && !firstSkipped
}

func TestNeedsDenoise_BruteForce(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		for _, first := range []bool{false, true} {
			for n := 1; n <= 12; n++ {
				for maxFrames := 0; maxFrames <= 40; maxFrames++ {
					cfg := Config{Enabled: enabled, DenoiseFirstFrame: first, EveryNFrames: n}
					for frame := 0; frame <= maxFrames; frame++ {
						got := NeedsDenoise(frame, maxFrames, cfg)
						want := referenceNeedsDenoise(frame, maxFrames, cfg)
						if got != want {
							t.Fatalf("NeedsDenoise(%d, %d, %+v) = %v, want %v", frame, maxFrames, cfg, got, want)
						}
					}
				}
			}
		}
	}
}

func TestNeedsDenoise_Scenarios(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want map[int]bool // frames expected to be denoised; others must not be
	}{
		{
			name: "every 5, skip first",
			cfg:  Config{Enabled: true, EveryNFrames: 5},
			want: map[int]bool{5: true, 10: true},
		},
		{
			name: "every 5, denoise first",
			cfg:  Config{Enabled: true, DenoiseFirstFrame: true, EveryNFrames: 5},
			want: map[int]bool{0: true, 5: true, 10: true},
		},
		{
			name: "disabled",
			cfg:  Config{Enabled: false, DenoiseFirstFrame: true, EveryNFrames: 5},
			want: map[int]bool{},
		},
	}

	const maxFrames = 10
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for frame := 0; frame <= maxFrames; frame++ {
				if got := NeedsDenoise(frame, maxFrames, tt.cfg); got != tt.want[frame] {
					t.Errorf("frame %d: NeedsDenoise = %v, want %v", frame, got, tt.want[frame])
				}
			}
		})
	}
}

func TestNeedsDenoise_FinalFrameOffCadence(t *testing.T) {
	cfg := Config{Enabled: true, EveryNFrames: 4}
	if !NeedsDenoise(7, 7, cfg) {
		t.Error("final frame must always be denoised")
	}
	if NeedsDenoise(6, 7, cfg) {
		t.Error("frame 6 is not a multiple of 4")
	}
}

func TestShouldDisplayDenoised(t *testing.T) {
	tests := []struct {
		name      string
		frame     int
		maxFrames int
		cfg       Config
		want      bool
	}{
		{"disabled", 50, 100, Config{EveryNFrames: 5}, false},
		{"first frame raw", 0, 100, Config{Enabled: true, EveryNFrames: 5}, false},
		{"before first boundary", 4, 100, Config{Enabled: true, EveryNFrames: 5}, false},
		{"at first boundary", 5, 100, Config{Enabled: true, EveryNFrames: 5}, true},
		{"between boundaries", 7, 100, Config{Enabled: true, EveryNFrames: 5}, true},
		{"denoise first frame", 0, 100, Config{Enabled: true, DenoiseFirstFrame: true, EveryNFrames: 5}, true},
		{"final frame before boundary", 3, 3, Config{Enabled: true, EveryNFrames: 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldDisplayDenoised(tt.frame, tt.maxFrames, tt.cfg); got != tt.want {
				t.Errorf("ShouldDisplayDenoised(%d, %d) = %v, want %v", tt.frame, tt.maxFrames, got, tt.want)
			}
		})
	}
}

// Once a denoise has happened the display predicate must stay true for
// every later frame, even though NeedsDenoise is false on most of them.
func TestShouldDisplayDenoised_PersistsAfterDenoise(t *testing.T) {
	for _, first := range []bool{false, true} {
		cfg := Config{Enabled: true, DenoiseFirstFrame: first, EveryNFrames: 3}
		denoised := false
		for frame := 0; frame <= 20; frame++ {
			if NeedsDenoise(frame, 20, cfg) {
				denoised = true
			}
			if denoised && !ShouldDisplayDenoised(frame, 20, cfg) {
				t.Fatalf("first=%v frame %d: denoised image hidden after a denoise", first, frame)
			}
		}
	}
}

func TestDenoisedFrame(t *testing.T) {
	cfg := Config{Enabled: true, EveryNFrames: 5}
	cases := map[int]int{0: -1, 4: -1, 5: 5, 9: 5, 10: 10, 12: 12}
	for frame, want := range cases {
		if got := DenoisedFrame(frame, 12, cfg); got != want {
			t.Errorf("DenoisedFrame(%d) = %d, want %d", frame, got, want)
		}
	}

	cfg.DenoiseFirstFrame = true
	if got := DenoisedFrame(3, 12, cfg); got != 0 {
		t.Errorf("DenoisedFrame(3) with first frame = %d, want 0", got)
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		in        Config
		wantN     int
		wantBlend float32
	}{
		{Config{EveryNFrames: 0, BlendFactor: -1}, 1, 0},
		{Config{EveryNFrames: 1000, BlendFactor: 2}, 500, 1},
		{Config{EveryNFrames: 42, BlendFactor: 0.25}, 42, 0.25},
		{Config{EveryNFrames: 10, BlendFactor: float32(math.NaN())}, 10, 0},
	}
	for _, tt := range tests {
		got := tt.in.Normalize()
		if got.EveryNFrames != tt.wantN || got.BlendFactor != tt.wantBlend {
			t.Errorf("Normalize(%+v) = {N:%d Blend:%v}, want {N:%d Blend:%v}",
				tt.in, got.EveryNFrames, got.BlendFactor, tt.wantN, tt.wantBlend)
		}
	}
}

func TestNeedsDenoise_ZeroIntervalDoesNotPanic(t *testing.T) {
	cfg := Config{Enabled: true}
	if !NeedsDenoise(3, 10, cfg) {
		t.Error("unnormalized interval should behave as 1")
	}
}
