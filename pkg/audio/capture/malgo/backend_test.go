package malgo

import (
	"bytes"
	"testing"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/songsnap/pkg/audio"
)

func TestFormatFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		enc    audio.Encoding
		want   ma.FormatType
		wantOK bool
	}{
		{audio.EncodingPCM16, ma.FormatS16, true},
		{audio.EncodingFloat32, ma.FormatF32, true},
		{audio.Encoding(0), ma.FormatUnknown, false},
	}
	for _, tc := range tests {
		got, ok := formatFor(tc.enc)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("formatFor(%v) = (%v, %v), want (%v, %v)", tc.enc, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestPeriodBytes(t *testing.T) {
	t.Parallel()
	if got := periodBytes(48000, 10, 2); got != 960 {
		t.Errorf("periodBytes(48000, 10, 2) = %d, want 960", got)
	}
	if got := periodBytes(44100, 10, 4); got != 1764 {
		t.Errorf("periodBytes(44100, 10, 4) = %d, want 1764", got)
	}
}

func TestRollingWindow(t *testing.T) {
	t.Parallel()
	w := newRollingWindow(4)

	w.write([]byte{1, 2})
	if got := w.snapshot(); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("partial window = %v", got)
	}
	w.write([]byte{3, 4, 5})
	if got := w.snapshot(); !bytes.Equal(got, []byte{2, 3, 4, 5}) {
		t.Errorf("rolled window = %v, want [2 3 4 5]", got)
	}
	w.write([]byte{6, 7, 8, 9, 10})
	if got := w.snapshot(); !bytes.Equal(got, []byte{7, 8, 9, 10}) {
		t.Errorf("oversized write = %v, want [7 8 9 10]", got)
	}

	snap := w.snapshot()
	snap[0] = 0
	if got := w.snapshot(); got[0] != 7 {
		t.Error("snapshot aliases the window")
	}
}

func TestIsMonitor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want bool
	}{
		{"Monitor of Built-in Audio Analog Stereo", true},
		{"alsa_output.pci-0000_00_1f.3.analog-stereo.monitor", true},
		{"Built-in Audio Analog Stereo", false},
		{"USB Microphone", false},
	}
	for _, tc := range tests {
		if got := isMonitor(tc.name); got != tc.want {
			t.Errorf("isMonitor(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTargetDeviceType(t *testing.T) {
	t.Parallel()
	if got := TargetMicrophone.deviceType(); got != ma.Capture {
		t.Errorf("microphone device type = %v, want capture", got)
	}
	if got := TargetLoopback.deviceType(); got != ma.Loopback {
		t.Errorf("loopback device type = %v, want loopback", got)
	}
}
