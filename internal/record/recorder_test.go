package record

import (
	"strings"
	"testing"
	"time"

	"github.com/geldoronie/retrocapture/internal/frame"
	"github.com/geldoronie/retrocapture/internal/settings"
)

func settingsFor(codec string) settings.RecordingSettings {
	return settings.RecordingSettings{
		Width: 640, Height: 480, FPS: 30, Bitrate: 2_000_000,
		Codec:      codec,
		Container:  "mp4",
		OutputPath: "recordings",
	}
}

func TestOutputFilename(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)

	tests := []struct {
		template  string
		container string
		want      string
	}{
		{"rec_%Y", "mp4", "rec_2024.mp4"},
		{"rec_%Y%m%d_%H%M%S", "mkv", "rec_20240601_123045.mkv"},
		{"plain", "avi", "plain.avi"},
		{"rec_%Y", "", "rec_2024.mp4"},
		{"", "mp4", "rec_20240601_123045.mp4"},
	}
	for _, tt := range tests {
		got, err := OutputFilename(tt.template, tt.container, now)
		if err != nil {
			t.Errorf("OutputFilename(%q, %q): %v", tt.template, tt.container, err)
			continue
		}
		if got != tt.want {
			t.Errorf("OutputFilename(%q, %q) = %q, want %q", tt.template, tt.container, got, tt.want)
		}
	}
}

func TestPerChannelSamples(t *testing.T) {
	t.Parallel()

	c := &frame.AudioChunk{SampleCount: 2048, Channels: 2}
	if got := perChannelSamples(c); got != 1024 {
		t.Errorf("perChannelSamples = %d, want 1024", got)
	}
	mono := &frame.AudioChunk{SampleCount: 512, Channels: 0}
	if got := perChannelSamples(mono); got != 512 {
		t.Errorf("perChannelSamples with zero channels = %d, want 512", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	if err := r.Stop(); err == nil {
		t.Error("expected error from Stop without Start")
	}
}

func TestPushFrameWhenIdle(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	if r.PushFrame(make([]byte, 12), 2, 2) {
		t.Error("expected PushFrame to reject while idle")
	}
	if r.PushAudio(make([]int16, 16), 16) {
		t.Error("expected PushAudio to reject while idle")
	}
}

func TestCurrentDurationBeforeFirstFrame(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	if got := r.CurrentDurationUs(); got != 0 {
		t.Errorf("CurrentDurationUs = %d before any frame, want 0", got)
	}
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	err := r.Start(t.Context(), settingsFor("not-a-codec"))
	if err == nil {
		t.Fatal("expected validation error for unknown codec")
	}
	if !strings.Contains(err.Error(), "codec") {
		t.Errorf("error %q does not name the codec field", err)
	}
}
