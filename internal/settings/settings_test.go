package settings

import (
	"errors"
	"testing"

	"github.com/geldoronie/retrocapture/internal/frame"
)

func valid() RecordingSettings {
	return RecordingSettings{
		Width: 1280, Height: 720, FPS: 60, Bitrate: 8_000_000,
		Codec:        "h264",
		Preset:       "veryfast",
		AudioBitrate: 256_000,
		AudioCodec:   "aac",
		Container:    "mp4",
		OutputPath:   "recordings",
		IncludeAudio: true,
	}
}

func TestValidateAcceptsRecognizedOptions(t *testing.T) {
	t.Parallel()

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*RecordingSettings)
	}{
		{"zero width", func(s *RecordingSettings) { s.Width = 0 }},
		{"zero fps", func(s *RecordingSettings) { s.FPS = 0 }},
		{"unknown codec", func(s *RecordingSettings) { s.Codec = "av1" }},
		{"unknown preset", func(s *RecordingSettings) { s.Preset = "warp9" }},
		{"unknown audio codec", func(s *RecordingSettings) { s.AudioCodec = "flac" }},
		{"unknown container", func(s *RecordingSettings) { s.Container = "mov" }},
		{"missing output path", func(s *RecordingSettings) { s.OutputPath = "" }},
		{"negative max duration", func(s *RecordingSettings) { s.MaxDurationUs = -1 }},
		{"vp8 speed out of range", func(s *RecordingSettings) { s.Codec = "vp8"; s.VP8Speed = 17 }},
		{"vp9 speed out of range", func(s *RecordingSettings) { s.Codec = "vp9"; s.VP9Speed = 10 }},
		{"bad h265 profile", func(s *RecordingSettings) { s.Codec = "h265"; s.H265Profile = "main444" }},
		{"bad h265 level", func(s *RecordingSettings) { s.Codec = "h265"; s.H265Level = "9.9" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("error %v does not wrap ErrInvalidSettings", err)
			}
		})
	}
}

func TestValidateIgnoresAudioCodecWhenAudioDisabled(t *testing.T) {
	t.Parallel()

	s := valid()
	s.IncludeAudio = false
	s.AudioCodec = ""
	if err := s.Validate(); err != nil {
		t.Errorf("audio codec should not be validated when audio is disabled: %v", err)
	}
}

func TestH265LevelsAllRecognized(t *testing.T) {
	t.Parallel()

	for _, lvl := range []string{"auto", "1", "2", "2.1", "3", "3.1", "4", "4.1", "5", "5.1", "5.2", "6", "6.1", "6.2"} {
		s := valid()
		s.Codec = "h265"
		s.H265Profile = "main"
		s.H265Level = lvl
		if err := s.Validate(); err != nil {
			t.Errorf("level %q rejected: %v", lvl, err)
		}
	}
}

func TestVideoConfigSpeedPerCodec(t *testing.T) {
	t.Parallel()

	s := valid()
	s.Codec = "vp9"
	s.VP9Speed = 6
	s.VP8Speed = 12
	cfg := s.VideoConfig()
	if cfg.Codec != frame.VideoCodecVP9 || cfg.Speed != 6 {
		t.Errorf("VideoConfig = %+v, want vp9 speed 6", cfg)
	}

	s.Codec = "vp8"
	if got := s.VideoConfig().Speed; got != 12 {
		t.Errorf("vp8 speed = %d, want 12", got)
	}

	s.Codec = "h264"
	if got := s.VideoConfig().Speed; got != 0 {
		t.Errorf("h264 speed = %d, want 0", got)
	}
}

func TestContainerKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want frame.Container
	}{
		{"mp4", frame.ContainerMP4},
		{"MKV", frame.ContainerMKV},
		{"avi", frame.ContainerMPEGTS},
		{"", frame.ContainerMP4},
	}
	for _, tt := range tests {
		s := valid()
		s.Container = tt.in
		if got := s.ContainerKind(); got != tt.want {
			t.Errorf("ContainerKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
