// Package settings validates the producer-facing RecordingSettings
// against recognized-option tables, rejecting unrecognized values before
// they ever reach the encoder.
package settings

import (
	"errors"
	"fmt"
	"strings"

	"github.com/geldoronie/retrocapture/internal/frame"
)

// ErrInvalidSettings is returned by Validate for any rejected field, so
// callers can branch on the condition without parsing the message.
var ErrInvalidSettings = errors.New("settings: invalid recording settings")

// RecordingSettings is the control API's configuration surface. Every
// enumerated field is checked against its recognized-option table at
// Validate time.
type RecordingSettings struct {
	Width, Height, FPS, Bitrate int

	Codec       string // h264, h265, vp8, vp9
	Preset      string // x264/x265 presets
	H265Profile string // main, main10
	H265Level   string // auto, 1, 2, 2.1, 3, ...
	VP8Speed    int    // 0-16
	VP9Speed    int    // 0-9

	AudioBitrate int
	AudioCodec   string // aac, mp3, opus

	Container string // mp4, mkv, avi (avi falls back to the mpegts muxer)

	OutputPath       string
	FilenameTemplate string

	IncludeAudio  bool
	AutoStart     bool
	MaxDurationUs int64
	MaxFileSize   int64
}

var validPresets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true,
	"fast": true, "medium": true, "slow": true, "slower": true, "veryslow": true,
}

var validH265Profiles = map[string]bool{"main": true, "main10": true}

var validH265Levels = map[string]bool{
	"auto": true, "1": true, "2": true, "2.1": true, "3": true, "3.1": true,
	"4": true, "4.1": true, "5": true, "5.1": true, "5.2": true, "6": true,
	"6.1": true, "6.2": true,
}

var validVideoCodecs = map[string]frame.VideoCodec{
	"h264": frame.VideoCodecH264, "h265": frame.VideoCodecH265,
	"vp8": frame.VideoCodecVP8, "vp9": frame.VideoCodecVP9,
}

var validAudioCodecs = map[string]frame.AudioCodec{
	"aac": frame.AudioCodecAAC, "mp3": frame.AudioCodecMP3, "opus": frame.AudioCodecOpus,
}

var validContainers = map[string]bool{"mp4": true, "mkv": true, "avi": true}

// Validate checks every enumerated field against its recognized-option
// table and cross-field constraints (width/height/fps must be positive,
// speeds must be in range for the chosen video codec). Every rejection
// wraps ErrInvalidSettings.
func (s RecordingSettings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: width/height must be positive, got %dx%d", ErrInvalidSettings, s.Width, s.Height)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("%w: fps must be positive, got %d", ErrInvalidSettings, s.FPS)
	}
	if _, ok := validVideoCodecs[s.Codec]; !ok {
		return fmt.Errorf("%w: unrecognized codec %q", ErrInvalidSettings, s.Codec)
	}
	if s.Preset != "" && !validPresets[s.Preset] {
		return fmt.Errorf("%w: unrecognized preset %q", ErrInvalidSettings, s.Preset)
	}
	if s.Codec == "h265" {
		if s.H265Profile != "" && !validH265Profiles[s.H265Profile] {
			return fmt.Errorf("%w: unrecognized h265_profile %q", ErrInvalidSettings, s.H265Profile)
		}
		if s.H265Level != "" && !validH265Levels[s.H265Level] {
			return fmt.Errorf("%w: unrecognized h265_level %q", ErrInvalidSettings, s.H265Level)
		}
	}
	if s.Codec == "vp8" && (s.VP8Speed < 0 || s.VP8Speed > 16) {
		return fmt.Errorf("%w: vp8_speed %d out of range [0,16]", ErrInvalidSettings, s.VP8Speed)
	}
	if s.Codec == "vp9" && (s.VP9Speed < 0 || s.VP9Speed > 9) {
		return fmt.Errorf("%w: vp9_speed %d out of range [0,9]", ErrInvalidSettings, s.VP9Speed)
	}
	if s.IncludeAudio {
		if _, ok := validAudioCodecs[s.AudioCodec]; !ok {
			return fmt.Errorf("%w: unrecognized audio_codec %q", ErrInvalidSettings, s.AudioCodec)
		}
	}
	container := strings.ToLower(s.Container)
	if container != "" && !validContainers[container] {
		return fmt.Errorf("%w: unrecognized container %q", ErrInvalidSettings, s.Container)
	}
	if s.OutputPath == "" {
		return fmt.Errorf("%w: output_path is required", ErrInvalidSettings)
	}
	if s.MaxDurationUs < 0 || s.MaxFileSize < 0 {
		return fmt.Errorf("%w: max_duration_us and max_file_size must be >= 0", ErrInvalidSettings)
	}
	return nil
}

// VideoConfig builds the encoder-facing VideoConfig from validated settings.
// H265Profile and H265Level are carried only when the codec is h265.
func (s RecordingSettings) VideoConfig() frame.VideoConfig {
	cfg := frame.VideoConfig{
		Width:   s.Width,
		Height:  s.Height,
		FPS:     s.FPS,
		Bitrate: s.Bitrate,
		Codec:   validVideoCodecs[s.Codec],
		Preset:  s.Preset,
		Speed:   speedFor(s),
	}
	if s.Codec == "h265" {
		cfg.Profile = s.H265Profile
		cfg.Level = s.H265Level
	}
	return cfg
}

func speedFor(s RecordingSettings) int {
	switch s.Codec {
	case "vp8":
		return s.VP8Speed
	case "vp9":
		return s.VP9Speed
	default:
		return 0
	}
}

// AudioConfig builds the encoder-facing AudioConfig from validated settings.
// Returns the zero value when IncludeAudio is false; callers must check
// IncludeAudio rather than inferring it from the zero value.
func (s RecordingSettings) AudioConfig() frame.AudioConfig {
	if !s.IncludeAudio {
		return frame.AudioConfig{}
	}
	return frame.AudioConfig{
		SampleRate: 0, // set by the caller from the producer's SetAudioFormat
		Channels:   0,
		Bitrate:    s.AudioBitrate,
		Codec:      validAudioCodecs[s.AudioCodec],
	}
}

// ContainerKind normalizes the Container field, defaulting to mp4 when the
// field is empty (mirrors the muxer's own file-extension inference for the
// case where settings and file path disagree — settings wins).
func (s RecordingSettings) ContainerKind() frame.Container {
	switch strings.ToLower(s.Container) {
	case "mkv":
		return frame.ContainerMKV
	case "avi":
		return frame.ContainerMPEGTS
	default:
		return frame.ContainerMP4
	}
}
