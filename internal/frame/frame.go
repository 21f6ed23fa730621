// Package frame defines the core data types that flow through the
// RetroCapture media pipeline: timestamped raw frames from the producer,
// the sync zone computed over them, codec configuration, and the encoded
// packets the encoder hands to the muxer.
package frame

import "fmt"

// VideoCodec enumerates the video codecs the encoder can target.
type VideoCodec string

const (
	VideoCodecH264 VideoCodec = "h264"
	VideoCodecH265 VideoCodec = "h265"
	VideoCodecVP8  VideoCodec = "vp8"
	VideoCodecVP9  VideoCodec = "vp9"
)

// AudioCodec enumerates the audio codecs the encoder can target.
type AudioCodec string

const (
	AudioCodecAAC  AudioCodec = "aac"
	AudioCodecMP3  AudioCodec = "mp3"
	AudioCodecOpus AudioCodec = "opus"
)

// Container enumerates the output container formats the muxer can write.
type Container string

const (
	ContainerMP4    Container = "mp4"
	ContainerMKV    Container = "mkv"
	ContainerWebM   Container = "webm"
	ContainerMPEGTS Container = "mpegts"
)

// VideoConfig describes the output video stream. Preset/Profile/Level are
// meaningful only for x264/x265 (codec_kind h264/h265); Speed is meaningful
// only for VPx (vp8/vp9) and is ignored otherwise.
type VideoConfig struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int
	Codec   VideoCodec
	Preset  string
	Profile string
	Level   string
	Speed   int
}

// AudioConfig describes the output audio stream.
type AudioConfig struct {
	SampleRate int
	Channels   int
	Bitrate    int
	Codec      AudioCodec
}

// VideoFrame is a timestamped RGB24 frame owned by the synchronizer until
// it is drained by the encoder or evicted. CaptureTimestampUs is a
// monotonic-clock microsecond timestamp supplied by the producer.
type VideoFrame struct {
	RGB                []byte
	Width              int
	Height             int
	CaptureTimestampUs int64
	Processed          bool
}

// Validate enforces the buffer_len == width*height*3 invariant.
func (f *VideoFrame) Validate() error {
	want := f.Width * f.Height * 3
	if len(f.RGB) != want {
		return fmt.Errorf("frame: rgb buffer len %d, want %d (%dx%d*3)", len(f.RGB), want, f.Width, f.Height)
	}
	return nil
}

// AudioChunk is a timestamped interleaved S16 sample buffer owned by the
// synchronizer until it is drained by the encoder or evicted.
type AudioChunk struct {
	Samples            []int16
	SampleCount        int
	CaptureTimestampUs int64
	DurationUs         int64
	SampleRate         int
	Channels           int
	Processed          bool
}

// NewAudioChunk computes DurationUs from sample count, sample rate, and
// channel count: duration_us = sample_count * 1_000_000 / (sample_rate * channels).
func NewAudioChunk(samples []int16, sampleCount int, tsUs int64, sampleRate, channels int) AudioChunk {
	var dur int64
	if sampleCount > 0 && sampleRate > 0 && channels > 0 {
		dur = int64(sampleCount) * 1_000_000 / int64(sampleRate*channels)
	}
	return AudioChunk{
		Samples:            samples,
		SampleCount:        sampleCount,
		CaptureTimestampUs: tsUs,
		DurationUs:         dur,
		SampleRate:         sampleRate,
		Channels:           channels,
	}
}

// SyncZone is an immutable descriptor of the overlap window between the
// video and audio queues, along with the index ranges within each queue
// that fall inside it. A video-only degenerate zone (audio disabled) sets
// AudioStartIdx/AudioEndIdx to [0,1) purely to satisfy Valid().
type SyncZone struct {
	StartUs       int64
	EndUs         int64
	VideoStartIdx int
	VideoEndIdx   int
	AudioStartIdx int
	AudioEndIdx   int
}

// Valid reports whether the zone describes a non-empty window with at
// least one video and one audio entry in range.
func (z SyncZone) Valid() bool {
	return z.StartUs < z.EndUs && z.VideoEndIdx > z.VideoStartIdx && z.AudioEndIdx > z.AudioStartIdx
}

// NoPTS encodes "no timestamp available" for Packet.PTS/DTS.
const NoPTS int64 = -1

// Packet is a compressed payload produced by the encoder, carried through
// the muxer. PTS/DTS are in the codec's timebase until the muxer rescales
// them into the stream's timebase.
type Packet struct {
	Data               []byte
	PTS                int64
	DTS                int64
	IsKeyframe         bool
	IsVideo            bool
	CaptureTimestampUs int64
}

// RecordingMetadata describes a completed (or in-progress) recording.
// Immutable once added to the registry except via explicit rename/delete.
type RecordingMetadata struct {
	ID               string `json:"id"`
	Filename         string `json:"filename"`
	Filepath         string `json:"filepath"`
	Container        string `json:"container"`
	VideoCodec       string `json:"videoCodec"`
	AudioCodec       string `json:"audioCodec"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	FPS              int    `json:"fps"`
	FileSize         int64  `json:"fileSize"`
	DurationUs       int64  `json:"duration"`
	CreatedAtISO8601 string `json:"createdAt"`
	ThumbnailPath    string `json:"thumbnailPath,omitempty"`
}
