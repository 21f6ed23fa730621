// Package codec implements the encoding stage of the pipeline: it
// converts RGB24 frames to YUV420P and S16 interleaved audio to FLTP,
// drives a video and an audio codec through
// github.com/asticode/go-astiav, and emits packets with monotonically
// increasing PTS/DTS.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/geldoronie/retrocapture/internal/frame"
)

// ErrCodecUnavailable is returned by Init when the requested codec kind
// cannot be found in the linked libav build.
var ErrCodecUnavailable = errors.New("codec: requested codec unavailable")

const maxFrameBytes = 100 << 20 // 100 MiB allocation bound per frame

// maxWarnLogs bounds how many retrocession-repair warnings a single
// Encoder instance logs before going quiet.
const maxWarnLogs = 5

var videoCodecIDs = map[frame.VideoCodec]astiav.CodecID{
	frame.VideoCodecH264: astiav.CodecIDH264,
	frame.VideoCodecH265: astiav.CodecIDHevc,
	frame.VideoCodecVP8:  astiav.CodecIDVp8,
	frame.VideoCodecVP9:  astiav.CodecIDVp9,
}

var audioCodecIDs = map[frame.AudioCodec]astiav.CodecID{
	frame.AudioCodecAAC:  astiav.CodecIDAac,
	frame.AudioCodecMP3:  astiav.CodecIDMp3,
	frame.AudioCodecOpus: astiav.CodecIDOpus,
}

// Encoder owns the video and audio codec contexts, the RGB24->YUV420P
// color converter, the S16->FLTP sample converter, and the PTS state for
// both streams. A single mutex (ptsMu) guards every PTS read-modify-write
// across both streams; it is the innermost lock the encoder takes.
type Encoder struct {
	log *slog.Logger

	videoCfg frame.VideoConfig
	audioCfg frame.AudioConfig
	hasAudio bool

	videoCtx *astiav.CodecContext
	audioCtx *astiav.CodecContext

	sws        *astiav.SoftwareScaleContext
	swsDst     *astiav.Frame
	srcW, srcH int

	swr      *astiav.SoftwareResampleContext
	audioMu  sync.Mutex
	audioBuf []int16 // accumulated interleaved S16 samples awaiting a full codec frame

	ptsMu          sync.Mutex
	firstVideoTsUs *int64
	firstAudioTsUs *int64
	lastVideoPTS   int64
	lastAudioPTS   int64
	haveVideoPTS   bool
	haveAudioPTS   bool

	// Egress-side clamp state, independent from the input-assignment
	// state above so the two clamp layers cannot mask one another: a
	// passthrough pts that matches what was just assigned on input is
	// not a retrocession.
	lastVideoEgressPTS int64
	lastAudioEgressPTS int64
	haveVideoEgressPTS bool
	haveAudioEgressPTS bool

	gop         int
	videoFrames int64

	warnLogs int
}

// New creates an uninitialized Encoder. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{log: log.With("component", "codec")}
}

// Init constructs the video codec (time base {1,fps}, GOP 2*fps, zero
// B-frames so DTS==PTS by construction) and, when audioCfg.Channels > 0,
// the audio codec (time base {1,sampleRate}, FLTP sample format). Codec
// selection failures return ErrCodecUnavailable and leave the Encoder
// uninitialized.
func (e *Encoder) Init(videoCfg frame.VideoConfig, audioCfg frame.AudioConfig) error {
	e.videoCfg = videoCfg
	e.audioCfg = audioCfg
	e.gop = 2 * videoCfg.FPS

	if err := e.initVideoCodec(); err != nil {
		e.cleanupPartial()
		return err
	}

	if audioCfg.Channels > 0 {
		if err := e.initAudioCodec(); err != nil {
			e.cleanupPartial()
			return err
		}
		e.hasAudio = true
	}

	return nil
}

func (e *Encoder) initVideoCodec() error {
	id, ok := videoCodecIDs[e.videoCfg.Codec]
	if !ok {
		return fmt.Errorf("%w: video codec %q", ErrCodecUnavailable, e.videoCfg.Codec)
	}
	enc := astiav.FindEncoder(id)
	if enc == nil {
		return fmt.Errorf("%w: video codec %q not linked", ErrCodecUnavailable, e.videoCfg.Codec)
	}

	ctx := astiav.AllocCodecContext(enc)
	if ctx == nil {
		return fmt.Errorf("codec: AllocCodecContext(video) failed")
	}

	ctx.SetWidth(e.videoCfg.Width)
	ctx.SetHeight(e.videoCfg.Height)
	ctx.SetPixelFormat(astiav.PixelFormatYuv420P)
	ctx.SetTimeBase(astiav.NewRational(1, e.videoCfg.FPS))
	ctx.SetFramerate(astiav.NewRational(e.videoCfg.FPS, 1))
	ctx.SetBitRate(int64(e.videoCfg.Bitrate))
	ctx.SetGopSize(e.gop)
	ctx.SetMaxBFrames(0)

	opts := astiav.NewDictionary()
	defer opts.Free()
	applyVideoOptions(opts, e.videoCfg, e.gop)

	if err := ctx.Open(enc, opts); err != nil {
		ctx.Free()
		return fmt.Errorf("codec: open video encoder: %w", err)
	}

	e.videoCtx = ctx
	return nil
}

// applyVideoOptions sets codec-specific knobs via opaque dictionary
// options. Preset/profile/level apply only to x264/x265, speed applies
// only to VPx, and the keyframe interval is forced via option regardless
// of codec family.
func applyVideoOptions(opts *astiav.Dictionary, cfg frame.VideoConfig, gop int) {
	_ = opts.Set("g", fmt.Sprintf("%d", gop), 0)

	switch cfg.Codec {
	case frame.VideoCodecH264:
		if cfg.Preset != "" {
			_ = opts.Set("preset", cfg.Preset, 0)
		}
		if cfg.Profile != "" {
			_ = opts.Set("profile", cfg.Profile, 0)
		}
	case frame.VideoCodecH265:
		if cfg.Preset != "" {
			_ = opts.Set("preset", cfg.Preset, 0)
		}
		if cfg.Profile != "" {
			_ = opts.Set("profile", cfg.Profile, 0)
		}
		if cfg.Level != "" && cfg.Level != "auto" {
			_ = opts.Set("level", cfg.Level, 0)
		}
	case frame.VideoCodecVP8, frame.VideoCodecVP9:
		_ = opts.Set("speed", fmt.Sprintf("%d", cfg.Speed), 0)
		_ = opts.Set("deadline", "realtime", 0)
		_ = opts.Set("lag-in-frames", "0", 0)
	}
}

func (e *Encoder) initAudioCodec() error {
	id, ok := audioCodecIDs[e.audioCfg.Codec]
	if !ok {
		return fmt.Errorf("%w: audio codec %q", ErrCodecUnavailable, e.audioCfg.Codec)
	}
	enc := astiav.FindEncoder(id)
	if enc == nil {
		return fmt.Errorf("%w: audio codec %q not linked", ErrCodecUnavailable, e.audioCfg.Codec)
	}

	ctx := astiav.AllocCodecContext(enc)
	if ctx == nil {
		return fmt.Errorf("codec: AllocCodecContext(audio) failed")
	}

	ctx.SetSampleRate(e.audioCfg.SampleRate)
	ctx.SetChannelLayout(channelLayout(e.audioCfg.Channels))
	ctx.SetSampleFormat(astiav.SampleFormatFltp)
	ctx.SetTimeBase(astiav.NewRational(1, e.audioCfg.SampleRate))
	ctx.SetBitRate(int64(e.audioCfg.Bitrate))
	if e.audioCfg.Codec == frame.AudioCodecAAC {
		ctx.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)
	}

	if err := ctx.Open(enc, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("codec: open audio encoder: %w", err)
	}

	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		ctx.Free()
		return fmt.Errorf("codec: AllocSoftwareResampleContext failed")
	}

	e.audioCtx = ctx
	e.swr = swr
	return nil
}

func channelLayout(channels int) astiav.ChannelLayout {
	if channels == 1 {
		return astiav.ChannelLayoutMono
	}
	return astiav.ChannelLayoutStereo
}

// VideoCodecContext exposes the underlying context so the muxer can copy
// codec parameters (including extradata) into its stream descriptor.
func (e *Encoder) VideoCodecContext() *astiav.CodecContext { return e.videoCtx }

// AudioCodecContext exposes the underlying context, or nil when audio is disabled.
func (e *Encoder) AudioCodecContext() *astiav.CodecContext { return e.audioCtx }

// HasAudio reports whether Init constructed an audio codec.
func (e *Encoder) HasAudio() bool { return e.hasAudio }

// EncodeVideo validates the incoming RGB24 buffer, rescales it to the
// configured output resolution if needed, computes a monotonic PTS from
// the wall-clock capture timestamp, force-marks every gop/2'th frame as a
// keyframe, and drains the codec's output queue.
func (e *Encoder) EncodeVideo(rgb []byte, w, h int, captureTsUs int64) ([]frame.Packet, error) {
	if e.videoCtx == nil {
		return nil, fmt.Errorf("codec: video encoder not initialized")
	}
	want := w * h * 3
	if want > maxFrameBytes || len(rgb) != want {
		return nil, fmt.Errorf("codec: invalid rgb buffer (%d bytes for %dx%d)", len(rgb), w, h)
	}

	srcFrame, err := e.rgbToYUV(rgb, w, h)
	if err != nil {
		return nil, err
	}
	defer srcFrame.Free()

	pts := e.nextVideoPTS(captureTsUs)
	srcFrame.SetPts(pts)

	e.videoFrames++
	if e.gop > 0 && e.videoFrames%int64(e.gop/2) == 0 {
		srcFrame.SetPictureType(astiav.PictureTypeI)
	}

	if err := e.videoCtx.SendFrame(srcFrame); err != nil {
		return nil, fmt.Errorf("codec: video SendFrame: %w", err)
	}
	return e.drainVideo(captureTsUs)
}

// rgbToYUV lazily (re)builds the software scale context when the source
// geometry changes, logging only on the first mismatch, and returns a
// YUV420P frame at the configured output resolution.
func (e *Encoder) rgbToYUV(rgb []byte, w, h int) (*astiav.Frame, error) {
	if e.sws == nil || w != e.srcW || h != e.srcH {
		if e.sws != nil {
			e.sws.Free()
		}
		if e.swsDst != nil {
			e.swsDst.Free()
		}
		if w != e.videoCfg.Width || h != e.videoCfg.Height {
			e.log.Warn("rescaling source frame to configured output",
				"src_w", w, "src_h", h, "dst_w", e.videoCfg.Width, "dst_h", e.videoCfg.Height)
		}

		sws, err := astiav.CreateSoftwareScaleContext(
			w, h, astiav.PixelFormatRgb24,
			e.videoCfg.Width, e.videoCfg.Height, astiav.PixelFormatYuv420P,
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return nil, fmt.Errorf("codec: CreateSoftwareScaleContext: %w", err)
		}
		dst := astiav.AllocFrame()
		dst.SetWidth(e.videoCfg.Width)
		dst.SetHeight(e.videoCfg.Height)
		dst.SetPixelFormat(astiav.PixelFormatYuv420P)
		if err := dst.AllocBuffer(1); err != nil {
			dst.Free()
			sws.Free()
			return nil, fmt.Errorf("codec: dst.AllocBuffer: %w", err)
		}

		e.sws = sws
		e.swsDst = dst
		e.srcW, e.srcH = w, h
	}

	src := astiav.AllocFrame()
	src.SetWidth(w)
	src.SetHeight(h)
	src.SetPixelFormat(astiav.PixelFormatRgb24)
	if err := src.AllocBuffer(1); err != nil {
		src.Free()
		return nil, fmt.Errorf("codec: src.AllocBuffer: %w", err)
	}
	if err := src.Data().SetBytes(rgb, 1); err != nil {
		src.Free()
		return nil, fmt.Errorf("codec: src.SetBytes: %w", err)
	}
	defer src.Free()

	if err := e.sws.ScaleFrame(src, e.swsDst); err != nil {
		return nil, fmt.Errorf("codec: ScaleFrame: %w", err)
	}

	out := astiav.AllocFrame()
	if err := out.Ref(e.swsDst); err != nil {
		out.Free()
		return nil, fmt.Errorf("codec: ref scaled frame: %w", err)
	}
	return out, nil
}

// nextVideoPTS computes pts = round((captureTsUs - firstVideoTsUs) / 1e6 *
// fps), anchoring firstVideoTsUs on the first call, and bumps the result
// to last+1 if it would not be strictly greater (anti-retrocession).
func (e *Encoder) nextVideoPTS(captureTsUs int64) int64 {
	e.ptsMu.Lock()
	defer e.ptsMu.Unlock()

	if e.firstVideoTsUs == nil {
		first := captureTsUs
		e.firstVideoTsUs = &first
	}
	pts := int64(math.Round(float64(captureTsUs-*e.firstVideoTsUs) / 1e6 * float64(e.videoCfg.FPS)))
	if e.haveVideoPTS && pts <= e.lastVideoPTS {
		pts = e.lastVideoPTS + 1
		e.warnRetrocession("video")
	}
	e.lastVideoPTS = pts
	e.haveVideoPTS = true
	return pts
}

func (e *Encoder) warnRetrocession(stream string) {
	if e.warnLogs >= maxWarnLogs {
		return
	}
	e.warnLogs++
	e.log.Warn("pts retrocession repaired", "stream", stream)
}

// drainVideo pulls every pending packet from the video codec, retrying
// once on a transient EAGAIN, and tags each with the original capture
// timestamp for downstream accounting.
func (e *Encoder) drainVideo(captureTsUs int64) ([]frame.Packet, error) {
	return e.drain(e.videoCtx, true, captureTsUs)
}

func (e *Encoder) drain(ctx *astiav.CodecContext, isVideo bool, captureTsUs int64) ([]frame.Packet, error) {
	var out []frame.Packet
	retriedEAGAIN := false
	for {
		pkt := astiav.AllocPacket()
		err := ctx.ReceivePacket(pkt)
		if err != nil {
			pkt.Free()
			if errors.Is(err, astiav.ErrEagain) {
				if !retriedEAGAIN {
					retriedEAGAIN = true
					continue
				}
				break
			}
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return out, fmt.Errorf("codec: ReceivePacket: %w", err)
		}

		data := append([]byte(nil), pkt.Data()...)
		p := frame.Packet{
			Data:               data,
			PTS:                e.clampEgress(isVideo, pkt.Pts()),
			DTS:                e.clampEgress(isVideo, pkt.Dts()),
			IsKeyframe:         pkt.Flags().Has(astiav.PacketFlagKey),
			IsVideo:            isVideo,
			CaptureTimestampUs: captureTsUs,
		}
		pkt.Free()
		out = append(out, p)
	}
	return out, nil
}

// clampEgress re-enforces monotonicity on the codec's assigned PTS/DTS
// as packets leave the encoder. The synchronizer's sort-at-read, this
// clamp, and the muxer's own clamp each guard against a different class
// of disorder and stay separate on purpose.
func (e *Encoder) clampEgress(isVideo bool, ts int64) int64 {
	if ts == frame.NoPTS {
		return frame.NoPTS
	}
	e.ptsMu.Lock()
	defer e.ptsMu.Unlock()
	last := &e.lastVideoEgressPTS
	have := &e.haveVideoEgressPTS
	if !isVideo {
		last = &e.lastAudioEgressPTS
		have = &e.haveAudioEgressPTS
	}
	if *have && ts <= *last {
		ts = *last + 1
	}
	*last = ts
	*have = true
	return ts
}

// EncodeAudio accumulates interleaved S16 samples under a dedicated lock
// (separate from the PTS path to avoid contention) and, while a full
// codec frame's worth of samples is available, splices one off, converts
// it to FLTP, assigns PTS, and drains the codec.
func (e *Encoder) EncodeAudio(samples []int16, sampleCount int, captureTsUs int64) ([]frame.Packet, error) {
	if e.audioCtx == nil {
		return nil, fmt.Errorf("codec: audio encoder not initialized")
	}

	e.audioMu.Lock()
	e.audioBuf = append(e.audioBuf, samples[:sampleCount*e.audioCfg.Channels]...)
	e.audioMu.Unlock()

	frameSize := e.audioCtx.FrameSize()
	if frameSize <= 0 {
		frameSize = 1024
	}
	perFrame := frameSize * e.audioCfg.Channels

	var out []frame.Packet
	for {
		e.audioMu.Lock()
		if len(e.audioBuf) < perFrame {
			e.audioMu.Unlock()
			break
		}
		chunk := append([]int16(nil), e.audioBuf[:perFrame]...)
		e.audioBuf = e.audioBuf[perFrame:]
		e.audioMu.Unlock()

		pkts, err := e.encodeAudioFrame(chunk, frameSize, captureTsUs)
		if err != nil {
			return out, err
		}
		out = append(out, pkts...)
	}
	return out, nil
}

func (e *Encoder) encodeAudioFrame(samples []int16, nbSamples int, captureTsUs int64) ([]frame.Packet, error) {
	s16 := astiav.AllocFrame()
	s16.SetSampleFormat(astiav.SampleFormatS16)
	s16.SetChannelLayout(channelLayout(e.audioCfg.Channels))
	s16.SetSampleRate(e.audioCfg.SampleRate)
	s16.SetNbSamples(nbSamples)
	if err := s16.AllocBuffer(0); err != nil {
		s16.Free()
		return nil, fmt.Errorf("codec: s16 AllocBuffer: %w", err)
	}
	if err := s16.Data().SetBytes(s16leBytes(samples), 0); err != nil {
		s16.Free()
		return nil, fmt.Errorf("codec: s16 copy: %w", err)
	}
	defer s16.Free()

	fltp := astiav.AllocFrame()
	fltp.SetSampleFormat(e.audioCtx.SampleFormat())
	fltp.SetChannelLayout(e.audioCtx.ChannelLayout())
	fltp.SetSampleRate(e.audioCtx.SampleRate())
	fltp.SetNbSamples(nbSamples)
	if err := fltp.AllocBuffer(0); err != nil {
		fltp.Free()
		return nil, fmt.Errorf("codec: fltp AllocBuffer: %w", err)
	}
	defer fltp.Free()

	if err := e.swr.ConvertFrame(s16, fltp); err != nil {
		return nil, fmt.Errorf("codec: swr.ConvertFrame: %w", err)
	}

	pts := e.nextAudioPTS(captureTsUs)
	fltp.SetPts(pts)

	if err := e.audioCtx.SendFrame(fltp); err != nil {
		return nil, fmt.Errorf("codec: audio SendFrame: %w", err)
	}
	return e.drain(e.audioCtx, false, captureTsUs)
}

// s16leBytes packs interleaved int16 samples into the byte order the S16
// frame buffer expects.
func s16leBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// nextAudioPTS mirrors nextVideoPTS but anchors on firstAudioTsUs and
// scales by sample rate (the audio codec's time base is 1/sample_rate).
func (e *Encoder) nextAudioPTS(captureTsUs int64) int64 {
	e.ptsMu.Lock()
	defer e.ptsMu.Unlock()

	if e.firstAudioTsUs == nil {
		first := captureTsUs
		e.firstAudioTsUs = &first
	}
	pts := int64(math.Round(float64(captureTsUs-*e.firstAudioTsUs) / 1e6 * float64(e.audioCfg.SampleRate)))
	if e.haveAudioPTS && pts <= e.lastAudioPTS {
		pts = e.lastAudioPTS + 1
		e.warnRetrocession("audio")
	}
	e.lastAudioPTS = pts
	e.haveAudioPTS = true
	return pts
}

// Flush sends a nil frame to both codecs and drains whatever packets remain.
func (e *Encoder) Flush() ([]frame.Packet, error) {
	var out []frame.Packet
	if e.videoCtx != nil {
		if err := e.videoCtx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return out, fmt.Errorf("codec: video flush SendFrame: %w", err)
		}
		pkts, err := e.drain(e.videoCtx, true, 0)
		out = append(out, pkts...)
		if err != nil {
			return out, err
		}
	}
	if e.audioCtx != nil {
		if err := e.audioCtx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return out, fmt.Errorf("codec: audio flush SendFrame: %w", err)
		}
		pkts, err := e.drain(e.audioCtx, false, 0)
		out = append(out, pkts...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Close deallocates codecs and converters and resets all PTS anchors and
// last-PTS counters.
func (e *Encoder) Close() {
	e.cleanupPartial()
}

func (e *Encoder) cleanupPartial() {
	if e.sws != nil {
		e.sws.Free()
		e.sws = nil
	}
	if e.swsDst != nil {
		e.swsDst.Free()
		e.swsDst = nil
	}
	if e.swr != nil {
		e.swr.Free()
		e.swr = nil
	}
	if e.videoCtx != nil {
		e.videoCtx.Free()
		e.videoCtx = nil
	}
	if e.audioCtx != nil {
		e.audioCtx.Free()
		e.audioCtx = nil
	}
	e.audioBuf = nil
	e.firstVideoTsUs = nil
	e.firstAudioTsUs = nil
	e.lastVideoPTS = 0
	e.lastAudioPTS = 0
	e.haveVideoPTS = false
	e.haveAudioPTS = false
	e.lastVideoEgressPTS = 0
	e.lastAudioEgressPTS = 0
	e.haveVideoEgressPTS = false
	e.haveAudioEgressPTS = false
	e.videoFrames = 0
	e.warnLogs = 0
	e.hasAudio = false
}
