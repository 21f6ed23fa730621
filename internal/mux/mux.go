// Package mux turns encoded packets into container bytes. It wraps an
// output format context from github.com/asticode/go-astiav over either a
// seekable file sink or a caller-supplied write callback, rescales
// timestamps from the codec timebase into the stream timebase fixed by
// the container header, and repairs DTS/PTS ordering before handing
// packets to the interleaved writer.
package mux

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astiav"

	"github.com/geldoronie/retrocapture/internal/frame"
)

const (
	defaultBufferSize = 256 << 10
	minBufferSize     = 64 << 10
	maxBufferSize     = 1 << 20

	// formatHeaderMax bounds the snapshot of initial container bytes kept
	// for late-joining streaming clients.
	formatHeaderMax = 64 << 10

	maxWarnLogs = 5
)

// WriteFunc is the streaming sink: it receives container bytes as the
// format layer flushes its internal buffer and returns how many were
// consumed.
type WriteFunc func(p []byte) (int, error)

// Config tunes the write-callback sink. It has no effect on file sinks.
type Config struct {
	// BufferSize is the format layer's internal buffer, clamped to
	// [64 KiB, 1 MiB]. Zero means 256 KiB.
	BufferSize int
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return defaultBufferSize
	}
	if c.BufferSize < minBufferSize {
		return minBufferSize
	}
	if c.BufferSize > maxBufferSize {
		return maxBufferSize
	}
	return c.BufferSize
}

// ResolveContainer picks the container format from the explicit parameter
// when set, otherwise from the path's extension, otherwise mpegts (the
// no-path streaming case).
func ResolveContainer(path string, explicit frame.Container) frame.Container {
	if explicit != "" {
		return explicit
	}
	if path == "" {
		return frame.ContainerMPEGTS
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return frame.ContainerMP4
	case ".mkv":
		return frame.ContainerMKV
	case ".webm":
		return frame.ContainerWebM
	default:
		return frame.ContainerMP4
	}
}

// formatName maps a Container onto the libav muxer name.
func formatName(c frame.Container) string {
	switch c {
	case frame.ContainerMKV:
		return "matroska"
	case frame.ContainerWebM:
		return "webm"
	case frame.ContainerMPEGTS:
		return "mpegts"
	default:
		return "mp4"
	}
}

// streamState tracks one output stream's timebases and its last written
// timestamps for the monotonic clamp. lastPTS/lastDTS are only meaningful
// when have is true.
type streamState struct {
	stream   *astiav.Stream
	codecTB  astiav.Rational
	streamTB astiav.Rational
	lastPTS  int64
	lastDTS  int64
	have     bool
}

// Muxer writes encoded packets into a container. One video stream, at most
// one audio stream. The interleaved writer is not internally thread-safe,
// so every write happens under writeMu; the per-stream clamp state lives
// under its own ptsMu so timestamp repair never holds the write lock.
type Muxer struct {
	log *slog.Logger

	fc       *astiav.FormatContext
	ioCtx    *astiav.IOContext
	ownsFile bool

	video *streamState
	audio *streamState

	writeMu   sync.Mutex
	finalized bool

	ptsMu    sync.Mutex
	warnLogs int

	headerMu sync.Mutex
	header   []byte

	bytesOut atomic.Int64
}

// New creates an uninitialized Muxer. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Muxer {
	if log == nil {
		log = slog.Default()
	}
	return &Muxer{log: log.With("component", "mux")}
}

// InitFile opens path for write with truncation and writes the container
// header. Seeks are allowed, which MP4 requires to patch the moov atom at
// finalize time. audioCtx may be nil for video-only recordings.
func (m *Muxer) InitFile(path string, container frame.Container, videoCtx, audioCtx *astiav.CodecContext) error {
	c := ResolveContainer(path, container)

	fc, err := astiav.AllocOutputFormatContext(nil, formatName(c), path)
	if err != nil {
		return fmt.Errorf("mux: AllocOutputFormatContext: %w", err)
	}
	if fc == nil {
		return fmt.Errorf("mux: AllocOutputFormatContext returned nil")
	}

	pb, err := astiav.OpenIOContext(path, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
	if err != nil {
		fc.Free()
		return fmt.Errorf("mux: OpenIOContext %q: %w", path, err)
	}
	fc.SetPb(pb)

	m.fc = fc
	m.ioCtx = pb
	m.ownsFile = true

	if err := m.addStreamsAndHeader(videoCtx, audioCtx); err != nil {
		m.teardown()
		return err
	}
	return nil
}

// InitCallback plugs a write callback behind the format layer's internal
// buffer and writes the container header through it. The first bytes out
// are snapshotted for FormatHeader. Used for streaming sinks; when
// container is empty, mpegts is assumed.
func (m *Muxer) InitCallback(write WriteFunc, container frame.Container, cfg Config, videoCtx, audioCtx *astiav.CodecContext) error {
	if write == nil {
		return fmt.Errorf("mux: nil write callback")
	}
	c := ResolveContainer("", container)

	fc, err := astiav.AllocOutputFormatContext(nil, formatName(c), "")
	if err != nil {
		return fmt.Errorf("mux: AllocOutputFormatContext: %w", err)
	}
	if fc == nil {
		return fmt.Errorf("mux: AllocOutputFormatContext returned nil")
	}

	ioCtx, err := astiav.AllocIOContext(cfg.bufferSize(), true, nil, nil, func(b []byte) (int, error) {
		m.snapshotHeader(b)
		n, werr := write(b)
		m.bytesOut.Add(int64(n))
		return n, werr
	})
	if err != nil {
		fc.Free()
		return fmt.Errorf("mux: AllocIOContext: %w", err)
	}
	fc.SetPb(ioCtx)

	m.fc = fc
	m.ioCtx = ioCtx

	if err := m.addStreamsAndHeader(videoCtx, audioCtx); err != nil {
		m.teardown()
		return err
	}
	return nil
}

// addStreamsAndHeader creates the output streams, copies codec parameters
// (carrying extradata for global-header codecs) into the stream
// descriptors, writes the container header, and then records the stream
// timebases, which the container layer may have rewritten during the
// header write.
func (m *Muxer) addStreamsAndHeader(videoCtx, audioCtx *astiav.CodecContext) error {
	if videoCtx == nil {
		return fmt.Errorf("mux: nil video codec context")
	}

	vs := m.fc.NewStream(nil)
	if vs == nil {
		return fmt.Errorf("mux: NewStream(video) returned nil")
	}
	if err := videoCtx.ToCodecParameters(vs.CodecParameters()); err != nil {
		return fmt.Errorf("mux: copy video codec parameters: %w", err)
	}
	vs.SetTimeBase(videoCtx.TimeBase())
	m.video = &streamState{
		stream:  vs,
		codecTB: videoCtx.TimeBase(),
		lastPTS: frame.NoPTS,
		lastDTS: frame.NoPTS,
	}

	if audioCtx != nil {
		as := m.fc.NewStream(nil)
		if as == nil {
			return fmt.Errorf("mux: NewStream(audio) returned nil")
		}
		if err := audioCtx.ToCodecParameters(as.CodecParameters()); err != nil {
			return fmt.Errorf("mux: copy audio codec parameters: %w", err)
		}
		as.SetTimeBase(audioCtx.TimeBase())
		m.audio = &streamState{
			stream:  as,
			codecTB: audioCtx.TimeBase(),
			lastPTS: frame.NoPTS,
			lastDTS: frame.NoPTS,
		}
	}

	if err := m.fc.WriteHeader(nil); err != nil {
		return fmt.Errorf("mux: WriteHeader: %w", err)
	}

	m.video.streamTB = m.video.stream.TimeBase()
	if m.audio != nil {
		m.audio.streamTB = m.audio.stream.TimeBase()
	}
	return nil
}

// HasAudio reports whether an audio stream was created.
func (m *Muxer) HasAudio() bool { return m.audio != nil }

// MuxPacket rescales, repairs, and writes one packet. It returns false
// when the packet was rejected or the write failed; a single bad packet
// never aborts the muxer.
func (m *Muxer) MuxPacket(p frame.Packet) bool {
	st := m.video
	if !p.IsVideo {
		st = m.audio
	}
	if st == nil || m.fc == nil {
		m.warnf("packet for missing stream dropped", "video", p.IsVideo)
		return false
	}

	pts, dts, ok := st.repairTimestamps(p.PTS, p.DTS, m)
	if !ok {
		m.warnf("packet without any timestamp rejected", "video", p.IsVideo)
		return false
	}

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	if err := pkt.FromData(p.Data); err != nil {
		m.warnf("packet payload clone failed", "error", err)
		return false
	}
	pkt.SetPts(pts)
	pkt.SetDts(dts)
	pkt.SetStreamIndex(st.stream.Index())
	if p.IsKeyframe {
		pkt.SetFlags(pkt.Flags().Add(astiav.PacketFlagKey))
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.finalized {
		return false
	}
	if err := m.fc.WriteInterleavedFrame(pkt); err != nil {
		m.warnf("WriteInterleavedFrame failed", "error", err, "video", p.IsVideo, "pts", pts)
		return false
	}
	return true
}

// repairTimestamps runs the full repair chain for one packet: timebase
// rescale, DTS backfill, DTS<=PTS order repair, and the per-stream
// monotonic clamp. It reports false when neither timestamp is present.
func (st *streamState) repairTimestamps(pts, dts int64, m *Muxer) (int64, int64, bool) {
	pts = rescaleTS(pts, st.codecTB, st.streamTB)
	dts = rescaleTS(dts, st.codecTB, st.streamTB)

	switch {
	case pts == frame.NoPTS && dts == frame.NoPTS:
		return 0, 0, false
	case dts == frame.NoPTS:
		dts = pts
	case pts == frame.NoPTS:
		pts = dts
	}

	// Rescale rounding can push DTS past PTS.
	if dts > pts {
		dts = pts
	}

	m.ptsMu.Lock()
	defer m.ptsMu.Unlock()
	if st.have {
		if pts <= st.lastPTS {
			pts = st.lastPTS + 1
			m.warnRetrocessionLocked()
		}
		if dts <= st.lastDTS {
			dts = st.lastDTS + 1
		}
		if dts > pts {
			dts = pts
		}
	}
	st.lastPTS = pts
	st.lastDTS = dts
	st.have = true
	return pts, dts, true
}

// rescaleTS converts ts from one rational timebase to another with
// round-half-away-from-zero semantics. NoPTS passes through untouched.
func rescaleTS(ts int64, from, to astiav.Rational) int64 {
	if ts == frame.NoPTS {
		return ts
	}
	if from.Num() == to.Num() && from.Den() == to.Den() {
		return ts
	}
	num := ts * int64(from.Num()) * int64(to.Den())
	den := int64(from.Den()) * int64(to.Num())
	if den == 0 {
		return ts
	}
	if num >= 0 {
		return (num + den/2) / den
	}
	return -((-num + den/2) / den)
}

func (m *Muxer) warnRetrocessionLocked() {
	if m.warnLogs >= maxWarnLogs {
		return
	}
	m.warnLogs++
	m.log.Warn("timestamp retrocession repaired at mux")
}

func (m *Muxer) warnf(msg string, args ...any) {
	m.ptsMu.Lock()
	suppressed := m.warnLogs >= maxWarnLogs
	if !suppressed {
		m.warnLogs++
	}
	m.ptsMu.Unlock()
	if !suppressed {
		m.log.Warn(msg, args...)
	}
}

// Finalize writes the container trailer (patching the moov atom for MP4),
// flushes the sink, and releases the format context and I/O context. It
// is idempotent; only the first call does work.
func (m *Muxer) Finalize() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.finalized || m.fc == nil {
		return nil
	}
	m.finalized = true

	err := m.fc.WriteTrailer()
	m.teardown()
	if err != nil {
		return fmt.Errorf("mux: WriteTrailer: %w", err)
	}
	return nil
}

// teardown releases the format and I/O contexts. All muxer resources go
// at finalize time; the encoder contexts the streams were copied from
// must still be alive here, which the recorder guarantees by finalizing
// the muxer before closing the encoder.
func (m *Muxer) teardown() {
	if m.ioCtx != nil {
		if m.ownsFile {
			_ = m.ioCtx.Close()
		}
		m.ioCtx.Free()
		m.ioCtx = nil
	}
	if m.fc != nil {
		m.fc.Free()
		m.fc = nil
	}
	m.video = nil
	m.audio = nil
}

func (m *Muxer) snapshotHeader(b []byte) {
	m.headerMu.Lock()
	defer m.headerMu.Unlock()
	room := formatHeaderMax - len(m.header)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	m.header = append(m.header, b...)
}

// FormatHeader returns a copy of up to the first 64 KiB of container
// bytes written through a callback sink, for bootstrapping late-joining
// streaming clients. Empty for file sinks.
func (m *Muxer) FormatHeader() []byte {
	m.headerMu.Lock()
	defer m.headerMu.Unlock()
	return append([]byte(nil), m.header...)
}

// BytesWritten reports the total bytes pushed through a callback sink.
func (m *Muxer) BytesWritten() int64 { return m.bytesOut.Load() }
