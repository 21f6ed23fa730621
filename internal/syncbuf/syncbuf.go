// Package syncbuf implements the audio/video synchronization buffer:
// two independently locked, bounded ring buffers that the capture thread
// pushes into and the encoding thread drains through a computed sync
// zone.
package syncbuf

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geldoronie/retrocapture/internal/frame"
)

const (
	maxFrameBytes = 100 << 20 // 100 MiB allocation bound per push

	defaultMaxVideoBuffer = 10
	defaultMaxAudioBuffer = 20
	defaultMaxBufferTime  = 5 * time.Second
	defaultSyncTolerance  = 50 * time.Millisecond
)

// Config bounds the Synchronizer's buffers. Zero-value fields fall back
// to defaults; out-of-range values are clamped to their documented
// bounds instead of rejected.
type Config struct {
	MaxVideoBufferSize int           // 1-50, default 10
	MaxAudioBufferSize int           // 5-100, default 20
	MaxBufferTime      time.Duration // 1s-30s, default 5s
	SyncTolerance      time.Duration // default 50ms
}

func (c Config) normalized() Config {
	if c.MaxVideoBufferSize <= 0 {
		c.MaxVideoBufferSize = defaultMaxVideoBuffer
	}
	c.MaxVideoBufferSize = clamp(c.MaxVideoBufferSize, 1, 50)

	if c.MaxAudioBufferSize <= 0 {
		c.MaxAudioBufferSize = defaultMaxAudioBuffer
	}
	c.MaxAudioBufferSize = clamp(c.MaxAudioBufferSize, 5, 100)

	if c.MaxBufferTime <= 0 {
		c.MaxBufferTime = defaultMaxBufferTime
	}
	if c.MaxBufferTime < time.Second {
		c.MaxBufferTime = time.Second
	}
	if c.MaxBufferTime > 30*time.Second {
		c.MaxBufferTime = 30 * time.Second
	}

	if c.SyncTolerance <= 0 {
		c.SyncTolerance = defaultSyncTolerance
	}
	return c
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Synchronizer holds timestamped video frames and audio chunks in two
// bounded deques, each guarded by its own mutex, and computes the overlap
// window (sync zone) between them on demand.
type Synchronizer struct {
	log *slog.Logger
	cfg Config

	videoMu    sync.Mutex
	video      []*frame.VideoFrame
	videoDrops atomic.Int64

	audioMu    sync.Mutex
	audio      []*frame.AudioChunk
	audioDrops atomic.Int64

	latestVideoTs atomic.Int64
	latestAudioTs atomic.Int64

	cleanupIter atomic.Int64
}

// New creates a Synchronizer with the given bounds. If log is nil,
// slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		log: log.With("component", "syncbuf"),
		cfg: cfg.normalized(),
	}
}

// PushVideo copies a timestamped RGB24 frame into the video queue. It
// rejects zero dimensions and oversized buffers; when the queue is full it
// drops the oldest entry (regardless of processed state) before inserting.
func (s *Synchronizer) PushVideo(rgb []byte, width, height int, captureTsUs int64) bool {
	if width == 0 || height == 0 {
		return false
	}
	expected := width * height * 3
	if expected > maxFrameBytes || len(rgb) != expected {
		return false
	}

	f := &frame.VideoFrame{
		RGB:                append([]byte(nil), rgb...),
		Width:              width,
		Height:             height,
		CaptureTimestampUs: captureTsUs,
	}

	s.videoMu.Lock()
	if len(s.video) >= s.cfg.MaxVideoBufferSize {
		s.video = s.video[1:]
		s.videoDrops.Add(1)
	}
	s.video = append(s.video, f)
	s.videoMu.Unlock()

	bumpMax(&s.latestVideoTs, captureTsUs)
	return true
}

// PushAudio copies a timestamped interleaved S16 chunk into the audio
// queue, applying the same full-buffer drop policy as PushVideo.
func (s *Synchronizer) PushAudio(samples []int16, sampleCount int, captureTsUs int64, sampleRate, channels int) bool {
	if sampleRate == 0 || channels == 0 {
		return false
	}
	if sampleCount*2 > maxFrameBytes {
		return false
	}

	chunk := frame.NewAudioChunk(append([]int16(nil), samples...), sampleCount, captureTsUs, sampleRate, channels)
	if sampleCount > 0 && chunk.DurationUs <= 0 {
		return false
	}

	s.audioMu.Lock()
	if len(s.audio) >= s.cfg.MaxAudioBufferSize {
		s.audio = s.audio[1:]
		s.audioDrops.Add(1)
	}
	s.audio = append(s.audio, &chunk)
	s.audioMu.Unlock()

	bumpMax(&s.latestAudioTs, captureTsUs)
	return true
}

func bumpMax(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}

// ComputeSyncZone takes the video lock then the audio lock (the one
// place both are held) and computes the overlap window between the two
// queues. If either queue is empty, or the queues don't overlap and the
// gap between them exceeds SyncTolerance, it returns an invalid zone.
func (s *Synchronizer) ComputeSyncZone() frame.SyncZone {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	s.audioMu.Lock()
	defer s.audioMu.Unlock()

	if len(s.video) == 0 || len(s.audio) == 0 {
		return frame.SyncZone{}
	}

	vStart, vEnd := s.video[0].CaptureTimestampUs, s.video[len(s.video)-1].CaptureTimestampUs
	aStart, aEnd := s.audio[0].CaptureTimestampUs, s.audio[len(s.audio)-1].CaptureTimestampUs

	zoneStart := max64(vStart, aStart)
	zoneEnd := min64(vEnd, aEnd)

	if zoneEnd <= zoneStart {
		gap := gapBetween(vStart, vEnd, aStart, aEnd)
		if gap > s.cfg.SyncTolerance.Microseconds() {
			return frame.SyncZone{}
		}
		zoneStart = min64(vStart, aStart)
		zoneEnd = max64(vEnd, aEnd)
		if zoneEnd <= zoneStart {
			return frame.SyncZone{}
		}
	}

	vs, ve := videoIndexRange(s.video, zoneStart, zoneEnd)
	as, ae := audioIndexRange(s.audio, zoneStart, zoneEnd)

	zone := frame.SyncZone{
		StartUs:       zoneStart,
		EndUs:         zoneEnd,
		VideoStartIdx: vs,
		VideoEndIdx:   ve,
		AudioStartIdx: as,
		AudioEndIdx:   ae,
	}
	if !zone.Valid() {
		return frame.SyncZone{}
	}
	return zone
}

// gapBetween returns the distance in microseconds between two disjoint
// ranges, or 0 if they already overlap or touch.
func gapBetween(vStart, vEnd, aStart, aEnd int64) int64 {
	if vEnd < aStart {
		return aStart - vEnd
	}
	if aEnd < vStart {
		return vStart - aEnd
	}
	return 0
}

func videoIndexRange(v []*frame.VideoFrame, startUs, endUs int64) (int, int) {
	start := len(v)
	for i, f := range v {
		if f.CaptureTimestampUs >= startUs {
			start = i
			break
		}
	}
	end := start
	for i := len(v) - 1; i >= 0; i-- {
		if v[i].CaptureTimestampUs <= endUs {
			end = i + 1
			break
		}
	}
	return start, end
}

func audioIndexRange(a []*frame.AudioChunk, startUs, endUs int64) (int, int) {
	start := len(a)
	for i, c := range a {
		if c.CaptureTimestampUs >= startUs {
			start = i
			break
		}
	}
	end := start
	for i := len(a) - 1; i >= 0; i-- {
		if a[i].CaptureTimestampUs <= endUs {
			end = i + 1
			break
		}
	}
	return start, end
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// GetVideoFrames returns a copy of the video frames in zone's index range,
// sorted ascending by capture timestamp. Sorting at read time absorbs
// out-of-order pushes from upstream thread scheduling.
func (s *Synchronizer) GetVideoFrames(zone frame.SyncZone) []*frame.VideoFrame {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()

	if zone.VideoStartIdx < 0 || zone.VideoEndIdx > len(s.video) || zone.VideoStartIdx >= zone.VideoEndIdx {
		return nil
	}
	out := make([]*frame.VideoFrame, zone.VideoEndIdx-zone.VideoStartIdx)
	copy(out, s.video[zone.VideoStartIdx:zone.VideoEndIdx])
	sort.Slice(out, func(i, j int) bool {
		return out[i].CaptureTimestampUs < out[j].CaptureTimestampUs
	})
	return out
}

// GetAudioChunks returns a copy of the audio chunks in zone's index range,
// sorted ascending by capture timestamp.
func (s *Synchronizer) GetAudioChunks(zone frame.SyncZone) []*frame.AudioChunk {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()

	if zone.AudioStartIdx < 0 || zone.AudioEndIdx > len(s.audio) || zone.AudioStartIdx >= zone.AudioEndIdx {
		return nil
	}
	out := make([]*frame.AudioChunk, zone.AudioEndIdx-zone.AudioStartIdx)
	copy(out, s.audio[zone.AudioStartIdx:zone.AudioEndIdx])
	sort.Slice(out, func(i, j int) bool {
		return out[i].CaptureTimestampUs < out[j].CaptureTimestampUs
	})
	return out
}

// MarkVideoProcessed sets the processed flag on the video entry matching
// tsUs. Matching by timestamp rather than index because eviction and
// reordering shift indices between compute and mark.
func (s *Synchronizer) MarkVideoProcessed(tsUs int64) {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	for _, f := range s.video {
		if f.CaptureTimestampUs == tsUs {
			f.Processed = true
			return
		}
	}
}

// MarkAudioProcessed sets the processed flag on the audio entry matching tsUs.
func (s *Synchronizer) MarkAudioProcessed(tsUs int64) {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	for _, c := range s.audio {
		if c.CaptureTimestampUs == tsUs {
			c.Processed = true
			return
		}
	}
}

// CleanupOldData evicts entries that are both older than
// latest_ts - MaxBufferTime and already processed. Unprocessed data is
// never dropped here, even if stale, to avoid silent data loss.
func (s *Synchronizer) CleanupOldData() {
	s.cleanupIter.Add(1)
	cutoffVideo := s.latestVideoTs.Load() - s.cfg.MaxBufferTime.Microseconds()
	cutoffAudio := s.latestAudioTs.Load() - s.cfg.MaxBufferTime.Microseconds()

	s.videoMu.Lock()
	s.video = evictVideo(s.video, cutoffVideo)
	s.videoMu.Unlock()

	s.audioMu.Lock()
	s.audio = evictAudio(s.audio, cutoffAudio)
	s.audioMu.Unlock()
}

func evictVideo(v []*frame.VideoFrame, cutoff int64) []*frame.VideoFrame {
	out := v[:0]
	for _, f := range v {
		if f.Processed && f.CaptureTimestampUs < cutoff {
			continue
		}
		out = append(out, f)
	}
	return out
}

func evictAudio(a []*frame.AudioChunk, cutoff int64) []*frame.AudioChunk {
	out := a[:0]
	for _, c := range a {
		if c.Processed && c.CaptureTimestampUs < cutoff {
			continue
		}
		out = append(out, c)
	}
	return out
}

// VideoQueueLen reports the current number of buffered video frames.
func (s *Synchronizer) VideoQueueLen() int {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	return len(s.video)
}

// AudioQueueLen reports the current number of buffered audio chunks.
func (s *Synchronizer) AudioQueueLen() int {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return len(s.audio)
}

// Dropped returns the cumulative video and audio overflow-drop counters.
func (s *Synchronizer) Dropped() (video, audio int64) {
	return s.videoDrops.Load(), s.audioDrops.Load()
}

// UnprocessedVideo returns every video frame not yet marked processed,
// sorted ascending by capture timestamp. Used by the recorder's stop path
// to flush whatever the encode loop had not reached.
func (s *Synchronizer) UnprocessedVideo() []*frame.VideoFrame {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	var out []*frame.VideoFrame
	for _, f := range s.video {
		if !f.Processed {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CaptureTimestampUs < out[j].CaptureTimestampUs
	})
	return out
}

// UnprocessedAudio returns every audio chunk not yet marked processed,
// sorted ascending by capture timestamp.
func (s *Synchronizer) UnprocessedAudio() []*frame.AudioChunk {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	var out []*frame.AudioChunk
	for _, c := range s.audio {
		if !c.Processed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CaptureTimestampUs < out[j].CaptureTimestampUs
	})
	return out
}

// VideoOnlyZone synthesizes a degenerate zone covering up to n frames from
// the head of the video queue, for use when audio is disabled or
// unavailable. The audio range is set to [0,1) purely to satisfy Valid();
// callers must skip audio work for a zone produced this way.
func (s *Synchronizer) VideoOnlyZone(n int) frame.SyncZone {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	if len(s.video) == 0 {
		return frame.SyncZone{}
	}
	if n > len(s.video) {
		n = len(s.video)
	}
	if n == 0 {
		return frame.SyncZone{}
	}
	return frame.SyncZone{
		StartUs:       s.video[0].CaptureTimestampUs,
		EndUs:         s.video[n-1].CaptureTimestampUs + 1,
		VideoStartIdx: 0,
		VideoEndIdx:   n,
		AudioStartIdx: 0,
		AudioEndIdx:   1,
	}
}
