// Package record orchestrates one recording: it owns the synchronizer the
// capture thread pushes into, the encoder and muxer that drain it, the
// background encoding goroutine, and the start/flush/finalize lifecycle.
package record

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/strftime"
	"golang.org/x/sync/errgroup"

	"github.com/geldoronie/retrocapture/internal/codec"
	"github.com/geldoronie/retrocapture/internal/frame"
	"github.com/geldoronie/retrocapture/internal/mux"
	"github.com/geldoronie/retrocapture/internal/registry"
	"github.com/geldoronie/retrocapture/internal/settings"
	"github.com/geldoronie/retrocapture/internal/syncbuf"
	"github.com/geldoronie/retrocapture/internal/thumbnail"
)

const (
	// maxWarnLogs bounds per-recording bad-input and mux-failure log lines.
	maxWarnLogs = 5

	// initialSettle lets early frames accumulate before the first zone.
	initialSettle = 100 * time.Millisecond

	// Backlog thresholds: queue lengths above which encodeLoop switches
	// to its larger per-iteration batch caps and shorter sleep.
	videoBacklogAt = 5
	audioBacklogAt = 10

	defaultSampleRate = 44100
	defaultChannels   = 2
)

// Recorder drives one Encoder and one Muxer against a filesystem sink.
// The capture thread calls PushFrame/PushAudio; a background goroutine
// pulls sync zones and feeds the encoder; Stop flushes, finalizes the
// container, and registers the finished file.
type Recorder struct {
	log *slog.Logger
	reg *registry.Registry

	mu   sync.Mutex // lifecycle transitions
	cfg  settings.RecordingSettings
	sync *syncbuf.Synchronizer
	enc  *codec.Encoder
	mux  *mux.Muxer

	// infoMu guards meta and outPath so status reads never contend with
	// the lifecycle lock, which Stop holds across the goroutine join.
	infoMu  sync.Mutex
	meta    frame.RecordingMetadata
	outPath string

	hasAudio bool
	base     time.Time

	g          *errgroup.Group
	finishOnce *sync.Once
	finishErr  error

	running   atomic.Bool
	recording atomic.Bool
	stopReq   atomic.Bool

	audioMu    sync.Mutex
	sampleRate int
	channels   int

	firstVideoTsUs atomic.Int64 // -1 until the first frame is encoded
	lastVideoTsUs  atomic.Int64

	warnLogs atomic.Int32
}

// New creates an idle Recorder. reg may be nil for embedders that keep
// their own bookkeeping. If log is nil, slog.Default() is used.
func New(reg *registry.Registry, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		log: log.With("component", "record"),
		reg: reg,
	}
	r.firstVideoTsUs.Store(-1)
	return r
}

// SetAudioFormat declares the sample rate and channel count of subsequent
// PushAudio calls. Must be called before the first PushAudio; calling it
// before Start lets the encoder open the audio codec with the real rate.
func (r *Recorder) SetAudioFormat(sampleRate, channels int) {
	r.audioMu.Lock()
	defer r.audioMu.Unlock()
	r.sampleRate = sampleRate
	r.channels = channels
}

func (r *Recorder) audioFormat() (int, int) {
	r.audioMu.Lock()
	defer r.audioMu.Unlock()
	return r.sampleRate, r.channels
}

// PushFrame copies one RGB24 frame into the synchronizer, stamping it
// with the recorder's monotonic clock. Returns false when not recording
// or the frame is rejected; never blocks.
func (r *Recorder) PushFrame(rgb []byte, width, height int) bool {
	if !r.recording.Load() {
		return false
	}
	ts := time.Since(r.base).Microseconds()
	if !r.sync.PushVideo(rgb, width, height, ts) {
		r.warn("video frame rejected", "width", width, "height", height, "len", len(rgb))
		return false
	}
	return true
}

// PushAudio copies interleaved S16 samples into the synchronizer.
// SetAudioFormat must have been called first.
func (r *Recorder) PushAudio(samples []int16, sampleCount int) bool {
	if !r.recording.Load() || !r.hasAudio {
		return false
	}
	rate, ch := r.audioFormat()
	if rate == 0 || ch == 0 {
		r.warn("audio pushed before SetAudioFormat")
		return false
	}
	ts := time.Since(r.base).Microseconds()
	if !r.sync.PushAudio(samples, sampleCount, ts, rate, ch) {
		r.warn("audio chunk rejected", "samples", sampleCount)
		return false
	}
	return true
}

func (r *Recorder) warn(msg string, args ...any) {
	if r.warnLogs.Add(1) > maxWarnLogs {
		return
	}
	r.log.Warn(msg, args...)
}

// IsRecording reports whether a recording is in progress.
func (r *Recorder) IsRecording() bool { return r.recording.Load() }

// CurrentFilename returns the active (or last) recording's filename.
func (r *Recorder) CurrentFilename() string {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	return r.meta.Filename
}

// CurrentDurationUs returns the encoded duration so far, measured between
// the first and last video capture timestamps fed to the encoder.
func (r *Recorder) CurrentDurationUs() int64 {
	first := r.firstVideoTsUs.Load()
	if first < 0 {
		return 0
	}
	return r.lastVideoTsUs.Load() - first
}

// CurrentFileSize returns the output file's size on disk so far.
func (r *Recorder) CurrentFileSize() int64 {
	r.infoMu.Lock()
	path := r.outPath
	r.infoMu.Unlock()
	if path == "" {
		return 0
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// OutputFilename expands the strftime template and appends the container
// extension, producing the filename a recording started at now would get.
func OutputFilename(template, container string, now time.Time) (string, error) {
	if template == "" {
		template = "rec_%Y%m%d_%H%M%S"
	}
	name, err := strftime.Format(template, now)
	if err != nil {
		return "", fmt.Errorf("record: filename template %q: %w", template, err)
	}
	ext := strings.ToLower(container)
	if ext == "" {
		ext = "mp4"
	}
	return name + "." + ext, nil
}

// Start validates settings, builds the output path, initializes the
// encoder and muxer, and spawns the encoding goroutine. Any step failure
// tears down everything already built.
func (r *Recorder) Start(ctx context.Context, s settings.RecordingSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Load() {
		return fmt.Errorf("record: already recording %q", r.meta.Filename)
	}

	now := time.Now()
	filename, err := OutputFilename(s.FilenameTemplate, s.Container, now)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.OutputPath, 0o755); err != nil {
		return fmt.Errorf("record: create output dir %q: %w", s.OutputPath, err)
	}
	outPath := filepath.Join(s.OutputPath, filename)

	audioCfg := frame.AudioConfig{}
	if s.IncludeAudio {
		rate, ch := r.audioFormat()
		if rate == 0 || ch == 0 {
			rate, ch = defaultSampleRate, defaultChannels
			r.log.Info("audio format not declared, assuming defaults",
				"sample_rate", rate, "channels", ch)
			r.SetAudioFormat(rate, ch)
		}
		audioCfg = s.AudioConfig()
		audioCfg.SampleRate = rate
		audioCfg.Channels = ch
	}

	enc := codec.New(r.log)
	if err := enc.Init(s.VideoConfig(), audioCfg); err != nil {
		return err
	}

	mx := mux.New(r.log)
	if err := mx.InitFile(outPath, s.ContainerKind(), enc.VideoCodecContext(), enc.AudioCodecContext()); err != nil {
		enc.Close()
		return err
	}

	audioCodec := ""
	if s.IncludeAudio {
		audioCodec = s.AudioCodec
	}
	r.infoMu.Lock()
	r.meta = frame.RecordingMetadata{
		ID:               registry.NewID(filename),
		Filename:         filename,
		Filepath:         outPath,
		Container:        string(s.ContainerKind()),
		VideoCodec:       s.Codec,
		AudioCodec:       audioCodec,
		Width:            s.Width,
		Height:           s.Height,
		FPS:              s.FPS,
		CreatedAtISO8601: now.UTC().Format(time.RFC3339),
	}
	r.outPath = outPath
	r.infoMu.Unlock()

	r.cfg = s
	r.sync = syncbuf.New(syncbuf.Config{}, r.log)
	r.enc = enc
	r.mux = mx
	r.hasAudio = s.IncludeAudio
	r.base = now
	r.finishOnce = new(sync.Once)
	r.finishErr = nil
	r.warnLogs.Store(0)
	r.firstVideoTsUs.Store(-1)
	r.lastVideoTsUs.Store(0)
	r.stopReq.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.encodeLoop(gctx)
		return nil
	})
	g.Go(func() error {
		r.watchLimits(gctx)
		return nil
	})
	r.g = g

	r.running.Store(true)
	r.recording.Store(true)
	r.log.Info("recording started", "path", outPath,
		"codec", s.Codec, "container", r.meta.Container, "audio", s.IncludeAudio)
	return nil
}

// watchLimits polls the max-duration and max-file-size bounds and
// requests a stop once either is exceeded. Stop still has to be called to
// finalize; the encode loop just goes quiet in the meantime.
func (r *Recorder) watchLimits(ctx context.Context) {
	if r.cfg.MaxDurationUs == 0 && r.cfg.MaxFileSize == 0 {
		return
	}
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if r.stopReq.Load() {
			return
		}
		if r.cfg.MaxDurationUs > 0 && r.CurrentDurationUs() >= r.cfg.MaxDurationUs {
			r.log.Info("max duration reached, stopping", "duration_us", r.CurrentDurationUs())
			r.stopReq.Store(true)
			return
		}
		if r.cfg.MaxFileSize > 0 && r.CurrentFileSize() >= r.cfg.MaxFileSize {
			r.log.Info("max file size reached, stopping", "file_size", r.CurrentFileSize())
			r.stopReq.Store(true)
			return
		}
	}
}

// encodeLoop is the consumer side of the synchronizer: it pulls sync
// zones, feeds sorted frames and chunks into the encoder, and hands every
// resulting packet to the muxer. Batch sizes and the inter-iteration
// sleep adapt to backlog.
func (r *Recorder) encodeLoop(ctx context.Context) {
	time.Sleep(initialSettle)

	frameInterval := time.Second / time.Duration(r.cfg.FPS)
	iter := 0
	for !r.stopReq.Load() && ctx.Err() == nil {
		iter++
		if iter%10 == 0 {
			r.sync.CleanupOldData()
		}

		videoOnly := false
		zone := r.sync.ComputeSyncZone()
		if !zone.Valid() {
			if r.hasAudio {
				// Audio was promised; never process video alone.
				time.Sleep(10 * time.Millisecond)
				continue
			}
			zone = r.sync.VideoOnlyZone(2)
			videoOnly = true
			if !zone.Valid() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		backlog := r.sync.VideoQueueLen() > videoBacklogAt || r.sync.AudioQueueLen() > audioBacklogAt
		maxVideo, maxAudio := 2, 3
		if backlog {
			maxVideo, maxAudio = 5, 8
		}

		frames := r.sync.GetVideoFrames(zone)
		if len(frames) > maxVideo {
			frames = frames[:maxVideo]
		}
		for _, f := range frames {
			if r.stopReq.Load() {
				return
			}
			r.encodeVideoFrame(f)
		}

		if r.hasAudio && !videoOnly {
			chunks := r.sync.GetAudioChunks(zone)
			if len(chunks) > maxAudio {
				chunks = chunks[:maxAudio]
			}
			for _, c := range chunks {
				if r.stopReq.Load() {
					return
				}
				r.encodeAudioChunk(c)
			}
		}

		if backlog {
			time.Sleep(100 * time.Microsecond)
		} else {
			time.Sleep(frameInterval / 2)
		}
	}
}

func (r *Recorder) encodeVideoFrame(f *frame.VideoFrame) {
	pkts, err := r.enc.EncodeVideo(f.RGB, f.Width, f.Height, f.CaptureTimestampUs)
	if err != nil {
		r.warn("video encode failed", "error", err, "ts_us", f.CaptureTimestampUs)
	}
	for _, p := range pkts {
		if !r.mux.MuxPacket(p) {
			r.warn("video packet mux failed", "pts", p.PTS)
		}
	}
	r.sync.MarkVideoProcessed(f.CaptureTimestampUs)

	if r.firstVideoTsUs.Load() < 0 {
		r.firstVideoTsUs.Store(f.CaptureTimestampUs)
	}
	if f.CaptureTimestampUs > r.lastVideoTsUs.Load() {
		r.lastVideoTsUs.Store(f.CaptureTimestampUs)
	}
}

func (r *Recorder) encodeAudioChunk(c *frame.AudioChunk) {
	pkts, err := r.enc.EncodeAudio(c.Samples, perChannelSamples(c), c.CaptureTimestampUs)
	if err != nil {
		r.warn("audio encode failed", "error", err, "ts_us", c.CaptureTimestampUs)
	}
	for _, p := range pkts {
		if !r.mux.MuxPacket(p) {
			r.warn("audio packet mux failed", "pts", p.PTS)
		}
	}
	r.sync.MarkAudioProcessed(c.CaptureTimestampUs)
}

// perChannelSamples converts the chunk's total-across-channels count into
// the per-channel count the encoder's frame splicer works in.
func perChannelSamples(c *frame.AudioChunk) int {
	if c.Channels <= 0 {
		return c.SampleCount
	}
	return c.SampleCount / c.Channels
}

// Stop requests the encoding goroutine to wind down, joins it, flushes
// whatever the loop had not reached plus the codec's internal queues,
// finalizes the container, and registers the finished recording.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.Load() {
		return fmt.Errorf("record: not recording")
	}

	r.recording.Store(false) // producers go dark first
	r.stopReq.Store(true)
	_ = r.g.Wait()

	r.finishOnce.Do(r.finish)
	r.running.Store(false)
	return r.finishErr
}

// finish drains everything still queued, flushes the encoder, finalizes
// the muxer, then records the entry and extracts a thumbnail. Finalizer
// failures are logged but the registry entry is still created so the user
// can decide what to do with the partial file.
func (r *Recorder) finish() {
	for _, f := range r.sync.UnprocessedVideo() {
		r.encodeVideoFrame(f)
	}
	if r.hasAudio {
		for _, c := range r.sync.UnprocessedAudio() {
			r.encodeAudioChunk(c)
		}
	}

	pkts, err := r.enc.Flush()
	if err != nil {
		r.log.Warn("encoder flush failed", "error", err)
	}
	for _, p := range pkts {
		if !r.mux.MuxPacket(p) {
			r.warn("flush packet mux failed", "pts", p.PTS)
		}
	}

	// Trailer before codec teardown: the muxer still reads stream
	// parameters owned by the codec contexts.
	if err := r.mux.Finalize(); err != nil {
		r.log.Warn("muxer finalize failed", "error", err)
		r.finishErr = err
	}
	r.enc.Close()

	r.infoMu.Lock()
	if fi, err := os.Stat(r.outPath); err == nil {
		r.meta.FileSize = fi.Size()
	}
	r.meta.DurationUs = r.CurrentDurationUs()
	meta := r.meta
	outPath := r.outPath
	r.infoMu.Unlock()

	r.log.Info("recording stopped", "path", outPath,
		"duration_us", meta.DurationUs, "file_size", meta.FileSize)

	if r.reg != nil {
		if err := r.reg.Add(meta); err != nil {
			r.log.Warn("registry add failed", "error", err)
		} else if thumb, err := thumbnail.Extract(outPath, r.log); err != nil {
			r.log.Warn("thumbnail extraction failed", "error", err)
		} else if err := r.reg.SetThumbnail(meta.ID, thumb); err != nil {
			r.log.Warn("thumbnail registration failed", "error", err)
		}
	}
}
