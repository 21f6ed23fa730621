// Command retrocapture records a synthetic test pattern through the full
// pipeline (synchronizer, encoder, muxer, registry) and prints the
// registry afterwards. It stands in for a real platform capture driver,
// which plugs into the same capture.Source seam.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/geldoronie/retrocapture/internal/capture"
	"github.com/geldoronie/retrocapture/internal/record"
	"github.com/geldoronie/retrocapture/internal/registry"
	"github.com/geldoronie/retrocapture/internal/settings"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		outDir    = flag.String("out", "recordings", "output directory")
		codecName = flag.String("codec", "h264", "video codec: h264, h265, vp8, vp9")
		container = flag.String("container", "mp4", "container: mp4, mkv, avi")
		width     = flag.Int("width", 1280, "output width")
		height    = flag.Int("height", 720, "output height")
		fps       = flag.Int("fps", 30, "frames per second")
		seconds   = flag.Int("seconds", 10, "recording length")
		withAudio = flag.Bool("audio", true, "record a silent AAC track")
		list      = flag.Bool("list", false, "list recordings and exit")
	)
	flag.Parse()

	slog.Info("retrocapture starting", "version", version)

	reg := registry.New(filepath.Join(*outDir, "recordings.json"), nil)
	if err := reg.Load(); err != nil {
		slog.Error("failed to load registry", "error", err)
		os.Exit(1)
	}

	if *list {
		for _, m := range reg.List() {
			fmt.Printf("%s  %-30s %s %dx%d@%d  %.1fs  %d bytes\n",
				m.ID, m.Filename, m.VideoCodec, m.Width, m.Height, m.FPS,
				float64(m.DurationUs)/1e6, m.FileSize)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, stopping", "signal", sig)
		cancel()
	}()

	rec := record.New(reg, nil)
	rec.SetAudioFormat(44100, 2)

	err := rec.Start(ctx, settings.RecordingSettings{
		Width:            *width,
		Height:           *height,
		FPS:              *fps,
		Bitrate:          8_000_000,
		Codec:            *codecName,
		Preset:           "veryfast",
		AudioBitrate:     256_000,
		AudioCodec:       "aac",
		Container:        *container,
		OutputPath:       *outDir,
		FilenameTemplate: "rec_%Y%m%d_%H%M%S",
		IncludeAudio:     *withAudio,
	})
	if err != nil {
		slog.Error("failed to start recording", "error", err)
		os.Exit(1)
	}

	src, err := capture.NewSource("pattern", nil)
	if err != nil {
		slog.Error("failed to create capture source", "error", err)
		os.Exit(1)
	}

	runCtx, stopSrc := context.WithTimeout(ctx, time.Duration(*seconds)*time.Second)
	defer stopSrc()

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return src.Start(runCtx, rec)
	})
	if err := g.Wait(); err != nil && runCtx.Err() == nil {
		slog.Error("capture source failed", "error", err)
	}

	if err := rec.Stop(); err != nil {
		slog.Error("stop failed", "error", err)
		os.Exit(1)
	}

	for _, m := range reg.List() {
		slog.Info("recording",
			"file", m.Filename, "duration_us", m.DurationUs, "size", m.FileSize,
			"thumbnail", m.ThumbnailPath)
	}
}

// patternSource generates a scrolling color gradient plus silence, paced
// to the configured frame rate.
type patternSource struct {
	log    *slog.Logger
	cancel context.CancelFunc
	w, h   int
	fps    int
}

func init() {
	capture.Register("pattern", func(log *slog.Logger) (capture.Source, error) {
		if log == nil {
			log = slog.Default()
		}
		return &patternSource{log: log.With("component", "capture"), w: 1280, h: 720, fps: 30}, nil
	})
}

func (p *patternSource) Name() string { return "pattern" }

func (p *patternSource) Start(ctx context.Context, sink capture.Sink) error {
	ctx, p.cancel = context.WithCancel(ctx)
	sink.SetAudioFormat(44100, 2)

	rgb := make([]byte, p.w*p.h*3)
	// 100 ms of stereo silence per audio push.
	silence := make([]int16, 44100/10*2)

	frameTick := time.NewTicker(time.Second / time.Duration(p.fps))
	defer frameTick.Stop()
	audioTick := time.NewTicker(100 * time.Millisecond)
	defer audioTick.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-frameTick.C:
			fillGradient(rgb, p.w, p.h, n)
			sink.PushFrame(rgb, p.w, p.h)
			n++
		case <-audioTick.C:
			sink.PushAudio(silence, len(silence))
		}
	}
}

func (p *patternSource) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func fillGradient(rgb []byte, w, h, phase int) {
	shift := phase % 256
	for y := 0; y < h; y++ {
		row := y * w * 3
		g := byte(255 * y / h)
		for x := 0; x < w; x++ {
			i := row + x*3
			rgb[i] = byte((255*x/w + shift) % 256)
			rgb[i+1] = g
			rgb[i+2] = byte(int(math.Abs(float64(shift-128))) * 2 % 256)
		}
	}
}
